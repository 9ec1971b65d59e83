package visualizer

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/echolith/pkg/vad"
)

// Bar glyphs from empty to full, eighths of a block.
var barGlyphs = []rune{' ', '▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

const (
	ansiGreen  = "\033[32m"
	ansiCyan   = "\033[36m"
	ansiDim    = "\033[2m"
	ansiReset  = "\033[0m"
	ansiErase  = "\r\033[K"
)

// TermRenderer draws a single-line bar meter to a terminal. The line is
// redrawn in place; colour encodes the speech phase (green while speaking,
// cyan while silent, dimmed while muted).
type TermRenderer struct {
	mu  sync.Mutex
	w   io.Writer
	out bool // something is currently drawn
}

// NewTermRenderer creates a TermRenderer writing to w.
func NewTermRenderer(w io.Writer) *TermRenderer {
	return &TermRenderer{w: w}
}

// Render draws one frame as a row of bar glyphs.
func (r *TermRenderer) Render(f Frame) {
	var sb strings.Builder
	sb.WriteString(ansiErase)

	color := ansiCyan
	label := "silence "
	switch {
	case f.Muted:
		color = ansiDim
		label = "muted   "
	case f.Phase == vad.Speaking:
		color = ansiGreen
		label = "speaking"
	}

	sb.WriteString(color)
	sb.WriteString(label)
	sb.WriteByte(' ')
	for _, v := range f.Spectrum {
		idx := int(v * float64(len(barGlyphs)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(barGlyphs) {
			idx = len(barGlyphs) - 1
		}
		sb.WriteRune(barGlyphs[idx])
	}
	sb.WriteString(ansiReset)

	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.w, sb.String())
	r.out = true
}

// Clear erases the meter line.
func (r *TermRenderer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.out {
		return
	}
	fmt.Fprint(r.w, ansiErase)
	r.out = false
}
