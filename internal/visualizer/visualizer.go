// Package visualizer drives a periodic render loop over the capture
// pipeline's analysis snapshots.
//
// The loop polls the spectrum and speech phase on a fixed tick and hands a
// Frame to the configured Renderer. When no pipeline is attached (session not
// started, or tearing down) the tick is a silent no-op. Stopping the loop
// clears the renderer so no stale bars linger on screen.
package visualizer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/echolith/pkg/vad"
)

// DefaultInterval is the render cadence when not configured otherwise,
// roughly 30 frames per second.
const DefaultInterval = 33 * time.Millisecond

// Frame is one visualisation snapshot.
type Frame struct {
	// Spectrum holds the analyzer buckets, each in [0, 1].
	Spectrum []float64

	// Phase is the current speech classification.
	Phase vad.Phase

	// Muted reports whether capture is muted.
	Muted bool
}

// Renderer draws visualisation frames.
type Renderer interface {
	// Render draws one frame.
	Render(Frame)

	// Clear erases whatever the renderer last drew.
	Clear()
}

// Source provides the data the loop polls on every tick. Satisfied by
// *capture.Pipeline.
type Source interface {
	Spectrum() []float64
	VADPhase() vad.Phase
	Muted() bool
}

// Option is a functional option for configuring a Loop.
type Option func(*Loop)

// WithInterval sets the render cadence.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) { l.interval = d }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.log = logger }
}

// Loop periodically renders the attached source. A Loop starts detached;
// Attach and Detach swap the polled source while the ticker keeps running.
type Loop struct {
	renderer Renderer
	interval time.Duration
	log      *slog.Logger

	mu  sync.Mutex
	src Source

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Loop rendering through r and starts ticking.
func New(r Renderer, opts ...Option) *Loop {
	l := &Loop{
		renderer: r,
		interval: DefaultInterval,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}

	l.wg.Add(1)
	go l.run()
	return l
}

// Attach sets the source polled on every tick.
func (l *Loop) Attach(src Source) {
	l.mu.Lock()
	l.src = src
	l.mu.Unlock()
}

// Detach removes the current source and clears the display.
func (l *Loop) Detach() {
	l.mu.Lock()
	l.src = nil
	l.mu.Unlock()
	l.renderer.Clear()
}

func (l *Loop) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	l.mu.Lock()
	src := l.src
	l.mu.Unlock()

	if src == nil {
		return
	}

	spectrum := src.Spectrum()
	if len(spectrum) == 0 {
		return
	}

	l.renderer.Render(Frame{
		Spectrum: spectrum,
		Phase:    src.VADPhase(),
		Muted:    src.Muted(),
	})
}

// Stop halts the loop and clears the display. Idempotent.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		l.renderer.Clear()
	})
}
