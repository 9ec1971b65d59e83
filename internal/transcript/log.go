// Package transcript keeps a rolling record of the conversation: what the
// user said and what the model answered, per turn. Entries are held in
// memory for the diagnostics endpoint and optionally appended to a JSONL
// file so a session can be reviewed after the fact.
package transcript

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// Speaker labels for Entry.Speaker.
const (
	SpeakerUser  = "user"
	SpeakerModel = "model"
)

// defaultMaxEntries bounds the in-memory log so a long-running session
// does not grow without limit.
const defaultMaxEntries = 1000

// Entry is a single utterance in the conversation.
type Entry struct {
	Time    time.Time `json:"time"`
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
}

// Log records conversation entries. Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	max     int
	path    string
}

// Option configures a Log.
type Option func(*Log)

// WithFile appends every entry as a JSON line to the given file.
// The file is created on first write if it does not exist.
func WithFile(path string) Option {
	return func(l *Log) { l.path = path }
}

// WithMaxEntries overrides how many entries are kept in memory.
// Older entries are dropped once the limit is reached.
func WithMaxEntries(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.max = n
		}
	}
}

// NewLog creates an empty conversation log.
func NewLog(opts ...Option) *Log {
	l := &Log{max: defaultMaxEntries}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records one utterance. Empty text is ignored so callers can pass
// through turns that carried audio only.
func (l *Log) Append(speaker, text string) error {
	if text == "" {
		return nil
	}

	e := Entry{Time: time.Now().UTC(), Speaker: speaker, Text: text}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, e)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}

	if l.path == "" {
		return nil
	}
	return l.persist(e)
}

// persist appends e as a JSON line. Caller holds l.mu.
func (l *Log) persist(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("transcript: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("transcript: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("transcript: write: %w", err)
	}
	return nil
}

// Entries returns a copy of the current in-memory log, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports how many entries are held in memory.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Handler returns an HTTP handler that serves the in-memory log as JSON.
func (l *Log) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(l.Entries()); err != nil {
			http.Error(w, "encode failed", http.StatusInternalServerError)
		}
	})
}
