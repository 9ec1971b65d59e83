// Package playback schedules model speech chunks for gapless, interruptible
// output.
//
// Chunks arrive from the transport as raw PCM byte slices in an unpredictable
// rhythm: a burst at turn start, then a trickle. The Scheduler maintains a
// cursor on the output clock so that each chunk begins exactly where the
// previous one ends, regardless of when it arrived. When the stream falls
// behind the clock (an underrun), the cursor resynchronises to "now" instead
// of scheduling in the past. A barge-in stops every playing chunk at once and
// resets the cursor so the next turn starts fresh.
//
// The Scheduler is clock-agnostic: it talks to an Output whose Now method
// defines the timeline. Production uses the PortAudio stream clock; tests use
// a manual fake.
package playback

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/echolith/pkg/audio"
)

// Voice is a single scheduled chunk that is playing or waiting to play.
type Voice interface {
	// Stop halts the chunk immediately. Stopping an already finished chunk is
	// a no-op.
	Stop()
}

// Output is a playback sink with its own monotonic clock.
type Output interface {
	// Now returns the current position of the output clock in seconds.
	Now() float64

	// Start schedules samples to begin playing at the clock time "at".
	// onEnded is invoked exactly once when the chunk finishes or is stopped.
	Start(samples []int16, at float64, onEnded func()) (Voice, error)
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Scheduled      int64
	DecodeFailures int64
	Resyncs        int64
	Interrupts     int64
}

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.log = logger }
}

// Scheduler lines up PCM chunks back to back on the output clock.
type Scheduler struct {
	out        Output
	sampleRate int
	log        *slog.Logger

	mu        sync.Mutex
	nextStart float64
	live      map[int64]Voice
	nextID    int64
	stats     Stats
}

// New creates a Scheduler that plays chunks of the given sample rate through
// out.
func New(out Output, sampleRate int, opts ...Option) (*Scheduler, error) {
	if out == nil {
		return nil, fmt.Errorf("playback: output is nil")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("playback: invalid sample rate %d", sampleRate)
	}
	s := &Scheduler{
		out:        out,
		sampleRate: sampleRate,
		log:        slog.Default(),
		live:       make(map[int64]Voice),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Enqueue decodes one PCM byte chunk and schedules it to start the moment the
// previously enqueued chunk ends, or immediately if the stream has drained.
// A chunk that fails to decode is skipped; the stream continues with the next
// one.
func (s *Scheduler) Enqueue(pcm []byte) error {
	samples, err := audio.BytesToSamples(pcm)
	if err != nil || len(samples) == 0 {
		s.mu.Lock()
		s.stats.DecodeFailures++
		s.mu.Unlock()
		if err != nil {
			s.log.Warn("skipping undecodable chunk", "error", err, "bytes", len(pcm))
		}
		return nil
	}

	duration := float64(len(samples)) / float64(s.sampleRate)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.out.Now()
	start := s.nextStart
	if now > start {
		if len(s.live) > 0 || s.nextStart > 0 {
			s.stats.Resyncs++
			s.log.Debug("playback cursor resync", "behind", now-start)
		}
		start = now
	}

	id := s.nextID
	s.nextID++

	voice, err := s.out.Start(samples, start, func() { s.release(id) })
	if err != nil {
		s.stats.DecodeFailures++
		s.log.Warn("failed to start chunk", "error", err)
		return nil
	}

	s.live[id] = voice
	s.nextStart = start + duration
	s.stats.Scheduled++
	return nil
}

// release removes a finished chunk from the live set.
func (s *Scheduler) release(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, id)
}

// InterruptAndClear stops every playing and pending chunk and resets the
// cursor. Safe to call at any time, including when nothing is playing.
func (s *Scheduler) InterruptAndClear() {
	s.mu.Lock()
	voices := make([]Voice, 0, len(s.live))
	for _, v := range s.live {
		voices = append(voices, v)
	}
	s.live = make(map[int64]Voice)
	s.nextStart = 0
	if len(voices) > 0 {
		s.stats.Interrupts++
	}
	s.mu.Unlock()

	// Stop outside the lock: Voice.Stop may call back into release.
	for _, v := range voices {
		v.Stop()
	}
}

// Pending reports how many chunks are playing or waiting to play.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
