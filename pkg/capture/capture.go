// Package capture runs the microphone-side processing chain: gain, mute,
// spectrum analysis, speech classification and ordered delivery to the
// transport.
//
// Frames flow from a Source through the Pipeline, which applies the current
// gain, zeroes the frame when muted, feeds the analyzer and classifier, and
// hands the encoded bytes to a single sender goroutine. That goroutine is the
// only writer to the sink, so frames arrive at the transport in capture order
// even though delivery is asynchronous.
package capture

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/echolith/pkg/audio"
	"github.com/MrWong99/echolith/pkg/vad"
)

// Source produces a stream of captured audio frames. Closing the source ends
// the stream by closing the Frames channel.
type Source interface {
	Frames() <-chan audio.Frame
	Close() error
}

// Sink receives processed PCM chunks in capture order.
type Sink func(pcm []byte) error

// sendQueueDepth bounds how many processed frames may wait for delivery
// before the pipeline starts dropping new frames. A frame is 256 ms, so
// 16 frames is about four seconds of backlog.
const sendQueueDepth = 16

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.log = logger }
}

// WithGain sets the initial input gain. Defaults to 1.0.
func WithGain(gain float64) Option {
	return func(p *Pipeline) { p.gainBits.Store(math.Float64bits(gain)) }
}

// WithSensitivity sets the initial speech detection sensitivity. Defaults to
// medium.
func WithSensitivity(s vad.Sensitivity) Option {
	return func(p *Pipeline) { p.sensitivity = s }
}

// WithAnalyzerBuckets sets the number of spectrum buckets.
func WithAnalyzerBuckets(n int) Option {
	return func(p *Pipeline) { p.buckets = n }
}

// WithPhaseListener registers fn to be called from the processing goroutine
// whenever the speech detection phase changes. fn must not block.
func WithPhaseListener(fn func(vad.Phase)) Option {
	return func(p *Pipeline) { p.onPhase = fn }
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	FramesProcessed int64
	FramesSent      int64
	FramesDropped   int64
	SendErrors      int64
}

// Pipeline processes captured frames and delivers them to a Sink.
type Pipeline struct {
	src  Source
	sink Sink
	log  *slog.Logger

	gainBits atomic.Uint64
	muted    atomic.Bool

	sensitivity vad.Sensitivity
	buckets     int
	onPhase     func(vad.Phase)

	clsMu      sync.Mutex
	classifier *vad.Classifier

	analyzer *Analyzer

	sendCh chan []byte
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error

	statsMu sync.Mutex
	stats   Stats
}

// New creates a Pipeline reading from src and delivering processed frames to
// sink, and starts its processing goroutines. Call Close to stop.
func New(src Source, sink Sink, opts ...Option) (*Pipeline, error) {
	if src == nil {
		return nil, fmt.Errorf("capture: source is nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("capture: sink is nil")
	}

	p := &Pipeline{
		src:         src,
		sink:        sink,
		log:         slog.Default(),
		sensitivity: vad.SensitivityMedium,
		buckets:     DefaultBuckets,
		sendCh:      make(chan []byte, sendQueueDepth),
	}
	p.gainBits.Store(math.Float64bits(1.0))
	for _, o := range opts {
		o(p)
	}

	if !p.sensitivity.IsValid() {
		return nil, fmt.Errorf("capture: unknown sensitivity %q", p.sensitivity)
	}
	p.classifier = vad.New(p.sensitivity)
	p.analyzer = NewAnalyzer(p.buckets, audio.CaptureRate)

	p.wg.Add(2)
	go p.processLoop()
	go p.sendLoop()

	return p, nil
}

// processLoop consumes frames from the source, applies gain and mute, updates
// the analyzer and classifier, and enqueues the result for delivery.
func (p *Pipeline) processLoop() {
	defer p.wg.Done()
	defer close(p.sendCh)

	for frame := range p.src.Frames() {
		samples := frame.Samples
		if len(samples) == 0 {
			continue
		}

		if p.muted.Load() {
			// Zero at the source so neither the transport nor the
			// classifier ever sees live audio while muted.
			samples = make([]int16, len(samples))
		} else if gain := p.Gain(); gain != 1.0 {
			samples = audio.ApplyGain(samples, gain)
		}

		p.analyzer.Analyze(samples)

		p.clsMu.Lock()
		before := p.classifier.Phase()
		after := p.classifier.Classify(samples)
		p.clsMu.Unlock()
		if p.onPhase != nil && after != before {
			p.onPhase(after)
		}

		p.statsMu.Lock()
		p.stats.FramesProcessed++
		p.statsMu.Unlock()

		pcm := audio.SamplesToBytes(samples)
		select {
		case p.sendCh <- pcm:
		default:
			// Sink is stalled. Drop the newest frame rather than block
			// capture; the transport tolerates gaps but not latency.
			p.statsMu.Lock()
			p.stats.FramesDropped++
			p.statsMu.Unlock()
			p.log.Warn("send queue full, dropping frame")
		}
	}
}

// sendLoop is the single writer to the sink, preserving capture order.
func (p *Pipeline) sendLoop() {
	defer p.wg.Done()

	for pcm := range p.sendCh {
		if err := p.sink(pcm); err != nil {
			p.statsMu.Lock()
			p.stats.SendErrors++
			p.statsMu.Unlock()
			p.log.Warn("frame delivery failed", "error", err)
			continue
		}
		p.statsMu.Lock()
		p.stats.FramesSent++
		p.statsMu.Unlock()
	}
}

// ── Controls ──────────────────────────────────────────────────────────────────

// Gain returns the current input gain.
func (p *Pipeline) Gain() float64 {
	return math.Float64frombits(p.gainBits.Load())
}

// SetGain updates the input gain applied to subsequent frames.
func (p *Pipeline) SetGain(gain float64) {
	if gain < 0 {
		gain = 0
	}
	p.gainBits.Store(math.Float64bits(gain))
}

// Muted reports whether the pipeline is muted.
func (p *Pipeline) Muted() bool {
	return p.muted.Load()
}

// SetMuted mutes or unmutes the pipeline. While muted, frames are zeroed
// before any processing, so speech detection reads silence and the transport
// keeps receiving (empty) audio at the normal cadence.
func (p *Pipeline) SetMuted(muted bool) {
	p.muted.Store(muted)
}

// SetSensitivity switches the speech classifier to a new sensitivity tier.
func (p *Pipeline) SetSensitivity(s vad.Sensitivity) error {
	if !s.IsValid() {
		return fmt.Errorf("capture: unknown sensitivity %q", s)
	}
	p.clsMu.Lock()
	defer p.clsMu.Unlock()
	p.classifier.SetSensitivity(s)
	return nil
}

// VADPhase returns the classifier's current phase.
func (p *Pipeline) VADPhase() vad.Phase {
	p.clsMu.Lock()
	defer p.clsMu.Unlock()
	return p.classifier.Phase()
}

// VADState returns a snapshot of the classifier state.
func (p *Pipeline) VADState() vad.State {
	p.clsMu.Lock()
	defer p.clsMu.Unlock()
	return p.classifier.State()
}

// Spectrum returns the latest spectrum buckets for visualisation.
func (p *Pipeline) Spectrum() []float64 {
	return p.analyzer.Snapshot()
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// Close stops the pipeline and waits for in-flight frames to drain.
// Idempotent.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.src.Close()
		p.wg.Wait()
	})
	return p.closeErr
}
