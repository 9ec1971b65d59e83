// Package portaudio binds the capture and playback ends of the pipeline to
// physical audio devices via PortAudio.
//
// Source reads microphone frames in a blocking loop and publishes them on a
// channel. Output drives a callback-based playback stream whose sample
// counter doubles as the scheduling clock: one tick per rendered sample, so
// "now" never drifts from what the user actually hears.
//
// Call Init before opening any stream and Terminate on shutdown.
package portaudio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/echolith/pkg/audio"
	"github.com/MrWong99/echolith/pkg/capture"
	"github.com/MrWong99/echolith/pkg/playback"
	"github.com/gordonklaus/portaudio"
)

var _ capture.Source = (*Source)(nil)
var _ playback.Output = (*Output)(nil)

// Init initialises the PortAudio runtime. Must be called once before any
// stream is opened.
func Init() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	return nil
}

// Terminate releases the PortAudio runtime.
func Terminate() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// DeviceInfo describes one audio input device.
type DeviceInfo struct {
	Name       string
	Channels   int
	SampleRate float64
	Default    bool
}

// ListInputDevices enumerates devices with at least one input channel.
func ListInputDevices() ([]DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	defaultIn, _ := portaudio.DefaultInputDevice()

	var out []DeviceInfo
	for _, d := range devices {
		if d.MaxInputChannels < 1 {
			continue
		}
		out = append(out, DeviceInfo{
			Name:       d.Name,
			Channels:   d.MaxInputChannels,
			SampleRate: d.DefaultSampleRate,
			Default:    defaultIn != nil && d.Name == defaultIn.Name,
		})
	}
	return out, nil
}

// findInputDevice resolves a device by name, or the default input device when
// name is empty.
func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: default input device: %w", err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == name && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("portaudio: no input device named %q", name)
}

// ── Source ────────────────────────────────────────────────────────────────────

// Source captures microphone audio and implements capture.Source.
type Source struct {
	stream *portaudio.Stream
	frames chan audio.Frame
	log    *slog.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithSourceLogger sets the structured logger. Defaults to slog.Default().
func WithSourceLogger(logger *slog.Logger) SourceOption {
	return func(s *Source) { s.log = logger }
}

// NewSource opens the named input device (or the default when empty) at the
// capture rate and starts reading frames of audio.FrameSamples samples.
func NewSource(deviceName string, opts ...SourceOption) (*Source, error) {
	dev, err := findInputDevice(deviceName)
	if err != nil {
		return nil, err
	}

	s := &Source{
		frames: make(chan audio.Frame, 8),
		log:    slog.Default(),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	buf := make([]int16, audio.FrameSamples)
	params := portaudio.HighLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(audio.CaptureRate)
	params.FramesPerBuffer = audio.FrameSamples

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start input stream: %w", err)
	}
	s.stream = stream

	s.wg.Add(1)
	go s.readLoop(buf)

	return s, nil
}

// readLoop blocks on the device and publishes frame copies until Close.
func (s *Source) readLoop(buf []int16) {
	defer s.wg.Done()
	defer close(s.frames)

	start := time.Now()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Warn("input stream read failed", "error", err)
			return
		}

		samples := make([]int16, len(buf))
		copy(samples, buf)

		frame := audio.Frame{
			Samples:    samples,
			SampleRate: audio.CaptureRate,
			Timestamp:  time.Since(start),
		}
		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

// Frames returns the capture frame stream. The channel closes when the
// source is closed or the device fails.
func (s *Source) Frames() <-chan audio.Frame { return s.frames }

// Close stops capture and releases the device. Idempotent.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.stream.Abort()
		s.wg.Wait()
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}

// ── Output ────────────────────────────────────────────────────────────────────

// voice is one scheduled chunk inside the Output mixer.
type voice struct {
	out     *Output
	samples []int16
	startAt int64 // absolute sample position on the output clock
	offset  int   // samples already rendered

	mu      sync.Mutex
	stopped bool
	ended   bool
	onEnded func()
}

// Stop halts the chunk immediately. Safe to call at any time.
func (v *voice) Stop() {
	v.mu.Lock()
	if v.stopped || v.ended {
		v.mu.Unlock()
		return
	}
	v.stopped = true
	v.ended = true
	ended := v.onEnded
	v.mu.Unlock()

	v.out.remove(v)
	if ended != nil {
		ended()
	}
}

// finish marks natural completion. Called from the render callback.
func (v *voice) finish() func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ended {
		return nil
	}
	v.ended = true
	return v.onEnded
}

// Output renders scheduled chunks through a single playback stream and
// implements playback.Output. Its clock is the count of samples handed to the
// device, in seconds.
type Output struct {
	stream     *portaudio.Stream
	sampleRate int
	log        *slog.Logger

	mu      sync.Mutex
	clock   int64 // samples rendered so far
	voices  []*voice
	stopped bool

	closeOnce sync.Once
	closeErr  error
}

// OutputOption configures an Output.
type OutputOption func(*Output)

// WithOutputLogger sets the structured logger. Defaults to slog.Default().
func WithOutputLogger(logger *slog.Logger) OutputOption {
	return func(o *Output) { o.log = logger }
}

// NewOutput opens the default playback device at sampleRate and starts the
// render callback.
func NewOutput(sampleRate int, opts ...OutputOption) (*Output, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("portaudio: invalid sample rate %d", sampleRate)
	}

	o := &Output{
		sampleRate: sampleRate,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), 1024, o.render)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}
	o.stream = stream
	return o, nil
}

// Now returns the output clock position in seconds.
func (o *Output) Now() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return float64(o.clock) / float64(o.sampleRate)
}

// Start schedules samples to begin at the clock time "at" (seconds). Chunks
// scheduled in the past begin immediately.
func (o *Output) Start(samples []int16, at float64, onEnded func()) (playback.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return nil, fmt.Errorf("portaudio: output closed")
	}

	startAt := int64(at * float64(o.sampleRate))
	if startAt < o.clock {
		startAt = o.clock
	}

	v := &voice{
		out:     o,
		samples: samples,
		startAt: startAt,
		onEnded: onEnded,
	}
	o.voices = append(o.voices, v)
	return v, nil
}

// render is the PortAudio callback. It mixes every due voice into the output
// buffer and advances the clock by one sample per rendered sample.
func (o *Output) render(out []int16) {
	o.mu.Lock()

	for i := range out {
		out[i] = 0
	}

	var finished []*voice
	base := o.clock
	for _, v := range o.voices {
		rendered := renderVoice(v, base, out)
		v.offset += rendered
		if v.offset >= len(v.samples) {
			finished = append(finished, v)
		}
	}

	if len(finished) > 0 {
		o.voices = pruneVoices(o.voices, finished)
	}
	o.clock += int64(len(out))
	o.mu.Unlock()

	for _, v := range finished {
		if ended := v.finish(); ended != nil {
			ended()
		}
	}
}

// renderVoice adds the due portion of v into out and returns how many of its
// samples were consumed.
func renderVoice(v *voice, base int64, out []int16) int {
	consumed := 0
	for i := range out {
		pos := base + int64(i)
		if pos < v.startAt {
			continue
		}
		idx := v.offset + consumed
		if idx >= len(v.samples) {
			break
		}
		mixed := int32(out[i]) + int32(v.samples[idx])
		if mixed > 32767 {
			mixed = 32767
		} else if mixed < -32768 {
			mixed = -32768
		}
		out[i] = int16(mixed)
		consumed++
	}
	return consumed
}

func pruneVoices(voices, finished []*voice) []*voice {
	gone := make(map[*voice]bool, len(finished))
	for _, v := range finished {
		gone[v] = true
	}
	kept := voices[:0]
	for _, v := range voices {
		if !gone[v] {
			kept = append(kept, v)
		}
	}
	return kept
}

// remove drops a stopped voice from the mixer.
func (o *Output) remove(v *voice) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.voices = pruneVoices(o.voices, []*voice{v})
}

// Close stops playback and releases the device. Idempotent.
func (o *Output) Close() error {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.stopped = true
		o.voices = nil
		o.mu.Unlock()
		o.stream.Abort()
		o.closeErr = o.stream.Close()
	})
	return o.closeErr
}
