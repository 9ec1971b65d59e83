// Package controller orchestrates the session lifecycle: device acquisition,
// the capture pipeline, the live transport, playback scheduling and the
// visualizer, with deterministic teardown from any state.
//
// A Controller owns one session at a time. Start connects the transport and
// wires the audio path; a single dispatch goroutine then routes every
// transport event in arrival order, which is what makes the turn-flush
// guarantee hold: transcript deltas accumulate and are flushed as complete
// turns exactly when the turn-complete event is seen, never interleaved with
// a concurrent reader. Stop (user-initiated, remote close or fatal error)
// funnels through one teardown path and is idempotent from any state.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/echolith/internal/observe"
	"github.com/MrWong99/echolith/internal/visualizer"
	"github.com/MrWong99/echolith/pkg/audio"
	"github.com/MrWong99/echolith/pkg/capture"
	"github.com/MrWong99/echolith/pkg/live"
	"github.com/MrWong99/echolith/pkg/playback"
	"github.com/MrWong99/echolith/pkg/vad"
)

// State is the controller's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Speaker identifies which side of the conversation produced a turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Entry is one transcript turn, or an in-progress partial of one.
type Entry struct {
	Speaker Speaker
	Text    string
}

// ToolHandler executes a model-requested tool call and returns its JSON
// result.
type ToolHandler func(name, args string) (string, error)

// SourceFactory opens a capture source for the named device ("" selects the
// default). Called once per session start.
type SourceFactory func(device string) (capture.Source, error)

// Callbacks are the controller's outbound event contract. All callbacks are
// invoked from the controller's own goroutines; implementations must not call
// back into the Controller synchronously.
type Callbacks struct {
	// OnState fires on every state transition. err is non-nil only for
	// StateError.
	OnState func(s State, err error)

	// OnTurn fires once per flushed transcript entry.
	OnTurn func(e Entry)

	// OnPartial fires with the accumulated in-progress text of the current
	// turn whenever a delta arrives.
	OnPartial func(e Entry)
}

// Config assembles the collaborators a Controller needs.
type Config struct {
	// Provider opens live sessions.
	Provider live.Provider

	// Session is the configuration passed to Provider.Connect.
	Session live.SessionConfig

	// ProviderName labels telemetry for this controller's backend. Optional.
	ProviderName string

	// Sources opens capture devices.
	Sources SourceFactory

	// Output is the playback sink shared across sessions.
	Output playback.Output

	// Tools executes model tool calls. Optional.
	Tools ToolHandler

	// Visualizer, when set, is attached to the capture pipeline for the
	// duration of each session. Optional.
	Visualizer *visualizer.Loop

	// AnalyzerBuckets overrides the spectrum analyzer bucket count. Zero
	// keeps the capture default.
	AnalyzerBuckets int

	// Callbacks receive controller events. All fields optional.
	Callbacks Callbacks

	// Metrics receives telemetry. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// Controller drives one live voice session at a time.
type Controller struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	mu           sync.Mutex
	state        State
	session      live.SessionHandle
	pipeline     *capture.Pipeline
	scheduler    *playback.Scheduler
	sessionStart time.Time

	userBuf  strings.Builder
	modelBuf strings.Builder

	// Desired settings, applied to the pipeline when active and carried
	// across sessions.
	device      string
	gain        float64
	muted       bool
	sensitivity vad.Sensitivity

	wg sync.WaitGroup
}

// New creates a Controller. Provider, Sources and Output are required.
func New(cfg Config) (*Controller, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("controller: provider is nil")
	}
	if cfg.Sources == nil {
		return nil, fmt.Errorf("controller: source factory is nil")
	}
	if cfg.Output == nil {
		return nil, fmt.Errorf("controller: output is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Controller{
		cfg:         cfg,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		gain:        1.0,
		sensitivity: vad.SensitivityMedium,
	}, nil
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start opens a session. Valid only from IDLE or ERROR; any failure before
// the session is fully wired tears down whatever was acquired and lands in
// ERROR.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateError {
		s := c.state
		c.mu.Unlock()
		return fmt.Errorf("controller: start from %s", s)
	}
	c.setStateLocked(StateConnecting, nil)
	device := c.device
	gain := c.gain
	muted := c.muted
	sensitivity := c.sensitivity
	c.mu.Unlock()

	caps := c.cfg.Provider.Capabilities()

	connectStart := time.Now()
	sess, err := c.cfg.Provider.Connect(ctx, c.cfg.Session)
	if err != nil {
		return c.startFailed(fmt.Errorf("controller: connect: %w", err))
	}
	c.metrics.ConnectDuration.Record(ctx, time.Since(connectStart).Seconds())

	outRate := caps.OutputSampleRate
	if outRate <= 0 {
		outRate = audio.PlaybackRate
	}
	sched, err := playback.New(c.cfg.Output, outRate, playback.WithLogger(c.log))
	if err != nil {
		c.abandonSession(sess)
		return c.startFailed(err)
	}

	src, err := c.cfg.Sources(device)
	if err != nil {
		c.abandonSession(sess)
		return c.startFailed(fmt.Errorf("controller: open device: %w", err))
	}

	captureOpts := []capture.Option{
		capture.WithLogger(c.log),
		capture.WithGain(gain),
		capture.WithSensitivity(sensitivity),
		capture.WithPhaseListener(func(p vad.Phase) {
			c.metrics.RecordVADTransition(context.Background(), p.String())
		}),
	}
	if c.cfg.AnalyzerBuckets > 0 {
		captureOpts = append(captureOpts, capture.WithAnalyzerBuckets(c.cfg.AnalyzerBuckets))
	}
	pipe, err := capture.New(src, c.sendSink(sess, caps.InputSampleRate), captureOpts...)
	if err != nil {
		src.Close()
		c.abandonSession(sess)
		return c.startFailed(err)
	}
	pipe.SetMuted(muted)

	c.mu.Lock()
	c.session = sess
	c.pipeline = pipe
	c.scheduler = sched
	c.sessionStart = time.Now()
	c.userBuf.Reset()
	c.modelBuf.Reset()
	c.setStateLocked(StateConnected, nil)
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(ctx, 1)

	if c.cfg.Visualizer != nil {
		c.cfg.Visualizer.Attach(pipe)
	}

	c.wg.Add(1)
	go c.dispatchLoop(sess, sched)

	c.log.Info("session started", "device", device)
	return nil
}

// abandonSession closes a session that never got a dispatch loop and drains
// its event channel so the provider's receive loop can finish.
func (c *Controller) abandonSession(sess live.SessionHandle) {
	if err := sess.Close(); err != nil {
		c.log.Warn("session close failed", "error", err)
	}
	go audio.Drain(sess.Events())
}

// startFailed records a pre-wire failure.
func (c *Controller) startFailed(err error) error {
	c.mu.Lock()
	c.setStateLocked(StateError, err)
	c.mu.Unlock()
	return err
}

// sendSink builds the pipeline sink for a session, resampling when the
// provider's input rate differs from the capture rate.
func (c *Controller) sendSink(sess live.SessionHandle, inRate int) capture.Sink {
	if inRate <= 0 || inRate == audio.CaptureRate {
		return sess.SendAudio
	}
	return func(pcm []byte) error {
		samples, err := audio.BytesToSamples(pcm)
		if err != nil {
			return err
		}
		resampled := audio.ResampleMono(samples, audio.CaptureRate, inRate)
		return sess.SendAudio(audio.SamplesToBytes(resampled))
	}
}

// dispatchLoop is the single consumer of the session's event stream.
func (c *Controller) dispatchLoop(sess live.SessionHandle, sched *playback.Scheduler) {
	defer c.wg.Done()

	ctx := context.Background()

	for ev := range sess.Events() {
		switch ev.Type {
		case live.EventAudio:
			if err := sched.Enqueue(ev.PCM); err != nil {
				c.log.Warn("enqueue failed", "error", err)
			} else {
				c.metrics.ChunksScheduled.Add(ctx, 1)
			}

		case live.EventInputTranscript:
			c.appendPartial(SpeakerUser, ev.Text)

		case live.EventOutputTranscript:
			c.appendPartial(SpeakerModel, ev.Text)

		case live.EventTurnComplete:
			c.flushTurn()

		case live.EventInterrupted:
			sched.InterruptAndClear()
			c.metrics.Interrupts.Add(ctx, 1)

		case live.EventToolCall:
			if ev.Tool != nil {
				c.handleToolCall(sess, ev.Tool)
			}

		case live.EventError:
			c.log.Error("session error", "error", ev.Err)
			c.teardown(sess, ev.Err, StateError)
			return
		}
	}

	// Event stream closed: remote close, transport failure, or our own Stop.
	if err := sess.Err(); err != nil {
		c.teardown(sess, err, StateError)
		return
	}
	c.teardown(sess, nil, StateIdle)
}

func (c *Controller) appendPartial(sp Speaker, text string) {
	c.mu.Lock()
	buf := &c.userBuf
	if sp == SpeakerModel {
		buf = &c.modelBuf
	}
	buf.WriteString(text)
	total := buf.String()
	c.mu.Unlock()

	if c.cfg.Callbacks.OnPartial != nil {
		c.cfg.Callbacks.OnPartial(Entry{Speaker: sp, Text: total})
	}
}

// flushTurn empties both accumulators into at most one user entry and one
// model entry.
func (c *Controller) flushTurn() {
	c.mu.Lock()
	user := strings.TrimSpace(c.userBuf.String())
	model := strings.TrimSpace(c.modelBuf.String())
	c.userBuf.Reset()
	c.modelBuf.Reset()
	c.mu.Unlock()

	c.metrics.RecordTurn(context.Background(), c.cfg.ProviderName)

	if c.cfg.Callbacks.OnTurn == nil {
		return
	}
	if user != "" {
		c.cfg.Callbacks.OnTurn(Entry{Speaker: SpeakerUser, Text: user})
	}
	if model != "" {
		c.cfg.Callbacks.OnTurn(Entry{Speaker: SpeakerModel, Text: model})
	}
}

func (c *Controller) handleToolCall(sess live.SessionHandle, call *live.ToolCall) {
	if c.cfg.Tools == nil {
		c.log.Warn("tool call without handler", "tool", call.Name)
		return
	}

	result, err := c.cfg.Tools(call.Name, call.Args)
	status := "ok"
	if err != nil {
		result = fmt.Sprintf(`{"error": %q}`, err.Error())
		status = "error"
	}
	c.metrics.RecordToolCall(context.Background(), call.Name, status)
	resp := []live.ToolResponse{{ID: call.ID, Name: call.Name, Result: result}}
	if err := sess.SendToolResponse(resp); err != nil {
		c.log.Warn("tool response failed", "tool", call.Name, "error", err)
	}
}

// Stop tears the session down. Valid and idempotent from any state,
// including before Start ever completed.
func (c *Controller) Stop() {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	c.teardown(sess, nil, StateIdle)
	// Closing the session above ends the event stream; wait for the dispatch
	// goroutine so callers see a fully quiesced controller. Not done inside
	// teardown, which also runs on the dispatch goroutine itself.
	c.wg.Wait()
}

// teardown releases every resource of the session identified by sess. When
// sess no longer matches the active session (a newer session was started, or
// teardown already ran), only a stale ERROR/IDLE state is normalised.
func (c *Controller) teardown(sess live.SessionHandle, cause error, final State) {
	c.mu.Lock()
	if sess != nil && c.session != sess {
		// A different session is active or teardown already happened.
		c.mu.Unlock()
		return
	}
	if c.session == nil {
		if c.state != final {
			c.setStateLocked(final, cause)
		}
		c.mu.Unlock()
		return
	}

	pipe := c.pipeline
	sched := c.scheduler
	active := c.session
	started := c.sessionStart
	c.session = nil
	c.pipeline = nil
	c.scheduler = nil
	c.userBuf.Reset()
	c.modelBuf.Reset()
	c.setStateLocked(final, cause)
	c.mu.Unlock()

	ctx := context.Background()
	c.metrics.ActiveSessions.Add(ctx, -1)
	if !started.IsZero() {
		c.metrics.SessionDuration.Record(ctx, time.Since(started).Seconds())
	}
	if cause != nil {
		c.metrics.RecordSessionError(ctx, c.cfg.ProviderName)
	}

	if c.cfg.Visualizer != nil {
		c.cfg.Visualizer.Detach()
	}
	if pipe != nil {
		if err := pipe.Close(); err != nil {
			c.log.Warn("pipeline close failed", "error", err)
		}
		stats := pipe.Stats()
		c.metrics.FramesCaptured.Add(ctx, stats.FramesProcessed)
		c.metrics.FramesDropped.Add(ctx, stats.FramesDropped)
	}
	if active != nil {
		if err := active.Close(); err != nil {
			c.log.Warn("session close failed", "error", err)
		}
	}
	if sched != nil {
		sched.InterruptAndClear()
		stats := sched.Stats()
		c.metrics.DecodeFailures.Add(ctx, stats.DecodeFailures)
		c.metrics.PlaybackResyncs.Add(ctx, stats.Resyncs)
	}

	c.log.Info("session stopped", "state", final.String())
}

// setStateLocked updates the state and fires OnState. Caller holds c.mu.
func (c *Controller) setStateLocked(s State, err error) {
	if c.state == s {
		return
	}
	c.state = s
	if cb := c.cfg.Callbacks.OnState; cb != nil {
		go cb(s, err)
	}
}

// ── Runtime controls ──────────────────────────────────────────────────────────

// SetGain updates the input gain, applied immediately when a session is
// active and remembered for future sessions.
func (c *Controller) SetGain(gain float64) {
	if gain < 0 {
		gain = 0
	}
	c.mu.Lock()
	c.gain = gain
	pipe := c.pipeline
	c.mu.Unlock()
	if pipe != nil {
		pipe.SetGain(gain)
	}
}

// SetMuted mutes or unmutes capture without tearing down the session.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	pipe := c.pipeline
	c.mu.Unlock()
	if pipe != nil {
		pipe.SetMuted(muted)
	}
}

// ToggleMute flips the mute state and returns the new value.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	c.muted = !c.muted
	muted := c.muted
	pipe := c.pipeline
	c.mu.Unlock()
	if pipe != nil {
		pipe.SetMuted(muted)
	}
	return muted
}

// SetSensitivity switches the speech detection tier.
func (c *Controller) SetSensitivity(s vad.Sensitivity) error {
	if !s.IsValid() {
		return fmt.Errorf("controller: unknown sensitivity %q", s)
	}
	c.mu.Lock()
	c.sensitivity = s
	pipe := c.pipeline
	c.mu.Unlock()
	if pipe != nil {
		return pipe.SetSensitivity(s)
	}
	return nil
}

// SetDevice selects the capture device for the next session start.
func (c *Controller) SetDevice(device string) {
	c.mu.Lock()
	c.device = device
	c.mu.Unlock()
}

// Pipeline returns the active capture pipeline, or nil when no session is
// running.
func (c *Controller) Pipeline() *capture.Pipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipeline
}

// Scheduler returns the active playback scheduler, or nil when no session is
// running.
func (c *Controller) Scheduler() *playback.Scheduler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduler
}
