// Package observe provides application-wide observability primitives for
// echolith: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all echolith metrics.
const meterName = "github.com/MrWong99/echolith"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use, the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long establishing a live session takes.
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks how long a live session stayed up.
	SessionDuration metric.Float64Histogram

	// --- Capture counters ---

	// FramesCaptured counts microphone frames processed by the capture
	// pipeline.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts frames discarded because the upstream send
	// queue was full.
	FramesDropped metric.Int64Counter

	// VADTransitions counts voice-activity phase changes. Use with
	// attribute: attribute.String("phase", ...)
	VADTransitions metric.Int64Counter

	// --- Playback counters ---

	// ChunksScheduled counts audio chunks handed to the playback scheduler.
	ChunksScheduled metric.Int64Counter

	// DecodeFailures counts audio chunks that could not be decoded.
	DecodeFailures metric.Int64Counter

	// PlaybackResyncs counts cursor resyncs after playback underruns.
	PlaybackResyncs metric.Int64Counter

	// Interrupts counts barge-in interruptions that flushed playback.
	Interrupts metric.Int64Counter

	// --- Conversation counters ---

	// Turns counts completed conversation turns. Use with attribute:
	//   attribute.String("provider", ...)
	Turns metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// SessionErrors counts sessions ended by a transport or backend error.
	// Use with attribute: attribute.String("provider", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connection setup latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("echolith.live.connect.duration",
		metric.WithDescription("Latency of establishing a live session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("echolith.live.session.duration",
		metric.WithDescription("Lifetime of a live session."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Capture counters.
	if met.FramesCaptured, err = m.Int64Counter("echolith.capture.frames",
		metric.WithDescription("Total microphone frames processed."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("echolith.capture.frames_dropped",
		metric.WithDescription("Total frames dropped due to send backpressure."),
	); err != nil {
		return nil, err
	}
	if met.VADTransitions, err = m.Int64Counter("echolith.vad.transitions",
		metric.WithDescription("Total voice-activity phase transitions by phase."),
	); err != nil {
		return nil, err
	}

	// Playback counters.
	if met.ChunksScheduled, err = m.Int64Counter("echolith.playback.chunks",
		metric.WithDescription("Total audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.DecodeFailures, err = m.Int64Counter("echolith.playback.decode_failures",
		metric.WithDescription("Total audio chunks that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackResyncs, err = m.Int64Counter("echolith.playback.resyncs",
		metric.WithDescription("Total playback cursor resyncs after underruns."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("echolith.playback.interrupts",
		metric.WithDescription("Total barge-in interruptions that flushed playback."),
	); err != nil {
		return nil, err
	}

	// Conversation counters.
	if met.Turns, err = m.Int64Counter("echolith.conversation.turns",
		metric.WithDescription("Total completed conversation turns by provider."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("echolith.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("echolith.live.session_errors",
		metric.WithDescription("Total sessions ended by a transport or backend error."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("echolith.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("echolith.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTurn records a completed conversation turn for provider.
func (m *Metrics) RecordTurn(ctx context.Context, provider string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordVADTransition records a voice-activity phase transition.
func (m *Metrics) RecordVADTransition(ctx context.Context, phase string) {
	m.VADTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("phase", phase)),
	)
}

// RecordSessionError records a session ended by a transport or backend error.
func (m *Metrics) RecordSessionError(ctx context.Context, provider string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
