// Package live defines the Provider interface for real-time conversational
// speech backends.
//
// A live provider wraps a bidirectional streaming endpoint that accepts raw
// microphone audio and returns synthesised speech plus transcription text in
// a single, stateful session. Examples include the Gemini Live API and the
// OpenAI Realtime API.
//
// The central abstraction is SessionHandle: the client streams encoded input
// frames in with SendAudio and consumes a single ordered event stream out.
// Every server-side occurrence — an audio chunk, a transcript delta, a
// turn-complete marker, a barge-in interruption, a tool call, an error, the
// close of the connection — is delivered as one tagged [Event] on one
// channel, so a consumer observes them in exactly the order the server
// produced them. That ordering is what makes atomic turn flushing and
// immediate interruption handling possible downstream.
//
// All implementations must be safe for concurrent use.
package live

import "context"

// EventType discriminates the variants of [Event].
type EventType int

const (
	// EventAudio carries one chunk of synthesised speech as raw PCM16LE
	// bytes at the provider's output rate (24 kHz mono for both bundled
	// providers).
	EventAudio EventType = iota

	// EventInputTranscript carries a partial transcription delta of the
	// user's speech as recognised by the model.
	EventInputTranscript

	// EventOutputTranscript carries a partial transcription delta of the
	// model's spoken response.
	EventOutputTranscript

	// EventTurnComplete marks the end of a model response turn. Accumulated
	// transcript deltas should be flushed when this arrives.
	EventTurnComplete

	// EventInterrupted signals that the server detected the user speaking
	// over an in-progress response (barge-in). All locally buffered and
	// scheduled response audio must be discarded immediately.
	EventInterrupted

	// EventToolCall carries a function invocation requested by the model.
	// The consumer answers it with [SessionHandle.SendToolResponse].
	EventToolCall

	// EventError carries a server-reported error. The session may or may not
	// survive it; a fatal transport failure additionally surfaces through
	// [SessionHandle.Err] after the event channel closes.
	EventError
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventAudio:
		return "AUDIO"
	case EventInputTranscript:
		return "INPUT_TRANSCRIPT"
	case EventOutputTranscript:
		return "OUTPUT_TRANSCRIPT"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	case EventInterrupted:
		return "INTERRUPTED"
	case EventToolCall:
		return "TOOL_CALL"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is one tagged occurrence on a session's event stream. Only the
// fields relevant to the Type are populated.
type Event struct {
	Type EventType

	// PCM is the audio payload for EventAudio.
	PCM []byte

	// Text is the transcript delta for EventInputTranscript and
	// EventOutputTranscript.
	Text string

	// Tool is the invocation payload for EventToolCall.
	Tool *ToolCall

	// Err is the server-reported error for EventError.
	Err error
}

// ToolCall describes one function invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier, echoed back in the
	// response so the server can correlate it.
	ID string

	// Name is the function name from the session's tool declarations.
	Name string

	// Args is the JSON-encoded argument object.
	Args string
}

// ToolResponse is the client's answer to a [ToolCall].
type ToolResponse struct {
	// ID must match the originating ToolCall.ID.
	ID string

	// Name must match the originating ToolCall.Name.
	Name string

	// Result is the JSON-encoded result object.
	Result string
}

// ToolDefinition declares one callable function offered to the model at
// session setup.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is a JSON-Schema-shaped description of the arguments.
	Parameters map[string]any
}

// SessionConfig is the initial configuration for a new live session.
type SessionConfig struct {
	// Voice selects the provider voice used for synthesised speech output.
	// An empty value uses the provider default.
	Voice string

	// Instructions is the system-level prompt applied for the whole session.
	Instructions string

	// Tools is the set of function declarations offered to the model.
	Tools []ToolDefinition
}

// Capabilities describes static properties of a live provider. The values
// are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputSampleRate is the PCM rate in Hz the provider expects from
	// SendAudio.
	InputSampleRate int

	// OutputSampleRate is the PCM rate in Hz of EventAudio payloads.
	OutputSampleRate int

	// MaxSessionDuration is the provider's hard session lifetime limit in
	// milliseconds. Zero means no documented limit.
	MaxSessionDuration int

	// Voices lists the voice names available for this provider.
	Voices []string
}

// SessionHandle represents an open live session. It is an interface so that
// test code can supply mock implementations without a network connection.
//
// The session is the hot path of the voice pipeline — every method must
// return quickly. Callers must call Close when the session is no longer
// needed.
type SessionHandle interface {
	// SendAudio delivers one raw PCM16LE chunk of microphone audio to the
	// provider. Fire-and-forget per chunk: the call returns as soon as the
	// chunk is written, and chunks sent by a single goroutine are delivered
	// in submission order. Returns an error if the session is closed or the
	// write fails.
	SendAudio(pcm []byte) error

	// SendToolResponse answers one or more pending tool calls.
	SendToolResponse(responses []ToolResponse) error

	// Events returns the session's ordered event stream. The channel is
	// closed when the session ends, whether by Close, remote close, or a
	// fatal transport error; after it closes, call Err to distinguish a
	// clean shutdown from a failure. Consumers must drain promptly to avoid
	// stalling the provider's receive loop.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil if it ended
	// cleanly. Valid after the Events channel closes.
	Err() error

	// Close terminates the session and releases all resources, closing the
	// Events channel. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any live speech backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new live session with the given configuration.
	// The returned SessionHandle is ready to accept audio immediately.
	//
	// Returns an error if the session cannot be established (authentication
	// failure, invalid voice, or ctx already cancelled). The caller owns the
	// SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider's endpoint.
	Capabilities() Capabilities
}
