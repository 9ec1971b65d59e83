// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions.
// Use Session to script the event stream and inspect which methods were
// invoked by the session controller.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(live.Event{Type: live.EventTurnComplete})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/echolith/pkg/live"
)

// Ensure the mocks implement the live interfaces at compile time.
var _ live.Provider = (*Provider)(nil)
var _ live.SessionHandle = (*Session)(nil)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a new default Session.
	Session live.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities live.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// PCM is a copy of the audio bytes that were passed to SendAudio.
	PCM []byte
}

// ToolResponseCall records a single invocation of Session.SendToolResponse.
type ToolResponseCall struct {
	// Responses is a copy of the responses passed to SendToolResponse.
	Responses []live.ToolResponse
}

// Session is a mock implementation of live.SessionHandle. Drive it from tests
// with Emit and CloseEvents; inspect the recorded calls afterwards.
type Session struct {
	mu sync.Mutex

	events    chan live.Event
	closeOnce sync.Once

	// ErrVal is returned by Err.
	ErrVal error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendToolResponseErr, if non-nil, is returned by every SendToolResponse
	// call.
	SendToolResponseErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// ToolResponseCalls records every call to SendToolResponse in order.
	ToolResponseCalls []ToolResponseCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession creates a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 64)}
}

// Emit places one event on the session's event stream.
func (s *Session) Emit(ev live.Event) {
	s.events <- ev
}

// CloseEvents closes the event stream, signalling end-of-session to the
// consumer. Safe to call more than once.
func (s *Session) CloseEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{PCM: cp})
	return s.SendAudioErr
}

// SendToolResponse records the call and returns SendToolResponseErr.
func (s *Session) SendToolResponse(responses []live.ToolResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]live.ToolResponse, len(responses))
	copy(cp, responses)
	s.ToolResponseCalls = append(s.ToolResponseCalls, ToolResponseCall{Responses: cp})
	return s.SendToolResponseErr
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan live.Event {
	return s.events
}

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close records the call, closes the event stream and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	err := s.CloseErr
	s.mu.Unlock()
	s.CloseEvents()
	return err
}

// AudioSent returns a copy of all PCM bytes sent so far, concatenated.
// Thread-safe.
func (s *Session) AudioSent() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, c := range s.SendAudioCalls {
		out = append(out, c.PCM...)
	}
	return out
}

// AudioCalls returns a copy of the recorded SendAudio calls. Thread-safe.
func (s *Session) AudioCalls() []SendAudioCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SendAudioCall, len(s.SendAudioCalls))
	copy(out, s.SendAudioCalls)
	return out
}

// ToolResponses returns a copy of the recorded SendToolResponse calls.
// Thread-safe.
func (s *Session) ToolResponses() []ToolResponseCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolResponseCall, len(s.ToolResponseCalls))
	copy(out, s.ToolResponseCalls)
	return out
}

// Closes returns how many times Close was called. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}
