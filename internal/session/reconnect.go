// Package session supervises the lifetime of a live voice session and brings
// it back up after transport failures.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Client is the slice of the session controller the supervisor drives.
type Client interface {
	// Start opens a new session. Must be callable again after a failure.
	Start(ctx context.Context) error
}

// Reconnector restarts a dropped session with exponential backoff.
//
// Callers establish the first session themselves, then call
// [Reconnector.Monitor] to start a background goroutine that waits for
// failure notifications. When a drop is signalled (via
// [Reconnector.NotifyDisconnect]), the monitor attempts to restart the
// session, doubling the wait between attempts, and invokes the configured
// OnReconnect callback on success.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	client      Client
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func()
	log         *slog.Logger

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a session drop is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Client is the session controller to restart.
	Client Client

	// MaxRetries is the maximum number of restart attempts per failure
	// before giving up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the wait. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful restart. May be nil.
	OnReconnect func()

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewReconnector creates a [Reconnector]. Client is required.
func NewReconnector(cfg ReconnectorConfig) (*Reconnector, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("session: client is nil")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reconnector{
		client:       cfg.Client,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		log:          log,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}, nil
}

// Monitor starts watching for failure notifications in a background
// goroutine. It returns immediately; the goroutine exits when ctx is
// cancelled or Stop is called.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the session has dropped and a
// restart should be attempted. Safe to call multiple times; only the first
// call per restart cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
		// Already signalled; avoid blocking.
	}
}

// Stop halts monitoring. Safe to call multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

// monitorLoop waits for disconnect notifications and attempts restarts.
func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptRestart(ctx)
		}
	}
}

// attemptRestart tries to bring the session back with exponential backoff.
func (r *Reconnector) attemptRestart(ctx context.Context) {
	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		// Wait before the attempt so a crash loop cannot hammer the backend.
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(currentBackoff):
		}

		r.log.Info("attempting session restart",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		err := r.client.Start(ctx)
		if err == nil {
			r.log.Info("session restarted", "attempt", attempt)

			// Swallow any notification raised while we were restarting.
			select {
			case <-r.disconnected:
			default:
			}

			if r.onReconnect != nil {
				r.onReconnect()
			}
			return
		}

		r.log.Warn("session restart failed",
			"attempt", attempt,
			"error", err,
		)

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	// Swallow notifications raised by the failed attempts themselves, or the
	// monitor would immediately start another retry cycle.
	select {
	case <-r.disconnected:
	default:
	}

	r.log.Error("session restart failed after max retries",
		"max_retries", r.maxRetries,
	)
}
