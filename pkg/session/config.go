package session

import (
	"errors"
	"log/slog"
	"time"

	"github.com/vango-dev/duet/pkg/determinism"
	"github.com/vango-dev/duet/pkg/peer"
	"github.com/vango-dev/duet/pkg/sequencer"
)

// Config configures a session registry and every session it creates.
type Config struct {
	// App is the application entry point run by every session.
	App peer.App

	// Store receives session archives. Nil disables archival.
	Store ArchiveStore

	// Render is notified when a new session finishes prerendering.
	Render RenderHook

	// Observer receives lifecycle and traffic notifications.
	Observer Observer

	// Middleware wraps the dispatch of every incoming client message.
	Middleware []Middleware

	// Sharing allows more clients to attach to a live session. The server
	// side is held open while sharing is enabled, so the session is never
	// considered exhausted and every client event is fenced.
	Sharing bool

	// MaxSessions limits live sessions. Zero means unlimited.
	MaxSessions int

	// IdleTimeout is how long a session may go without client traffic
	// before the sweep archives and destroys it.
	// Default: 5 minutes.
	IdleTimeout time.Duration

	// SweepInterval is how often idle sessions are looked for.
	// Default: 10 seconds.
	SweepInterval time.Duration

	// HistorySize is the number of sent messages kept per client for
	// retransmission after a reconnect.
	// Default: 256.
	HistorySize int

	// ArchiveTimeout bounds a single archive write.
	// Default: 10 seconds.
	ArchiveTimeout time.Duration

	// Source supplies time and randomness to coordinated values generated
	// on the server. Default: determinism.SystemSource.
	Source determinism.Source

	// OnUnhandled receives errors escaping application callbacks.
	// Default: logged.
	OnUnhandled func(s *Session, err error)

	// Logger is the base logger. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:    5 * time.Minute,
		SweepInterval:  10 * time.Second,
		HistorySize:    sequencer.DefaultHistorySize,
		ArchiveTimeout: 10 * time.Second,
	}
}

// applyDefaults fills zero fields with defaults.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.ArchiveTimeout <= 0 {
		c.ArchiveTimeout = d.ArchiveTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = BaseObserver{}
	}
}

// Error types for session management.
var (
	// ErrSessionNotFound is returned when a session is neither live nor archived.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrSessionDestroyed is returned when using a session that was destroyed.
	ErrSessionDestroyed = errors.New("session: destroyed")

	// ErrMaxSessionsReached is returned when the maximum session limit is reached.
	ErrMaxSessionsReached = errors.New("session: maximum session limit reached")

	// ErrRegistryStopped is returned when operations are attempted on a stopped registry.
	ErrRegistryStopped = errors.New("session: registry is stopped")

	// ErrUnknownClient is returned for a client id the session never issued.
	ErrUnknownClient = errors.New("session: unknown client")

	// ErrSharingDisabled is returned when attaching to a session that does not allow it.
	ErrSharingDisabled = errors.New("session: sharing is disabled")
)
