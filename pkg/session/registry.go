package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vango-dev/duet/pkg/protocol"
)

// Registry is the table of live sessions. It creates, restores, sweeps and
// shuts down sessions; handlers and the sweeper share it by reference.
type Registry struct {
	mu sync.RWMutex

	// All live sessions by ID
	sessions map[string]*Session

	config Config
	logger *slog.Logger

	// Concurrent restores of one session share a single replay.
	restores singleflight.Group

	// Lifecycle
	done     chan struct{}
	stopped  bool
	sweeping sync.WaitGroup
}

// NewRegistry creates a registry and starts its sweep loop.
func NewRegistry(config Config) *Registry {
	config.applyDefaults()

	r := &Registry{
		sessions: make(map[string]*Session),
		config:   config,
		logger:   config.Logger.With("component", "session_registry"),
		done:     make(chan struct{}),
	}

	r.sweeping.Add(1)
	go r.sweepLoop()

	return r
}

// Config returns the registry configuration with defaults applied.
func (r *Registry) Config() Config {
	return r.config
}

// Create starts a new session and waits for its prerender to finish.
// Client 0 is attached from the start; the returned bootstrap primes it.
func (r *Registry) Create(ctx context.Context) (*Session, *protocol.Bootstrap, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, nil, ErrRegistryStopped
	}
	if r.config.MaxSessions > 0 && len(r.sessions) >= r.config.MaxSessions {
		r.mu.Unlock()
		return nil, nil, ErrMaxSessionsReached
	}

	s := newSession(r, uuid.NewString())
	s.clients[0] = newClient(s, 0)
	s.nextClient = 1
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.logger.Debug("session created",
		"session_id", s.ID,
		"live", r.Len())

	s.start()

	select {
	case <-s.prerendered:
	case <-s.done:
		// A session with nothing left open after prerender is destroyed
		// right away but still renders.
		select {
		case <-s.prerendered:
		default:
			return nil, nil, ErrSessionDestroyed
		}
	case <-ctx.Done():
		s.Destroy(context.Background(), "prerender abandoned")
		return nil, nil, ctx.Err()
	}
	return s, s.Bootstrap(), nil
}

// Get retrieves a live session by ID.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// Resume returns the live session with sessionID, restoring it from the
// archive store when it is not in memory.
func (r *Registry) Resume(ctx context.Context, sessionID string) (*Session, error) {
	if s := r.Get(sessionID); s != nil {
		return s, nil
	}
	if r.config.Store == nil {
		return nil, ErrSessionNotFound
	}

	v, err, _ := r.restores.Do(sessionID, func() (any, error) {
		if s := r.Get(sessionID); s != nil {
			return s, nil
		}
		return r.restore(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (r *Registry) restore(ctx context.Context, sessionID string) (*Session, error) {
	a, err := r.config.Store.Read(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrSessionNotFound
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrRegistryStopped
	}
	if r.config.MaxSessions > 0 && len(r.sessions) >= r.config.MaxSessions {
		r.mu.Unlock()
		return nil, ErrMaxSessionsReached
	}
	s := newSession(r, sessionID)
	s.restored = true
	r.sessions[sessionID] = s
	r.mu.Unlock()

	if err := s.restore(ctx, a); err != nil {
		r.remove(s)
		return nil, err
	}

	r.logger.Info("session restored",
		"session_id", sessionID,
		"events", len(a.Events),
		"complete", a.Complete)
	return s, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// remove drops a session from the table.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.ID] != s {
		return
	}
	delete(r.sessions, s.ID)

	r.logger.Debug("session removed",
		"session_id", s.ID,
		"remaining", len(r.sessions))
}

// sweepLoop periodically archives idle sessions.
func (r *Registry) sweepLoop() {
	defer r.sweeping.Done()

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.done:
			return
		}
	}
}

// sweep archives and destroys sessions idle for longer than IdleTimeout.
// A session with an attached transport is never idle.
func (r *Registry) sweep(now time.Time) int {
	cutoff := now.Add(-r.config.IdleTimeout)

	r.mu.RLock()
	var stale []*Session
	for _, s := range r.sessions {
		if s.idleSince(cutoff) {
			stale = append(stale, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		s := s
		s.peer.Post(func() { s.destroy(ReasonIdle, true) })
	}

	if len(stale) > 0 {
		r.logger.Debug("swept idle sessions",
			"count", len(stale),
			"remaining", r.Len())
	}
	return len(stale)
}

// Shutdown stops the sweep and archives every live session with its
// trailer so it can be restored by the next process.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.done)

	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	r.sweeping.Wait()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range live {
		s := s
		g.Go(func() error {
			return s.Archive(gctx, ReasonShutdown)
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Warn("failed to archive sessions on shutdown",
			"error", err,
			"count", len(live))
		return err
	}

	r.logger.Info("archived sessions on shutdown",
		"count", len(live))
	return nil
}

// Stats returns registry statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var st RegistryStats
	st.Total = len(r.sessions)
	for _, s := range r.sessions {
		if s.State() == Prerendering {
			st.Prerendering++
		}
		for _, c := range s.Clients() {
			st.Clients++
			if c.Connected() {
				st.Connected++
			}
		}
	}
	return st
}

// RegistryStats contains session registry statistics.
type RegistryStats struct {
	// Total is the number of live sessions.
	Total int

	// Prerendering is the number of sessions still prerendering.
	Prerendering int

	// Clients is the number of attached clients across sessions.
	Clients int

	// Connected is the number of clients with an open transport.
	Connected int
}
