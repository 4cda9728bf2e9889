package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vango-dev/duet/pkg/channel"
	"github.com/vango-dev/duet/pkg/peer"
	"github.com/vango-dev/duet/pkg/protocol"
	"github.com/vango-dev/duet/pkg/sequencer"
)

// State is the lifecycle state of a session.
type State int32

const (
	// Created means the session exists but the application has not run.
	Created State = iota

	// Prerendering means the application is running and prerender
	// channels are still open.
	Prerendering

	// Active is the steady state of message exchange.
	Active

	// Destroyed is terminal.
	Destroyed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Prerendering:
		return "prerendering"
	case Active:
		return "active"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Reasons a session is destroyed for.
const (
	ReasonExhausted = "exhausted"
	ReasonIdle      = "idle"
	ReasonShutdown  = "shutdown"
	ReasonDestroyed = "destroyed by client"
	ReasonProtocol  = "protocol violation"
	ReasonSchema    = "schema validation failed"
)

// Session is the server half of one running application instance. It owns
// a server peer, its attached clients and its archive.
type Session struct {
	// ID is the unique session identifier.
	ID string

	// CreatedAt is when the session was created or restored.
	CreatedAt time.Time

	registry *Registry
	config   *Config
	peer     *peer.Peer
	logger   *slog.Logger
	archive  *archiver

	// restored is set before the session is registered and never changes.
	restored bool

	mu         sync.Mutex
	state      State
	clients    map[int]*Client
	nextClient int
	lastActive time.Time
	bootstrap  *protocol.Bootstrap
	reason     string
	archived   bool

	// Loop only.
	log      []protocol.Event
	closing  bool
	resumeAt int

	prerendered chan struct{}
	done        chan struct{}
}

func newSession(r *Registry, id string) *Session {
	cfg := &r.config
	now := time.Now()
	s := &Session{
		ID:          id,
		CreatedAt:   now,
		registry:    r,
		config:      cfg,
		logger:      cfg.Logger.With("component", "session", "session_id", id),
		clients:     make(map[int]*Client),
		lastActive:  now,
		prerendered: make(chan struct{}),
		done:        make(chan struct{}),
	}

	if cfg.Store != nil {
		s.archive = newArchiver(cfg.Store, id, cfg.ArchiveTimeout, s.logger, func(err error) {
			cfg.Observer.ArchiveFailed(s, err)
		})
	}

	s.peer = peer.New(peer.Config{
		Side:      peer.Server,
		Logger:    s.logger,
		Source:    cfg.Source,
		Capable:   s.capable,
		AfterTurn: s.afterTurn,
		OnUnhandled: func(err error) {
			if cfg.OnUnhandled != nil {
				cfg.OnUnhandled(s, err)
				return
			}
			s.logger.Error("unhandled error", "error", err)
		},
		OnDrop: func(_ protocol.ChannelID, reason channel.DropReason) {
			cfg.Observer.EventDropped(s, reason)
		},
		OnSplitBrain: func(*peer.SplitBrainWarning) {
			cfg.Observer.SplitBrain(s)
		},
	})
	return s
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Done is closed when the session is destroyed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Reason returns why the session was destroyed, or "".
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Archived reports whether the destroyed session left a complete archive
// behind and can be resumed.
func (s *Session) Archived() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archived
}

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// Restored reports whether the session was rebuilt from an archive.
func (s *Session) Restored() bool {
	return s.restored
}

// LastActive returns when a client was last heard from.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Touch marks the session active now. Transports call it for keepalive
// traffic that carries no message.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// idleSince reports whether no client has been heard from since cutoff and
// no client holds an open transport.
func (s *Session) idleSince(cutoff time.Time) bool {
	if s.LastActive().After(cutoff) {
		return false
	}
	for _, c := range s.Clients() {
		if c.Connected() {
			return false
		}
	}
	return true
}

// Bootstrap returns the payload captured when prerendering finished, or nil
// before that.
func (s *Session) Bootstrap() *protocol.Bootstrap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootstrap
}

// Stats returns the peer counters.
func (s *Session) Stats() peer.Stats {
	return s.peer.Stats()
}

// Client returns an attached client.
func (s *Session) Client(id int) (*Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	return c, ok
}

// Clients returns the attached clients ordered by id.
func (s *Session) Clients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientsLocked()
}

func (s *Session) clientsLocked() []*Client {
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Inspect runs fn on the session loop with access to the server peer.
func (s *Session) Inspect(ctx context.Context, fn func(p *peer.Peer)) error {
	return s.do(ctx, func() { fn(s.peer) })
}

func (s *Session) do(ctx context.Context, fn func()) error {
	if err := s.peer.Do(ctx, fn); err != nil {
		var d *peer.DisconnectedError
		if errors.As(err, &d) {
			return ErrSessionDestroyed
		}
		return err
	}
	return nil
}

// capable reports whether some attached client runs client channels. A
// restored session assumes its clients still do until one says otherwise.
func (s *Session) capable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.clients) == 0 {
		return s.restored
	}
	for _, c := range s.clients {
		if c.Capable() {
			return true
		}
	}
	return false
}

// start runs the application for a new session.
func (s *Session) start() {
	go s.peer.Run(context.Background())
	s.peer.Post(func() {
		s.setState(Prerendering)
		s.config.Observer.SessionStarted(s)
		if s.config.Sharing {
			s.peer.Hold()
		}
		s.peer.Main(s.config.App)
	})
}

// restore rebuilds the session from an archive.
func (s *Session) restore(ctx context.Context, a *protocol.Archive) error {
	go s.peer.Run(context.Background())

	var rerr error
	err := s.do(ctx, func() {
		s.setState(Active)
		s.config.Observer.SessionStarted(s)
		if s.config.Sharing {
			s.peer.Hold()
		}
		rerr = s.peer.Replay(s.config.App, a.Events, a.Channels)
		s.log = copyEvents(a.Events)
		s.resumeAt = len(s.log)
		if s.archive != nil {
			s.archive.reset(s.log)
		}
	})
	if err != nil {
		return err
	}
	if rerr != nil {
		s.Destroy(context.Background(), "restore failed")
		return rerr
	}
	return nil
}

// afterTurn runs after every loop task.
func (s *Session) afterTurn() {
	if s.State() == Destroyed {
		s.peer.TakeOutbox()
		return
	}
	s.publish(s.peer.TakeOutbox())

	switch s.State() {
	case Prerendering:
		if s.peer.PrerenderCount() == 0 {
			s.finishPrerender()
		}
	case Active:
		if !s.closing && s.peer.Exhausted() {
			s.beginClose()
		}
	}
}

// publish logs, archives and routes outgoing events.
func (s *Session) publish(out []peer.Outgoing) {
	if len(out) == 0 {
		return
	}

	events := make([]protocol.Event, len(out))
	for i, o := range out {
		events[i] = o.Event
	}
	s.log = append(s.log, events...)
	if s.archive != nil {
		s.archive.append(events)
	}

	s.mu.Lock()
	prerendering := s.state == Prerendering
	clients := s.clientsLocked()
	s.mu.Unlock()

	for _, c := range clients {
		// The bootstrap payload carries client 0's prerender events.
		if prerendering && c.ID == 0 {
			continue
		}
		var evs []protocol.Event
		for _, o := range out {
			if o.Except != c.ID {
				evs = append(evs, o.Event)
			}
		}
		c.enqueue(evs)
	}
}

func (s *Session) finishPrerender() {
	b := &protocol.Bootstrap{
		SessionID: s.ID,
		Events:    copyEvents(s.log),
		Channels:  s.peer.OpenServerChannels(),
	}

	s.mu.Lock()
	s.state = Active
	s.bootstrap = b
	s.mu.Unlock()
	close(s.prerendered)

	s.logger.Debug("prerender complete", "events", len(b.Events), "open_channels", len(b.Channels))
	if s.config.Render != nil {
		s.config.Render.OnPrerenderIdle(s, b)
	}
	if !s.closing && s.peer.Exhausted() {
		s.beginClose()
	}
}

// beginClose asks every client to shut down after its final message and
// destroys the session once all of them have received it.
func (s *Session) beginClose() {
	s.closing = true
	idle := true
	for _, c := range s.Clients() {
		if !c.startClosing() {
			idle = false
		}
	}
	s.logger.Debug("session exhausted", "waiting_clients", !idle)
	if idle {
		s.destroy(ReasonExhausted, false)
	}
}

// clientClosed is called when a client has taken its close message.
func (s *Session) clientClosed() {
	s.peer.Post(func() {
		if s.State() == Destroyed {
			return
		}
		for _, c := range s.Clients() {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				return
			}
		}
		s.destroy(ReasonExhausted, false)
	})
}

// destroy settles every channel with a DisconnectedError and removes the
// session. With keep the archive is completed with the open server
// channels so the session can be restored; otherwise it is deleted.
// Loop only.
func (s *Session) destroy(reason string, keep bool) {
	if s.State() == Destroyed {
		return
	}
	if reason == ReasonSchema {
		// Output of the failing turn may carry the rejected value.
		s.peer.TakeOutbox()
	} else {
		s.publish(s.peer.TakeOutbox())
	}
	open := s.peer.OpenServerChannels()

	s.mu.Lock()
	s.state = Destroyed
	s.reason = reason
	s.archived = keep && s.archive != nil
	s.mu.Unlock()

	s.peer.Kill(&peer.DisconnectedError{Reason: reason})
	s.peer.TakeOutbox()

	if s.archive != nil {
		if keep {
			s.archive.complete(open)
		} else {
			s.archive.remove()
		}
	}

	s.registry.remove(s)
	s.config.Observer.SessionEnded(s, reason)
	s.logger.Info("session destroyed", "reason", reason, "archived", keep, "open_channels", len(open))
	close(s.done)

	s.peer.Post(s.peer.Stop)
}

// Destroy tears the session down and deletes its archive.
func (s *Session) Destroy(ctx context.Context, reason string) error {
	return s.do(ctx, func() { s.destroy(reason, false) })
}

// Archive completes the session's archive and destroys it, waiting for the
// archive to be written. A client reconnecting later restores it.
func (s *Session) Archive(ctx context.Context, reason string) error {
	if err := s.do(ctx, func() { s.destroy(reason, true) }); err != nil && !errors.Is(err, ErrSessionDestroyed) {
		return err
	}
	if s.archive == nil {
		return nil
	}
	return s.archive.sync(ctx)
}

// Flush waits until every archive write queued so far has completed.
func (s *Session) Flush(ctx context.Context) error {
	if s.archive == nil {
		return nil
	}
	return s.archive.sync(ctx)
}

// Attach adds a new client to a shared session and returns its bootstrap
// payload, holding everything the session has sent so far.
func (s *Session) Attach(ctx context.Context) (*Client, *protocol.Bootstrap, error) {
	if !s.config.Sharing {
		return nil, nil, ErrSharingDisabled
	}

	var (
		c    *Client
		b    *protocol.Bootstrap
		aerr error
	)
	err := s.do(ctx, func() {
		if s.State() == Destroyed {
			aerr = ErrSessionDestroyed
			return
		}
		s.mu.Lock()
		c = newClient(s, s.nextClient)
		s.clients[c.ID] = c
		s.nextClient++
		s.mu.Unlock()

		b = &protocol.Bootstrap{
			SessionID: s.ID,
			ClientID:  c.ID,
			Events:    copyEvents(s.log),
			Channels:  s.peer.OpenServerChannels(),
		}
	})
	if err == nil {
		err = aerr
	}
	if err != nil {
		return nil, nil, err
	}
	s.logger.Debug("client attached", "client_id", c.ID)
	return c, b, nil
}

// ClientFor returns the client with id. A restored session recreates
// clients on first contact: first is the id of the first message the client
// sends and ack the next id it expects from the server.
func (s *Session) ClientFor(ctx context.Context, id int, first, ack uint64) (*Client, error) {
	if c, ok := s.Client(id); ok {
		return c, nil
	}
	if !s.restored || id < 0 {
		return nil, ErrUnknownClient
	}

	var c *Client
	err := s.do(ctx, func() {
		if existing, ok := s.Client(id); ok {
			c = existing
			return
		}
		c = newClient(s, id)
		c.resume(first, ack)

		s.mu.Lock()
		s.clients[id] = c
		if id >= s.nextClient {
			s.nextClient = id + 1
		}
		s.mu.Unlock()

		// Events produced since the restore were not routed to anyone.
		c.enqueue(copyEvents(s.log[s.resumeAt:]))
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Receive dispatches an incoming client message through the middleware
// chain and the sequencer.
func (s *Session) Receive(ctx context.Context, c *Client, m protocol.Message, transport string) error {
	if s.State() == Destroyed {
		return ErrSessionDestroyed
	}
	s.Touch()

	in := &Inbound{Session: s, Client: c, Message: m, Transport: transport, ctx: ctx}
	return chain(s.config.Middleware, in, func() error {
		var err error
		if derr := s.do(in.Context(), func() { in.Outcome, err = s.apply(c, m) }); derr != nil {
			return derr
		}
		return err
	})
}

// apply sequences m and delivers every message it makes ready. Loop only.
func (s *Session) apply(c *Client, m protocol.Message) (sequencer.Outcome, error) {
	if s.State() == Destroyed {
		return sequencer.Duplicate, ErrSessionDestroyed
	}

	// Teardown does not wait for earlier messages still in flight.
	if m.Destroy {
		s.destroy(ReasonDestroyed, false)
		return sequencer.Applied, nil
	}

	ready, outcome, err := c.receive(m)
	if err != nil {
		s.logger.Warn("client overran reorder buffer", "client_id", c.ID, "error", err)
		s.destroy(ReasonProtocol, false)
		return outcome, err
	}

	for _, r := range ready {
		if err := s.peer.Deliver(r.Events, c.ID); err != nil {
			s.logger.Warn("rejecting untrusted client input", "client_id", c.ID, "error", err)
			s.destroy(ReasonSchema, false)
			return outcome, err
		}
	}
	return outcome, nil
}
