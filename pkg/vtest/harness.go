package vtest

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vango-dev/duet/pkg/client"
	"github.com/vango-dev/duet/pkg/peer"
	"github.com/vango-dev/duet/pkg/server"
	"github.com/vango-dev/duet/pkg/session"
)

// DefaultTimeout bounds every wait the harness performs.
const DefaultTimeout = 5 * time.Second

// Config configures a Harness.
type Config struct {
	// Session is the registry configuration. App, Store and Logger are
	// filled in by the harness.
	Session session.Config

	// Store receives archives. Default: a new session.MemoryStore.
	Store session.ArchiveStore

	// DequeueTimeout is the server's POST wait. Short waits keep polling
	// clients responsive in tests.
	// Default: 200ms.
	DequeueTimeout time.Duration

	// PostOnly makes connected clients poll over POST.
	PostOnly bool

	// Logger receives server and client logs. Default: discarded.
	Logger *slog.Logger
}

// Option configures a Harness.
type Option func(*Config)

// WithStore sets the archive store shared across restarts.
func WithStore(store session.ArchiveStore) Option {
	return func(c *Config) {
		c.Store = store
	}
}

// WithSharing lets more clients attach to a session.
func WithSharing() Option {
	return func(c *Config) {
		c.Session.Sharing = true
	}
}

// WithPostOnly disables WebSocket on connected clients.
func WithPostOnly() Option {
	return func(c *Config) {
		c.PostOnly = true
	}
}

// WithSessionConfig sets the registry configuration.
func WithSessionConfig(cfg session.Config) Option {
	return func(c *Config) {
		c.Session = cfg
	}
}

// WithLogger sets the logger for server and clients.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// Harness is a running server with the clients connected to it.
type Harness struct {
	tb     testing.TB
	app    peer.App
	config Config
	ts     *httptest.Server

	mu       sync.Mutex
	gate     chan struct{}
	server   *server.Server
	registry *session.Registry
	clients  []*client.Client
}

// New starts a harness running app. Everything it starts is stopped by
// tb.Cleanup.
func New(tb testing.TB, app peer.App, opts ...Option) *Harness {
	tb.Helper()

	config := Config{DequeueTimeout: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Store == nil {
		config.Store = session.NewMemoryStore()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &Harness{tb: tb, app: app, config: config}
	h.gate = make(chan struct{})
	h.install()
	close(h.gate)

	h.ts = httptest.NewServer(http.HandlerFunc(h.serveHTTP))
	tb.Cleanup(h.close)
	return h
}

// install starts a fresh registry and server on the harness store.
func (h *Harness) install() {
	cfg := h.config.Session
	cfg.App = h.app
	cfg.Store = h.config.Store
	cfg.Logger = h.config.Logger

	reg := session.NewRegistry(cfg)
	srv := server.New(reg, server.DefaultConfig().WithDequeueTimeout(h.config.DequeueTimeout))

	h.mu.Lock()
	h.registry = reg
	h.server = srv
	h.mu.Unlock()
}

// serveHTTP waits out a restart in progress, then hands the request to the
// current server.
func (h *Harness) serveHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	gate := h.gate
	h.mu.Unlock()

	select {
	case <-gate:
	case <-r.Context().Done():
		return
	}
	h.Server().ServeHTTP(w, r)
}

func (h *Harness) close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = nil
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.Close()
	}
	h.ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := h.Registry().Shutdown(ctx); err != nil {
		h.tb.Logf("vtest: shutdown: %v", err)
	}
	if err := h.config.Store.Close(); err != nil {
		h.tb.Logf("vtest: closing store: %v", err)
	}
}

// URL returns the base URL of the server.
func (h *Harness) URL() string {
	return h.ts.URL
}

// Server returns the current server.
func (h *Harness) Server() *server.Server {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.server
}

// Registry returns the current session registry.
func (h *Harness) Registry() *session.Registry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry
}

// Store returns the archive store shared across restarts.
func (h *Harness) Store() session.ArchiveStore {
	return h.config.Store
}

// Session returns the live session with id, or nil.
func (h *Harness) Session(id string) *session.Session {
	return h.Registry().Get(id)
}

// ClientConfig returns the configuration Connect uses.
func (h *Harness) ClientConfig() client.Config {
	return client.Config{
		URL:              h.ts.URL,
		App:              h.app,
		DisableWebSocket: h.config.PostOnly,
		RetryMinBackoff:  10 * time.Millisecond,
		RetryMaxBackoff:  100 * time.Millisecond,
		Logger:           h.config.Logger,
	}
}

// Connect starts a new session and connects a client to it. It fails the
// test on error.
func (h *Harness) Connect() *client.Client {
	h.tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	c, err := client.Connect(ctx, h.ClientConfig())
	if err != nil {
		h.tb.Fatalf("vtest: connect: %v", err)
	}
	h.track(c)
	return c
}

// Attach connects another client to a shared session. It fails the test on
// error.
func (h *Harness) Attach(sessionID string) *client.Client {
	h.tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	c, err := client.Attach(ctx, h.ClientConfig(), sessionID)
	if err != nil {
		h.tb.Fatalf("vtest: attach %s: %v", sessionID, err)
	}
	h.track(c)
	return c
}

func (h *Harness) track(c *client.Client) {
	h.mu.Lock()
	h.clients = append(h.clients, c)
	h.mu.Unlock()
}

// SimulateServerRestart archives every live session, replaces the server
// with a fresh one on the same store and lets waiting requests through.
// Connected clients reconnect and restore their sessions.
func (h *Harness) SimulateServerRestart() error {
	gate := make(chan struct{})
	h.mu.Lock()
	h.gate = gate
	old := h.registry
	h.mu.Unlock()
	defer close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := old.Shutdown(ctx); err != nil {
		return err
	}

	h.install()
	return nil
}

// SimulateExpiry destroys a session without archiving it, as if its archive
// had been lost. Its clients finish with client.ErrSessionExpired.
func (h *Harness) SimulateExpiry(sessionID string) error {
	s := h.Session(sessionID)
	if s == nil {
		return session.ErrSessionNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := s.Destroy(ctx, "expired"); err != nil {
		return err
	}
	return s.Flush(ctx)
}

// Eventually fails the test unless cond becomes true within DefaultTimeout.
func (h *Harness) Eventually(cond func() bool) {
	h.tb.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			h.tb.Fatal("vtest: condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// WaitDone waits for c to finish and returns its error.
func (h *Harness) WaitDone(c *client.Client) error {
	h.tb.Helper()
	select {
	case <-c.Done():
		return c.Err()
	case <-time.After(DefaultTimeout):
		h.tb.Fatal("vtest: client did not finish")
		return nil
	}
}

// AssertArchived verifies that the store holds a completed archive for the
// session.
func (h *Harness) AssertArchived(sessionID string) {
	h.tb.Helper()
	a, err := h.config.Store.Read(context.Background(), sessionID)
	if err != nil {
		h.tb.Fatalf("vtest: reading archive: %v", err)
	}
	if a == nil {
		h.tb.Fatal("vtest: session not archived")
	}
	if !a.Complete {
		h.tb.Fatal("vtest: archive has no trailer")
	}
}

// AssertNotArchived verifies that the store holds no archive for the
// session.
func (h *Harness) AssertNotArchived(sessionID string) {
	h.tb.Helper()
	a, err := h.config.Store.Read(context.Background(), sessionID)
	if err != nil {
		h.tb.Fatalf("vtest: reading archive: %v", err)
	}
	if a != nil {
		h.tb.Fatal("vtest: session unexpectedly archived")
	}
}
