package duet

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/vango-dev/duet/pkg/server"
	"github.com/vango-dev/duet/pkg/session"
)

// =============================================================================
// Server Type
// =============================================================================

// Server is the server peer host: a session registry behind the HTTP and
// WebSocket transport. It is an http.Handler.
//
// Create a Server with duet.New():
//
//	srv := duet.New(App, duet.Config{
//	    Session: session.Config{
//	        Store:   session.NewMemoryStore(),
//	        Sharing: true,
//	    },
//	})
//	http.ListenAndServe(":8080", srv)
type Server struct {
	registry  *session.Registry
	transport *server.Server
	logger    *slog.Logger
}

// Config configures a Server.
type Config struct {
	// Session configures the registry. Session.App is set by New.
	Session session.Config

	// Transport configures the HTTP and WebSocket endpoints.
	// Default: server.DefaultConfig().
	Transport *server.Config

	// Logger is the base logger. It replaces Session.Logger when set.
	// Default: slog.Default().
	Logger *slog.Logger
}

// New creates a Server running app for every session.
func New(app App, cfg Config) *Server {
	if cfg.Logger != nil {
		cfg.Session.Logger = cfg.Logger
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = slog.Default()
	}
	cfg.Session.App = app

	reg := session.NewRegistry(cfg.Session)
	return &Server{
		registry:  reg,
		transport: server.New(reg, cfg.Transport),
		logger:    cfg.Session.Logger,
	}
}

// =============================================================================
// HTTP
// =============================================================================

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.transport.ServeHTTP(w, r)
}

// Handler returns the Server as an http.Handler.
// This is useful for explicit type conversion or middleware wrapping.
func (s *Server) Handler() http.Handler {
	return s
}

// Use adds HTTP middleware in front of every route.
func (s *Server) Use(mw ...func(http.Handler) http.Handler) {
	s.transport.Use(mw...)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Run listens on addr and serves until ctx is done, then archives every
// live session and shuts down.
//
//	srv := duet.New(App, duet.Config{})
//	srv.Run(ctx, ":8080")
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.transport.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	return s.transport.Serve(ctx, ln)
}

// Shutdown archives every live session and stops accepting requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.transport.Shutdown(ctx)
}

// Registry returns the session registry.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Transport returns the HTTP and WebSocket transport.
func (s *Server) Transport() *server.Server {
	return s.transport
}
