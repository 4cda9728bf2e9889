package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/vango-dev/duet/pkg/protocol"
	"github.com/vango-dev/duet/pkg/session"
)

// Server is the HTTP/WebSocket front of a session registry.
type Server struct {
	// Session management
	sessions *session.Registry

	// Configuration
	config *Config

	// Routes
	router chi.Router

	// WebSocket upgrader
	upgrader websocket.Upgrader

	// HTTP server
	httpServer *http.Server

	// Logger
	logger *slog.Logger
}

// New creates a Server for the sessions of reg. A nil config uses
// DefaultConfig.
func New(reg *session.Registry, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	config.applyDefaults()

	s := &Server{
		sessions: reg,
		config:   config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		logger: reg.Config().Logger.With("component", "server"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleBootstrap)
	r.Route(s.config.Path, func(r chi.Router) {
		r.Post("/", s.handlePost)
		r.Get("/ws", s.handleWebSocket)
		r.Post("/attach", s.handleAttach)
	})
	return r
}

// Use adds HTTP middleware in front of every route.
func (s *Server) Use(mw ...func(http.Handler) http.Handler) {
	s.router.Use(mw...)
}

// Handler returns an http.Handler for mounting in external routers.
//
// Example:
//
//	r := chi.NewRouter()
//	r.Use(middleware.Logger)
//	r.Mount("/", srv.Handler())
//	http.ListenAndServe(":3000", r)
func (s *Server) Handler() http.Handler {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve accepts connections on ln until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", ln.Addr().String())
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Shutdown archives every live session and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	// Archive sessions first so long polls return.
	err := s.sessions.Shutdown(ctx)

	if s.httpServer != nil {
		if herr := s.httpServer.Shutdown(ctx); herr != nil {
			s.logger.Error("shutdown error", "error", herr)
			return herr
		}
	}

	s.logger.Info("server shutdown complete")
	return err
}

// Sessions returns the session registry.
func (s *Server) Sessions() *session.Registry {
	return s.sessions
}

// Config returns the server configuration.
func (s *Server) Config() *Config {
	return s.config
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// fail answers a failed request with the status err maps to.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, _ := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"error", err)
	} else {
		s.logger.Debug("request rejected",
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", status,
			"error", err)
	}
	http.Error(w, http.StatusText(status), status)
}

// writeMessage writes m in its wire form; compact when its id is ack.
func writeMessage(w http.ResponseWriter, m protocol.Message, ack uint64) error {
	data, err := protocol.Encode(m, ack)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err = w.Write(data)
	return err
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
}

// deadline returns the write deadline for a frame sent now.
func (s *Server) deadline() time.Time {
	return time.Now().Add(s.config.WriteTimeout)
}
