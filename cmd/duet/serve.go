package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/duet"
	"github.com/vango-dev/duet/internal/config"
	derrors "github.com/vango-dev/duet/internal/errors"
	"github.com/vango-dev/duet/pkg/middleware"
	"github.com/vango-dev/duet/pkg/server"
	"github.com/vango-dev/duet/pkg/session"
)

type serveOptions struct {
	configPath string
	address    string
	archive    string
	ticks      int
	interval   time.Duration
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the session server",
		Long: `Start the session server running the clock application.

Settings are read from duet.json in the working directory or above it.
Without one, the defaults apply. On SIGINT or SIGTERM live sessions are
archived so the next process can restore them.

Examples:
  duet serve
  duet serve --addr=:9000
  duet serve --config=deploy/duet.json --archive=sqlite`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to duet.json")
	cmd.Flags().StringVarP(&opts.address, "addr", "a", "", "Listen address (default from duet.json)")
	cmd.Flags().StringVar(&opts.archive, "archive", "", "Archive store: none, memory, file, sqlite, s3")
	cmd.Flags().IntVar(&opts.ticks, "ticks", 10, "Clock events per session")
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Second, "Time between clock events")

	return cmd
}

func runServe(opts serveOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	// Apply command-line overrides
	if opts.address != "" {
		cfg.Address = opts.address
	}
	if opts.archive != "" {
		cfg.Archive.Kind = opts.archive
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	sc := session.Config{
		Store:          store,
		Sharing:        cfg.Session.Sharing,
		MaxSessions:    cfg.Session.MaxSessions,
		IdleTimeout:    config.Duration(cfg.Session.IdleTimeout),
		SweepInterval:  config.Duration(cfg.Session.SweepInterval),
		ArchiveTimeout: config.Duration(cfg.Session.ArchiveTimeout),
		HistorySize:    cfg.Session.HistorySize,
		Logger:         logger,
	}

	var metrics *middleware.Metrics
	if cfg.Metrics.Enabled {
		metrics = middleware.Prometheus(middleware.WithNamespace(cfg.Metrics.Namespace))
		sc.Observer = metrics
		sc.Middleware = append(sc.Middleware, metrics)
	}
	if cfg.Tracing.Enabled {
		sc.Middleware = append(sc.Middleware,
			middleware.OpenTelemetry(middleware.WithTracerName(cfg.Tracing.TracerName)))
	}

	srv := duet.New(clockApp(opts.ticks, opts.interval), duet.Config{
		Session:   sc,
		Transport: serverConfig(cfg),
	})
	reg := srv.Registry()
	if metrics != nil {
		metrics.Watch(reg)
	}

	r := chi.NewRouter()
	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.Handler())
	}
	r.Mount("/", srv)

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		if isAddrInUse(err) {
			return derrors.New("E141").
				WithDetail("Another process is listening on " + cfg.Address).
				Wrap(err)
		}
		return derrors.New("E140").Wrap(err)
	}

	printBanner()
	fmt.Println("  serve")
	fmt.Println()
	success("Listening on http://%s", ln.Addr())
	info("Transport: %s", cfg.Path)
	info("Archive:   %s", cfg.Archive.Kind)
	if cfg.Metrics.Enabled {
		info("Metrics:   %s", cfg.Metrics.Path)
	}
	fmt.Println()

	httpServer := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: srv.Transport().Config().ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return derrors.New("E140").Wrap(err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Println("\n  Shutting down...")

		sctx, cancel := context.WithTimeout(context.Background(), srv.Transport().Config().ShutdownTimeout)
		defer cancel()

		// Archive sessions first so long polls return.
		if err := reg.Shutdown(sctx); err != nil {
			warn("Some sessions were not archived: %v", err)
			_ = httpServer.Shutdown(sctx)
			return derrors.New("E142").Wrap(err)
		}
		return httpServer.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	success("Stopped")
	return nil
}

// serverConfig maps the file settings onto the transport configuration.
func serverConfig(cfg *config.Config) *server.Config {
	sc := server.DefaultConfig().
		WithAddress(cfg.Address).
		WithPath(cfg.Path)

	if d := config.Duration(cfg.Server.DequeueTimeout); d > 0 {
		sc.DequeueTimeout = d
	}
	if d := config.Duration(cfg.Server.ReadTimeout); d > 0 {
		sc.ReadTimeout = d
	}
	if d := config.Duration(cfg.Server.WriteTimeout); d > 0 {
		sc.WriteTimeout = d
	}
	if d := config.Duration(cfg.Server.HeartbeatInterval); d > 0 {
		sc.HeartbeatInterval = d
	}
	if d := config.Duration(cfg.Server.ShutdownTimeout); d > 0 {
		sc.ShutdownTimeout = d
	}
	if cfg.Server.MaxMessageSize > 0 {
		sc.MaxMessageSize = cfg.Server.MaxMessageSize
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		sc.CheckOrigin = server.AllowOrigins(cfg.Server.AllowedOrigins...)
	}
	return sc
}

// isAddrInUse reports whether err is a bind failure on a busy port.
func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
