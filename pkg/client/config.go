package client

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/duet/pkg/determinism"
	"github.com/vango-dev/duet/pkg/peer"
	"github.com/vango-dev/duet/pkg/sequencer"
)

// Config configures a client peer.
type Config struct {
	// URL is the server's base URL, e.g. "http://localhost:8080".
	URL string

	// Path is the server's transport mount point.
	// Default: "/_duet".
	Path string

	// App is the application entry point. It must be the same App the
	// server runs.
	App peer.App

	// HTTPClient sends bootstrap and POST requests. Its timeout must exceed
	// the server's dequeue wait.
	// Default: a client with a 45 second timeout.
	HTTPClient *http.Client

	// Dialer opens WebSocket connections.
	// Default: websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// DisableWebSocket makes the client poll over POST from the start.
	DisableWebSocket bool

	// MaxFailures is the number of consecutive transport failures after
	// which the client gives up and disconnects its peer.
	// Default: 3.
	MaxFailures int

	// RetryMinBackoff and RetryMaxBackoff bound the wait between transport
	// attempts. The wait doubles after every failure.
	// Default: 250ms and 4s.
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration

	// ReadTimeout is the longest a WebSocket may stay silent, pings
	// included, before it is considered failed.
	// Default: twice sequencer.DefaultHeartbeatInterval.
	ReadTimeout time.Duration

	// HistorySize is the number of sent messages kept for retransmission
	// after a reconnect.
	// Default: sequencer.DefaultHistorySize.
	HistorySize int

	// Source supplies time and randomness to coordinated values generated
	// locally. Default: the system clock and generator.
	Source determinism.Source

	// OnUnhandled receives errors escaping application callbacks.
	// Default: logged.
	OnUnhandled func(err error)

	// Logger is the base logger. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:            "/_duet",
		HTTPClient:      &http.Client{Timeout: 45 * time.Second},
		Dialer:          websocket.DefaultDialer,
		MaxFailures:     3,
		RetryMinBackoff: 250 * time.Millisecond,
		RetryMaxBackoff: 4 * time.Second,
		ReadTimeout:     2 * sequencer.DefaultHeartbeatInterval,
		HistorySize:     sequencer.DefaultHistorySize,
	}
}

// applyDefaults fills zero fields with defaults.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.HTTPClient == nil {
		c.HTTPClient = d.HTTPClient
	}
	if c.Dialer == nil {
		c.Dialer = d.Dialer
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	if c.RetryMinBackoff <= 0 {
		c.RetryMinBackoff = d.RetryMinBackoff
	}
	if c.RetryMaxBackoff <= 0 {
		c.RetryMaxBackoff = d.RetryMaxBackoff
	}
	if c.RetryMaxBackoff < c.RetryMinBackoff {
		c.RetryMaxBackoff = c.RetryMinBackoff
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
