// Package duet provides the public API for running one application on a
// server peer and its client peers.
//
// This is the recommended import for most applications:
//
//	import "github.com/vango-dev/duet"
//
// Usage:
//
//	func App(dc *duet.Context) {
//	    pr, _ := dc.ServerPromise(func(ctx context.Context) (any, error) {
//	        return loadGreeting(ctx)
//	    })
//	    pr.Then(func(dc *duet.Context, r duet.Result) {
//	        dc.Logger().Info("greeting", "value", string(r.Value))
//	    })
//	}
//
//	srv := duet.New(App, duet.Config{})
//	srv.Run(ctx, ":8080")
//
// The same App joins from another process with duet.Connect.
package duet

import (
	"context"

	"github.com/vango-dev/duet/pkg/client"
	"github.com/vango-dev/duet/pkg/peer"
)

// =============================================================================
// Application (re-export from pkg/peer)
// =============================================================================

// App is the application entry point. The server and every client run the
// same App.
type App = peer.App

// Context is the dispatch context handed to App and every callback.
type Context = peer.Context

// Result is the settled outcome of a promise or one stream event.
type Result = peer.Result

// Operation produces the value of a promise on the side that owns it.
type Operation = peer.Operation

// Promise and stream types
type (
	Promise       = peer.Promise
	Stream        = peer.Stream
	StreamHandler = peer.StreamHandler
	Sender        = peer.Sender
	Option        = peer.Option
)

// Side names the server or client half of a session.
type Side = peer.Side

const (
	ServerSide = peer.Server
	ClientSide = peer.Client
)

// Channel options
var (
	Prerender = peer.Prerender
	Batched   = peer.Batched
	Schema    = peer.Schema
	Fallback  = peer.Fallback
)

// CoordinateValue returns a value both sides agree on. gen runs on the side
// currently executing and the result is shipped to the other.
func CoordinateValue[T any](dc *Context, gen func() T) (T, error) {
	return peer.CoordinateValue(dc, gen)
}

// =============================================================================
// Client (re-export from pkg/client)
// =============================================================================

// Client is a client peer joined to a remote session.
type Client = client.Client

// ClientConfig configures Connect. URL and App are filled in by Connect.
type ClientConfig = client.Config

// Connect starts a new session on the server at url and joins it as a
// client peer running app.
func Connect(ctx context.Context, url string, app App, opts ...func(*ClientConfig)) (*Client, error) {
	cfg := client.DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.URL = url
	cfg.App = app
	return client.Connect(ctx, cfg)
}
