// Package middleware provides observability for duet sessions.
//
// This package includes:
//   - OpenTelemetry tracing of every incoming client message
//   - Prometheus metrics for messages and session lifecycle
//
// # OpenTelemetry Middleware
//
// OpenTelemetry returns a session.Middleware that opens a span per client
// message. Spans carry the session ID, client ID, transport, message ID and
// the sequencer outcome.
//
//	reg := session.NewRegistry(session.Config{
//	    App: app,
//	    Middleware: []session.Middleware{
//	        middleware.OpenTelemetry(middleware.WithTracerName("my-app")),
//	    },
//	})
//
// Handlers later in the chain read the span with SpanFromInbound.
//
// # Prometheus Metrics
//
// Metrics is both a session.Middleware and a session.Observer; install it
// in both places to collect message and lifecycle metrics:
//
//	m := middleware.Prometheus()
//	reg := session.NewRegistry(session.Config{
//	    App:        app,
//	    Observer:   m,
//	    Middleware: []session.Middleware{m},
//	})
//	m.Watch(reg)
//
// Then expose metrics on a separate port:
//
//	http.Handle("/metrics", promhttp.Handler())
//	go http.ListenAndServe(":9090", nil)
package middleware
