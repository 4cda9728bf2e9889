package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/duet/pkg/session"
)

// Default tracer name for duet sessions.
const defaultTracerName = "duet"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "duet").
	TracerName string

	// TracerProvider supplies the tracer.
	// Default: the global provider.
	TracerProvider trace.TracerProvider

	// Filter determines which messages to trace.
	// Return true to trace the message, false to skip.
	// If nil, all messages are traced.
	Filter func(in *session.Inbound) bool

	// AttributeExtractor extracts custom attributes from a message.
	// Called for each traced message.
	AttributeExtractor func(in *session.Inbound) []attribute.KeyValue

	tracer trace.Tracer
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *OTelConfig) {
		c.TracerProvider = tp
	}
}

// WithMessageFilter sets a filter function for messages.
func WithMessageFilter(filter func(in *session.Inbound) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(in *session.Inbound) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

// OpenTelemetry creates middleware that traces every incoming client
// message.
//
// The middleware:
//   - Creates a span per message with session, client and transport
//   - Passes the span context down the chain via Inbound.WithContext
//   - Records errors and the sequencer outcome
//
// The tracer uses the global OpenTelemetry tracer provider unless one is
// given. Configure it in main() before starting the server:
//
//	otel.SetTracerProvider(tp)
func OpenTelemetry(opts ...OTelOption) session.Middleware {
	config := OTelConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}

	if config.TracerProvider != nil {
		config.tracer = config.TracerProvider.Tracer(config.TracerName)
	} else {
		config.tracer = otel.Tracer(config.TracerName)
	}

	return session.MiddlewareFunc(func(in *session.Inbound, next func() error) error {
		if config.Filter != nil && !config.Filter(in) {
			return next()
		}

		attrs := []attribute.KeyValue{
			attribute.String("duet.transport", in.Transport),
			attribute.Int64("duet.message_id", int64(in.Message.MessageID)),
			attribute.Int("duet.event_count", len(in.Message.Events)),
		}
		if in.Session != nil {
			attrs = append(attrs, attribute.String("duet.session_id", in.Session.ID))
		}
		if in.Client != nil {
			attrs = append(attrs, attribute.Int("duet.client_id", in.Client.ID))
		}
		if in.Message.Destroy {
			attrs = append(attrs, attribute.Bool("duet.destroy", true))
		}
		if config.AttributeExtractor != nil {
			attrs = append(attrs, config.AttributeExtractor(in)...)
		}

		ctx, span := config.tracer.Start(
			in.Context(),
			spanName(in),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		in.WithContext(context.WithValue(ctx, spanKey{}, span))

		err := next()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.String("duet.outcome", in.Outcome.String()))
		return err
	})
}

// spanKey marks the context of a traced message.
type spanKey struct{}

// SpanFromInbound returns the span of a traced message, or nil when the
// message was not traced.
//
// Example:
//
//	session.MiddlewareFunc(func(in *session.Inbound, next func() error) error {
//	    if span := middleware.SpanFromInbound(in); span != nil {
//	        span.SetAttributes(attribute.Int("my.count", 42))
//	    }
//	    return next()
//	})
func SpanFromInbound(in *session.Inbound) trace.Span {
	if span, ok := in.Context().Value(spanKey{}).(trace.Span); ok {
		return span
	}
	return nil
}

// TraceContext returns the context carrying the message's span, for
// propagation to outbound calls.
func TraceContext(in *session.Inbound) context.Context {
	return in.Context()
}

func spanName(in *session.Inbound) string {
	if in.Transport == "" {
		return "duet.message"
	}
	return fmt.Sprintf("duet.message %s", in.Transport)
}
