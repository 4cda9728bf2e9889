package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vango-dev/duet/pkg/channel"
	"github.com/vango-dev/duet/pkg/peer"
	"github.com/vango-dev/duet/pkg/protocol"
	"github.com/vango-dev/duet/pkg/sequencer"
	"github.com/vango-dev/duet/pkg/session"
)

// MetricsConfig configures the Prometheus metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "duet").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for message duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "duet",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics collects Prometheus metrics for sessions. It is both a
// session.Middleware, timing every incoming message, and a session.Observer
// counting lifecycle and traffic.
type Metrics struct {
	session.BaseObserver

	config  MetricsConfig
	factory promauto.Factory

	messagesTotal   *prometheus.CounterVec
	messageDuration *prometheus.HistogramVec
	messageErrors   *prometheus.CounterVec
	messagesSent    prometheus.Counter
	eventsSent      prometheus.Counter
	eventsDropped   *prometheus.CounterVec
	sessionsStarted prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	splitBrain      prometheus.Counter
	archiveFailures prometheus.Counter
}

// The default registerer accepts each metric once per process.
var (
	defaultMetrics   *Metrics
	defaultMetricsMu sync.Mutex
)

// Prometheus creates session metrics.
//
// Metrics collected:
//   - duet_messages_total: incoming messages by transport and sequencer outcome
//   - duet_message_duration_seconds: time to dispatch an incoming message
//   - duet_message_errors_total: failed dispatches by transport and error type
//   - duet_messages_sent_total: outgoing messages cut for clients
//   - duet_events_sent_total: events carried by outgoing messages
//   - duet_events_dropped_total: events for channels that are not open, by reason
//   - duet_sessions_started_total / duet_sessions_ended_total{reason}
//   - duet_active_sessions: sessions started and not yet ended
//   - duet_split_brain_total: sessions that saw both sides resolve one fence
//   - duet_archive_failures_total: archive writes that failed
//
// Example:
//
//	m := middleware.Prometheus(middleware.WithNamespace("myapp"))
//	reg := session.NewRegistry(session.Config{
//	    App:        app,
//	    Observer:   m,
//	    Middleware: []session.Middleware{m},
//	})
//	m.Watch(reg)
//
//	// Expose metrics endpoint
//	http.Handle("/metrics", promhttp.Handler())
func Prometheus(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	if config.Registry != prometheus.DefaultRegisterer {
		return newMetrics(config)
	}

	defaultMetricsMu.Lock()
	defer defaultMetricsMu.Unlock()
	if defaultMetrics == nil {
		defaultMetrics = newMetrics(config)
	}
	return defaultMetrics
}

func newMetrics(config MetricsConfig) *Metrics {
	factory := promauto.With(config.Registry)

	return &Metrics{
		config:  config,
		factory: factory,

		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_total",
			Help:        "Total number of client messages received",
			ConstLabels: config.ConstLabels,
		}, []string{"transport", "outcome"}),

		messageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "message_duration_seconds",
			Help:        "Client message dispatch duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"transport"}),

		messageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "message_errors_total",
			Help:        "Total number of client message dispatch errors",
			ConstLabels: config.ConstLabels,
		}, []string{"transport", "error_type"}),

		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_sent_total",
			Help:        "Total number of messages sent to clients",
			ConstLabels: config.ConstLabels,
		}),

		eventsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "events_sent_total",
			Help:        "Total number of events sent to clients",
			ConstLabels: config.ConstLabels,
		}),

		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "events_dropped_total",
			Help:        "Events addressed to channels that are not open",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "sessions_started_total",
			Help:        "Total number of sessions started or restored",
			ConstLabels: config.ConstLabels,
		}),

		sessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "sessions_ended_total",
			Help:        "Total number of sessions destroyed, by reason",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_sessions",
			Help:        "Number of live sessions",
			ConstLabels: config.ConstLabels,
		}),

		splitBrain: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "split_brain_total",
			Help:        "Fenced events answered locally and by the server",
			ConstLabels: config.ConstLabels,
		}),

		archiveFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "archive_failures_total",
			Help:        "Total number of failed archive writes",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// Handle implements session.Middleware.
func (m *Metrics) Handle(in *session.Inbound, next func() error) error {
	transport := in.Transport
	if transport == "" {
		transport = "unknown"
	}

	start := time.Now()
	err := next()
	m.messageDuration.WithLabelValues(transport).Observe(time.Since(start).Seconds())

	outcome := in.Outcome.String()
	if err != nil {
		outcome = "error"
		m.messageErrors.WithLabelValues(transport, categorizeError(err)).Inc()
	}
	m.messagesTotal.WithLabelValues(transport, outcome).Inc()
	return err
}

// SessionStarted implements session.Observer.
func (m *Metrics) SessionStarted(*session.Session) {
	m.sessionsStarted.Inc()
	m.activeSessions.Inc()
}

// SessionEnded implements session.Observer.
func (m *Metrics) SessionEnded(_ *session.Session, reason string) {
	m.activeSessions.Dec()
	m.sessionsEnded.WithLabelValues(reasonLabel(reason)).Inc()
}

// MessageSent implements session.Observer.
func (m *Metrics) MessageSent(_ *session.Session, _ *session.Client, msg protocol.Message) {
	m.messagesSent.Inc()
	m.eventsSent.Add(float64(len(msg.Events)))
}

// EventDropped implements session.Observer.
func (m *Metrics) EventDropped(_ *session.Session, reason channel.DropReason) {
	m.eventsDropped.WithLabelValues(reason.String()).Inc()
}

// SplitBrain implements session.Observer.
func (m *Metrics) SplitBrain(*session.Session) {
	m.splitBrain.Inc()
}

// ArchiveFailed implements session.Observer.
func (m *Metrics) ArchiveFailed(*session.Session, error) {
	m.archiveFailures.Inc()
}

// Watch exports client gauges read from r on every scrape.
func (m *Metrics) Watch(r *session.Registry) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   m.config.Namespace,
		Subsystem:   m.config.Subsystem,
		Name:        "clients",
		Help:        "Number of clients attached to live sessions",
		ConstLabels: m.config.ConstLabels,
	}, func() float64 { return float64(r.Stats().Clients) })

	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   m.config.Namespace,
		Subsystem:   m.config.Subsystem,
		Name:        "connected_clients",
		Help:        "Number of clients with an open transport",
		ConstLabels: m.config.ConstLabels,
	}, func() float64 { return float64(r.Stats().Connected) })
}

// categorizeError returns a bounded label for err.
func categorizeError(err error) string {
	var schema *peer.SchemaValidationError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &schema):
		return "validation"
	case errors.Is(err, sequencer.ErrReorderOverflow):
		return "reorder_overflow"
	case errors.Is(err, session.ErrSessionDestroyed):
		return "destroyed"
	case errors.Is(err, protocol.ErrInvalidMessage):
		return "invalid"
	default:
		return "internal"
	}
}

// reasonLabel keeps free-form destroy reasons out of label values.
func reasonLabel(reason string) string {
	switch reason {
	case session.ReasonExhausted, session.ReasonIdle, session.ReasonShutdown,
		session.ReasonDestroyed, session.ReasonProtocol, session.ReasonSchema:
		return reason
	default:
		return "other"
	}
}
