package middleware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vango-dev/duet/pkg/channel"
	"github.com/vango-dev/duet/pkg/peer"
	"github.com/vango-dev/duet/pkg/protocol"
	"github.com/vango-dev/duet/pkg/sequencer"
	"github.com/vango-dev/duet/pkg/session"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return Prometheus(WithRegistry(reg)), reg
}

func TestMetricsConfig(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		config := defaultMetricsConfig()
		if config.Namespace != "duet" {
			t.Errorf("Namespace = %q, want %q", config.Namespace, "duet")
		}
		if config.Subsystem != "" {
			t.Errorf("Subsystem = %q, want empty", config.Subsystem)
		}
		if config.Registry != prometheus.DefaultRegisterer {
			t.Error("Registry should be DefaultRegisterer")
		}
	})

	t.Run("with options", func(t *testing.T) {
		config := defaultMetricsConfig()
		WithNamespace("myapp")(&config)
		WithSubsystem("sessions")(&config)
		WithBuckets([]float64{0.1, 0.5, 1.0})(&config)
		WithConstLabels(prometheus.Labels{"region": "eu"})(&config)

		if config.Namespace != "myapp" {
			t.Errorf("Namespace = %q, want %q", config.Namespace, "myapp")
		}
		if config.Subsystem != "sessions" {
			t.Errorf("Subsystem = %q, want %q", config.Subsystem, "sessions")
		}
		if len(config.Buckets) != 3 {
			t.Errorf("len(Buckets) = %d, want 3", len(config.Buckets))
		}
		if config.ConstLabels["region"] != "eu" {
			t.Errorf("ConstLabels = %v", config.ConstLabels)
		}
	})
}

func TestMetrics_Handle(t *testing.T) {
	t.Run("records outcome and duration", func(t *testing.T) {
		m, _ := newTestMetrics(t)
		in := &session.Inbound{Transport: "ws"}

		err := m.Handle(in, func() error {
			in.Outcome = sequencer.Buffered
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got := testutil.ToFloat64(m.messagesTotal.WithLabelValues("ws", "buffered")); got != 1 {
			t.Fatalf("messages_total(ws, buffered)=%v, want 1", got)
		}
		if got := testutil.CollectAndCount(m.messageDuration); got != 1 {
			t.Fatalf("message_duration_seconds series=%d, want 1", got)
		}
	})

	t.Run("error is categorized and propagated", func(t *testing.T) {
		m, _ := newTestMetrics(t)
		in := &session.Inbound{}
		wantErr := fmt.Errorf("apply: %w", session.ErrSessionDestroyed)

		err := m.Handle(in, func() error { return wantErr })
		if !errors.Is(err, wantErr) {
			t.Fatalf("expected %v, got %v", wantErr, err)
		}

		if got := testutil.ToFloat64(m.messagesTotal.WithLabelValues("unknown", "error")); got != 1 {
			t.Fatalf("messages_total(unknown, error)=%v, want 1", got)
		}
		if got := testutil.ToFloat64(m.messageErrors.WithLabelValues("unknown", "destroyed")); got != 1 {
			t.Fatalf("message_errors_total(destroyed)=%v, want 1", got)
		}
	})
}

func TestMetrics_Observer(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SessionStarted(nil)
	m.SessionStarted(nil)
	m.SessionEnded(nil, session.ReasonExhausted)
	m.SessionEnded(nil, "prerender abandoned")
	m.MessageSent(nil, nil, protocol.Message{Events: []protocol.Event{
		protocol.NewCloseEvent(1),
		protocol.NewMarker(true),
	}})
	m.EventDropped(nil, channel.DropClosed)
	m.SplitBrain(nil)
	m.ArchiveFailed(nil, errors.New("disk full"))

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"sessions_started", m.sessionsStarted, 2},
		{"active_sessions", m.activeSessions, 0},
		{"ended exhausted", m.sessionsEnded.WithLabelValues("exhausted"), 1},
		{"ended other", m.sessionsEnded.WithLabelValues("other"), 1},
		{"messages_sent", m.messagesSent, 1},
		{"events_sent", m.eventsSent, 2},
		{"dropped closed", m.eventsDropped.WithLabelValues("closed"), 1},
		{"split_brain", m.splitBrain, 1},
		{"archive_failures", m.archiveFailures, 1},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestMetrics_WiredIntoRegistry(t *testing.T) {
	m, promReg := newTestMetrics(t)
	reg := session.NewRegistry(session.Config{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Observer:   m,
		Middleware: []session.Middleware{m},
		App: func(dc *peer.Context) {
			_, _ = dc.ClientStream(peer.StreamHandler{})
		},
	})
	defer reg.Shutdown(context.Background())
	m.Watch(reg)

	s, _, err := reg.Create(context.Background())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	c, _ := s.Client(0)
	detach := c.Attach()
	defer detach()

	err = s.Receive(context.Background(), c, protocol.Message{
		Events: []protocol.Event{protocol.NewEvent(-1, []byte(`"x"`))},
	}, "post")
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if _, ok := c.Dequeue(context.Background(), time.Second); !ok {
		t.Fatal("expected an echo message")
	}

	if got := testutil.ToFloat64(m.activeSessions); got != 1 {
		t.Errorf("active_sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.messagesTotal.WithLabelValues("post", "applied")); got != 1 {
		t.Errorf("messages_total(post, applied) = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.messagesSent); got < 1 {
		t.Errorf("messages_sent_total = %v, want >= 1", got)
	}

	n, err := testutil.GatherAndCount(promReg, "duet_clients", "duet_connected_clients")
	if err != nil {
		t.Fatalf("GatherAndCount() error: %v", err)
	}
	if n != 2 {
		t.Errorf("client gauges = %d, want 2", n)
	}
}

func TestPrometheus_DefaultRegistererIsShared(t *testing.T) {
	a := Prometheus()
	b := Prometheus(WithNamespace("ignored"))
	if a != b {
		t.Fatal("expected metrics on the default registerer to be created once")
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, "timeout"},
		{fmt.Errorf("wait: %w", context.Canceled), "canceled"},
		{&peer.SchemaValidationError{Channel: 1, Err: errors.New("bad")}, "validation"},
		{sequencer.ErrReorderOverflow, "reorder_overflow"},
		{session.ErrSessionDestroyed, "destroyed"},
		{fmt.Errorf("%w: bad tuple", protocol.ErrInvalidMessage), "invalid"},
		{errors.New("some other error"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := categorizeError(tt.err); got != tt.want {
				t.Errorf("categorizeError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
