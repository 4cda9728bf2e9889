package duet

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vango-dev/duet/pkg/server"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// sides records one value per side.
type sides struct {
	mu     sync.Mutex
	values map[Side]any
}

func (s *sides) set(side Side, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[side] = v
}

func (s *sides) get(side Side) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[side]
	return v, ok
}

func (s *sides) wait(t *testing.T, side Side) any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := s.get(side); ok {
			return v
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no value recorded on the %s side", side)
	return nil
}

func newTestServer(t *testing.T, app App) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(app, Config{
		Logger:    discard,
		Transport: server.DefaultConfig().WithDequeueTimeout(200 * time.Millisecond),
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, ts
}

func quiet(c *ClientConfig) {
	c.Logger = discard
}

func TestServerPromiseReachesClient(t *testing.T) {
	got := &sides{values: map[Side]any{}}

	app := func(dc *Context) {
		pr, err := dc.ServerPromise(func(ctx context.Context) (any, error) {
			return "hello", nil
		})
		if err != nil {
			return
		}
		pr.Then(func(dc *Context, r Result) {
			var s string
			_ = r.Decode(&s)
			got.set(dc.Side(), s)
		})
	}

	_, ts := newTestServer(t, app)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Connect(ctx, ts.URL, app, quiet)
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer c.Close()

	if v := got.wait(t, ServerSide); v != "hello" {
		t.Errorf("server value = %v, want hello", v)
	}
	if v := got.wait(t, ClientSide); v != "hello" {
		t.Errorf("client value = %v, want hello", v)
	}
}

func TestCoordinateValueAgrees(t *testing.T) {
	got := &sides{values: map[Side]any{}}

	app := func(dc *Context) {
		n, err := CoordinateValue(dc, func() int { return rand.Intn(1 << 30) })
		if err != nil {
			return
		}
		got.set(dc.Side(), n)

		// Keep the session open until the client has joined.
		_, _ = dc.ClientPromise(func(ctx context.Context) (any, error) {
			return true, nil
		})
	}

	srv, ts := newTestServer(t, app)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Connect(ctx, ts.URL, app, quiet)
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer c.Close()

	sv := got.wait(t, ServerSide)
	cv := got.wait(t, ClientSide)
	if sv != cv {
		t.Errorf("server value %v != client value %v", sv, cv)
	}
	if srv.Registry() == nil || srv.Transport() == nil {
		t.Error("accessors should return the running components")
	}
}

func TestServerHandler(t *testing.T) {
	srv := New(func(*Context) {}, Config{Logger: discard})
	defer srv.Shutdown(context.Background())

	if srv.Handler() != srv {
		t.Error("Handler() should return the server itself")
	}
}
