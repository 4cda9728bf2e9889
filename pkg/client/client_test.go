package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/duet/pkg/peer"
	"github.com/vango-dev/duet/pkg/protocol"
	"github.com/vango-dev/duet/pkg/server"
	"github.com/vango-dev/duet/pkg/session"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// recorder collects promise results seen by the client peer.
type recorder struct {
	mu     sync.Mutex
	values []string
}

func (r *recorder) add(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) has(v string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.values {
		if got == v {
			return true
		}
	}
	return false
}

// echoApp streams values from the client and answers each with a server
// promise.
func echoApp(rec *recorder, values ...string) peer.App {
	return func(dc *peer.Context) {
		_, _ = dc.ClientStream(peer.StreamHandler{
			Open: func(ctx context.Context, send peer.Sender) any {
				go func() {
					for _, v := range values {
						if err := send.Send(v); err != nil {
							return
						}
					}
				}()
				return nil
			},
			Event: func(dc *peer.Context, r peer.Result) {
				v := string(r.Value)
				pr, err := dc.ServerPromise(func(ctx context.Context) (any, error) {
					return "echo " + v, nil
				})
				if err != nil {
					return
				}
				pr.Then(func(dc *peer.Context, r peer.Result) {
					if dc.Side() == peer.Client {
						rec.add(string(r.Value))
					}
				})
			},
		})
	}
}

func newServer(t *testing.T, cfg session.Config, wrap func(http.Handler) http.Handler) (*server.Server, *httptest.Server) {
	t.Helper()
	cfg.Logger = discard
	reg := session.NewRegistry(cfg)
	srv := server.New(reg, server.DefaultConfig().WithDequeueTimeout(200*time.Millisecond))

	var h http.Handler = srv
	if wrap != nil {
		h = wrap(srv)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return srv, ts
}

func testConfig(ts *httptest.Server, app peer.App) Config {
	return Config{
		URL:             ts.URL,
		App:             app,
		Logger:          discard,
		RetryMinBackoff: 10 * time.Millisecond,
		RetryMaxBackoff: 50 * time.Millisecond,
	}
}

func connect(t *testing.T, cfg Config) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Connect(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitDone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not finish")
	}
}

func TestConnect_WebSocketRoundTrip(t *testing.T) {
	rec := &recorder{}
	app := echoApp(rec, "a", "b")
	srv, ts := newServer(t, session.Config{App: app}, nil)

	c := connect(t, testConfig(ts, app))
	require.NotEmpty(t, c.SessionID())
	require.Equal(t, 0, c.ID())
	require.NotNil(t, srv.Sessions().Get(c.SessionID()))

	require.Eventually(t, func() bool {
		return rec.has(`"echo \"a\""`) && rec.has(`"echo \"b\""`)
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "ws", c.Transport())

	require.NoError(t, c.Close())
	waitDone(t, c)
	require.ErrorIs(t, c.Err(), ErrClosed)
}

func TestConnect_PostOnly(t *testing.T) {
	rec := &recorder{}
	app := echoApp(rec, "a", "b", "c")
	_, ts := newServer(t, session.Config{App: app}, nil)

	cfg := testConfig(ts, app)
	cfg.DisableWebSocket = true
	c := connect(t, cfg)

	require.Eventually(t, func() bool {
		return rec.has(`"echo \"a\""`) && rec.has(`"echo \"b\""`) && rec.has(`"echo \"c\""`)
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "post", c.Transport())
}

func TestConnect_FallsBackToPost(t *testing.T) {
	rec := &recorder{}
	app := echoApp(rec, "a")
	noSockets := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/ws") {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	_, ts := newServer(t, session.Config{App: app}, noSockets)

	c := connect(t, testConfig(ts, app))
	require.Eventually(t, func() bool {
		return rec.has(`"echo \"a\""`)
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "post", c.Transport())
}

func TestClient_SessionExpired(t *testing.T) {
	for _, disable := range []bool{false, true} {
		name := "ws"
		if disable {
			name = "post"
		}
		t.Run(name, func(t *testing.T) {
			app := func(dc *peer.Context) {
				_, _ = dc.ServerStream(peer.StreamHandler{})
			}
			srv, ts := newServer(t, session.Config{App: app}, nil)

			cfg := testConfig(ts, app)
			cfg.DisableWebSocket = disable
			c := connect(t, cfg)

			require.Eventually(t, func() bool { return c.Transport() != "" },
				5*time.Second, 10*time.Millisecond)

			sess := srv.Sessions().Get(c.SessionID())
			require.NotNil(t, sess)
			require.NoError(t, sess.Destroy(context.Background(), "test"))

			waitDone(t, c)
			require.ErrorIs(t, c.Err(), ErrSessionExpired)

			var dead error
			require.NoError(t, c.Inspect(context.Background(), func(p *peer.Peer) {
				dead = p.Dead()
			}))
			var de *peer.DisconnectedError
			require.True(t, errors.As(dead, &de), "peer not killed: %v", dead)
		})
	}
}

func TestClient_Destroy(t *testing.T) {
	app := func(dc *peer.Context) {
		_, _ = dc.ServerStream(peer.StreamHandler{})
	}
	srv, ts := newServer(t, session.Config{App: app}, nil)
	c := connect(t, testConfig(ts, app))
	id := c.SessionID()

	require.NoError(t, c.Destroy(context.Background()))
	waitDone(t, c)
	require.ErrorIs(t, c.Err(), ErrDestroyed)

	require.Eventually(t, func() bool { return srv.Sessions().Get(id) == nil },
		5*time.Second, 10*time.Millisecond)
}

func TestClient_SessionRunsToCompletion(t *testing.T) {
	rec := &recorder{}
	app := func(dc *peer.Context) {
		pr, err := dc.ServerPromise(func(ctx context.Context) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return "done", nil
		})
		if err != nil {
			return
		}
		pr.Then(func(dc *peer.Context, r peer.Result) {
			if dc.Side() == peer.Client {
				rec.add(string(r.Value))
			}
		})
	}
	_, ts := newServer(t, session.Config{App: app}, nil)

	c := connect(t, testConfig(ts, app))
	waitDone(t, c)
	require.NoError(t, c.Err())
	require.Eventually(t, func() bool { return rec.has(`"done"`) },
		time.Second, 10*time.Millisecond)
}

func TestAttach(t *testing.T) {
	app := func(dc *peer.Context) {
		_, _ = dc.ServerStream(peer.StreamHandler{})
	}
	_, ts := newServer(t, session.Config{App: app, Sharing: true}, nil)

	a := connect(t, testConfig(ts, app))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := Attach(ctx, testConfig(ts, app), a.SessionID())
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, a.SessionID(), b.SessionID())
	require.Equal(t, 1, b.ID())
	require.Eventually(t, func() bool { return b.Transport() != "" },
		5*time.Second, 10*time.Millisecond)
}

func TestAttach_SharingDisabled(t *testing.T) {
	app := func(dc *peer.Context) {
		_, _ = dc.ServerStream(peer.StreamHandler{})
	}
	_, ts := newServer(t, session.Config{App: app}, nil)
	a := connect(t, testConfig(ts, app))

	_, err := Attach(context.Background(), testConfig(ts, app), a.SessionID())
	var se *StatusError
	require.True(t, errors.As(err, &se), "unexpected error: %v", err)
	require.Equal(t, http.StatusForbidden, se.StatusCode)
	require.False(t, se.Retryable())
}

func TestJoin_RequiresApp(t *testing.T) {
	_, err := Join(context.Background(), Config{Logger: discard}, &protocol.Bootstrap{SessionID: "x"})
	require.Error(t, err)
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    error
		wantNil bool
	}{
		{name: "gone", err: &StatusError{StatusCode: http.StatusGone}, want: ErrSessionExpired},
		{name: "unavailable", err: &StatusError{StatusCode: http.StatusServiceUnavailable}, wantNil: true},
		{name: "too many requests", err: &StatusError{StatusCode: http.StatusTooManyRequests}, wantNil: true},
		{name: "bad request", err: &StatusError{StatusCode: http.StatusBadRequest}},
		{name: "expired close", err: &websocket.CloseError{Code: protocol.CloseSessionExpired.CloseCode()}, want: ErrSessionExpired},
		{name: "invalid close", err: &websocket.CloseError{Code: protocol.CloseInvalidMessage.CloseCode()}},
		{name: "server error close", err: &websocket.CloseError{Code: protocol.CloseServerError.CloseCode()}, wantNil: true},
		{name: "abnormal close", err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, wantNil: true},
		{name: "network", err: errors.New("connection reset"), wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := terminal(tt.err)
			if tt.wantNil {
				require.NoError(t, got)
				return
			}
			require.Error(t, got)
			if tt.want != nil {
				require.ErrorIs(t, got, tt.want)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	c := &Client{config: Config{RetryMinBackoff: 100 * time.Millisecond, RetryMaxBackoff: time.Second}}
	require.Equal(t, 100*time.Millisecond, c.backoff(1))
	require.Equal(t, 200*time.Millisecond, c.backoff(2))
	require.Equal(t, 400*time.Millisecond, c.backoff(3))
	require.Equal(t, time.Second, c.backoff(10))
}
