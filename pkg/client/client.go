package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/duet/pkg/peer"
	"github.com/vango-dev/duet/pkg/protocol"
	"github.com/vango-dev/duet/pkg/sequencer"
)

// Client is the client half of a session: a client peer running App, kept
// in step with the server over WebSocket or POST polling.
type Client struct {
	config Config
	logger *slog.Logger

	sessionID string
	clientID  int

	peer     *peer.Peer
	flusher  *sequencer.Flusher
	history  *sequencer.History
	stopPeer context.CancelFunc

	mu        sync.Mutex
	seq       *sequencer.Sequencer
	pending   []protocol.Event
	unsent    uint64 // first message id not yet handed to a transport
	transport string

	// sent is signalled when a message is cut.
	sent chan struct{}

	failures atomic.Int32

	cancel     context.CancelFunc
	done       chan struct{}
	err        error
	finishOnce sync.Once
}

// Connect creates a new session on the server and joins it as client 0.
func Connect(ctx context.Context, config Config) (*Client, error) {
	config.applyDefaults()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(config.URL, "/")+"/", nil)
	if err != nil {
		return nil, err
	}
	b, err := fetchBootstrap(config.HTTPClient, req, "bootstrap")
	if err != nil {
		return nil, err
	}
	return Join(ctx, config, b)
}

// Attach joins a shared session as a new client.
func Attach(ctx context.Context, config Config, sessionID string) (*Client, error) {
	config.applyDefaults()

	v := url.Values{protocol.FieldSessionID: {sessionID}}
	endpoint := strings.TrimSuffix(config.URL, "/") + config.Path + "/attach"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(v.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	b, err := fetchBootstrap(config.HTTPClient, req, "attach")
	if err != nil {
		return nil, err
	}
	return Join(ctx, config, b)
}

func fetchBootstrap(hc *http.Client, req *http.Request, op string) (*protocol.Bootstrap, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Op: op}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, protocol.MaxMessageSize))
	if err != nil {
		return nil, err
	}
	return protocol.DecodeBootstrap(data)
}

// Join starts a client from a bootstrap payload: App is replayed against
// the bootstrap events, then the client connects for live traffic. A
// session that has nothing left open is finished without connecting.
func Join(ctx context.Context, config Config, b *protocol.Bootstrap) (*Client, error) {
	config.applyDefaults()
	if config.App == nil {
		return nil, errors.New("client: config has no App")
	}

	c := &Client{
		config:    config,
		sessionID: b.SessionID,
		clientID:  b.ClientID,
		history:   sequencer.NewHistory(config.HistorySize),
		seq:       sequencer.New(),
		sent:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		logger: config.Logger.With(
			"component", "client",
			"session_id", b.SessionID,
			"client_id", b.ClientID),
	}
	c.peer = peer.New(peer.Config{
		Side:        peer.Client,
		Logger:      config.Logger,
		Source:      config.Source,
		AfterTurn:   c.afterTurn,
		OnUnhandled: config.OnUnhandled,
	})
	c.flusher = sequencer.NewFlusher(c.peer.Post, c.cut)

	runCtx, stop := context.WithCancel(context.Background())
	c.stopPeer = stop
	go func() { _ = c.peer.Run(runCtx) }()

	tctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	var (
		rerr     error
		finished bool
	)
	err := c.peer.Do(ctx, func() {
		rerr = c.peer.Replay(config.App, b.Events, nil)
		finished = c.peer.Exhausted() && !c.peer.ServerOpen()
	})
	if err == nil {
		err = rerr
	}
	if err != nil {
		c.finish(err)
		c.stop()
		return nil, fmt.Errorf("client: bootstrap: %w", err)
	}

	if finished {
		c.logger.Debug("session exhausted at bootstrap")
		c.finish(nil)
		return c, nil
	}

	go c.run(tctx)
	return c, nil
}

// SessionID returns the session the client belongs to.
func (c *Client) SessionID() string {
	return c.sessionID
}

// ID returns the client id within its session.
func (c *Client) ID() int {
	return c.clientID
}

// Done is closed when the client has finished, either because the session
// ended or because the client gave up.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the client finished: nil for a session that ran to
// completion. It must only be called after Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Transport names the binding in use: "ws", "post" or "" when not
// connected.
func (c *Client) Transport() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

func (c *Client) setTransport(name string) {
	c.mu.Lock()
	c.transport = name
	c.mu.Unlock()
}

// Inspect runs fn on the peer loop and waits for it.
func (c *Client) Inspect(ctx context.Context, fn func(p *peer.Peer)) error {
	return c.peer.Do(ctx, func() { fn(c.peer) })
}

// Destroy asks the server to tear the session down and finishes the client
// with ErrDestroyed.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	m := protocol.Message{Events: []protocol.Event{}, MessageID: c.seq.Next(), Destroy: true}
	c.mu.Unlock()

	c.finish(ErrDestroyed)
	return c.post(ctx, m)
}

// Close finishes the client with ErrClosed and stops its peer. The server
// keeps the session until it is swept.
func (c *Client) Close() error {
	c.finish(ErrClosed)
	c.stop()
	return nil
}

// stop waits for queued loop work, including the kill posted by finish,
// then stops the peer.
func (c *Client) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.peer.Do(ctx, func() {})
	c.peer.Stop()
	c.stopPeer()
}

// finish ends the client once. A non-nil err disconnects every open
// channel of the peer.
func (c *Client) finish(err error) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.transport = ""
		c.mu.Unlock()

		c.cancel()
		if err != nil {
			c.peer.Post(func() {
				c.peer.Kill(&peer.DisconnectedError{Reason: err.Error()})
			})
			c.logger.Info("client finished", "error", err)
		} else {
			c.logger.Debug("client finished")
		}
		close(c.done)
	})
}

func (c *Client) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// afterTurn collects the events the peer produced. Loop only.
func (c *Client) afterTurn() {
	out := c.peer.TakeOutbox()
	if len(out) == 0 {
		return
	}
	c.mu.Lock()
	for _, o := range out {
		c.pending = append(c.pending, o.Event)
	}
	c.mu.Unlock()
	c.flusher.Schedule()
}

// cut turns the pending events into the next outgoing message.
func (c *Client) cut() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	events := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.cutMessage(events)
}

// cutMessage numbers a new outgoing message and records it for
// retransmission.
func (c *Client) cutMessage(events []protocol.Event) protocol.Message {
	if events == nil {
		events = []protocol.Event{}
	}

	c.mu.Lock()
	m := protocol.Message{Events: events, MessageID: c.seq.Next()}
	c.history.Add(m)
	c.mu.Unlock()

	select {
	case c.sent <- struct{}{}:
	default:
	}
	return m
}

// cutPoll numbers an empty message that only keeps a POST poll open. It is
// handed straight to the poller rather than through takeUnsent.
func (c *Client) cutPoll() protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := protocol.Message{Events: []protocol.Event{}, MessageID: c.seq.Next()}
	c.history.Add(m)
	if c.unsent == m.MessageID {
		c.unsent++
	}
	return m
}

// takeUnsent returns the messages no transport has sent yet.
func (c *Client) takeUnsent() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.history.Since(c.unsent)
	c.unsent = c.seq.PeekNext()
	return out
}

// resend makes every retained message unsent again. The server discards
// the ones it already has.
func (c *Client) resend() {
	c.mu.Lock()
	c.unsent = 0
	c.mu.Unlock()
}

// ack returns the id of the next server message the client expects.
func (c *Client) ack() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq.Expected()
}

// address adds the session routing fields to a message.
func (c *Client) address(m protocol.Message) protocol.Message {
	m.SessionID = c.sessionID
	m.ClientID = c.clientID
	return m
}

// receive orders a server message and hands every message it completes to
// the peer.
func (c *Client) receive(m protocol.Message) error {
	c.mu.Lock()
	ready, _, err := c.seq.Receive(m)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.failures.Store(0)

	closing := false
	for _, r := range ready {
		r := r
		c.peer.Post(func() {
			if err := c.peer.Deliver(r.Events, peer.Broadcast); err != nil {
				c.logger.Warn("server events rejected", "message_id", r.MessageID, "error", err)
			}
		})
		closing = closing || r.Close
	}
	if closing {
		c.finish(nil)
	}
	return nil
}
