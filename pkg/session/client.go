package session

import (
	"context"
	"sync"
	"time"

	"github.com/vango-dev/duet/pkg/protocol"
	"github.com/vango-dev/duet/pkg/sequencer"
)

// Client is one attached client peer of a session. Each client has its own
// message numbering in both directions and its own retransmission history.
type Client struct {
	ID      int
	session *Session
	history *sequencer.History

	mu       sync.Mutex
	seq      *sequencer.Sequencer
	pending  []protocol.Event
	noJS     bool
	closing  bool
	closed   bool
	attached int
	lastSeen time.Time

	ready chan struct{}
}

func newClient(s *Session, id int) *Client {
	return &Client{
		ID:       id,
		session:  s,
		history:  sequencer.NewHistory(s.config.HistorySize),
		seq:      sequencer.New(),
		lastSeen: time.Now(),
		ready:    make(chan struct{}, 1),
	}
}

// Session returns the owning session.
func (c *Client) Session() *Session {
	return c.session
}

// Capable reports whether the client runs client channels.
func (c *Client) Capable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.noJS
}

// Expected returns the id of the next message the client must send.
func (c *Client) Expected() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq.Expected()
}

// NextOutgoing returns the id the next message to the client will carry.
func (c *Client) NextOutgoing() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq.PeekNext()
}

// Ready is signalled when events may be waiting. Transports select on it
// and then call Take.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Attach records a transport using the client. The returned func detaches
// it; the idle timeout of the session restarts from the detach.
func (c *Client) Attach() (detach func()) {
	c.mu.Lock()
	c.attached++
	c.lastSeen = time.Now()
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.attached--
			c.lastSeen = time.Now()
			c.mu.Unlock()
			c.session.Touch()
		})
	}
}

// Connected reports whether any transport is attached.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached > 0
}

// notify never blocks, so it is safe with or without c.mu held.
func (c *Client) notify() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// enqueue adds events bound for the client. Loop only.
func (c *Client) enqueue(events []protocol.Event) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	c.pending = append(c.pending, events...)
	c.mu.Unlock()
	c.notify()
}

// startClosing makes the next message carry the close flag. It reports
// whether the client already has nothing left to receive.
func (c *Client) startClosing() (idle bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closing = true
	if len(c.pending) == 0 && c.attached == 0 {
		c.closed = true
	}
	idle = c.closed
	if !idle {
		c.notify()
	}
	return idle
}

// Take cuts the pending events into the next outgoing message and records
// it for retransmission. It reports false when there is nothing to send.
func (c *Client) Take() (protocol.Message, bool) {
	c.mu.Lock()
	if len(c.pending) == 0 && (!c.closing || c.closed) {
		c.mu.Unlock()
		return protocol.Message{}, false
	}

	m := protocol.Message{Events: c.pending, MessageID: c.seq.Next()}
	if m.Events == nil {
		m.Events = []protocol.Event{}
	}
	c.pending = nil
	closed := false
	if c.closing {
		m.Close = true
		c.closed = true
		closed = true
	}
	c.mu.Unlock()

	c.history.Add(m)
	c.session.config.Observer.MessageSent(c.session, c, m)
	if closed {
		c.session.clientClosed()
	}
	return m, true
}

// Dequeue waits up to timeout for a message to send. It reports false when
// the wait timed out, ctx ended or the session was destroyed.
func (c *Client) Dequeue(ctx context.Context, timeout time.Duration) (protocol.Message, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if m, ok := c.Take(); ok {
			return m, true
		}
		select {
		case <-c.ready:
		case <-timer.C:
			return protocol.Message{}, false
		case <-ctx.Done():
			return protocol.Message{}, false
		case <-c.session.Done():
			if m, ok := c.Take(); ok {
				return m, true
			}
			return protocol.Message{}, false
		}
	}
}

// Since returns the already sent messages with an id of at least ack, for
// retransmission after a reconnect.
func (c *Client) Since(ack uint64) []protocol.Message {
	return c.history.Since(ack)
}

// CanRecover reports whether every message from ack on can still be
// retransmitted.
func (c *Client) CanRecover(ack uint64) bool {
	return c.history.CanRecover(ack)
}

// resume continues numbering for a client rebuilt after unarchival: the
// first message it sends is next expected, and ack is the next id it
// expects from us.
func (c *Client) resume(first, ack uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq.Reseed(first)
	c.seq.SetNext(ack)
}

// receive runs an incoming message through the sequencer. Loop only.
func (c *Client) receive(m protocol.Message) ([]protocol.Message, sequencer.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSeen = time.Now()
	if m.NoJavaScript {
		c.noJS = true
	}
	return c.seq.Receive(m)
}
