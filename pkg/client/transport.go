package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vango-dev/duet/pkg/protocol"
)

const (
	// writeWait bounds a single frame or control write.
	writeWait = 10 * time.Second

	// maxInflight bounds concurrent POST requests.
	maxInflight = 4
)

// errGoingAway means the server archived the session for a restart; the
// next connection restores it.
var errGoingAway = errors.New("client: server going away")

// run keeps a transport connected until the client finishes. WebSocket is
// tried first; after a failure the client polls over POST instead.
func (c *Client) run(ctx context.Context) {
	useWS := !c.config.DisableWebSocket

	for {
		var err error
		if useWS {
			err = c.serveWebSocket(ctx)
		} else {
			err = c.servePost(ctx)
		}
		if ctx.Err() != nil || c.finished() {
			return
		}

		switch {
		case err == nil:
			c.finish(nil)
			return
		case errors.Is(err, errGoingAway):
			c.logger.Debug("server going away, reconnecting")
			if !sleepWithContext(ctx, c.config.RetryMinBackoff) {
				return
			}
			continue
		}

		if t := terminal(err); t != nil {
			c.finish(t)
			return
		}

		n := int(c.failures.Add(1))
		if n >= c.config.MaxFailures {
			c.finish(fmt.Errorf("%w: %v", ErrTransportFailed, err))
			return
		}
		if useWS {
			c.logger.Info("websocket failed, falling back to post", "error", err)
			useWS = false
		} else {
			c.logger.Warn("post failed", "attempt", n, "error", err)
		}
		if !sleepWithContext(ctx, c.backoff(n)) {
			return
		}
	}
}

// backoff returns the wait after the n-th consecutive failure.
func (c *Client) backoff(n int) time.Duration {
	d := c.config.RetryMinBackoff
	for i := 1; i < n && d < c.config.RetryMaxBackoff; i++ {
		d *= 2
	}
	if d > c.config.RetryMaxBackoff {
		d = c.config.RetryMaxBackoff
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// endpoint returns the transport URL with suffix appended.
func (c *Client) endpoint(suffix string) string {
	return strings.TrimSuffix(c.config.URL, "/") + c.config.Path + suffix
}

// serveWebSocket runs one WebSocket connection. It returns nil when the
// server closed it normally.
func (c *Client) serveWebSocket(ctx context.Context) error {
	c.resend()
	open := c.cutMessage(nil)
	ack := c.ack()

	v, err := protocol.EncodeForm(c.address(open))
	if err != nil {
		return err
	}
	protocol.SetAck(v, ack)

	u, err := url.Parse(c.endpoint("/ws"))
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = v.Encode()

	conn, resp, err := c.config.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return &StatusError{StatusCode: resp.StatusCode, Op: "websocket"}
		}
		return err
	}
	defer conn.Close()

	c.setTransport("ws")
	defer c.setTransport("")
	c.logger.Debug("websocket connected", "message_id", open.MessageID, "ack", ack)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return c.readLoop(conn, ack)
	})
	g.Go(func() error {
		return c.writeLoop(gctx, conn, open.MessageID)
	})
	g.Go(func() error {
		// Unblocks the reader when the client finishes.
		<-gctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		return conn.Close()
	})

	err = g.Wait()
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == protocol.CloseGoingAway.CloseCode() {
		return errGoingAway
	}
	return err
}

func (c *Client) readLoop(conn *websocket.Conn, ack uint64) error {
	conn.SetReadLimit(protocol.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	next := ack
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		m, err := protocol.Decode(data, next)
		if err != nil {
			return err
		}
		next = m.MessageID + 1

		if err := c.receive(m); err != nil {
			return err
		}
	}
}

// writeLoop sends every message the server may be missing, then each new
// one as it is cut. open travelled in the upgrade request.
func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, open uint64) error {
	prev := open
	for {
		for _, m := range c.takeUnsent() {
			if m.MessageID == open {
				continue
			}
			data, err := protocol.Encode(m, prev+1)
			if err != nil {
				return err
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
			prev = m.MessageID
		}

		select {
		case <-c.sent:
		case <-ctx.Done():
			return nil
		}
	}
}

// servePost polls over POST until a request fails. Every request carries
// one message and may return one; an empty message keeps a poll open while
// nothing else is in flight.
func (c *Client) servePost(ctx context.Context) error {
	c.resend()
	c.setTransport("post")
	defer c.setTransport("")

	var (
		sem      = semaphore.NewWeighted(maxInflight)
		inflight atomic.Int32
		returned = make(chan struct{}, 1)
	)
	g, gctx := errgroup.WithContext(ctx)
	send := func(m protocol.Message) bool {
		if err := sem.Acquire(gctx, 1); err != nil {
			return false
		}
		inflight.Add(1)
		g.Go(func() error {
			defer func() {
				inflight.Add(-1)
				sem.Release(1)
				select {
				case returned <- struct{}{}:
				default:
				}
			}()
			return c.post(gctx, m)
		})
		return true
	}

	g.Go(func() error {
		for {
			// Messages left unsent here are resent by the next transport.
			for _, m := range c.takeUnsent() {
				if !send(m) {
					return nil
				}
			}
			if inflight.Load() == 0 && !send(c.cutPoll()) {
				return nil
			}

			select {
			case <-c.sent:
			case <-returned:
			case <-gctx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// post sends m and hands the server's answer, if any, to receive.
func (c *Client) post(ctx context.Context, m protocol.Message) error {
	ack := c.ack()
	v, err := protocol.EncodeForm(c.address(m))
	if err != nil {
		return err
	}
	protocol.SetAck(v, ack)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(""), strings.NewReader(v.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Op: "post"}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, protocol.MaxMessageSize))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	reply, err := protocol.Decode(data, ack)
	if err != nil {
		return err
	}
	return c.receive(reply)
}
