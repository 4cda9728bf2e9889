package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/duet/pkg/protocol"
	"github.com/vango-dev/duet/pkg/sequencer"
	"github.com/vango-dev/duet/pkg/session"
)

// maxCloseText is the longest reason a close frame can carry.
const maxCloseText = 123

var errClosed = errors.New("server: connection closed")

// handleWebSocket serves the WebSocket binding. The query string of the
// upgrade request is the client's first message.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	o, err := s.open(r.Context(), r.URL.Query())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		s.logger.Debug("websocket upgrade failed",
			"session_id", o.session.ID,
			"error", err)
		return
	}

	wc := &wsConn{
		server:  s,
		conn:    conn,
		session: o.session,
		client:  o.client,
		logger: s.logger.With(
			"session_id", o.session.ID,
			"client_id", o.client.ID),
	}
	wc.serve(r.Context(), o.message, o.ack)
}

// wsConn is one WebSocket connection bound to a client. The read loop
// feeds Receive and the write loop drains the client's outgoing queue.
type wsConn struct {
	server  *Server
	conn    *websocket.Conn
	session *session.Session
	client  *session.Client
	logger  *slog.Logger

	closeOnce sync.Once
}

func (c *wsConn) serve(ctx context.Context, first protocol.Message, ack uint64) {
	detach := c.client.Attach()
	defer detach()
	defer c.conn.Close()

	c.logger.Debug("websocket connected", "ack", ack)

	if !c.receive(ctx, first) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return c.readLoop(gctx, first.MessageID)
	})
	g.Go(func() error {
		// Unblocks the reader once nothing more will be sent.
		defer c.conn.Close()
		return c.writeLoop(gctx, ack)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errClosed) {
		c.logger.Debug("websocket closed", "error", err)
		return
	}
	c.logger.Debug("websocket closed")
}

// receive hands m to the session. It reports whether the connection should
// stay open.
func (c *wsConn) receive(ctx context.Context, m protocol.Message) bool {
	if err := c.session.Receive(ctx, c.client, m, "ws"); err != nil {
		_, reason := classify(err)
		if reason == protocol.CloseServerError {
			c.logger.Error("receive failed", "message_id", m.MessageID, "error", err)
		}
		c.close(reason, err.Error())
		return false
	}
	if m.Destroy || m.Close {
		c.close(protocol.CloseNormal, "")
		return false
	}
	return true
}

func (c *wsConn) readLoop(ctx context.Context, prev uint64) error {
	cfg := c.server.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.session.Touch()
		return c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.close(protocol.CloseLimitExceeded, protocol.ErrMessageTooLarge.Error())
				return err
			}
			if ctx.Err() != nil || websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errClosed
			}
			// A dropped transport is not a session failure; the client
			// reconnects and acknowledges what it has.
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		m, err := protocol.Decode(data, prev+1)
		if err != nil {
			c.close(protocol.CloseInvalidMessage, err.Error())
			return err
		}
		prev = m.MessageID

		if !c.receive(ctx, m) {
			return errClosed
		}
	}
}

func (c *wsConn) writeLoop(ctx context.Context, ack uint64) error {
	next := ack
	send := func(m protocol.Message) error {
		data, err := protocol.Encode(m, next)
		if err != nil {
			return err
		}
		_ = c.conn.SetWriteDeadline(c.server.deadline())
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
		next = m.MessageID + 1
		if m.Close {
			c.close(protocol.CloseNormal, "")
			return errClosed
		}
		return nil
	}
	drain := func() error {
		for {
			m, ok := c.client.Take()
			if !ok {
				return nil
			}
			if err := send(m); err != nil {
				return err
			}
		}
	}

	for _, m := range c.client.Since(ack) {
		if err := send(m); err != nil {
			return err
		}
	}

	hb := sequencer.StartHeartbeat(c.server.config.HeartbeatInterval, func() {
		if err := c.conn.WriteControl(websocket.PingMessage, nil, c.server.deadline()); err != nil {
			c.logger.Debug("ping failed", "error", err)
		}
	})
	defer hb.Stop()

	for {
		if err := drain(); err != nil {
			return err
		}
		select {
		case <-c.client.Ready():
		case <-c.session.Done():
			if err := drain(); err != nil {
				return err
			}
			reason := doneReason(c.session)
			c.close(reason, c.session.Reason())
			return errClosed
		case <-ctx.Done():
			return nil
		}
	}
}

// close sends a close frame once. Safe to call from either loop.
func (c *wsConn) close(reason protocol.CloseReason, text string) {
	c.closeOnce.Do(func() {
		if len(text) > maxCloseText {
			text = text[:maxCloseText]
		}
		msg := websocket.FormatCloseMessage(reason.CloseCode(), text)
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, c.server.deadline()); err != nil {
			c.logger.Debug("close frame failed", "reason", reason, "error", err)
		}
	})
}
