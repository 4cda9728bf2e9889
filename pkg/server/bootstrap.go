package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/vango-dev/duet/pkg/protocol"
	"github.com/vango-dev/duet/pkg/session"
)

// handleBootstrap creates a session, waits for its prerender and returns
// the bootstrap payload for client 0.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	_, b, err := s.sessions.Create(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeBootstrap(w, r, b)
}

// handleAttach adds a client to a shared session.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxMessageSize)
	if err := r.ParseForm(); err != nil {
		s.fail(w, r, formError(err))
		return
	}
	id := r.Form.Get(protocol.FieldSessionID)
	if id == "" {
		s.fail(w, r, ErrMissingSessionID)
		return
	}

	sess, err := s.sessions.Resume(r.Context(), id)
	if err != nil {
		s.fail(w, r, &RequestError{SessionID: id, Op: "attach", Err: err})
		return
	}
	_, b, err := sess.Attach(r.Context())
	if err != nil {
		s.fail(w, r, &RequestError{SessionID: id, Op: "attach", Err: err})
		return
	}
	s.writeBootstrap(w, r, b)
}

func (s *Server) writeBootstrap(w http.ResponseWriter, r *http.Request, b *protocol.Bootstrap) {
	data, err := protocol.EncodeBootstrap(b)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	noStore(w)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// opened is a client message that reached its session.
type opened struct {
	session *session.Session
	client  *session.Client
	message protocol.Message

	// ack is the id of the next server message the client expects.
	ack uint64
}

// open decodes the first message of a request or connection and finds the
// session and client it belongs to, restoring the session when needed.
func (s *Server) open(ctx context.Context, v url.Values) (*opened, error) {
	id := v.Get(protocol.FieldSessionID)
	if id == "" {
		return nil, ErrMissingSessionID
	}

	sess, err := s.sessions.Resume(ctx, id)
	if err != nil {
		return nil, &RequestError{SessionID: id, Op: "resume", Err: err}
	}

	m, err := protocol.DecodeForm(v, 0)
	if err != nil {
		if !errors.Is(err, protocol.ErrInvalidMessage) {
			err = fmt.Errorf("%w: %v", protocol.ErrInvalidMessage, err)
		}
		return nil, &RequestError{SessionID: id, Op: "decode", Err: err}
	}
	ack, hasAck, err := protocol.DecodeAck(v)
	if err != nil {
		return nil, &RequestError{SessionID: id, Op: "decode", Err: err}
	}

	c, err := sess.ClientFor(ctx, m.ClientID, m.MessageID, ack)
	if err != nil {
		return nil, &RequestError{SessionID: id, Op: "client", Err: err}
	}
	if !hasAck {
		ack = c.NextOutgoing()
	}
	if !c.CanRecover(ack) {
		return nil, &RequestError{SessionID: id, Op: "recover", Err: ErrHistoryLost}
	}
	return &opened{session: sess, client: c, message: m, ack: ack}, nil
}
