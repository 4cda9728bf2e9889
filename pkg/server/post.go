package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/vango-dev/duet/pkg/protocol"
	"github.com/vango-dev/duet/pkg/session"
)

// handlePost serves the HTTP binding: one client message in, at most one
// server message out. An empty 200 means nothing arrived within
// DequeueTimeout and the client should post again.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxMessageSize)
	if err := r.ParseForm(); err != nil {
		s.fail(w, r, formError(err))
		return
	}

	o, err := s.open(r.Context(), r.Form)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	detach := o.client.Attach()
	defer detach()
	noStore(w)

	if err := o.session.Receive(r.Context(), o.client, o.message, "post"); err != nil {
		s.fail(w, r, &RequestError{SessionID: o.session.ID, Op: "receive", Err: err})
		return
	}
	if o.message.Destroy {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Retransmit the oldest message the client has not seen.
	if missed := o.client.Since(o.ack); len(missed) > 0 {
		s.respond(w, r, missed[0], o.ack)
		return
	}

	if m, ok := o.client.Dequeue(r.Context(), s.config.DequeueTimeout); ok {
		s.respond(w, r, m, o.ack)
		return
	}

	select {
	case <-o.session.Done():
		if doneReason(o.session) == protocol.CloseSessionExpired {
			s.fail(w, r, &RequestError{SessionID: o.session.ID, Op: "poll", Err: session.ErrSessionDestroyed})
			return
		}
	default:
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, m protocol.Message, ack uint64) {
	if err := writeMessage(w, m, ack); err != nil {
		s.logger.Debug("post response failed",
			"path", r.URL.Path,
			"message_id", m.MessageID,
			"error", err)
	}
}

func formError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: %v", protocol.ErrMessageTooLarge, err)
	}
	return fmt.Errorf("%w: %v", protocol.ErrInvalidMessage, err)
}

// doneReason maps the end of a session to what its clients are told. An
// archived session can be restored on the next request; an exhausted or
// client-destroyed one simply ends.
func doneReason(s *session.Session) protocol.CloseReason {
	switch {
	case s.Archived():
		return protocol.CloseGoingAway
	case s.Reason() == session.ReasonExhausted, s.Reason() == session.ReasonDestroyed:
		return protocol.CloseNormal
	default:
		return protocol.CloseSessionExpired
	}
}
