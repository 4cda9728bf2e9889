package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/vango-dev/duet/pkg/peer"
	"github.com/vango-dev/duet/pkg/protocol"
	"github.com/vango-dev/duet/pkg/sequencer"
	"github.com/vango-dev/duet/pkg/session"
)

// Sentinel errors for request handling.
var (
	// ErrMissingSessionID is returned when a transport request names no session.
	ErrMissingSessionID = errors.New("server: missing session id")

	// ErrHistoryLost is returned when a client acknowledges a message that is
	// no longer retained for retransmission.
	ErrHistoryLost = errors.New("server: message history lost")
)

// RequestError wraps an error with the session and operation it occurred in.
type RequestError struct {
	SessionID string
	Op        string // Operation that failed
	Err       error  // Underlying error
}

// Error returns the error message with session context.
func (e *RequestError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// classify maps a request error to its HTTP status and WebSocket close
// reason. 410 Gone tells a client its session cannot be continued.
func classify(err error) (int, protocol.CloseReason) {
	var schema *peer.SchemaValidationError
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrSessionDestroyed),
		errors.Is(err, session.ErrUnknownClient),
		errors.Is(err, ErrHistoryLost):
		return http.StatusGone, protocol.CloseSessionExpired
	case errors.Is(err, session.ErrSharingDisabled):
		return http.StatusForbidden, protocol.CloseInvalidMessage
	case errors.Is(err, session.ErrMaxSessionsReached):
		return http.StatusServiceUnavailable, protocol.CloseLimitExceeded
	case errors.Is(err, session.ErrRegistryStopped):
		return http.StatusServiceUnavailable, protocol.CloseGoingAway
	case errors.Is(err, ErrMissingSessionID),
		errors.Is(err, protocol.ErrInvalidMessage),
		errors.Is(err, protocol.ErrMessageTooLarge),
		errors.Is(err, protocol.ErrTooManyEvents),
		errors.Is(err, sequencer.ErrReorderOverflow),
		errors.As(err, &schema):
		return http.StatusBadRequest, protocol.CloseInvalidMessage
	default:
		return http.StatusInternalServerError, protocol.CloseServerError
	}
}
