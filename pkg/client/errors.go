package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/duet/pkg/protocol"
)

var (
	// ErrSessionExpired is the terminal error of a client whose session the
	// server no longer has.
	ErrSessionExpired = errors.New("client: session expired")

	// ErrClosed is the terminal error of a client closed locally.
	ErrClosed = errors.New("client: closed")

	// ErrDestroyed is the terminal error of a client that destroyed its
	// session.
	ErrDestroyed = errors.New("client: session destroyed")

	// ErrTransportFailed wraps the last error once MaxFailures consecutive
	// transport attempts have failed.
	ErrTransportFailed = errors.New("client: transport failed")
)

// StatusError is a non-200 answer from the server.
type StatusError struct {
	StatusCode int
	Op         string
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("client: %s: http %d", e.Op, e.StatusCode)
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// terminal returns the error a client ends with when err means its session
// cannot be continued, or nil when the transport may be retried.
func terminal(err error) error {
	var se *StatusError
	if errors.As(err, &se) {
		if se.StatusCode == http.StatusGone {
			return fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
		if !se.Retryable() {
			return err
		}
		return nil
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		reason, rerr := protocol.CloseReasonFromCode(ce.Code)
		if rerr != nil || !reason.Fatal() {
			return nil
		}
		if reason == protocol.CloseSessionExpired {
			return fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
		return err
	}
	return nil
}
