package protocol

import (
	"errors"
	"fmt"
)

// Protocol errors.
var (
	ErrInvalidMessage  = errors.New("protocol: invalid message")
	ErrMessageTooLarge = errors.New("protocol: message too large")
	ErrTooManyEvents   = errors.New("protocol: too many events in message")
	ErrInvalidArchive  = errors.New("protocol: invalid archive")
)

// CloseReason explains why a connection was asked to close.
type CloseReason uint8

const (
	CloseNormal         CloseReason = 0x00 // Normal closure
	CloseGoingAway      CloseReason = 0x01 // Server shutting down
	CloseSessionExpired CloseReason = 0x02 // Session destroyed or timed out
	CloseInvalidMessage CloseReason = 0x03 // Client sent malformed or untrusted data
	CloseServerError    CloseReason = 0x04 // Internal server error
	CloseLimitExceeded  CloseReason = 0x05 // Too many sessions
)

// String returns the string representation of the close reason.
func (cr CloseReason) String() string {
	switch cr {
	case CloseNormal:
		return "Normal"
	case CloseGoingAway:
		return "GoingAway"
	case CloseSessionExpired:
		return "SessionExpired"
	case CloseInvalidMessage:
		return "InvalidMessage"
	case CloseServerError:
		return "ServerError"
	case CloseLimitExceeded:
		return "LimitExceeded"
	default:
		return "Unknown"
	}
}

// closeCodeBase offsets reasons into the WebSocket private close code range.
const closeCodeBase = 4000

// CloseCode returns the WebSocket close code carrying the reason.
func (cr CloseReason) CloseCode() int {
	if cr == CloseNormal {
		return 1000
	}
	return closeCodeBase + int(cr)
}

// Fatal reports whether a client receiving the reason must give up on its
// session rather than reconnect.
func (cr CloseReason) Fatal() bool {
	switch cr {
	case CloseSessionExpired, CloseInvalidMessage, CloseLimitExceeded:
		return true
	default:
		return false
	}
}

// CloseReasonFromCode maps a WebSocket close code back to a reason.
func CloseReasonFromCode(code int) (CloseReason, error) {
	if code == 1000 {
		return CloseNormal, nil
	}
	cr := CloseReason(code - closeCodeBase)
	if code <= closeCodeBase || cr > CloseLimitExceeded {
		return 0, fmt.Errorf("%w: close code %d", ErrInvalidMessage, code)
	}
	return cr, nil
}
