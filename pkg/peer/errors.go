package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/vango-dev/duet/pkg/protocol"
)

// ErrStreamClosed is returned by Stream.Send after the stream has closed.
var ErrStreamClosed = errors.New("peer: stream closed")

// DisconnectedError settles every pending channel when the peer dies, and is
// returned by any creation primitive afterwards.
type DisconnectedError struct {
	Reason string
}

// Error implements error.
func (e *DisconnectedError) Error() string {
	if e.Reason == "" {
		return "peer: disconnected"
	}
	return "peer: disconnected: " + e.Reason
}

// InvalidContextError is returned when a primitive that needs a dispatch
// context is used after its turn ended.
type InvalidContextError struct {
	Op string
}

// Error implements error.
func (e *InvalidContextError) Error() string {
	return fmt.Sprintf("peer: %s called outside of a dispatch context", e.Op)
}

// SchemaValidationError reports an incoming value rejected by a channel's
// validator. The receiving session is destroyed.
type SchemaValidationError struct {
	Channel protocol.ChannelID
	Value   json.RawMessage
	Err     error
}

// Error implements error.
func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("peer: channel %d: value failed validation: %v", e.Channel, e.Err)
}

// Unwrap returns the validator's error.
func (e *SchemaValidationError) Unwrap() error {
	return e.Err
}

// SplitBrainWarning reports a coordinated value generated locally because
// the expected peer value was missing. Execution continues.
type SplitBrainWarning struct {
	Channel protocol.ChannelID
	Side    Side
}

// Error implements error.
func (e *SplitBrainWarning) Error() string {
	return fmt.Sprintf("peer: coordinated value %d generated locally on %s", e.Channel, e.Side)
}

// RemoteError is a failure of a type this peer has not registered.
type RemoteError struct {
	Type    string
	Message string
}

// Error implements error.
func (e *RemoteError) Error() string {
	return e.Type + ": " + e.Message
}

// RejectedValue is a failure carrying a plain value instead of an error.
type RejectedValue struct {
	Value json.RawMessage
}

// Error implements error.
func (e *RejectedValue) Error() string {
	return "peer: rejected with " + string(e.Value)
}

// Decode unmarshals the rejected value into v.
func (e *RejectedValue) Decode(v any) error {
	return json.Unmarshal(e.Value, v)
}

type rejection struct {
	value any
}

func (r *rejection) Error() string {
	return fmt.Sprintf("peer: rejected with %v", r.value)
}

// Reject returns an error that settles a channel with v as a plain failure
// value. The receiving side observes it as *RejectedValue.
func Reject(v any) error {
	return &rejection{value: v}
}

// Typed is implemented by errors that name their own wire type.
type Typed interface {
	ErrorType() string
}

// defaultErrorType names errors with no registration.
const defaultErrorType = "Error"

var errorTypes = struct {
	sync.RWMutex
	byName map[string]func(message string) error
	byType map[reflect.Type]string
}{
	byName: map[string]func(string) error{
		defaultErrorType: func(message string) error { return errors.New(message) },
	},
	byType: map[reflect.Type]string{},
}

// RegisterErrorType makes failures named name decode through fn. The Go type
// of fn's result is also mapped back to name when encoding.
func RegisterErrorType(name string, fn func(message string) error) {
	errorTypes.Lock()
	defer errorTypes.Unlock()

	errorTypes.byName[name] = fn
	if sample := fn(""); sample != nil {
		errorTypes.byType[reflect.TypeOf(sample)] = name
	}
}

func errorTypeName(err error) string {
	var typed Typed
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}

	errorTypes.RLock()
	defer errorTypes.RUnlock()
	if name, ok := errorTypes.byType[reflect.TypeOf(err)]; ok {
		return name
	}
	return defaultErrorType
}

func newRemoteError(name, message string) error {
	errorTypes.RLock()
	fn, ok := errorTypes.byName[name]
	errorTypes.RUnlock()
	if ok {
		return fn(message)
	}
	return &RemoteError{Type: name, Message: message}
}

// ErrorType names DisconnectedError on the wire.
func (e *DisconnectedError) ErrorType() string { return "DisconnectedError" }

func init() {
	RegisterErrorType("DisconnectedError", func(message string) error {
		return &DisconnectedError{Reason: message}
	})
}
