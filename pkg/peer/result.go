package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/vango-dev/duet/pkg/protocol"
)

// Result is the settled outcome of a promise or one stream event.
type Result struct {
	Value json.RawMessage
	Err   error
}

// Failed reports whether the result carries an error.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Decode unmarshals the value into v, or returns the failure.
func (r Result) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	if len(r.Value) == 0 {
		return nil
	}
	return json.Unmarshal(r.Value, v)
}

// Operation produces the value of a promise on the side that owns it.
type Operation func(ctx context.Context) (any, error)

type failurePayload struct {
	Message string `json:"message"`
}

// messenger lets an error choose the message that travels with its type.
type messenger interface {
	ErrorMessage() string
}

// ErrorMessage returns the reason alone so the remote side rebuilds the
// same error.
func (e *DisconnectedError) ErrorMessage() string { return e.Reason }

// encodeOutcome turns a local outcome into the event both sides settle with.
func encodeOutcome(id protocol.ChannelID, v any, err error) protocol.Event {
	if err != nil {
		return encodeFailure(id, err)
	}
	if v == nil {
		return protocol.NewCloseEvent(id)
	}
	raw, mErr := marshalValue(v)
	if mErr != nil {
		return encodeFailure(id, mErr)
	}
	return protocol.NewEvent(id, raw)
}

func encodeFailure(id protocol.ChannelID, err error) protocol.Event {
	var rej *rejection
	if errors.As(err, &rej) {
		raw, mErr := marshalValue(rej.value)
		if mErr != nil {
			raw = json.RawMessage("null")
		}
		return protocol.NewFailureEvent(id, raw, protocol.Failure{Plain: true})
	}
	var rv *RejectedValue
	if errors.As(err, &rv) {
		return protocol.NewFailureEvent(id, rv.Value, protocol.Failure{Plain: true})
	}

	message := err.Error()
	var m messenger
	if errors.As(err, &m) {
		message = m.ErrorMessage()
	}
	if re, ok := err.(*RemoteError); ok {
		message = re.Message
	}
	raw, _ := json.Marshal(failurePayload{Message: message})
	return protocol.NewFailureEvent(id, raw, protocol.Failure{Type: remoteType(err)})
}

func remoteType(err error) string {
	if re, ok := err.(*RemoteError); ok {
		return re.Type
	}
	return errorTypeName(err)
}

// decodeOutcome turns a received event into a result.
func decodeOutcome(ev protocol.Event) Result {
	if ev.Failure == nil {
		return Result{Value: ev.Value}
	}
	if ev.Failure.Plain {
		value := ev.Value
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		return Result{Err: &RejectedValue{Value: value}}
	}

	var payload failurePayload
	if len(ev.Value) > 0 {
		if err := json.Unmarshal(ev.Value, &payload); err != nil {
			payload.Message = string(ev.Value)
		}
	}
	return Result{Err: newRemoteError(ev.Failure.Type, payload.Message)}
}

// marshalValue encodes v and normalizes it so both sides hold byte-identical
// values.
func marshalValue(v any) (json.RawMessage, error) {
	var raw []byte
	switch x := v.(type) {
	case json.RawMessage:
		raw = x
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return normalize(raw)
}

// normalize round-trips raw through the generic JSON model.
func normalize(raw []byte) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return nil, err
	}
	out, err := json.Marshal(x)
	if err != nil {
		return nil, err
	}
	return out, nil
}
