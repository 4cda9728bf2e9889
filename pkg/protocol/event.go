package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ChannelID identifies a channel on the wire. The sign carries the fencing
// bit; see the package documentation.
type ChannelID int64

// Fenced reports whether the id is in its negated (fenced) form.
func (id ChannelID) Fenced() bool {
	return id < 0
}

// Abs returns the channel identity with the fencing bit cleared.
func (id ChannelID) Abs() ChannelID {
	if id < 0 {
		return -id
	}
	return id
}

// Fence returns the fenced form of the id.
func (id ChannelID) Fence() ChannelID {
	return -id.Abs()
}

// String returns the decimal form of the id.
func (id ChannelID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Failure describes why an event carries an error instead of a value.
type Failure struct {
	// Plain is set when the rejection value is not an error (wire tag 1).
	Plain bool

	// Type names the error type to reconstitute when Plain is false.
	Type string
}

// Event is one entry of a message's event list.
type Event struct {
	// Channel is the addressed channel id. Zero for marker entries.
	Channel ChannelID

	// Value is the JSON value, or the serialized error when Failure is set.
	// Nil means the event has no value.
	Value json.RawMessage

	// Failure is non-nil for error deliveries.
	Failure *Failure

	// Marker, when non-nil, makes this entry a server open-channel marker.
	Marker *bool
}

// NewEvent creates a value event from an already encoded JSON value.
func NewEvent(id ChannelID, value json.RawMessage) Event {
	return Event{Channel: id, Value: value}
}

// NewCloseEvent creates a value-less event.
func NewCloseEvent(id ChannelID) Event {
	return Event{Channel: id}
}

// NewFailureEvent creates an error event.
func NewFailureEvent(id ChannelID, value json.RawMessage, f Failure) Event {
	return Event{Channel: id, Value: value, Failure: &f}
}

// NewMarker creates an open-server-channel marker entry.
func NewMarker(open bool) Event {
	return Event{Marker: &open}
}

// IsMarker reports whether the entry is a marker.
func (e Event) IsMarker() bool {
	return e.Marker != nil
}

// HasValue reports whether the event carries a value or error payload.
func (e Event) HasValue() bool {
	return e.Value != nil || e.Failure != nil
}

// WithChannel returns a copy of the event addressed to id.
func (e Event) WithChannel(id ChannelID) Event {
	e.Channel = id
	return e
}

// Equal reports whether two events encode identically.
func (e Event) Equal(o Event) bool {
	a, err1 := e.MarshalJSON()
	b, err2 := o.MarshalJSON()
	return err1 == nil && err2 == nil && bytes.Equal(a, b)
}

// MarshalJSON encodes the event as a tuple, or a marker as a boolean.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Marker != nil {
		if *e.Marker {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	}
	if e.Channel == 0 {
		return nil, fmt.Errorf("%w: channel id 0 is reserved", ErrInvalidMessage)
	}
	if e.Channel == math.MinInt64 {
		return nil, fmt.Errorf("%w: channel id %d out of range", ErrInvalidMessage, e.Channel)
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.WriteString(strconv.FormatInt(int64(e.Channel), 10))
	if e.HasValue() {
		buf.WriteByte(',')
		if e.Value == nil {
			buf.WriteString("null")
		} else {
			buf.Write(e.Value)
		}
	}
	if e.Failure != nil {
		buf.WriteByte(',')
		if e.Failure.Plain {
			buf.WriteByte('1')
		} else {
			tag, err := json.Marshal(e.Failure.Type)
			if err != nil {
				return nil, err
			}
			buf.Write(tag)
		}
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a tuple or marker and validates its shape.
func (e *Event) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "true", "false":
		open := data[0] == 't'
		*e = Event{Marker: &open}
		return nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("%w: event is not an array", ErrInvalidMessage)
	}
	if len(parts) < 1 || len(parts) > 3 {
		return fmt.Errorf("%w: event has %d elements", ErrInvalidMessage, len(parts))
	}

	// MinInt64 has no positive counterpart to fence against.
	id, err := strconv.ParseInt(string(bytes.TrimSpace(parts[0])), 10, 64)
	if err != nil || id == 0 || id == math.MinInt64 {
		return fmt.Errorf("%w: invalid channel id %s", ErrInvalidMessage, parts[0])
	}

	ev := Event{Channel: ChannelID(id)}
	if len(parts) >= 2 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, parts[1]); err != nil {
			return fmt.Errorf("%w: invalid value: %v", ErrInvalidMessage, err)
		}
		ev.Value = json.RawMessage(compact.Bytes())
	}
	if len(parts) == 3 {
		tag := bytes.TrimSpace(parts[2])
		switch {
		case string(tag) == "1":
			ev.Failure = &Failure{Plain: true}
		case len(tag) > 0 && tag[0] == '"':
			var name string
			if err := json.Unmarshal(tag, &name); err != nil {
				return fmt.Errorf("%w: invalid error tag", ErrInvalidMessage)
			}
			ev.Failure = &Failure{Type: name}
		default:
			return fmt.Errorf("%w: invalid error tag %s", ErrInvalidMessage, tag)
		}
	}

	*e = ev
	return nil
}
