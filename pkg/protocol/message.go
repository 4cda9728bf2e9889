package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message is an ordered batch of events plus routing metadata.
type Message struct {
	Events    []Event
	MessageID uint64

	// Close requests an orderly shutdown after this round trip.
	Close bool

	// Destroy requests hard session teardown. Client to server only.
	Destroy bool

	ClientID  int
	SessionID string

	// NoJavaScript marks a client that cannot execute client channels.
	NoJavaScript bool
}

// compact reports whether the message can use the events-only form.
func (m *Message) compact(defaultMessageID uint64) bool {
	return m.MessageID == defaultMessageID &&
		!m.Close && !m.Destroy && !m.NoJavaScript &&
		m.ClientID == 0 && m.SessionID == ""
}

type messageJSON struct {
	Events       []Event `json:"events"`
	MessageID    *uint64 `json:"messageID,omitempty"`
	Close        bool    `json:"close,omitempty"`
	Destroy      bool    `json:"destroy,omitempty"`
	ClientID     int     `json:"clientID,omitempty"`
	SessionID    string  `json:"sessionID,omitempty"`
	NoJavaScript bool    `json:"noJavaScript,omitempty"`
}

// EncodeEvents returns the comma-joined tuple form of events.
func EncodeEvents(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	for i, ev := range events {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := ev.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// Encode encodes a message. When the message carries nothing but events and
// its id equals defaultMessageID, only the joined tuples are emitted.
func Encode(m Message, defaultMessageID uint64) ([]byte, error) {
	if m.compact(defaultMessageID) {
		return EncodeEvents(m.Events)
	}

	events := m.Events
	if events == nil {
		events = []Event{}
	}
	id := m.MessageID
	return json.Marshal(messageJSON{
		Events:       events,
		MessageID:    &id,
		Close:        m.Close,
		Destroy:      m.Destroy,
		ClientID:     m.ClientID,
		SessionID:    m.SessionID,
		NoJavaScript: m.NoJavaScript,
	})
}

// DecodeEvents parses the compact tuple form or a bracketed event array.
func DecodeEvents(data []byte) ([]Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return []Event{}, nil
	}

	wrapped := make([]byte, 0, len(data)+2)
	wrapped = append(wrapped, '[')
	wrapped = append(wrapped, data...)
	wrapped = append(wrapped, ']')

	events, err := decodeEventArray(wrapped)
	if err != nil && data[0] == '[' {
		// Already bracketed: [[1,2],[3]]
		if alt, altErr := decodeEventArray(data); altErr == nil {
			return alt, nil
		}
	}
	return events, err
}

func decodeEventArray(data []byte) ([]Event, error) {
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, err
	}
	if len(events) > MaxEventsPerMessage {
		return nil, fmt.Errorf("%w: %d events", ErrTooManyEvents, len(events))
	}
	if events == nil {
		events = []Event{}
	}
	return events, nil
}

// Decode parses either wire form. A missing messageID defaults to
// defaultMessageID.
func Decode(data []byte, defaultMessageID uint64) (Message, error) {
	if len(data) > MaxMessageSize {
		return Message{}, ErrMessageTooLarge
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		events, err := DecodeEvents(trimmed)
		if err != nil {
			return Message{}, err
		}
		return Message{Events: events, MessageID: defaultMessageID}, nil
	}

	var mj messageJSON
	if err := json.Unmarshal(trimmed, &mj); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(mj.Events) > MaxEventsPerMessage {
		return Message{}, fmt.Errorf("%w: %d events", ErrTooManyEvents, len(mj.Events))
	}

	m := Message{
		Events:       mj.Events,
		MessageID:    defaultMessageID,
		Close:        mj.Close,
		Destroy:      mj.Destroy,
		ClientID:     mj.ClientID,
		SessionID:    mj.SessionID,
		NoJavaScript: mj.NoJavaScript,
	}
	if m.Events == nil {
		m.Events = []Event{}
	}
	if mj.MessageID != nil {
		m.MessageID = *mj.MessageID
	}
	return m, nil
}

// Bootstrap primes a client without a network round trip. It is embedded in
// the initial page and returned by the bootstrap endpoint.
type Bootstrap struct {
	SessionID string      `json:"sessionID"`
	ClientID  int         `json:"clientID,omitempty"`
	Events    []Event     `json:"events,omitempty"`
	Channels  []ChannelID `json:"channels,omitempty"`
}

// EncodeBootstrap encodes a bootstrap payload.
func EncodeBootstrap(b *Bootstrap) ([]byte, error) {
	return json.Marshal(b)
}

// DecodeBootstrap decodes a bootstrap payload.
func DecodeBootstrap(data []byte) (*Bootstrap, error) {
	var b Bootstrap
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: bootstrap: %v", ErrInvalidMessage, err)
	}
	if b.SessionID == "" {
		return nil, fmt.Errorf("%w: bootstrap without session id", ErrInvalidMessage)
	}
	return &b, nil
}
