package protocol

import (
	"fmt"
	"net/url"
	"strconv"
)

// Form field names used by the HTTP POST transport and by the first
// WebSocket frame's query string.
const (
	FieldSessionID    = "sessionID"
	FieldClientID     = "clientID"
	FieldMessageID    = "messageID"
	FieldEvents       = "events"
	FieldDestroy      = "destroy"
	FieldClose        = "close"
	FieldNoJavaScript = "noJavaScript"

	// FieldAck carries the id of the next server message the client
	// expects. Messages from that id on are retransmitted.
	FieldAck = "ack"
)

// EncodeForm encodes a message as form values.
func EncodeForm(m Message) (url.Values, error) {
	events, err := EncodeEvents(m.Events)
	if err != nil {
		return nil, err
	}

	v := url.Values{}
	v.Set(FieldMessageID, strconv.FormatUint(m.MessageID, 10))
	v.Set(FieldEvents, string(events))
	if m.SessionID != "" {
		v.Set(FieldSessionID, m.SessionID)
	}
	if m.ClientID != 0 {
		v.Set(FieldClientID, strconv.Itoa(m.ClientID))
	}
	if m.Destroy {
		v.Set(FieldDestroy, "1")
	}
	if m.Close {
		v.Set(FieldClose, "1")
	}
	if m.NoJavaScript {
		v.Set(FieldNoJavaScript, "1")
	}
	return v, nil
}

// DecodeForm decodes form values. A missing messageID defaults to
// defaultMessageID.
func DecodeForm(v url.Values, defaultMessageID uint64) (Message, error) {
	events, err := DecodeEvents([]byte(v.Get(FieldEvents)))
	if err != nil {
		return Message{}, err
	}

	m := Message{
		Events:       events,
		MessageID:    defaultMessageID,
		SessionID:    v.Get(FieldSessionID),
		Destroy:      v.Get(FieldDestroy) == "1",
		Close:        v.Get(FieldClose) == "1",
		NoJavaScript: v.Get(FieldNoJavaScript) == "1",
	}

	if s := v.Get(FieldMessageID); s != "" {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return Message{}, fmt.Errorf("%w: messageID %q", ErrInvalidMessage, s)
		}
		m.MessageID = id
	}
	if s := v.Get(FieldClientID); s != "" {
		id, err := strconv.Atoi(s)
		if err != nil || id < 0 {
			return Message{}, fmt.Errorf("%w: clientID %q", ErrInvalidMessage, s)
		}
		m.ClientID = id
	}
	return m, nil
}

// SetAck records the next server message id the client expects.
func SetAck(v url.Values, ack uint64) {
	v.Set(FieldAck, strconv.FormatUint(ack, 10))
}

// DecodeAck returns the ack field. ok is false when the field is absent.
func DecodeAck(v url.Values) (ack uint64, ok bool, err error) {
	s := v.Get(FieldAck)
	if s == "" {
		return 0, false, nil
	}
	ack, err = strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: ack %q", ErrInvalidMessage, s)
	}
	return ack, true, nil
}
