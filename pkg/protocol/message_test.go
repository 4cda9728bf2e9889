package protocol

import (
	"encoding/json"
	"errors"
	"net/url"
	"reflect"
	"strings"
	"testing"
)

func TestEncodeCompactForm(t *testing.T) {
	m := Message{
		MessageID: 4,
		Events: []Event{
			NewEvent(1, json.RawMessage(`42`)),
			NewMarker(false),
			NewCloseEvent(-2),
		},
	}
	got, err := Encode(m, 4)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(got) != `[1,42],false,[-2]` {
		t.Errorf("Encode = %s", got)
	}

	empty, err := Encode(Message{Events: []Event{}}, 0)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("empty message encoded as %q", empty)
	}
}

func TestEncodeObjectForm(t *testing.T) {
	m := Message{MessageID: 9, SessionID: "s1", Close: true, Events: []Event{NewEvent(1, json.RawMessage(`"a"`))}}
	got, err := Encode(m, 0)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.HasPrefix(string(got), `{"events":[[1,"a"]],"messageID":9`) {
		t.Errorf("Encode = %s", got)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		msg       Message
		defaultID uint64
	}{
		{"compact", Message{MessageID: 3, Events: []Event{NewEvent(1, json.RawMessage(`[1,2]`))}}, 3},
		{"empty compact", Message{MessageID: 0, Events: []Event{}}, 0},
		{"id differs from default", Message{MessageID: 7, Events: []Event{NewCloseEvent(2)}}, 0},
		{"destroy", Message{MessageID: 1, Destroy: true, SessionID: "abc", ClientID: 2, Events: []Event{}}, 1},
		{"no javascript", Message{MessageID: 0, NoJavaScript: true, Events: []Event{NewMarker(true)}}, 0},
		{"failure", Message{MessageID: 2, Events: []Event{NewFailureEvent(-4, json.RawMessage(`"x"`), Failure{Type: "RangeError"})}}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg, tt.defaultID)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			got, err := Decode(data, tt.defaultID)
			if err != nil {
				t.Fatalf("Decode(%s) failed: %v", data, err)
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, tt.msg)
			}
		})
	}
}

func TestDecodeAcceptsBracketedArray(t *testing.T) {
	m, err := Decode([]byte(`[[1,42],[2]]`), 5)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(m.Events) != 2 || m.MessageID != 5 {
		t.Fatalf("Decode = %+v", m)
	}
	if string(m.Events[0].Value) != "42" || m.Events[1].HasValue() {
		t.Errorf("events = %+v", m.Events)
	}

	single, err := Decode([]byte(`[1,42]`), 0)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(single.Events) != 1 || single.Events[0].Channel != 1 {
		t.Errorf("single tuple decoded as %+v", single.Events)
	}
}

func TestDecodeObjectDefaultsMessageID(t *testing.T) {
	m, err := Decode([]byte(`{"events":[],"sessionID":"s"}`), 11)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if m.MessageID != 11 || m.SessionID != "s" {
		t.Errorf("Decode = %+v", m)
	}
}

func TestDecodeLimits(t *testing.T) {
	big := make([]byte, MaxMessageSize+1)
	if _, err := Decode(big, 0); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}

	var b strings.Builder
	for i := 0; i <= MaxEventsPerMessage; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString("[1]")
	}
	if _, err := Decode([]byte(b.String()), 0); !errors.Is(err, ErrTooManyEvents) {
		t.Errorf("expected ErrTooManyEvents, got %v", err)
	}
}

func TestFormRoundTrip(t *testing.T) {
	m := Message{
		MessageID: 12,
		SessionID: "sess",
		ClientID:  3,
		Destroy:   true,
		Events:    []Event{NewEvent(-1, json.RawMessage(`"k"`)), NewCloseEvent(2)},
	}
	v, err := EncodeForm(m)
	if err != nil {
		t.Fatalf("EncodeForm failed: %v", err)
	}
	if v.Get(FieldEvents) != `[-1,"k"],[2]` || v.Get(FieldDestroy) != "1" {
		t.Errorf("form = %v", v)
	}
	got, err := DecodeForm(v, 0)
	if err != nil {
		t.Fatalf("DecodeForm failed: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, m)
	}

	v.Set(FieldClientID, "-1")
	if _, err := DecodeForm(v, 0); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage for negative clientID, got %v", err)
	}
}

func TestBootstrapRoundTrip(t *testing.T) {
	b := &Bootstrap{
		SessionID: "s",
		Events:    []Event{NewMarker(true), NewEvent(1, json.RawMessage(`1`))},
		Channels:  []ChannelID{2},
	}
	data, err := EncodeBootstrap(b)
	if err != nil {
		t.Fatalf("EncodeBootstrap failed: %v", err)
	}
	if string(data) != `{"sessionID":"s","events":[true,[1,1]],"channels":[2]}` {
		t.Errorf("EncodeBootstrap = %s", data)
	}
	got, err := DecodeBootstrap(data)
	if err != nil {
		t.Fatalf("DecodeBootstrap failed: %v", err)
	}
	if !reflect.DeepEqual(got, b) {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if _, err := DecodeBootstrap([]byte(`{}`)); err == nil {
		t.Error("expected error for bootstrap without session id")
	}
}

func TestFormAck(t *testing.T) {
	v := url.Values{}
	if _, ok, err := DecodeAck(v); ok || err != nil {
		t.Errorf("absent ack: ok=%v err=%v", ok, err)
	}
	SetAck(v, 7)
	ack, ok, err := DecodeAck(v)
	if err != nil || !ok || ack != 7 {
		t.Errorf("DecodeAck = %d, %v, %v", ack, ok, err)
	}
	v.Set(FieldAck, "x")
	if _, _, err := DecodeAck(v); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}
}
