package protocol

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestEventMarshal(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{"value-less", NewCloseEvent(3), `[3]`},
		{"value", NewEvent(1, json.RawMessage(`42`)), `[1,42]`},
		{"fenced value", NewEvent(-3, json.RawMessage(`"x"`)), `[-3,"x"]`},
		{"plain rejection", NewFailureEvent(2, json.RawMessage(`"nope"`), Failure{Plain: true}), `[2,"nope",1]`},
		{"named error", NewFailureEvent(2, json.RawMessage(`{"message":"boom"}`), Failure{Type: "TypeError"}), `[2,{"message":"boom"},"TypeError"]`},
		{"failure without value", Event{Channel: 4, Failure: &Failure{Plain: true}}, `[4,null,1]`},
		{"open marker", NewMarker(true), `true`},
		{"closed marker", NewMarker(false), `false`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal = %s, want %s", got, tt.want)
			}

			var back Event
			if err := json.Unmarshal(got, &back); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if !back.Equal(tt.event) {
				t.Errorf("round trip mismatch: %+v vs %+v", back, tt.event)
			}
		})
	}
}

func TestEventReservedID(t *testing.T) {
	if _, err := json.Marshal(Event{}); err == nil {
		t.Error("expected error marshaling channel 0")
	}
	var ev Event
	if err := json.Unmarshal([]byte(`[0,1]`), &ev); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestEventIDRange(t *testing.T) {
	var ev Event
	if err := json.Unmarshal([]byte(`[-9223372036854775808,1]`), &ev); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("MinInt64: expected ErrInvalidMessage, got %v", err)
	}
	if _, err := json.Marshal(NewEvent(math.MinInt64, json.RawMessage(`1`))); err == nil {
		t.Error("expected error marshaling MinInt64")
	}

	for _, in := range []string{`[9223372036854775807,1]`, `[-9223372036854775807,1]`} {
		if err := json.Unmarshal([]byte(in), &ev); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", in, err)
		}
		if got := ev.Channel.Abs(); got != math.MaxInt64 {
			t.Errorf("Abs of %s = %d", in, got)
		}
	}
}

func TestEventUnmarshalRejectsBadShapes(t *testing.T) {
	bad := []string{
		`[]`,
		`[1,2,3,4]`,
		`["1",2]`,
		`[1.5]`,
		`{"id":1}`,
		`[1,2,2]`,
		`[1,2,null]`,
		`"str"`,
	}
	for _, in := range bad {
		var ev Event
		if err := json.Unmarshal([]byte(in), &ev); err == nil {
			t.Errorf("Unmarshal(%s) succeeded, want error", in)
		}
	}
}

func TestEventValueIsCompacted(t *testing.T) {
	var ev Event
	if err := json.Unmarshal([]byte(`[7, { "a" : [1, 2] }]`), &ev); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if string(ev.Value) != `{"a":[1,2]}` {
		t.Errorf("Value = %s", ev.Value)
	}
}

func TestChannelID(t *testing.T) {
	id := ChannelID(5)
	if id.Fenced() {
		t.Error("positive id reported fenced")
	}
	if got := id.Fence(); got != -5 || !got.Fenced() {
		t.Errorf("Fence = %d", got)
	}
	if got := ChannelID(-5).Fence(); got != -5 {
		t.Errorf("Fence of fenced id = %d", got)
	}
	if got := ChannelID(-5).Abs(); got != 5 {
		t.Errorf("Abs = %d", got)
	}
}
