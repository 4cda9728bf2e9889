package peer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vango-dev/duet/pkg/protocol"
)

type quotaError struct {
	msg string
}

func (e *quotaError) Error() string { return e.msg }

func TestOutcomeRoundTrip(t *testing.T) {
	RegisterErrorType("QuotaError", func(message string) error { return &quotaError{msg: message} })

	t.Run("value", func(t *testing.T) {
		ev := encodeOutcome(3, []int{1, 2}, nil)
		require.Equal(t, protocol.NewEvent(3, raw(`[1,2]`)), ev)
		r := decodeOutcome(ev)
		var got []int
		require.NoError(t, r.Decode(&got))
		require.Equal(t, []int{1, 2}, got)
	})

	t.Run("nil value", func(t *testing.T) {
		ev := encodeOutcome(3, nil, nil)
		require.False(t, ev.HasValue())
		r := decodeOutcome(ev)
		require.False(t, r.Failed())
		var v any
		require.NoError(t, r.Decode(&v))
	})

	t.Run("registered type", func(t *testing.T) {
		ev := encodeOutcome(3, nil, &quotaError{msg: "over quota"})
		require.Equal(t, "QuotaError", ev.Failure.Type)
		r := decodeOutcome(ev)
		var qe *quotaError
		require.ErrorAs(t, r.Err, &qe)
		require.Equal(t, "over quota", qe.msg)
	})

	t.Run("plain error", func(t *testing.T) {
		ev := encodeOutcome(3, nil, errors.New("nope"))
		require.Equal(t, "Error", ev.Failure.Type)
		r := decodeOutcome(ev)
		require.EqualError(t, r.Err, "nope")
	})

	t.Run("unknown type", func(t *testing.T) {
		ev := protocol.NewFailureEvent(3, raw(`{"message":"bad input"}`), protocol.Failure{Type: "TypeError"})
		r := decodeOutcome(ev)
		var re *RemoteError
		require.ErrorAs(t, r.Err, &re)
		require.Equal(t, "TypeError", re.Type)
		require.Equal(t, "bad input", re.Message)

		again := encodeOutcome(3, nil, r.Err)
		require.True(t, again.Equal(ev))
	})

	t.Run("rejected value", func(t *testing.T) {
		ev := encodeOutcome(3, nil, Reject(map[string]string{"code": "E1"}))
		require.True(t, ev.Failure.Plain)
		r := decodeOutcome(ev)
		var rv *RejectedValue
		require.ErrorAs(t, r.Err, &rv)
		var payload map[string]string
		require.NoError(t, rv.Decode(&payload))
		require.Equal(t, "E1", payload["code"])
	})

	t.Run("disconnected", func(t *testing.T) {
		ev := encodeOutcome(3, nil, &DisconnectedError{Reason: "server gone"})
		require.Equal(t, "DisconnectedError", ev.Failure.Type)
		r := decodeOutcome(ev)
		var de *DisconnectedError
		require.ErrorAs(t, r.Err, &de)
		require.Equal(t, "server gone", de.Reason)
	})
}

func TestMarshalValueNormalizes(t *testing.T) {
	a, err := marshalValue(raw(`{ "b": 1, "a": [ 1.5, 2 ] }`))
	require.NoError(t, err)
	b, err := marshalValue(map[string]any{"a": []float64{1.5, 2}, "b": 1})
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
	require.Equal(t, `{"a":[1.5,2],"b":1}`, string(a))
}
