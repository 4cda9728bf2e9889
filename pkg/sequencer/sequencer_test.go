package sequencer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vango-dev/duet/pkg/protocol"
)

func ids(ms []protocol.Message) []uint64 {
	out := make([]uint64, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.MessageID)
	}
	return out
}

func TestSequencerNumbersOutgoing(t *testing.T) {
	s := New()
	require.Equal(t, uint64(0), s.Next())
	require.Equal(t, uint64(1), s.Next())
	require.Equal(t, uint64(2), s.PeekNext())

	s.SetNext(40)
	require.Equal(t, uint64(40), s.Next())
}

func TestSequencerRestoresOrder(t *testing.T) {
	s := New()

	ready, outcome, err := s.Receive(msg(0))
	require.NoError(t, err)
	require.Equal(t, Applied, outcome)
	require.Equal(t, []uint64{0}, ids(ready))

	// Message 2 arrives before 1.
	ready, outcome, err = s.Receive(msg(2))
	require.NoError(t, err)
	require.Equal(t, Buffered, outcome)
	require.Empty(t, ready)
	require.Equal(t, 1, s.Pending())

	ready, outcome, err = s.Receive(msg(1))
	require.NoError(t, err)
	require.Equal(t, Applied, outcome)
	require.Equal(t, []uint64{1, 2}, ids(ready))
	require.Equal(t, uint64(3), s.Expected())
	require.Zero(t, s.Pending())
}

func TestSequencerDiscardsDuplicates(t *testing.T) {
	s := New()
	_, _, err := s.Receive(msg(0))
	require.NoError(t, err)

	ready, outcome, err := s.Receive(msg(0))
	require.NoError(t, err)
	require.Equal(t, Duplicate, outcome)
	require.Empty(t, ready)

	_, _, err = s.Receive(msg(3))
	require.NoError(t, err)
	_, outcome, err = s.Receive(msg(3))
	require.NoError(t, err)
	require.Equal(t, Duplicate, outcome)
	require.Equal(t, "duplicate", outcome.String())
}

func TestSequencerReseed(t *testing.T) {
	s := New()
	_, _, err := s.Receive(msg(5))
	require.NoError(t, err)
	_, _, err = s.Receive(msg(60))
	require.NoError(t, err)

	s.Reseed(57)
	require.Equal(t, 1, s.Pending())

	ready, outcome, err := s.Receive(msg(57))
	require.NoError(t, err)
	require.Equal(t, Applied, outcome)
	require.Equal(t, []uint64{57}, ids(ready))
}

func TestSequencerOverflow(t *testing.T) {
	s := New()
	s.maxPending = 2
	for i := uint64(1); i <= 2; i++ {
		_, _, err := s.Receive(msg(i))
		require.NoError(t, err)
	}
	_, _, err := s.Receive(msg(3))
	require.ErrorIs(t, err, ErrReorderOverflow)
}

func TestFlusherCoalesces(t *testing.T) {
	var queued []func()
	var flushes int
	f := NewFlusher(func(fn func()) bool {
		queued = append(queued, fn)
		return true
	}, func() { flushes++ })

	f.Schedule()
	f.Schedule()
	f.Schedule()
	require.Len(t, queued, 1)
	require.Zero(t, flushes)

	queued[0]()
	require.Equal(t, 1, flushes)
	require.False(t, f.LastFlush().IsZero())

	f.Schedule()
	require.Len(t, queued, 2)
}

func TestFlusherRetriesAfterRejectedPost(t *testing.T) {
	accept := false
	posts := 0
	f := NewFlusher(func(fn func()) bool {
		posts++
		return accept
	}, func() {})

	f.Schedule()
	accept = true
	f.Schedule()
	require.Equal(t, 2, posts)
}

func TestHeartbeat(t *testing.T) {
	var beats atomic.Int32
	h := StartHeartbeat(5*time.Millisecond, func() { beats.Add(1) })
	require.Eventually(t, func() bool { return beats.Load() >= 2 }, time.Second, time.Millisecond)
	h.Stop()
	h.Stop()

	n := beats.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, n, beats.Load())
}
