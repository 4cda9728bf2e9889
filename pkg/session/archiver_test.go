package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vango-dev/duet/pkg/protocol"
)

// countingStore records Append calls and can be made to fail.
type countingStore struct {
	*MemoryStore

	mu      sync.Mutex
	appends int
	fail    error
	gate    chan struct{}
}

func (s *countingStore) Append(ctx context.Context, id string, events []protocol.Event) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.appends++
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	return s.MemoryStore.Append(ctx, id, events)
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: NewMemoryStore(WithCleanupInterval(time.Hour))}
}

func TestArchiver_WritesInOrder(t *testing.T) {
	store := newCountingStore()
	a := newArchiver(store, "s", time.Second, quietLogger(), nil)
	ctx := context.Background()

	a.append([]protocol.Event{ev(1, `1`)})
	a.append([]protocol.Event{ev(2, `2`)})
	a.complete([]protocol.ChannelID{1})
	require.NoError(t, a.sync(ctx))

	got, err := store.Read(ctx, "s")
	require.NoError(t, err)
	require.True(t, got.Complete)
	require.Len(t, got.Events, 2)
	require.Equal(t, protocol.ChannelID(2), got.Events[1].Channel)

	a.reset([]protocol.Event{ev(7, `7`)})
	require.NoError(t, a.sync(ctx))
	got, _ = store.Read(ctx, "s")
	require.False(t, got.Complete)
	require.Len(t, got.Events, 1)

	a.remove()
	require.NoError(t, a.sync(ctx))
	got, _ = store.Read(ctx, "s")
	require.Nil(t, got)
}

func TestArchiver_MergesQueuedAppends(t *testing.T) {
	store := newCountingStore()
	store.gate = make(chan struct{})
	a := newArchiver(store, "s", time.Second, quietLogger(), nil)

	// The first append blocks in the store while the rest queue up.
	a.append([]protocol.Event{ev(1, `1`)})
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.jobs) == 0
	}, time.Second, time.Millisecond)
	for i := 2; i <= 5; i++ {
		a.append([]protocol.Event{ev(protocol.ChannelID(i), `0`)})
	}
	close(store.gate)
	require.NoError(t, a.sync(context.Background()))

	store.mu.Lock()
	require.Equal(t, 2, store.appends)
	store.mu.Unlock()

	got, _ := store.Read(context.Background(), "s")
	require.Len(t, got.Events, 5)
}

func TestArchiver_ReportsErrors(t *testing.T) {
	store := newCountingStore()
	store.fail = errors.New("disk full")

	var mu sync.Mutex
	var reported []error
	a := newArchiver(store, "s", time.Second, quietLogger(), func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})

	a.append([]protocol.Event{ev(1, `1`)})
	require.NoError(t, a.sync(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	require.EqualError(t, reported[0], "disk full")
}
