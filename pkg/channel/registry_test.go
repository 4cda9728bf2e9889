package channel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vango-dev/duet/pkg/protocol"
)

type recordingHandler struct {
	events  []protocol.Event
	aborted []error
}

func (h *recordingHandler) Receive(ev protocol.Event) bool {
	h.events = append(h.events, ev)
	return true
}

func (h *recordingHandler) Abort(err error) {
	h.aborted = append(h.aborted, err)
}

func TestRegistryAllocatesPerNamespace(t *testing.T) {
	r := NewRegistry(Server)

	a, err := r.Open(ServerPromise, &recordingHandler{}, false)
	require.NoError(t, err)
	b, err := r.Open(ClientPromise, &recordingHandler{}, false)
	require.NoError(t, err)
	c, err := r.Open(ServerStream, &recordingHandler{}, false)
	require.NoError(t, err)
	v := r.Reserve(CoordinatedValue)

	require.Equal(t, protocol.ChannelID(1), a.ID)
	require.Equal(t, protocol.ChannelID(1), b.ID)
	require.Equal(t, protocol.ChannelID(2), c.ID)
	require.Equal(t, protocol.ChannelID(2), v)
	ch, reason := r.Lookup(ClientNamespace, v)
	require.Nil(t, ch)
	require.Equal(t, DropClosed, reason)

	require.True(t, a.Local)
	require.False(t, b.Local)
	require.Equal(t, 2, r.LocalCount())
	require.Equal(t, 1, r.PendingCount())
	require.Equal(t, protocol.ChannelID(2), r.Allocated(ServerNamespace))
	require.Equal(t, protocol.ChannelID(2), r.Allocated(ClientNamespace))
}

func TestRegistryClientSideOwnership(t *testing.T) {
	r := NewRegistry(Client)
	require.False(t, r.Owns(ServerNamespace))
	require.True(t, r.Owns(ClientNamespace))

	s, err := r.Open(ServerStream, &recordingHandler{}, false)
	require.NoError(t, err)
	require.False(t, s.Local)
	require.Equal(t, 1, r.PendingCount())
	require.Equal(t, 0, r.LocalCount())
}

func TestRegistryCloseIsIdempotent(t *testing.T) {
	r := NewRegistry(Server)
	ch, err := r.Open(ServerStream, &recordingHandler{}, true)
	require.NoError(t, err)
	require.Equal(t, 1, r.PrerenderCount())

	require.True(t, r.Close(ch))
	require.False(t, r.Close(ch))
	require.False(t, r.Close(nil))

	require.Equal(t, Closed, ch.State())
	require.Equal(t, 0, r.LocalCount())
	require.Equal(t, 0, r.PrerenderCount())
	require.True(t, r.Exhausted())
}

func TestRegistryLookupClassifiesDrops(t *testing.T) {
	r := NewRegistry(Client)
	ch, err := r.Open(ClientStream, &recordingHandler{}, false)
	require.NoError(t, err)

	got, reason := r.Lookup(ClientNamespace, ch.ID)
	require.Equal(t, DropNone, reason)
	require.Same(t, ch, got)

	r.Close(ch)
	_, reason = r.Lookup(ClientNamespace, ch.ID)
	require.Equal(t, DropClosed, reason)

	_, reason = r.Lookup(ClientNamespace, 99)
	require.Equal(t, DropUnknown, reason)
	require.Equal(t, "unknown", reason.String())

	_, reason = r.Lookup(ServerNamespace, 1)
	require.Equal(t, DropUnknown, reason)
}

func TestRegistryHold(t *testing.T) {
	r := NewRegistry(Server)
	r.Hold()
	require.Equal(t, 1, r.LocalCount())
	require.False(t, r.Exhausted())

	r.Release()
	r.Release()
	require.Equal(t, 0, r.LocalCount())
	require.True(t, r.Exhausted())
}

func TestRegistryKillAbortsOnce(t *testing.T) {
	r := NewRegistry(Server)
	h1 := &recordingHandler{}
	h2 := &recordingHandler{}
	_, err := r.Open(ServerPromise, h1, false)
	require.NoError(t, err)
	_, err = r.Open(ClientStream, h2, false)
	require.NoError(t, err)
	r.Hold()

	gone := errors.New("gone")
	r.Kill(gone)
	r.Kill(errors.New("again"))

	require.Equal(t, []error{gone}, h1.aborted)
	require.Equal(t, []error{gone}, h2.aborted)
	require.True(t, r.Exhausted())
	require.ErrorIs(t, r.Dead(), gone)

	_, err = r.Open(ServerPromise, &recordingHandler{}, false)
	require.ErrorIs(t, err, gone)
}

func TestRegistryOpenIDsSorted(t *testing.T) {
	r := NewRegistry(Server)
	var chans []*Channel
	for i := 0; i < 5; i++ {
		ch, err := r.Open(ServerStream, &recordingHandler{}, false)
		require.NoError(t, err)
		chans = append(chans, ch)
	}
	r.Close(chans[1])
	r.Close(chans[3])

	require.Equal(t, []protocol.ChannelID{1, 3, 5}, r.OpenIDs(ServerNamespace))
	require.Empty(t, r.OpenIDs(ClientNamespace))
}
