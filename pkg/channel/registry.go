package channel

import (
	"sort"

	"github.com/vango-dev/duet/pkg/protocol"
)

// Side identifies which runtime a registry belongs to.
type Side int

const (
	Server Side = iota
	Client
)

// String returns the side name.
func (s Side) String() string {
	if s == Server {
		return "server"
	}
	return "client"
}

// Namespace is one of the two id spaces.
type Namespace int

const (
	ServerNamespace Namespace = iota
	ClientNamespace
)

// Kind is the shape of a channel.
type Kind int

const (
	ServerPromise Kind = iota
	ServerStream
	ClientPromise
	ClientStream
	CoordinatedValue
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case ServerPromise:
		return "ServerPromise"
	case ServerStream:
		return "ServerStream"
	case ClientPromise:
		return "ClientPromise"
	case ClientStream:
		return "ClientStream"
	case CoordinatedValue:
		return "CoordinatedValue"
	default:
		return "Unknown"
	}
}

// Namespace returns the id space the kind allocates from.
func (k Kind) Namespace() Namespace {
	if k == ServerPromise || k == ServerStream {
		return ServerNamespace
	}
	return ClientNamespace
}

// Stream reports whether the kind accepts more than one event.
func (k Kind) Stream() bool {
	return k == ServerStream || k == ClientStream
}

// State is the lifecycle state of a channel.
type State int

const (
	Open State = iota
	Closed
)

// DropReason classifies an event addressed to a channel that is not open.
type DropReason int

const (
	// DropNone means the channel was found.
	DropNone DropReason = iota

	// DropClosed means the id was allocated and the channel has since been
	// closed, typically because a consumer cancelled it.
	DropClosed

	// DropUnknown means the id was never allocated on this side.
	DropUnknown
)

// String returns the reason as a metric label.
func (r DropReason) String() string {
	switch r {
	case DropClosed:
		return "closed"
	case DropUnknown:
		return "unknown"
	default:
		return "none"
	}
}

// Handler receives the events of one channel.
type Handler interface {
	// Receive applies one event and reports whether the channel is settled
	// and should be closed.
	Receive(ev protocol.Event) bool

	// Abort settles the channel with err. Called at most once, after the
	// channel has been closed in the registry.
	Abort(err error)
}

// Channel is one registered channel.
type Channel struct {
	ID        protocol.ChannelID
	Kind      Kind
	Local     bool
	Prerender bool
	Handler   Handler

	state State
}

// State returns the channel state.
func (c *Channel) State() State {
	return c.state
}

// Registry tracks open channels for one peer.
type Registry struct {
	side Side

	allocated [2]protocol.ChannelID
	open      [2]map[protocol.ChannelID]*Channel

	local     int
	pending   int
	prerender int
	holds     int

	dead error
}

// NewRegistry creates an empty registry for side.
func NewRegistry(side Side) *Registry {
	return &Registry{
		side: side,
		open: [2]map[protocol.ChannelID]*Channel{
			make(map[protocol.ChannelID]*Channel),
			make(map[protocol.ChannelID]*Channel),
		},
	}
}

// Side returns the registry's side.
func (r *Registry) Side() Side {
	return r.side
}

// Owns reports whether channels in ns are local to this side.
func (r *Registry) Owns(ns Namespace) bool {
	return (ns == ServerNamespace) == (r.side == Server)
}

// Reserve allocates the next id for kind without registering a channel.
// Coordinated values take their id this way; an event addressed to a
// reserved id is dropped as closed.
func (r *Registry) Reserve(kind Kind) protocol.ChannelID {
	return r.next(kind.Namespace())
}

func (r *Registry) next(ns Namespace) protocol.ChannelID {
	r.allocated[ns]++
	return r.allocated[ns]
}

// Allocated returns the highest id allocated in ns.
func (r *Registry) Allocated(ns Namespace) protocol.ChannelID {
	return r.allocated[ns]
}

// Open allocates an id for kind and registers h under it. It fails with the
// registry's death error once Kill has been called.
func (r *Registry) Open(kind Kind, h Handler, prerender bool) (*Channel, error) {
	if r.dead != nil {
		return nil, r.dead
	}

	ns := kind.Namespace()
	ch := &Channel{
		ID:        r.next(ns),
		Kind:      kind,
		Local:     r.Owns(ns),
		Prerender: prerender,
		Handler:   h,
	}
	r.open[ns][ch.ID] = ch

	if ch.Local {
		r.local++
	} else {
		r.pending++
	}
	if prerender {
		r.prerender++
	}
	return ch, nil
}

// Lookup finds the open channel id in ns.
func (r *Registry) Lookup(ns Namespace, id protocol.ChannelID) (*Channel, DropReason) {
	if ch, ok := r.open[ns][id]; ok {
		return ch, DropNone
	}
	if id > 0 && id <= r.allocated[ns] {
		return nil, DropClosed
	}
	return nil, DropUnknown
}

// Close removes ch from the registry. It reports whether ch was open;
// closing twice is a no-op.
func (r *Registry) Close(ch *Channel) bool {
	if ch == nil || ch.state == Closed {
		return false
	}
	ch.state = Closed

	ns := ch.Kind.Namespace()
	delete(r.open[ns], ch.ID)
	if ch.Local {
		r.local--
	} else {
		r.pending--
	}
	if ch.Prerender {
		r.prerender--
	}
	return true
}

// Hold counts as an open local channel without allocating an id. It keeps a
// session alive while no application channel is open.
func (r *Registry) Hold() {
	r.holds++
	r.local++
}

// Release undoes one Hold.
func (r *Registry) Release() {
	if r.holds == 0 {
		return
	}
	r.holds--
	r.local--
}

// LocalCount returns the number of open local channels, holds included.
func (r *Registry) LocalCount() int {
	return r.local
}

// PendingCount returns the number of open remote channels.
func (r *Registry) PendingCount() int {
	return r.pending
}

// PrerenderCount returns the number of open prerender-blocking channels.
func (r *Registry) PrerenderCount() int {
	return r.prerender
}

// Exhausted reports whether no channel is open on either side.
func (r *Registry) Exhausted() bool {
	return r.local == 0 && r.pending == 0
}

// OpenIDs returns the open ids in ns in ascending order.
func (r *Registry) OpenIDs(ns Namespace) []protocol.ChannelID {
	ids := make([]protocol.ChannelID, 0, len(r.open[ns]))
	for id := range r.open[ns] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Dead returns the error passed to Kill, or nil.
func (r *Registry) Dead() error {
	return r.dead
}

// Kill marks the registry dead, closes every open channel and aborts each
// handler exactly once with err. Channels opened by an aborting handler
// fail immediately.
func (r *Registry) Kill(err error) {
	if r.dead != nil {
		return
	}
	r.dead = err
	r.holds = 0

	var victims []*Channel
	for _, ns := range []Namespace{ServerNamespace, ClientNamespace} {
		for _, id := range r.OpenIDs(ns) {
			victims = append(victims, r.open[ns][id])
		}
	}
	for _, ch := range victims {
		r.Close(ch)
	}
	r.local = 0

	for _, ch := range victims {
		if ch.Handler != nil {
			ch.Handler.Abort(err)
		}
	}
}
