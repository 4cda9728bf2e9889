package peer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vango-dev/duet/pkg/channel"
	"github.com/vango-dev/duet/pkg/determinism"
	"github.com/vango-dev/duet/pkg/protocol"
)

// Side identifies the runtime a peer plays.
type Side = channel.Side

const (
	Server = channel.Server
	Client = channel.Client
)

// Broadcast is the Except value of an outgoing event every client receives.
const Broadcast = -1

// App is the application entry point. Both sides run the same App.
type App func(dc *Context)

// Outgoing is one event leaving the peer. On the server, Except names the
// client that already holds the event and must not receive it again.
type Outgoing struct {
	Event  protocol.Event
	Except int
}

// Config configures a Peer.
type Config struct {
	Side   Side
	Logger *slog.Logger

	// Source supplies time and randomness to coordinated values. Nil uses
	// the system clock and generator.
	Source determinism.Source

	// Capable reports whether an attached client can run client channels.
	// Server only. When it returns false, client promises run on the server.
	Capable func() bool

	// AfterTurn runs on the loop after every task.
	AfterTurn func()

	// OnUnhandled receives errors no application callback handled.
	OnUnhandled func(err error)

	// OnDrop is called for every event addressed to a channel that is not
	// open.
	OnDrop func(id protocol.ChannelID, reason channel.DropReason)

	// OnSplitBrain is called when a coordinated value had to be generated
	// locally.
	OnSplitBrain func(w *SplitBrainWarning)
}

// Stats are monotonic counters of one peer.
type Stats struct {
	Dispatched int64
	Dropped    int64
	Fenced     int64
	SplitBrain int64
}

// fence is a locally produced event waiting for its server echo.
type fence struct {
	ch      *channel.Channel
	event   protocol.Event
	batched bool
	acked   bool
}

// Peer is one side of a session. All state is owned by the loop started
// with Run; only Post, Do, Stop and Stats are safe from other goroutines.
type Peer struct {
	side   Side
	config Config
	logger *slog.Logger

	reg   *channel.Registry
	queue *taskQueue

	stop     chan struct{}
	stopOnce sync.Once

	opCtx    context.Context
	opCancel context.CancelFunc

	// markerOpen is the last marker received (client) or emitted (server).
	markerOpen bool

	fences map[protocol.ChannelID][]*fence
	outbox []Outgoing
	batch  *batch
	replay *replayState

	dispatched atomic.Int64
	dropped    atomic.Int64
	fenced     atomic.Int64
	splitBrain atomic.Int64
}

// New creates a peer. Call Run to start its loop.
func New(config Config) *Peer {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opCtx, opCancel := context.WithCancel(context.Background())
	return &Peer{
		side:     config.Side,
		config:   config,
		logger:   logger.With("component", "peer", "side", config.Side.String()),
		reg:      channel.NewRegistry(config.Side),
		queue:    newTaskQueue(),
		stop:     make(chan struct{}),
		opCtx:    opCtx,
		opCancel: opCancel,
		fences:   make(map[protocol.ChannelID][]*fence),
	}
}

// Side returns the peer's side.
func (p *Peer) Side() Side {
	return p.side
}

// Logger returns the peer's logger.
func (p *Peer) Logger() *slog.Logger {
	return p.logger
}

// Stats returns a snapshot of the peer counters. Safe from any goroutine.
func (p *Peer) Stats() Stats {
	return Stats{
		Dispatched: p.dispatched.Load(),
		Dropped:    p.dropped.Load(),
		Fenced:     p.fenced.Load(),
		SplitBrain: p.splitBrain.Load(),
	}
}

// Main runs app in a fresh dispatch turn. Must be called on the loop.
func (p *Peer) Main(app App) {
	p.turn(nil, app)
}

// Dead returns the error the peer was killed with, or nil. Loop only.
func (p *Peer) Dead() error {
	return p.reg.Dead()
}

// Kill settles every open channel with err and rejects further creation.
// Must be called on the loop.
func (p *Peer) Kill(err error) {
	if p.reg.Dead() != nil {
		return
	}
	p.fences = make(map[protocol.ChannelID][]*fence)
	p.opCancel()
	p.reg.Kill(err)
}

// LocalCount returns the number of open local channels. Loop only.
func (p *Peer) LocalCount() int {
	return p.reg.LocalCount()
}

// PendingCount returns the number of open remote channels. Loop only.
func (p *Peer) PendingCount() int {
	return p.reg.PendingCount()
}

// PrerenderCount returns the number of open prerender channels. Loop only.
func (p *Peer) PrerenderCount() int {
	return p.reg.PrerenderCount()
}

// Exhausted reports whether no channel is open on either side. Loop only.
func (p *Peer) Exhausted() bool {
	return p.reg.Exhausted()
}

// OpenServerChannels lists the open server channel ids. Loop only.
func (p *Peer) OpenServerChannels() []protocol.ChannelID {
	return p.reg.OpenIDs(channel.ServerNamespace)
}

// Hold keeps the server side counted as open without a channel, so the
// session survives and clients fence their events. Loop only.
func (p *Peer) Hold() {
	p.reg.Hold()
	p.syncMarker()
}

// Release undoes Hold. Loop only.
func (p *Peer) Release() {
	p.reg.Release()
	p.syncMarker()
}

// ServerOpen reports whether the server currently has an open channel, as
// this side knows it. Loop only.
func (p *Peer) ServerOpen() bool {
	if p.side == Server {
		return p.reg.LocalCount() > 0
	}
	return p.markerOpen || p.reg.PendingCount() > 0
}

// HasOutbox reports whether events are waiting to be sent. Loop only.
func (p *Peer) HasOutbox() bool {
	return len(p.outbox) > 0
}

// TakeOutbox returns and clears the events produced since the last call.
// Loop only.
func (p *Peer) TakeOutbox() []Outgoing {
	out := p.outbox
	p.outbox = nil
	return out
}

func (p *Peer) emit(o Outgoing) {
	if p.replay != nil {
		return
	}
	p.outbox = append(p.outbox, o)
}

// syncMarker broadcasts a marker when the server's open state flips.
func (p *Peer) syncMarker() {
	if p.side != Server {
		return
	}
	open := p.reg.LocalCount() > 0
	if open == p.markerOpen {
		return
	}
	p.markerOpen = open
	p.emit(Outgoing{Event: protocol.NewMarker(open), Except: Broadcast})
}

func (p *Peer) capable() bool {
	return p.config.Capable != nil && p.config.Capable()
}

func (p *Peer) unhandled(err error) {
	if p.config.OnUnhandled != nil {
		p.config.OnUnhandled(err)
		return
	}
	p.logger.Error("unhandled error", "error", err)
}

func (p *Peer) drop(id protocol.ChannelID, reason channel.DropReason) {
	p.dropped.Add(1)
	p.logger.Debug("dropped event", "channel", int64(id), "reason", reason.String())
	if p.config.OnDrop != nil {
		p.config.OnDrop(id, reason)
	}
}

// Deliver dispatches a batch of received events in order. origin is the
// client the batch came from, or Broadcast. Must be called on the loop.
func (p *Peer) Deliver(events []protocol.Event, origin int) error {
	if p.reg.Dead() != nil {
		return nil
	}
	return p.deliverBatch(newBatch(events, origin))
}

func (p *Peer) deliverBatch(b *batch) error {
	prev := p.batch
	p.batch = b
	defer func() { p.batch = prev }()

	for i, ev := range b.events {
		if b.consumed[i] {
			continue
		}
		b.pos = i
		if err := p.deliverOne(ev, b); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) deliverOne(ev protocol.Event, b *batch) error {
	if p.side == Server {
		return p.deliverServer(ev, b)
	}
	return p.deliverClient(ev)
}

func (p *Peer) deliverServer(ev protocol.Event, b *batch) error {
	if ev.IsMarker() {
		return nil
	}
	id := ev.Channel

	if p.replay != nil && !id.Fenced() {
		return p.dispatch(channel.ServerNamespace, id, ev)
	}

	// A value the receiving channel rejects is never echoed or relayed.
	if err := p.screen(channel.ClientNamespace, id.Abs(), ev.WithChannel(id.Abs())); err != nil {
		return err
	}
	if id.Fenced() {
		// Echo first so the sender's fence is released in server order.
		p.emit(Outgoing{Event: ev, Except: Broadcast})
	} else {
		p.emit(Outgoing{Event: ev.WithChannel(id.Fence()), Except: b.origin})
	}
	return p.dispatch(channel.ClientNamespace, id.Abs(), ev.WithChannel(id.Abs()))
}

func (p *Peer) deliverClient(ev protocol.Event) error {
	if ev.IsMarker() {
		p.markerOpen = *ev.Marker
		return nil
	}
	if !ev.Channel.Fenced() {
		return p.dispatch(channel.ServerNamespace, ev.Channel, ev)
	}

	id := ev.Channel.Abs()
	local := ev.WithChannel(id)
	if p.acknowledge(id, local) {
		return nil
	}
	return p.dispatch(channel.ClientNamespace, id, local)
}

// acknowledge releases fenced events of id once the server has echoed them.
// Echoes are matched by value: in a shared session another client's echo on
// the same channel may arrive first, and an equal value dispatched from the
// local fence is indistinguishable from it.
func (p *Peer) acknowledge(id protocol.ChannelID, echo protocol.Event) bool {
	q := p.fences[id]
	if len(q) == 0 {
		return false
	}
	head := q[0]

	if !head.batched {
		if !head.event.Equal(echo) {
			return false
		}
		p.popFences(id, 1)
		p.dispatchTo(head.ch, head.event)
		return true
	}

	n := -1
	for i, f := range q {
		if !f.acked {
			if !f.event.Equal(echo) {
				return false
			}
			f.acked = true
			n = i + 1
			break
		}
	}
	if n < len(q) {
		return n >= 0
	}
	p.popFences(id, len(q))
	for _, f := range q {
		if f.ch.State() == channel.Closed {
			break
		}
		p.dispatchTo(f.ch, f.event)
	}
	return true
}

func (p *Peer) popFences(id protocol.ChannelID, n int) {
	q := p.fences[id]
	if n >= len(q) {
		delete(p.fences, id)
		return
	}
	p.fences[id] = q[n:]
}

func (p *Peer) dispatch(ns channel.Namespace, id protocol.ChannelID, ev protocol.Event) error {
	ch, reason := p.reg.Lookup(ns, id)
	if ch == nil {
		p.drop(id, reason)
		return nil
	}

	if err := screenValue(ch, ev); err != nil {
		return err
	}
	p.dispatchTo(ch, ev)
	return nil
}

// screen runs the validator of the channel ev is addressed to, if any.
func (p *Peer) screen(ns channel.Namespace, id protocol.ChannelID, ev protocol.Event) error {
	ch, _ := p.reg.Lookup(ns, id)
	if ch == nil {
		return nil
	}
	return screenValue(ch, ev)
}

func screenValue(ch *channel.Channel, ev protocol.Event) error {
	if v, ok := ch.Handler.(validating); ok && !ch.Local {
		if err := v.validate(ev); err != nil {
			return &SchemaValidationError{Channel: ch.ID, Value: ev.Value, Err: err}
		}
	}
	return nil
}

// dispatchTo applies ev to ch and closes ch when it settles.
func (p *Peer) dispatchTo(ch *channel.Channel, ev protocol.Event) {
	if ch.State() == channel.Closed {
		p.drop(ch.ID, channel.DropClosed)
		return
	}
	p.dispatched.Add(1)
	if ch.Handler.Receive(ev) {
		p.closeChannel(ch)
	}
}

// closer is implemented by handlers that release resources on close.
type closer interface {
	closed()
}

// validating is implemented by handlers with a value validator.
type validating interface {
	validate(ev protocol.Event) error
}

// closeChannel closes ch once, releasing its producer and fences.
func (p *Peer) closeChannel(ch *channel.Channel) {
	if !p.reg.Close(ch) {
		return
	}
	if ch.Local && p.side == Client {
		delete(p.fences, ch.ID)
	}
	if c, ok := ch.Handler.(closer); ok {
		c.closed()
	}
	if ch.Kind.Namespace() == channel.ServerNamespace {
		p.syncMarker()
	}
}

// opened runs after a channel is registered.
func (p *Peer) opened(ch *channel.Channel) {
	if ch.Kind.Namespace() == channel.ServerNamespace {
		p.syncMarker()
	}
}

// produce publishes an event generated by this side for ch.
func (p *Peer) produce(ch *channel.Channel, ev protocol.Event, batched bool) {
	switch {
	case ch.Kind.Namespace() == channel.ServerNamespace:
		p.emit(Outgoing{Event: ev, Except: Broadcast})
		p.dispatchTo(ch, ev)

	case p.side == Server:
		p.emit(Outgoing{Event: ev.WithChannel(ch.ID.Fence()), Except: Broadcast})
		p.dispatchTo(ch, ev)

	case p.ServerOpen():
		p.fences[ch.ID] = append(p.fences[ch.ID], &fence{ch: ch, event: ev, batched: batched})
		p.fenced.Add(1)
		p.emit(Outgoing{Event: ev.WithChannel(ch.ID.Fence()), Except: Broadcast})

	default:
		p.emit(Outgoing{Event: ev, Except: Broadcast})
		p.dispatchTo(ch, ev)
	}
}

// start runs op off the loop and posts its outcome back.
func (p *Peer) start(ch *channel.Channel, op Operation) {
	ctx := p.opCtx
	go func() {
		v, err := p.call(ctx, op)
		p.Post(func() {
			if ch.State() == channel.Closed {
				return
			}
			p.produce(ch, encodeOutcome(ch.ID, v, err), false)
		})
	}()
}

func (p *Peer) call(ctx context.Context, op Operation) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("operation panic", "panic", r)
			err = &RemoteError{Type: defaultErrorType, Message: "operation panicked"}
		}
	}()
	if op == nil {
		return nil, nil
	}
	return op(ctx)
}
