package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vango-dev/duet/pkg/channel"
	"github.com/vango-dev/duet/pkg/determinism"
	"github.com/vango-dev/duet/pkg/protocol"
)

// Context is the capability handed to application callbacks. It is valid
// only during the dispatch turn it was created for; channels and
// coordinated values can only be created through a valid Context.
type Context struct {
	peer  *Peer
	batch *batch
	valid bool
}

// batch is the incoming events of the current delivery.
type batch struct {
	events   []protocol.Event
	consumed []bool
	pos      int
	origin   int
}

func newBatch(events []protocol.Event, origin int) *batch {
	return &batch{
		events:   events,
		consumed: make([]bool, len(events)),
		pos:      -1,
		origin:   origin,
	}
}

// peek consumes the first event after the current position carrying a value
// for the client channel id. Unfenced ids only match when they address the
// client namespace, which is the case for live events received by a server.
func (b *batch) peek(id protocol.ChannelID, unfenced bool) (protocol.Event, bool) {
	if b == nil {
		return protocol.Event{}, false
	}
	for i := b.pos + 1; i < len(b.events); i++ {
		ev := b.events[i]
		if b.consumed[i] || ev.IsMarker() || !ev.HasValue() {
			continue
		}
		if ev.Channel != id.Fence() && (!unfenced || ev.Channel != id) {
			continue
		}
		b.consumed[i] = true
		return ev, true
	}
	return protocol.Event{}, false
}

// turn runs fn with a fresh context that is invalidated when fn returns.
func (p *Peer) turn(b *batch, fn func(dc *Context)) {
	dc := &Context{peer: p, batch: b, valid: true}
	defer func() {
		dc.valid = false
		if r := recover(); r != nil {
			p.unhandled(fmt.Errorf("peer: callback panic: %v", r))
		}
	}()
	fn(dc)
}

// Valid reports whether the context may still create channels.
func (dc *Context) Valid() bool {
	return dc != nil && dc.valid
}

// Side returns the side this context runs on.
func (dc *Context) Side() Side {
	return dc.peer.side
}

// Logger returns the peer logger.
func (dc *Context) Logger() *slog.Logger {
	return dc.peer.logger
}

// Determinism returns a provider of coordinated time and randomness bound to
// this context.
func (dc *Context) Determinism() *determinism.Provider {
	return determinism.New(dc, dc.peer.config.Source)
}

func (dc *Context) check(op string) error {
	if !dc.Valid() {
		return &InvalidContextError{Op: op}
	}
	return dc.peer.reg.Dead()
}

// ServerPromise creates a promise whose operation runs on the server only.
func (dc *Context) ServerPromise(op Operation, opts ...Option) (*Promise, error) {
	return dc.promise("ServerPromise", channel.ServerPromise, op, opts)
}

// ClientPromise creates a promise whose operation runs on the client. The
// server runs it instead when no capable client is attached.
func (dc *Context) ClientPromise(op Operation, opts ...Option) (*Promise, error) {
	return dc.promise("ClientPromise", channel.ClientPromise, op, opts)
}

// Sleep returns a client promise that settles after d.
func (dc *Context) Sleep(d time.Duration) (*Promise, error) {
	return dc.ClientPromise(func(ctx context.Context) (any, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func (dc *Context) promise(name string, kind channel.Kind, op Operation, opts []Option) (*Promise, error) {
	if err := dc.check(name); err != nil {
		return nil, err
	}
	o := collect(opts)
	p := dc.peer

	pr := newPromise(p, o.schema)
	ch, err := p.reg.Open(kind, pr, o.prerender)
	if err != nil {
		return nil, err
	}
	pr.ch = ch
	p.opened(ch)

	switch {
	case ch.Local:
		if p.shouldStart(ch) {
			p.start(ch, op)
		}
	case kind == channel.ClientPromise && !p.capable():
		if o.fallback != nil {
			op = o.fallback
		}
		if p.shouldStart(ch) {
			p.start(ch, op)
		}
	}
	return pr, nil
}

// ServerStream creates a stream produced on the server.
func (dc *Context) ServerStream(h StreamHandler, opts ...Option) (*Stream, error) {
	return dc.stream("ServerStream", channel.ServerStream, h, opts)
}

// ClientStream creates a stream produced on the client.
func (dc *Context) ClientStream(h StreamHandler, opts ...Option) (*Stream, error) {
	return dc.stream("ClientStream", channel.ClientStream, h, opts)
}

func (dc *Context) stream(name string, kind channel.Kind, h StreamHandler, opts []Option) (*Stream, error) {
	if err := dc.check(name); err != nil {
		return nil, err
	}
	o := collect(opts)
	p := dc.peer

	s := &Stream{peer: p, handler: h, batched: o.batched, schema: o.schema}
	ch, err := p.reg.Open(kind, s, o.prerender)
	if err != nil {
		return nil, err
	}
	s.ch = ch
	p.opened(ch)

	if ch.Local && p.shouldStart(ch) {
		s.open()
	}
	return s, nil
}

// Coordinate returns a value both sides agree on. The side currently
// authoritative generates it with gen and sends it; the other side takes it
// from the incoming batch. Outside a dispatch turn gen is called directly.
func (dc *Context) Coordinate(gen func() (json.RawMessage, error)) (json.RawMessage, error) {
	if !dc.Valid() {
		v, err := gen()
		if err != nil {
			return nil, err
		}
		return normalize(v)
	}
	p := dc.peer
	if err := p.reg.Dead(); err != nil {
		return nil, err
	}

	id := p.reg.Reserve(channel.CoordinatedValue)
	serverAuth := p.ServerOpen()

	if ev, ok := dc.batch.peek(id, p.side == Server && p.replay == nil); ok {
		if p.side == Server && !ev.Channel.Fenced() {
			p.emit(Outgoing{Event: ev.WithChannel(id.Fence()), Except: dc.batch.origin})
		}
		return ev.Value, nil
	}

	raw, err := gen()
	if err != nil {
		return nil, err
	}
	v, err := normalize(raw)
	if err != nil {
		return nil, err
	}

	authoritative := serverAuth == (p.side == Server)
	if !authoritative && dc.batch != nil {
		w := &SplitBrainWarning{Channel: id, Side: p.side}
		p.splitBrain.Add(1)
		p.logger.Warn("split brain", "channel", int64(id), "error", w)
		if p.config.OnSplitBrain != nil {
			p.config.OnSplitBrain(w)
		}
	}

	switch {
	case p.side == Server:
		p.emit(Outgoing{Event: protocol.NewEvent(id.Fence(), v), Except: Broadcast})
	case !serverAuth:
		p.emit(Outgoing{Event: protocol.NewEvent(id, v), Except: Broadcast})
	}
	return v, nil
}

// CoordinateValue is the typed form of Context.Coordinate. A nil or expired
// context calls gen directly.
func CoordinateValue[T any](dc *Context, gen func() T) (T, error) {
	var out T
	if !dc.Valid() {
		return gen(), nil
	}
	raw, err := dc.Coordinate(func() (json.RawMessage, error) {
		return json.Marshal(gen())
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
