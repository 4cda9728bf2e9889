package peer

import (
	"context"
	"encoding/json"

	"github.com/vango-dev/duet/pkg/channel"
	"github.com/vango-dev/duet/pkg/protocol"
)

// Sender feeds a stream from its producer. All methods are safe from any
// goroutine; events reach the stream in call order.
type Sender interface {
	Send(v any) error
	Fail(err error)
	End()
}

// StreamHandler describes a stream.
type StreamHandler struct {
	// Open starts the producer on the owning side. ctx is cancelled when
	// the stream closes. The returned state is passed to Close.
	Open func(ctx context.Context, send Sender) any

	// Close stops the producer. It runs once, on the owning side, when the
	// stream closes for any reason after Open ran.
	Close func(state any)

	// Event runs on both sides for every event, in channel order.
	Event func(dc *Context, r Result)
}

// Stream is a channel carrying a sequence of events.
type Stream struct {
	peer    *Peer
	ch      *channel.Channel
	handler StreamHandler
	batched bool
	schema  func(json.RawMessage) error

	opened   bool
	finished bool
	state    any
	cancel   context.CancelFunc
}

// ID returns the channel id.
func (s *Stream) ID() protocol.ChannelID {
	return s.ch.ID
}

// Closed reports whether the stream has closed. Loop only.
func (s *Stream) Closed() bool {
	return s.ch.State() == channel.Closed
}

// Close closes the stream. Both sides are expected to call it at the same
// logical point. Closing more than once, or after the producer ended, is a
// no-op. Loop only.
func (s *Stream) Close() {
	s.peer.closeChannel(s.ch)
}

func (s *Stream) open() {
	ctx, cancel := context.WithCancel(s.peer.opCtx)
	s.cancel = cancel
	s.opened = true
	if s.handler.Open != nil {
		s.state = s.handler.Open(ctx, s)
	}
}

// Send implements Sender.
func (s *Stream) Send(v any) error {
	raw, err := marshalValue(v)
	if err != nil {
		return err
	}
	if !s.peer.Post(func() { s.produce(protocol.NewEvent(s.ch.ID, raw)) }) {
		return ErrStreamClosed
	}
	return nil
}

// Fail implements Sender. A failure ends the stream.
func (s *Stream) Fail(err error) {
	s.peer.Post(func() { s.produce(encodeFailure(s.ch.ID, err)) })
}

// End implements Sender.
func (s *Stream) End() {
	s.peer.Post(func() { s.produce(protocol.NewCloseEvent(s.ch.ID)) })
}

func (s *Stream) produce(ev protocol.Event) {
	if s.ch.State() == channel.Closed {
		return
	}
	s.peer.produce(s.ch, ev, s.batched)
}

// Receive implements channel.Handler.
func (s *Stream) Receive(ev protocol.Event) bool {
	if !ev.HasValue() && ev.Failure == nil {
		return true
	}
	if s.handler.Event != nil {
		r := decodeOutcome(ev)
		s.peer.turn(s.peer.batch, func(dc *Context) { s.handler.Event(dc, r) })
	}
	return ev.Failure != nil
}

// Abort implements channel.Handler.
func (s *Stream) Abort(err error) {
	if s.handler.Event != nil {
		s.peer.turn(s.peer.batch, func(dc *Context) { s.handler.Event(dc, Result{Err: err}) })
	}
	s.closed()
}

func (s *Stream) validate(ev protocol.Event) error {
	if s.schema == nil || ev.Failure != nil || !ev.HasValue() {
		return nil
	}
	return s.schema(ev.Value)
}

func (s *Stream) closed() {
	if s.finished {
		return
	}
	s.finished = true
	if !s.opened {
		return
	}
	s.cancel()
	if s.handler.Close != nil {
		s.handler.Close(s.state)
	}
}
