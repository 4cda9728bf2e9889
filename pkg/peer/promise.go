package peer

import (
	"context"
	"encoding/json"

	"github.com/vango-dev/duet/pkg/channel"
	"github.com/vango-dev/duet/pkg/protocol"
)

// Promise is a channel that settles exactly once.
type Promise struct {
	peer   *Peer
	ch     *channel.Channel
	schema func(json.RawMessage) error

	done      chan struct{}
	settled   bool
	result    Result
	callbacks []func(*Context, Result)
}

func newPromise(p *Peer, schema func(json.RawMessage) error) *Promise {
	return &Promise{peer: p, schema: schema, done: make(chan struct{})}
}

// ID returns the channel id.
func (pr *Promise) ID() protocol.ChannelID {
	return pr.ch.ID
}

// Then registers fn to run in a dispatch turn when the promise settles. A
// promise that already settled runs fn immediately. Loop only.
func (pr *Promise) Then(fn func(dc *Context, r Result)) {
	if pr.settled {
		r := pr.result
		pr.peer.turn(pr.peer.batch, func(dc *Context) { fn(dc, r) })
		return
	}
	pr.callbacks = append(pr.callbacks, fn)
}

// Done is closed when the promise settles.
func (pr *Promise) Done() <-chan struct{} {
	return pr.done
}

// Wait blocks until the promise settles. Safe from any goroutine except the
// loop itself.
func (pr *Promise) Wait(ctx context.Context) (Result, error) {
	select {
	case <-pr.done:
		return pr.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Receive implements channel.Handler.
func (pr *Promise) Receive(ev protocol.Event) bool {
	pr.settle(decodeOutcome(ev))
	return true
}

// Abort implements channel.Handler.
func (pr *Promise) Abort(err error) {
	pr.settle(Result{Err: err})
}

func (pr *Promise) validate(ev protocol.Event) error {
	if pr.schema == nil || ev.Failure != nil || !ev.HasValue() {
		return nil
	}
	return pr.schema(ev.Value)
}

func (pr *Promise) settle(r Result) {
	if pr.settled {
		return
	}
	pr.settled = true
	pr.result = r
	close(pr.done)

	callbacks := pr.callbacks
	pr.callbacks = nil
	for _, fn := range callbacks {
		fn := fn
		pr.peer.turn(pr.peer.batch, func(dc *Context) { fn(dc, r) })
	}
}
