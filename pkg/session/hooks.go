package session

import (
	"context"

	"github.com/vango-dev/duet/pkg/channel"
	"github.com/vango-dev/duet/pkg/protocol"
	"github.com/vango-dev/duet/pkg/sequencer"
)

// RenderHook is notified once a new session's prerender channels have all
// closed. The bootstrap payload is what an HTML renderer embeds in the page.
type RenderHook interface {
	OnPrerenderIdle(s *Session, b *protocol.Bootstrap)
}

// RenderHookFunc adapts a function to RenderHook.
type RenderHookFunc func(s *Session, b *protocol.Bootstrap)

// OnPrerenderIdle implements RenderHook.
func (f RenderHookFunc) OnPrerenderIdle(s *Session, b *protocol.Bootstrap) {
	f(s, b)
}

// Observer receives session lifecycle and traffic notifications. Methods
// are called synchronously and must not block.
type Observer interface {
	SessionStarted(s *Session)
	SessionEnded(s *Session, reason string)
	MessageSent(s *Session, c *Client, m protocol.Message)
	EventDropped(s *Session, reason channel.DropReason)
	SplitBrain(s *Session)
	ArchiveFailed(s *Session, err error)
}

// BaseObserver implements Observer with no-ops. Embed it to implement a
// subset of the methods.
type BaseObserver struct{}

func (BaseObserver) SessionStarted(*Session)                         {}
func (BaseObserver) SessionEnded(*Session, string)                   {}
func (BaseObserver) MessageSent(*Session, *Client, protocol.Message) {}
func (BaseObserver) EventDropped(*Session, channel.DropReason)       {}
func (BaseObserver) SplitBrain(*Session)                             {}
func (BaseObserver) ArchiveFailed(*Session, error)                   {}

// Inbound is one incoming client message passing through the middleware
// chain.
type Inbound struct {
	Session *Session
	Client  *Client
	Message protocol.Message

	// Transport names the binding the message arrived on ("post" or "ws").
	Transport string

	// Outcome is set by the sequencer once the message has been received.
	Outcome sequencer.Outcome

	ctx context.Context
}

// Context returns the request context.
func (in *Inbound) Context() context.Context {
	if in.ctx == nil {
		return context.Background()
	}
	return in.ctx
}

// WithContext replaces the context seen by the rest of the chain.
func (in *Inbound) WithContext(ctx context.Context) {
	in.ctx = ctx
}

// Middleware wraps the dispatch of an incoming message.
type Middleware interface {
	Handle(in *Inbound, next func() error) error
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(in *Inbound, next func() error) error

// Handle implements Middleware.
func (f MiddlewareFunc) Handle(in *Inbound, next func() error) error {
	return f(in, next)
}

// chain runs final behind every middleware, outermost first.
func chain(mw []Middleware, in *Inbound, final func() error) error {
	next := final
	for i := len(mw) - 1; i >= 0; i-- {
		m, inner := mw[i], next
		next = func() error { return m.Handle(in, inner) }
	}
	return next()
}
