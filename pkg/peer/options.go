package peer

import "encoding/json"

// Option configures a channel at creation.
type Option func(*options)

type options struct {
	prerender bool
	batched   bool
	schema    func(json.RawMessage) error
	fallback  Operation
}

func collect(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Prerender makes the channel hold back prerender completion until it
// closes.
func Prerender() Option {
	return func(o *options) { o.prerender = true }
}

// Batched delivers a client stream's fenced events as one run once all of
// them have been echoed.
func Batched() Option {
	return func(o *options) { o.batched = true }
}

// Schema validates every value received from the other side. A failing
// value aborts the receiving session with a SchemaValidationError.
func Schema(fn func(json.RawMessage) error) Option {
	return func(o *options) { o.schema = fn }
}

// Fallback replaces a client promise's operation when the server has to run
// it because no capable client is attached.
func Fallback(op Operation) Option {
	return func(o *options) { o.fallback = op }
}
