// Package channel keeps the per-peer bookkeeping of open channels.
//
// A channel is one asynchronous operation crossing the client/server
// boundary. Ids are allocated from two namespaces: server channels
// (server promises and streams) and client channels (client promises,
// client streams and coordinated values). Both peers run the same
// application code, so both allocate identical ids in both namespaces.
// The side that owns a namespace registers its channels as local; the
// other side registers them as remote.
//
// A Registry is owned by exactly one peer loop and is not safe for
// concurrent use.
package channel
