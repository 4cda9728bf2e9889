// Package peer implements one side of a split client/server execution.
//
// The same App runs on the server and on every client. Each side allocates
// identical channel ids, runs only the operations it owns, and learns the
// outcome of the others from events sent by its counterpart. Every
// callback, dispatch and completion runs on a single loop per peer, so
// application code never sees concurrent mutation.
//
// # Ordering
//
// While the server has an open channel it is the ordering authority.
// Clients then send their own events fenced (negative id) and apply them
// only when the server echoes them back, so every side observes the same
// order. With no server channel open, clients apply their events
// immediately and the server relays them to the other clients.
//
// # Coordinated values
//
// Nondeterministic inputs such as the current time go through
// Context.Coordinate. The authoritative side generates the value and sends
// it; the other side picks it out of the batch it is dispatching.
package peer
