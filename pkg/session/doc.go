// Package session runs the server half of split applications.
//
// A Registry owns every live Session. Each session wraps a server peer,
// the clients attached to it and an archive of everything it has sent.
//
// # Lifecycle
//
// Create starts the application and waits until every prerender channel
// has closed. The bootstrap payload it returns primes client 0:
//
//	reg := session.NewRegistry(session.Config{App: app, Store: store})
//	s, bootstrap, err := reg.Create(ctx)
//
// Transports hand each decoded client message to Receive and drain
// outgoing messages with Take or Dequeue:
//
//	c, err := s.ClientFor(ctx, m.ClientID, m.MessageID, ack)
//	err = s.Receive(ctx, c, m, "post")
//	msg, ok := c.Dequeue(ctx, 30*time.Second)
//
// A session ends when nothing is open on either side, when a client sends
// a destroy request or misbehaves, or when it goes idle.
//
// # Archives
//
// Every event a session sends is appended to its ArchiveStore. Idle
// sessions and sessions live at Shutdown are completed with a trailer
// naming their open server channels; Resume rebuilds them by replaying the
// application against the archived events. Stores are provided for memory,
// local files, SQL databases and S3.
//
// # Sharing
//
// With Config.Sharing set, Attach adds further clients to a live session.
// Each new client gets the full event log as its bootstrap.
package session
