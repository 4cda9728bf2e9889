// Package client runs the client half of a session from Go.
//
// A client fetches a bootstrap payload from the server, replays the
// application against it and then stays connected for live traffic:
//
//	c, err := client.Connect(ctx, client.Config{
//	    URL: "http://localhost:8080",
//	    App: app,
//	})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	<-c.Done()
//
// The client prefers a WebSocket and falls back to long-polling POST
// requests when the socket cannot be kept open. Every request carries the
// id of the next server message the client expects, so the server can
// retransmit whatever a dropped connection lost. Messages the client sent
// are kept and resent on reconnect; the server discards duplicates.
//
// When the server reports the session gone, or MaxFailures consecutive
// attempts fail, every open channel of the client peer is settled with a
// peer.DisconnectedError and Done is closed.
package client
