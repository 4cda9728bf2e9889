// Package server exposes a session registry over HTTP and WebSocket.
//
// Four endpoints are mounted:
//
//	GET  /                 create a session and return its bootstrap payload
//	POST {Path}            HTTP binding: one client message in, one server message out
//	GET  {Path}/ws         WebSocket binding; the query string is the first message
//	POST {Path}/attach     attach another client to a shared session
//
// Every client message carries an ack field holding the id of the next
// server message the client expects. Both bindings retransmit from that id
// before sending anything new, so a client can switch transports or
// reconnect without losing messages.
//
// Errors map to HTTP statuses before a WebSocket upgrade and to close codes
// after it. 410 Gone and the fatal close codes mean the session cannot be
// continued and the client should give up.
package server
