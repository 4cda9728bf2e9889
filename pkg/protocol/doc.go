// Package protocol implements the text wire protocol for Duet.
//
// The protocol carries ordered batches of channel events between one server
// peer and its client peers. It is deliberately JSON-compatible so that the
// same bytes can travel as WebSocket frames, as an HTTP form field, inside a
// bootstrap payload embedded in HTML, and inside a session archive.
//
// # Events
//
// An event is a tuple addressed to a channel:
//
//	[id]                      value-less completion or stream close
//	[id, value]               successful value
//	[id, error, 1]            plain rejection value
//	[id, error, "TypeName"]   named error to reconstitute
//
// Server peers additionally emit the booleans true and false as marker
// entries. A marker records that the server transitioned into or out of
// having at least one open server channel, which is what decides whether
// client events must be fenced.
//
// # Channel IDs
//
// Channel ids are signed. Zero is reserved so that negation is unambiguous.
// From server to client a positive id addresses a server channel and a
// negative id is an echoed (fenced) client event. From client to server a
// positive id is an unfenced client event and a negative id a fenced one.
//
// # Messages
//
// A message whose only content is its events, and whose id is the one the
// receiver expects next, is encoded in the compact form:
//
//	[1,42],[2,"a"],true
//
// Everything else uses the object form:
//
//	{"events":[[1,42]],"messageID":3,"sessionID":"...","close":true}
//
// # Archives
//
// Session archives are append-only documents of the shape
//
//	{"events":[...],"channels":[...]}
//
// written incrementally. [ParseArchive] recovers a truncated document by
// keeping every complete event and treating the open channel set as unknown.
package protocol
