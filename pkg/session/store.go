package session

import (
	"context"

	"github.com/vango-dev/duet/pkg/protocol"
)

// ArchiveStore defines the interface for session archive backends.
// Implementations must be safe for concurrent use. A session never has more
// than one write in flight; different sessions write concurrently.
type ArchiveStore interface {
	// Append adds events to the end of the session's archive, creating it
	// if needed. Appending to a completed archive reopens it.
	Append(ctx context.Context, sessionID string, events []protocol.Event) error

	// Complete writes the trailer listing the server channels still open.
	Complete(ctx context.Context, sessionID string, channels []protocol.ChannelID) error

	// Read returns the archive for a session.
	// Returns (nil, nil) if the session has no archive.
	// Incomplete archives are returned with Complete false.
	Read(ctx context.Context, sessionID string) (*protocol.Archive, error)

	// Delete removes a session's archive.
	// Should not return an error if the archive doesn't exist.
	Delete(ctx context.Context, sessionID string) error

	// Close releases any resources held by the store.
	// Called when the server shuts down.
	Close() error
}

// ErrStoreClosed is returned when operations are attempted on a closed store.
type ErrStoreClosed struct{}

func (e ErrStoreClosed) Error() string {
	return "session: archive store is closed"
}

// copyEvents returns a copy of events that shares no slice with the input.
func copyEvents(events []protocol.Event) []protocol.Event {
	return append([]protocol.Event(nil), events...)
}
