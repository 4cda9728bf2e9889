// Package sequencer restores message order over a lossy, reorderable
// transport and paces outgoing traffic.
package sequencer

import (
	"errors"
	"fmt"

	"github.com/vango-dev/duet/pkg/protocol"
)

const (
	// DefaultMaxPending bounds the reorder buffer.
	DefaultMaxPending = 1024

	// DefaultHistorySize is the number of sent messages kept for
	// retransmission.
	DefaultHistorySize = 256
)

// ErrReorderOverflow is returned when too many out-of-order messages are
// waiting for a gap to fill.
var ErrReorderOverflow = errors.New("sequencer: reorder buffer overflow")

// Outcome describes what Receive did with a message.
type Outcome int

const (
	// Applied means the message, and possibly buffered successors, are ready.
	Applied Outcome = iota

	// Buffered means the message is ahead of a gap and was held back.
	Buffered

	// Duplicate means the message was already applied and was discarded.
	Duplicate
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Buffered:
		return "buffered"
	default:
		return "duplicate"
	}
}

// Sequencer numbers outgoing messages and orders incoming ones for one
// connection. It is owned by a single goroutine.
type Sequencer struct {
	next       uint64
	expected   uint64
	pending    map[uint64]protocol.Message
	maxPending int
}

// New creates a sequencer whose first outgoing and expected ids are zero.
func New() *Sequencer {
	return &Sequencer{
		pending:    make(map[uint64]protocol.Message),
		maxPending: DefaultMaxPending,
	}
}

// Next returns the id for the next outgoing message.
func (s *Sequencer) Next() uint64 {
	id := s.next
	s.next++
	return id
}

// PeekNext returns the id Next would return.
func (s *Sequencer) PeekNext() uint64 {
	return s.next
}

// SetNext continues outgoing numbering from id.
func (s *Sequencer) SetNext(id uint64) {
	s.next = id
}

// Expected returns the id of the next message to apply.
func (s *Sequencer) Expected() uint64 {
	return s.expected
}

// Pending returns the number of buffered messages.
func (s *Sequencer) Pending() int {
	return len(s.pending)
}

// Reseed makes id the next expected message. Buffered messages older than
// id are discarded. A sequencer rebuilt after a restart uses it to continue
// from whatever its peer sends first.
func (s *Sequencer) Reseed(id uint64) {
	s.expected = id
	for pid := range s.pending {
		if pid < id {
			delete(s.pending, pid)
		}
	}
}

// Receive accepts one incoming message and returns, in order, the messages
// that are now ready to apply.
func (s *Sequencer) Receive(m protocol.Message) ([]protocol.Message, Outcome, error) {
	switch {
	case m.MessageID < s.expected:
		return nil, Duplicate, nil

	case m.MessageID > s.expected:
		if _, ok := s.pending[m.MessageID]; ok {
			return nil, Duplicate, nil
		}
		if len(s.pending) >= s.maxPending {
			return nil, Buffered, fmt.Errorf("%w: %d messages waiting for %d",
				ErrReorderOverflow, len(s.pending), s.expected)
		}
		s.pending[m.MessageID] = m
		return nil, Buffered, nil
	}

	ready := []protocol.Message{m}
	s.expected++
	for {
		next, ok := s.pending[s.expected]
		if !ok {
			break
		}
		delete(s.pending, s.expected)
		ready = append(ready, next)
		s.expected++
	}
	return ready, Applied, nil
}
