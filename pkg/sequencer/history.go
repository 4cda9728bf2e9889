package sequencer

import (
	"sync"
	"time"

	"github.com/vango-dev/duet/pkg/protocol"
)

// HistoryEntry is a sent message kept for retransmission.
type HistoryEntry struct {
	Message protocol.Message
	SentAt  time.Time
}

// History is a thread-safe ring buffer of sent messages. After a reconnect
// the sender replays every retained message the receiver may have missed;
// the receiver's sequencer discards the ones it already applied.
//
// The ring overwrites the oldest entries when full.
type History struct {
	mu       sync.RWMutex
	entries  []*HistoryEntry
	head     int // next write position
	count    int
	capacity int
	minID    uint64
	maxID    uint64
}

// NewHistory creates a history holding up to capacity messages.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{
		entries:  make([]*HistoryEntry, capacity),
		capacity: capacity,
	}
}

// Add records a sent message. Events are copied so later mutation of the
// caller's slice does not leak into retransmissions.
func (h *History) Add(m protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m.Events = append([]protocol.Event(nil), m.Events...)
	h.entries[h.head] = &HistoryEntry{Message: m, SentAt: time.Now()}
	h.head = (h.head + 1) % h.capacity
	if h.count < h.capacity {
		h.count++
	}

	h.maxID = m.MessageID
	if h.count == 1 {
		h.minID = m.MessageID
	} else if h.count == h.capacity {
		if oldest := h.entries[h.head]; oldest != nil {
			h.minID = oldest.Message.MessageID
		}
	}
}

// Since returns the retained messages with an id of at least from, oldest
// first.
func (h *History) Since(from uint64) []protocol.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []protocol.Message
	for i := 0; i < h.count; i++ {
		idx := (h.head - h.count + i + h.capacity) % h.capacity
		e := h.entries[idx]
		if e != nil && e.Message.MessageID >= from {
			out = append(out, e.Message)
		}
	}
	return out
}

// CanRecover reports whether every message from id on is still retained.
func (h *History) CanRecover(from uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 || from > h.maxID {
		return true
	}
	return from >= h.minID
}

// Count returns the number of retained messages.
func (h *History) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Clear drops every retained message.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.entries {
		h.entries[i] = nil
	}
	h.head = 0
	h.count = 0
	h.minID = 0
	h.maxID = 0
}
