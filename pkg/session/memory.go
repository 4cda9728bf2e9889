package session

import (
	"context"
	"sync"
	"time"

	"github.com/vango-dev/duet/pkg/protocol"
)

// MemoryStore is an in-memory archive store.
// It's the default store and survives reconnects but not process restarts.
// For restarts, use FileStore, SQLStore or S3Store.
type MemoryStore struct {
	mu        sync.RWMutex
	archives  map[string]*storedArchive
	retention time.Duration
	closed    bool
	done      chan struct{}
}

type storedArchive struct {
	events    []protocol.Event
	channels  []protocol.ChannelID
	complete  bool
	updatedAt time.Time
}

// MemoryStoreOption configures MemoryStore behavior.
type MemoryStoreOption func(*memoryStoreConfig)

type memoryStoreConfig struct {
	cleanupInterval time.Duration
	retention       time.Duration
}

// WithCleanupInterval sets how often stale archives are cleaned up.
// Default: 1 minute.
func WithCleanupInterval(d time.Duration) MemoryStoreOption {
	return func(c *memoryStoreConfig) {
		c.cleanupInterval = d
	}
}

// WithRetention sets how long an archive is kept after its last write.
// Default: 24 hours. Zero keeps archives forever.
func WithRetention(d time.Duration) MemoryStoreOption {
	return func(c *memoryStoreConfig) {
		c.retention = d
	}
}

// NewMemoryStore creates a new in-memory archive store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	cfg := &memoryStoreConfig{
		cleanupInterval: 1 * time.Minute,
		retention:       24 * time.Hour,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	store := &MemoryStore{
		archives:  make(map[string]*storedArchive),
		retention: cfg.retention,
		done:      make(chan struct{}),
	}

	go store.cleanupLoop(cfg.cleanupInterval)
	return store
}

// Append adds events to a session's archive.
func (m *MemoryStore) Append(ctx context.Context, sessionID string, events []protocol.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}

	a, ok := m.archives[sessionID]
	if !ok {
		a = &storedArchive{}
		m.archives[sessionID] = a
	}
	a.events = append(a.events, events...)
	a.channels = nil
	a.complete = false
	a.updatedAt = time.Now()
	return nil
}

// Complete writes the trailer for a session's archive.
func (m *MemoryStore) Complete(ctx context.Context, sessionID string, channels []protocol.ChannelID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}

	a, ok := m.archives[sessionID]
	if !ok {
		a = &storedArchive{}
		m.archives[sessionID] = a
	}
	a.channels = append([]protocol.ChannelID{}, channels...)
	a.complete = true
	a.updatedAt = time.Now()
	return nil
}

// Read returns a copy of a session's archive.
func (m *MemoryStore) Read(ctx context.Context, sessionID string) (*protocol.Archive, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed{}
	}

	a, ok := m.archives[sessionID]
	if !ok {
		return nil, nil
	}

	// Return copies to prevent mutations
	out := &protocol.Archive{
		Events:   copyEvents(a.events),
		Complete: a.complete,
	}
	if out.Events == nil {
		out.Events = []protocol.Event{}
	}
	if a.complete {
		out.Channels = append([]protocol.ChannelID{}, a.channels...)
	}
	return out, nil
}

// Delete removes a session's archive.
func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}

	delete(m.archives, sessionID)
	return nil
}

// Close shuts down the store and releases resources.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	close(m.done)
	m.archives = nil
	return nil
}

// Count returns the number of archives in the store.
// This is for monitoring/testing purposes.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.archives)
}

// cleanupLoop periodically removes stale archives.
func (m *MemoryStore) cleanupLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup(time.Now())
		case <-m.done:
			return
		}
	}
}

// cleanup removes archives last written before now minus the retention.
func (m *MemoryStore) cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.retention <= 0 {
		return
	}

	var expired []string
	for id, a := range m.archives {
		if now.Sub(a.updatedAt) > m.retention {
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		delete(m.archives, id)
	}
}
