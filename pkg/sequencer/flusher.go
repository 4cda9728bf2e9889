package sequencer

import (
	"sync"
	"time"
)

// DefaultHeartbeatInterval keeps idle connections from being reaped by
// intermediaries.
const DefaultHeartbeatInterval = 4 * time.Minute

// Flusher coalesces flush requests. Any number of Schedule calls before the
// flush runs produce a single flush, posted to the owner's loop rather than
// run synchronously.
type Flusher struct {
	post  func(func()) bool
	flush func()

	mu        sync.Mutex
	scheduled bool
	last      time.Time
}

// NewFlusher creates a flusher. post queues a task on the owner's loop.
func NewFlusher(post func(func()) bool, flush func()) *Flusher {
	return &Flusher{post: post, flush: flush}
}

// Schedule requests a flush.
func (f *Flusher) Schedule() {
	f.mu.Lock()
	if f.scheduled {
		f.mu.Unlock()
		return
	}
	f.scheduled = true
	f.mu.Unlock()

	if !f.post(f.run) {
		f.mu.Lock()
		f.scheduled = false
		f.mu.Unlock()
	}
}

func (f *Flusher) run() {
	f.mu.Lock()
	f.scheduled = false
	f.last = time.Now()
	f.mu.Unlock()

	f.flush()
}

// LastFlush returns when the last flush ran.
func (f *Flusher) LastFlush() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// Heartbeat calls beat on a fixed interval until stopped.
type Heartbeat struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartHeartbeat starts a heartbeat. A non-positive interval uses
// DefaultHeartbeatInterval.
func StartHeartbeat(interval time.Duration, beat func()) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	h := &Heartbeat{stop: make(chan struct{}), done: make(chan struct{})}

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				beat()
			case <-h.stop:
				return
			}
		}
	}()
	return h
}

// Stop ends the heartbeat and waits for its goroutine to exit.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}
