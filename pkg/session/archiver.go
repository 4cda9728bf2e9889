package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-dev/duet/pkg/protocol"
)

type archiveOp int

const (
	opAppend archiveOp = iota
	opComplete
	opReset
	opDelete
	opSync
)

type archiveJob struct {
	op       archiveOp
	events   []protocol.Event
	channels []protocol.ChannelID
	done     chan error
}

// archiver serializes the archive writes of one session. Jobs run in
// order on a goroutine that exists only while jobs are queued; consecutive
// appends are merged into one write.
type archiver struct {
	store   ArchiveStore
	id      string
	timeout time.Duration
	logger  *slog.Logger
	onError func(err error)

	mu      sync.Mutex
	jobs    []archiveJob
	running bool
}

func newArchiver(store ArchiveStore, id string, timeout time.Duration, logger *slog.Logger, onError func(error)) *archiver {
	return &archiver{store: store, id: id, timeout: timeout, logger: logger, onError: onError}
}

func (a *archiver) enqueue(job archiveJob) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.jobs = append(a.jobs, job)
	if !a.running {
		a.running = true
		go a.run()
	}
}

// next pops the next job, merging a run of appends.
func (a *archiver) next() (archiveJob, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.jobs) == 0 {
		a.running = false
		return archiveJob{}, false
	}
	job := a.jobs[0]
	a.jobs = a.jobs[1:]
	if job.op == opAppend && job.done == nil {
		job.events = copyEvents(job.events)
		for len(a.jobs) > 0 && a.jobs[0].op == opAppend && a.jobs[0].done == nil {
			job.events = append(job.events, a.jobs[0].events...)
			a.jobs = a.jobs[1:]
		}
	}
	return job, true
}

func (a *archiver) run() {
	for {
		job, ok := a.next()
		if !ok {
			return
		}
		err := a.write(job)
		if err != nil {
			a.logger.Warn("archive write failed", "error", err)
			if a.onError != nil {
				a.onError(err)
			}
		}
		if job.done != nil {
			job.done <- err
		}
	}
}

func (a *archiver) write(job archiveJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	switch job.op {
	case opAppend:
		if len(job.events) == 0 {
			return nil
		}
		return a.store.Append(ctx, a.id, job.events)
	case opComplete:
		return a.store.Complete(ctx, a.id, job.channels)
	case opReset:
		if err := a.store.Delete(ctx, a.id); err != nil {
			return err
		}
		return a.store.Append(ctx, a.id, job.events)
	case opDelete:
		return a.store.Delete(ctx, a.id)
	default:
		return nil
	}
}

// append queues events for writing.
func (a *archiver) append(events []protocol.Event) {
	a.enqueue(archiveJob{op: opAppend, events: events})
}

// complete queues the trailer write.
func (a *archiver) complete(channels []protocol.ChannelID) {
	a.enqueue(archiveJob{op: opComplete, channels: channels})
}

// reset queues a rewrite of the whole archive.
func (a *archiver) reset(events []protocol.Event) {
	a.enqueue(archiveJob{op: opReset, events: copyEvents(events)})
}

// remove queues deletion of the archive.
func (a *archiver) remove() {
	a.enqueue(archiveJob{op: opDelete})
}

// sync waits until every job queued before it has been written.
func (a *archiver) sync(ctx context.Context) error {
	done := make(chan error, 1)
	a.enqueue(archiveJob{op: opSync, done: done})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
