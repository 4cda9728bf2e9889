package peer

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// taskQueue is an unbounded FIFO of loop tasks. Producers never block.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func()
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{signal: make(chan struct{}, 1)}
}

func (q *taskQueue) push(fn func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *taskQueue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

// Run executes posted tasks one at a time until Stop is called or ctx is
// done. Every callback, dispatch and completion of the peer happens here.
func (p *Peer) Run(ctx context.Context) error {
	defer p.opCancel()

	for {
		select {
		case <-p.queue.signal:
			for _, fn := range p.queue.drain() {
				p.runTask(fn)
			}

		case <-p.stop:
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runTask runs one task with panic recovery, then the turn hook.
func (p *Peer) runTask(fn func()) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("task panic",
					"panic", r,
					"stack", string(debug.Stack()))
				p.unhandled(fmt.Errorf("peer: task panic: %v", r))
			}
		}()
		fn()
	}()

	if p.config.AfterTurn != nil {
		p.config.AfterTurn()
	}
}

// Post queues fn to run on the loop. It reports false once the peer has
// stopped.
func (p *Peer) Post(fn func()) bool {
	select {
	case <-p.stop:
		return false
	default:
	}
	p.queue.push(fn)
	return true
}

// Do runs fn on the loop and waits for it to finish.
func (p *Peer) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !p.Post(func() {
		defer close(done)
		fn()
	}) {
		return &DisconnectedError{Reason: "stopped"}
	}

	select {
	case <-done:
		return nil
	case <-p.stop:
		select {
		case <-done:
			return nil
		default:
		}
		return &DisconnectedError{Reason: "stopped"}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the loop. Queued tasks are discarded.
func (p *Peer) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

// Stopped is closed when Stop is called.
func (p *Peer) Stopped() <-chan struct{} {
	return p.stop
}
