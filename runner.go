package loom

import (
	"sync"
)

// Runner is a dedicated goroutine draining an unbounded FIFO of
// tasks. Tasks posted from the same goroutine execute in post order;
// `Post` never blocks. A proxy's "IPC thread" and "owner thread" are
// both Runners.
type Runner struct {
	lk     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool

	doneCh chan struct{}
}

// NewRunner starts the runner goroutine immediately.
func NewRunner() *Runner {
	r := &Runner{
		wake:   make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}
	go r.run()
	return r
}

// Post enqueues a task. It returns ErrRunnerClosed once Close has
// been called; the task is then dropped.
func (r *Runner) Post(task func()) error {
	r.lk.Lock()
	if r.closed {
		r.lk.Unlock()
		return ErrRunnerClosed
	}
	r.queue = append(r.queue, task)
	r.lk.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close stops accepting tasks. Tasks already posted are still drained
// before the runner goroutine exits; teardown work posted just before
// Close is therefore guaranteed to run.
func (r *Runner) Close() {
	r.lk.Lock()
	if r.closed {
		r.lk.Unlock()
		return
	}
	r.closed = true
	r.lk.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the runner goroutine has drained its queue and
// exited.
func (r *Runner) Done() <-chan struct{} {
	return r.doneCh
}

func (r *Runner) run() {
	defer close(r.doneCh)
	for {
		r.lk.Lock()
		batch := r.queue
		r.queue = nil
		closed := r.closed
		r.lk.Unlock()

		for _, task := range batch {
			task()
		}

		if len(batch) > 0 {
			// Tasks may have posted more work; re-check before
			// sleeping.
			continue
		}
		if closed {
			return
		}
		<-r.wake
	}
}
