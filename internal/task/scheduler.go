package task

import (
	"context"
	"sync"
	"time"
)

// Scheduler submits work for asynchronous execution after a delay. Tasks
// may run on any goroutine and carry their whole payload in the closure.
type Scheduler interface {
	Schedule(delay time.Duration, fn func(ctx context.Context))
}

// Runner is the in-process Scheduler. Close stops accepting work and
// cancels the context handed to pending tasks.
type Runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewRunner() *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{ctx: ctx, cancel: cancel}
}

func (r *Runner) Schedule(delay time.Duration, fn func(ctx context.Context)) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-r.ctx.Done():
			return
		case <-timer.C:
		}
		fn(r.ctx)
	}()
}

func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
	return nil
}
