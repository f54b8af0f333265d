// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dbsemaphore

import (
	"context"
	"sync"
)

// workerPool is the process-wide, unbounded-queue daemon pool spec.md §5 /
// §9 calls for: "a single shared worker pool (size >= 1, unbounded queue,
// daemon) is sufficient" to run the async dead-heartbeat cleanup a
// blocked acquire dispatches without letting the outer acquire's
// cancellation cancel the cleanup itself. No pack example ships a
// persistent daemon worker-pool library (golang.org/x/sync's errgroup is
// one-shot, not a standing pool), so this is hand-rolled stdlib; see
// DESIGN.md.
type workerPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	wg     sync.WaitGroup
}

// newWorkerPool starts n daemon workers draining an unbounded in-memory
// queue. n is clamped to at least 1.
func newWorkerPool(n int) *workerPool {
	if n < 1 {
		n = 1
	}
	p := &workerPool{}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		fn := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		fn()
	}
}

// submit enqueues fn for background execution. fn always runs to
// completion, independent of any context a caller later uses to wait on
// a future derived from it.
func (p *workerPool) submit(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue = append(p.queue, fn)
	p.cond.Signal()
}

// close stops accepting new work and waits for in-flight and already
// queued tasks to drain. It does not cancel them.
func (p *workerPool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

// future represents the outcome of a task submitted to a workerPool.
// Waiting on a future can time out without affecting the task itself:
// per spec.md §5, "cancellation of the outer acquire must not cancel the
// cleanup".
type future struct {
	done chan struct{}
	err  error
}

// submitFuture enqueues fn and returns a future that resolves once fn
// returns, regardless of whether any caller is still waiting on it.
func (p *workerPool) submitFuture(fn func() error) *future {
	f := &future{done: make(chan struct{})}
	p.submit(func() {
		f.err = fn()
		close(f.done)
	})
	return f
}

// wait blocks until f resolves or ctx is done. A ctx timeout here does
// not cancel the underlying task — it only stops this caller from
// waiting on it further.
func (f *future) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ErrCleanupTimeout
	}
}

// sharedPool is the process-wide worker pool every Semaphore instance's
// async dead-row cleanup dispatches onto (spec.md §9 "Shared-worker
// dispatch").
var sharedPool = newWorkerPool(4)
