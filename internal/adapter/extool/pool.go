package extool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// workerPool runs finite background tasks (connection setup, discovery) on a
// bounded set of goroutines. Task starts are paced by a rate limiter so that
// a large roster change does not spawn dozens of subprocesses in the same
// instant. Long-lived work such as stderr draining must not go through the
// pool.
type workerPool struct {
	mu      sync.Mutex
	closed  bool
	tasks   chan func()
	limiter *rate.Limiter
	workers sync.WaitGroup
	pending sync.WaitGroup
}

func newWorkerPool(workers int) *workerPool {
	if workers <= 0 {
		workers = 4
	}
	p := &workerPool{
		tasks:   make(chan func(), workers*4),
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), workers),
	}
	for i := 0; i < workers; i++ {
		p.workers.Add(1)
		go p.run()
	}
	return p
}

func (p *workerPool) run() {
	defer p.workers.Done()
	for task := range p.tasks {
		_ = p.limiter.Wait(context.Background())
		task()
	}
}

// Submit queues a task. Returns false after Close.
func (p *workerPool) Submit(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.pending.Add(1)
	p.tasks <- func() {
		defer p.pending.Done()
		task()
	}
	return true
}

// Wait blocks until all submitted tasks have finished.
func (p *workerPool) Wait() {
	p.pending.Wait()
}

// Close stops accepting tasks and waits for workers to drain.
func (p *workerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.workers.Wait()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.workers.Wait()
}
