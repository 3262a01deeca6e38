package usecase

import (
	"context"
	"sync"

	"idekick/internal/domain"
)

// Lane is a serial execution queue: submitted tasks run one at a time in
// submission order on a dedicated goroutine. The primary session and every
// sub-agent each own a lane, which is what guarantees that no two turns of
// the same conversation ever interleave.
type Lane struct {
	mu      sync.Mutex
	tasks   chan func(context.Context)
	cancel  context.CancelFunc // lane-level, fires on Close
	current context.CancelFunc // in-flight task, fires on CancelCurrent
	closed  bool
	done    chan struct{}
}

// NewLane creates a lane with the given queue depth and starts its worker.
func NewLane(buffer int) *Lane {
	if buffer <= 0 {
		buffer = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Lane{
		tasks:  make(chan func(context.Context), buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.run(ctx)
	return l
}

func (l *Lane) run(laneCtx context.Context) {
	defer close(l.done)
	for task := range l.tasks {
		if laneCtx.Err() != nil {
			continue // drain without executing after Close
		}
		taskCtx, cancelTask := context.WithCancel(laneCtx)
		l.mu.Lock()
		l.current = cancelTask
		l.mu.Unlock()

		task(taskCtx)

		l.mu.Lock()
		l.current = nil
		l.mu.Unlock()
		cancelTask()
	}
}

// Submit queues a task. It never blocks: when the queue is full or the lane
// is closed it returns ErrSessionBusy and the task is dropped.
func (l *Lane) Submit(task func(ctx context.Context)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return domain.NewDomainError("Lane.Submit", domain.ErrSessionBusy, "lane closed")
	}
	select {
	case l.tasks <- task:
		return nil
	default:
		return domain.NewDomainError("Lane.Submit", domain.ErrSessionBusy, "queue full")
	}
}

// CancelCurrent cancels the in-flight task (if any) and discards everything
// still queued. The lane itself stays usable for new submissions.
func (l *Lane) CancelCurrent() {
	l.mu.Lock()
	cancel := l.current
	l.mu.Unlock()

	// Drain queued tasks first so nothing starts after the cancel.
	for {
		select {
		case <-l.tasks:
		default:
			if cancel != nil {
				cancel()
			}
			return
		}
	}
}

// Busy reports whether a task is currently executing.
func (l *Lane) Busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current != nil
}

// Close cancels the in-flight task, drops the queue and stops the worker.
// It does not wait for the worker to observe the cancellation.
func (l *Lane) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.tasks)
	l.mu.Unlock()
	l.cancel()
}

// Done is closed once the worker goroutine has exited.
func (l *Lane) Done() <-chan struct{} { return l.done }
