package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idekick/internal/domain"
)

func TestLaneRunsTasksInOrder(t *testing.T) {
	l := NewLane(8)
	defer l.Close()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 1; i <= 3; i++ {
		i := i
		require.NoError(t, l.Submit(func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 3 {
				close(done)
			}
		}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestLaneSubmitQueueFull(t *testing.T) {
	l := NewLane(1)
	defer l.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, l.Submit(func(context.Context) {
		close(started)
		<-block
	}))
	<-started

	// One slot in the queue, then busy.
	require.NoError(t, l.Submit(func(context.Context) {}))
	err := l.Submit(func(context.Context) {})
	require.ErrorIs(t, err, domain.ErrSessionBusy)
	close(block)
}

func TestLaneCancelCurrent(t *testing.T) {
	l := NewLane(8)
	defer l.Close()

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, l.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}))
	<-started

	// Queued work behind the in-flight task must be discarded.
	ran := make(chan struct{})
	require.NoError(t, l.Submit(func(context.Context) { close(ran) }))

	l.CancelCurrent()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight task was not cancelled")
	}
	select {
	case <-ran:
		t.Fatal("queued task ran after cancel")
	case <-time.After(100 * time.Millisecond):
	}

	// The lane stays usable.
	again := make(chan struct{})
	require.NoError(t, l.Submit(func(context.Context) { close(again) }))
	select {
	case <-again:
	case <-time.After(2 * time.Second):
		t.Fatal("lane unusable after cancel")
	}
}

func TestLaneClose(t *testing.T) {
	l := NewLane(8)
	l.Close()

	err := l.Submit(func(context.Context) {})
	require.ErrorIs(t, err, domain.ErrSessionBusy)

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}

	// Idempotent.
	l.Close()
}

func TestLaneBusy(t *testing.T) {
	l := NewLane(8)
	defer l.Close()

	assert.False(t, l.Busy())

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, l.Submit(func(context.Context) {
		close(started)
		<-block
	}))
	<-started
	assert.True(t, l.Busy())
	close(block)
}
