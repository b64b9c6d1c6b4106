package session

import (
	"context"
	"sync"
)

// ApplyQueue serializes writes per resource key. Work for one key runs in
// strict FIFO order with exactly one call in flight; different keys run fully
// in parallel.
type ApplyQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewApplyQueue constructs an empty apply queue.
func NewApplyQueue() *ApplyQueue {
	return &ApplyQueue{tails: make(map[string]chan struct{})}
}

// Do runs fn after all previously enqueued work for key has finished. When
// ctx is cancelled while waiting, fn is skipped and the slot is passed on.
func (q *ApplyQueue) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	done := make(chan struct{})

	q.mu.Lock()
	prev := q.tails[key]
	q.tails[key] = done
	q.mu.Unlock()

	defer func() {
		close(done)
		q.mu.Lock()
		if q.tails[key] == done {
			delete(q.tails, key)
		}
		q.mu.Unlock()
	}()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	return fn(ctx)
}
