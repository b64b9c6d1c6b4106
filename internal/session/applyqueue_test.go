package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"easel/internal/session"
)

func TestApplyQueueSerializesPerKey(t *testing.T) {
	q := session.NewApplyQueue()

	var mu sync.Mutex
	var order []int
	inFlight := 0
	peak := 0

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), "same", func(context.Context) error {
				mu.Lock()
				inFlight++
				if inFlight > peak {
					peak = inFlight
				}
				order = append(order, i)
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
		// Stagger submissions so FIFO order is observable.
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	if peak != 1 {
		t.Fatalf("expected one in-flight apply per key, saw %d", peak)
	}
	if len(order) != 5 {
		t.Fatalf("expected 5 applies, got %d", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestApplyQueueDifferentKeysRunInParallel(t *testing.T) {
	q := session.NewApplyQueue()

	release := make(chan struct{})
	started := make(chan string, 2)

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		key := key
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), key, func(context.Context) error {
				started <- key
				<-release
				return nil
			})
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("applies for distinct keys did not overlap")
		}
	}
	close(release)
	wg.Wait()
}

func TestApplyQueueSkipsOnCancelledContext(t *testing.T) {
	q := session.NewApplyQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Do(ctx, "key", func(context.Context) error {
		t.Fatal("fn must not run after cancellation")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// The slot is passed on; later work still runs.
	ran := false
	if err := q.Do(context.Background(), "key", func(context.Context) error {
		ran = true
		return nil
	}); err != nil || !ran {
		t.Fatalf("expected follow-up apply to run, err=%v ran=%v", err, ran)
	}
}

func TestApplyQueuePropagatesError(t *testing.T) {
	q := session.NewApplyQueue()
	want := errors.New("apply blew up")
	if err := q.Do(context.Background(), "key", func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected fn error, got %v", err)
	}
}
