package progress_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"easel/internal/logging"
	"easel/internal/progress"
	"easel/internal/queue"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *eventRecorder) record(e progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(t progress.EventType) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestCompletedNeverExceedsTotal(t *testing.T) {
	agg := progress.NewAggregator(logging.NewNop())
	agg.RegisterTask("msg-1", 2)

	agg.CompleteTask("msg-1")
	agg.CompleteTask("msg-1")
	agg.CompleteTask("msg-1")
	agg.FailTask("msg-1")

	snap, ok := agg.Snapshot("msg-1")
	if !ok {
		t.Fatal("expected tracking to remain")
	}
	if snap.Completed != 2 || snap.Total != 2 {
		t.Fatalf("expected completed capped at total, got %#v", snap)
	}
}

func TestDeferredStartAnnouncement(t *testing.T) {
	agg := progress.NewAggregator(logging.NewNop())
	rec := &eventRecorder{}
	defer agg.Subscribe(rec.record)()

	agg.RegisterTask("msg-2", 0)
	agg.UpdateTotal("msg-2", 3)

	if got := rec.ofType(progress.EventStarted); len(got) != 1 {
		t.Fatalf("expected exactly one started event, got %d", len(got))
	}
	if got := rec.ofType(progress.EventUpdated); len(got) != 0 {
		t.Fatalf("expected zero updated events, got %d", len(got))
	}
}

func TestMixedOutcomeCompletion(t *testing.T) {
	agg := progress.NewAggregator(logging.NewNop())
	rec := &eventRecorder{}
	defer agg.Subscribe(rec.record)()

	agg.RegisterTask("7", 2)
	agg.CompleteTask("7")
	agg.FailTask("7")

	snap, ok := agg.Snapshot("7")
	if !ok {
		t.Fatal("expected tracking to remain")
	}
	if snap.Completed != 2 || snap.Total != 2 || snap.Succeeded != 1 || snap.Failed != 1 {
		t.Fatalf("unexpected final state: %#v", snap)
	}

	completes := rec.ofType(progress.EventAllComplete)
	if len(completes) != 1 {
		t.Fatalf("expected exactly one all-tasks-complete event, got %d", len(completes))
	}
	if completes[0].Snapshot.Succeeded != 1 || completes[0].Snapshot.Failed != 1 {
		t.Fatalf("unexpected completion payload: %#v", completes[0].Snapshot)
	}
}

func TestDecrementTotalClearsPartiallyComplete(t *testing.T) {
	agg := progress.NewAggregator(logging.NewNop())
	rec := &eventRecorder{}
	defer agg.Subscribe(rec.record)()

	agg.RegisterTask("msg-3", 3)
	agg.CompleteTask("msg-3")

	agg.DecrementTotal("msg-3", 2)

	if _, ok := agg.Snapshot("msg-3"); ok {
		t.Fatal("expected tracking to be cleared")
	}
	if got := rec.ofType(progress.EventCleared); len(got) != 1 {
		t.Fatalf("expected one cleared event, got %d", len(got))
	}
}

func TestWaitAllCompleteImmediatePaths(t *testing.T) {
	agg := progress.NewAggregator(logging.NewNop())
	ctx := context.Background()

	if err := agg.WaitAllComplete(ctx, "untracked", time.Second); err != nil {
		t.Fatalf("expected immediate resolution for untracked key: %v", err)
	}

	agg.RegisterTask("msg-4", 1)
	agg.CompleteTask("msg-4")
	if err := agg.WaitAllComplete(ctx, "msg-4", time.Second); err != nil {
		t.Fatalf("expected immediate resolution for complete key: %v", err)
	}
}

func TestWaitAllCompleteResolvesOnCompletion(t *testing.T) {
	agg := progress.NewAggregator(logging.NewNop())
	agg.RegisterTask("msg-5", 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- agg.WaitAllComplete(context.Background(), "msg-5", 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	agg.CompleteTask("msg-5")

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected wait to resolve, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not resolve after completion")
	}
}

func TestWaitAllCompleteTimeout(t *testing.T) {
	agg := progress.NewAggregator(logging.NewNop())
	agg.RegisterTask("msg-6", 1)

	err := agg.WaitAllComplete(context.Background(), "msg-6", 30*time.Millisecond)
	if !errors.Is(err, progress.ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
}

func TestWaitAllCompleteDistinguishesAbortTiming(t *testing.T) {
	agg := progress.NewAggregator(logging.NewNop())
	agg.RegisterTask("msg-7", 1)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := agg.WaitAllComplete(cancelled, "msg-7", time.Second)
	if !errors.Is(err, progress.ErrAbortedBeforeWait) {
		t.Fatalf("expected ErrAbortedBeforeWait, got %v", err)
	}

	ctx, cancelLater := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- agg.WaitAllComplete(ctx, "msg-7", 5*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	cancelLater()

	select {
	case err := <-errCh:
		if !errors.Is(err, progress.ErrWaitAborted) {
			t.Fatalf("expected ErrWaitAborted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not observe cancellation")
	}
}

func TestClearFiresClearedAndReleasesWaiters(t *testing.T) {
	agg := progress.NewAggregator(logging.NewNop())
	rec := &eventRecorder{}
	defer agg.Subscribe(rec.record)()

	agg.RegisterTask("msg-8", 2)

	errCh := make(chan error, 1)
	go func() {
		errCh <- agg.WaitAllComplete(context.Background(), "msg-8", 5*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	agg.Clear("msg-8")

	select {
	case err := <-errCh:
		// The work was discarded, not finished; the waiter must be able to
		// tell the difference.
		if !errors.Is(err, progress.ErrTrackingCleared) {
			t.Fatalf("expected ErrTrackingCleared, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released on clear")
	}

	if got := rec.ofType(progress.EventCleared); len(got) != 1 {
		t.Fatalf("expected one cleared event, got %d", len(got))
	}
}

func TestNotifyItemCompletedCarriesItem(t *testing.T) {
	agg := progress.NewAggregator(logging.NewNop())
	rec := &eventRecorder{}
	defer agg.Subscribe(rec.record)()

	agg.NotifyItemCompleted("msg-9", queue.Item{ID: "abc", Status: queue.StatusCompleted})

	got := rec.ofType(progress.EventItemCompleted)
	if len(got) != 1 || got[0].Item == nil || got[0].Item.ID != "abc" {
		t.Fatalf("unexpected item-completed events: %#v", got)
	}
}
