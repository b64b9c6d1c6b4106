package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"easel/internal/logging"
	"easel/internal/queue"
)

// DefaultWaitTimeout bounds WaitAllComplete when no timeout is supplied.
const DefaultWaitTimeout = 5 * time.Minute

var (
	// ErrWaitTimeout reports that WaitAllComplete hit its deadline.
	ErrWaitTimeout = errors.New("timed out waiting for tasks")
	// ErrWaitAborted reports cancellation that arrived while waiting.
	ErrWaitAborted = errors.New("wait aborted")
	// ErrAbortedBeforeWait reports a context that was already cancelled when
	// WaitAllComplete was called.
	ErrAbortedBeforeWait = errors.New("wait aborted before it began")
	// ErrTrackingCleared reports that tracking for the resource was cleared
	// while waiting, before the known work completed.
	ErrTrackingCleared = errors.New("progress tracking cleared while waiting")
)

type state struct {
	total     int
	completed int
	succeeded int
	failed    int
	startTime time.Time
}

func (s *state) snapshot() Snapshot {
	return Snapshot{
		Total:     s.total,
		Completed: s.completed,
		Succeeded: s.succeeded,
		Failed:    s.failed,
		StartTime: s.startTime,
	}
}

// Aggregator tracks per-resource task counts and publishes progress events to
// an explicit observer list.
type Aggregator struct {
	logger *slog.Logger

	mu          sync.Mutex
	states      map[string]*state
	waiters     map[string][]chan error
	subscribers map[int]func(Event)
	nextSubID   int
}

// NewAggregator constructs an empty aggregator.
func NewAggregator(logger *slog.Logger) *Aggregator {
	return &Aggregator{
		logger:      logging.WithComponent(logger, "progress"),
		states:      make(map[string]*state),
		waiters:     make(map[string][]chan error),
		subscribers: make(map[int]func(Event)),
	}
}

// Subscribe registers an observer for all progress events and returns its
// unsubscribe function.
func (a *Aggregator) Subscribe(fn func(Event)) func() {
	a.mu.Lock()
	id := a.nextSubID
	a.nextSubID++
	a.subscribers[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.subscribers, id)
		a.mu.Unlock()
	}
}

// RegisterTask adds incrementBy tasks to a resource's total, initializing
// tracking on first use. An increment of zero initializes tracking without
// announcing it; the "started" event fires on whichever call first raises the
// total above zero.
func (a *Aggregator) RegisterTask(key string, incrementBy int) {
	if incrementBy < 0 {
		incrementBy = 0
	}

	a.mu.Lock()
	st, ok := a.states[key]
	if !ok {
		st = &state{startTime: time.Now().UTC()}
		a.states[key] = st
	}
	prevTotal := st.total
	st.total += incrementBy
	events := a.totalChangeEventsLocked(key, st, prevTotal)
	a.mu.Unlock()

	a.publish(events)
}

// UpdateTotal sets a resource's total outright without touching completed,
// covering markers discovered mid-stream and the freeze at finalize.
func (a *Aggregator) UpdateTotal(key string, newTotal int) {
	if newTotal < 0 {
		newTotal = 0
	}

	a.mu.Lock()
	st, ok := a.states[key]
	if !ok {
		st = &state{startTime: time.Now().UTC()}
		a.states[key] = st
	}
	prevTotal := st.total
	st.total = newTotal
	events := a.totalChangeEventsLocked(key, st, prevTotal)
	a.mu.Unlock()

	a.publish(events)
}

// totalChangeEventsLocked derives the events a total mutation produces and
// releases waiters when the mutation itself satisfies completion.
func (a *Aggregator) totalChangeEventsLocked(key string, st *state, prevTotal int) []Event {
	if st.total == prevTotal {
		return nil
	}
	snap := st.snapshot()
	var events []Event
	if prevTotal == 0 && st.total > 0 {
		events = append(events, Event{Type: EventStarted, Key: key, Snapshot: snap})
	} else {
		events = append(events, Event{Type: EventUpdated, Key: key, Snapshot: snap})
	}
	if snap.Complete() {
		events = append(events, Event{Type: EventAllComplete, Key: key, Snapshot: snap})
		a.releaseWaitersLocked(key, nil)
	}
	return events
}

// CompleteTask records one successful completion.
func (a *Aggregator) CompleteTask(key string) {
	a.finish(key, true)
}

// FailTask records one failed completion. Failures count toward completed.
func (a *Aggregator) FailTask(key string) {
	a.finish(key, false)
}

func (a *Aggregator) finish(key string, succeeded bool) {
	a.mu.Lock()
	st, ok := a.states[key]
	if !ok || st.completed >= st.total {
		a.mu.Unlock()
		a.logger.Warn("completion reported beyond known total",
			logging.Args(
				logging.String(logging.FieldResourceKey, key),
				logging.Bool("tracked", ok),
				logging.String(logging.FieldEventType, "progress_overflow"),
			)...)
		return
	}

	st.completed++
	if succeeded {
		st.succeeded++
	} else {
		st.failed++
	}
	snap := st.snapshot()
	events := []Event{{Type: EventUpdated, Key: key, Snapshot: snap}}
	if snap.Complete() {
		events = append(events, Event{Type: EventAllComplete, Key: key, Snapshot: snap})
		a.releaseWaitersLocked(key, nil)
	}
	a.mu.Unlock()

	a.publish(events)
}

// DecrementTotal removes pending tasks that were cancelled before starting.
// Tracking ends entirely when nothing remains outstanding.
func (a *Aggregator) DecrementTotal(key string, by int) {
	if by <= 0 {
		return
	}

	a.mu.Lock()
	st, ok := a.states[key]
	if !ok {
		a.mu.Unlock()
		return
	}
	st.total -= by
	if st.total < 0 {
		st.total = 0
	}
	var events []Event
	if st.total == 0 || st.completed >= st.total {
		// Nothing remains outstanding, so waiters get a clean resolution.
		delete(a.states, key)
		a.releaseWaitersLocked(key, nil)
		events = append(events, Event{Type: EventCleared, Key: key, Snapshot: st.snapshot()})
	} else {
		events = append(events, Event{Type: EventUpdated, Key: key, Snapshot: st.snapshot()})
	}
	a.mu.Unlock()

	a.publish(events)
}

// Clear ends tracking for a resource. It is the caller-decided operation
// boundary, distinct from "all current tasks complete".
func (a *Aggregator) Clear(key string) {
	a.mu.Lock()
	st, ok := a.states[key]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.states, key)
	// Clear is an operation boundary, not a completion: a waiter woken here
	// must not mistake discarded work for finished work.
	a.releaseWaitersLocked(key, ErrTrackingCleared)
	snap := st.snapshot()
	a.mu.Unlock()

	a.publish([]Event{{Type: EventCleared, Key: key, Snapshot: snap}})
}

// NotifyItemCompleted publishes a per-item completion event so presentation
// layers can observe individual results.
func (a *Aggregator) NotifyItemCompleted(key string, item queue.Item) {
	a.mu.Lock()
	var snap Snapshot
	if st, ok := a.states[key]; ok {
		snap = st.snapshot()
	}
	a.mu.Unlock()

	a.publish([]Event{{Type: EventItemCompleted, Key: key, Snapshot: snap, Item: &item}})
}

// Snapshot returns the current state for a resource, reporting whether it is
// tracked at all.
func (a *Aggregator) Snapshot(key string) (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[key]
	if !ok {
		return Snapshot{}, false
	}
	return st.snapshot(), true
}

// WaitAllComplete blocks until all currently known work for a resource is
// finished. It returns immediately for untracked or already-complete
// resources, ErrWaitTimeout after the bound elapses, ErrAbortedBeforeWait when
// ctx was cancelled before the call, ErrWaitAborted when cancellation arrives
// while waiting, and ErrTrackingCleared when the resource is cleared out from
// under the wait. A non-positive timeout uses DefaultWaitTimeout.
func (a *Aggregator) WaitAllComplete(ctx context.Context, key string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrAbortedBeforeWait, err)
	}
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	a.mu.Lock()
	st, ok := a.states[key]
	if !ok || st.completed >= st.total {
		a.mu.Unlock()
		return nil
	}
	done := make(chan error, 1)
	a.waiters[key] = append(a.waiters[key], done)
	a.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: resource %s", err, key)
		}
		return nil
	case <-timer.C:
		a.removeWaiter(key, done)
		return fmt.Errorf("%w: resource %s", ErrWaitTimeout, key)
	case <-ctx.Done():
		a.removeWaiter(key, done)
		return fmt.Errorf("%w: %w", ErrWaitAborted, context.Cause(ctx))
	}
}

func (a *Aggregator) removeWaiter(key string, done chan error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	waiters := a.waiters[key]
	for i, w := range waiters {
		if w == done {
			a.waiters[key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(a.waiters[key]) == 0 {
		delete(a.waiters, key)
	}
}

func (a *Aggregator) releaseWaitersLocked(key string, err error) {
	for _, done := range a.waiters[key] {
		done <- err
	}
	delete(a.waiters, key)
}

func (a *Aggregator) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	a.mu.Lock()
	subs := make([]func(Event), 0, len(a.subscribers))
	for _, fn := range a.subscribers {
		subs = append(subs, fn)
	}
	a.mu.Unlock()

	for _, event := range events {
		for _, fn := range subs {
			fn(event)
		}
	}
}
