package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"easel/internal/logging"
	"easel/internal/markers"
	"easel/internal/monitor"
	"easel/internal/processor"
	"easel/internal/queue"
	"easel/internal/session"
)

type gateGenerator struct {
	gate chan struct{} // nil means no gating
	fail bool
}

func (g *gateGenerator) GenerateOne(ctx context.Context, requestText string) (string, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if g.fail {
		return "", errors.New("backend down")
	}
	return "https://img.example/" + requestText, nil
}

type recordingApplier struct {
	mu    sync.Mutex
	calls [][]processor.DeferredResult
	err   error
}

func (a *recordingApplier) ApplyResults(ctx context.Context, results []processor.DeferredResult, resourceKey string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, results)
	if a.err != nil {
		return 0, a.err
	}
	return len(results), nil
}

func (a *recordingApplier) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type memorySource struct {
	mu   sync.Mutex
	text string
}

func (s *memorySource) set(text string) {
	s.mu.Lock()
	s.text = text
	s.mu.Unlock()
}

func (s *memorySource) FetchCurrentText(ctx context.Context, resourceKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text, nil
}

type fakeRegistrar struct {
	counter int64
}

// gatedRegistrar stalls registration of one specific content, holding a
// discovery pass open while previously queued work completes.
type gatedRegistrar struct {
	blockOn string
	reached chan struct{}
	release chan struct{}
	counter int64
}

func (r *gatedRegistrar) RegisterRequest(ctx context.Context, content, resourceKey string, index int, sourceTag string) (string, error) {
	if content == r.blockOn {
		close(r.reached)
		select {
		case <-r.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return fmt.Sprintf("lin-%d", atomic.AddInt64(&r.counter, 1)), nil
}

func (r *fakeRegistrar) RegisterRequest(ctx context.Context, content, resourceKey string, index int, sourceTag string) (string, error) {
	return fmt.Sprintf("lin-%d", atomic.AddInt64(&r.counter, 1)), nil
}

func newCoordinator(t *testing.T, opts session.Options) *session.Coordinator {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Generator == nil {
		opts.Generator = &gateGenerator{}
	}
	if opts.Applier == nil {
		opts.Applier = &recordingApplier{}
	}
	if opts.Extractor == nil {
		ex, err := markers.NewExtractor()
		if err != nil {
			t.Fatalf("NewExtractor failed: %v", err)
		}
		opts.Extractor = ex
	}
	if opts.Registrar == nil {
		opts.Registrar = &fakeRegistrar{}
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = 5 * time.Second
	}
	coord, err := session.NewCoordinator(opts)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}
	return coord
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConcurrentStartSessionSharesOneSession(t *testing.T) {
	source := &memorySource{}
	coord := newCoordinator(t, session.Options{Source: source})
	defer coord.Cancel("msg")

	const racers = 16
	ids := make(chan string, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := coord.StartSession(context.Background(), "msg", session.KindStreaming)
			if err != nil {
				t.Errorf("StartSession failed: %v", err)
				return
			}
			ids <- s.ID
		}()
	}
	wg.Wait()
	close(ids)

	first := ""
	for id := range ids {
		if first == "" {
			first = id
		}
		if id != first {
			t.Fatalf("racing callers observed different sessions: %s vs %s", first, id)
		}
	}
	if !coord.IsActive("msg") {
		t.Fatal("expected active session")
	}
}

func TestQueueRequestAutoFinalizesOnce(t *testing.T) {
	applier := &recordingApplier{}
	gen := &gateGenerator{gate: make(chan struct{})}
	coord := newCoordinator(t, session.Options{Generator: gen, Applier: applier})

	first, err := coord.QueueRequest(context.Background(), "msg", "a tall tower", queue.Range{Start: 0, End: 10})
	if err != nil || first == nil {
		t.Fatalf("QueueRequest failed: item=%v err=%v", first, err)
	}
	second, err := coord.QueueRequest(context.Background(), "msg", "a dark moor", queue.Range{Start: 20, End: 32})
	if err != nil || second == nil {
		t.Fatalf("QueueRequest failed: item=%v err=%v", second, err)
	}

	// Identical content and position coalesces.
	dup, err := coord.QueueRequest(context.Background(), "msg", "a tall tower", queue.Range{Start: 0, End: 10})
	if err != nil || dup != nil {
		t.Fatalf("expected duplicate to be dropped, item=%v err=%v", dup, err)
	}

	close(gen.gate)

	waitUntil(t, 5*time.Second, "auto-finalize", func() bool {
		return applier.callCount() == 1 && !coord.IsActive("msg")
	})

	applier.mu.Lock()
	defer applier.mu.Unlock()
	if len(applier.calls) != 1 {
		t.Fatalf("expected one batched apply, got %d", len(applier.calls))
	}
	if len(applier.calls[0]) != 2 {
		t.Fatalf("expected both results in one batch, got %d", len(applier.calls[0]))
	}
	status := coord.Status("msg")
	if status.Active || status.Tracked {
		t.Fatalf("expected tracking cleared, got %#v", status)
	}
}

func TestQueueRequestDuplicateLeavesTotalAlone(t *testing.T) {
	gen := &gateGenerator{gate: make(chan struct{})}
	coord := newCoordinator(t, session.Options{Generator: gen})
	defer coord.Cancel("msg")
	defer close(gen.gate)

	if _, err := coord.QueueRequest(context.Background(), "msg", "a tall tower", queue.Range{Start: 0, End: 10}); err != nil {
		t.Fatalf("QueueRequest failed: %v", err)
	}
	dup, err := coord.QueueRequest(context.Background(), "msg", "a tall tower", queue.Range{Start: 0, End: 10})
	if err != nil || dup != nil {
		t.Fatalf("expected duplicate dropped, item=%v err=%v", dup, err)
	}

	snap, tracked := coord.Aggregator().Snapshot("msg")
	if !tracked || snap.Total != 1 {
		t.Fatalf("expected total 1 after duplicate, got tracked=%v snapshot=%+v", tracked, snap)
	}
}

func TestQueueRequestsBatchAppliesOnce(t *testing.T) {
	applier := &recordingApplier{}
	coord := newCoordinator(t, session.Options{Applier: applier})

	items, err := coord.QueueRequests(context.Background(), "msg", []session.Request{
		{Content: "a tall tower", Position: queue.Range{Start: 0, End: 10}},
		{Content: "a dark moor", Position: queue.Range{Start: 20, End: 32}},
		{Content: "the last scene", Position: queue.Range{Start: 40, End: 55}},
	})
	if err != nil {
		t.Fatalf("QueueRequests failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 queued items, got %d", len(items))
	}

	waitUntil(t, 5*time.Second, "auto-finalize", func() bool {
		return applier.callCount() > 0 && !coord.IsActive("msg")
	})

	applier.mu.Lock()
	defer applier.mu.Unlock()
	if len(applier.calls) != 1 {
		t.Fatalf("expected one apply pass for the batch, got %d", len(applier.calls))
	}
	if len(applier.calls[0]) != 3 {
		t.Fatalf("expected all 3 results in one pass, got %d", len(applier.calls[0]))
	}
}

func TestStreamingFinalizeCountsWorkDiscoveredMidCompletion(t *testing.T) {
	applier := &recordingApplier{}
	source := &memorySource{}
	source.set("prologue [illustrate: first]")
	gen := &gateGenerator{gate: make(chan struct{})}
	reg := &gatedRegistrar{
		blockOn: "third",
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
	coord := newCoordinator(t, session.Options{Source: source, Applier: applier, Generator: gen, Registrar: reg})

	if _, err := coord.StartSession(context.Background(), "msg", session.KindStreaming); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	// The first item is claimed and its generation blocks; the next poll
	// discovers two more markers and stalls inside the third registration.
	source.set("prologue [illustrate: first] a [illustrate: second] b [illustrate: third]")
	select {
	case <-reg.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("discovery never reached the stalled registration")
	}

	// Unblocked generation completes the first item; its pump wake-up claims
	// and completes the second item while discovery is still mid-pass. Both
	// completions must count, not just the one known when the pass began.
	close(gen.gate)
	waitUntil(t, 5*time.Second, "two counted completions", func() bool {
		snap, _ := coord.Aggregator().Snapshot("msg")
		return snap.Completed == 2
	})
	close(reg.release)

	inserted, err := coord.Finalize(context.Background(), "msg")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if inserted != 3 {
		t.Fatalf("expected 3 applied results, got %d", inserted)
	}
}

func TestStreamingSessionFinalize(t *testing.T) {
	applier := &recordingApplier{}
	source := &memorySource{}
	source.set("prologue")
	coord := newCoordinator(t, session.Options{Source: source, Applier: applier})

	s, err := coord.StartSession(context.Background(), "msg", session.KindStreaming)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if s.Monitor == nil || s.Monitor.State() != monitor.StateRunning {
		t.Fatal("expected running monitor for streaming session")
	}
	if got := coord.GetSession("msg"); got != s {
		t.Fatalf("GetSession returned %v, want the started session", got)
	}
	statuses := coord.Statuses()
	if len(statuses) != 1 || statuses[0].SessionID != s.ID || statuses[0].Kind != session.KindStreaming {
		t.Fatalf("unexpected statuses: %#v", statuses)
	}

	source.set("prologue [illustrate: a tall tower] middle")
	waitUntil(t, 2*time.Second, "marker discovery", func() bool {
		return s.Queue.Stats().Total == 1
	})

	// The final chunk arrives just before the stream ends; FinalScan inside
	// Finalize must pick it up.
	source.set("prologue [illustrate: a tall tower] middle [illustrate: the last scene]")

	inserted, err := coord.Finalize(context.Background(), "msg")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("expected 2 applied results, got %d", inserted)
	}
	if coord.IsActive("msg") {
		t.Fatal("expected session removed after finalize")
	}
	if s.Monitor.State() != monitor.StateStopped {
		t.Fatal("expected monitor stopped")
	}
}

func TestCancelDiscardsDeferredResults(t *testing.T) {
	applier := &recordingApplier{}
	gen := &gateGenerator{gate: make(chan struct{})}
	coord := newCoordinator(t, session.Options{Generator: gen, Applier: applier})

	if _, err := coord.QueueRequest(context.Background(), "msg", "a tall tower", queue.Range{Start: 0, End: 10}); err != nil {
		t.Fatalf("QueueRequest failed: %v", err)
	}

	if err := coord.Cancel("msg"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	close(gen.gate)
	time.Sleep(50 * time.Millisecond)

	if applier.callCount() != 0 {
		t.Fatal("expected no apply after cancel")
	}
	if coord.IsActive("msg") {
		t.Fatal("expected session removed")
	}
	if _, tracked := coord.Aggregator().Snapshot("msg"); tracked {
		t.Fatal("expected progress tracking cleared")
	}
	if err := coord.Cancel("msg"); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("expected ErrNoSession on double cancel, got %v", err)
	}
}

func TestStartDifferentKindCancelsExisting(t *testing.T) {
	source := &memorySource{}
	gen := &gateGenerator{gate: make(chan struct{})}
	defer close(gen.gate)
	coord := newCoordinator(t, session.Options{Source: source, Generator: gen})
	defer coord.Cancel("msg")

	streaming, err := coord.StartSession(context.Background(), "msg", session.KindStreaming)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	batch, err := coord.StartSession(context.Background(), "msg", session.KindBatch)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if batch.ID == streaming.ID {
		t.Fatal("expected a fresh session after kind switch")
	}
	if batch.Kind != session.KindBatch {
		t.Fatalf("expected batch session, got %s", batch.Kind)
	}
	if streaming.Monitor.State() != monitor.StateStopped {
		t.Fatal("expected old streaming monitor stopped")
	}
}

func TestFinalizeApplyErrorStillTearsDown(t *testing.T) {
	applier := &recordingApplier{err: errors.New("target document gone")}
	coord := newCoordinator(t, session.Options{Applier: applier})

	s, err := coord.StartSession(context.Background(), "msg", session.KindBatch)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	_ = s

	if _, err := coord.Finalize(context.Background(), "msg"); err == nil {
		t.Fatal("expected apply error to propagate")
	}
	if coord.IsActive("msg") {
		t.Fatal("expected session torn down despite apply error")
	}
}

func TestFinalizeWithoutSession(t *testing.T) {
	coord := newCoordinator(t, session.Options{})
	if _, err := coord.Finalize(context.Background(), "nope"); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestFailuresStillFinalizeWithPlaceholders(t *testing.T) {
	applier := &recordingApplier{}
	gen := &gateGenerator{fail: true}
	coord := newCoordinator(t, session.Options{Generator: gen, Applier: applier})

	if _, err := coord.QueueRequest(context.Background(), "msg", "doomed prompt", queue.Range{Start: 0, End: 5}); err != nil {
		t.Fatalf("QueueRequest failed: %v", err)
	}

	waitUntil(t, 5*time.Second, "auto-finalize of failed batch", func() bool {
		return applier.callCount() == 1 && !coord.IsActive("msg")
	})

	applier.mu.Lock()
	defer applier.mu.Unlock()
	results := applier.calls[0]
	if len(results) != 1 || !results[0].Failed {
		t.Fatalf("expected one failed deferred result, got %#v", results)
	}
	if results[0].Result == "" {
		t.Fatal("expected placeholder result for failed generation")
	}
}
