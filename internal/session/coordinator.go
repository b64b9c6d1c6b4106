package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"easel/internal/logging"
	"easel/internal/monitor"
	"easel/internal/processor"
	"easel/internal/progress"
	"easel/internal/queue"
)

// Kind distinguishes pipelines fed by a live stream from pipelines fed by
// explicit requests.
type Kind string

const (
	KindStreaming Kind = "streaming"
	KindBatch     Kind = "batch"
)

var (
	// ErrNoSession reports an operation on a resource with no active session.
	ErrNoSession = errors.New("no active session for resource")
	// ErrFinalizing reports a finalize already in progress for the resource.
	ErrFinalizing = errors.New("session finalize already in progress")
	// ErrSessionCancelled is the cancellation cause recorded by Cancel.
	ErrSessionCancelled = errors.New("session cancelled")
)

// Applier commits a batch of deferred results into the target document. It is
// called exactly once per finalize, inside the per-resource apply queue.
type Applier interface {
	ApplyResults(ctx context.Context, results []processor.DeferredResult, resourceKey string) (int, error)
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, results []processor.DeferredResult, resourceKey string) (int, error)

func (f ApplierFunc) ApplyResults(ctx context.Context, results []processor.DeferredResult, resourceKey string) (int, error) {
	return f(ctx, results, resourceKey)
}

// Session is the pipeline for one resource: queue, processor, and, when
// streaming, a monitor.
type Session struct {
	ID          string
	ResourceKey string
	Kind        Kind
	StartedAt   time.Time
	Queue       *queue.Queue
	Processor   *processor.Processor
	Monitor     *monitor.Monitor

	ctx         context.Context
	cancel      context.CancelCauseFunc
	unsubscribe func()
	finalizing  bool
}

// Options wires a Coordinator's collaborators and tuning.
type Options struct {
	Logger    *slog.Logger
	Generator processor.Generator
	Extractor monitor.Extractor
	Registrar monitor.Registrar
	Source    monitor.TextSource
	Applier   Applier

	// MaxConcurrent bounds in-flight generations per resource (default 1).
	MaxConcurrent int
	// PollInterval is the streaming monitor cadence.
	PollInterval time.Duration
	// WaitTimeout bounds the finalize wait for outstanding generations.
	WaitTimeout time.Duration
	// SourceTag labels lineage registrations from streaming discovery.
	SourceTag string
	// OnTextUpdate, when set, receives changed text snapshots from monitors.
	OnTextUpdate func(resourceKey, text string)
}

// Coordinator owns the session registry and the shared progress aggregator.
type Coordinator struct {
	logger     *slog.Logger
	opts       Options
	aggregator *progress.Aggregator
	applyQueue *ApplyQueue

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewCoordinator constructs a coordinator. Generator and Applier are
// required; Extractor, Registrar and Source are needed only for streaming
// sessions.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Generator == nil {
		return nil, errors.New("session coordinator: generator required")
	}
	if opts.Applier == nil {
		return nil, errors.New("session coordinator: applier required")
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = progress.DefaultWaitTimeout
	}
	if opts.SourceTag == "" {
		opts.SourceTag = "stream"
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{
		logger:     logging.WithComponent(logger, "session"),
		opts:       opts,
		aggregator: progress.NewAggregator(logger),
		applyQueue: NewApplyQueue(),
		sessions:   make(map[string]*Session),
	}, nil
}

// Aggregator exposes the shared progress aggregator for event subscribers.
func (c *Coordinator) Aggregator() *progress.Aggregator {
	return c.aggregator
}

// GetSession returns the active session for a resource, or nil.
func (c *Coordinator) GetSession(resourceKey string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[resourceKey]
}

// IsActive reports whether a resource has an active session.
func (c *Coordinator) IsActive(resourceKey string) bool {
	return c.GetSession(resourceKey) != nil
}

// StartSession returns the active session of the requested kind for a
// resource, creating one if needed. An existing session of a different kind
// is cancelled first. Racing callers for the same resource all observe the
// same session because registry insertion happens under the lock, before any
// pipeline setup.
func (c *Coordinator) StartSession(ctx context.Context, resourceKey string, kind Kind) (*Session, error) {
	if kind == KindStreaming {
		if c.opts.Source == nil || c.opts.Extractor == nil {
			return nil, errors.New("session coordinator: streaming requires a text source and extractor")
		}
	}

	for {
		c.mu.Lock()
		if existing := c.sessions[resourceKey]; existing != nil {
			if existing.Kind == kind {
				c.mu.Unlock()
				return existing, nil
			}
			c.mu.Unlock()
			if err := c.Cancel(resourceKey); err != nil && !errors.Is(err, ErrNoSession) {
				return nil, err
			}
			continue
		}

		sessionCtx, cancel := context.WithCancelCause(context.Background())
		s := &Session{
			ID:          uuid.NewString(),
			ResourceKey: resourceKey,
			Kind:        kind,
			StartedAt:   time.Now().UTC(),
			Queue:       queue.New(c.logger),
			ctx:         sessionCtx,
			cancel:      cancel,
		}
		s.Processor = processor.New(c.logger, s.Queue, c.aggregator, c.opts.Generator, c.opts.MaxConcurrent)
		// Registered before any setup so concurrent starters see it.
		c.sessions[resourceKey] = s
		c.mu.Unlock()

		if err := c.setupSession(s); err != nil {
			c.removeSession(s)
			cancel(err)
			return nil, err
		}

		c.logger.Info("session started",
			logging.Args(
				logging.String(logging.FieldSessionID, s.ID),
				logging.String(logging.FieldResourceKey, resourceKey),
				logging.String("kind", string(kind)),
				logging.String(logging.FieldEventType, "session_started"),
			)...)
		return s, nil
	}
}

func (c *Coordinator) setupSession(s *Session) error {
	if err := s.Processor.Start(s.ctx, s.ResourceKey); err != nil {
		return err
	}

	switch s.Kind {
	case KindStreaming:
		var onText func(string)
		if c.opts.OnTextUpdate != nil {
			key := s.ResourceKey
			onText = func(text string) { c.opts.OnTextUpdate(key, text) }
		}
		s.Monitor = monitor.New(monitor.Options{
			Logger:       c.logger,
			Source:       c.opts.Source,
			Extractor:    c.opts.Extractor,
			Registrar:    c.opts.Registrar,
			Queue:        s.Queue,
			Aggregator:   c.aggregator,
			Interval:     c.opts.PollInterval,
			SourceTag:    c.opts.SourceTag,
			OnNewItems:   s.Processor.Trigger,
			OnTextUpdate: onText,
		})
		if err := s.Monitor.Start(s.ctx, s.ResourceKey); err != nil {
			return err
		}
	case KindBatch:
		c.aggregator.RegisterTask(s.ResourceKey, 0)
		c.armAutoFinalize(s)
	}
	return nil
}

// armAutoFinalize registers the one-shot listener that finalizes a batch
// session once all currently queued requests finish. Many independent
// requests coalesce into a single finalize pass.
func (c *Coordinator) armAutoFinalize(s *Session) {
	var once sync.Once
	key := s.ResourceKey
	var mu sync.Mutex
	var unsub func()
	handler := func(event progress.Event) {
		if event.Type != progress.EventAllComplete || event.Key != key {
			return
		}
		once.Do(func() {
			go func() {
				mu.Lock()
				stop := unsub
				mu.Unlock()
				if stop != nil {
					stop()
				}
				if _, err := c.Finalize(context.Background(), key); err != nil &&
					!errors.Is(err, ErrNoSession) && !errors.Is(err, ErrFinalizing) {
					c.logger.Error("auto-finalize failed",
						logging.Args(
							logging.String(logging.FieldResourceKey, key),
							logging.Error(err),
							logging.String(logging.FieldEventType, "auto_finalize_failed"),
						)...)
				}
			}()
		})
	}
	mu.Lock()
	unsub = c.aggregator.Subscribe(handler)
	s.unsubscribe = unsub
	mu.Unlock()
}

// Request is one explicit generation request for QueueRequests.
type Request struct {
	Content  string
	Position queue.Range
}

// QueueRequest adds one explicit generation request to a resource's session,
// creating a batch session on first use. It returns the queued item, or nil
// when an identical (content, position) request is already queued.
func (c *Coordinator) QueueRequest(ctx context.Context, resourceKey, content string, position queue.Range) (*queue.Item, error) {
	items, err := c.QueueRequests(ctx, resourceKey, []Request{{Content: content, Position: position}})
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}

// QueueRequests queues a batch of explicit requests as one unit. Every task
// is counted with the aggregator before any item becomes claimable and the
// processor is kicked only after the last add, so completions of earlier
// items can neither be dropped against a stale total nor auto-finalize the
// session between two adds of the same batch. Duplicate (content, position)
// requests are skipped; the returned slice holds the genuinely queued items.
func (c *Coordinator) QueueRequests(ctx context.Context, resourceKey string, requests []Request) ([]*queue.Item, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	s, err := c.StartSession(ctx, resourceKey, KindBatch)
	if err != nil {
		return nil, err
	}

	fresh := make([]Request, 0, len(requests))
	for _, req := range requests {
		if s.Queue.Get(queue.DeriveID(req.Content, req.Position)) != nil {
			continue
		}
		fresh = append(fresh, req)
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	// Count first: an item claimable before its task is registered can be
	// completed against the stale total and swallowed by the overflow guard.
	c.aggregator.RegisterTask(resourceKey, len(fresh))

	items := make([]*queue.Item, 0, len(fresh))
	for _, req := range fresh {
		lineageID := ""
		if c.opts.Registrar != nil {
			ordinal := s.Queue.Stats().Total
			lineageID, err = c.opts.Registrar.RegisterRequest(ctx, req.Content, resourceKey, ordinal, "request")
			if err != nil {
				c.logger.Warn("lineage registration failed",
					logging.Args(
						logging.String(logging.FieldResourceKey, resourceKey),
						logging.Error(err),
						logging.String(logging.FieldEventType, "lineage_register_failed"),
					)...)
				lineageID = ""
			}
		}
		if item := s.Queue.Add(req.Content, req.Position, lineageID); item != nil {
			items = append(items, item)
		} else {
			// Lost an add race; give the reserved slot back.
			c.aggregator.DecrementTotal(resourceKey, 1)
		}
	}

	if len(items) > 0 {
		s.Processor.Trigger()
	}
	return items, nil
}

// Finalize seals discovery, drains the queue, waits for completion, applies
// all deferred results in one batch, and tears the session down. It returns
// the applier's inserted count. On wait timeout or cancellation the deferred
// results are discarded and nothing is applied.
func (c *Coordinator) Finalize(ctx context.Context, resourceKey string) (int, error) {
	c.mu.Lock()
	s := c.sessions[resourceKey]
	if s == nil {
		c.mu.Unlock()
		return 0, ErrNoSession
	}
	if s.finalizing {
		c.mu.Unlock()
		return 0, ErrFinalizing
	}
	s.finalizing = true
	c.mu.Unlock()

	runCtx, stop := mergedContext(ctx, s.ctx)
	defer stop()

	// Seal: no further discovery once the monitor halts; the total freezes
	// at the current queue size.
	if s.Monitor != nil {
		s.Monitor.FinalScan(runCtx)
		s.Monitor.Stop()
	}
	c.aggregator.UpdateTotal(resourceKey, s.Queue.Stats().Total)

	if err := s.Processor.ProcessRemaining(runCtx); err != nil {
		s.Processor.ClearDeferredResults()
		c.teardown(s)
		return 0, err
	}

	if err := c.aggregator.WaitAllComplete(runCtx, resourceKey, c.opts.WaitTimeout); err != nil {
		// Deferred results accumulated so far are discarded, never
		// partially applied.
		s.Processor.ClearDeferredResults()
		c.teardown(s)
		return 0, err
	}

	results := s.Processor.DeferredResults()
	s.Processor.ClearDeferredResults()

	var inserted int
	applyErr := c.applyQueue.Do(runCtx, resourceKey, func(applyCtx context.Context) error {
		n, err := c.opts.Applier.ApplyResults(applyCtx, results, resourceKey)
		inserted = n
		return err
	})

	// The session ends even when apply fails; a stuck registry entry would
	// block every future session for this resource.
	c.teardown(s)

	c.logger.Info("session finalized",
		logging.Args(
			logging.String(logging.FieldSessionID, s.ID),
			logging.String(logging.FieldResourceKey, resourceKey),
			logging.Int("results", len(results)),
			logging.Int("inserted", inserted),
			logging.String(logging.FieldEventType, "session_finalized"),
		)...)
	return inserted, applyErr
}

// Cancel trips the session's cancellation token, stops its pipeline, clears
// progress tracking, and removes the session. Deferred results accumulated so
// far are discarded, not applied.
func (c *Coordinator) Cancel(resourceKey string) error {
	c.mu.Lock()
	s := c.sessions[resourceKey]
	if s == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	delete(c.sessions, resourceKey)
	c.mu.Unlock()

	s.cancel(ErrSessionCancelled)
	if s.Monitor != nil {
		s.Monitor.Stop()
	}
	s.Processor.Stop()
	s.Processor.ClearDeferredResults()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	c.aggregator.Clear(resourceKey)

	c.logger.Info("session cancelled",
		logging.Args(
			logging.String(logging.FieldSessionID, s.ID),
			logging.String(logging.FieldResourceKey, resourceKey),
			logging.String(logging.FieldEventType, "session_cancelled"),
		)...)
	return nil
}

func (c *Coordinator) teardown(s *Session) {
	c.removeSession(s)
	s.cancel(nil)
	if s.Monitor != nil {
		s.Monitor.Stop()
	}
	s.Processor.Stop()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	c.aggregator.Clear(s.ResourceKey)
}

func (c *Coordinator) removeSession(s *Session) {
	c.mu.Lock()
	if c.sessions[s.ResourceKey] == s {
		delete(c.sessions, s.ResourceKey)
	}
	c.mu.Unlock()
}

// mergedContext derives a context cancelled by either parent.
func mergedContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(a)
	stop := context.AfterFunc(b, func() { cancel(context.Cause(b)) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
