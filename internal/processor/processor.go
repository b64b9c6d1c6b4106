package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"easel/internal/logging"
	"easel/internal/progress"
	"easel/internal/queue"
)

// Generator produces an image for a request and returns its URL. An empty
// URL with a nil error counts as a generation failure, same as an error.
type Generator interface {
	GenerateOne(ctx context.Context, requestText string) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, requestText string) (string, error)

func (f GeneratorFunc) GenerateOne(ctx context.Context, requestText string) (string, error) {
	return f(ctx, requestText)
}

// DeferredResult is a buffered generation outcome awaiting one batched
// application.
type DeferredResult struct {
	Item        queue.Item
	Result      string
	Failed      bool
	CompletedAt time.Time
	LineageID   string
}

// Processor executes queued generation requests for one resource.
type Processor struct {
	logger     *slog.Logger
	queue      *queue.Queue
	aggregator *progress.Aggregator
	generator  Generator
	slots      chan struct{}

	mu          sync.Mutex
	started     bool
	stopped     bool
	resourceKey string
	runCtx      context.Context
	deferred    []DeferredResult
}

// New constructs a processor. maxConcurrent below 1 is treated as 1.
func New(logger *slog.Logger, q *queue.Queue, agg *progress.Aggregator, gen Generator, maxConcurrent int) *Processor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Processor{
		logger:     logging.WithComponent(logger, "processor"),
		queue:      q,
		aggregator: agg,
		generator:  gen,
		slots:      make(chan struct{}, maxConcurrent),
	}
}

// Start begins pulling items for the given resource. The context is the
// session's cancellation token: generations already in flight when it fires
// run to completion, but their results are discarded by the coordinator.
func (p *Processor) Start(ctx context.Context, resourceKey string) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("processor already started")
	}
	p.started = true
	p.resourceKey = resourceKey
	p.runCtx = ctx
	p.mu.Unlock()

	go p.pump()
	return nil
}

// Trigger idempotently re-kicks the pull loop. Safe to call at any time.
func (p *Processor) Trigger() {
	p.mu.Lock()
	active := p.started && !p.stopped
	p.mu.Unlock()
	if active {
		go p.pump()
	}
}

// Stop stops pulling new work. In-flight generations finish undisturbed.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

func (p *Processor) pump() {
	for {
		p.mu.Lock()
		if !p.started || p.stopped {
			p.mu.Unlock()
			return
		}
		ctx := p.runCtx
		p.mu.Unlock()

		select {
		case p.slots <- struct{}{}:
		default:
			return
		}

		item := p.queue.ClaimNextPending()
		if item == nil {
			<-p.slots
			return
		}

		go func(it queue.Item) {
			defer func() {
				<-p.slots
				p.Trigger()
			}()
			p.generateOne(ctx, it)
		}(*item)
	}
}

// generateOne runs the external generation call for an already-claimed item
// and records the outcome.
func (p *Processor) generateOne(ctx context.Context, item queue.Item) {
	p.mu.Lock()
	key := p.resourceKey
	p.mu.Unlock()

	url, err := p.generator.GenerateOne(ctx, item.ContentKey)

	if err == nil && strings.TrimSpace(url) != "" {
		updated := p.queue.UpdateStatus(item.ID, queue.StatusCompleted, queue.Update{ResultURL: url})
		if updated == nil {
			copied := item
			copied.Status = queue.StatusCompleted
			copied.ResultURL = url
			updated = &copied
		}
		p.appendDeferred(DeferredResult{
			Item:        *updated,
			Result:      url,
			CompletedAt: time.Now().UTC(),
			LineageID:   updated.LineageID,
		})
		p.aggregator.CompleteTask(key)
		p.aggregator.NotifyItemCompleted(key, *updated)
		return
	}

	message := "generator returned no result"
	if err != nil {
		message = err.Error()
	}
	placeholder := PlaceholderURL(item)
	updated := p.queue.UpdateStatus(item.ID, queue.StatusFailed, queue.Update{
		ResultURL: placeholder,
		ErrorMsg:  message,
	})
	if updated == nil {
		copied := item
		copied.Status = queue.StatusFailed
		copied.ResultURL = placeholder
		copied.ErrorMsg = message
		updated = &copied
	}
	p.logger.Warn("generation failed, substituting placeholder",
		logging.Args(
			logging.String(logging.FieldResourceKey, key),
			logging.String(logging.FieldItemID, item.ID),
			logging.String(logging.FieldLineageID, item.LineageID),
			logging.String("reason", message),
			logging.String(logging.FieldEventType, "generation_failed"),
		)...)
	p.appendDeferred(DeferredResult{
		Item:        *updated,
		Result:      placeholder,
		Failed:      true,
		CompletedAt: time.Now().UTC(),
		LineageID:   updated.LineageID,
	})
	p.aggregator.FailTask(key)
	p.aggregator.NotifyItemCompleted(key, *updated)
}

// ProcessRemaining waits for in-flight generations to finish, then drains all
// remaining queued items one at a time. Discovery has ended by the time this
// runs, and the sequential drain keeps the backend within its rate limits.
func (p *Processor) ProcessRemaining(ctx context.Context) error {
	held := 0
	release := func() {
		for ; held > 0; held-- {
			<-p.slots
		}
	}
	defer release()

	// Owning every slot guarantees nothing is in flight and nothing new can
	// start while the drain runs.
	for held < cap(p.slots) {
		select {
		case p.slots <- struct{}{}:
			held++
		case <-ctx.Done():
			return fmt.Errorf("wait for active generations: %w", context.Cause(ctx))
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("drain remaining items: %w", context.Cause(ctx))
		}
		item := p.queue.ClaimNextPending()
		if item == nil {
			return nil
		}
		p.generateOne(ctx, *item)
	}
}

// DeferredResults returns a copy of the buffered outcomes in completion order.
func (p *Processor) DeferredResults() []DeferredResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DeferredResult, len(p.deferred))
	copy(out, p.deferred)
	return out
}

// ClearDeferredResults drops all buffered outcomes.
func (p *Processor) ClearDeferredResults() {
	p.mu.Lock()
	p.deferred = nil
	p.mu.Unlock()
}

func (p *Processor) appendDeferred(result DeferredResult) {
	p.mu.Lock()
	p.deferred = append(p.deferred, result)
	p.mu.Unlock()
}

// PlaceholderURL builds the guaranteed-unique stand-in result for a failed
// generation. Uniqueness follows from the item id; the lineage id keeps the
// placeholder traceable to its registered request.
func PlaceholderURL(item queue.Item) string {
	if item.LineageID != "" {
		return fmt.Sprintf("easel://failed/%s/%s", item.ID, item.LineageID)
	}
	return fmt.Sprintf("easel://failed/%s", item.ID)
}
