package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"easel/internal/logging"
	"easel/internal/markers"
	"easel/internal/progress"
	"easel/internal/queue"
)

// State tracks the monitor lifecycle.
type State string

const (
	StateNotStarted State = "not-started"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
)

// TextSource supplies the current text for a resource.
type TextSource interface {
	FetchCurrentText(ctx context.Context, resourceKey string) (string, error)
}

// TextSourceFunc adapts a function to the TextSource interface.
type TextSourceFunc func(ctx context.Context, resourceKey string) (string, error)

func (f TextSourceFunc) FetchCurrentText(ctx context.Context, resourceKey string) (string, error) {
	return f(ctx, resourceKey)
}

// Registrar records a discovered request with the lineage tracker and
// returns its lineage id.
type Registrar interface {
	RegisterRequest(ctx context.Context, content, resourceKey string, index int, sourceTag string) (string, error)
}

// Extractor finds markers in text.
type Extractor interface {
	Extract(text string) []markers.Marker
}

// Options wires a Monitor's collaborators.
type Options struct {
	Logger     *slog.Logger
	Source     TextSource
	Extractor  Extractor
	Registrar  Registrar
	Queue      *queue.Queue
	Aggregator *progress.Aggregator
	Interval   time.Duration
	SourceTag  string
	// OnNewItems wakes the processor after genuinely-new markers are queued.
	OnNewItems func()
	// OnTextUpdate receives every changed text snapshot, for live preview.
	OnTextUpdate func(text string)
}

// Monitor polls a text source for one resource.
type Monitor struct {
	logger     *slog.Logger
	source     TextSource
	extractor  Extractor
	registrar  Registrar
	queue      *queue.Queue
	aggregator *progress.Aggregator
	interval   time.Duration
	sourceTag  string
	onNew      func()
	onText     func(string)

	mu          sync.Mutex
	state       State
	resourceKey string
	lastText    string
	hasText     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New constructs a monitor. Interval below one millisecond falls back to
// half a second.
func New(opts Options) *Monitor {
	interval := opts.Interval
	if interval < time.Millisecond {
		interval = 500 * time.Millisecond
	}
	return &Monitor{
		logger:     logging.WithComponent(opts.Logger, "monitor"),
		source:     opts.Source,
		extractor:  opts.Extractor,
		registrar:  opts.Registrar,
		queue:      opts.Queue,
		aggregator: opts.Aggregator,
		interval:   interval,
		sourceTag:  opts.SourceTag,
		onNew:      opts.OnNewItems,
		onText:     opts.OnTextUpdate,
		state:      StateNotStarted,
	}
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start registers deferred progress tracking, performs one synchronous poll,
// and begins polling at the configured interval.
func (m *Monitor) Start(ctx context.Context, resourceKey string) error {
	m.mu.Lock()
	if m.state != StateNotStarted {
		m.mu.Unlock()
		return errors.New("monitor already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.state = StateRunning
	m.resourceKey = resourceKey
	m.cancel = cancel
	m.mu.Unlock()

	// Tracking exists before any marker does, without announcing work yet.
	m.aggregator.RegisterTask(resourceKey, 0)

	// First poll runs before Start returns so discovery precedes any
	// generation race.
	m.poll(runCtx)

	m.wg.Add(1)
	go m.run(runCtx)
	return nil
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// FinalScan performs one additional poll right before the stream is declared
// finished, so a marker in the final chunk is not missed.
func (m *Monitor) FinalScan(ctx context.Context) {
	m.poll(ctx)
}

// Stop halts polling. Safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	m.state = StateStopped
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Monitor) poll(ctx context.Context) {
	m.mu.Lock()
	key := m.resourceKey
	m.mu.Unlock()

	text, err := m.source.FetchCurrentText(ctx, key)
	if err != nil {
		m.logger.Warn("text fetch failed, retrying next poll",
			logging.Args(
				logging.String(logging.FieldResourceKey, key),
				logging.Error(err),
				logging.String(logging.FieldEventType, "discovery_fetch_failed"),
			)...)
		return
	}

	m.mu.Lock()
	previous := m.lastText
	hadText := m.hasText
	unchanged := hadText && text == previous
	m.lastText = text
	m.hasText = true
	m.mu.Unlock()
	if unchanged {
		return
	}
	if hadText {
		m.adjustDrift(previous, text)
	}

	found := m.extractor.Extract(text)
	newCount := 0
	for index, marker := range found {
		if m.queue.HasContent(marker.Content) {
			continue
		}
		lineageID := ""
		if m.registrar != nil {
			lineageID, err = m.registrar.RegisterRequest(ctx, marker.Content, key, index, m.sourceTag)
			if err != nil {
				m.logger.Warn("lineage registration failed",
					logging.Args(
						logging.String(logging.FieldResourceKey, key),
						logging.Error(err),
						logging.String(logging.FieldEventType, "lineage_register_failed"),
					)...)
				lineageID = ""
			}
		}
		// The task is counted before the item becomes claimable: a pump
		// woken by an earlier completion would otherwise finish the new
		// item against the stale total and the completion would be dropped
		// by the overflow guard.
		m.aggregator.RegisterTask(key, 1)
		if item := m.queue.Add(marker.Content, queue.Range{Start: marker.Start, End: marker.End}, lineageID); item != nil {
			newCount++
		} else {
			m.aggregator.DecrementTotal(key, 1)
		}
	}

	if newCount > 0 && m.onNew != nil {
		m.onNew()
	}
	if m.onText != nil {
		m.onText(text)
	}
}

// adjustDrift shifts queued item offsets when the change between two polls is
// a single contiguous edit. Items past the last point of divergence move by
// the net length change; items inside the edited region keep their recorded
// positions, and content-based dedupe still protects discovery for them.
func (m *Monitor) adjustDrift(previous, current string) {
	delta := len(current) - len(previous)
	if delta == 0 {
		return
	}
	limit := min(len(previous), len(current))
	prefix := 0
	for prefix < limit && previous[prefix] == current[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < limit-prefix && previous[len(previous)-1-suffix] == current[len(current)-1-suffix] {
		suffix++
	}
	m.queue.AdjustPositions(len(previous)-suffix, delta, time.Now().UTC())
}
