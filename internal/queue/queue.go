package queue

import (
	"log/slog"
	"sync"
	"time"

	"easel/internal/logging"
)

// Queue is an in-memory, insertion-ordered work queue for one session.
type Queue struct {
	logger *slog.Logger

	mu       sync.Mutex
	items    []*Item
	byID     map[string]*Item
	contents map[string]int
}

// New constructs an empty queue.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Queue{
		logger:   logging.WithComponent(logger, "queue"),
		byID:     make(map[string]*Item),
		contents: make(map[string]int),
	}
}

// Add inserts a new QUEUED item for the given content and position. It
// returns nil when an item with the same derived id already exists, making
// resubmission of the same (content, position) pair idempotent.
func (q *Queue) Add(content string, position Range, lineageID string) *Item {
	id := DeriveID(content, position)

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[id]; exists {
		return nil
	}

	item := &Item{
		ID:         id,
		ContentKey: ContentKey(content),
		Position:   position,
		Status:     StatusQueued,
		DetectedAt: time.Now().UTC(),
		LineageID:  lineageID,
	}
	q.items = append(q.items, item)
	q.byID[id] = item
	q.contents[item.ContentKey]++

	copied := *item
	return &copied
}

// HasContent reports whether any item shares the given content, ignoring
// position. Earlier insertions shift offsets, so duplicate detection during
// discovery compares content alone.
func (q *Queue) HasContent(content string) bool {
	key := ContentKey(content)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.contents[key] > 0
}

// Get returns a copy of the item with the given id, or nil.
func (q *Queue) Get(id string) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[id]
	if !ok {
		return nil
	}
	copied := *item
	return &copied
}

// NextPending returns a copy of the oldest QUEUED item in insertion order,
// or nil when nothing is pending.
func (q *Queue) NextPending() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.Status == StatusQueued {
			copied := *item
			return &copied
		}
	}
	return nil
}

// ClaimNextPending atomically selects the oldest QUEUED item and marks it
// GENERATING, so concurrent pullers never claim the same item twice. It
// returns a copy of the claimed item, or nil when nothing is pending.
func (q *Queue) ClaimNextPending() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.Status != StatusQueued {
			continue
		}
		now := time.Now().UTC()
		item.Status = StatusGenerating
		item.Attempts++
		item.StartedAt = &now
		copied := *item
		return &copied
	}
	return nil
}

// Update carries optional data applied alongside a status transition.
type Update struct {
	ResultURL string
	ErrorMsg  string
}

// UpdateStatus transitions an item and stamps the matching timestamps.
// Unknown ids and invalid transitions are logged, never fatal. It returns a
// copy of the item after the transition, or nil when nothing changed.
func (q *Queue) UpdateStatus(id string, status Status, update Update) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[id]
	if !ok {
		q.logger.Warn("status update for unknown item",
			logging.Args(
				logging.String(logging.FieldItemID, id),
				logging.String("status", string(status)),
				logging.String(logging.FieldEventType, "queue_unknown_item"),
			)...)
		return nil
	}
	if !validTransition(item.Status, status) {
		q.logger.Warn("rejected invalid status transition",
			logging.Args(
				logging.String(logging.FieldItemID, id),
				logging.String("from", string(item.Status)),
				logging.String("to", string(status)),
				logging.String(logging.FieldEventType, "queue_invalid_transition"),
			)...)
		return nil
	}

	now := time.Now().UTC()
	item.Status = status
	switch status {
	case StatusGenerating:
		item.Attempts++
		item.StartedAt = &now
	case StatusCompleted, StatusFailed:
		item.CompletedAt = &now
	}
	if update.ResultURL != "" {
		item.ResultURL = update.ResultURL
	}
	if update.ErrorMsg != "" {
		item.ErrorMsg = update.ErrorMsg
	}

	copied := *item
	return &copied
}

// Stats returns per-state counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{Total: len(q.items)}
	for _, item := range q.items {
		switch item.Status {
		case StatusQueued:
			stats.Queued++
		case StatusGenerating:
			stats.Generating++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// Items returns copies of all items in insertion order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, *item)
	}
	return out
}

// AdjustPositions shifts not-yet-processed items that lie at or beyond the
// insertion point by delta. Only items detected before the insertion move;
// items discovered afterwards already carry correct offsets.
func (q *Queue) AdjustPositions(insertionPoint, delta int, since time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	adjusted := 0
	for _, item := range q.items {
		if item.IsProcessed() {
			continue
		}
		if !item.DetectedAt.Before(since) {
			continue
		}
		if item.Position.Start < insertionPoint {
			continue
		}
		item.Position.Start += delta
		item.Position.End += delta
		adjusted++
	}
	return adjusted
}
