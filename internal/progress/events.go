package progress

import (
	"time"

	"easel/internal/queue"
)

// EventType identifies a progress event.
type EventType string

const (
	// EventStarted fires when a resource's total first rises above zero.
	EventStarted EventType = "started"
	// EventUpdated fires on any other count change while tracking.
	EventUpdated EventType = "updated"
	// EventAllComplete fires when completed reaches total. More tasks may
	// still be registered afterwards; this is not an operation boundary.
	EventAllComplete EventType = "all-tasks-complete"
	// EventCleared fires when tracking for a resource ends.
	EventCleared EventType = "cleared"
	// EventItemCompleted fires once per finished queue item, success or not.
	EventItemCompleted EventType = "item-completed"
)

// Snapshot is the externally visible progress state for one resource.
type Snapshot struct {
	Total     int
	Completed int
	Succeeded int
	Failed    int
	StartTime time.Time
}

// Complete reports whether all currently known work is finished.
func (s Snapshot) Complete() bool {
	return s.Total > 0 && s.Completed >= s.Total
}

// Event is delivered to every subscriber of an Aggregator.
type Event struct {
	Type     EventType
	Key      string
	Snapshot Snapshot
	// Item is set only on EventItemCompleted.
	Item *queue.Item
}
