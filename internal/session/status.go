package session

import (
	"sort"
	"time"

	"easel/internal/progress"
	"easel/internal/queue"
)

// Status is a point-in-time view of one resource's pipeline.
type Status struct {
	ResourceKey string
	Active      bool
	SessionID   string
	Kind        Kind
	StartedAt   time.Time
	Finalizing  bool
	Queue       queue.Stats
	Progress    progress.Snapshot
	Tracked     bool
}

// Status reports the current state for one resource.
func (c *Coordinator) Status(resourceKey string) Status {
	status := Status{ResourceKey: resourceKey}

	c.mu.Lock()
	s := c.sessions[resourceKey]
	if s != nil {
		status.Active = true
		status.SessionID = s.ID
		status.Kind = s.Kind
		status.StartedAt = s.StartedAt
		status.Finalizing = s.finalizing
	}
	c.mu.Unlock()

	if s != nil {
		status.Queue = s.Queue.Stats()
	}
	status.Progress, status.Tracked = c.aggregator.Snapshot(resourceKey)
	return status
}

// Statuses reports all active sessions, ordered by resource key.
func (c *Coordinator) Statuses() []Status {
	c.mu.Lock()
	keys := make([]string, 0, len(c.sessions))
	for key := range c.sessions {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	sort.Strings(keys)
	statuses := make([]Status, 0, len(keys))
	for _, key := range keys {
		statuses = append(statuses, c.Status(key))
	}
	return statuses
}
