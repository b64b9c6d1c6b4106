package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Status represents the lifecycle of a queue item.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var allStatuses = []Status{
	StatusQueued,
	StatusGenerating,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// terminalStatuses are states an item can never leave.
var terminalStatuses = map[Status]struct{}{
	StatusCompleted: {},
	StatusFailed:    {},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status can never transition again.
func IsTerminal(status Status) bool {
	_, ok := terminalStatuses[status]
	return ok
}

// validTransition enforces the one-way lifecycle: items never re-enter the
// queue and terminal items never move.
func validTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusGenerating || to == StatusFailed
	case StatusGenerating:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Range is a half-open [Start, End) offset span inside the source text.
type Range struct {
	Start int
	End   int
}

// Item represents one generation request discovered in the text.
type Item struct {
	ID          string
	ContentKey  string
	Position    Range
	Status      Status
	Attempts    int
	DetectedAt  time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ResultURL   string
	ErrorMsg    string
	LineageID   string
}

// IsProcessed reports whether the item has left the QUEUED state.
func (i Item) IsProcessed() bool {
	return i.Status != StatusQueued
}

// ContentKey normalizes marker content for id derivation and duplicate
// detection. Offsets drift as earlier insertions shift text, so comparisons
// must not depend on position or on the Unicode composition of user input.
func ContentKey(content string) string {
	return norm.NFC.String(strings.TrimSpace(content))
}

// DeriveID builds the deterministic item id from content and position.
// Identical content at different positions yields distinct ids.
func DeriveID(content string, position Range) string {
	key := ContentKey(content)
	sum := sha256.Sum256(fmt.Appendf(nil, "%s\x00%d\x00%d", key, position.Start, position.End))
	return hex.EncodeToString(sum[:8])
}

// Stats reports per-state counts for a queue.
type Stats struct {
	Total      int
	Queued     int
	Generating int
	Completed  int
	Failed     int
}
