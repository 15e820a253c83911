// Package cache defines the shared top-N ranking snapshot cache.
//
// The cache is advisory: every implementation degrades to a miss rather than
// an error where possible, and callers fall back to the ledger store when it
// fails. Writes follow last-writer-wins with a fixed TTL bounding staleness.
package cache

import (
	"context"
	"time"
)

// TTL is how long a ranking snapshot stays readable after creation.
const TTL = 30 * time.Second

// Entry is one ranked row inside a snapshot.
type Entry struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
	Score         int64  `json:"score"`
	Rank          int64  `json:"rank"`
}

// Snapshot is a materialized top-N ranking window.
type Snapshot struct {
	Entries    []Entry   `json:"entries"`
	Total      int64     `json:"total"`
	ComputedAt time.Time `json:"computed_at"`
}

// Cache holds at most one current top-N snapshot.
type Cache interface {
	// GetTopN returns the cached snapshot when present and unexpired.
	GetTopN(ctx context.Context) (Snapshot, bool, error)
	// SetTopN replaces the cached snapshot and restarts its TTL.
	SetTopN(ctx context.Context, snapshot Snapshot) error
	// Invalidate makes any cached snapshot unreadable.
	Invalidate(ctx context.Context) error
}
