// Package domain implements the leaderboard core: atomic score mutation with
// an append-only audit trail, and rank queries served through an advisory
// snapshot cache.
package domain

import (
	"time"

	"github.com/louisbranch/standings.live/internal/services/leaderboard/cache"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/storage"
)

// ApplyDeltaRequest describes one requested score mutation.
type ApplyDeltaRequest struct {
	ParticipantID string
	Increment     int64

	// ActionToken is an optional opaque token recorded in the audit trail.
	ActionToken string

	// SentAt is the client-reported send time. When non-zero it must fall
	// within the replay window around the server clock.
	SentAt time.Time

	OriginAddr  string
	OriginAgent string
}

// MutationResult reports the outcome of one committed score mutation.
type MutationResult struct {
	DeltaID       string
	ParticipantID string
	Increment     int64
	PreviousScore int64
	NewScore      int64
	AppliedAt     time.Time
}

// Entry is one ranked row in a listing.
type Entry struct {
	ParticipantID string
	DisplayName   string
	Score         int64
	Rank          int64
}

// Listing is one page of the ranking.
//
// Rank values are ordinal row positions under the deterministic ordering
// (score descending, earliest update first, then identifier); tied scores
// therefore occupy consecutive positions rather than sharing one.
type Listing struct {
	Entries    []Entry
	Total      int64
	Limit      int
	Offset     int
	ComputedAt time.Time
	FromCache  bool
}

// Delta is one audit-trail entry for a participant.
type Delta struct {
	ID            string
	ParticipantID string
	Increment     int64
	PreviousScore int64
	NewScore      int64
	ActionToken   string
	CreatedAt     time.Time
}

func entryFromRecord(record storage.ScoreRecord, rank int64) Entry {
	return Entry{
		ParticipantID: record.ParticipantID,
		DisplayName:   record.DisplayName,
		Score:         record.Score,
		Rank:          rank,
	}
}

func entryFromCache(entry cache.Entry) Entry {
	return Entry{
		ParticipantID: entry.ParticipantID,
		DisplayName:   entry.DisplayName,
		Score:         entry.Score,
		Rank:          entry.Rank,
	}
}

func cacheEntry(entry Entry) cache.Entry {
	return cache.Entry{
		ParticipantID: entry.ParticipantID,
		DisplayName:   entry.DisplayName,
		Score:         entry.Score,
		Rank:          entry.Rank,
	}
}

func deltaFromRecord(record storage.DeltaRecord) Delta {
	return Delta{
		ID:            record.ID,
		ParticipantID: record.ParticipantID,
		Increment:     record.Increment,
		PreviousScore: record.PreviousScore,
		NewScore:      record.NewScore,
		ActionToken:   record.ActionToken,
		CreatedAt:     record.CreatedAt,
	}
}
