// Package storage defines the ledger persistence boundary for the leaderboard.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrConsistencyViolation indicates an invariant breach in persisted state,
// such as an audit entry without a corresponding score row. It must never be
// silently repaired.
var ErrConsistencyViolation = errors.New("ledger consistency violation")

// ScoreRecord is the current score row for one participant.
type ScoreRecord struct {
	ParticipantID string
	DisplayName   string
	Score         int64
	UpdatedAt     time.Time
}

// DeltaRecord is one immutable audit entry for a score mutation.
type DeltaRecord struct {
	ID            string
	ParticipantID string
	Increment     int64
	PreviousScore int64
	NewScore      int64
	ActionToken   string
	OriginAddr    string
	OriginAgent   string
	CreatedAt     time.Time
}

// ApplyDeltaInput describes one atomic score mutation.
type ApplyDeltaInput struct {
	DeltaID       string
	ParticipantID string
	Increment     int64
	ActionToken   string
	OriginAddr    string
	OriginAgent   string
	AppliedAt     time.Time
}

// ScoreMutation reports the scores observed inside the mutation transaction.
type ScoreMutation struct {
	Previous int64
	New      int64
}

// Store persists participant scores and their append-only audit trail.
//
// ApplyDelta must serialize concurrent mutations for the same participant so
// that no update is lost: the score read and write happen under a write-intent
// guarantee, and the audit entry commits in the same unit of work.
type Store interface {
	ApplyDelta(ctx context.Context, input ApplyDeltaInput) (ScoreMutation, error)
	GetScore(ctx context.Context, participantID string) (ScoreRecord, error)
	Rank(ctx context.Context, participantID string) (int64, error)
	TopN(ctx context.Context, limit, offset int) ([]ScoreRecord, error)
	CountParticipants(ctx context.Context) (int64, error)
	UpsertParticipant(ctx context.Context, participantID, displayName string) error
	ListDeltasByParticipant(ctx context.Context, participantID string, limit int) ([]DeltaRecord, error)
}
