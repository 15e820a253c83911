package domain

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/louisbranch/standings.live/internal/platform/errors"
	"github.com/louisbranch/standings.live/internal/platform/id"
	"github.com/louisbranch/standings.live/internal/platform/timeouts"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/broadcast"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/cache"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/storage"
)

const (
	// MinIncrement and MaxIncrement bound a single score mutation.
	MinIncrement = 1
	MaxIncrement = 1000

	// ReplayWindow bounds how far a client-reported send time may drift
	// from the server clock in either direction.
	ReplayWindow = 5 * time.Minute

	publishAttempts = 3
)

// Mutator applies score mutations atomically and fans out their side effects.
type Mutator struct {
	store storage.Store
	cache cache.Cache
	bus   broadcast.Publisher

	clock func() time.Time
	newID func() (string, error)

	storageTimeout time.Duration
}

// NewMutator creates a score mutator over the given ledger store, rank cache,
// and broadcast publisher. Cache and bus are optional; a nil value disables
// that side effect.
func NewMutator(store storage.Store, rankCache cache.Cache, bus broadcast.Publisher) *Mutator {
	return &Mutator{
		store:          store,
		cache:          rankCache,
		bus:            bus,
		clock:          time.Now,
		newID:          id.NewID,
		storageTimeout: timeouts.Storage,
	}
}

// ApplyDelta validates and commits one score mutation. The score update and
// its audit entry commit atomically; on success the shared rank cache is
// invalidated and a rank-change publication is emitted. Both side effects are
// best-effort: their failures are logged and never fail a committed mutation.
func (m *Mutator) ApplyDelta(ctx context.Context, req ApplyDeltaRequest) (MutationResult, error) {
	if req.ParticipantID == "" {
		return MutationResult{}, errors.New(errors.CodeParticipantRequired, "participant id is required")
	}
	if req.Increment < MinIncrement || req.Increment > MaxIncrement {
		return MutationResult{}, errors.WithMetadata(errors.CodeIncrementOutOfRange,
			fmt.Sprintf("increment must be between %d and %d", MinIncrement, MaxIncrement),
			map[string]string{"increment": strconv.FormatInt(req.Increment, 10)})
	}

	now := m.clock().UTC()
	if !req.SentAt.IsZero() {
		drift := now.Sub(req.SentAt)
		if drift < 0 {
			drift = -drift
		}
		if drift > ReplayWindow {
			return MutationResult{}, errors.WithMetadata(errors.CodeStaleTimestamp,
				"send time is outside the accepted window",
				map[string]string{"drift": drift.String()})
		}
	}

	deltaID, err := m.newID()
	if err != nil {
		return MutationResult{}, errors.Wrap(errors.CodeUnknown, "generate delta id", err)
	}

	storageCtx, cancel := context.WithTimeout(ctx, m.storageTimeout)
	defer cancel()

	mutation, err := m.store.ApplyDelta(storageCtx, storage.ApplyDeltaInput{
		DeltaID:       deltaID,
		ParticipantID: req.ParticipantID,
		Increment:     req.Increment,
		ActionToken:   req.ActionToken,
		OriginAddr:    req.OriginAddr,
		OriginAgent:   req.OriginAgent,
		AppliedAt:     now,
	})
	if err != nil {
		if stderrors.Is(err, storage.ErrConsistencyViolation) {
			return MutationResult{}, errors.Wrap(errors.CodeConsistencyViolation, "ledger invariant breached", err)
		}
		return MutationResult{}, errors.Wrap(errors.CodeStorageUnavailable, "apply score delta", err)
	}

	m.invalidateCache(ctx)
	m.publish(ctx, broadcast.Event{ParticipantID: req.ParticipantID, OccurredAt: now})

	return MutationResult{
		DeltaID:       deltaID,
		ParticipantID: req.ParticipantID,
		Increment:     req.Increment,
		PreviousScore: mutation.Previous,
		NewScore:      mutation.New,
		AppliedAt:     now,
	}, nil
}

// Register creates or renames a participant without touching its score.
func (m *Mutator) Register(ctx context.Context, participantID, displayName string) error {
	if participantID == "" {
		return errors.New(errors.CodeParticipantRequired, "participant id is required")
	}
	if displayName == "" {
		displayName = participantID
	}

	storageCtx, cancel := context.WithTimeout(ctx, m.storageTimeout)
	defer cancel()

	if err := m.store.UpsertParticipant(storageCtx, participantID, displayName); err != nil {
		return errors.Wrap(errors.CodeStorageUnavailable, "upsert participant", err)
	}
	return nil
}

// AuditTrail returns a participant's most recent score mutations, newest
// first.
func (m *Mutator) AuditTrail(ctx context.Context, participantID string, limit int) ([]Delta, error) {
	if participantID == "" {
		return nil, errors.New(errors.CodeParticipantRequired, "participant id is required")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	storageCtx, cancel := context.WithTimeout(ctx, m.storageTimeout)
	defer cancel()

	records, err := m.store.ListDeltasByParticipant(storageCtx, participantID, limit)
	if err != nil {
		return nil, errors.Wrap(errors.CodeStorageUnavailable, "list score deltas", err)
	}

	deltas := make([]Delta, 0, len(records))
	for _, record := range records {
		deltas = append(deltas, deltaFromRecord(record))
	}
	return deltas, nil
}

func (m *Mutator) invalidateCache(ctx context.Context) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Invalidate(ctx); err != nil {
		log.Printf("leaderboard: invalidate rank cache: %v", err)
	}
}

func (m *Mutator) publish(ctx context.Context, event broadcast.Event) {
	if m.bus == nil {
		return
	}
	err := retry.Do(
		func() error { return m.bus.Publish(ctx, event) },
		retry.Attempts(publishAttempts),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		log.Printf("leaderboard: publish rank change for %s: %v", event.ParticipantID, err)
	}
}
