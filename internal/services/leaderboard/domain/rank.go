package domain

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"time"

	"github.com/louisbranch/standings.live/internal/platform/errors"
	"github.com/louisbranch/standings.live/internal/platform/timeouts"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/cache"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/storage"
)

const (
	// CacheWindow is the canonical number of rows materialized into the
	// rank cache. Only full zero-offset windows are written back, so every
	// cached read observes the same snapshot regardless of its limit.
	CacheWindow = 100

	// DefaultLimit and MaxLimit bound a listing page.
	DefaultLimit = 10
	MaxLimit     = 100
)

// Engine answers rank queries, reading through the advisory rank cache when
// possible and always falling back to the ledger store.
type Engine struct {
	store storage.Store
	cache cache.Cache

	storageTimeout time.Duration
}

// NewEngine creates a rank query engine. The cache is optional; a nil value
// sends every read to the ledger store.
func NewEngine(store storage.Store, rankCache cache.Cache) *Engine {
	return &Engine{
		store:          store,
		cache:          rankCache,
		storageTimeout: timeouts.Storage,
	}
}

// Rank returns a participant's competition rank: one more than the number of
// participants with a strictly greater score. Tied scores share a rank.
func (e *Engine) Rank(ctx context.Context, participantID string) (int64, error) {
	if participantID == "" {
		return 0, errors.New(errors.CodeParticipantRequired, "participant id is required")
	}

	storageCtx, cancel := context.WithTimeout(ctx, e.storageTimeout)
	defer cancel()

	rank, err := e.store.Rank(storageCtx, participantID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return 0, errors.WithMetadata(errors.CodeNotFound, "participant not found",
				map[string]string{"participant_id": participantID})
		}
		return 0, errors.Wrap(errors.CodeStorageUnavailable, "query rank", err)
	}
	return rank, nil
}

// Score returns a participant's current score row.
func (e *Engine) Score(ctx context.Context, participantID string) (storage.ScoreRecord, error) {
	if participantID == "" {
		return storage.ScoreRecord{}, errors.New(errors.CodeParticipantRequired, "participant id is required")
	}

	storageCtx, cancel := context.WithTimeout(ctx, e.storageTimeout)
	defer cancel()

	record, err := e.store.GetScore(storageCtx, participantID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return storage.ScoreRecord{}, errors.WithMetadata(errors.CodeNotFound, "participant not found",
				map[string]string{"participant_id": participantID})
		}
		return storage.ScoreRecord{}, errors.Wrap(errors.CodeStorageUnavailable, "query score", err)
	}
	return record, nil
}

// Total returns the number of registered participants.
func (e *Engine) Total(ctx context.Context) (int64, error) {
	storageCtx, cancel := context.WithTimeout(ctx, e.storageTimeout)
	defer cancel()

	total, err := e.store.CountParticipants(storageCtx)
	if err != nil {
		return 0, errors.Wrap(errors.CodeStorageUnavailable, "count participants", err)
	}
	return total, nil
}

// TopN returns one listing page. Zero-offset pages read through the rank
// cache; a miss rebuilds the canonical window from the ledger store and
// writes it back. Non-zero offsets always read the store directly.
func (e *Engine) TopN(ctx context.Context, limit, offset int) (Listing, error) {
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 0 || limit > MaxLimit {
		return Listing{}, errors.WithMetadata(errors.CodeMalformedInput,
			fmt.Sprintf("limit must be between 1 and %d", MaxLimit),
			map[string]string{"limit": fmt.Sprint(limit)})
	}
	if offset < 0 {
		return Listing{}, errors.WithMetadata(errors.CodeMalformedInput,
			"offset must not be negative",
			map[string]string{"offset": fmt.Sprint(offset)})
	}

	if offset == 0 {
		if snapshot, ok := e.readCache(ctx); ok {
			return listingFromSnapshot(snapshot, limit, true), nil
		}

		snapshot, err := e.buildWindow(ctx)
		if err != nil {
			return Listing{}, err
		}
		e.writeCache(ctx, snapshot)
		return listingFromSnapshot(snapshot, limit, false), nil
	}

	return e.readPage(ctx, limit, offset)
}

// IsInTopN reports whether a participant occupies one of the first n rows.
// It always evaluates against the ledger store so that membership checks
// never act on a stale snapshot.
func (e *Engine) IsInTopN(ctx context.Context, participantID string, n int) (bool, error) {
	if participantID == "" {
		return false, errors.New(errors.CodeParticipantRequired, "participant id is required")
	}
	if n <= 0 {
		return false, nil
	}

	storageCtx, cancel := context.WithTimeout(ctx, e.storageTimeout)
	defer cancel()

	records, err := e.store.TopN(storageCtx, n, 0)
	if err != nil {
		return false, errors.Wrap(errors.CodeStorageUnavailable, "query ranking window", err)
	}
	for _, record := range records {
		if record.ParticipantID == participantID {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) buildWindow(ctx context.Context) (cache.Snapshot, error) {
	storageCtx, cancel := context.WithTimeout(ctx, e.storageTimeout)
	defer cancel()

	records, err := e.store.TopN(storageCtx, CacheWindow, 0)
	if err != nil {
		return cache.Snapshot{}, errors.Wrap(errors.CodeStorageUnavailable, "query ranking window", err)
	}
	total, err := e.store.CountParticipants(storageCtx)
	if err != nil {
		return cache.Snapshot{}, errors.Wrap(errors.CodeStorageUnavailable, "count participants", err)
	}

	entries := make([]cache.Entry, 0, len(records))
	for i, record := range records {
		entries = append(entries, cacheEntry(entryFromRecord(record, int64(i+1))))
	}
	return cache.Snapshot{
		Entries:    entries,
		Total:      total,
		ComputedAt: time.Now().UTC(),
	}, nil
}

func (e *Engine) readPage(ctx context.Context, limit, offset int) (Listing, error) {
	storageCtx, cancel := context.WithTimeout(ctx, e.storageTimeout)
	defer cancel()

	records, err := e.store.TopN(storageCtx, limit, offset)
	if err != nil {
		return Listing{}, errors.Wrap(errors.CodeStorageUnavailable, "query ranking window", err)
	}
	total, err := e.store.CountParticipants(storageCtx)
	if err != nil {
		return Listing{}, errors.Wrap(errors.CodeStorageUnavailable, "count participants", err)
	}

	entries := make([]Entry, 0, len(records))
	for i, record := range records {
		entries = append(entries, entryFromRecord(record, int64(offset+i+1)))
	}
	return Listing{
		Entries:    entries,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
		ComputedAt: time.Now().UTC(),
	}, nil
}

func (e *Engine) readCache(ctx context.Context) (cache.Snapshot, bool) {
	if e.cache == nil {
		return cache.Snapshot{}, false
	}
	snapshot, ok, err := e.cache.GetTopN(ctx)
	if err != nil {
		log.Printf("leaderboard: read rank cache: %v", err)
		return cache.Snapshot{}, false
	}
	return snapshot, ok
}

func (e *Engine) writeCache(ctx context.Context, snapshot cache.Snapshot) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetTopN(ctx, snapshot); err != nil {
		log.Printf("leaderboard: write rank cache: %v", err)
	}
}

func listingFromSnapshot(snapshot cache.Snapshot, limit int, fromCache bool) Listing {
	count := limit
	if count > len(snapshot.Entries) {
		count = len(snapshot.Entries)
	}
	entries := make([]Entry, 0, count)
	for _, cached := range snapshot.Entries[:count] {
		entries = append(entries, entryFromCache(cached))
	}
	return Listing{
		Entries:    entries,
		Total:      snapshot.Total,
		Limit:      limit,
		Offset:     0,
		ComputedAt: snapshot.ComputedAt,
		FromCache:  fromCache,
	}
}
