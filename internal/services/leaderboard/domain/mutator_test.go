package domain

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/louisbranch/standings.live/internal/platform/errors"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/broadcast"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/cache"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/storage"
)

type fakeStore struct {
	applyDeltaFn func(storage.ApplyDeltaInput) (storage.ScoreMutation, error)
	rankFn       func(string) (int64, error)
	getScoreFn   func(string) (storage.ScoreRecord, error)
	topNFn       func(limit, offset int) ([]storage.ScoreRecord, error)
	countFn      func() (int64, error)
	listDeltasFn func(string, int) ([]storage.DeltaRecord, error)

	applyCalls []storage.ApplyDeltaInput
	topNCalls  int
	upserts    map[string]string
}

func (f *fakeStore) ApplyDelta(_ context.Context, input storage.ApplyDeltaInput) (storage.ScoreMutation, error) {
	f.applyCalls = append(f.applyCalls, input)
	if f.applyDeltaFn != nil {
		return f.applyDeltaFn(input)
	}
	return storage.ScoreMutation{Previous: 0, New: input.Increment}, nil
}

func (f *fakeStore) GetScore(_ context.Context, participantID string) (storage.ScoreRecord, error) {
	if f.getScoreFn != nil {
		return f.getScoreFn(participantID)
	}
	return storage.ScoreRecord{}, storage.ErrNotFound
}

func (f *fakeStore) Rank(_ context.Context, participantID string) (int64, error) {
	if f.rankFn != nil {
		return f.rankFn(participantID)
	}
	return 0, storage.ErrNotFound
}

func (f *fakeStore) TopN(_ context.Context, limit, offset int) ([]storage.ScoreRecord, error) {
	f.topNCalls++
	if f.topNFn != nil {
		return f.topNFn(limit, offset)
	}
	return nil, nil
}

func (f *fakeStore) CountParticipants(context.Context) (int64, error) {
	if f.countFn != nil {
		return f.countFn()
	}
	return 0, nil
}

func (f *fakeStore) UpsertParticipant(_ context.Context, participantID, displayName string) error {
	if f.upserts == nil {
		f.upserts = make(map[string]string)
	}
	f.upserts[participantID] = displayName
	return nil
}

func (f *fakeStore) ListDeltasByParticipant(_ context.Context, participantID string, limit int) ([]storage.DeltaRecord, error) {
	if f.listDeltasFn != nil {
		return f.listDeltasFn(participantID, limit)
	}
	return nil, nil
}

type fakeCache struct {
	snapshot    cache.Snapshot
	populated   bool
	getErr      error
	setErr      error
	gets        int
	sets        int
	invalidates int
}

func (f *fakeCache) GetTopN(context.Context) (cache.Snapshot, bool, error) {
	f.gets++
	if f.getErr != nil {
		return cache.Snapshot{}, false, f.getErr
	}
	return f.snapshot, f.populated, nil
}

func (f *fakeCache) SetTopN(_ context.Context, snapshot cache.Snapshot) error {
	f.sets++
	if f.setErr != nil {
		return f.setErr
	}
	f.snapshot = snapshot
	f.populated = true
	return nil
}

func (f *fakeCache) Invalidate(context.Context) error {
	f.invalidates++
	f.populated = false
	return nil
}

type fakeBus struct {
	failures int
	events   []broadcast.Event
	calls    int
}

func (f *fakeBus) Publish(_ context.Context, event broadcast.Event) error {
	f.calls++
	if f.calls <= f.failures {
		return fmt.Errorf("broker unreachable")
	}
	f.events = append(f.events, event)
	return nil
}

func newTestMutator(store *fakeStore, rankCache *fakeCache, bus *fakeBus) *Mutator {
	mutator := NewMutator(store, rankCache, bus)
	mutator.clock = func() time.Time { return time.Unix(1_700_000_000, 0).UTC() }
	mutator.newID = func() (string, error) { return "delta-test-id", nil }
	return mutator
}

func TestApplyDeltaValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		req      ApplyDeltaRequest
		wantCode errors.Code
	}{
		{
			name:     "missing participant",
			req:      ApplyDeltaRequest{Increment: 10},
			wantCode: errors.CodeParticipantRequired,
		},
		{
			name:     "zero increment",
			req:      ApplyDeltaRequest{ParticipantID: "alice", Increment: 0},
			wantCode: errors.CodeIncrementOutOfRange,
		},
		{
			name:     "negative increment",
			req:      ApplyDeltaRequest{ParticipantID: "alice", Increment: -5},
			wantCode: errors.CodeIncrementOutOfRange,
		},
		{
			name:     "increment above maximum",
			req:      ApplyDeltaRequest{ParticipantID: "alice", Increment: 1001},
			wantCode: errors.CodeIncrementOutOfRange,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := &fakeStore{}
			mutator := newTestMutator(store, &fakeCache{}, &fakeBus{})

			_, err := mutator.ApplyDelta(context.Background(), tc.req)
			if got := errors.CodeOf(err); got != tc.wantCode {
				t.Fatalf("code = %s, want %s", got, tc.wantCode)
			}
			if len(store.applyCalls) != 0 {
				t.Errorf("storage was touched on a validation failure")
			}
		})
	}
}

func TestApplyDeltaAcceptsBoundaryIncrements(t *testing.T) {
	t.Parallel()

	for _, increment := range []int64{MinIncrement, MaxIncrement} {
		store := &fakeStore{}
		mutator := newTestMutator(store, &fakeCache{}, &fakeBus{})

		result, err := mutator.ApplyDelta(context.Background(), ApplyDeltaRequest{
			ParticipantID: "alice",
			Increment:     increment,
		})
		if err != nil {
			t.Fatalf("ApplyDelta(%d): %v", increment, err)
		}
		if result.NewScore != increment {
			t.Errorf("new score = %d, want %d", result.NewScore, increment)
		}
	}
}

func TestApplyDeltaReplayWindow(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0).UTC()
	tests := []struct {
		name     string
		sentAt   time.Time
		wantCode errors.Code
	}{
		{name: "absent send time", sentAt: time.Time{}},
		{name: "exactly at past edge", sentAt: now.Add(-ReplayWindow)},
		{name: "exactly at future edge", sentAt: now.Add(ReplayWindow)},
		{name: "too old", sentAt: now.Add(-ReplayWindow - time.Minute), wantCode: errors.CodeStaleTimestamp},
		{name: "too far ahead", sentAt: now.Add(ReplayWindow + time.Minute), wantCode: errors.CodeStaleTimestamp},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := &fakeStore{}
			mutator := newTestMutator(store, &fakeCache{}, &fakeBus{})

			_, err := mutator.ApplyDelta(context.Background(), ApplyDeltaRequest{
				ParticipantID: "alice",
				Increment:     25,
				SentAt:        tc.sentAt,
			})
			if tc.wantCode == "" {
				if err != nil {
					t.Fatalf("ApplyDelta: %v", err)
				}
				return
			}
			if got := errors.CodeOf(err); got != tc.wantCode {
				t.Fatalf("code = %s, want %s", got, tc.wantCode)
			}
			if len(store.applyCalls) != 0 {
				t.Errorf("storage was touched on a validation failure")
			}
		})
	}
}

func TestApplyDeltaCommitsAndFansOut(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		applyDeltaFn: func(input storage.ApplyDeltaInput) (storage.ScoreMutation, error) {
			return storage.ScoreMutation{Previous: 100, New: 100 + input.Increment}, nil
		},
	}
	rankCache := &fakeCache{populated: true}
	bus := &fakeBus{}
	mutator := newTestMutator(store, rankCache, bus)

	result, err := mutator.ApplyDelta(context.Background(), ApplyDeltaRequest{
		ParticipantID: "alice",
		Increment:     50,
		ActionToken:   "tok-1",
		OriginAddr:    "203.0.113.7",
		OriginAgent:   "cli/1.0",
	})
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}

	if result.PreviousScore != 100 || result.NewScore != 150 {
		t.Errorf("result scores = %d -> %d, want 100 -> 150", result.PreviousScore, result.NewScore)
	}
	if result.DeltaID != "delta-test-id" {
		t.Errorf("delta id = %q", result.DeltaID)
	}

	if len(store.applyCalls) != 1 {
		t.Fatalf("store calls = %d, want 1", len(store.applyCalls))
	}
	input := store.applyCalls[0]
	if input.ActionToken != "tok-1" || input.OriginAddr != "203.0.113.7" || input.OriginAgent != "cli/1.0" {
		t.Errorf("audit metadata not forwarded: %+v", input)
	}

	if rankCache.invalidates != 1 {
		t.Errorf("cache invalidations = %d, want 1", rankCache.invalidates)
	}
	if len(bus.events) != 1 {
		t.Fatalf("published events = %d, want 1", len(bus.events))
	}
	if bus.events[0].ParticipantID != "alice" {
		t.Errorf("published participant = %q", bus.events[0].ParticipantID)
	}
	if !bus.events[0].OccurredAt.Equal(result.AppliedAt) {
		t.Errorf("published time %v != applied time %v", bus.events[0].OccurredAt, result.AppliedAt)
	}
}

func TestApplyDeltaRetriesPublish(t *testing.T) {
	t.Parallel()

	bus := &fakeBus{failures: 2}
	mutator := newTestMutator(&fakeStore{}, &fakeCache{}, bus)

	if _, err := mutator.ApplyDelta(context.Background(), ApplyDeltaRequest{
		ParticipantID: "alice",
		Increment:     1,
	}); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}

	if bus.calls != 3 {
		t.Errorf("publish attempts = %d, want 3", bus.calls)
	}
	if len(bus.events) != 1 {
		t.Errorf("delivered events = %d, want 1", len(bus.events))
	}
}

func TestApplyDeltaPublishExhaustionDoesNotFailMutation(t *testing.T) {
	t.Parallel()

	bus := &fakeBus{failures: 10}
	mutator := newTestMutator(&fakeStore{}, &fakeCache{}, bus)

	result, err := mutator.ApplyDelta(context.Background(), ApplyDeltaRequest{
		ParticipantID: "alice",
		Increment:     7,
	})
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if result.NewScore != 7 {
		t.Errorf("new score = %d, want 7", result.NewScore)
	}
	if len(bus.events) != 0 {
		t.Errorf("unexpected delivered events: %d", len(bus.events))
	}
}

func TestApplyDeltaStorageFailureIsRetryable(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		applyDeltaFn: func(storage.ApplyDeltaInput) (storage.ScoreMutation, error) {
			return storage.ScoreMutation{}, fmt.Errorf("database is locked")
		},
	}
	rankCache := &fakeCache{populated: true}
	bus := &fakeBus{}
	mutator := newTestMutator(store, rankCache, bus)

	_, err := mutator.ApplyDelta(context.Background(), ApplyDeltaRequest{
		ParticipantID: "alice",
		Increment:     1,
	})
	if got := errors.CodeOf(err); got != errors.CodeStorageUnavailable {
		t.Fatalf("code = %s, want %s", got, errors.CodeStorageUnavailable)
	}
	if !errors.CodeStorageUnavailable.Retryable() {
		t.Error("storage failures must be retryable")
	}
	if rankCache.invalidates != 0 || len(bus.events) != 0 {
		t.Error("side effects ran for a failed mutation")
	}
}

func TestApplyDeltaConsistencyViolation(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		applyDeltaFn: func(storage.ApplyDeltaInput) (storage.ScoreMutation, error) {
			return storage.ScoreMutation{}, storage.ErrConsistencyViolation
		},
	}
	mutator := newTestMutator(store, &fakeCache{}, &fakeBus{})

	_, err := mutator.ApplyDelta(context.Background(), ApplyDeltaRequest{
		ParticipantID: "alice",
		Increment:     1,
	})
	if got := errors.CodeOf(err); got != errors.CodeConsistencyViolation {
		t.Fatalf("code = %s, want %s", got, errors.CodeConsistencyViolation)
	}
}

func TestRegisterUpserts(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	mutator := newTestMutator(store, &fakeCache{}, &fakeBus{})

	if err := mutator.Register(context.Background(), "alice", "Alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if store.upserts["alice"] != "Alice" {
		t.Errorf("upserts = %v", store.upserts)
	}

	// Missing display name falls back to the identifier.
	if err := mutator.Register(context.Background(), "bob", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if store.upserts["bob"] != "bob" {
		t.Errorf("upserts = %v", store.upserts)
	}

	if err := mutator.Register(context.Background(), "", "nameless"); err == nil {
		t.Fatal("expected an error for a missing participant id")
	}
}

func TestAuditTrailConverts(t *testing.T) {
	t.Parallel()

	created := time.Unix(1_700_000_100, 0).UTC()
	store := &fakeStore{
		listDeltasFn: func(participantID string, limit int) ([]storage.DeltaRecord, error) {
			if participantID != "alice" {
				t.Errorf("participant = %q", participantID)
			}
			return []storage.DeltaRecord{{
				ID:            "d1",
				ParticipantID: "alice",
				Increment:     10,
				PreviousScore: 90,
				NewScore:      100,
				ActionToken:   "tok",
				CreatedAt:     created,
			}}, nil
		},
	}
	mutator := newTestMutator(store, &fakeCache{}, &fakeBus{})

	deltas, err := mutator.AuditTrail(context.Background(), "alice", 5)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(deltas) != 1 {
		t.Fatalf("deltas = %d, want 1", len(deltas))
	}
	want := Delta{ID: "d1", ParticipantID: "alice", Increment: 10, PreviousScore: 90, NewScore: 100, ActionToken: "tok", CreatedAt: created}
	if deltas[0] != want {
		t.Errorf("delta = %+v, want %+v", deltas[0], want)
	}
}
