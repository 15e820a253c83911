package bbolt

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/louisbranch/standings.live/internal/services/leaderboard/cache"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time {
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func openTempStore(t *testing.T, ttl time.Duration, clock func() time.Time) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rank_cache.db")
	store, err := OpenWithTTL(path, ttl, clock)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close cache: %v", err)
		}
	})
	return store
}

func sampleSnapshot(at time.Time) cache.Snapshot {
	return cache.Snapshot{
		Entries: []cache.Entry{
			{ParticipantID: "first", DisplayName: "First", Score: 500, Rank: 1},
			{ParticipantID: "second", DisplayName: "Second", Score: 450, Rank: 2},
		},
		Total:      2,
		ComputedAt: at,
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	store := openTempStore(t, 30*time.Second, clock.Now)
	want := sampleSnapshot(clock.Now())

	if err := store.SetTopN(context.Background(), want); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := store.GetTopN(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected identical snapshot, got %+v want %+v", got, want)
	}
}

func TestMissPastExpiry(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	store := openTempStore(t, 30*time.Second, clock.Now)
	if err := store.SetTopN(context.Background(), sampleSnapshot(clock.Now())); err != nil {
		t.Fatalf("set: %v", err)
	}

	clock.Advance(31 * time.Second)
	_, ok, err := store.GetTopN(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected miss past expiry")
	}
}

func TestInvalidateRemovesSnapshot(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	store := openTempStore(t, 30*time.Second, clock.Now)
	if err := store.SetTopN(context.Background(), sampleSnapshot(clock.Now())); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Invalidate(context.Background()); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	_, ok, err := store.GetTopN(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected miss after invalidation")
	}
}

func TestInvalidateWithoutSnapshotIsNoop(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Now()}
	store := openTempStore(t, 30*time.Second, clock.Now)
	if err := store.Invalidate(context.Background()); err != nil {
		t.Fatalf("invalidate empty cache: %v", err)
	}
}
