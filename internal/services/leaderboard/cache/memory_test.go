package cache

import (
	"context"
	"reflect"
	"testing"
	"time"
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

func sampleSnapshot(at time.Time) Snapshot {
	return Snapshot{
		Entries: []Entry{
			{ParticipantID: "first", DisplayName: "First", Score: 500, Rank: 1},
			{ParticipantID: "second", DisplayName: "Second", Score: 450, Rank: 2},
		},
		Total:      2,
		ComputedAt: at,
	}
}

func TestMemoryMissBeforeFirstSet(t *testing.T) {
	t.Parallel()

	cache := NewMemory()
	_, ok, err := cache.GetTopN(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected miss before first set")
	}
}

func TestMemoryHitWithinTTL(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	cache := NewMemoryWithTTL(30*time.Second, clock.Now)
	want := sampleSnapshot(clock.Now())

	if err := cache.SetTopN(context.Background(), want); err != nil {
		t.Fatalf("set: %v", err)
	}

	clock.Advance(29 * time.Second)
	got, ok, err := cache.GetTopN(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected hit within TTL")
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected identical snapshot, got %+v", got)
	}
}

func TestMemoryExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	cache := NewMemoryWithTTL(30*time.Second, clock.Now)
	if err := cache.SetTopN(context.Background(), sampleSnapshot(clock.Now())); err != nil {
		t.Fatalf("set: %v", err)
	}

	clock.Advance(31 * time.Second)
	_, ok, err := cache.GetTopN(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected miss after TTL expiry")
	}
}

func TestMemoryInvalidate(t *testing.T) {
	t.Parallel()

	cache := NewMemory()
	if err := cache.SetTopN(context.Background(), sampleSnapshot(time.Now())); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := cache.Invalidate(context.Background()); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	_, ok, err := cache.GetTopN(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected miss after invalidation")
	}
}

func TestMemoryLastWriterWins(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	cache := NewMemoryWithTTL(30*time.Second, clock.Now)

	first := sampleSnapshot(clock.Now())
	if err := cache.SetTopN(context.Background(), first); err != nil {
		t.Fatalf("set first: %v", err)
	}
	second := sampleSnapshot(clock.Now())
	second.Entries[0].Score = 600
	if err := cache.SetTopN(context.Background(), second); err != nil {
		t.Fatalf("set second: %v", err)
	}

	got, ok, err := cache.GetTopN(context.Background())
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Entries[0].Score != 600 {
		t.Fatalf("expected last write to win, got score %d", got.Entries[0].Score)
	}
}
