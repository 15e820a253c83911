package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process snapshot cache for single-instance deployments.
type Memory struct {
	mu        sync.Mutex
	snapshot  Snapshot
	expiresAt time.Time
	populated bool

	ttl   time.Duration
	clock func() time.Time
}

// NewMemory creates an in-process cache with the default TTL.
func NewMemory() *Memory {
	return NewMemoryWithTTL(TTL, time.Now)
}

// NewMemoryWithTTL creates an in-process cache with explicit TTL and clock.
func NewMemoryWithTTL(ttl time.Duration, clock func() time.Time) *Memory {
	if ttl <= 0 {
		ttl = TTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &Memory{ttl: ttl, clock: clock}
}

// GetTopN returns the cached snapshot when present and unexpired.
func (m *Memory) GetTopN(ctx context.Context) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.populated || m.clock().After(m.expiresAt) {
		return Snapshot{}, false, nil
	}
	return m.snapshot, true, nil
}

// SetTopN replaces the cached snapshot and restarts its TTL.
func (m *Memory) SetTopN(ctx context.Context, snapshot Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.snapshot = snapshot
	m.expiresAt = m.clock().Add(m.ttl)
	m.populated = true
	m.mu.Unlock()
	return nil
}

// Invalidate makes any cached snapshot unreadable.
func (m *Memory) Invalidate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.populated = false
	m.snapshot = Snapshot{}
	m.mu.Unlock()
	return nil
}
