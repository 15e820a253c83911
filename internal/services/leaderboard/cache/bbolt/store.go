// Package bbolt provides a file-backed snapshot cache shared by co-located
// service processes.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/standings.live/internal/services/leaderboard/cache"
	"go.etcd.io/bbolt"
)

const snapshotBucket = "rank_cache"
const snapshotKey = "topn"

// Store is a BoltDB-backed snapshot cache.
type Store struct {
	db    *bbolt.DB
	ttl   time.Duration
	clock func() time.Time
}

type snapshotEnvelope struct {
	Snapshot  cache.Snapshot `json:"snapshot"`
	ExpiresAt int64          `json:"expires_at_ms"`
}

// Open opens a BoltDB-backed cache at the provided path.
func Open(path string) (*Store, error) {
	return OpenWithTTL(path, cache.TTL, time.Now)
}

// OpenWithTTL opens a BoltDB-backed cache with explicit TTL and clock.
func OpenWithTTL(path string, ttl time.Duration, clock func() time.Time) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	if ttl <= 0 {
		ttl = cache.TTL
	}
	if clock == nil {
		clock = time.Now
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	store := &Store{db: db, ttl: ttl, clock: clock}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureBuckets() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(snapshotBucket))
		return err
	})
	if err != nil {
		return fmt.Errorf("ensure cache bucket: %w", err)
	}
	return nil
}

// GetTopN returns the cached snapshot when present and unexpired.
func (s *Store) GetTopN(ctx context.Context) (cache.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return cache.Snapshot{}, false, err
	}
	if s == nil || s.db == nil {
		return cache.Snapshot{}, false, fmt.Errorf("cache is not configured")
	}

	var envelope snapshotEnvelope
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(snapshotBucket)).Get([]byte(snapshotKey))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return fmt.Errorf("decode cached snapshot: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return cache.Snapshot{}, false, err
	}
	if !found || s.clock().UnixMilli() > envelope.ExpiresAt {
		return cache.Snapshot{}, false, nil
	}
	return envelope.Snapshot, true, nil
}

// SetTopN replaces the cached snapshot and restarts its TTL.
func (s *Store) SetTopN(ctx context.Context, snapshot cache.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("cache is not configured")
	}

	raw, err := json.Marshal(snapshotEnvelope{
		Snapshot:  snapshot,
		ExpiresAt: s.clock().Add(s.ttl).UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(snapshotBucket)).Put([]byte(snapshotKey), raw)
	})
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// Invalidate makes any cached snapshot unreadable.
func (s *Store) Invalidate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("cache is not configured")
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(snapshotBucket)).Delete([]byte(snapshotKey))
	})
	if err != nil {
		return fmt.Errorf("invalidate snapshot: %w", err)
	}
	return nil
}
