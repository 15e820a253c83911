// Package sqlite provides the SQLite-backed ledger store for the leaderboard.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/standings.live/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/storage"
	"github.com/louisbranch/standings.live/internal/services/leaderboard/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists participant scores and audit entries in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a leaderboard SQLite store at the provided path.
//
// Transactions begin with an immediate lock so a score read inside a mutation
// holds write intent from the start: two concurrent deltas for the same
// participant serialize instead of losing an update.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	// modernc.org/sqlite only honors _txlock and _pragma= query params;
	// the mattn-style _journal_mode/_busy_timeout forms are silently ignored.
	dsn := cleanPath + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureForeignKeysEnabled(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if err := store.VerifyAuditConsistency(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func ensureForeignKeysEnabled(db *sql.DB) error {
	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("check sqlite foreign key pragma: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("sqlite foreign keys are disabled")
	}
	return nil
}

// ApplyDelta applies one score increment and appends its audit entry in a
// single transaction. A participant without a prior score row starts at zero.
func (s *Store) ApplyDelta(ctx context.Context, input storage.ApplyDeltaInput) (storage.ScoreMutation, error) {
	if err := ctx.Err(); err != nil {
		return storage.ScoreMutation{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ScoreMutation{}, fmt.Errorf("storage is not configured")
	}
	participantID := strings.TrimSpace(input.ParticipantID)
	if participantID == "" {
		return storage.ScoreMutation{}, fmt.Errorf("participant id is required")
	}
	if strings.TrimSpace(input.DeltaID) == "" {
		return storage.ScoreMutation{}, fmt.Errorf("delta id is required")
	}
	if input.Increment <= 0 {
		return storage.ScoreMutation{}, fmt.Errorf("increment must be positive")
	}
	appliedAt := input.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = time.Now()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.ScoreMutation{}, fmt.Errorf("begin delta transaction: %w", err)
	}
	rollback := func(cause error) (storage.ScoreMutation, error) {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			return storage.ScoreMutation{}, errors.Join(cause, fmt.Errorf("rollback delta transaction: %w", rollbackErr))
		}
		return storage.ScoreMutation{}, cause
	}

	var previous int64
	err = tx.QueryRowContext(ctx, `SELECT score FROM participants WHERE id = ?`, participantID).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		previous = 0
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participants (id, display_name, score, updated_at)
			VALUES (?, ?, 0, ?)
		`, participantID, participantID, toMillis(appliedAt)); err != nil {
			return rollback(fmt.Errorf("create score row: %w", err))
		}
	} else if err != nil {
		return rollback(fmt.Errorf("read current score: %w", err))
	}

	next := previous + input.Increment
	if _, err := tx.ExecContext(ctx, `
		UPDATE participants SET score = ?, updated_at = ? WHERE id = ?
	`, next, toMillis(appliedAt), participantID); err != nil {
		return rollback(fmt.Errorf("write new score: %w", err))
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO score_deltas (
			id, participant_id, increment, previous_score, new_score,
			action_token, origin_addr, origin_agent, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, input.DeltaID, participantID, input.Increment, previous, next,
		input.ActionToken, input.OriginAddr, input.OriginAgent, toMillis(appliedAt)); err != nil {
		return rollback(fmt.Errorf("append audit entry: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return rollback(fmt.Errorf("commit delta transaction: %w", err))
	}
	return storage.ScoreMutation{Previous: previous, New: next}, nil
}

// GetScore returns the score row for one participant.
func (s *Store) GetScore(ctx context.Context, participantID string) (storage.ScoreRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ScoreRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ScoreRecord{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
		SELECT id, display_name, score, updated_at FROM participants WHERE id = ?
	`, strings.TrimSpace(participantID))
	return scanScoreRecord(row)
}

// Rank computes the 1-based ordinal rank for one participant: one plus the
// count of participants with a strictly greater score.
func (s *Store) Rank(ctx context.Context, participantID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	var score int64
	err := s.sqlDB.QueryRowContext(ctx, `
		SELECT score FROM participants WHERE id = ?
	`, strings.TrimSpace(participantID)).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read participant score: %w", err)
	}

	var rank int64
	err = s.sqlDB.QueryRowContext(ctx, `
		SELECT 1 + COUNT(*) FROM participants WHERE score > ?
	`, score).Scan(&rank)
	if err != nil {
		return 0, fmt.Errorf("compute rank: %w", err)
	}
	return rank, nil
}

// TopN returns the ranking window ordered by score descending. Equal scores
// order by earliest update first, then participant id.
func (s *Store) TopN(ctx context.Context, limit, offset int) ([]storage.ScoreRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, display_name, score, updated_at FROM participants
		ORDER BY score DESC, updated_at ASC, id ASC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query ranking window: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []storage.ScoreRecord
	for rows.Next() {
		record, err := scanScoreRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ranking window: %w", err)
	}
	return records, nil
}

// CountParticipants returns the total number of score rows.
func (s *Store) CountParticipants(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	var total int64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return total, nil
}

// UpsertParticipant creates or renames a participant without touching its
// score. Registration is owned by an external collaborator; this exists for
// seeding and display-name refresh.
func (s *Store) UpsertParticipant(ctx context.Context, participantID, displayName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return fmt.Errorf("participant id is required")
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = participantID
	}

	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO participants (id, display_name, score, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT (id) DO UPDATE SET display_name = excluded.display_name
	`, participantID, displayName, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

// ListDeltasByParticipant returns the newest audit entries for one participant.
func (s *Store) ListDeltasByParticipant(ctx context.Context, participantID string, limit int) ([]storage.DeltaRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, participant_id, increment, previous_score, new_score,
		       action_token, origin_addr, origin_agent, created_at
		FROM score_deltas
		WHERE participant_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, strings.TrimSpace(participantID), limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []storage.DeltaRecord
	for rows.Next() {
		var record storage.DeltaRecord
		var createdAt int64
		if err := rows.Scan(
			&record.ID, &record.ParticipantID, &record.Increment,
			&record.PreviousScore, &record.NewScore,
			&record.ActionToken, &record.OriginAddr, &record.OriginAgent,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		record.CreatedAt = fromMillis(createdAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return records, nil
}

// VerifyAuditConsistency checks that no audit entry exists without its score
// row. A violation is fatal and reported, never repaired.
func (s *Store) VerifyAuditConsistency(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	var orphans int64
	err := s.sqlDB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM score_deltas d
		LEFT JOIN participants p ON p.id = d.participant_id
		WHERE p.id IS NULL
	`).Scan(&orphans)
	if err != nil {
		return fmt.Errorf("check audit consistency: %w", err)
	}
	if orphans > 0 {
		return fmt.Errorf("%d audit entries without score rows: %w", orphans, storage.ErrConsistencyViolation)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScoreRecord(row rowScanner) (storage.ScoreRecord, error) {
	var record storage.ScoreRecord
	var updatedAt int64
	err := row.Scan(&record.ParticipantID, &record.DisplayName, &record.Score, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ScoreRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ScoreRecord{}, fmt.Errorf("scan score row: %w", err)
	}
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}
