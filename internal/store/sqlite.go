package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/shsh-classroom/internal/domain"
	"github.com/ashureev/shsh-classroom/internal/shared"
	_ "modernc.org/sqlite"
)

// ErrLearnerNotFound is returned when updating a learner that does not exist.
var ErrLearnerNotFound = errors.New("learner not found")

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS learners (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		board TEXT NOT NULL DEFAULT '',
		grade TEXT NOT NULL DEFAULT '',
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS call_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		tab_id TEXT NOT NULL,
		subject TEXT NOT NULL,
		chapter TEXT NOT NULL,
		mode TEXT NOT NULL,
		thread_id TEXT,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		end_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_call_sessions_user ON call_sessions(user_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_call_sessions_ended ON call_sessions(ended_at) WHERE ended_at IS NOT NULL;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetLearner retrieves a learner by user ID.
func (s *SQLiteStore) GetLearner(ctx context.Context, userID string) (*domain.Learner, error) {
	query := `
		SELECT user_id, username, board, grade, last_seen_at, created_at, updated_at
		FROM learners WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var l domain.Learner
	var lastSeen, createdAt, updatedAt int64
	err := row.Scan(&l.UserID, &l.Username, &l.Board, &l.Grade, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan learner row: %w", err)
	}

	l.LastSeenAt = time.Unix(lastSeen, 0)
	l.CreatedAt = time.Unix(createdAt, 0)
	l.UpdatedAt = time.Unix(updatedAt, 0)
	return &l, nil
}

// UpsertLearner creates or updates a learner record.
func (s *SQLiteStore) UpsertLearner(ctx context.Context, l *domain.Learner) error {
	query := `
	INSERT INTO learners (user_id, username, board, grade, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		l.UserID, l.Username, l.Board, l.Grade,
		l.LastSeenAt.Unix(), l.CreatedAt.Unix(), l.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert learner: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a learner.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE learners SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// UpdateProfile sets the board and grade of a learner.
func (s *SQLiteStore) UpdateProfile(ctx context.Context, userID, board, grade string) error {
	query := `UPDATE learners SET board = ?, grade = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, board, grade, time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrLearnerNotFound
	}
	return nil
}

// StartCall records a newly connected call.
func (s *SQLiteStore) StartCall(ctx context.Context, rec domain.CallRecord) error {
	query := `
	INSERT INTO call_sessions (id, user_id, tab_id, subject, chapter, mode, thread_id, started_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	var threadID any
	if rec.ThreadID != "" {
		threadID = rec.ThreadID
	}
	return shared.RetryOnConflict(ctx, "start call", func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.ID, rec.UserID, rec.TabID, rec.Subject, rec.Chapter, string(rec.Mode),
			threadID, rec.StartedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert call session: %w", err)
		}
		return nil
	})
}

// EndCall marks a call as finished. Ending an already ended call keeps the
// first end time and reason.
func (s *SQLiteStore) EndCall(ctx context.Context, id string, endedAt time.Time, reason string) error {
	query := `UPDATE call_sessions SET ended_at = ?, end_reason = ? WHERE id = ? AND ended_at IS NULL`
	return shared.RetryOnConflict(ctx, "end call", func() error {
		result, err := s.db.ExecContext(ctx, query, endedAt.UnixMilli(), reason, id)
		if err != nil {
			return fmt.Errorf("update call session: %w", err)
		}
		if rows, err := result.RowsAffected(); err == nil && rows == 0 {
			slog.Warn("EndCall affected 0 rows", "call_id", id)
		}
		return nil
	})
}

// RecentCalls lists a learner's most recent calls, newest first.
func (s *SQLiteStore) RecentCalls(ctx context.Context, userID string, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, user_id, tab_id, subject, chapter, mode, thread_id, started_at, ended_at, end_reason
		FROM call_sessions WHERE user_id = ?
		ORDER BY started_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query call sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close call session rows", "error", closeErr)
		}
	}()

	var calls []domain.CallRecord
	for rows.Next() {
		var rec domain.CallRecord
		var mode string
		var threadID, endReason sql.NullString
		var startedAt int64
		var endedAt sql.NullInt64

		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.TabID, &rec.Subject, &rec.Chapter, &mode,
			&threadID, &startedAt, &endedAt, &endReason,
		); err != nil {
			return nil, fmt.Errorf("scan call session row: %w", err)
		}
		rec.Mode = domain.Mode(mode)
		rec.ThreadID = threadID.String
		rec.StartedAt = time.UnixMilli(startedAt)
		if endedAt.Valid {
			t := time.UnixMilli(endedAt.Int64)
			rec.EndedAt = &t
		}
		rec.EndReason = endReason.String
		calls = append(calls, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call sessions: %w", err)
	}
	return calls, nil
}

// CleanupCallSessions removes finished calls older than olderThan.
func (s *SQLiteStore) CleanupCallSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().Add(-olderThan).UnixMilli()
	query := `DELETE FROM call_sessions WHERE ended_at IS NOT NULL AND ended_at < ?`
	result, err := s.db.ExecContext(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup call sessions: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
