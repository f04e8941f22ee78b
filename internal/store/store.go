// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/shsh-classroom/internal/domain"
)

// Repository defines the interface for persisting learners and the call log.
type Repository interface {
	// GetLearner retrieves a learner by user ID. It returns nil, nil when the
	// learner does not exist.
	GetLearner(ctx context.Context, userID string) (*domain.Learner, error)

	// UpsertLearner creates or updates a learner record. The profile fields
	// are only written on insert.
	UpsertLearner(ctx context.Context, learner *domain.Learner) error

	// UpdateLastSeen updates the last_seen_at timestamp for a learner.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// UpdateProfile sets the board and grade of a learner.
	UpdateProfile(ctx context.Context, userID, board, grade string) error

	// StartCall records a newly connected call.
	StartCall(ctx context.Context, rec domain.CallRecord) error

	// EndCall marks a call as finished.
	EndCall(ctx context.Context, id string, endedAt time.Time, reason string) error

	// RecentCalls lists a learner's most recent calls, newest first.
	RecentCalls(ctx context.Context, userID string, limit int) ([]domain.CallRecord, error)

	// CleanupCallSessions removes finished calls older than olderThan.
	CleanupCallSessions(ctx context.Context, olderThan time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
