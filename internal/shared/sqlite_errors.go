// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Retry settings for SQLite lock contention.
const (
	ConflictRetries   = 3
	ConflictBaseDelay = 100 * time.Millisecond
)

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_BUSY
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_LOCKED {
		return true
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError reports whether err is a SQLite concurrency error
// worth retrying.
func IsSQLiteConflictError(err error) bool {
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// RetryOnConflict runs fn until it succeeds, fails with a non-conflict error
// or ConflictRetries attempts have been made. Delays double from
// ConflictBaseDelay.
func RetryOnConflict(ctx context.Context, op string, fn func() error) error {
	for i := 0; i < ConflictRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsSQLiteConflictError(err) || i == ConflictRetries-1 {
			return fmt.Errorf("%s after %d attempts: %w", op, i+1, err)
		}
		delay := ConflictBaseDelay * time.Duration(1<<i) // 100ms, 200ms
		slog.Debug("SQLite conflict, retrying", "operation", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
