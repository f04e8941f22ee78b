// Package domain contains core domain types for the classroom gateway.
package domain

import (
	"time"
)

// Learner is an anonymous per-device learner with the profile fields the
// credential service needs to place them in a tutoring room.
type Learner struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	Board      string    `json:"board,omitempty"`
	Grade      string    `json:"grade,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HasProfile reports whether both board and grade are set.
func (l *Learner) HasProfile() bool {
	return l.Board != "" && l.Grade != ""
}

// CallRecord is one connected tutoring call as logged in the store.
type CallRecord struct {
	ID        string
	UserID    string
	TabID     string
	Subject   string
	Chapter   string
	Mode      Mode
	ThreadID  string
	StartedAt time.Time
	EndedAt   *time.Time
	EndReason string
}

// Duration returns how long the call lasted, or 0 while it is still open.
func (c *CallRecord) Duration() time.Duration {
	if c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(c.StartedAt)
}
