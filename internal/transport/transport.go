// Package transport is the client for the real-time tutoring room: it carries
// the live transcript feed, microphone control, file uploads and chat.
package transport

import (
	"context"
	"fmt"

	"github.com/ashureev/shsh-classroom/internal/domain"
)

// State is the room connection state reported by the server.
type State string

const (
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// Message is one live transcript or chat entry. Timestamp is epoch milliseconds.
type Message struct {
	ID        string
	Text      string
	Timestamp int64
	FromSelf  bool
}

// FileOptions describes an uploaded file.
type FileOptions struct {
	MimeType string
	Topic    string
}

// FileInfo identifies a file accepted by the room.
type FileInfo struct {
	ID string
}

// Conn is a live room connection.
type Conn interface {
	// Messages yields live messages until the connection ends.
	Messages() <-chan Message
	// States yields connection state changes until the connection ends.
	States() <-chan State
	// Done is closed when the connection has ended.
	Done() <-chan struct{}
	// Err returns the error that ended the connection, or nil.
	Err() error
	Disconnect(ctx context.Context) error
	SetMicrophoneEnabled(ctx context.Context, enabled bool) error
	SendFile(ctx context.Context, data []byte, opts FileOptions) (FileInfo, error)
	Send(ctx context.Context, text string) error
}

// Dialer opens room connections.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// AckError is a request the room rejected.
type AckError struct {
	Op      string
	Code    string
	Message string
}

func (e *AckError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s rejected: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s rejected: %s: %s", e.Op, e.Code, e.Message)
}

// ErrorCode returns the machine-readable rejection code.
func (e *AckError) ErrorCode() string { return e.Code }

// Unwrap classifies rejections as network failures.
func (e *AckError) Unwrap() error { return domain.ErrNetwork }
