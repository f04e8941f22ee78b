package domain

import (
	"context"
	"errors"
)

var (
	// ErrValidation blocks an action locally before anything reaches the network.
	ErrValidation = errors.New("validation failed")
	// ErrNetwork covers fetch, connect and send failures.
	ErrNetwork = errors.New("network failure")
	// ErrCancelled marks a superseded request. It is never shown to the learner.
	ErrCancelled = errors.New("cancelled")
	// ErrPermissionDenied is returned when microphone or camera access is refused.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrDeviceNotFound is returned when no capture device is available.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceUnknown is any other device failure.
	ErrDeviceUnknown = errors.New("device error")
	// ErrInvalidTransition is returned for an operation the current state does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotConnected is returned by operations that need a live call.
	ErrNotConnected = errors.New("not connected")
)

// ErrorKind is the reporting class of an error.
type ErrorKind string

const (
	KindNetwork           ErrorKind = "network_failure"
	KindCancelled         ErrorKind = "cancelled"
	KindPermissionDenied  ErrorKind = "permission_denied"
	KindDeviceNotFound    ErrorKind = "device_not_found"
	KindValidation        ErrorKind = "validation_failure"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindNotConnected      ErrorKind = "not_connected"
	KindUnknown           ErrorKind = "unknown"
)

// KindOf classifies err. Context cancellation counts as cancelled.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrDeviceNotFound):
		return KindDeviceNotFound
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrNotConnected):
		return KindNotConnected
	case errors.Is(err, ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	default:
		return KindUnknown
	}
}

// Reportable reports whether err should be surfaced to the learner.
func Reportable(err error) bool {
	return err != nil && KindOf(err) != KindCancelled
}
