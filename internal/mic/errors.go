package mic

import (
	"errors"
	"strings"

	"github.com/ashureev/shsh-classroom/internal/domain"
)

// coded is implemented by transport errors that carry a machine-readable code.
type coded interface {
	ErrorCode() string
}

var permissionCodes = []string{"permission_denied", "NotAllowedError", "SecurityError"}

var deviceCodes = []string{"device_not_found", "NotFoundError", "DevicesNotFoundError", "NotReadableError"}

// Classify maps a failed hardware request to a user-facing error kind.
func Classify(err error) domain.MicErrorKind {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return domain.MicPermissionDenied
	case errors.Is(err, domain.ErrDeviceNotFound):
		return domain.MicDeviceNotFound
	}

	var c coded
	if errors.As(err, &c) {
		if kind, ok := classifyCode(c.ErrorCode()); ok {
			return kind
		}
	}
	// Browser errors are often forwarded as "<Name>: <message>".
	name, _, _ := strings.Cut(err.Error(), ":")
	if kind, ok := classifyCode(strings.TrimSpace(name)); ok {
		return kind
	}
	return domain.MicUnknown
}

func classifyCode(code string) (domain.MicErrorKind, bool) {
	for _, c := range permissionCodes {
		if strings.EqualFold(code, c) {
			return domain.MicPermissionDenied, true
		}
	}
	for _, c := range deviceCodes {
		if strings.EqualFold(code, c) {
			return domain.MicDeviceNotFound, true
		}
	}
	return "", false
}

// Error is a classified microphone failure.
type Error struct {
	Kind    domain.MicErrorKind
	Message string
	Err     error
}

// NewError classifies err and attaches a remediation message.
func NewError(err error) *Error {
	kind := Classify(err)
	return &Error{Kind: kind, Message: remediation(kind), Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

// Unwrap exposes both the taxonomy sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	return []error{sentinel(e.Kind), e.Err}
}

func sentinel(kind domain.MicErrorKind) error {
	switch kind {
	case domain.MicPermissionDenied:
		return domain.ErrPermissionDenied
	case domain.MicDeviceNotFound:
		return domain.ErrDeviceNotFound
	default:
		return domain.ErrDeviceUnknown
	}
}

func remediation(kind domain.MicErrorKind) string {
	switch kind {
	case domain.MicPermissionDenied:
		return "Microphone access is blocked. Allow microphone access for this site in your browser settings, then try again."
	case domain.MicDeviceNotFound:
		return "No microphone was found. Connect a microphone or check that no other app is using it, then try again."
	default:
		return "The microphone could not be switched. Please try again."
	}
}
