// Package api provides HTTP handlers for the classroom API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ashureev/shsh-classroom/internal/domain"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps an operation error to an HTTP status.
func StatusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotConnected, domain.KindInvalidTransition, domain.KindCancelled:
		return http.StatusConflict
	case domain.KindNetwork:
		return http.StatusBadGateway
	case domain.KindPermissionDenied, domain.KindDeviceNotFound:
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}

// OpError writes err as a JSON error with its kind.
func OpError(w http.ResponseWriter, err error) {
	JSON(w, StatusFor(err), map[string]string{
		"error": err.Error(),
		"kind":  string(domain.KindOf(err)),
	})
}

// decodeJSON reads a JSON request body into v. Errors are validation failures.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w: request body too large", domain.ErrValidation)
		}
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err)
	}
	return nil
}
