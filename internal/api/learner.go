package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-classroom/internal/domain"
	"github.com/ashureev/shsh-classroom/internal/identity"
	"github.com/ashureev/shsh-classroom/internal/store"
)

const (
	recentCallsLimit = 20
	maxProfileField  = 32
)

// LearnerHandler serves the caller's learner profile and call log.
type LearnerHandler struct {
	repo store.Repository
}

// NewLearnerHandler creates a new learner handler.
func NewLearnerHandler(repo store.Repository) *LearnerHandler {
	return &LearnerHandler{repo: repo}
}

// RegisterRoutes registers learner routes.
func (h *LearnerHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/me", h.Me)
	r.Put("/api/me/profile", h.UpdateProfile)
	r.Get("/api/me/calls", h.RecentCalls)
}

type meResponse struct {
	*domain.Learner
	HasProfile bool   `json:"has_profile"`
	TabID      string `json:"tab_id"`
}

// Me returns the current learner.
func (h *LearnerHandler) Me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	learner, err := h.repo.GetLearner(ctx, userID)
	if err != nil {
		slog.Error("Failed to load learner", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load learner")
		return
	}
	if learner == nil {
		Error(w, http.StatusNotFound, "learner not found")
		return
	}
	JSON(w, http.StatusOK, meResponse{
		Learner:    learner,
		HasProfile: learner.HasProfile(),
		TabID:      identity.TabIDFromContext(ctx),
	})
}

type profileRequest struct {
	Board string `json:"board"`
	Grade string `json:"grade"`
}

// UpdateProfile sets the learner's board and grade.
func (h *LearnerHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		OpError(w, err)
		return
	}
	board := strings.TrimSpace(req.Board)
	grade := strings.TrimSpace(req.Grade)
	if board == "" || grade == "" {
		Error(w, http.StatusBadRequest, "board and grade are required")
		return
	}
	if len(board) > maxProfileField || len(grade) > maxProfileField {
		Error(w, http.StatusBadRequest, "board and grade must be short identifiers")
		return
	}

	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	if err := h.repo.UpdateProfile(ctx, userID, board, grade); err != nil {
		if errors.Is(err, store.ErrLearnerNotFound) {
			Error(w, http.StatusNotFound, "learner not found")
			return
		}
		slog.Error("Failed to update profile", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to update profile")
		return
	}
	h.Me(w, r)
}

type callView struct {
	ID         string      `json:"id"`
	TabID      string      `json:"tab_id"`
	Subject    string      `json:"subject"`
	Chapter    string      `json:"chapter"`
	Mode       domain.Mode `json:"mode"`
	ThreadID   string      `json:"thread_id,omitempty"`
	StartedAt  string      `json:"started_at"`
	EndedAt    string      `json:"ended_at,omitempty"`
	EndReason  string      `json:"end_reason,omitempty"`
	DurationMS int64       `json:"duration_ms"`
}

// RecentCalls lists the learner's most recent calls.
func (h *LearnerHandler) RecentCalls(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	calls, err := h.repo.RecentCalls(ctx, userID, recentCallsLimit)
	if err != nil {
		slog.Error("Failed to list calls", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list calls")
		return
	}
	out := make([]callView, 0, len(calls))
	for i := range calls {
		c := &calls[i]
		v := callView{
			ID:         c.ID,
			TabID:      c.TabID,
			Subject:    c.Subject,
			Chapter:    c.Chapter,
			Mode:       c.Mode,
			ThreadID:   c.ThreadID,
			StartedAt:  c.StartedAt.UTC().Format(timeLayout),
			EndReason:  c.EndReason,
			DurationMS: c.Duration().Milliseconds(),
		}
		if c.EndedAt != nil {
			v.EndedAt = c.EndedAt.UTC().Format(timeLayout)
		}
		out = append(out, v)
	}
	JSON(w, http.StatusOK, map[string]any{"calls": out})
}
