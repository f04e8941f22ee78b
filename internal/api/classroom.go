package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-classroom/internal/classroom"
	"github.com/ashureev/shsh-classroom/internal/domain"
	"github.com/ashureev/shsh-classroom/internal/identity"
)

const maxJSONBody = 64 << 10

// SocketCloser closes the browser sockets of a learner.
type SocketCloser interface {
	CloseUser(userID string)
}

// ClassroomHandler exposes classroom operations for the caller's tab.
type ClassroomHandler struct {
	classrooms     *classroom.Registry
	sockets        SocketCloser
	maxUploadBytes int64
}

// NewClassroomHandler creates a new classroom handler. sockets may be nil.
func NewClassroomHandler(classrooms *classroom.Registry, sockets SocketCloser, maxUploadBytes int64) *ClassroomHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 << 20
	}
	return &ClassroomHandler{classrooms: classrooms, sockets: sockets, maxUploadBytes: maxUploadBytes}
}

// RegisterRoutes registers classroom routes.
func (h *ClassroomHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/classroom", func(r chi.Router) {
		r.Get("/session", h.Session)
		r.Get("/timeline", h.Timeline)
		r.Post("/conversations", h.StartConversation)
		r.Post("/threads/{threadID}/resume", h.ResumeThread)
		r.Post("/continue", h.ContinueThread)
		r.Post("/end", h.EndSession)
		r.Put("/chapter", h.SwitchChapter)
		r.Post("/views/{view}", h.OpenView)
		r.Delete("/views/{view}", h.CloseView)
		r.Post("/messages", h.SendText)
		r.Post("/images", h.SendImage)
		r.Delete("/tabs", h.LeaveAll)
	})
}

func (h *ClassroomHandler) controller(r *http.Request) *classroom.Controller {
	ctx := r.Context()
	ctl := h.classrooms.Get(identity.UserIDFromContext(ctx), identity.TabIDFromContext(ctx))
	ctl.Touch()
	return ctl
}

func writeSnapshot(w http.ResponseWriter, snap classroom.Snapshot, err error) {
	if err != nil {
		OpError(w, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// Session returns the classroom state.
func (h *ClassroomHandler) Session(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.controller(r).Snapshot())
}

// Timeline returns the reconciled conversation.
func (h *ClassroomHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	msgs := h.controller(r).Timeline()
	if msgs == nil {
		msgs = []domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// LeaveAll closes every classroom and socket the learner has open.
func (h *ClassroomHandler) LeaveAll(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if h.sockets != nil {
		h.sockets.CloseUser(userID)
	}
	h.classrooms.CloseUser(userID)
	w.WriteHeader(http.StatusNoContent)
}

type startRequest struct {
	Subject string `json:"subject"`
	Chapter string `json:"chapter"`
	Mode    string `json:"mode"`
}

// StartConversation starts a new call for a subject and chapter.
func (h *ClassroomHandler) StartConversation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		OpError(w, err)
		return
	}
	snap, err := h.controller(r).StartNewConversation(r.Context(), classroom.StartRequest{
		Subject: req.Subject,
		Chapter: req.Chapter,
		Mode:    domain.Mode(req.Mode),
	})
	writeSnapshot(w, snap, err)
}

// ResumeThread opens a past thread without connecting.
func (h *ClassroomHandler) ResumeThread(w http.ResponseWriter, r *http.Request) {
	snap, err := h.controller(r).ResumeHistoricalThread(r.Context(), chi.URLParam(r, "threadID"))
	writeSnapshot(w, snap, err)
}

// ContinueThread connects the call for a resumed thread.
func (h *ClassroomHandler) ContinueThread(w http.ResponseWriter, r *http.Request) {
	snap, err := h.controller(r).ContinueResumedThread(r.Context())
	writeSnapshot(w, snap, err)
}

// EndSession ends the current call.
func (h *ClassroomHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.controller(r).EndSession(r.Context())
	writeSnapshot(w, snap, err)
}

type chapterRequest struct {
	Subject string `json:"subject"`
	Chapter string `json:"chapter"`
}

// SwitchChapter changes the selected subject and chapter.
func (h *ClassroomHandler) SwitchChapter(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var req chapterRequest
	if err := decodeJSON(r, &req); err != nil {
		OpError(w, err)
		return
	}
	snap, err := h.controller(r).SwitchChapterOrSubject(r.Context(), req.Subject, req.Chapter)
	writeSnapshot(w, snap, err)
}

func viewParam(r *http.Request) (domain.View, error) {
	name := chi.URLParam(r, "view")
	view, ok := domain.ParseView(name)
	if !ok {
		return "", fmt.Errorf("%w: unknown view %q", domain.ErrValidation, name)
	}
	return view, nil
}

// OpenView shows a full-screen view, ending any call.
func (h *ClassroomHandler) OpenView(w http.ResponseWriter, r *http.Request) {
	view, err := viewParam(r)
	if err != nil {
		OpError(w, err)
		return
	}
	snap, err := h.controller(r).OpenView(r.Context(), view)
	writeSnapshot(w, snap, err)
}

// CloseView hides a full-screen view.
func (h *ClassroomHandler) CloseView(w http.ResponseWriter, r *http.Request) {
	view, err := viewParam(r)
	if err != nil {
		OpError(w, err)
		return
	}
	snap, err := h.controller(r).CloseView(r.Context(), view)
	writeSnapshot(w, snap, err)
}

type textRequest struct {
	Text string `json:"text"`
}

// SendText sends a chat message on the live call.
func (h *ClassroomHandler) SendText(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var req textRequest
	if err := decodeJSON(r, &req); err != nil {
		OpError(w, err)
		return
	}
	msg, err := h.controller(r).SendText(r.Context(), req.Text)
	if err != nil {
		OpError(w, err)
		return
	}
	JSON(w, http.StatusCreated, msg)
}

// SendImage uploads an image (multipart field "file") with an optional
// "caption" field.
func (h *ClassroomHandler) SendImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+maxJSONBody)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		OpError(w, fmt.Errorf("%w: invalid upload: %v", domain.ErrValidation, err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		OpError(w, fmt.Errorf("%w: file is required", domain.ErrValidation))
		return
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			slog.Debug("Failed to close upload", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		OpError(w, fmt.Errorf("%w: read upload: %v", domain.ErrValidation, err))
		return
	}
	if int64(len(data)) > h.maxUploadBytes {
		OpError(w, fmt.Errorf("%w: image is larger than %d bytes", domain.ErrValidation, h.maxUploadBytes))
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}

	att, err := h.controller(r).SendImage(r.Context(), classroom.ImageUpload{
		Data:     data,
		MimeType: mimeType,
		Caption:  r.FormValue("caption"),
	})
	if err != nil {
		if errors.Is(err, domain.ErrCancelled) {
			Error(w, http.StatusConflict, "the call ended before the upload finished")
			return
		}
		OpError(w, err)
		return
	}
	JSON(w, http.StatusCreated, map[string]any{
		"id":              att.ID,
		"timestamp":       att.Timestamp,
		"associated_text": att.AssociatedText,
	})
}
