package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/shsh-classroom/internal/classroom"
	"github.com/ashureev/shsh-classroom/internal/clock"
	"github.com/ashureev/shsh-classroom/internal/domain"
	"github.com/ashureev/shsh-classroom/internal/identity"
	"github.com/ashureev/shsh-classroom/internal/mic"
)

const writeTimeout = 5 * time.Second

// Inbound frame types.
const (
	frameKeyDown      = "key_down"
	frameKeyUp        = "key_up"
	frameTouchStart   = "touch_start"
	frameTouchEnd     = "touch_end"
	frameToggleMic    = "toggle_mic"
	frameSetMicMode   = "set_mic_mode"
	frameReconcileMic = "reconcile_mic"
	framePing         = "ping"
	frameLeave        = "leave"
)

// inbound is a frame sent by the browser.
type inbound struct {
	Type       string `json:"type"`
	Key        string `json:"key,omitempty"`
	Repeat     bool   `json:"repeat,omitempty"`
	InEditable bool   `json:"in_editable,omitempty"`
	Mode       string `json:"mode,omitempty"`
}

type pong struct {
	Type string `json:"type"`
	At   int64  `json:"at"`
}

type toggled struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

// Handler serves the classroom WebSocket of a learner tab.
type Handler struct {
	classrooms    *classroom.Registry
	sm            *Manager
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a new WebSocket handler.
func NewHandler(classrooms *classroom.Registry, sm *Manager, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		classrooms:    classrooms,
		sm:            sm,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	tabID := identity.TabIDFromContext(r.Context())
	slog.Info("Classroom socket request", "user_id", userID, "tab_id", tabID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "classroom socket closed"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.sm.Register(userID, tabID, ws)
	ctl := h.classrooms.Get(userID, tabID)
	ctl.Touch()

	updates, unsubscribe := ctl.Subscribe()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snap := ctl.Snapshot()
	now := clock.Millis(nil)
	if err := writeJSON(ctx, ws, classroom.Update{Type: classroom.UpdateSession, At: now, Session: &snap}); err != nil {
		unsubscribe()
		h.sm.Unregister(userID, tabID, ws)
		return
	}
	if err := writeJSON(ctx, ws, classroom.Update{Type: classroom.UpdateTimeline, At: now, Timeline: ctl.Timeline()}); err != nil {
		unsubscribe()
		h.sm.Unregister(userID, tabID, ws)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		outputLoop(ctx, ws, updates, userID)
	}()

	left := h.inputLoop(ctx, ws, ctl, userID, tabID)

	cancel()
	unsubscribe()
	wg.Wait()

	last := h.sm.Unregister(userID, tabID, ws)
	switch {
	case left:
		h.classrooms.Remove(userID, tabID)
	case last:
		// Nobody can release a held push-to-talk trigger any more.
		ctl.Mic().ForceDisable()
	}
	slog.Info("Classroom socket ended", "user_id", userID, "tab_id", tabID, "left", left)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// inputLoop applies browser frames until the socket closes. It reports
// whether the browser announced that the learner left the page.
func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, ctl *classroom.Controller, userID, tabID string) bool {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("Classroom socket closed by client", "user_id", userID, "tab_id", tabID)
			} else {
				slog.Warn("Classroom socket read error", "error", err, "user_id", userID)
			}
			return false
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("Ignoring malformed socket frame", "user_id", userID, "error", err)
			continue
		}
		if msg.Type == frameLeave {
			return true
		}

		reply := dispatch(ctl, msg)
		ctl.Touch()
		if reply == nil {
			continue
		}
		if err := writeJSON(ctx, ws, reply); err != nil {
			slog.Debug("Failed to send socket reply", "type", msg.Type, "error", err)
			return false
		}
	}
}

// dispatch applies one frame and returns the direct reply, if any.
func dispatch(ctl *classroom.Controller, msg inbound) any {
	arbiter := ctl.Mic()
	ev := mic.KeyEvent{Key: msg.Key, Repeat: msg.Repeat, InEditable: msg.InEditable}

	switch msg.Type {
	case frameKeyDown:
		arbiter.KeyDown(ev)
	case frameKeyUp:
		arbiter.KeyUp(ev)
	case frameTouchStart:
		arbiter.TouchStart()
	case frameTouchEnd:
		arbiter.TouchEnd()
	case frameToggleMic:
		on, err := arbiter.Toggle()
		if err != nil {
			return errorReply(msg.Type, fmt.Errorf("%w: switch to always-on mode to toggle the microphone", err))
		}
		return toggled{Type: "mic_toggled", Enabled: on}
	case frameSetMicMode:
		mode, ok := domain.ParseMicMode(msg.Mode)
		if !ok {
			return errorReply(msg.Type, fmt.Errorf("%w: unknown microphone mode %q", domain.ErrValidation, msg.Mode))
		}
		arbiter.SetMode(mode)
	case frameReconcileMic:
		arbiter.Reconcile()
	case framePing:
		return pong{Type: "pong", At: clock.Millis(nil)}
	default:
		slog.Debug("Ignoring unknown socket frame", "type", msg.Type)
	}
	return nil
}

func errorReply(op string, err error) classroom.Update {
	kind := domain.KindOf(err)
	return classroom.Update{
		Type:  classroom.UpdateError,
		At:    clock.Millis(nil),
		Error: &classroom.ErrorReport{Operation: op, Kind: kind, Message: err.Error()},
	}
}

func outputLoop(ctx context.Context, ws *websocket.Conn, updates <-chan classroom.Update, userID string) {
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := writeJSON(ctx, ws, u); err != nil {
				if ctx.Err() == nil {
					slog.Debug("Classroom socket write error", "error", err, "user_id", userID)
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
