package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/shsh-classroom/internal/classroom"
	"github.com/ashureev/shsh-classroom/internal/credentials"
	"github.com/ashureev/shsh-classroom/internal/domain"
	"github.com/ashureev/shsh-classroom/internal/history"
	"github.com/ashureev/shsh-classroom/internal/identity"
	"github.com/ashureev/shsh-classroom/internal/timeline"
	"github.com/ashureev/shsh-classroom/internal/transport"
)

type stubIssuer struct{}

func (stubIssuer) Issue(ctx context.Context, req credentials.Request) (credentials.Grant, error) {
	return credentials.Grant{ServerURL: "wss://room.test", ParticipantToken: "tok"}, nil
}

type stubHistory struct{}

func (stubHistory) ChapterHistory(ctx context.Context, q history.Query) ([]timeline.PersistedMessage, error) {
	return nil, nil
}

func (stubHistory) Thread(ctx context.Context, id string) ([]timeline.PersistedMessage, error) {
	return nil, nil
}

type roomConn struct {
	mu   sync.Mutex
	mic  []bool
	done chan struct{}
	once sync.Once
}

func (c *roomConn) Messages() <-chan transport.Message { return nil }
func (c *roomConn) States() <-chan transport.State     { return nil }
func (c *roomConn) Done() <-chan struct{}              { return c.done }
func (c *roomConn) Err() error                         { return nil }

func (c *roomConn) Disconnect(ctx context.Context) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *roomConn) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mic = append(c.mic, enabled)
	return nil
}

func (c *roomConn) SendFile(ctx context.Context, data []byte, opts transport.FileOptions) (transport.FileInfo, error) {
	return transport.FileInfo{ID: "f"}, nil
}

func (c *roomConn) Send(ctx context.Context, text string) error { return nil }

func (c *roomConn) micCalls() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.mic...)
}

type roomDialer struct {
	conn *roomConn
}

func (d *roomDialer) Dial(ctx context.Context, url, token string) (transport.Conn, error) {
	return d.conn, nil
}

type fixture struct {
	reg  *classroom.Registry
	sm   *Manager
	room *roomConn
	url  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	room := &roomConn{done: make(chan struct{})}
	reg := classroom.NewRegistry(func(userID, tabID string) *classroom.Controller {
		return classroom.NewController(classroom.Options{
			UserID:       userID,
			TabID:        tabID,
			Credentials:  stubIssuer{},
			Dialer:       &roomDialer{conn: room},
			History:      stubHistory{},
			RefreshDelay: 10 * time.Millisecond,
		})
	}, nil)
	sm := NewManager()
	h := NewHandler(reg, sm, "*", true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := identity.WithLearner(r.Context(), "user1", r.URL.Query().Get(identity.TabQueryParam))
		h.ServeHTTP(w, r.WithContext(ctx))
	}))
	t.Cleanup(func() {
		srv.Close()
		reg.CloseAll()
	})
	return &fixture{reg: reg, sm: sm, room: room, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/classroom?tab_id=tab1"}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	if err := ws.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads frames until one has the given type.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %q frame: %v", typ, err)
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if frame["type"] == typ {
			return frame
		}
	}
}

func TestSocketSendsInitialStateAndPong(t *testing.T) {
	f := newFixture(t)
	ws := dial(t, f.url)

	first := readUntil(t, ws, string(classroom.UpdateSession))
	session := first["session"].(map[string]any)["session"].(map[string]any)
	if session["status"] != string(domain.StatusIdle) {
		t.Fatalf("unexpected initial session: %v", session)
	}
	readUntil(t, ws, string(classroom.UpdateTimeline))

	send(t, ws, inbound{Type: framePing})
	readUntil(t, ws, "pong")

	if f.sm.Len() != 1 {
		t.Fatalf("manager should track the socket, got %d", f.sm.Len())
	}
}

func TestSocketDrivesPushToTalk(t *testing.T) {
	f := newFixture(t)
	ws := dial(t, f.url)
	readUntil(t, ws, string(classroom.UpdateTimeline))

	ctl, ok := f.reg.Lookup("user1", "tab1")
	if !ok {
		t.Fatal("socket should create the classroom")
	}
	if _, err := ctl.StartNewConversation(context.Background(), classroom.StartRequest{Subject: "Math", Chapter: "3"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctl.Mic().Wait()

	send(t, ws, inbound{Type: frameKeyDown, Key: "Space", InEditable: true})
	send(t, ws, inbound{Type: frameKeyDown, Key: "Space"})
	waitMic(t, f.room, []bool{false, true})

	send(t, ws, inbound{Type: frameKeyUp, Key: "Space"})
	waitMic(t, f.room, []bool{false, true, false})
	readUntil(t, ws, string(classroom.UpdateMic))
}

func TestSocketRejectsInvalidMicCommands(t *testing.T) {
	f := newFixture(t)
	ws := dial(t, f.url)

	send(t, ws, inbound{Type: frameToggleMic})
	frame := readUntil(t, ws, string(classroom.UpdateError))
	if kind := frame["error"].(map[string]any)["kind"]; kind != string(domain.KindInvalidTransition) {
		t.Fatalf("toggle in push-to-talk: kind = %v", kind)
	}

	send(t, ws, inbound{Type: frameSetMicMode, Mode: "voice"})
	frame = readUntil(t, ws, string(classroom.UpdateError))
	if kind := frame["error"].(map[string]any)["kind"]; kind != string(domain.KindValidation) {
		t.Fatalf("bad mode: kind = %v", kind)
	}

	send(t, ws, inbound{Type: frameSetMicMode, Mode: string(domain.MicAlwaysOn)})
	send(t, ws, inbound{Type: frameToggleMic})
	frame = readUntil(t, ws, "mic_toggled")
	if frame["enabled"] != true {
		t.Fatalf("toggle should switch on: %v", frame)
	}
}

func TestSocketLeaveRemovesClassroom(t *testing.T) {
	f := newFixture(t)
	ws := dial(t, f.url)
	readUntil(t, ws, string(classroom.UpdateTimeline))

	send(t, ws, inbound{Type: frameLeave})

	waitFor(t, func() bool {
		_, ok := f.reg.Lookup("user1", "tab1")
		return !ok && f.sm.Len() == 0
	})
}

func TestSocketReplacesPreviousConnection(t *testing.T) {
	f := newFixture(t)
	first := dial(t, f.url)
	readUntil(t, first, string(classroom.UpdateTimeline))

	second := dial(t, f.url)
	readUntil(t, second, string(classroom.UpdateTimeline))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		if _, _, err := first.Read(ctx); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
				t.Fatalf("first socket should be replaced, got %v", err)
			}
			break
		}
	}
	if f.sm.Len() != 1 {
		t.Fatalf("sockets = %d, want 1", f.sm.Len())
	}
}

func waitMic(t *testing.T, room *roomConn, want []bool) {
	t.Helper()
	waitFor(t, func() bool { return reflect.DeepEqual(room.micCalls(), want) })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
