package classroom

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shsh-classroom/internal/credentials"
	"github.com/ashureev/shsh-classroom/internal/domain"
	"github.com/ashureev/shsh-classroom/internal/history"
	"github.com/ashureev/shsh-classroom/internal/mic"
	"github.com/ashureev/shsh-classroom/internal/timeline"
	"github.com/ashureev/shsh-classroom/internal/transport"
)

type fakeIssuer struct {
	mu   sync.Mutex
	reqs []credentials.Request
	err  error
}

func (f *fakeIssuer) Issue(ctx context.Context, req credentials.Request) (credentials.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return credentials.Grant{}, f.err
	}
	return credentials.Grant{ServerURL: "wss://room.test", ParticipantToken: "tok", ThreadID: req.ThreadID}, nil
}

func (f *fakeIssuer) Requests() []credentials.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]credentials.Request(nil), f.reqs...)
}

type fakeConn struct {
	messages chan transport.Message
	states   chan transport.State
	done     chan struct{}

	mu          sync.Mutex
	ops         []string
	micCalls    []bool
	sent        []string
	disconnects int
	fileGate    chan struct{}
	fileErr     error
	err         error
	closeOnce   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		messages: make(chan transport.Message, 16),
		states:   make(chan transport.State, 16),
		done:     make(chan struct{}),
	}
}

func (f *fakeConn) Messages() <-chan transport.Message { return f.messages }
func (f *fakeConn) States() <-chan transport.State     { return f.states }
func (f *fakeConn) Done() <-chan struct{}              { return f.done }

func (f *fakeConn) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeConn) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.disconnects++
	f.ops = append(f.ops, "disconnect")
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

// lose simulates the room dropping the connection.
func (f *fakeConn) lose(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.done) })
}

func (f *fakeConn) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.micCalls = append(f.micCalls, enabled)
	return nil
}

func (f *fakeConn) SendFile(ctx context.Context, data []byte, opts transport.FileOptions) (transport.FileInfo, error) {
	f.mu.Lock()
	f.ops = append(f.ops, "file:"+opts.MimeType)
	gate := f.fileGate
	err := f.fileErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return transport.FileInfo{}, err
	}
	return transport.FileInfo{ID: "f1"}, nil
}

func (f *fakeConn) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "send:"+text)
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeConn) snapshot() (ops []string, mic []bool, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...), append([]bool(nil), f.micCalls...), f.disconnects
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	errs    []error
	gate    chan struct{}
	started chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, url, token string) (transport.Conn, error) {
	d.mu.Lock()
	gate, started := d.gate, d.started
	var err error
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	}
	d.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type fakeHistory struct {
	mu           sync.Mutex
	threads      map[string][]timeline.PersistedMessage
	chapters     map[string][]timeline.PersistedMessage
	chapterCalls int
}

func (h *fakeHistory) setChapter(chapter string, msgs []timeline.PersistedMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.chapters == nil {
		h.chapters = map[string][]timeline.PersistedMessage{}
	}
	h.chapters[chapter] = msgs
}

func (h *fakeHistory) ChapterHistory(ctx context.Context, q history.Query) ([]timeline.PersistedMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chapterCalls++
	return h.chapters[q.Chapter], nil
}

func (h *fakeHistory) Thread(ctx context.Context, threadID string) ([]timeline.PersistedMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs, ok := h.threads[threadID]
	if !ok {
		return nil, errors.New("thread service unavailable")
	}
	return msgs, nil
}

type fakeCallLog struct {
	mu      sync.Mutex
	started []domain.CallRecord
	ended   map[string]string
}

func (l *fakeCallLog) StartCall(ctx context.Context, rec domain.CallRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, rec)
	return nil
}

func (l *fakeCallLog) EndCall(ctx context.Context, id string, endedAt time.Time, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended == nil {
		l.ended = map[string]string{}
	}
	l.ended[id] = reason
	return nil
}

type harness struct {
	ctl     *Controller
	issuer  *fakeIssuer
	dialer  *fakeDialer
	history *fakeHistory
	calls   *fakeCallLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		issuer: &fakeIssuer{},
		dialer: &fakeDialer{},
		history: &fakeHistory{threads: map[string][]timeline.PersistedMessage{
			"t1": {
				{Role: "user", Timestamp: "2024-03-01T10:00:00", Message: "Explain photosynthesis"},
				{Role: "assistant", Timestamp: "2024-03-01T10:00:05", Message: "Plants make food from light."},
			},
		}},
		calls: &fakeCallLog{},
	}
	h.ctl = NewController(Options{
		UserID:          "user1",
		TabID:           "tab1",
		Credentials:     h.issuer,
		Dialer:          h.dialer,
		History:         h.history,
		Calls:           h.calls,
		DisconnectGrace: 50 * time.Millisecond,
		CaptionDelay:    10 * time.Millisecond,
		RefreshDelay:    10 * time.Millisecond,
		DefaultBoard:    "CBSE",
		DefaultGrade:    "5",
	})
	t.Cleanup(h.ctl.Close)
	return h
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func waitUpdate(t *testing.T, updates <-chan Update, typ UpdateType) Update {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				t.Fatalf("updates closed while waiting for %s", typ)
			}
			if u.Type == typ {
				return u
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s update", typ)
		}
	}
}

func start(t *testing.T, h *harness) Snapshot {
	t.Helper()
	snap, err := h.ctl.StartNewConversation(context.Background(), StartRequest{Subject: "Math", Chapter: "3", Mode: domain.ModeLearn})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return snap
}

func TestStartNewConversationConnectsMuted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	snap := start(t, h)

	if snap.Session.Status != domain.StatusConnected || snap.Session.Mode != domain.ModeLearn || snap.Session.View != domain.ViewCall {
		t.Fatalf("unexpected session: %+v", snap.Session)
	}
	h.ctl.Mic().Wait()
	_, micCalls, _ := h.dialer.conn(0).snapshot()
	if !reflect.DeepEqual(micCalls, []bool{false}) {
		t.Fatalf("new call should force the mic off once, got %v", micCalls)
	}

	reqs := h.issuer.Requests()
	if len(reqs) != 1 || reqs[0].Identity != "user1" || reqs[0].Subject != "Math" || reqs[0].Chapter != "3" || reqs[0].Board != "CBSE" {
		t.Fatalf("unexpected credential requests: %+v", reqs)
	}

	// Later activity on the same connection must not repeat the reset.
	h.ctl.Snapshot()
	if _, err := h.ctl.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	h.ctl.Mic().KeyDown(mic.KeyEvent{Key: "Space"})
	h.ctl.Mic().Wait()
	h.ctl.Mic().KeyUp(mic.KeyEvent{Key: "Space"})
	h.ctl.Mic().Wait()
	_, micCalls, _ = h.dialer.conn(0).snapshot()
	if !reflect.DeepEqual(micCalls, []bool{false, true, false}) {
		t.Fatalf("mic calls = %v, want [false true false]", micCalls)
	}

	h.calls.mu.Lock()
	defer h.calls.mu.Unlock()
	if len(h.calls.started) != 1 || h.calls.started[0].Mode != domain.ModeLearn {
		t.Fatalf("call log should record the call: %+v", h.calls.started)
	}
}

func TestStartValidationChangesNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	updates, unsubscribe := h.ctl.Subscribe()
	defer unsubscribe()

	snap, err := h.ctl.StartNewConversation(context.Background(), StartRequest{Subject: "Math"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if snap.Session != domain.NewSession() {
		t.Fatalf("session changed: %+v", snap.Session)
	}
	if len(h.issuer.Requests()) != 0 {
		t.Fatal("validation failure must not reach the network")
	}
	u := waitUpdate(t, updates, UpdateError)
	if u.Error.Kind != domain.KindValidation {
		t.Fatalf("error kind = %q", u.Error.Kind)
	}
}

func TestStartConnectFailureReturnsToIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.dialer.errs = []error{errors.New("dial tcp: connection refused")}

	snap, err := h.ctl.StartNewConversation(context.Background(), StartRequest{Subject: "Math", Chapter: "3", Mode: domain.ModeAsk})
	if err == nil {
		t.Fatal("expected connect failure")
	}
	if snap.Session.Status != domain.StatusIdle {
		t.Fatalf("status = %s, want idle", snap.Session.Status)
	}
	if len(h.issuer.Requests()) != 1 || h.dialer.count() != 0 {
		t.Fatal("connect must not be retried automatically")
	}
}

func TestStartCredentialFailureIsNetworkError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.issuer.err = domain.ErrNetwork

	_, err := h.ctl.StartNewConversation(context.Background(), StartRequest{Subject: "Math", Chapter: "3"})
	if domain.KindOf(err) != domain.KindNetwork {
		t.Fatalf("expected network failure, got %v", err)
	}
	if h.ctl.Snapshot().Session.Status != domain.StatusIdle {
		t.Fatal("status should revert to idle")
	}
}

func TestSwitchChapterAbandonsCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	start(t, h)
	callID := h.ctl.Snapshot().CallID

	snap, err := h.ctl.SwitchChapterOrSubject(context.Background(), "Math", "4")
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if snap.Session.Status != domain.StatusIdle || snap.Session.Mode != domain.ModeNone || snap.Chapter != "4" {
		t.Fatalf("session should reset on chapter change: %+v", snap)
	}
	if _, _, disconnects := h.dialer.conn(0).snapshot(); disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", disconnects)
	}
	h.calls.mu.Lock()
	reason := h.calls.ended[callID]
	h.calls.mu.Unlock()
	if reason != EndChapterChange {
		t.Fatalf("end reason = %q", reason)
	}
}

func TestSwitchToSameChapterKeepsCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	start(t, h)

	snap, err := h.ctl.SwitchChapterOrSubject(context.Background(), "Math", "3")
	if err != nil || snap.Session.Status != domain.StatusConnected {
		t.Fatalf("same chapter should keep the call: %+v %v", snap.Session, err)
	}
}

func TestStartReplacesConnectedCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	start(t, h)
	h.ctl.Mic().Wait()
	start(t, h)
	h.ctl.Mic().Wait()

	if _, _, disconnects := h.dialer.conn(0).snapshot(); disconnects != 1 {
		t.Fatal("previous call should be disconnected")
	}
	_, micCalls, _ := h.dialer.conn(1).snapshot()
	if !reflect.DeepEqual(micCalls, []bool{false}) {
		t.Fatalf("second call should start muted, got %v", micCalls)
	}
}

func TestStaleConnectIsDiscarded(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.dialer.gate = make(chan struct{})
	h.dialer.started = make(chan struct{}, 1)

	errc := make(chan error, 1)
	go func() {
		_, err := h.ctl.StartNewConversation(context.Background(), StartRequest{Subject: "Math", Chapter: "3"})
		errc <- err
	}()
	<-h.dialer.started

	if _, err := h.ctl.SwitchChapterOrSubject(context.Background(), "Science", "1"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	close(h.dialer.gate)

	if err := <-errc; !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("late connect should be cancelled, got %v", err)
	}
	if _, _, disconnects := h.dialer.conn(0).snapshot(); disconnects != 1 {
		t.Fatal("late connection should be closed")
	}
	if s := h.ctl.Snapshot().Session; s.Status != domain.StatusIdle {
		t.Fatalf("status = %s, want idle", s.Status)
	}
}

func TestResumeAndContinueThread(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	snap, err := h.ctl.ResumeHistoricalThread(context.Background(), "t1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	s := snap.Session
	if s.Mode != domain.ModeHistorical || s.ActiveThreadID != "t1" || !s.ContinuePending || s.View != domain.ViewCall || s.Status != domain.StatusIdle {
		t.Fatalf("unexpected session after resume: %+v", s)
	}
	if !s.Valid() {
		t.Fatal("session invariants violated")
	}
	if len(h.issuer.Requests()) != 0 {
		t.Fatal("resume must not connect")
	}
	if tl := h.ctl.Timeline(); len(tl) != 2 || tl[0].Text != "Explain photosynthesis" {
		t.Fatalf("timeline should show the thread: %+v", tl)
	}

	h.dialer.errs = []error{errors.New("room unavailable")}
	snap, err = h.ctl.ContinueResumedThread(context.Background())
	if err == nil {
		t.Fatal("expected continue to fail")
	}
	if !snap.Session.ContinuePending || snap.Session.Status != domain.StatusIdle {
		t.Fatalf("failed continue should stay pending: %+v", snap.Session)
	}

	snap, err = h.ctl.ContinueResumedThread(context.Background())
	if err != nil {
		t.Fatalf("continue retry: %v", err)
	}
	if snap.Session.ContinuePending || snap.Session.Status != domain.StatusConnected || snap.Session.ActiveThreadID != "t1" {
		t.Fatalf("unexpected session after continue: %+v", snap.Session)
	}
	reqs := h.issuer.Requests()
	if reqs[len(reqs)-1].ThreadID != "t1" {
		t.Fatalf("continue should use the thread as continuation key: %+v", reqs)
	}
}

func TestResumeFailureKeepsState(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	snap, err := h.ctl.ResumeHistoricalThread(context.Background(), "missing")
	if domain.KindOf(err) != domain.KindNetwork {
		t.Fatalf("expected network failure, got %v", err)
	}
	if snap.Session.Mode != domain.ModeNone || snap.LoadingThread != "" {
		t.Fatalf("failed resume should not change the session: %+v", snap)
	}
}

func TestStaleMicSnapshotIsNotPublished(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	updates, unsubscribe := h.ctl.Subscribe()
	defer unsubscribe()

	h.ctl.publishMic(mic.Snapshot{Seq: 1000, Enabled: true})
	h.ctl.publishMic(mic.Snapshot{Seq: 999, Enabled: false})
	h.ctl.publishMic(mic.Snapshot{Seq: 1001, Enabled: false})

	if u := waitUpdate(t, updates, UpdateMic); u.Mic.Seq != 1000 || !u.Mic.Enabled {
		t.Fatalf("first mic update = %+v", u.Mic)
	}
	if u := waitUpdate(t, updates, UpdateMic); u.Mic.Seq != 1001 {
		t.Fatalf("older snapshot was published after a newer one: %+v", u.Mic)
	}
}

func TestResumeFailureKeepsLiveCallAndHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.history.setChapter("3", []timeline.PersistedMessage{
		{Role: "assistant", Timestamp: "2024-03-01T09:00:00Z", Message: "Welcome to chapter 3."},
	})
	start(t, h)
	waitFor(t, 2*time.Second, func() bool { return len(h.ctl.Timeline()) == 1 })
	before := h.ctl.Snapshot()

	snap, err := h.ctl.ResumeHistoricalThread(context.Background(), "missing")
	if domain.KindOf(err) != domain.KindNetwork {
		t.Fatalf("expected network failure, got %v", err)
	}
	s := snap.Session
	if s.Status != domain.StatusConnected || s.Mode != before.Session.Mode || s.View != before.Session.View || s.ActiveThreadID != "" {
		t.Fatalf("failed resume changed the session: before %+v, after %+v", before.Session, s)
	}
	if snap.CallID != before.CallID || snap.LoadingThread != "" {
		t.Fatalf("failed resume changed the call: before %+v, after %+v", before, snap)
	}
	if _, _, disconnects := h.dialer.conn(0).snapshot(); disconnects != 0 {
		t.Fatalf("failed resume must not disconnect, got %d", disconnects)
	}
	if tl := h.ctl.Timeline(); len(tl) != 1 || tl[0].Text != "Welcome to chapter 3." {
		t.Fatalf("chapter history should stay in view: %+v", tl)
	}
	if _, err := h.ctl.SendText(context.Background(), "still here"); err != nil {
		t.Fatalf("call should still be live: %v", err)
	}
}

func TestResumeEndsLiveCallOnceThreadLoads(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	start(t, h)
	callID := h.ctl.Snapshot().CallID

	snap, err := h.ctl.ResumeHistoricalThread(context.Background(), "t1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if snap.Session.Status != domain.StatusIdle || snap.Session.Mode != domain.ModeHistorical || !snap.Session.ContinuePending {
		t.Fatalf("unexpected session after resume: %+v", snap.Session)
	}
	if _, _, disconnects := h.dialer.conn(0).snapshot(); disconnects != 1 {
		t.Fatalf("resume should end the call, disconnects = %d", disconnects)
	}
	h.calls.mu.Lock()
	reason := h.calls.ended[callID]
	h.calls.mu.Unlock()
	if reason != EndReplaced {
		t.Fatalf("call end reason = %q, want %q", reason, EndReplaced)
	}
	if tl := h.ctl.Timeline(); len(tl) != 2 || tl[0].Text != "Explain photosynthesis" {
		t.Fatalf("timeline should show the thread: %+v", tl)
	}
}

func TestContinueWithoutResumeIsInvalid(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if _, err := h.ctl.ContinueResumedThread(context.Background()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestEndSessionResetsAndRefreshesHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	updates, unsubscribe := h.ctl.Subscribe()
	defer unsubscribe()
	start(t, h)

	snap, err := h.ctl.EndSession(context.Background())
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if snap.Session != domain.NewSession() {
		t.Fatalf("session should be idle: %+v", snap.Session)
	}
	if _, _, disconnects := h.dialer.conn(0).snapshot(); disconnects != 1 {
		t.Fatal("end should disconnect")
	}
	waitUpdate(t, updates, UpdateThreadsRefreshed)
}

func TestLiveFeedAndTransportLoss(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	updates, unsubscribe := h.ctl.Subscribe()
	defer unsubscribe()
	start(t, h)
	conn := h.dialer.conn(0)

	conn.messages <- transport.Message{ID: "m1", Text: "Welcome to chapter 3", Timestamp: 1000}
	conn.messages <- transport.Message{ID: "m1", Text: "Welcome to chapter 3", Timestamp: 1000}
	waitFor(t, 2*time.Second, func() bool { return len(h.ctl.Timeline()) == 1 })

	conn.lose(errors.New("read: connection reset"))
	waitFor(t, 2*time.Second, func() bool {
		return h.ctl.Snapshot().Session.Status == domain.StatusIdle
	})

	u := waitUpdate(t, updates, UpdateError)
	if u.Error.Kind != domain.KindNetwork {
		t.Fatalf("transport loss should be reported as network failure, got %+v", u.Error)
	}
	if len(h.ctl.Timeline()) != 0 {
		t.Fatal("live feed should be cleared with the session")
	}
}

func TestSendImageThenCaption(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	start(t, h)

	att, err := h.ctl.SendImage(context.Background(), ImageUpload{Data: []byte{0x89, 'P', 'N', 'G'}, MimeType: "image/png", Caption: "What is this leaf?"})
	if err != nil {
		t.Fatalf("send image: %v", err)
	}

	ops, _, _ := h.dialer.conn(0).snapshot()
	if !reflect.DeepEqual(ops, []string{"file:image/png", "send:What is this leaf?"}) {
		t.Fatalf("upload must complete before the caption is sent, got %v", ops)
	}

	tl := h.ctl.Timeline()
	if len(tl) != 1 {
		t.Fatalf("image and caption should merge, got %+v", tl)
	}
	if tl[0].ID != att.ID || !tl[0].HasImage || tl[0].Text != "What is this leaf?" {
		t.Fatalf("unexpected merged message: %+v", tl[0])
	}
}

func TestSendImageFailureNeverSurfaces(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	start(t, h)
	conn := h.dialer.conn(0)
	conn.mu.Lock()
	conn.fileErr = errors.New("upload failed")
	conn.mu.Unlock()

	if _, err := h.ctl.SendImage(context.Background(), ImageUpload{Data: []byte("x"), MimeType: "image/jpeg", Caption: "hi"}); err == nil {
		t.Fatal("expected upload error")
	}
	if len(h.ctl.Timeline()) != 0 {
		t.Fatal("failed upload must not appear in the timeline")
	}
	if ops, _, _ := conn.snapshot(); len(ops) != 1 {
		t.Fatalf("caption must not be sent after a failed upload: %v", ops)
	}
}

func TestUploadFinishingAfterEndIsDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	start(t, h)
	conn := h.dialer.conn(0)
	gate := make(chan struct{})
	conn.mu.Lock()
	conn.fileGate = gate
	conn.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		_, err := h.ctl.SendImage(context.Background(), ImageUpload{Data: []byte("x"), MimeType: "image/png", Caption: "late"})
		errc <- err
	}()
	waitFor(t, 2*time.Second, func() bool {
		ops, _, _ := conn.snapshot()
		return len(ops) == 1
	})

	if _, err := h.ctl.EndSession(context.Background()); err != nil {
		t.Fatalf("end: %v", err)
	}
	close(gate)

	if err := <-errc; !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("expected cancelled upload, got %v", err)
	}
	if len(h.ctl.Timeline()) != 0 {
		t.Fatal("late upload must not surface")
	}
	conn.mu.Lock()
	sent := len(conn.sent)
	conn.mu.Unlock()
	if sent != 0 {
		t.Fatal("caption must not be sent after the call ended")
	}
}

func TestOpenViewEndsCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	start(t, h)

	snap, err := h.ctl.OpenView(context.Background(), domain.ViewLessonPlan)
	if err != nil {
		t.Fatalf("open view: %v", err)
	}
	if snap.Session.View != domain.ViewLessonPlan || snap.Session.Status != domain.StatusIdle {
		t.Fatalf("unexpected session: %+v", snap.Session)
	}
	if _, _, disconnects := h.dialer.conn(0).snapshot(); disconnects != 1 {
		t.Fatal("opening another view should end the call")
	}

	snap, _ = h.ctl.CloseView(context.Background(), domain.ViewAssessment)
	if snap.Session.View != domain.ViewLessonPlan {
		t.Fatal("closing a view that is not showing should do nothing")
	}
	snap, _ = h.ctl.CloseView(context.Background(), domain.ViewLessonPlan)
	if snap.Session.View != domain.ViewNone {
		t.Fatalf("view = %s, want none", snap.Session.View)
	}

	if _, err := h.ctl.OpenView(context.Background(), domain.ViewCall); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("call view must be opened by starting a conversation, got %v", err)
	}
}

func TestSendTextRequiresLiveCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if _, err := h.ctl.SendText(context.Background(), "hello"); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	start(t, h)
	if _, err := h.ctl.SendText(context.Background(), "   "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCloseReleasesSubscribers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	updates, _ := h.ctl.Subscribe()
	start(t, h)

	h.ctl.Close()

	if _, _, disconnects := h.dialer.conn(0).snapshot(); disconnects != 1 {
		t.Fatal("close should disconnect the call")
	}
	for range updates {
	}
	if _, err := h.ctl.StartNewConversation(context.Background(), StartRequest{Subject: "Math", Chapter: "3"}); err == nil {
		t.Fatal("closed classroom should reject operations")
	}
}
