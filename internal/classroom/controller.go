// Package classroom runs the live tutoring session of one learner's browser
// tab: the call lifecycle, the study mode, full-screen view exclusivity, the
// conversation timeline and the microphone.
package classroom

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/shsh-classroom/internal/clock"
	"github.com/ashureev/shsh-classroom/internal/credentials"
	"github.com/ashureev/shsh-classroom/internal/domain"
	"github.com/ashureev/shsh-classroom/internal/history"
	"github.com/ashureev/shsh-classroom/internal/metrics"
	"github.com/ashureev/shsh-classroom/internal/mic"
	"github.com/ashureev/shsh-classroom/internal/timeline"
	"github.com/ashureev/shsh-classroom/internal/transport"
)

const (
	DefaultDisconnectGrace = 500 * time.Millisecond
	DefaultCaptionDelay    = 1500 * time.Millisecond
	DefaultRefreshDelay    = 2 * time.Second

	imageTopic       = "images"
	callLogTimeout   = 5 * time.Second
	subscriberBuffer = 64
)

// Call end reasons recorded in the call log.
const (
	EndUserEnded     = "user_ended"
	EndChapterChange = "chapter_changed"
	EndReplaced      = "replaced"
	EndTransportLost = "transport_lost"
	EndViewChanged   = "view_changed"
	EndClosed        = "closed"
)

var errClosed = fmt.Errorf("%w: classroom is closed", domain.ErrInvalidTransition)

// Profile is the learner data the credential service needs.
type Profile struct {
	Board string
	Grade string
}

// ProfileSource looks up learner profiles.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

// CallLog records connected calls.
type CallLog interface {
	StartCall(ctx context.Context, rec domain.CallRecord) error
	EndCall(ctx context.Context, id string, endedAt time.Time, reason string) error
}

// Options configures a Controller.
type Options struct {
	UserID string
	TabID  string

	Credentials credentials.Issuer
	Dialer      transport.Dialer
	History     history.Source
	Profiles    ProfileSource
	Calls       CallLog
	Metrics     *metrics.Metrics
	Clock       clock.Clock
	Logger      *slog.Logger

	PTTKey            string
	MicMode           domain.MicMode
	MicRequestTimeout time.Duration

	DisconnectGrace time.Duration
	CaptionDelay    time.Duration
	RefreshDelay    time.Duration

	DefaultBoard string
	DefaultGrade string
}

// StartRequest starts a new conversation.
type StartRequest struct {
	Subject string
	Chapter string
	Mode    domain.Mode
}

// ImageUpload is an image the learner sends during a call.
type ImageUpload struct {
	Data     []byte
	MimeType string
	Caption  string
}

// Snapshot is the observable state of a classroom.
type Snapshot struct {
	Session        domain.Session `json:"session"`
	Subject        string         `json:"subject"`
	Chapter        string         `json:"chapter"`
	CallID         string         `json:"call_id,omitempty"`
	LoadingThread  string         `json:"loading_thread,omitempty"`
	HistoryLoading bool           `json:"history_loading"`
	Mic            mic.Snapshot   `json:"mic"`
}

// Controller owns one classroom. All exported methods are safe for
// concurrent use.
//
// Every connection attempt and teardown advances the epoch. Results of
// asynchronous work (connects, uploads, caption sends, the live feed) are
// applied only if the epoch they started in is still current.
type Controller struct {
	opts    Options
	logger  *slog.Logger
	clock   clock.Clock
	mic     *mic.Arbiter
	fetcher *history.Fetcher
	hub     *hub

	// micMu orders microphone updates. It may be taken while mu is held.
	micMu  sync.Mutex
	micSeq uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	session       domain.Session
	subject       string
	chapter       string
	epoch         uint64
	conn          transport.Conn
	call          *domain.CallRecord
	live          []domain.Message
	images        []domain.ImageAttachment
	loadingThread string
	resumeGen     uint64
	refreshTimer  *time.Timer
	lastActive    time.Time
	closed        bool
}

// NewController creates an idle classroom.
func NewController(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.DisconnectGrace <= 0 {
		opts.DisconnectGrace = DefaultDisconnectGrace
	}
	if opts.CaptionDelay <= 0 {
		opts.CaptionDelay = DefaultCaptionDelay
	}
	if opts.RefreshDelay <= 0 {
		opts.RefreshDelay = DefaultRefreshDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user_id", opts.UserID, "tab_id", opts.TabID)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:       opts,
		logger:     logger,
		clock:      opts.Clock,
		fetcher:    history.NewFetcher(opts.History, logger),
		hub:        newHub(),
		ctx:        ctx,
		cancel:     cancel,
		session:    domain.NewSession(),
		lastActive: opts.Clock.Now(),
	}
	c.mic = mic.NewArbiter(mic.Options{
		PTTKey:         opts.PTTKey,
		Mode:           opts.MicMode,
		RequestTimeout: opts.MicRequestTimeout,
		Clock:          opts.Clock,
		Logger:         logger,
		OnChange:       c.publishMic,
		OnError:        func(err *mic.Error) { c.reportMic(err) },
		OnRequest:      opts.Metrics.RecordMicRequest,
	})
	return c
}

// Mic returns the classroom's microphone arbiter.
func (c *Controller) Mic() *mic.Arbiter {
	return c.mic
}

// Subscribe returns a channel of updates and a function that ends the
// subscription. The channel is closed when the controller closes.
func (c *Controller) Subscribe() (<-chan Update, func()) {
	return c.hub.subscribe(subscriberBuffer)
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Timeline returns the reconciled conversation timeline.
func (c *Controller) Timeline() []domain.Message {
	hist := c.fetcher.Current()
	c.mu.Lock()
	live := append([]domain.Message(nil), c.live...)
	images := append([]domain.ImageAttachment(nil), c.images...)
	c.mu.Unlock()
	return timeline.Reconcile(hist, live, images)
}

// LastActive returns when the classroom was last used.
func (c *Controller) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Subscribers returns the number of open subscriptions.
func (c *Controller) Subscribers() int {
	return c.hub.count()
}

// Touch marks the classroom as in use.
func (c *Controller) Touch() {
	c.mu.Lock()
	c.lastActive = c.clock.Now()
	c.mu.Unlock()
}

// StartNewConversation ends any current call and connects a fresh one for
// the chapter. A new call always starts with the microphone off.
func (c *Controller) StartNewConversation(ctx context.Context, req StartRequest) (Snapshot, error) {
	const op = "start_conversation"
	req.Subject = strings.TrimSpace(req.Subject)
	req.Chapter = strings.TrimSpace(req.Chapter)
	if req.Subject == "" || req.Chapter == "" {
		return c.Snapshot(), c.fail(op, fmt.Errorf("%w: choose a subject and chapter first", domain.ErrValidation))
	}
	if req.Mode == "" {
		req.Mode = domain.ModeLearn
	}
	if _, ok := domain.ParseMode(string(req.Mode)); !ok {
		return c.Snapshot(), c.fail(op, fmt.Errorf("%w: unsupported mode %q", domain.ErrValidation, req.Mode))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, errClosed
	}
	ended := c.endLocked(TriggerEnd, EndReplaced)
	c.mu.Unlock()
	c.finishEnd(ended, true)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, errClosed
	}
	c.subject, c.chapter = req.Subject, req.Chapter
	c.resetLocked()
	c.epoch++
	epoch := c.epoch
	c.session.Mode = req.Mode
	c.session.View = domain.ViewCall
	c.transitionLocked(TriggerConnect)
	c.publishSessionLocked()
	c.mu.Unlock()

	c.loadChapterHistory(false)

	c.logger.Info("Starting conversation", "subject", req.Subject, "chapter", req.Chapter, "mode", req.Mode)
	return c.connect(ctx, op, epoch, "")
}

// ResumeHistoricalThread loads a past thread and opens the call view on it
// without connecting. ContinueResumedThread connects later. The thread is
// loaded before anything changes: if the load fails, any call in progress and
// the history in view are kept.
func (c *Controller) ResumeHistoricalThread(ctx context.Context, threadID string) (Snapshot, error) {
	const op = "resume_thread"
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return c.Snapshot(), c.fail(op, fmt.Errorf("%w: thread id is required", domain.ErrValidation))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, errClosed
	}
	c.resumeGen++
	gen := c.resumeGen
	epoch := c.epoch
	c.loadingThread = threadID
	c.publishSessionLocked()
	c.mu.Unlock()

	msgs, err := c.fetcher.FetchThread(ctx, threadID)

	c.mu.Lock()
	if c.closed || gen != c.resumeGen || epoch != c.epoch {
		if gen == c.resumeGen && c.loadingThread == threadID {
			c.loadingThread = ""
			c.publishSessionLocked()
		}
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.opts.Metrics.RecordHistoryFetch("stale")
		return snap, domain.ErrCancelled
	}
	c.loadingThread = ""
	if err != nil {
		c.publishSessionLocked()
		snap := c.snapshotLocked()
		c.mu.Unlock()
		if errors.Is(err, domain.ErrCancelled) {
			c.opts.Metrics.RecordHistoryFetch("stale")
			return snap, err
		}
		c.opts.Metrics.RecordHistoryFetch("error")
		return snap, c.fail(op, err)
	}
	c.opts.Metrics.RecordHistoryFetch("ok")
	ended := c.endLocked(TriggerEnd, EndReplaced)
	epoch = c.epoch
	c.mu.Unlock()
	// The refresh for the ended call waits until the thread is in view so it
	// reloads the thread rather than the chapter.
	c.finishEnd(ended, false)

	c.mu.Lock()
	if c.closed || gen != c.resumeGen || epoch != c.epoch {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, domain.ErrCancelled
	}
	c.fetcher.ShowThread(threadID, msgs)
	c.resetLocked()
	c.epoch++
	c.session.Mode = domain.ModeHistorical
	c.session.ActiveThreadID = threadID
	c.session.ContinuePending = true
	c.session.View = domain.ViewCall
	c.touchLocked()
	c.publishSessionLocked()
	c.publishTimelineLocked()
	c.logger.Info("Resumed historical thread", "thread_id", threadID)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if ended != nil && ended.live {
		c.scheduleRefresh()
	}
	return snap, nil
}

// ContinueResumedThread connects the call for a resumed thread. On failure
// the thread stays pending so the learner can retry.
func (c *Controller) ContinueResumedThread(ctx context.Context) (Snapshot, error) {
	const op = "continue_thread"
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, errClosed
	}
	if !c.session.ContinuePending || c.session.Status != domain.StatusIdle {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, c.fail(op, fmt.Errorf("%w: no resumed thread is waiting to continue", domain.ErrInvalidTransition))
	}
	c.epoch++
	epoch := c.epoch
	threadID := c.session.ActiveThreadID
	c.transitionLocked(TriggerConnect)
	c.publishSessionLocked()
	c.mu.Unlock()

	c.logger.Info("Continuing historical thread", "thread_id", threadID)
	return c.connect(ctx, op, epoch, threadID)
}

// EndSession disconnects any call and resets the session. Disconnect errors
// are logged, not returned. The thread list is refreshed after a settle delay.
func (c *Controller) EndSession(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, errClosed
	}
	wasHistorical := c.session.Mode == domain.ModeHistorical
	ended := c.endLocked(TriggerEnd, EndUserEnded)
	c.mu.Unlock()
	c.finishEnd(ended, true)

	c.mu.Lock()
	c.resetLocked()
	c.touchLocked()
	c.publishSessionLocked()
	c.publishTimelineLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if wasHistorical && !ended.live {
		c.loadChapterHistory(false)
	}
	return snap, nil
}

// SwitchChapterOrSubject makes the pair current. A call open on the previous
// chapter is always abandoned. The new chapter's history is loaded in the
// background.
func (c *Controller) SwitchChapterOrSubject(ctx context.Context, subject, chapter string) (Snapshot, error) {
	subject = strings.TrimSpace(subject)
	chapter = strings.TrimSpace(chapter)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, errClosed
	}
	if subject == c.subject && chapter == c.chapter {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, nil
	}
	var ended *endedCall
	callOpen := c.session.CallOpen()
	if callOpen {
		ended = c.endLocked(TriggerChapterChange, EndChapterChange)
	}
	c.subject, c.chapter = subject, chapter
	c.mu.Unlock()

	if callOpen {
		c.finishEnd(ended, true)
		c.logger.Info("Chapter changed during call, session ended", "subject", subject, "chapter", chapter)
	}

	c.mu.Lock()
	if callOpen {
		c.resetLocked()
	}
	c.touchLocked()
	c.publishSessionLocked()
	c.mu.Unlock()

	c.loadChapterHistory(true)
	return c.Snapshot(), nil
}

// OpenView shows a full-screen view. Any open call is ended first because
// only one view is active at a time. The call view is opened by starting or
// resuming a conversation.
func (c *Controller) OpenView(ctx context.Context, view domain.View) (Snapshot, error) {
	const op = "open_view"
	if view == domain.ViewCall || view == domain.ViewNone {
		return c.Snapshot(), c.fail(op, fmt.Errorf("%w: view %q cannot be opened directly", domain.ErrValidation, view))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, errClosed
	}
	var ended *endedCall
	callOpen := c.session.CallOpen()
	if callOpen {
		ended = c.endLocked(TriggerEnd, EndViewChanged)
	}
	c.mu.Unlock()
	if callOpen {
		c.finishEnd(ended, true)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if callOpen {
		c.resetLocked()
	}
	c.session.View = view
	c.touchLocked()
	c.publishSessionLocked()
	return c.snapshotLocked(), nil
}

// CloseView hides view if it is the one showing. Closing the call view ends
// the session.
func (c *Controller) CloseView(ctx context.Context, view domain.View) (Snapshot, error) {
	c.mu.Lock()
	current := c.session.View
	c.mu.Unlock()

	if current != view {
		return c.Snapshot(), nil
	}
	if view == domain.ViewCall {
		return c.EndSession(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.View == view {
		c.session.View = domain.ViewNone
		c.touchLocked()
		c.publishSessionLocked()
	}
	return c.snapshotLocked(), nil
}

// SendText sends a chat message on the live call.
func (c *Controller) SendText(ctx context.Context, text string) (domain.Message, error) {
	const op = "send_text"
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Message{}, c.fail(op, fmt.Errorf("%w: message is empty", domain.ErrValidation))
	}
	conn, epoch, err := c.liveConn()
	if err != nil {
		return domain.Message{}, c.fail(op, err)
	}
	ts := clock.Millis(c.clock)
	if err := conn.Send(ctx, text); err != nil {
		return domain.Message{}, c.fail(op, err)
	}
	return c.echo(epoch, text, ts)
}

// SendImage uploads an image to the live call and, once the upload has been
// accepted, sends its caption. The image only enters the timeline after the
// upload succeeds. An upload that finishes after the call ended is dropped.
func (c *Controller) SendImage(ctx context.Context, img ImageUpload) (domain.ImageAttachment, error) {
	const op = "send_image"
	if len(img.Data) == 0 {
		return domain.ImageAttachment{}, c.fail(op, fmt.Errorf("%w: image is empty", domain.ErrValidation))
	}
	if !strings.HasPrefix(img.MimeType, "image/") {
		return domain.ImageAttachment{}, c.fail(op, fmt.Errorf("%w: %q is not an image type", domain.ErrValidation, img.MimeType))
	}
	conn, epoch, err := c.liveConn()
	if err != nil {
		return domain.ImageAttachment{}, c.fail(op, err)
	}

	ts := clock.Millis(c.clock)
	info, err := conn.SendFile(ctx, img.Data, transport.FileOptions{MimeType: img.MimeType, Topic: imageTopic})
	if err != nil {
		c.opts.Metrics.RecordImage("error")
		return domain.ImageAttachment{}, c.fail(op, err)
	}

	attachment := domain.ImageAttachment{
		ID:             "image-" + info.ID,
		DataURL:        "data:" + img.MimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
		Timestamp:      ts,
		AssociatedText: strings.TrimSpace(img.Caption),
	}

	c.mu.Lock()
	if epoch != c.epoch || c.closed {
		c.mu.Unlock()
		c.opts.Metrics.RecordImage("stale")
		c.logger.Info("Image upload finished after the call ended", "file_id", info.ID)
		return domain.ImageAttachment{}, domain.ErrCancelled
	}
	c.images = append(c.images, attachment)
	c.touchLocked()
	c.publishTimelineLocked()
	c.mu.Unlock()
	c.opts.Metrics.RecordImage("ok")

	if attachment.AssociatedText == "" {
		return attachment, nil
	}

	timer := time.NewTimer(c.opts.CaptionDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return attachment, nil
	case <-c.ctx.Done():
		return attachment, nil
	}

	c.mu.Lock()
	stale := epoch != c.epoch
	c.mu.Unlock()
	if stale {
		return attachment, nil
	}
	if err := conn.Send(ctx, attachment.AssociatedText); err != nil {
		return attachment, c.fail(op, err)
	}
	if _, err := c.echo(epoch, attachment.AssociatedText, ts); err != nil && !errors.Is(err, domain.ErrCancelled) {
		return attachment, err
	}
	return attachment, nil
}

// Close ends the classroom: any call is disconnected, background work is
// cancelled and subscribers are released.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ended := c.endLocked(TriggerEnd, EndClosed)
	c.closed = true
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
	c.mu.Unlock()

	c.finishEnd(ended, false)
	c.cancel()
	c.fetcher.Reset()

	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	c.hub.close()
	c.logger.Info("Classroom closed")
}

// connect issues credentials, dials the room and makes the call live.
// The session is already connecting under epoch.
func (c *Controller) connect(ctx context.Context, op string, epoch uint64, threadID string) (Snapshot, error) {
	c.mu.Lock()
	subject, chapter, mode := c.subject, c.chapter, c.session.Mode
	c.mu.Unlock()

	profile := c.profile(ctx)
	grant, err := c.opts.Credentials.Issue(ctx, credentials.Request{
		Identity: c.opts.UserID,
		Subject:  subject,
		Chapter:  chapter,
		Board:    profile.Board,
		Grade:    profile.Grade,
		ThreadID: threadID,
	})
	var conn transport.Conn
	if err == nil {
		conn, err = c.opts.Dialer.Dial(ctx, grant.ServerURL, grant.ParticipantToken)
	}

	c.mu.Lock()
	if epoch != c.epoch || c.closed {
		c.mu.Unlock()
		if conn != nil {
			c.disconnect(conn)
		}
		return c.Snapshot(), domain.ErrCancelled
	}
	if err != nil {
		c.transitionLocked(TriggerFailed)
		c.publishSessionLocked()
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.opts.Metrics.RecordCallFailed()
		return snap, c.fail(op, err)
	}

	c.conn = conn
	c.transitionLocked(TriggerConnected)
	c.session.ContinuePending = false
	if grant.ThreadID != "" && c.session.Mode == domain.ModeHistorical {
		c.session.ActiveThreadID = grant.ThreadID
	}
	rec := &domain.CallRecord{
		ID:        uuid.NewString(),
		UserID:    c.opts.UserID,
		TabID:     c.opts.TabID,
		Subject:   subject,
		Chapter:   chapter,
		Mode:      mode,
		ThreadID:  threadID,
		StartedAt: c.clock.Now(),
	}
	c.call = rec
	c.applyMicResetLocked()
	c.touchLocked()
	c.publishSessionLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	go c.pump(epoch, conn)
	c.opts.Metrics.RecordCallStart()
	c.logCallStart(*rec)
	c.logger.Info("Call connected", "call_id", rec.ID, "subject", subject, "chapter", chapter, "mode", mode)
	return snap, nil
}

// applyMicResetLocked mutes a new connection exactly once.
func (c *Controller) applyMicResetLocked() {
	if c.session.MicResetApplied || c.conn == nil {
		return
	}
	c.mic.Attach(c.conn)
	c.mic.ForceDisable()
	c.session.MicResetApplied = true
}

// pump applies the live feed of one connection until it ends.
func (c *Controller) pump(epoch uint64, conn transport.Conn) {
	messages := conn.Messages()
	states := conn.States()
	for {
		select {
		case m, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			c.appendLive(epoch, m)
		case s, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			c.logger.Debug("Room state changed", "state", s)
		case <-conn.Done():
			c.drain(epoch, messages)
			c.connectionLost(epoch, conn.Err())
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Controller) drain(epoch uint64, messages <-chan transport.Message) {
	if messages == nil {
		return
	}
	for {
		select {
		case m, ok := <-messages:
			if !ok {
				return
			}
			c.appendLive(epoch, m)
		default:
			return
		}
	}
}

func (c *Controller) appendLive(epoch uint64, m transport.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return
	}
	id := m.ID
	if id == "" {
		id = "live-" + uuid.NewString()
	}
	for _, existing := range c.live {
		if existing.ID == id {
			return
		}
	}
	ts := m.Timestamp
	if ts == 0 {
		ts = clock.Millis(c.clock)
	}
	c.live = append(c.live, domain.Message{
		ID:        id,
		Origin:    domain.OriginLive,
		IsLocal:   m.FromSelf,
		Timestamp: ts,
		Text:      m.Text,
	})
	c.touchLocked()
	c.publishTimelineLocked()
}

// connectionLost handles the room going away without a local disconnect.
func (c *Controller) connectionLost(epoch uint64, cause error) {
	c.mu.Lock()
	if epoch != c.epoch || c.closed {
		c.mu.Unlock()
		return
	}
	ended := c.endLocked(TriggerLost, EndTransportLost)
	c.mu.Unlock()

	c.finishEnd(ended, true)

	c.mu.Lock()
	c.resetLocked()
	c.publishSessionLocked()
	c.publishTimelineLocked()
	c.mu.Unlock()

	if cause == nil {
		cause = errors.New("room closed the connection")
	}
	if !errors.Is(cause, domain.ErrNetwork) {
		cause = fmt.Errorf("%w: %v", domain.ErrNetwork, cause)
	}
	c.fail("call", cause)
}

type endedCall struct {
	conn transport.Conn
	call *domain.CallRecord
	// live reports whether a connection attempt or call was in progress.
	live   bool
	reason string
}

// endLocked detaches the current connection and moves the status to
// disconnecting. The caller must pass the result to finishEnd after
// releasing the lock.
func (c *Controller) endLocked(trigger Trigger, reason string) *endedCall {
	c.epoch++
	ended := &endedCall{conn: c.conn, call: c.call, reason: reason}
	if c.session.Status == domain.StatusConnecting || c.session.Status == domain.StatusConnected {
		ended.live = true
		c.transitionLocked(trigger)
		c.publishSessionLocked()
	}
	c.conn = nil
	c.call = nil
	c.session.MicResetApplied = false
	c.mic.Detach()
	return ended
}

// finishEnd disconnects, records the call end and returns the status to
// idle. With refresh set, a thread-list refresh is scheduled.
func (c *Controller) finishEnd(ended *endedCall, refresh bool) {
	if ended == nil {
		return
	}
	if ended.conn != nil {
		c.disconnect(ended.conn)
	}
	if ended.call != nil {
		endedAt := c.clock.Now()
		c.opts.Metrics.RecordCallEnd(ended.reason, endedAt.Sub(ended.call.StartedAt))
		c.logCallEnd(ended.call.ID, endedAt, ended.reason)
		c.logger.Info("Call ended", "call_id", ended.call.ID, "reason", ended.reason)
	}

	c.mu.Lock()
	if c.session.Status == domain.StatusDisconnecting {
		c.transitionLocked(TriggerCleanupDone)
		c.publishSessionLocked()
	}
	c.mu.Unlock()

	if refresh && ended.live {
		c.scheduleRefresh()
	}
}

// disconnect leaves the room, waiting at most the grace delay.
func (c *Controller) disconnect(conn transport.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DisconnectGrace)
	defer cancel()
	if err := conn.Disconnect(ctx); err != nil {
		c.logger.Warn("Disconnect did not complete cleanly", "error", err)
	}
}

func (c *Controller) transitionLocked(trigger Trigger) {
	next, err := NextStatus(c.session.Status, trigger)
	if err != nil {
		c.logger.Error("Rejected status transition", "error", err)
		return
	}
	c.session.Status = next
}

// resetLocked returns the session to idle and drops everything tied to the
// previous call.
func (c *Controller) resetLocked() {
	c.session = domain.NewSession()
	c.live = nil
	c.images = nil
	c.loadingThread = ""
}

func (c *Controller) touchLocked() {
	c.lastActive = c.clock.Now()
}

func (c *Controller) liveConn() (transport.Conn, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, 0, errClosed
	}
	if c.session.Status != domain.StatusConnected || c.conn == nil {
		return nil, 0, fmt.Errorf("%w: no live call", domain.ErrNotConnected)
	}
	c.touchLocked()
	return c.conn, c.epoch, nil
}

// echo adds a message the learner sent to the live feed.
func (c *Controller) echo(epoch uint64, text string, ts int64) (domain.Message, error) {
	msg := domain.Message{
		ID:        "local-" + uuid.NewString(),
		Origin:    domain.OriginLive,
		IsLocal:   true,
		Timestamp: ts,
		Text:      text,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return domain.Message{}, domain.ErrCancelled
	}
	c.live = append(c.live, msg)
	c.publishTimelineLocked()
	return msg, nil
}

func (c *Controller) profile(ctx context.Context) Profile {
	p := Profile{Board: c.opts.DefaultBoard, Grade: c.opts.DefaultGrade}
	if c.opts.Profiles == nil {
		return p
	}
	got, err := c.opts.Profiles.Profile(ctx, c.opts.UserID)
	if err != nil {
		c.logger.Warn("Failed to load learner profile, using defaults", "error", err)
		return p
	}
	if got.Board != "" {
		p.Board = got.Board
	}
	if got.Grade != "" {
		p.Grade = got.Grade
	}
	return p
}

func (c *Controller) chapterQuery() history.Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	return history.Query{Identity: c.opts.UserID, Subject: c.subject, Chapter: c.chapter}
}

// loadChapterHistory fetches the current chapter's history in the background.
// Unless force is set, nothing happens when that history is already in view.
func (c *Controller) loadChapterHistory(force bool) {
	q := c.chapterQuery()
	if !q.Valid() {
		c.fetcher.Reset()
		c.publishTimeline()
		return
	}
	if !force && c.fetcher.Showing(q) {
		return
	}
	go func() {
		_, err := c.fetcher.Fetch(c.ctx, q)
		switch {
		case errors.Is(err, domain.ErrCancelled):
			c.opts.Metrics.RecordHistoryFetch("stale")
			return
		case err != nil:
			c.opts.Metrics.RecordHistoryFetch("error")
			c.fail("load_history", err)
		default:
			c.opts.Metrics.RecordHistoryFetch("ok")
		}
		c.publishTimeline()
	}()
}

// scheduleRefresh reloads history once the backend has had time to persist
// the call that just ended.
func (c *Controller) scheduleRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.refreshTimer = time.AfterFunc(c.opts.RefreshDelay, c.refreshHistory)
}

// refreshHistory reloads the thread in view while a resumed thread is open,
// and the chapter history otherwise.
func (c *Controller) refreshHistory() {
	c.mu.Lock()
	historical := c.session.Mode == domain.ModeHistorical
	c.mu.Unlock()

	var err error
	if q := c.chapterQuery(); !historical && q.Valid() {
		_, err = c.fetcher.Reload(c.ctx, q)
	} else {
		_, err = c.fetcher.Refresh(c.ctx)
	}
	switch {
	case errors.Is(err, domain.ErrCancelled):
		c.opts.Metrics.RecordHistoryFetch("stale")
		return
	case err != nil:
		c.opts.Metrics.RecordHistoryFetch("error")
		c.fail("refresh_history", err)
		return
	}
	c.opts.Metrics.RecordHistoryFetch("ok")
	c.publishTimeline()
	c.hub.publish(Update{Type: UpdateThreadsRefreshed, At: clock.Millis(c.clock)})
}

func (c *Controller) logCallStart(rec domain.CallRecord) {
	if c.opts.Calls == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callLogTimeout)
	defer cancel()
	if err := c.opts.Calls.StartCall(ctx, rec); err != nil {
		c.logger.Warn("Failed to record call start", "call_id", rec.ID, "error", err)
	}
}

func (c *Controller) logCallEnd(id string, endedAt time.Time, reason string) {
	if c.opts.Calls == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callLogTimeout)
	defer cancel()
	if err := c.opts.Calls.EndCall(ctx, id, endedAt, reason); err != nil {
		c.logger.Warn("Failed to record call end", "call_id", id, "error", err)
	}
}

// fail reports err to subscribers unless it is a cancellation, and returns it.
func (c *Controller) fail(op string, err error) error {
	if !domain.Reportable(err) {
		return err
	}
	kind := domain.KindOf(err)
	c.opts.Metrics.RecordError(op, string(kind))
	if kind == domain.KindValidation {
		c.logger.Info("Blocked classroom action", "operation", op, "error", err)
	} else {
		c.logger.Warn("Classroom operation failed", "operation", op, "kind", kind, "error", err)
	}
	c.hub.publish(Update{
		Type:  UpdateError,
		At:    clock.Millis(c.clock),
		Error: &ErrorReport{Operation: op, Kind: kind, Message: userMessage(kind, err)},
	})
	return err
}

func (c *Controller) reportMic(err *mic.Error) {
	c.opts.Metrics.RecordError("microphone", string(domain.KindOf(err)))
	c.hub.publish(Update{
		Type:  UpdateError,
		At:    clock.Millis(c.clock),
		Error: &ErrorReport{Operation: "microphone", Kind: domain.KindOf(err), Message: err.Message},
	})
}

func userMessage(kind domain.ErrorKind, err error) string {
	switch kind {
	case domain.KindValidation:
		msg := err.Error()
		if i := strings.Index(msg, ": "); i >= 0 {
			return msg[i+2:]
		}
		return msg
	case domain.KindNetwork:
		return "We could not reach the tutor. Check your connection and try again."
	case domain.KindNotConnected:
		return "There is no live call right now."
	case domain.KindInvalidTransition:
		return "That action is not available right now."
	default:
		return "Something went wrong. Please try again."
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Session:        c.session,
		Subject:        c.subject,
		Chapter:        c.chapter,
		CallID:         callID(c.call),
		LoadingThread:  c.loadingThread,
		HistoryLoading: c.fetcher.Loading(),
		Mic:            c.mic.Snapshot(),
	}
}

func callID(rec *domain.CallRecord) string {
	if rec == nil {
		return ""
	}
	return rec.ID
}

func (c *Controller) publishSessionLocked() {
	snap := c.snapshotLocked()
	c.hub.publish(Update{Type: UpdateSession, At: clock.Millis(c.clock), Session: &snap})
}

func (c *Controller) publishTimelineLocked() {
	tl := timeline.Reconcile(c.fetcher.Current(), c.live, c.images)
	c.hub.publish(Update{Type: UpdateTimeline, At: clock.Millis(c.clock), Timeline: tl})
}

func (c *Controller) publishTimeline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishTimelineLocked()
}

// publishMic forwards arbiter changes, dropping any that arrive after a newer
// one.
func (c *Controller) publishMic(snap mic.Snapshot) {
	c.micMu.Lock()
	defer c.micMu.Unlock()
	if snap.Seq <= c.micSeq {
		return
	}
	c.micSeq = snap.Seq
	c.hub.publish(Update{Type: UpdateMic, At: clock.Millis(c.clock), Mic: &snap})
}
