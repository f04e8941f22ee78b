// Package mic arbitrates the learner's microphone between push-to-talk and
// always-on input, keeping at most one hardware request in flight.
package mic

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shsh-classroom/internal/clock"
	"github.com/ashureev/shsh-classroom/internal/domain"
)

const (
	// DefaultPTTKey is the push-to-talk key when none is configured.
	DefaultPTTKey = "Space"
	// DefaultRequestTimeout bounds one hardware request.
	DefaultRequestTimeout = 10 * time.Second
)

// Control switches the hardware microphone. The transport connection implements it.
type Control interface {
	SetMicrophoneEnabled(ctx context.Context, enabled bool) error
}

// KeyEvent is a keyboard event forwarded from the browser.
type KeyEvent struct {
	Key        string `json:"key"`
	Repeat     bool   `json:"repeat"`
	InEditable bool   `json:"in_editable"`
}

// ErrorInfo is the user-facing part of a mic failure.
type ErrorInfo struct {
	Kind    domain.MicErrorKind `json:"kind"`
	Message string              `json:"message"`
}

// Snapshot is the observable arbiter state. Seq increases with every state
// change; a snapshot with a lower Seq than one already seen is stale.
type Snapshot struct {
	Seq       uint64           `json:"seq"`
	Intent    domain.MicIntent `json:"intent"`
	Desired   bool             `json:"desired"`
	Enabled   bool             `json:"enabled"`
	InFlight  bool             `json:"in_flight"`
	Attached  bool             `json:"attached"`
	ChangedAt int64            `json:"changed_at"`
	LastError *ErrorInfo       `json:"last_error,omitempty"`
}

// Options configures an Arbiter.
type Options struct {
	PTTKey         string
	Mode           domain.MicMode
	RequestTimeout time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger

	// OnChange is called after every state change, outside the arbiter lock.
	// Calls may race, so snapshots can arrive out of Seq order.
	OnChange func(Snapshot)
	// OnError is called for every failed hardware request.
	OnError func(*Error)
	// OnRequest observes every completed hardware request.
	OnRequest func(enabled bool, elapsed time.Duration, err error)
}

// Arbiter resolves the desired microphone state from the learner's triggers and
// the selected mode, and drives the hardware toward it.
//
// After a failed request nothing is retried until the next input event, mode
// change or explicit Reconcile.
type Arbiter struct {
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	intent    domain.MicIntent
	enabled   bool
	control   Control
	gen       uint64
	inFlight  bool
	paused    bool
	forceOff  bool
	changedAt int64
	seq       uint64
	lastErr   *Error
}

// NewArbiter creates a detached arbiter.
func NewArbiter(opts Options) *Arbiter {
	if opts.PTTKey == "" {
		opts.PTTKey = DefaultPTTKey
	}
	if opts.Mode == "" {
		opts.Mode = domain.MicPushToTalk
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Arbiter{
		opts:   opts,
		logger: logger,
		intent: domain.MicIntent{Mode: opts.Mode},
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Attach binds the arbiter to the hardware control of a new connection.
// The hardware state is assumed off until a request says otherwise.
func (a *Arbiter) Attach(c Control) {
	a.mu.Lock()
	a.gen++
	a.control = c
	a.enabled = false
	a.inFlight = false
	a.paused = false
	a.forceOff = false
	a.lastErr = nil
	snap := a.touchLocked()
	a.cond.Broadcast()
	a.mu.Unlock()
	a.notify(snap, nil)
}

// Detach drops the hardware control. A request still in flight completes
// without effect.
func (a *Arbiter) Detach() {
	a.mu.Lock()
	if a.control == nil {
		a.mu.Unlock()
		return
	}
	a.gen++
	a.control = nil
	a.enabled = false
	a.inFlight = false
	a.forceOff = false
	a.intent.KeyHeld = false
	a.intent.TouchHeld = false
	snap := a.touchLocked()
	a.cond.Broadcast()
	a.mu.Unlock()
	a.notify(snap, nil)
}

// SetMode switches between push-to-talk and always-on. The new rule applies
// on the next input event, except that entering push-to-talk with no trigger
// held turns off a microphone left on by always-on.
func (a *Arbiter) SetMode(mode domain.MicMode) {
	a.mu.Lock()
	if a.intent.Mode == mode {
		a.mu.Unlock()
		return
	}
	a.intent.Mode = mode
	a.paused = true
	if mode == domain.MicPushToTalk && !a.intent.TriggerHeld() && a.control != nil {
		if a.inFlight {
			a.forceOff = true
		} else if a.enabled {
			a.startLocked(false)
		}
	}
	snap := a.touchLocked()
	a.mu.Unlock()
	a.notify(snap, nil)
}

// KeyDown records a push-to-talk key press. It reports whether the event was used.
func (a *Arbiter) KeyDown(ev KeyEvent) bool {
	if ev.Key != a.opts.PTTKey || ev.Repeat || ev.InEditable {
		return false
	}
	return a.input(func(i *domain.MicIntent) { i.KeyHeld = true })
}

// KeyUp records a push-to-talk key release. A release is honoured even inside
// an editable field so a held key never leaves the mic stuck on.
func (a *Arbiter) KeyUp(ev KeyEvent) bool {
	if ev.Key != a.opts.PTTKey {
		return false
	}
	a.mu.Lock()
	held := a.intent.KeyHeld
	a.mu.Unlock()
	if ev.InEditable && !held {
		return false
	}
	return a.input(func(i *domain.MicIntent) { i.KeyHeld = false })
}

// TouchStart records a press-and-hold on the mic control.
func (a *Arbiter) TouchStart() {
	a.input(func(i *domain.MicIntent) { i.TouchHeld = true })
}

// TouchEnd records the end of a press-and-hold.
func (a *Arbiter) TouchEnd() {
	a.input(func(i *domain.MicIntent) { i.TouchHeld = false })
}

// Toggle flips the always-on switch and returns the new value.
func (a *Arbiter) Toggle() (bool, error) {
	a.mu.Lock()
	if a.intent.Mode != domain.MicAlwaysOn {
		a.mu.Unlock()
		return false, domain.ErrInvalidTransition
	}
	a.mu.Unlock()

	var on bool
	a.input(func(i *domain.MicIntent) {
		i.ToggledOn = !i.ToggledOn
		on = i.ToggledOn
	})
	return on, nil
}

// ForceDisable clears every trigger and issues one disable request even if the
// hardware is believed to be off already. New calls start muted this way.
func (a *Arbiter) ForceDisable() {
	a.mu.Lock()
	a.intent.KeyHeld = false
	a.intent.TouchHeld = false
	a.intent.ToggledOn = false
	a.paused = false
	if a.control != nil {
		if a.inFlight {
			a.forceOff = true
		} else {
			a.startLocked(false)
		}
	}
	snap := a.touchLocked()
	a.mu.Unlock()
	a.notify(snap, nil)
}

// Reconcile re-evaluates the desired state, lifting any pause left by a
// failure or mode change.
func (a *Arbiter) Reconcile() {
	a.input(func(*domain.MicIntent) {})
}

// Snapshot returns the current state.
func (a *Arbiter) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Wait blocks until no request is in flight or queued.
func (a *Arbiter) Wait() {
	a.mu.Lock()
	for a.inFlight || a.forceOff {
		a.cond.Wait()
	}
	a.mu.Unlock()
}

func (a *Arbiter) input(apply func(*domain.MicIntent)) bool {
	a.mu.Lock()
	apply(&a.intent)
	a.paused = false
	a.reconcileLocked()
	snap := a.touchLocked()
	a.mu.Unlock()
	a.notify(snap, nil)
	return true
}

func (a *Arbiter) reconcileLocked() {
	if a.control == nil || a.inFlight {
		return
	}
	if a.forceOff {
		a.forceOff = false
		a.startLocked(false)
		return
	}
	if a.paused {
		return
	}
	if desired := a.intent.Desired(); desired != a.enabled {
		a.startLocked(desired)
	}
}

func (a *Arbiter) startLocked(enabled bool) {
	a.inFlight = true
	gen := a.gen
	control := a.control
	timeout := a.opts.RequestTimeout
	go func() {
		start := a.opts.Clock.Now()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := control.SetMicrophoneEnabled(ctx, enabled)
		cancel()
		a.finish(gen, enabled, a.opts.Clock.Now().Sub(start), err)
	}()
}

func (a *Arbiter) finish(gen uint64, enabled bool, elapsed time.Duration, err error) {
	if a.opts.OnRequest != nil {
		a.opts.OnRequest(enabled, elapsed, err)
	}

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		a.logger.Debug("Discarding mic result from previous connection", "enabled", enabled)
		return
	}
	a.inFlight = false

	var micErr *Error
	if err != nil {
		micErr = NewError(err)
		a.lastErr = micErr
		a.paused = true
		a.logger.Warn("Microphone request failed",
			"enabled", enabled,
			"kind", micErr.Kind,
			"elapsed_ms", elapsed.Milliseconds(),
			"error", err,
		)
	} else {
		a.enabled = enabled
		a.lastErr = nil
	}
	a.reconcileLocked()
	snap := a.touchLocked()
	a.cond.Broadcast()
	a.mu.Unlock()
	a.notify(snap, micErr)
}

func (a *Arbiter) touchLocked() Snapshot {
	a.changedAt = clock.Millis(a.opts.Clock)
	a.seq++
	return a.snapshotLocked()
}

func (a *Arbiter) snapshotLocked() Snapshot {
	s := Snapshot{
		Seq:       a.seq,
		Intent:    a.intent,
		Desired:   a.intent.Desired(),
		Enabled:   a.enabled,
		InFlight:  a.inFlight || a.forceOff,
		Attached:  a.control != nil,
		ChangedAt: a.changedAt,
	}
	if a.lastErr != nil {
		s.LastError = &ErrorInfo{Kind: a.lastErr.Kind, Message: a.lastErr.Message}
	}
	return s
}

func (a *Arbiter) notify(snap Snapshot, err *Error) {
	if err != nil && a.opts.OnError != nil {
		a.opts.OnError(err)
	}
	if a.opts.OnChange != nil {
		a.opts.OnChange(snap)
	}
}
