package domain

// Status is the call lifecycle status.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusDisconnecting Status = "disconnecting"
)

// Mode is the study mode of the classroom session.
type Mode string

const (
	ModeNone       Mode = "none"
	ModeAsk        Mode = "ask"
	ModeLearn      Mode = "learn"
	ModeHistorical Mode = "historical"
)

// ParseMode returns the study mode for s. Only ask and learn may be chosen
// when starting a conversation; historical is entered by resuming a thread.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeAsk, ModeLearn:
		return Mode(s), true
	default:
		return ModeNone, false
	}
}

// View is the full-screen surface currently shown. Only one is active at a time.
type View string

const (
	ViewNone                 View = "none"
	ViewCall                 View = "call"
	ViewLessonPlan           View = "lesson_plan"
	ViewAssessment           View = "assessment"
	ViewAssessmentResult     View = "assessment_result"
	ViewHistoricalAssessment View = "historical_assessment"
)

// ParseView returns the view named by s.
func ParseView(s string) (View, bool) {
	switch View(s) {
	case ViewNone, ViewCall, ViewLessonPlan, ViewAssessment, ViewAssessmentResult, ViewHistoricalAssessment:
		return View(s), true
	default:
		return ViewNone, false
	}
}

// Session is the call/view state of one classroom.
type Session struct {
	Status          Status `json:"status"`
	Mode            Mode   `json:"mode"`
	View            View   `json:"view"`
	ActiveThreadID  string `json:"active_thread_id,omitempty"`
	ContinuePending bool   `json:"continue_pending"`

	// MicResetApplied is scoped to the current connection and cleared on disconnect.
	MicResetApplied bool `json:"-"`
}

// NewSession returns an idle session.
func NewSession() Session {
	return Session{Status: StatusIdle, Mode: ModeNone, View: ViewNone}
}

// CallOpen reports whether the call view is showing, connected or not.
func (s Session) CallOpen() bool {
	return s.View == ViewCall
}

// Valid checks the session invariants.
func (s Session) Valid() bool {
	if s.Mode == ModeHistorical && s.ActiveThreadID == "" {
		return false
	}
	if s.ContinuePending && s.Mode != ModeHistorical {
		return false
	}
	if s.Status != StatusIdle && s.View != ViewCall {
		return false
	}
	return true
}
