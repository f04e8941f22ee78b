package classroom

import (
	"sync"

	"github.com/ashureev/shsh-classroom/internal/domain"
	"github.com/ashureev/shsh-classroom/internal/mic"
)

// UpdateType names what changed.
type UpdateType string

const (
	UpdateSession          UpdateType = "session"
	UpdateTimeline         UpdateType = "timeline"
	UpdateMic              UpdateType = "mic"
	UpdateError            UpdateType = "error"
	UpdateThreadsRefreshed UpdateType = "threads_refreshed"
)

// ErrorReport is an error surfaced to the learner.
type ErrorReport struct {
	Operation string           `json:"operation"`
	Kind      domain.ErrorKind `json:"kind"`
	Message   string           `json:"message"`
}

// Update is pushed to subscribers after every observable change.
type Update struct {
	Type     UpdateType       `json:"type"`
	At       int64            `json:"at"`
	Session  *Snapshot        `json:"session,omitempty"`
	Timeline []domain.Message `json:"timeline,omitempty"`
	Mic      *mic.Snapshot    `json:"mic,omitempty"`
	Error    *ErrorReport     `json:"error,omitempty"`
}

// hub fans updates out to subscribers. A subscriber that is not keeping up
// misses updates rather than blocking the controller.
type hub struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Update
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Update)}
}

func (h *hub) subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Update, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

func (h *hub) publish(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
