package classroom

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shsh-classroom/internal/metrics"
)

// Factory builds the controller for a learner's tab.
type Factory func(userID, tabID string) *Controller

// Registry holds one controller per learner and browser tab.
type Registry struct {
	factory Factory
	metrics *metrics.Metrics

	mu     sync.RWMutex
	active map[string]map[string]*Controller
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory, m *metrics.Metrics) *Registry {
	return &Registry{
		factory: factory,
		metrics: m,
		active:  make(map[string]map[string]*Controller),
	}
}

// Get returns the controller for userID and tabID, creating it if needed.
func (r *Registry) Get(userID, tabID string) *Controller {
	r.mu.RLock()
	if c, ok := r.active[userID][tabID]; ok {
		r.mu.RUnlock()
		return c
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.active[userID][tabID]; ok {
		return c
	}
	if _, exists := r.active[userID]; !exists {
		r.active[userID] = make(map[string]*Controller)
	}
	c := r.factory(userID, tabID)
	r.active[userID][tabID] = c
	r.metrics.SetClassroomsActive(r.countLocked())
	slog.Info("Classroom created", "user_id", userID, "tab_id", tabID)
	return c
}

// Lookup returns an existing controller.
func (r *Registry) Lookup(userID, tabID string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.active[userID][tabID]
	return c, ok
}

// Remove closes and forgets the controller for userID and tabID.
func (r *Registry) Remove(userID, tabID string) {
	r.mu.Lock()
	c, ok := r.active[userID][tabID]
	if ok {
		r.deleteLocked(userID, tabID)
	}
	r.mu.Unlock()

	if ok {
		c.Close()
		slog.Info("Classroom removed", "user_id", userID, "tab_id", tabID)
	}
}

// CloseUser closes every classroom of a learner.
func (r *Registry) CloseUser(userID string) {
	r.mu.Lock()
	tabs := r.active[userID]
	delete(r.active, userID)
	r.metrics.SetClassroomsActive(r.countLocked())
	r.mu.Unlock()

	for tabID, c := range tabs {
		c.Close()
		slog.Info("Classroom closed", "user_id", userID, "tab_id", tabID)
	}
}

// Len returns the number of live classrooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countLocked()
}

// SweepIdle closes classrooms with no subscriber that have been unused
// since before cutoff. It returns how many were closed.
func (r *Registry) SweepIdle(cutoff time.Time) int {
	type entry struct {
		userID, tabID string
		c             *Controller
	}
	var expired []entry

	r.mu.Lock()
	for userID, tabs := range r.active {
		for tabID, c := range tabs {
			if c.Subscribers() == 0 && c.LastActive().Before(cutoff) {
				expired = append(expired, entry{userID, tabID, c})
				r.deleteLocked(userID, tabID)
			}
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		e.c.Close()
		slog.Info("Idle classroom swept", "user_id", e.userID, "tab_id", e.tabID)
	}
	return len(expired)
}

// CloseAll closes every classroom.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.active
	r.active = make(map[string]map[string]*Controller)
	r.metrics.SetClassroomsActive(0)
	r.mu.Unlock()

	for _, tabs := range all {
		for _, c := range tabs {
			c.Close()
		}
	}
}

func (r *Registry) deleteLocked(userID, tabID string) {
	tabs := r.active[userID]
	delete(tabs, tabID)
	if len(tabs) == 0 {
		delete(r.active, userID)
	}
	r.metrics.SetClassroomsActive(r.countLocked())
}

func (r *Registry) countLocked() int {
	n := 0
	for _, tabs := range r.active {
		n += len(tabs)
	}
	return n
}
