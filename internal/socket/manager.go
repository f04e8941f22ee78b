// Package socket serves the browser WebSocket of a classroom: microphone
// input events in, classroom updates out.
package socket

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Manager tracks the browser connection of each learner tab. A tab has at
// most one live socket; a newer one replaces it.
type Manager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewManager creates a new connection manager.
func NewManager() *Manager {
	return &Manager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// Active returns the live connection for a learner tab.
func (m *Manager) Active(userID, tabID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[userID][tabID]
}

// Register adds the connection for a learner tab, closing any previous one.
func (m *Manager) Register(userID, tabID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}
	if existing, exists := m.active[userID][tabID]; exists && existing != conn {
		// Close waits for the peer's close frame; do not hold the lock for it.
		go func() { _ = existing.Close(websocket.StatusPolicyViolation, "classroom opened in another connection") }()
	}
	m.active[userID][tabID] = conn
	slog.Info("Classroom socket registered", "user_id", userID, "tab_id", tabID)
}

// Unregister removes conn if it is still the tab's connection. It reports
// whether the tab is left without a connection.
func (m *Manager) Unregister(userID, tabID string, conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	tabs, ok := m.active[userID]
	if !ok {
		return true
	}
	current, exists := tabs[tabID]
	if !exists {
		return true
	}
	if current != conn {
		return false
	}
	delete(tabs, tabID)
	if len(tabs) == 0 {
		delete(m.active, userID)
	}
	slog.Info("Classroom socket unregistered", "user_id", userID, "tab_id", tabID)
	return true
}

// CloseUser closes every socket of a learner.
func (m *Manager) CloseUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for tabID, conn := range m.active[userID] {
		go func() { _ = conn.Close(websocket.StatusNormalClosure, "classroom closed") }()
		slog.Info("Classroom socket closed", "user_id", userID, "tab_id", tabID)
	}
	delete(m.active, userID)
}

// Len returns the number of live sockets.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, tabs := range m.active {
		n += len(tabs)
	}
	return n
}
