// Package logstream streams challenge container logs to administrators over
// WebSocket.
package logstream

import (
	"log/slog"
	"sync"

	"github.com/atlas-ctf/atlas/internal/metrics"
)

// Manager tracks open log viewers per container so they can be closed when
// the container's lease is released.
type Manager struct {
	mu     sync.Mutex
	nextID uint64
	active map[string]map[uint64]func()
}

// NewManager creates a new viewer manager.
func NewManager() *Manager {
	return &Manager{active: make(map[string]map[uint64]func())}
}

// Register records a viewer of containerID. closeFn ends the viewer's stream.
func (m *Manager) Register(containerID string, closeFn func()) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	if _, ok := m.active[containerID]; !ok {
		m.active[containerID] = make(map[uint64]func())
	}
	m.active[containerID][id] = closeFn
	metrics.LogViewers.Inc()
	slog.Info("Log viewer registered", "container_id", containerID, "viewer", id)
	return id
}

// Unregister removes a viewer. Unknown ids are ignored.
func (m *Manager) Unregister(containerID string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	viewers, ok := m.active[containerID]
	if !ok {
		return
	}
	if _, exists := viewers[id]; !exists {
		return
	}
	delete(viewers, id)
	if len(viewers) == 0 {
		delete(m.active, containerID)
	}
	metrics.LogViewers.Dec()
	slog.Info("Log viewer unregistered", "container_id", containerID, "viewer", id)
}

// CloseContainer ends every stream of containerID.
func (m *Manager) CloseContainer(containerID string) {
	m.mu.Lock()
	viewers := m.active[containerID]
	delete(m.active, containerID)
	m.mu.Unlock()

	for id, closeFn := range viewers {
		closeFn()
		metrics.LogViewers.Dec()
		slog.Info("Log viewer closed", "container_id", containerID, "viewer", id)
	}
}

// Count returns the number of open viewers of containerID.
func (m *Manager) Count(containerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active[containerID])
}
