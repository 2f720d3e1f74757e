// Package locks serializes sync runs per source connection.
package locks

import (
	"errors"
	"sync"

	"github.com/molehq/mole/pkg/logger"
)

// ErrAlreadyLocked is returned by TryAcquire when a run is already active
// for the source connection.
var ErrAlreadyLocked = errors.New("a sync run is already in progress for this connection")

// Manager holds the in-process lock table. Locks are ephemeral: a process
// restart clears them all, and startup reconciliation handles the runs they
// were protecting.
type Manager struct {
	mu   sync.Mutex
	held map[string]struct{}
	log  *logger.Logger
}

func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("locks")
	}
	return &Manager{held: make(map[string]struct{}), log: log}
}

// TryAcquire takes the lock for a source connection without blocking.
func (m *Manager) TryAcquire(sourceConnectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[sourceConnectionID]; ok {
		return ErrAlreadyLocked
	}
	m.held[sourceConnectionID] = struct{}{}
	return nil
}

// Release frees the lock. Releasing an unheld lock is a no-op.
func (m *Manager) Release(sourceConnectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, sourceConnectionID)
}

// Held reports whether a run currently owns the lock.
func (m *Manager) Held(sourceConnectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[sourceConnectionID]
	return ok
}
