// Package session holds unlocked environment passwords for the lifetime of
// the server process. Nothing here ever touches disk: restarting the process
// locks every environment again by construction.
package session

import (
	"errors"
	"sync"
)

// ErrMissingCredentials means an environment has not been unlocked this
// session. Callers surface it instead of attempting remote calls.
var ErrMissingCredentials = errors.New("environment credentials not unlocked")

// Store is the only credential source the migration engine trusts.
type Store interface {
	// Get returns the password for an environment, and whether one is held.
	Get(envID string) (string, bool)
	// Set stores a password for an environment, replacing any existing one.
	Set(envID, password string)
	// Clear forgets the password for one environment.
	Clear(envID string)
	// ClearAll forgets every password.
	ClearAll()
}

type memoryStore struct {
	mu        sync.RWMutex
	passwords map[string]string
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{passwords: make(map[string]string)}
}

func (s *memoryStore) Get(envID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pw, ok := s.passwords[envID]
	return pw, ok
}

func (s *memoryStore) Set(envID, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passwords[envID] = password
}

func (s *memoryStore) Clear(envID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.passwords, envID)
}

func (s *memoryStore) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passwords = make(map[string]string)
}
