// Package token holds the bearer token used to authenticate REST calls and
// the realtime connection. The host application usually owns token storage
// (keychain, secure storage); Store is the contract the SDK consumes.
package token

import "sync"

// Store provides the current bearer token. An empty string means the user is
// not authenticated.
type Store interface {
	Token() string
	SetToken(token string)
	Clear()
}

// MemStore is an in-memory Store, safe for concurrent use. Suitable for tests
// and short-lived tools; real applications back Store with secure storage.
type MemStore struct {
	mu    sync.RWMutex
	token string
}

func NewMemStore(token string) *MemStore {
	return &MemStore{token: token}
}

func (s *MemStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *MemStore) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *MemStore) Clear() {
	s.SetToken("")
}
