package realtime

import "sync"

// CredentialProvider is the host application's view of the current session.
// The Manager asks it for a token every time it opens a transport.
type CredentialProvider interface {
	Token() string
	IsAuthenticated() bool
}

// TokenStore is an in-memory CredentialProvider. A non-empty token marks
// the session as authenticated.
type TokenStore struct {
	mu            sync.RWMutex
	token         string
	authenticated bool
}

// NewTokenStore creates a store holding token
func NewTokenStore(token string) *TokenStore {
	s := &TokenStore{}
	s.SetToken(token)
	return s
}

// SetToken replaces the token
func (s *TokenStore) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.authenticated = token != ""
}

// SetAnonymous marks the session authenticated without a token, so the
// handshake carries an empty auth object.
func (s *TokenStore) SetAnonymous() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.authenticated = true
}

// Clear logs the session out
func (s *TokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.authenticated = false
}

// Token implements CredentialProvider
func (s *TokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// IsAuthenticated implements CredentialProvider
func (s *TokenStore) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}
