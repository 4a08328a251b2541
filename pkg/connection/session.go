package connection

import "sync"

// Session holds the authentication and namespace state of one
// connection. It is owned exclusively by that connection and mutated
// only during the handshake and on reset; it is invalidated when the
// connection closes.
type Session struct {
	mu        sync.Mutex
	token     string
	namespace string
	database  string
}

func (s *Session) setToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

func (s *Session) setScope(namespace, database string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespace = namespace
	s.database = database
}

// Token returns the current authentication token, or "" if the session
// is unauthenticated.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Scope returns the selected namespace and database.
func (s *Session) Scope() (namespace, database string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namespace, s.database
}

func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.namespace = ""
	s.database = ""
}
