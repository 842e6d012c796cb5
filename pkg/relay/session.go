// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Session tracks the identifiers of in-flight requests for one relay process.
// An identifier stays unique for as long as its response is outstanding;
// closing the session cancels everything still pending.
type Session struct {
	ID string

	mu      sync.Mutex
	pending map[string]context.CancelFunc
	closed  bool
}

// NewSession allocates an empty session with a fresh identifier.
func NewSession() *Session {
	return &Session{
		ID:      uuid.NewString(),
		pending: make(map[string]context.CancelFunc),
	}
}

// track registers a request id and the cancel func covering its outbound
// call. A duplicate outstanding id or a closed session is refused.
func (s *Session) track(id string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &SessionClosedError{ID: id}
	}
	if _, ok := s.pending[id]; ok {
		return &DuplicateIDError{ID: id}
	}
	s.pending[id] = cancel
	return nil
}

// release removes a completed request id, making it reusable.
func (s *Session) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// isClosed reports whether close has run.
func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close marks the session closed and cancels every outstanding request. Each
// in-flight worker observes its cancellation and reports SessionClosedError
// for its own id, so no envelope is emitted twice.
func (s *Session) close() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.closed = true
	n := len(s.pending)
	for _, cancel := range s.pending {
		cancel()
	}
	return n
}
