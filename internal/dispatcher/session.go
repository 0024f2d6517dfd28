package dispatcher

import (
	"bytes"
	"sync"

	"github.com/toothpaste/toothpaste/internal/authentication"
)

// session is the receiver's state for one transmitter identity. Links that paired or resumed
// with the identity share its session.
type session struct {
	identity []byte

	// Goroutines may hold the lock at times when they should be responsive to a context.Context
	// being cancelled; therefore they should never hold the lock during ECDH or store access.
	lock     sync.Mutex
	ctx      *authentication.Session
	inFlight bool
}

func newSession(identity []byte) *session {
	return &session{identity: bytes.Clone(identity)}
}

// begin marks a handshake as running. At most one handshake runs per identity.
func (s *session) begin() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.inFlight {
		return authentication.ErrHandshakeInProgress
	}
	s.inFlight = true
	return nil
}

// finish ends a handshake, installing ctx if it is not nil. A failed handshake leaves any
// earlier context in place.
func (s *session) finish(ctx *authentication.Session) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if ctx != nil {
		s.ctx = ctx
	}
	s.inFlight = false
}

// invalidate drops the session context. Links bound to s can no longer decrypt until the peer
// pairs again.
func (s *session) invalidate() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.ctx = nil
}

func (s *session) decrypt(iv, ciphertext, tag []byte) ([]byte, error) {
	s.lock.Lock()
	ctx := s.ctx
	s.lock.Unlock()
	if ctx == nil {
		return nil, authentication.ErrNoSession
	}
	return ctx.Decrypt(iv, ciphertext, tag)
}

func (s *session) busy() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.inFlight
}

func (s *session) ready() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.ctx != nil
}
