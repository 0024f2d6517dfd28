package authentication

import (
	"bytes"
	"io"
)

// A Session allows encrypting/decrypting/authenticating data exchanged with one peer, using a
// key derived from the shared ECDH secret established with that peer.
//
// The session key is derived once, when the Session is created, and never changes afterwards.
// Establishing a new shared secret means creating a new Session.
type Session struct {
	peer   []byte
	cipher *SessionCipher
}

// NewSession derives the session key for secret and binds it to peer.
func NewSession(peer, secret []byte) (*Session, error) {
	key, err := DeriveSessionKey(secret, nil, SessionInfo)
	if err != nil {
		return nil, err
	}
	cipher, err := NewSessionCipher(key)
	if err != nil {
		return nil, err
	}
	return &Session{peer: bytes.Clone(peer), cipher: cipher}, nil
}

// Handshake generates an ephemeral key pair, computes the shared secret with peerPublic, and
// discards the private scalar. It returns the local public key to send back to the peer along
// with the shared secret.
func Handshake(rng io.Reader, peerPublic []byte) (localPublic, secret []byte, err error) {
	pair, err := GenerateKeyPair(rng)
	if err != nil {
		return nil, nil, err
	}
	defer pair.Discard()
	if secret, err = pair.ComputeSharedSecret(peerPublic); err != nil {
		return nil, nil, err
	}
	return pair.PublicBytes(), secret, nil
}

// Peer returns the public key of the remote party.
func (s *Session) Peer() []byte {
	return bytes.Clone(s.peer)
}

func (s *Session) Encrypt(plaintext []byte) (iv, ciphertext, tag []byte, err error) {
	return s.cipher.Encrypt(plaintext)
}

func (s *Session) Decrypt(iv, ciphertext, tag []byte) ([]byte, error) {
	return s.cipher.Decrypt(iv, ciphertext, tag)
}
