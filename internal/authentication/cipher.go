package authentication

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
)

const (
	IVSize  = 12
	TagSize = 16
)

// SessionCipher encrypts and authenticates messages with AES-256-GCM under a single session key.
//
// Every call to Encrypt draws a fresh 96-bit IV from crypto/rand. With random IVs the collision
// bound stays negligible well past 2^32 messages per key; a keyboard link sends a tiny fraction
// of that before the peer re-pairs.
type SessionCipher struct {
	gcm cipher.AEAD
	rng io.Reader
}

// NewSessionCipher returns a SessionCipher keyed with key, which must be SessionKeySize bytes.
func NewSessionCipher(key []byte) (*SessionCipher, error) {
	if len(key) != SessionKeySize {
		return nil, newErrorf(CodeCipherSetupFailure, "session key must be %d bytes, got %d", SessionKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, newErrorf(CodeCipherSetupFailure, "%s", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, newErrorf(CodeCipherSetupFailure, "%s", err)
	}
	return &SessionCipher{gcm: gcm, rng: rand.Reader}, nil
}

// Encrypt plaintext with no associated data. The tag and ciphertext are produced together but
// returned separately, matching the packet layout.
func (c *SessionCipher) Encrypt(plaintext []byte) (iv, ciphertext, tag []byte, err error) {
	if c == nil || c.gcm == nil {
		err = newErrorf(CodeEncryptionFailure, "GCM context not initialized")
		return
	}
	iv = make([]byte, IVSize)
	if _, err = io.ReadFull(c.rng, iv); err != nil {
		err = newErrorf(CodeEncryptionFailure, "reading IV: %s", err)
		return nil, nil, nil, err
	}
	length := len(plaintext)
	sealed := c.gcm.Seal(nil, iv, plaintext, nil)
	ciphertext = sealed[:length]
	tag = sealed[length:]
	return
}

// Decrypt authenticates ciphertext with tag and returns the plaintext. On failure no plaintext
// is returned.
func (c *SessionCipher) Decrypt(iv, ciphertext, tag []byte) ([]byte, error) {
	if c == nil || c.gcm == nil {
		return nil, newErrorf(CodeCipherSetupFailure, "GCM context not initialized")
	}
	if len(iv) != IVSize || len(tag) != TagSize {
		return nil, newErrorf(CodeCipherSetupFailure, "invalid IV or tag length (%d, %d)", len(iv), len(tag))
	}
	ctAndTag := make([]byte, 0, len(ciphertext)+len(tag))
	ctAndTag = append(ctAndTag, ciphertext...)
	ctAndTag = append(ctAndTag, tag...)
	plaintext, err := c.gcm.Open(nil, iv, ctAndTag, nil)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}

// Encrypt is a one-shot form of SessionCipher.Encrypt.
func Encrypt(plaintext, key []byte) (iv, ciphertext, tag []byte, err error) {
	c, err := NewSessionCipher(key)
	if err != nil {
		return nil, nil, nil, newErrorf(CodeEncryptionFailure, "%s", err)
	}
	return c.Encrypt(plaintext)
}

// Decrypt is a one-shot form of SessionCipher.Decrypt.
func Decrypt(iv, ciphertext, tag, key []byte) ([]byte, error) {
	c, err := NewSessionCipher(key)
	if err != nil {
		return nil, err
	}
	return c.Decrypt(iv, ciphertext, tag)
}
