package authentication

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// SessionKeySize is the AES-256 key length produced by DeriveSessionKey.
	SessionKeySize = 32
	// SessionInfo domain-separates the session key from any other use of the shared secret.
	// Transmitters use the same string.
	SessionInfo = "aes-gcm-256"
)

// DeriveSessionKey runs HKDF-SHA-256 over secret. The salt may be empty. The output is a
// deterministic function of the inputs, which is what lets a receiver resume a session from a
// stored shared secret.
func DeriveSessionKey(secret, salt []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, newErrorf(CodeDerivationFailure, "empty input key material")
	}
	kdf := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, newErrorf(CodeDerivationFailure, "%s", err)
	}
	return key, nil
}
