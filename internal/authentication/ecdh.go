package authentication

import (
	"crypto/ecdh"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"io"
	"strings"

	"github.com/cronokirby/saferith"
)

const (
	// PublicKeySize is the length of an uncompressed SEC1 P-256 point. Both ends of the link use
	// this encoding; compressed points are rejected.
	PublicKeySize = 65
	// SharedSecretSize is the length of the big-endian x-coordinate produced by ECDH.
	SharedSecretSize = 32

	scalarSize          = 32
	maxScalarAttempts   = 8
	uncompressedPointID = 0x04
)

var fieldModulus = saferith.ModulusFromBytes(elliptic.P256().Params().P.Bytes())

// A KeyPair is an ephemeral P-256 key pair used for a single pairing attempt. The private
// scalar never leaves the KeyPair.
type KeyPair struct {
	private     *ecdh.PrivateKey
	public      []byte
	secretReady bool
}

// GenerateKeyPair draws a fresh private scalar from rng (crypto/rand if nil).
//
// Scalars outside [1, n-1] are rejected and redrawn, so a healthy rng succeeds on the first
// attempt with overwhelming probability.
func GenerateKeyPair(rng io.Reader) (*KeyPair, error) {
	if rng == nil {
		rng = rand.Reader
	}
	scalar := make([]byte, scalarSize)
	for i := 0; i < maxScalarAttempts; i++ {
		if _, err := io.ReadFull(rng, scalar); err != nil {
			return nil, newErrorf(CodeRandomnessFailure, "reading private scalar: %s", err)
		}
		private, err := ecdh.P256().NewPrivateKey(scalar)
		if err == nil {
			return newKeyPair(private), nil
		}
	}
	return nil, newErrorf(CodeCurveOperationFailure, "no valid scalar after %d attempts", maxScalarAttempts)
}

// NewKeyPairFromScalar loads a KeyPair from a 32-byte big-endian private scalar.
func NewKeyPairFromScalar(scalar []byte) (*KeyPair, error) {
	if len(scalar) != scalarSize {
		return nil, newErrorf(CodeCurveOperationFailure, "private scalar must be %d bytes", scalarSize)
	}
	private, err := ecdh.P256().NewPrivateKey(scalar)
	if err != nil {
		return nil, newErrorf(CodeCurveOperationFailure, "%s", err)
	}
	return newKeyPair(private), nil
}

func newKeyPair(private *ecdh.PrivateKey) *KeyPair {
	return &KeyPair{
		private: private,
		public:  private.PublicKey().Bytes(),
	}
}

// PublicBytes returns the uncompressed encoding of the public key.
func (k *KeyPair) PublicBytes() []byte {
	buff := make([]byte, len(k.public))
	copy(buff, k.public)
	return buff
}

// Scalar returns the big-endian private scalar, for persisting a long-lived transmitter identity.
// It returns nil after Discard.
func (k *KeyPair) Scalar() []byte {
	if k == nil || k.private == nil {
		return nil
	}
	return k.private.Bytes()
}

// SecretReady reports whether ComputeSharedSecret has succeeded on k.
func (k *KeyPair) SecretReady() bool {
	return k.secretReady
}

// Discard drops the private scalar. Subsequent calls to ComputeSharedSecret fail.
func (k *KeyPair) Discard() {
	k.private = nil
	k.secretReady = false
}

// ComputeSharedSecret validates peerPublic and returns the ECDH shared secret.
//
// Calling this twice on the same KeyPair yields a second, independent secret; callers must treat
// that as a new session and drop keys derived from the first.
func (k *KeyPair) ComputeSharedSecret(peerPublic []byte) ([]byte, error) {
	if k == nil || k.private == nil {
		return nil, newErrorf(CodeCurveOperationFailure, "key pair not initialized")
	}
	if err := ValidatePublicKey(peerPublic); err != nil {
		return nil, err
	}
	remote, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return nil, newErrorf(CodeInvalidPeerKey, "%s", err)
	}
	secret, err := k.private.ECDH(remote)
	if err != nil {
		return nil, newErrorf(CodeCurveOperationFailure, "%s", err)
	}
	if err := checkSharedSecret(secret); err != nil {
		return nil, err
	}
	k.secretReady = true
	return secret, nil
}

// ValidatePublicKey checks that b is an uncompressed point on P-256.
func ValidatePublicKey(b []byte) error {
	if len(b) != PublicKeySize {
		return newErrorf(CodeInvalidPeerKey, "expected %d bytes, got %d", PublicKeySize, len(b))
	}
	if b[0] != uncompressedPointID {
		return newErrorf(CodeInvalidPeerKey, "point is not uncompressed")
	}
	if _, err := ecdh.P256().NewPublicKey(b); err != nil {
		return newErrorf(CodeInvalidPeerKey, "%s", err)
	}
	return nil
}

// checkSharedSecret confirms secret is a nonzero, reduced field element without branching on its
// value.
func checkSharedSecret(secret []byte) error {
	if len(secret) != SharedSecretSize {
		return newErrorf(CodeCurveOperationFailure, "shared secret has length %d", len(secret))
	}
	var x saferith.Nat
	x.SetBytes(secret)
	_, _, lt := x.CmpMod(fieldModulus)
	if lt&(x.EqZero()^1) != 1 {
		return newErrorf(CodeCurveOperationFailure, "shared secret out of range")
	}
	return nil
}

// EncodePublicKey returns the base64 form used on the text-oriented pairing characteristic.
func EncodePublicKey(public []byte) string {
	return base64.StdEncoding.EncodeToString(public)
}

// DecodePublicKey parses a base64 public key received over the pairing characteristic. Padded
// and unpadded encodings are both accepted; trailing whitespace and NUL bytes are ignored.
func DecodePublicKey(encoded string) ([]byte, error) {
	encoded = strings.TrimRight(encoded, " \t\r\n\x00")
	public, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		public, err = base64.RawStdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, newErrorf(CodeInvalidPeerKey, "invalid base64: %s", err)
	}
	if err := ValidatePublicKey(public); err != nil {
		return nil, err
	}
	return public, nil
}
