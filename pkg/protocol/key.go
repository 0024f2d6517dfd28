package protocol

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/toothpaste/toothpaste/internal/authentication"
)

// LoadPrivateKey loads a P256 EC private key from a PEM file. Both SEC1 ("BEGIN EC PRIVATE KEY")
// and unencrypted PKCS8 ("BEGIN PRIVATE KEY") are accepted.
func LoadPrivateKey(filename string) (*authentication.KeyPair, error) {
	pemBlock, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBlock)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM data", filename)
	}
	var skey *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		if skey, err = x509.ParseECPrivateKey(block.Bytes); err != nil {
			return nil, err
		}
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		var ok bool
		if skey, ok = key.(*ecdsa.PrivateKey); !ok {
			return nil, ErrInvalidPublicKey
		}
	default:
		return nil, fmt.Errorf("unrecognized PEM block type %s", block.Type)
	}
	private, err := skey.ECDH()
	if err != nil {
		return nil, err
	}
	if private.Curve() != ecdh.P256() {
		return nil, ErrInvalidPublicKey
	}
	return authentication.NewKeyPairFromScalar(private.Bytes())
}

// SavePrivateKey writes key to filename as PKCS8 PEM, readable only by the owner.
func SavePrivateKey(key *authentication.KeyPair, filename string) error {
	scalar := key.Scalar()
	if scalar == nil {
		return fmt.Errorf("key is not exportable")
	}
	private, err := ecdh.P256().NewPrivateKey(scalar)
	if err != nil {
		return err
	}
	der, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		return err
	}
	pemKey := pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return os.WriteFile(filename, pem.EncodeToMemory(&pemKey), 0600)
}

// LoadPublicKey loads a P256 EC public key from a file and returns its uncompressed encoding.
//
// The function is flexible, supporting the following formats (note that this list includes private
// key files, for convenience):
//   - PKIX PEM ("BEGIN PUBLIC KEY")
//   - Non-password protected PKCS8 PEM ("BEGIN PRIVATE KEY")
//   - SEC1 ("BEGIN EC PRIVATE KEY")
//   - Binary uncompressed SEC1 curve point (0x04, ..., 65 bytes)
//   - Hex or base64 encoded uncompressed SEC1 curve point
func LoadPublicKey(filename string) ([]byte, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if len(contents) == authentication.PublicKeySize {
		return checkPublicKey(contents)
	}
	if !strings.Contains(string(contents), "-----BEGIN") {
		return ParsePublicKey(string(contents))
	}

	block, _ := pem.Decode(contents)
	if block == nil {
		return nil, ErrInvalidPublicKey
	}
	switch block.Type {
	case "EC PRIVATE KEY", "PRIVATE KEY":
		pair, err := LoadPrivateKey(filename)
		if err != nil {
			return nil, err
		}
		return pair.PublicBytes(), nil
	case "PUBLIC KEY":
		publicKey, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		ecdsaPublicKey, ok := publicKey.(*ecdsa.PublicKey)
		if !ok {
			return nil, ErrInvalidPublicKey
		}
		pkey, err := ecdsaPublicKey.ECDH()
		if err != nil {
			return nil, err
		}
		return checkPublicKey(pkey.Bytes())
	default:
		return nil, fmt.Errorf("unrecognized PEM block type %s", block.Type)
	}
}

// ParsePublicKey decodes a hex or base64 (standard or URL alphabet, padded or not) encoded
// public key.
func ParsePublicKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) == 2*authentication.PublicKeySize {
		if decoded, err := hex.DecodeString(s); err == nil {
			return checkPublicKey(decoded)
		}
	}
	for _, encoding := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if decoded, err := encoding.DecodeString(s); err == nil {
			return checkPublicKey(decoded)
		}
	}
	return nil, ErrInvalidPublicKey
}

func checkPublicKey(b []byte) ([]byte, error) {
	if err := authentication.ValidatePublicKey(b); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPublicKey, err)
	}
	return b, nil
}
