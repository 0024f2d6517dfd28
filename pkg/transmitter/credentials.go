package transmitter

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/toothpaste/toothpaste/internal/authentication"
)

const (
	credentialsKeyField    protowire.Number = 1
	credentialsSecretField protowire.Number = 2
)

var ErrInvalidCredentials = errors.New("invalid transmitter credentials")

// Credentials are the state a transmitter keeps between runs: its long-lived identity key and
// the shared secret established with a receiver, if any.
type Credentials struct {
	Key    *authentication.KeyPair
	Secret []byte
}

// NewCredentials generates a new identity with no shared secret.
func NewCredentials() (*Credentials, error) {
	key, err := authentication.GenerateKeyPair(nil)
	if err != nil {
		return nil, err
	}
	return &Credentials{Key: key}, nil
}

// Identity returns the public key a receiver enrolls the transmitter under.
func (c *Credentials) Identity() []byte {
	return c.Key.PublicBytes()
}

func (c *Credentials) MarshalBinary() ([]byte, error) {
	scalar := c.Key.Scalar()
	if scalar == nil {
		return nil, fmt.Errorf("%w: key has been discarded", ErrInvalidCredentials)
	}
	var b []byte
	b = protowire.AppendTag(b, credentialsKeyField, protowire.BytesType)
	b = protowire.AppendBytes(b, scalar)
	if len(c.Secret) > 0 {
		b = protowire.AppendTag(b, credentialsSecretField, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Secret)
	}
	return b, nil
}

// UnmarshalCredentials parses the output of Credentials.MarshalBinary.
func UnmarshalCredentials(b []byte) (*Credentials, error) {
	var scalar []byte
	var c Credentials
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case credentialsKeyField:
			scalar = v
		case credentialsSecretField:
			c.Secret = bytes.Clone(v)
		}
	}
	if scalar == nil {
		return nil, fmt.Errorf("%w: missing key", ErrInvalidCredentials)
	}
	key, err := authentication.NewKeyPairFromScalar(scalar)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, err)
	}
	c.Key = key
	if len(c.Secret) > 0 && len(c.Secret) != authentication.SharedSecretSize {
		return nil, fmt.Errorf("%w: secret has length %d", ErrInvalidCredentials, len(c.Secret))
	}
	return &c, nil
}
