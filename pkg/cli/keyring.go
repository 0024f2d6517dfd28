package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/toothpaste/toothpaste/internal/log"
	"github.com/toothpaste/toothpaste/pkg/transmitter"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

const (
	keyringServiceName        = "io.toothpaste"
	keyringCredentialsService = "transmitter"
	keyringDirectory          = "~/.toothpaste_keys"

	defaultCredentialsName = "default"
)

type backendType struct {
	config *Config
}

func (b backendType) String() string {
	if b.config == nil || len(b.config.Backend.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.config.Backend.AllowedBackends[0])
}

func (b backendType) Set(v string) error {
	value := keyring.BackendType(v)
	if b.config == nil {
		return fmt.Errorf("invalid backendType")
	}
	if v == "" {
		return nil
	}
	for _, name := range keyring.AvailableBackends() {
		if name == value {
			b.config.Backend.AllowedBackends = []keyring.BackendType{name}
			return nil
		}
	}
	return fmt.Errorf("unsupported credential storage")
}

func (c *Config) getPassword(prompt string) (string, error) {
	if c.password != nil && *c.password != "" {
		return *c.password, nil
	}

	var w io.Writer
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		fd = int(os.Stderr.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("no terminal output available for password prompt")
		} else {
			w = os.Stderr
		}
	} else {
		w = os.Stdout
	}

	fmt.Fprintf(w, "%s: ", prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(w)
	password := string(b)
	c.password = &password
	return password, nil
}

// openKeyring opens the configured keyring once and reuses it, so that file-backed keyrings only
// prompt for a password the first time.
func (c *Config) openKeyring() (keyring.Keyring, error) {
	if !c.Flags.isSet(FlagKeyring) {
		return nil, ErrKeyringDisabled
	}
	if c.ring != nil {
		return c.ring, nil
	}
	keyring.Debug = c.Debug
	ring, err := keyring.Open(c.Backend)
	if err != nil {
		return nil, fmt.Errorf("could not open keyring: %w", err)
	}
	c.ring = ring
	return ring, nil
}

// credentialsKey names the keyring item holding the transmitter's credentials for c.Receiver.
// Each receiver gets its own identity, so removing one enrollment never affects another.
func (c *Config) credentialsKey() string {
	name := c.Receiver
	if name == "" {
		name = defaultCredentialsName
	}
	return keyringCredentialsService + "." + name
}

// LoadCredentials reads the transmitter's credentials for c.Receiver from the system keyring,
// generating and saving a new identity if none exists yet.
func (c *Config) LoadCredentials() (*transmitter.Credentials, error) {
	kr, err := c.openKeyring()
	if err != nil {
		return nil, err
	}
	item, err := kr.Get(c.credentialsKey())
	if errors.Is(err, keyring.ErrKeyNotFound) {
		log.Info("Generating a new transmitter identity for '%s'", c.credentialsKey())
		creds, err := transmitter.NewCredentials()
		if err != nil {
			return nil, err
		}
		if err := c.SaveCredentials(creds); err != nil {
			return nil, err
		}
		return creds, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not load credentials: %s", err)
	}
	return transmitter.UnmarshalCredentials(item.Data)
}

// SaveCredentials writes creds to the system keyring under c.Receiver.
func (c *Config) SaveCredentials(creds *transmitter.Credentials) error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	data, err := creds.MarshalBinary()
	if err != nil {
		return err
	}
	if err := kr.Set(keyring.Item{
		Key:         c.credentialsKey(),
		Data:        data,
		Label:       "toothpaste transmitter",
		Description: "Identity key and shared secret for a toothpaste receiver",
	}); err != nil {
		return fmt.Errorf("failed to save credentials in keyring: %s", err)
	}
	return nil
}

// DeleteCredentials removes the transmitter's credentials for c.Receiver from the system keyring.
func (c *Config) DeleteCredentials() error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	return kr.Remove(c.credentialsKey())
}
