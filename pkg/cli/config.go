/*
Package cli facilitates building the toothpaste command-line tools. It defines a [Config] type
that registers common command-line flags (using the Golang flag package) and their environment
variable equivalents.

The package uses [keyring]'s platform-agnostic interface for storing sensitive values (enrolled
shared secrets on the receiver, identity keys on the transmitter) in an OS-dependent credential
store.

# Examples

	config, err := cli.NewConfig(cli.FlagReceiver | cli.FlagKeyring)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for the receiver, keyring, etc.
	flag.Parse()
	config.ReadFromEnvironment() // Fills in missing fields using environment variables

	// Loads this transmitter's identity, creating one on first use. This may prompt for the
	// keyring password, so call it before starting any timeouts.
	creds, err := config.LoadCredentials()
	if err != nil {
		panic(err)
	}
	conn, err := config.Connect(ctx)
	if err != nil {
		panic(err)
	}
	tx := transmitter.New(conn, creds)
	defer config.SaveCredentials(tx.Credentials())

Receivers use [Config.Peripheral] and [Config.OpenEnrollmentStore] instead.
*/
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/toothpaste/toothpaste/internal/log"
	"github.com/toothpaste/toothpaste/pkg/connector"
	"github.com/toothpaste/toothpaste/pkg/connector/ble"
	"github.com/toothpaste/toothpaste/pkg/connector/inet"
	"github.com/toothpaste/toothpaste/pkg/enrollment"

	"github.com/99designs/keyring"
)

// Environment variable names used are used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvReceiver      = "TOOTHPASTE_RECEIVER"
	EnvTransport     = "TOOTHPASTE_TRANSPORT"
	EnvBtDevice      = "TOOTHPASTE_BT_DEVICE"
	EnvKeyringType   = "TOOTHPASTE_KEYRING_TYPE"
	EnvKeyringPass   = "TOOTHPASTE_KEYRING_PASSWORD"
	EnvKeyringPath   = "TOOTHPASTE_KEYRING_PATH"
	EnvKeyringDebug  = "TOOTHPASTE_KEYRING_DEBUG"
	EnvEnrollPolicy  = "TOOTHPASTE_ENROLL_POLICY"
	EnvReceiverLocal = "TOOTHPASTE_NAME"
)

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagReceiver  Flag = 1 // Enable options for selecting a receiver to connect to.
	FlagKeyring   Flag = 2 // Enable keyring options. Required for credentials and enrollments.
	FlagTransport Flag = 4 // Enable transport selection (BLE or TCP).
	FlagServe     Flag = 8 // Enable options for running a receiver.
	FlagAll       Flag = FlagReceiver | FlagKeyring | FlagTransport | FlagServe
)

const (
	TransportBLE = "ble"
	TransportTCP = "tcp"
)

var (
	ErrNoReceiverSpecified = errors.New("receiver address not provided")
	ErrUnknownTransport    = errors.New("unknown transport (expected ble or tcp)")
	ErrKeyringDisabled     = errors.New("keyring options are not enabled")
	ErrKeyNotFound         = keyring.ErrKeyNotFound
)

// Config fields determine how a tool reaches the keyring and the transport.
type Config struct {
	Flags       Flag   // Controls which set of environment variables/CLI flags to use.
	Receiver    string // Bluetooth address or local name of the receiver, or host:port for tcp.
	Transport   string
	BtAdapterID string
	LocalName   string // Name advertised by a receiver.
	Listen      string // Address a tcp receiver listens on.
	Policy      string // Enrollment eviction policy (lru or refuse).
	Backend     keyring.Config
	BackendType backendType
	Debug       bool // Enable keyring debug messages

	password *string
	ring     keyring.Keyring
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword

	return &c, nil
}

func (c *Config) RegisterCommandLineFlags() {
	if c.Flags.isSet(FlagReceiver) {
		flag.StringVar(&c.Receiver, "receiver", "", "Receiver `address` (Bluetooth address or advertised name; host:port for tcp). Defaults to $TOOTHPASTE_RECEIVER.")
	}
	if c.Flags.isSet(FlagTransport) {
		flag.StringVar(&c.Transport, "transport", "", "Transport `type` (ble|tcp). Defaults to $TOOTHPASTE_TRANSPORT, then ble.")
		c.registerCommandLineFlagsOsSpecific()
	}
	if c.Flags.isSet(FlagServe) {
		flag.StringVar(&c.LocalName, "name", "", "Local `name` to advertise. Defaults to $TOOTHPASTE_NAME, then "+ble.DefaultLocalName+".")
		flag.StringVar(&c.Listen, "listen", "localhost:7370", "`Address` to listen on when using the tcp transport")
		flag.StringVar(&c.Policy, "enroll-policy", "", "What to do when the enrollment table is full (lru|refuse). Defaults to $TOOTHPASTE_ENROLL_POLICY, then lru.")
	}
	if c.Flags.isSet(FlagKeyring) {
		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		flag.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $TOOTHPASTE_KEYRING_TYPE.")
		flag.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
		flag.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters and avoid potentially misleading
// debug log messages.
func (c *Config) ReadFromEnvironment() {
	if c.Flags.isSet(FlagReceiver) {
		if c.Receiver == "" {
			c.Receiver = os.Getenv(EnvReceiver)
			log.Debug("Set receiver to '%s'", c.Receiver)
		}
	}
	if c.Flags.isSet(FlagTransport) {
		if c.Transport == "" {
			c.Transport = os.Getenv(EnvTransport)
			log.Debug("Set transport to '%s'", c.Transport)
		}
		if c.BtAdapterID == "" {
			c.BtAdapterID = os.Getenv(EnvBtDevice)
			log.Debug("Set Bluetooth adapter to '%s'", c.BtAdapterID)
		}
	}
	if c.Flags.isSet(FlagServe) {
		if c.LocalName == "" {
			c.LocalName = os.Getenv(EnvReceiverLocal)
			log.Debug("Set local name to '%s'", c.LocalName)
		}
		if c.Policy == "" {
			c.Policy = os.Getenv(EnvEnrollPolicy)
			log.Debug("Set enrollment policy to '%s'", c.Policy)
		}
	}
	if c.Flags.isSet(FlagKeyring) {
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.password == nil {
			password := os.Getenv(EnvKeyringPass)
			c.password = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvKeyringPath)
			log.Debug("Set keyring File Path to '%s'", c.Backend.FileDir)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvKeyringDebug)
			log.Debug("Set keyring Debug Logging to '%v'", c.Debug)
		}
	}
}

func (c *Config) transport() (string, error) {
	switch strings.ToLower(c.Transport) {
	case "", TransportBLE:
		return TransportBLE, nil
	case TransportTCP:
		return TransportTCP, nil
	}
	return "", fmt.Errorf("%w: '%s'", ErrUnknownTransport, c.Transport)
}

// EnrollmentPolicy parses c.Policy.
func (c *Config) EnrollmentPolicy() (enrollment.Policy, error) {
	switch strings.ToLower(c.Policy) {
	case "", enrollment.EvictLeastRecentlyUsed.String():
		return enrollment.EvictLeastRecentlyUsed, nil
	case enrollment.RefuseWhenFull.String():
		return enrollment.RefuseWhenFull, nil
	}
	return 0, fmt.Errorf("unknown enrollment policy '%s'", c.Policy)
}

// OpenEnrollmentStore loads the receiver's enrollment table from the keyring.
func (c *Config) OpenEnrollmentStore(opts ...enrollment.Option) (*enrollment.Store, error) {
	ring, err := c.openKeyring()
	if err != nil {
		return nil, err
	}
	policy, err := c.EnrollmentPolicy()
	if err != nil {
		return nil, err
	}
	opts = append([]enrollment.Option{enrollment.WithPolicy(policy)}, opts...)
	return enrollment.Open(enrollment.NewKeyringStore(ring), opts...)
}

// Connect opens a transmitter connection to c.Receiver.
//
// Over BLE an empty c.Receiver connects to the first receiver found advertising the toothpaste
// service. Over TCP c.Receiver is required.
func (c *Config) Connect(ctx context.Context) (connector.Connector, error) {
	transport, err := c.transport()
	if err != nil {
		return nil, err
	}
	if transport == TransportTCP {
		if c.Receiver == "" {
			return nil, ErrNoReceiverSpecified
		}
		log.Debug("Connecting to %s over TCP...", c.Receiver)
		return inet.Dial(ctx, c.Receiver)
	}

	adapter, err := ble.NewAdapter(c.BtAdapterID)
	if err != nil {
		return nil, err
	}
	log.Debug("Scanning for receiver '%s'...", c.Receiver)
	conn, err := ble.NewConnection(ctx, c.Receiver, adapter)
	if err != nil {
		adapter.Close()
		return nil, err
	}
	return &bleConnection{Connection: conn, adapter: adapter}, nil
}

// bleConnection releases the controller along with the connection.
type bleConnection struct {
	*ble.Connection
	adapter ble.Adapter
}

func (b *bleConnection) Close() {
	b.Connection.Close()
	if err := b.adapter.Close(); err != nil {
		log.Warning("Failed to release Bluetooth adapter: %s", err)
	}
}

// Peripheral starts the receiver's side of the configured transport.
func (c *Config) Peripheral() (connector.Peripheral, error) {
	transport, err := c.transport()
	if err != nil {
		return nil, err
	}
	if transport == TransportTCP {
		activated, err := activatedListener()
		if err != nil {
			return nil, err
		}
		if activated != nil {
			return activated, nil
		}
		l, err := inet.Listen(c.Listen)
		if err != nil {
			return nil, err
		}
		log.Info("Listening on %s", l.Addr())
		return l, nil
	}
	p, err := ble.NewPeripheral(c.LocalName, c.BtAdapterID)
	if err != nil {
		return nil, err
	}
	name := c.LocalName
	if name == "" {
		name = ble.DefaultLocalName
	}
	log.Info("Advertising as '%s'", name)
	return p, nil
}
