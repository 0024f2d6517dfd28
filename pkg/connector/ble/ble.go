// Package ble implements the receiver's GATT service on top of github.com/go-ble/ble.
//
// The receiver (Peripheral) exposes one service with three characteristics: transmitters write
// encrypted packets to the data characteristic and base64 public keys to the pairing
// characteristic, and subscribe to the notify characteristic for status replies. Transmitters
// use Connection.
//
// Notifications are prefixed with a two-byte big-endian length and split across as many
// notifications as the link's MTU requires. Writes are never split: the packet framer already
// sizes them to MaxWriteSize. A pairing request is a single 88-byte write, so pairing needs a
// link MTU of at least MinPairingMTU; links that fall back to the default MTU of 23 can resume
// an existing session but cannot pair.
package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/retry.v1"

	"github.com/toothpaste/toothpaste/internal/log"
	"github.com/toothpaste/toothpaste/pkg/connector"
	"github.com/toothpaste/toothpaste/pkg/protocol"
)

var (
	ErrMaxConnectionsExceeded = protocol.NewError("the receiver is not accepting connections", false, true)
	ErrAdapterInvalidID       = protocol.NewError("the bluetooth adapter ID is invalid", false, false)
	ErrMTUTooSmall            = protocol.NewError("the link MTU is too small for a pairing request", false, false)
)

const (
	defaultMTU            = 23
	maxBLEMTUSize         = 512 + 3
	maxNotificationLength = 1024

	rxTimeout = time.Second // Timeout interval between receiving chunks of a notification

	pairingRequestSize = 88 // base64 of an uncompressed P-256 public key
)

// MinPairingMTU is the smallest ATT MTU that fits a pairing request.
const MinPairingMTU = pairingRequestSize + 3

var connectRetryStrategy retry.Strategy = retry.Exponential{
	Initial:  100 * time.Millisecond,
	Factor:   2,
	MaxDelay: 2 * time.Second,
}

const (
	ServiceUUID = "19b10000-e8f2-537e-4f6c-d104768a1214"
	DataUUID    = "6856e119-2c7b-455a-bf42-cf7ddd2c5907"
	PairingUUID = "19b10002-e8f2-537e-4f6c-d104768a1214"
	NotifyUUID  = "19b10003-e8f2-537e-4f6c-d104768a1214"
)

// DefaultLocalName is advertised by receivers that are not given a name.
const DefaultLocalName = "Toothpaste"

// Connection is a transmitter's link to a receiver. It implements connector.Connector.
type Connection struct {
	inbox   chan []byte
	device  Device
	data    Writer
	pairing Writer

	blockLength int
	inputBuffer []byte
	lastRx      time.Time
	rxLock      sync.Mutex

	lock   sync.Mutex
	closed bool
}

// MatchTarget returns a predicate selecting the receiver identified by target, which may be a
// Bluetooth address, an advertised local name, or empty to accept any receiver advertising the
// toothpaste service.
func MatchTarget(target string) func(*Beacon) bool {
	return func(b *Beacon) bool {
		switch {
		case target == "":
			for _, uuid := range b.Services {
				if matchUUID(uuid, ServiceUUID) {
					return true
				}
			}
			return false
		case strings.Count(target, ":") == 5:
			return strings.EqualFold(b.Address, target)
		default:
			return b.LocalName == target
		}
	}
}

// NewConnection scans for the receiver identified by target (see MatchTarget) and connects to
// it.
func NewConnection(ctx context.Context, target string, adapter Adapter) (*Connection, error) {
	beacon, err := adapter.ScanBeacon(ctx, MatchTarget(target))
	if err != nil {
		return nil, err
	}
	return NewConnectionFromBeacon(ctx, beacon, adapter)
}

// NewConnectionFromBeacon connects to the receiver that sent beacon, retrying until ctx expires.
func NewConnectionFromBeacon(ctx context.Context, beacon *Beacon, adapter Adapter) (*Connection, error) {
	var lastError error

	if !beacon.Connectable {
		return nil, ErrMaxConnectionsExceeded
	}

	for attempt := retry.StartWithCancel(connectRetryStrategy, nil, ctx.Done()); attempt.Next(); {
		conn, err := tryToConnect(ctx, beacon, adapter)
		if err == nil {
			return conn, nil
		}
		log.Warning("BLE connection attempt failed: %+v", err)
		lastError = err
	}
	if lastError != nil {
		return nil, lastError
	}
	return nil, ctx.Err()
}

func tryToConnect(ctx context.Context, beacon *Beacon, adapter Adapter) (*Connection, error) {
	device, err := adapter.Connect(ctx, beacon)
	if err != nil {
		return nil, err
	}
	conn, err := newConnection(ctx, device)
	if err != nil {
		device.Close()
		return nil, err
	}
	return conn, nil
}

func newConnection(ctx context.Context, device Device) (*Connection, error) {
	service, err := device.Service(ctx, ServiceUUID)
	if err != nil {
		return nil, err
	}

	data, err := service.Tx(DataUUID)
	if err != nil {
		return nil, err
	}
	pairing, err := service.Tx(PairingUUID)
	if err != nil {
		return nil, err
	}

	txMtu, err := data.MTU(maxBLEMTUSize)
	if err != nil {
		txMtu = defaultMTU - 3 // Fallback to default MTU size
	} else {
		txMtu = min(txMtu, maxBLEMTUSize) - 3 // 3 bytes for ATT header
	}
	if txMtu < pairingRequestSize {
		log.Warning("BLE link MTU is %d; pairing requires at least %d", txMtu+3, MinPairingMTU)
	}

	conn := &Connection{
		inbox:   make(chan []byte, connector.BufferSize),
		device:  device,
		data:    data,
		pairing: pairing,

		blockLength: txMtu,
	}

	if err = service.Rx(NotifyUUID, conn.rx); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Connection) Receive() <-chan []byte {
	return c.inbox
}

func (c *Connection) MaxWriteSize() int {
	return c.blockLength
}

func (c *Connection) Send(ctx context.Context, channel connector.Channel, buffer []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return protocol.ErrNotConnected
	}
	if len(buffer) > c.blockLength {
		if channel == connector.ChannelPairing {
			return fmt.Errorf("%w: %d byte write, MTU allows %d", ErrMTUTooSmall, len(buffer), c.blockLength)
		}
		return fmt.Errorf("ble: %d byte write exceeds MTU of %d", len(buffer), c.blockLength)
	}

	var w Writer
	switch channel {
	case connector.ChannelData:
		w = c.data
	case connector.ChannelPairing:
		w = c.pairing
	default:
		return fmt.Errorf("ble: no characteristic for %s", channel)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	log.Debug("TX %s: %02x", channel, buffer)
	n, err := w.Write(buffer)
	if err != nil {
		return &protocol.TransportError{Err: err}
	} else if n != len(buffer) {
		return &protocol.TransportError{Err: fmt.Errorf("ble: failed to write %d bytes", len(buffer))}
	}
	return nil
}

func (c *Connection) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if err := c.device.Close(); err != nil {
		log.Warning("ble: failed to close device: %s", err)
	}
}

func (c *Connection) rx(p []byte) {
	c.rxLock.Lock()
	defer c.rxLock.Unlock()
	if time.Since(c.lastRx) > rxTimeout {
		c.inputBuffer = []byte{}
	}
	c.lastRx = time.Now()
	c.inputBuffer = append(c.inputBuffer, p...)
	for c.flush() {
	}
}

func (c *Connection) flush() bool {
	if len(c.inputBuffer) >= 2 {
		msgLength := 256*int(c.inputBuffer[0]) + int(c.inputBuffer[1])
		if msgLength > maxNotificationLength {
			c.inputBuffer = []byte{}
			return false
		}
		if len(c.inputBuffer) >= 2+msgLength {
			buffer := c.inputBuffer[2 : 2+msgLength]
			log.Debug("RX: %02x", buffer)
			c.inputBuffer = c.inputBuffer[2+msgLength:]
			select {
			case c.inbox <- buffer:
			default:
				return false
			}
			return true
		}
	}
	return false
}

// splitNotification prefixes data with its length and splits the result into chunks of at most
// capacity bytes.
func splitNotification(data []byte, capacity int) ([][]byte, error) {
	if len(data) > maxNotificationLength {
		return nil, fmt.Errorf("ble: %d byte notification exceeds maximum of %d", len(data), maxNotificationLength)
	}
	if capacity <= 0 {
		capacity = defaultMTU - 3
	}
	out := make([]byte, 0, 2+len(data))
	out = append(out, uint8(len(data)>>8), uint8(len(data)))
	out = append(out, data...)

	var chunks [][]byte
	for len(out) > 0 {
		n := min(capacity, len(out))
		chunks = append(chunks, out[:n])
		out = out[n:]
	}
	return chunks, nil
}
