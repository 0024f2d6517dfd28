package connector

import (
	"context"
	"fmt"
)

// BufferSize is the number of inbound events or messages that can be queued.
const BufferSize = 16

// Link identifies one transport connection, such as a BLE central's address.
type Link string

// Channel identifies the characteristic a write arrived on or is destined for.
type Channel int

const (
	// ChannelData carries encrypted packets.
	ChannelData Channel = iota
	// ChannelPairing carries base64 public keys from transmitters.
	ChannelPairing
)

func (c Channel) String() string {
	switch c {
	case ChannelData:
		return "data"
	case ChannelPairing:
		return "pairing"
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

// EventType distinguishes transport events.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventWrite
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventWrite:
		return "write"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is a transport callback delivered as a message. Channel and Data are only set for
// EventWrite.
type Event struct {
	Type    EventType
	Link    Link
	Channel Channel
	Data    []byte
}

//go:generate mockgen -destination=../../mocks/connector.go -package=mocks -mock_names=Peripheral=Peripheral,Connector=Connector . Peripheral,Connector

// Peripheral is the receiver's side of the transport. It accepts connections from transmitters
// and turns their writes into Events.
type Peripheral interface {
	// Events returns the channel on which transport events are delivered. The channel is closed
	// after Close.
	//
	// Implementations must deliver the Events of a single Link in order.
	Events() <-chan Event

	// Notify sends data to link on the notify characteristic. It fails if link has not
	// subscribed.
	//
	// Implementations must be thread safe.
	Notify(ctx context.Context, link Link, data []byte) error

	// Close stops accepting connections and disconnects all links.
	//
	// Repeated calls to Close() must be idempotent.
	Close()
}

// Connector is the transmitter's side of the transport: a single connection to a receiver.
type Connector interface {
	// Receive returns a read-only channel used to receive notifications sent by the receiver.
	//
	// Implementations must be thread safe.
	Receive() <-chan []byte

	// Send writes a buffer to one of the receiver's channels. The buffer must not exceed
	// MaxWriteSize.
	//
	// Implementations must be thread safe.
	Send(ctx context.Context, channel Channel, buffer []byte) error

	// MaxWriteSize returns the largest buffer Send accepts.
	MaxWriteSize() int

	// Close terminates the connection to the receiver.
	//
	// Repeated calls to Close() must be idempotent, but the behavior of the interface is otherwise
	// undefined after calling this method.
	Close()
}
