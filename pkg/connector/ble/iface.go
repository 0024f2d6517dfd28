package ble

import (
	"context"
	"io"
)

// Beacon is an advertisement seen while scanning for a receiver.
type Beacon struct {
	Address     string
	LocalName   string
	RSSI        int16
	Connectable bool
	Services    []string
}

// Adapter is the central role of a Bluetooth controller.
type Adapter interface {
	ScanBeacon(ctx context.Context, match func(*Beacon) bool) (*Beacon, error)
	Connect(ctx context.Context, beacon *Beacon) (Device, error)
	Close() error
}

// Device is a connected receiver.
type Device interface {
	Service(ctx context.Context, uuid string) (Service, error)
	Close() error
}

type Service interface {
	// Rx subscribes to notifications on the characteristic with the given uuid.
	Rx(uuid string, callback func(buf []byte)) error
	Tx(uuid string) (Writer, error)
}

type Writer interface {
	io.Writer
	MTU(rxMTU int) (txMTU int, err error)
}
