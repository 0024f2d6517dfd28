// Package inet carries the receiver's GATT channels over TCP.
//
// It exists for development and testing on machines without a Bluetooth controller. Each write is
// sent as a frame
//
//	[length:2, big-endian][channel:1][data:length]
//
// mirroring the characteristic writes and notifications of the BLE transport, including its
// maximum write size.
package inet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/toothpaste/toothpaste/internal/log"
	"github.com/toothpaste/toothpaste/pkg/connector"
	"github.com/toothpaste/toothpaste/pkg/protocol"
)

const (
	// MaxWriteSize matches the largest ATT write a BLE central can make with a 512-byte MTU.
	MaxWriteSize = 509

	notifyChannel = 0xff
	frameHeader   = 3
)

func writeFrame(ctx context.Context, conn net.Conn, channel byte, data []byte) error {
	if len(data) > MaxWriteSize {
		return fmt.Errorf("inet: %d byte write exceeds maximum of %d", len(data), MaxWriteSize)
	}
	frame := make([]byte, frameHeader, frameHeader+len(data))
	binary.BigEndian.PutUint16(frame, uint16(len(data)))
	frame[2] = channel
	frame = append(frame, data...)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}

func readFrame(r io.Reader) (channel byte, data []byte, err error) {
	var header [frameHeader]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return
	}
	length := binary.BigEndian.Uint16(header[:2])
	if length > MaxWriteSize {
		return 0, nil, fmt.Errorf("inet: frame of %d bytes exceeds maximum of %d", length, MaxWriteSize)
	}
	data = make([]byte, length)
	if _, err = io.ReadFull(r, data); err != nil {
		return
	}
	return header[2], data, nil
}

// Listener implements connector.Peripheral by accepting TCP connections.
type Listener struct {
	*connector.Hub
	listener net.Listener
	wg       sync.WaitGroup

	lock  sync.Mutex
	conns map[connector.Link]net.Conn
}

// Listen starts accepting transmitters on addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewListener(ln), nil
}

// NewListener accepts transmitters on an existing listener, such as one passed in by systemd.
// The Listener takes ownership of ln.
func NewListener(ln net.Listener) *Listener {
	l := &Listener{
		Hub:      connector.NewHub(),
		listener: ln,
		conns:    make(map[connector.Link]net.Conn),
	}
	l.wg.Add(1)
	go l.accept()
	return l
}

// Addr returns the address the Listener is bound to.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *Listener) accept() {
	defer l.wg.Done()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warning("inet: accept failed: %s", err)
			}
			return
		}
		link := connector.Link(conn.RemoteAddr().String())
		l.lock.Lock()
		l.conns[link] = conn
		l.lock.Unlock()

		l.Connect(link, func(ctx context.Context, data []byte) error {
			return writeFrame(ctx, conn, notifyChannel, data)
		})
		l.wg.Add(1)
		go l.serve(link, conn)
	}
}

func (l *Listener) serve(link connector.Link, conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		conn.Close()
		l.lock.Lock()
		delete(l.conns, link)
		l.lock.Unlock()
		l.Disconnect(link)
	}()
	for {
		channel, data, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("[%s] read failed: %s", link, err)
			}
			return
		}
		log.Debug("[%s] RX %s: %02x", link, connector.Channel(channel), data)
		l.Write(link, connector.Channel(channel), data)
	}
}

// Close stops listening, disconnects every transmitter, and closes the Events channel.
func (l *Listener) Close() {
	l.listener.Close()
	l.lock.Lock()
	for _, conn := range l.conns {
		conn.Close()
	}
	l.lock.Unlock()
	l.Hub.Close()
	l.wg.Wait()
}

// Connection implements connector.Connector over a TCP connection to a Listener.
type Connection struct {
	conn  net.Conn
	inbox chan []byte

	lock      sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to a receiver listening on addr.
func Dial(ctx context.Context, addr string) (*Connection, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &protocol.CommandError{Err: err, PossibleSuccess: false, PossibleTemporary: true}
	}
	c := &Connection{
		conn:  conn,
		inbox: make(chan []byte, connector.BufferSize),
		done:  make(chan struct{}),
	}
	go c.rx()
	return c, nil
}

func (c *Connection) rx() {
	defer close(c.inbox)
	for {
		channel, data, err := readFrame(c.conn)
		if err != nil {
			return
		}
		if channel != notifyChannel {
			log.Warning("inet: ignoring frame on channel %d", channel)
			continue
		}
		select {
		case c.inbox <- data:
		case <-c.done:
			return
		}
	}
}

func (c *Connection) Receive() <-chan []byte {
	return c.inbox
}

func (c *Connection) Send(ctx context.Context, channel connector.Channel, buffer []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	select {
	case <-c.done:
		return protocol.ErrNotConnected
	default:
	}
	log.Debug("TX %s: %02x", channel, buffer)
	if err := writeFrame(ctx, c.conn, byte(channel), buffer); err != nil {
		return &protocol.TransportError{Err: err}
	}
	return nil
}

func (c *Connection) MaxWriteSize() int {
	return MaxWriteSize
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
