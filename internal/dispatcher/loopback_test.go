package dispatcher_test

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/toothpaste/toothpaste/pkg/connector"
	"github.com/toothpaste/toothpaste/pkg/protocol"
)

const loopbackWriteSize = 100

// loopback connects transmitters to a Hub in memory.
type loopback struct {
	*connector.Hub
}

func newLoopback() *loopback {
	return &loopback{Hub: connector.NewHub()}
}

// dial returns a Connector for a new link.
func (l *loopback) dial(id connector.Link) *loopbackConn {
	c := &loopbackConn{id: id, hub: l.Hub, inbox: make(chan []byte, connector.BufferSize)}
	l.Connect(id, func(_ context.Context, data []byte) error {
		c.lock.Lock()
		defer c.lock.Unlock()
		if c.closed {
			return protocol.ErrNotConnected
		}
		select {
		case c.inbox <- bytes.Clone(data):
			return nil
		default:
			return errors.New("loopback: inbox full")
		}
	})
	return c
}

type loopbackConn struct {
	id     connector.Link
	hub    *connector.Hub
	inbox  chan []byte
	lock   sync.Mutex
	closed bool
	writes [][]byte
}

func (c *loopbackConn) Receive() <-chan []byte {
	return c.inbox
}

func (c *loopbackConn) Send(_ context.Context, channel connector.Channel, buffer []byte) error {
	c.lock.Lock()
	closed := c.closed
	if !closed && channel == connector.ChannelData {
		c.writes = append(c.writes, bytes.Clone(buffer))
	}
	c.lock.Unlock()
	if closed {
		return protocol.ErrNotConnected
	}
	c.hub.Write(c.id, channel, buffer)
	return nil
}

// dataWrites returns every buffer sent on the data channel.
func (c *loopbackConn) dataWrites() [][]byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *loopbackConn) MaxWriteSize() int {
	return loopbackWriteSize
}

func (c *loopbackConn) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.closed {
		c.closed = true
		c.hub.Disconnect(c.id)
	}
}
