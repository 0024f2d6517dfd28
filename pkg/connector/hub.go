package connector

import (
	"bytes"
	"context"
	"errors"
	"sync"
)

var (
	ErrUnknownLink = errors.New("link not connected")
	ErrNoNotifier  = errors.New("link has not subscribed to notifications")
	ErrClosed      = errors.New("transport closed")
)

// NotifyFunc sends a notification over one link.
type NotifyFunc func(ctx context.Context, data []byte) error

// Hub does the bookkeeping shared by Peripheral implementations: it tracks connected links and
// their notifiers, and queues Events for a single consumer.
//
// Transport callbacks call Connect, Write, and Disconnect; the consumer reads Events. Once Close
// is called, further callbacks are dropped and the Events channel is closed.
type Hub struct {
	events chan Event
	done   chan struct{}
	once   sync.Once

	// sendLock is held for reading while an Event is being queued, so that Close can wait for
	// in-flight sends before closing the channel.
	sendLock sync.RWMutex
	closed   bool

	lock  sync.Mutex
	links map[Link]NotifyFunc
}

func NewHub() *Hub {
	return &Hub{
		events: make(chan Event, BufferSize),
		done:   make(chan struct{}),
		links:  make(map[Link]NotifyFunc),
	}
}

func (h *Hub) Events() <-chan Event {
	return h.events
}

// Done is closed when the Hub is closed.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) send(ev Event) bool {
	h.sendLock.RLock()
	defer h.sendLock.RUnlock()
	if h.closed {
		return false
	}
	select {
	case h.events <- ev:
		return true
	case <-h.done:
		return false
	}
}

// Connect registers link, emitting EventConnected the first time it is seen. A non-nil notify
// replaces the link's notifier.
func (h *Hub) Connect(link Link, notify NotifyFunc) {
	h.lock.Lock()
	existing, known := h.links[link]
	if notify == nil {
		notify = existing
	}
	h.links[link] = notify
	h.lock.Unlock()
	if !known {
		h.send(Event{Type: EventConnected, Link: link})
	}
}

// Write queues data received from link on channel. Unknown links are connected first.
func (h *Hub) Write(link Link, channel Channel, data []byte) {
	h.Connect(link, nil)
	h.send(Event{Type: EventWrite, Link: link, Channel: channel, Data: bytes.Clone(data)})
}

// Unsubscribe drops the link's notifier but keeps the link connected.
func (h *Hub) Unsubscribe(link Link) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if _, ok := h.links[link]; ok {
		h.links[link] = nil
	}
}

// Disconnect forgets link, emitting EventDisconnected if it was connected.
func (h *Hub) Disconnect(link Link) {
	h.lock.Lock()
	_, known := h.links[link]
	delete(h.links, link)
	h.lock.Unlock()
	if known {
		h.send(Event{Type: EventDisconnected, Link: link})
	}
}

// Links returns the currently connected links.
func (h *Hub) Links() []Link {
	h.lock.Lock()
	defer h.lock.Unlock()
	links := make([]Link, 0, len(h.links))
	for link := range h.links {
		links = append(links, link)
	}
	return links
}

// Notify sends data to link through its registered notifier.
func (h *Hub) Notify(ctx context.Context, link Link, data []byte) error {
	select {
	case <-h.done:
		return ErrClosed
	default:
	}
	h.lock.Lock()
	notify, known := h.links[link]
	h.lock.Unlock()
	if !known {
		return ErrUnknownLink
	}
	if notify == nil {
		return ErrNoNotifier
	}
	return notify(ctx, data)
}

// Close drops all links and closes the Events channel. It is idempotent.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.done)
		h.sendLock.Lock()
		h.closed = true
		close(h.events)
		h.sendLock.Unlock()

		h.lock.Lock()
		h.links = make(map[Link]NotifyFunc)
		h.lock.Unlock()
	})
}
