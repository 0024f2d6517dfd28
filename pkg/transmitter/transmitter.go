// Package transmitter implements the sending side of a toothpaste link: pairing with a receiver
// and sending encrypted, framed payloads.
package transmitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/toothpaste/toothpaste/internal/authentication"
	"github.com/toothpaste/toothpaste/internal/framing"
	"github.com/toothpaste/toothpaste/internal/log"
	"github.com/toothpaste/toothpaste/pkg/connector"
	"github.com/toothpaste/toothpaste/pkg/protocol"
)

const (
	// MaxTextChunk is the largest number of bytes of text sent in one message. Longer strings are
	// split at character boundaries.
	MaxTextChunk = 1024

	defaultRetryInterval = 250 * time.Millisecond
)

// Transmitter sends payloads to one receiver over a connector.Connector.
type Transmitter struct {
	conn   connector.Connector
	framer *framing.Framer

	// RetryInterval is the delay before resending a write that failed with a temporary error,
	// or a pairing request the receiver was too busy to handle.
	RetryInterval time.Duration

	lock    sync.Mutex
	creds   *Credentials
	session *authentication.Session
	slow    bool

	authStatus chan *protocol.Notification
	done       chan struct{}
	closeOnce  sync.Once
}

// New creates a Transmitter that authenticates with creds. Call Pair before sending.
func New(conn connector.Connector, creds *Credentials) *Transmitter {
	t := &Transmitter{
		conn:          conn,
		framer:        framing.NewFramer(nil),
		RetryInterval: defaultRetryInterval,
		creds:         creds,
		authStatus:    make(chan *protocol.Notification, 1),
		done:          make(chan struct{}),
	}
	go t.listen()
	return t
}

func (t *Transmitter) listen() {
	inbox := t.conn.Receive()
	for {
		select {
		case buffer, ok := <-inbox:
			if !ok {
				return
			}
			n, err := protocol.DecodeNotification(buffer)
			if err != nil {
				log.Warning("Dropping unparseable notification: %s", err)
				continue
			}
			if n.Type != protocol.NotificationAuthStatus {
				log.Debug("Receiver sent %s", n.Type)
				continue
			}
			select {
			case t.authStatus <- n:
			default:
				log.Warning("Dropping unsolicited pairing response")
			}
		case <-t.done:
			return
		}
	}
}

// Credentials returns the transmitter's credentials, including any secret established by Pair.
func (t *Transmitter) Credentials() *Credentials {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.creds
}

// SetSlowMode asks the receiver to pace typing of subsequent messages.
func (t *Transmitter) SetSlowMode(slow bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.slow = slow
}

// Pair authenticates with the receiver. A receiver that already knows the transmitter resumes
// the stored session; otherwise the receiver must be in pairing mode, and a new shared secret
// is established and stored in the transmitter's Credentials.
func (t *Transmitter) Pair(ctx context.Context) error {
	t.lock.Lock()
	request := authentication.EncodePublicKey(t.creds.Identity())
	t.lock.Unlock()

	for {
		// Discard replies to earlier attempts.
		select {
		case <-t.authStatus:
		default:
		}
		if err := t.send(ctx, connector.ChannelPairing, []byte(request)); err != nil {
			return err
		}

		var reply *protocol.Notification
		select {
		case reply = <-t.authStatus:
		case <-ctx.Done():
			return &protocol.CommandError{Err: fmt.Errorf("%w: %s", protocol.ErrTimeout, ctx.Err()), PossibleSuccess: false, PossibleTemporary: true}
		}

		err := protocol.GetError(reply)
		if err == nil {
			return t.establish(reply)
		}
		if !protocol.Temporary(err) {
			return err
		}
		log.Debug("Retrying pairing after error: %s", err)
		select {
		case <-ctx.Done():
			return &protocol.CommandError{Err: ctx.Err(), PossibleSuccess: false, PossibleTemporary: true}
		case <-time.After(t.RetryInterval):
		}
	}
}

func (t *Transmitter) establish(reply *protocol.Notification) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	var receiverKey []byte
	secret := t.creds.Secret
	if reply.PublicKey != "" {
		var err error
		if receiverKey, err = authentication.DecodePublicKey(reply.PublicKey); err != nil {
			return fmt.Errorf("%w: %s", protocol.ErrInvalidPublicKey, err)
		}
		if secret, err = t.creds.Key.ComputeSharedSecret(receiverKey); err != nil {
			return err
		}
		log.Info("Paired with receiver")
	} else {
		if len(secret) == 0 {
			return protocol.ErrUnknownSecret
		}
		log.Info("Resumed session with receiver")
	}

	session, err := authentication.NewSession(receiverKey, secret)
	if err != nil {
		return err
	}
	t.creds.Secret = secret
	t.session = session
	return nil
}

// Send encrypts p as a single message and writes it to the receiver.
func (t *Transmitter) Send(ctx context.Context, p *protocol.Payload) error {
	t.lock.Lock()
	session := t.session
	slow := t.slow
	t.lock.Unlock()
	if session == nil {
		return protocol.ErrNoSession
	}

	plaintext, err := p.Marshal()
	if err != nil {
		return err
	}
	iv, ciphertext, tag, err := session.Encrypt(plaintext)
	if err != nil {
		return err
	}
	fragmentSize := t.conn.MaxWriteSize() - framing.HeaderSize
	if fragmentSize <= 0 {
		return fmt.Errorf("transport MTU of %d bytes cannot carry a packet header", t.conn.MaxWriteSize())
	}
	packets, err := t.framer.Frame(iv, tag, ciphertext, fragmentSize, slow)
	if err != nil {
		return err
	}

	for i := range packets {
		buffer, err := packets[i].MarshalBinary()
		if err != nil {
			return err
		}
		if err := t.send(ctx, connector.ChannelData, buffer); err != nil {
			if i > 0 {
				return &protocol.TransportError{Err: err, Partial: true}
			}
			return err
		}
	}
	log.Debug("Sent %s message %d in %d packets", p.Type, packets[0].ID, len(packets))
	return nil
}

// send writes buffer, retrying temporary failures until ctx expires.
func (t *Transmitter) send(ctx context.Context, channel connector.Channel, buffer []byte) error {
	for {
		err := t.conn.Send(ctx, channel, buffer)
		if err == nil {
			return nil
		}
		if !protocol.ShouldRetry(err) {
			log.Warning("Terminal transmission error: %s", err)
			return err
		}
		log.Debug("Retrying transmission after error: %s", err)
		select {
		case <-ctx.Done():
			return &protocol.CommandError{Err: ctx.Err(), PossibleSuccess: false, PossibleTemporary: true}
		case <-time.After(t.RetryInterval):
		}
	}
}

// TypeString sends text to be typed, split into as many messages as needed.
func (t *Transmitter) TypeString(ctx context.Context, text string) error {
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: text is not valid UTF-8", protocol.ErrBadPayload)
	}
	for _, chunk := range splitText(text, MaxTextChunk) {
		if err := t.Send(ctx, protocol.KeyboardPayload(chunk)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transmitter) PressKeys(ctx context.Context, codes ...byte) error {
	if len(codes) > protocol.MaxKeycodes {
		return fmt.Errorf("%w: at most %d keys may be pressed at once", protocol.ErrBadPayload, protocol.MaxKeycodes)
	}
	return t.Send(ctx, protocol.KeycodePayload(codes...))
}

func (t *Transmitter) Mouse(ctx context.Context, report protocol.MouseReport) error {
	return t.Send(ctx, protocol.MousePayload(report))
}

// Rename sets the name the receiver shows for this transmitter.
func (t *Transmitter) Rename(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("name must not be empty")
	}
	return t.Send(ctx, protocol.RenamePayload(name))
}

// Close stops listening for notifications and closes the underlying connection.
func (t *Transmitter) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close()
	})
}

// splitText cuts s into pieces of at most n bytes without splitting a UTF-8 sequence.
func splitText(s string, n int) []string {
	if s == "" {
		return []string{""}
	}
	var chunks []string
	for len(s) > n {
		cut := n
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = n
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	return append(chunks, s)
}
