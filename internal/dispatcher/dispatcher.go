// Package dispatcher implements the receiver's session state machine.
//
// A Dispatcher consumes connector.Events from a single goroutine. Pairing-channel writes start a
// handshake worker so that ECDH never blocks the event loop; data-channel writes are parsed,
// reassembled per link, decrypted with the session of the transmitter the link authenticated
// as, and handed to an output.Output.
package dispatcher

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/toothpaste/toothpaste/internal/authentication"
	"github.com/toothpaste/toothpaste/internal/framing"
	"github.com/toothpaste/toothpaste/internal/log"
	"github.com/toothpaste/toothpaste/internal/metrics"
	"github.com/toothpaste/toothpaste/pkg/connector"
	"github.com/toothpaste/toothpaste/pkg/enrollment"
	"github.com/toothpaste/toothpaste/pkg/output"
	"github.com/toothpaste/toothpaste/pkg/protocol"
)

const (
	// DefaultSweepInterval is how often idle reassembly buffers are expired and LastSeen times
	// are flushed to the store.
	DefaultSweepInterval = time.Second

	// DefaultPairingRate and DefaultPairingBurst limit how often one link may write to the
	// pairing channel. Each request costs an ECDH operation and possibly a keyring write.
	DefaultPairingRate  = 0.5
	DefaultPairingBurst = 5

	notifyTimeout = 2 * time.Second
)

// Config holds a Dispatcher's collaborators. Store and Output are required.
type Config struct {
	Store   *enrollment.Store
	Output  output.Output
	Metrics *metrics.Metrics

	// ReassemblyTimeout bounds the idle time of a partially received message. Zero means
	// framing.DefaultTimeout.
	ReassemblyTimeout time.Duration
	SweepInterval     time.Duration

	// PairingMode accepts handshakes from unknown transmitters. Known transmitters may always
	// resume.
	PairingMode bool

	// PairingRate is the sustained number of pairing requests per second a link may make, up to
	// PairingBurst at once. Zero means DefaultPairingRate and DefaultPairingBurst.
	PairingRate  float64
	PairingBurst int64

	// Rand is the source of ephemeral keys (crypto/rand if nil).
	Rand io.Reader
}

type handshakeResult struct {
	link    connector.Link
	session *session
	reply   protocol.Notification
	err     error
	evicted []byte
}

// Dispatcher routes transport events to sessions.
type Dispatcher struct {
	periph  connector.Peripheral
	store   *enrollment.Store
	out     output.Output
	metrics *metrics.Metrics
	rng     io.Reader

	timeout      time.Duration
	sweep        time.Duration
	pairingRate  float64
	pairingBurst int64

	pairingLock  sync.Mutex
	pairingMode  bool
	pairingUntil time.Time

	sessionLock sync.Mutex
	sessions    map[string]*session

	links   map[connector.Link]*link
	results chan handshakeResult
	done    chan struct{}
	workers sync.WaitGroup

	runLock sync.Mutex
	running bool
}

// New creates a Dispatcher that serves periph.
func New(periph connector.Peripheral, config Config) (*Dispatcher, error) {
	if config.Store == nil || config.Output == nil {
		return nil, errors.New("dispatcher: store and output are required")
	}
	rng := config.Rand
	if rng == nil {
		rng = rand.Reader
	}
	sweep := config.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	rate, burst := config.PairingRate, config.PairingBurst
	if rate <= 0 {
		rate = DefaultPairingRate
	}
	if burst <= 0 {
		burst = DefaultPairingBurst
	}
	return &Dispatcher{
		periph:       periph,
		pairingRate:  rate,
		pairingBurst: burst,
		store:        config.Store,
		out:          config.Output,
		metrics:      config.Metrics,
		rng:          rng,
		timeout:      config.ReassemblyTimeout,
		sweep:        sweep,
		pairingMode:  config.PairingMode,
		sessions:     make(map[string]*session),
		links:        make(map[connector.Link]*link),
		results:      make(chan handshakeResult, connector.BufferSize),
	}, nil
}

// SetPairingMode turns pairing mode on or off indefinitely, cancelling any pairing window.
func (d *Dispatcher) SetPairingMode(enabled bool) {
	d.pairingLock.Lock()
	defer d.pairingLock.Unlock()
	d.pairingMode = enabled
	d.pairingUntil = time.Time{}
	log.Info("Pairing mode %s", onOff(enabled))
}

// OpenPairingWindow accepts new transmitters for the next duration.
func (d *Dispatcher) OpenPairingWindow(duration time.Duration) {
	d.pairingLock.Lock()
	defer d.pairingLock.Unlock()
	d.pairingUntil = time.Now().Add(duration)
	log.Info("Pairing mode on for %s", duration)
}

// PairingMode reports whether unknown transmitters may pair.
func (d *Dispatcher) PairingMode() bool {
	d.pairingLock.Lock()
	defer d.pairingLock.Unlock()
	return d.pairingMode || time.Now().Before(d.pairingUntil)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// Run processes events until ctx is cancelled or the Peripheral closes its Events channel.
// Handshakes in progress run to completion before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.runLock.Lock()
	if d.running {
		d.runLock.Unlock()
		return errors.New("dispatcher: already running")
	}
	d.running = true
	d.done = make(chan struct{})
	d.runLock.Unlock()

	log.Info("Starting dispatcher service...")
	d.metrics.SetEnrolled(d.store.Len())
	ticker := time.NewTicker(d.sweep)
	defer func() {
		ticker.Stop()
		close(d.done)
		d.workers.Wait()
		d.flush()
		d.runLock.Lock()
		d.running = false
		d.runLock.Unlock()
	}()

	events := d.periph.Events()
	for {
		select {
		case ev, open := <-events:
			if !open {
				return nil
			}
			d.handleEvent(ctx, ev)
		case result := <-d.results:
			d.completeHandshake(ctx, result)
		case now := <-ticker.C:
			d.expire(now)
			d.flush()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, ev connector.Event) {
	switch ev.Type {
	case connector.EventConnected:
		d.connect(ev.Link)
	case connector.EventDisconnected:
		if l, ok := d.links[ev.Link]; ok {
			log.Info("%s Disconnected", l)
			delete(d.links, ev.Link)
			d.metrics.LinkDown()
			if l.session != nil {
				d.release(l.session)
			}
		}
	case connector.EventWrite:
		l := d.connect(ev.Link)
		switch ev.Channel {
		case connector.ChannelPairing:
			d.startHandshake(l, ev.Data)
		case connector.ChannelData:
			d.receive(ctx, l, ev.Data)
		default:
			log.Warning("%s Dropping write on unknown %s", l, ev.Channel)
		}
	}
}

func (d *Dispatcher) connect(id connector.Link) *link {
	l, ok := d.links[id]
	if !ok {
		l = newLink(id, d.timeout, d.pairingRate, d.pairingBurst)
		d.links[id] = l
		d.metrics.LinkUp()
		log.Info("%s Connected", l)
	}
	return l
}

func (d *Dispatcher) sessionFor(identity []byte) *session {
	d.sessionLock.Lock()
	defer d.sessionLock.Unlock()
	s, ok := d.sessions[string(identity)]
	if !ok {
		s = newSession(identity)
		d.sessions[string(identity)] = s
	}
	return s
}

// startHandshake validates a public key written to the pairing channel and hands it to a
// worker.
func (d *Dispatcher) startHandshake(l *link, data []byte) {
	if l.pairingBucket.TakeAvailable(1) == 0 {
		log.Warning("%s Throttling pairing requests", l)
		d.metrics.Handshake("throttled", 0)
		d.notifyAsync(l.id, &protocol.Notification{Type: protocol.NotificationAuthStatus, Status: protocol.AuthBusy})
		return
	}
	identity, err := authentication.DecodePublicKey(string(data))
	if err != nil {
		log.Warning("%s Rejecting pairing request: %s", l, err)
		d.metrics.Handshake("invalid_key", 0)
		d.notifyAsync(l.id, &protocol.Notification{Type: protocol.NotificationAuthStatus, Status: protocol.AuthFailed})
		return
	}

	s := d.sessionFor(identity)
	if err := s.begin(); err != nil {
		log.Warning("%s Rejecting pairing request: %s", l, err)
		d.metrics.Handshake("busy", 0)
		d.notifyAsync(l.id, &protocol.Notification{Type: protocol.NotificationAuthStatus, Status: protocol.AuthBusy})
		return
	}

	pairing := d.PairingMode()
	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		result := d.handshake(l.id, s, pairing)
		select {
		case d.results <- result:
		case <-d.done:
			log.Warning("[%s] Dispatcher stopped before handshake completed", l.id)
		}
	}()
}

// handshake runs on a worker goroutine. It resumes the stored session for a known identity, or
// runs ECDH and enrolls the identity when pairing is allowed.
func (d *Dispatcher) handshake(id connector.Link, s *session, pairing bool) (result handshakeResult) {
	start := time.Now()
	result = handshakeResult{
		link:    id,
		session: s,
		reply:   protocol.Notification{Type: protocol.NotificationAuthStatus, Status: protocol.AuthFailed},
	}
	var ctx *authentication.Session
	defer func() {
		s.finish(ctx)
		outcome := "failed"
		if result.err == nil {
			result.reply.Status = protocol.AuthSuccess
			outcome = "paired"
			if result.reply.PublicKey == "" {
				outcome = "resumed"
			}
		} else if errors.Is(result.err, protocol.ErrPairingRefused) || errors.Is(result.err, authentication.ErrEnrollmentFull) {
			outcome = "refused"
		}
		d.metrics.Handshake(outcome, time.Since(start).Seconds())
	}()

	if record, ok := d.store.Lookup(s.identity); ok && !pairing {
		if ctx, result.err = authentication.NewSession(s.identity, record.Secret); result.err != nil {
			return
		}
		d.store.Touch(s.identity)
		log.Info("[%s] Resumed session with %q", id, record.Name)
		return
	}

	if !pairing {
		result.err = protocol.ErrPairingRefused
		return
	}

	localPublic, secret, err := authentication.Handshake(d.rng, s.identity)
	if err != nil {
		result.err = err
		return
	}
	established, err := authentication.NewSession(s.identity, secret)
	if err != nil {
		result.err = err
		return
	}
	evicted, err := d.store.Upsert(s.identity, secret, "")
	if err != nil {
		result.err = err
		return
	}
	if evicted != nil {
		d.forget(evicted.Identity)
		result.evicted = evicted.Identity
	}
	ctx = established
	result.reply.PublicKey = authentication.EncodePublicKey(localPublic)
	if record, ok := d.store.Lookup(s.identity); ok {
		log.Info("[%s] Paired with %q", id, record.Name)
	}
	return
}

// forget drops the session of an identity that is no longer enrolled.
func (d *Dispatcher) forget(identity []byte) {
	d.sessionLock.Lock()
	s, ok := d.sessions[string(identity)]
	d.sessionLock.Unlock()
	if ok {
		s.invalidate()
	}
}

// completeHandshake runs on the event loop, so data written after the reply is always decrypted
// with the new session.
func (d *Dispatcher) completeHandshake(ctx context.Context, result handshakeResult) {
	l, connected := d.links[result.link]
	if result.err != nil {
		log.Warning("[%s] Pairing failed: %s", result.link, result.err)
		if authentication.IsFatal(result.err) {
			d.invalidate(result.session)
		} else {
			d.release(result.session)
		}
	} else if connected {
		previous := l.session
		l.session = result.session
		if previous != nil && previous != result.session {
			d.release(previous)
		}
	}
	if result.evicted != nil {
		d.sessionLock.Lock()
		evicted, ok := d.sessions[string(result.evicted)]
		d.sessionLock.Unlock()
		if ok {
			d.release(evicted)
		}
	}
	if !connected {
		log.Debug("[%s] Link closed before handshake completed", result.link)
		return
	}
	d.notifyAsync(result.link, &result.reply)
	d.metrics.SetEnrolled(d.store.Len())
}

// invalidate tears down a session whose key material is unusable and removes its enrollment so
// the transmitter has to pair again.
func (d *Dispatcher) invalidate(s *session) {
	s.invalidate()
	for _, l := range d.links {
		if l.session == s {
			l.session = nil
		}
	}
	if err := d.store.Remove(s.identity); err != nil && !errors.Is(err, enrollment.ErrNotFound) {
		log.Error("Failed to remove enrollment after fatal error: %s", err)
	}
	d.metrics.SetEnrolled(d.store.Len())
	d.release(s)
}

// release drops s from the session table once no link uses it, no handshake is running for it,
// and its identity is not enrolled. Only called from the event loop.
func (d *Dispatcher) release(s *session) {
	for _, l := range d.links {
		if l.session == s {
			return
		}
	}
	if _, enrolled := d.store.Lookup(s.identity); enrolled {
		return
	}
	d.sessionLock.Lock()
	defer d.sessionLock.Unlock()
	if d.sessions[string(s.identity)] == s && !s.busy() {
		delete(d.sessions, string(s.identity))
	}
}

func (d *Dispatcher) notifyAsync(id connector.Link, n *protocol.Notification) {
	buffer := n.Marshal()
	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := d.periph.Notify(ctx, id, buffer); err != nil {
			log.Warning("[%s] Failed to send %s notification: %s", id, n.Type, err)
		}
	}()
}

func (d *Dispatcher) receive(ctx context.Context, l *link, data []byte) {
	packet, err := framing.ParsePacket(data)
	if err != nil {
		log.Warning("%s Dropping packet: %s", l, err)
		d.metrics.Dropped(reason(err))
		return
	}
	message, err := l.reassembler.Reassemble(packet)
	if err != nil {
		log.Warning("%s Discarding message %d: %s", l, packet.ID, err)
		d.metrics.Dropped(reason(err))
		return
	}
	if message == nil {
		return
	}

	if l.session == nil {
		log.Warning("%s Dropping message %d: %s", l, message.ID, authentication.ErrNoSession)
		d.metrics.Dropped(reason(authentication.ErrNoSession))
		return
	}
	plaintext, err := l.session.decrypt(message.IV, message.Ciphertext, message.Tag)
	if err != nil {
		log.Warning("%s Dropping message %d: %s", l, message.ID, err)
		d.metrics.Dropped(reason(err))
		if authentication.IsFatal(err) {
			d.invalidate(l.session)
		}
		return
	}
	d.store.Touch(l.session.identity)

	payload, err := protocol.DecodePayload(plaintext)
	if err != nil {
		log.Warning("%s Dropping message %d: %s", l, message.ID, err)
		d.metrics.Dropped("bad_payload")
		return
	}
	if err := d.deliver(ctx, l, payload, message.SlowMode); err != nil {
		log.Error("%s Failed to deliver %s payload: %s", l, payload.Type, err)
		return
	}
	d.metrics.Message(payload.Type.String())
	d.notifyAsync(l.id, &protocol.Notification{Type: protocol.NotificationRecvReady})
}

func (d *Dispatcher) deliver(ctx context.Context, l *link, p *protocol.Payload, slow bool) error {
	switch p.Type {
	case protocol.PayloadKeyboard:
		log.Debug("%s Typing %d characters", l, len(p.Text))
		return d.out.TypeString(ctx, p.Text, slow)
	case protocol.PayloadKeycode:
		return d.out.PressKeys(ctx, p.Keycodes)
	case protocol.PayloadMouse:
		return d.out.Mouse(ctx, *p.Mouse)
	case protocol.PayloadRename:
		if err := d.store.Rename(l.session.identity, p.Text); err != nil {
			return err
		}
		log.Info("%s Renamed to %q", l, p.Text)
		return nil
	}
	return protocol.ErrBadPayload
}

func (d *Dispatcher) expire(now time.Time) {
	for _, l := range d.links {
		if n := l.reassembler.Expire(now); n > 0 {
			log.Debug("%s Expired %d partial messages", l, n)
			d.metrics.Expired(n)
		}
	}
}

func (d *Dispatcher) flush() {
	if err := d.store.Flush(); err != nil {
		log.Warning("Failed to save last-seen times: %s", err)
	}
}

// reason converts err into a metrics label.
func reason(err error) string {
	switch authentication.ErrorCode(err) {
	case authentication.CodeMalformedPacket:
		return "malformed"
	case authentication.CodeInconsistentTotalCount:
		return "inconsistent_total"
	case authentication.CodeDuplicateSequenceIndex:
		return "duplicate_index"
	case authentication.CodeAuthenticationFailure:
		return "authentication"
	case authentication.CodeNoSession:
		return "no_session"
	case authentication.CodeNone:
		return "other"
	}
	return "crypto"
}

// Sessions returns the identities of the transmitters with a usable session.
func (d *Dispatcher) Sessions() [][]byte {
	d.sessionLock.Lock()
	defer d.sessionLock.Unlock()
	var identities [][]byte
	for _, s := range d.sessions {
		if s.ready() {
			identities = append(identities, bytes.Clone(s.identity))
		}
	}
	return identities
}
