package framing

import (
	"bytes"
	"sync"
	"time"

	"github.com/toothpaste/toothpaste/internal/authentication"
	"github.com/toothpaste/toothpaste/internal/log"
)

// DefaultTimeout is how long a partially received message is kept after its most recent
// fragment.
const DefaultTimeout = 2 * time.Second

// Message is a fully reassembled ciphertext, ready for decryption.
type Message struct {
	ID         uint8
	SlowMode   bool
	IV         []byte
	Tag        []byte
	Ciphertext []byte
}

type assemblyBuffer struct {
	first     *Packet
	fragments [][]byte
	received  int
	lastRx    time.Time
}

// completedMessage remembers a delivered packet ID so that resent fragments are not delivered
// again.
type completedMessage struct {
	envelope *Packet
	lastRx   time.Time
}

// A Reassembler collects Packets into Messages, keyed by packet ID. The zero value is ready to
// use.
//
// Fragments may arrive in any order. A repeated fragment with identical contents is ignored,
// including after its message was returned, until Timeout passes without that packet ID being
// seen or a fragment with the same ID arrives with a different IV or tag.
type Reassembler struct {
	// Timeout is the maximum idle time of a partially received message. Zero means
	// DefaultTimeout.
	Timeout time.Duration

	now       func() time.Time
	buffers   map[uint8]*assemblyBuffer
	completed map[uint8]*completedMessage
	lock      sync.Mutex
}

func NewReassembler(timeout time.Duration) *Reassembler {
	r := &Reassembler{Timeout: timeout}
	r.init()
	return r
}

func (r *Reassembler) init() {
	if r.now == nil {
		r.now = time.Now
	}
	if r.buffers == nil {
		r.buffers = make(map[uint8]*assemblyBuffer)
	}
	if r.completed == nil {
		r.completed = make(map[uint8]*completedMessage)
	}
}

func (r *Reassembler) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

// Reassemble adds p to its buffer. It returns a Message once every fragment for p.ID has
// arrived, and nil otherwise.
//
// If p disagrees with earlier fragments of the same message (a different total count, or a
// different payload for the same sequence index) the buffer is discarded and an error returned.
// Buffers for other packet IDs are unaffected.
func (r *Reassembler) Reassemble(p *Packet) (*Message, error) {
	if p.Total == 0 || p.Index >= p.Total {
		return nil, authentication.NewError(authentication.CodeMalformedPacket, "sequence index out of range")
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	r.init()

	now := r.now()
	r.expire(now)

	if done, ok := r.completed[p.ID]; ok {
		if done.envelope.sameEnvelope(p) && done.envelope.Total == p.Total {
			done.lastRx = now
			log.Debug("[%02x] ignoring fragment %d of delivered message", p.ID, p.Index)
			return nil, nil
		}
		delete(r.completed, p.ID)
	}

	buf, ok := r.buffers[p.ID]
	if !ok {
		buf = &assemblyBuffer{
			first:     p,
			fragments: make([][]byte, p.Total),
		}
		r.buffers[p.ID] = buf
	} else {
		if buf.first.Total != p.Total {
			delete(r.buffers, p.ID)
			log.Debug("[%02x] total count changed from %d to %d", p.ID, buf.first.Total, p.Total)
			return nil, authentication.NewError(authentication.CodeInconsistentTotalCount, "")
		}
		if !buf.first.sameEnvelope(p) {
			delete(r.buffers, p.ID)
			return nil, authentication.NewError(authentication.CodeDuplicateSequenceIndex, "IV or tag changed")
		}
	}
	buf.lastRx = now

	if existing := buf.fragments[p.Index]; existing != nil {
		if bytes.Equal(existing, p.Ciphertext) {
			return nil, nil
		}
		delete(r.buffers, p.ID)
		return nil, authentication.NewError(authentication.CodeDuplicateSequenceIndex, "")
	}
	fragment := p.Ciphertext
	if fragment == nil {
		fragment = []byte{}
	}
	buf.fragments[p.Index] = fragment
	buf.received++

	if buf.received < len(buf.fragments) {
		return nil, nil
	}

	delete(r.buffers, p.ID)
	r.completed[p.ID] = &completedMessage{envelope: buf.first, lastRx: now}
	msg := &Message{
		ID:       p.ID,
		SlowMode: buf.first.SlowMode,
		IV:       bytes.Clone(buf.first.IV[:]),
		Tag:      bytes.Clone(buf.first.Tag[:]),
	}
	msg.Ciphertext = bytes.Join(buf.fragments, nil)
	return msg, nil
}

// Expire discards buffers that have not received a fragment within the timeout. It returns the
// number of buffers discarded.
func (r *Reassembler) Expire(now time.Time) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.init()
	return r.expire(now)
}

func (r *Reassembler) expire(now time.Time) int {
	discarded := 0
	for id, buf := range r.buffers {
		if now.Sub(buf.lastRx) > r.timeout() {
			log.Debug("[%02x] discarding incomplete message (%d/%d fragments)", id, buf.received, len(buf.fragments))
			delete(r.buffers, id)
			discarded++
		}
	}
	for id, done := range r.completed {
		if now.Sub(done.lastRx) > r.timeout() {
			delete(r.completed, id)
		}
	}
	return discarded
}

// Pending returns the number of partially received messages.
func (r *Reassembler) Pending() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.buffers)
}
