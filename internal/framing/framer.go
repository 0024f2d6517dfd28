package framing

import (
	"crypto/rand"
	"io"
	"sync"

	"github.com/toothpaste/toothpaste/internal/authentication"
)

// A Framer assigns packet IDs and splits ciphertexts into Packets. It is safe for concurrent use.
type Framer struct {
	lock   sync.Mutex
	nextID uint8
}

// NewFramer returns a Framer whose first packet ID is drawn from rng (crypto/rand if nil), so
// that a restarted transmitter is unlikely to collide with a buffer still open on the receiver.
func NewFramer(rng io.Reader) *Framer {
	if rng == nil {
		rng = rand.Reader
	}
	var seed [1]byte
	f := &Framer{}
	if _, err := io.ReadFull(rng, seed[:]); err == nil {
		f.nextID = seed[0]
	}
	return f
}

func (f *Framer) allocateID() uint8 {
	f.lock.Lock()
	defer f.lock.Unlock()
	id := f.nextID
	f.nextID++
	return id
}

// Frame splits ciphertext into fragments holding at most maxFragmentSize ciphertext bytes each.
// Each call uses a new packet ID. An empty ciphertext still produces a single packet.
//
// The result may be sent in any order, and any element may be resent without side effects.
func (f *Framer) Frame(iv, tag, ciphertext []byte, maxFragmentSize int, slow bool) ([]Packet, error) {
	if len(iv) != authentication.IVSize || len(tag) != authentication.TagSize {
		return nil, authentication.NewError(authentication.CodeMalformedPacket, "invalid IV or tag length")
	}
	if maxFragmentSize <= 0 {
		return nil, authentication.NewError(authentication.CodeMalformedPacket, "fragment size must be positive")
	}
	total := (len(ciphertext) + maxFragmentSize - 1) / maxFragmentSize
	if total == 0 {
		total = 1
	}
	if total > MaxFragments {
		return nil, authentication.NewError(authentication.CodeMessageTooLarge, "")
	}

	id := f.allocateID()
	packets := make([]Packet, total)
	for i := range packets {
		start := i * maxFragmentSize
		end := min(start+maxFragmentSize, len(ciphertext))
		p := &packets[i]
		p.ID = id
		p.SlowMode = slow
		p.Index = uint8(i)
		p.Total = uint8(total)
		copy(p.IV[:], iv)
		copy(p.Tag[:], tag)
		p.Ciphertext = append([]byte{}, ciphertext[start:end]...)
	}
	return packets, nil
}
