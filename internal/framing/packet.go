// Package framing splits encrypted messages into transport-sized packets and puts them back
// together.
//
// Every packet carries the header
//
//	[packetId:1][slowMode:1][sequenceIndex:1][totalCount:1][iv:12][tag:16][ciphertext:variable]
//
// All fragments of one message share its packet ID, IV, and tag. Fragments are not
// independently authenticated; the tag only verifies once the full ciphertext is reassembled.
package framing

import (
	"bytes"

	"github.com/toothpaste/toothpaste/internal/authentication"
)

const (
	headerFields = 4
	// HeaderSize is the number of bytes that precede the ciphertext in every packet.
	HeaderSize = headerFields + authentication.IVSize + authentication.TagSize
	// MaxFragments is the largest totalCount the header can express.
	MaxFragments = 255
)

// Packet is one fragment of an encrypted message.
type Packet struct {
	ID         uint8
	SlowMode   bool
	Index      uint8
	Total      uint8
	IV         [authentication.IVSize]byte
	Tag        [authentication.TagSize]byte
	Ciphertext []byte
}

// MarshalBinary encodes p in wire format.
func (p *Packet) MarshalBinary() ([]byte, error) {
	if p.Total == 0 || p.Index >= p.Total {
		return nil, authentication.NewError(authentication.CodeMalformedPacket, "sequence index out of range")
	}
	out := make([]byte, 0, HeaderSize+len(p.Ciphertext))
	var slow byte
	if p.SlowMode {
		slow = 1
	}
	out = append(out, p.ID, slow, p.Index, p.Total)
	out = append(out, p.IV[:]...)
	out = append(out, p.Tag[:]...)
	out = append(out, p.Ciphertext...)
	return out, nil
}

// ParsePacket decodes a packet from b. The returned ciphertext does not alias b.
func ParsePacket(b []byte) (*Packet, error) {
	if len(b) < HeaderSize {
		return nil, authentication.NewError(authentication.CodeMalformedPacket, "packet shorter than header")
	}
	p := &Packet{
		ID:       b[0],
		SlowMode: b[1] != 0,
		Index:    b[2],
		Total:    b[3],
	}
	if p.Total == 0 || p.Index >= p.Total {
		return nil, authentication.NewError(authentication.CodeMalformedPacket, "sequence index out of range")
	}
	copy(p.IV[:], b[headerFields:])
	copy(p.Tag[:], b[headerFields+authentication.IVSize:])
	p.Ciphertext = bytes.Clone(b[HeaderSize:])
	if p.Ciphertext == nil {
		p.Ciphertext = []byte{}
	}
	return p, nil
}

func (p *Packet) sameEnvelope(q *Packet) bool {
	return p.IV == q.IV && p.Tag == q.Tag && p.SlowMode == q.SlowMode
}
