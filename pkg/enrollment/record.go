package enrollment

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	identityField protowire.Number = 1
	secretField   protowire.Number = 2
	nameField     protowire.Number = 3
	lastSeenField protowire.Number = 4
)

var errCorruptRecord = errors.New("corrupt record")

// encodeRecord serializes r as a protobuf message with fields identity (1), secret (2),
// name (3), and last-seen time in Unix milliseconds (4).
func encodeRecord(r *Record) []byte {
	var b []byte
	b = protowire.AppendTag(b, identityField, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Identity)
	b = protowire.AppendTag(b, secretField, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Secret)
	b = protowire.AppendTag(b, nameField, protowire.BytesType)
	b = protowire.AppendString(b, r.Name)
	b = protowire.AppendTag(b, lastSeenField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.LastSeen.UnixMilli()))
	return b
}

func decodeRecord(b []byte) (*Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %s", errCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == identityField && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			r.Identity, n = append([]byte{}, v...), m
		case num == secretField && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			r.Secret, n = append([]byte{}, v...), m
		case num == nameField && typ == protowire.BytesType:
			r.Name, n = protowire.ConsumeString(b)
		case num == lastSeenField && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			r.LastSeen = time.UnixMilli(int64(v))
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: %s", errCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if len(r.Identity) == 0 || len(r.Secret) == 0 {
		return nil, fmt.Errorf("%w: missing identity or secret", errCorruptRecord)
	}
	return &r, nil
}
