package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The payload messages are small and fixed, so they are encoded directly with protowire rather
// than through generated code. Field numbers match toothpacket.proto used by the web client.

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt32Field(b []byte, num protowire.Number, v int32) []byte {
	return appendVarintField(b, num, uint64(int64(v)))
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// fieldFunc handles one field. It returns the number of bytes consumed from b, or a negative
// number to skip the field.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %s", ErrBadPayload, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %s", ErrBadPayload, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: expected varint, got wire type %d", ErrBadPayload, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrBadPayload, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: expected length-delimited field, got wire type %d", ErrBadPayload, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrBadPayload, protowire.ParseError(n))
	}
	return v, n, nil
}
