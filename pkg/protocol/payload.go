package protocol

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// PayloadType identifies the content of a decrypted message.
type PayloadType int

const (
	PayloadNone PayloadType = iota
	PayloadKeyboard
	PayloadKeycode
	PayloadMouse
	PayloadRename
)

func (t PayloadType) String() string {
	switch t {
	case PayloadKeyboard:
		return "keyboard"
	case PayloadKeycode:
		return "keycode"
	case PayloadMouse:
		return "mouse"
	case PayloadRename:
		return "rename"
	}
	return "none"
}

// MaxKeycodes is the number of simultaneous keys in a HID keyboard report.
const MaxKeycodes = 6

// MouseFrame is one relative pointer movement.
type MouseFrame struct {
	X, Y int32
}

// MouseReport is a batch of pointer movements followed by a button and wheel state.
type MouseReport struct {
	Frames     []MouseFrame
	LeftClick  int32
	RightClick int32
	Wheel      int32
}

// Payload is the plaintext carried inside an encrypted message. Exactly one of the typed fields
// is meaningful, selected by Type.
type Payload struct {
	Type PayloadType
	// Text holds the string to type for PayloadKeyboard and the new device name for
	// PayloadRename.
	Text     string
	Keycodes []byte
	Mouse    *MouseReport
}

func KeyboardPayload(text string) *Payload {
	return &Payload{Type: PayloadKeyboard, Text: text}
}

func KeycodePayload(codes ...byte) *Payload {
	return &Payload{Type: PayloadKeycode, Keycodes: codes}
}

func MousePayload(report MouseReport) *Payload {
	return &Payload{Type: PayloadMouse, Mouse: &report}
}

func RenamePayload(name string) *Payload {
	return &Payload{Type: PayloadRename, Text: name}
}

const (
	// EncryptedData oneof cases.
	keyboardField protowire.Number = 1
	keycodeField  protowire.Number = 2
	mouseField    protowire.Number = 3
	renameField   protowire.Number = 4

	// KeyboardPacket, RenamePacket, and KeycodePacket share a layout: the content followed by
	// its length.
	contentField protowire.Number = 1
	lengthField  protowire.Number = 2

	mouseNumFramesField protowire.Number = 1
	mouseFramesField    protowire.Number = 2
	mouseLeftField      protowire.Number = 3
	mouseRightField     protowire.Number = 4
	mouseWheelField     protowire.Number = 5

	frameXField protowire.Number = 1
	frameYField protowire.Number = 2
)

// Marshal encodes p as an EncryptedData message.
func (p *Payload) Marshal() ([]byte, error) {
	var inner []byte
	var field protowire.Number
	switch p.Type {
	case PayloadKeyboard, PayloadRename:
		field = keyboardField
		if p.Type == PayloadRename {
			field = renameField
		}
		inner = appendBytesField(inner, contentField, []byte(p.Text))
		inner = appendVarintField(inner, lengthField, uint64(len(p.Text)))
	case PayloadKeycode:
		if len(p.Keycodes) > MaxKeycodes {
			return nil, fmt.Errorf("%w: at most %d keycodes per report", ErrBadPayload, MaxKeycodes)
		}
		field = keycodeField
		inner = appendBytesField(inner, contentField, p.Keycodes)
		inner = appendVarintField(inner, lengthField, uint64(len(p.Keycodes)))
	case PayloadMouse:
		if p.Mouse == nil {
			return nil, fmt.Errorf("%w: missing mouse report", ErrBadPayload)
		}
		field = mouseField
		inner = appendInt32Field(inner, mouseNumFramesField, int32(len(p.Mouse.Frames)))
		for _, f := range p.Mouse.Frames {
			var frame []byte
			frame = appendInt32Field(frame, frameXField, f.X)
			frame = appendInt32Field(frame, frameYField, f.Y)
			inner = appendBytesField(inner, mouseFramesField, frame)
		}
		inner = appendInt32Field(inner, mouseLeftField, p.Mouse.LeftClick)
		inner = appendInt32Field(inner, mouseRightField, p.Mouse.RightClick)
		if p.Mouse.Wheel != 0 {
			inner = appendInt32Field(inner, mouseWheelField, p.Mouse.Wheel)
		}
	default:
		return nil, fmt.Errorf("%w: unknown payload type %d", ErrBadPayload, p.Type)
	}
	return appendBytesField(nil, field, inner), nil
}

// DecodePayload parses an EncryptedData message. If several cases are present the last one wins,
// as with any protobuf oneof.
func DecodePayload(b []byte) (*Payload, error) {
	var p Payload
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var kind PayloadType
		switch num {
		case keyboardField:
			kind = PayloadKeyboard
		case keycodeField:
			kind = PayloadKeycode
		case mouseField:
			kind = PayloadMouse
		case renameField:
			kind = PayloadRename
		default:
			return -1, nil
		}
		inner, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		p = Payload{Type: kind}
		if kind == PayloadMouse {
			p.Mouse, err = decodeMouse(inner)
		} else {
			err = decodeContent(&p, inner)
		}
		return n, err
	})
	if err != nil {
		return nil, err
	}
	if p.Type == PayloadNone {
		return nil, fmt.Errorf("%w: no payload", ErrBadPayload)
	}
	return &p, nil
}

func decodeContent(p *Payload, b []byte) error {
	var content []byte
	length := -1
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case contentField:
			v, n, err := consumeBytes(typ, b)
			content = v
			return n, err
		case lengthField:
			v, n, err := consumeVarint(typ, b)
			length = int(v)
			return n, err
		}
		return -1, nil
	})
	if err != nil {
		return err
	}
	// Older clients pad the content; the length field is authoritative when present.
	if length >= 0 && length < len(content) {
		content = content[:length]
	}
	switch p.Type {
	case PayloadKeycode:
		if len(content) > MaxKeycodes {
			return fmt.Errorf("%w: %d keycodes in one report", ErrBadPayload, len(content))
		}
		p.Keycodes = bytes.Clone(content)
	default:
		if !utf8.Valid(content) {
			return fmt.Errorf("%w: text is not valid UTF-8", ErrBadPayload)
		}
		p.Text = string(content)
	}
	return nil
}

func decodeMouse(b []byte) (*MouseReport, error) {
	var report MouseReport
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case mouseFramesField:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			frame, err := decodeFrame(v)
			if err != nil {
				return 0, err
			}
			report.Frames = append(report.Frames, frame)
			return n, nil
		case mouseLeftField:
			v, n, err := consumeVarint(typ, b)
			report.LeftClick = int32(v)
			return n, err
		case mouseRightField:
			v, n, err := consumeVarint(typ, b)
			report.RightClick = int32(v)
			return n, err
		case mouseWheelField:
			v, n, err := consumeVarint(typ, b)
			report.Wheel = int32(v)
			return n, err
		}
		// num_frames is redundant with the repeated field.
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func decodeFrame(b []byte) (MouseFrame, error) {
	var f MouseFrame
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case frameXField:
			v, n, err := consumeVarint(typ, b)
			f.X = int32(v)
			return n, err
		case frameYField:
			v, n, err := consumeVarint(typ, b)
			f.Y = int32(v)
			return n, err
		}
		return -1, nil
	})
	return f, err
}
