// Package l2proto implements the 4-byte-header framed codec used to tunnel
// guest Ethernet frames over a byte stream (spec §6 "L2 tunnel protocol").
// The codec is specified for completeness independent of any proxy that
// uses it; it is grounded in the same length-prefixed framing style as
// snapshot's wire transport, adapted to this protocol's fixed header shape.
package l2proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic and version identify this protocol on the wire.
const (
	Magic   = 0xA2
	Version = 0x03
)

// Type identifies the kind of message a Frame carries.
type Type uint8

const (
	TypeFrame Type = 0x00
	TypePing  Type = 0x01
	TypePong  Type = 0x02
	TypeError Type = 0x7F
)

// Default payload caps (spec §6): an Ethernet frame may be up to 2048
// bytes, any control message (ping/pong/error) up to 256.
const (
	DefaultFrameCap   = 2048
	DefaultControlCap = 256
)

// headerLen is the fixed 4-byte header: magic, version, type, flags.
const headerLen = 4

// Decode errors named by the spec.
var (
	ErrTooShort           = errors.New("l2proto: frame too short")
	ErrInvalidMagic       = errors.New("l2proto: invalid magic")
	ErrUnsupportedVersion = errors.New("l2proto: unsupported version")
	ErrPayloadTooLarge    = errors.New("l2proto: payload too large")
)

// Message is one decoded l2proto frame: a 4-byte header plus payload.
type Message struct {
	Type    Type
	Flags   uint8
	Payload []byte
}

// Codec encodes and decodes l2proto messages against configurable payload
// caps, since Frame and control messages (Ping/Pong/Error) have different
// default limits (spec §6).
type Codec struct {
	FrameCap   int
	ControlCap int
}

// NewCodec returns a Codec using the spec's default caps.
func NewCodec() *Codec {
	return &Codec{FrameCap: DefaultFrameCap, ControlCap: DefaultControlCap}
}

func (c *Codec) capFor(t Type) int {
	if t == TypeFrame {
		return c.FrameCap
	}
	return c.ControlCap
}

// Encode serializes msg as [4-byte header][payload].
func (c *Codec) Encode(msg Message) ([]byte, error) {
	if cap := c.capFor(msg.Type); len(msg.Payload) > cap {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(msg.Payload), cap)
	}

	buf := make([]byte, headerLen+len(msg.Payload))
	buf[0] = Magic
	buf[1] = Version
	buf[2] = byte(msg.Type)
	buf[3] = msg.Flags
	copy(buf[headerLen:], msg.Payload)

	return buf, nil
}

// Decode parses a single message out of buf, which must contain at least
// the header plus whatever payload the header's length implies — l2proto
// has no explicit length field, so the caller's transport (a length-
// delimited stream, e.g. one l2proto message per read) determines framing;
// Decode treats everything after the header as payload.
func (c *Codec) Decode(buf []byte) (Message, error) {
	if len(buf) < headerLen {
		return Message{}, ErrTooShort
	}

	if buf[0] != Magic {
		return Message{}, ErrInvalidMagic
	}

	if buf[1] != Version {
		return Message{}, ErrUnsupportedVersion
	}

	msg := Message{
		Type:  Type(buf[2]),
		Flags: buf[3],
	}

	payload := buf[headerLen:]
	if cap := c.capFor(msg.Type); len(payload) > cap {
		return Message{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), cap)
	}

	msg.Payload = payload

	return msg, nil
}

// WriteMessage encodes msg and writes it to w, preceded by a 4-byte
// big-endian total-length prefix so a byte-stream transport (TCP, a pipe)
// can delimit messages; this outer length framing is this package's own
// transport convenience and is not part of the 4-byte l2proto header
// itself.
func (c *Codec) WriteMessage(w io.Writer, msg Message) error {
	buf, err := c.Encode(msg)
	if err != nil {
		return err
	}

	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(len(buf)))

	if _, err := w.Write(lenPrefix); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	return nil
}

// ReadMessage reads one length-prefixed message from r and decodes it.
func (c *Codec) ReadMessage(r io.Reader) (Message, error) {
	lenPrefix := make([]byte, 4)
	if _, err := io.ReadFull(r, lenPrefix); err != nil {
		return Message{}, fmt.Errorf("read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(lenPrefix)

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Message{}, fmt.Errorf("read message: %w", err)
	}

	return c.Decode(buf)
}
