package l2proto_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/wilsonzlin/aero/l2proto"
)

func TestEncodeDecodeFrame(t *testing.T) {
	t.Parallel()

	c := l2proto.NewCodec()
	payload := bytes.Repeat([]byte{0xAB}, 64)

	buf, err := c.Encode(l2proto.Message{Type: l2proto.TypeFrame, Flags: 0x01, Payload: payload})
	if err != nil {
		t.Fatalf("Encode: got %v, want nil", err)
	}

	if buf[0] != l2proto.Magic || buf[1] != l2proto.Version {
		t.Fatalf("Encode: header mismatch, got %#x", buf[:4])
	}

	msg, err := c.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: got %v, want nil", err)
	}

	if msg.Type != l2proto.TypeFrame || msg.Flags != 0x01 || !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("Decode: got %+v, want payload %d bytes", msg, len(payload))
	}
}

func TestDecodeTooShort(t *testing.T) {
	t.Parallel()

	c := l2proto.NewCodec()

	if _, err := c.Decode([]byte{0xA2, 0x03}); !errors.Is(err, l2proto.ErrTooShort) {
		t.Fatalf("Decode: got %v, want %v", err, l2proto.ErrTooShort)
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	t.Parallel()

	c := l2proto.NewCodec()

	if _, err := c.Decode([]byte{0x00, 0x03, 0x00, 0x00}); !errors.Is(err, l2proto.ErrInvalidMagic) {
		t.Fatalf("Decode: got %v, want %v", err, l2proto.ErrInvalidMagic)
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	t.Parallel()

	c := l2proto.NewCodec()

	if _, err := c.Decode([]byte{0xA2, 0x99, 0x00, 0x00}); !errors.Is(err, l2proto.ErrUnsupportedVersion) {
		t.Fatalf("Decode: got %v, want %v", err, l2proto.ErrUnsupportedVersion)
	}
}

func TestEncodePayloadTooLargeFrame(t *testing.T) {
	t.Parallel()

	c := l2proto.NewCodec()
	payload := make([]byte, l2proto.DefaultFrameCap+1)

	if _, err := c.Encode(l2proto.Message{Type: l2proto.TypeFrame, Payload: payload}); !errors.Is(err, l2proto.ErrPayloadTooLarge) {
		t.Fatalf("Encode: got %v, want %v", err, l2proto.ErrPayloadTooLarge)
	}
}

func TestEncodePayloadTooLargeControl(t *testing.T) {
	t.Parallel()

	c := l2proto.NewCodec()
	payload := make([]byte, l2proto.DefaultControlCap+1)

	if _, err := c.Encode(l2proto.Message{Type: l2proto.TypePing, Payload: payload}); !errors.Is(err, l2proto.ErrPayloadTooLarge) {
		t.Fatalf("Encode: got %v, want %v", err, l2proto.ErrPayloadTooLarge)
	}
}

func TestPingPongErrorRoundTrip(t *testing.T) {
	t.Parallel()

	c := l2proto.NewCodec()

	for _, tc := range []struct {
		typ     l2proto.Type
		payload []byte
	}{
		{l2proto.TypePing, nil},
		{l2proto.TypePong, nil},
		{l2proto.TypeError, []byte("bad frame")},
	} {
		buf, err := c.Encode(l2proto.Message{Type: tc.typ, Payload: tc.payload})
		if err != nil {
			t.Fatalf("Encode(%v): got %v, want nil", tc.typ, err)
		}

		msg, err := c.Decode(buf)
		if err != nil {
			t.Fatalf("Decode(%v): got %v, want nil", tc.typ, err)
		}

		if msg.Type != tc.typ {
			t.Fatalf("Decode(%v): got type %v", tc.typ, msg.Type)
		}
	}
}

func TestWriteReadMessage(t *testing.T) {
	t.Parallel()

	c := l2proto.NewCodec()
	var buf bytes.Buffer

	msg := l2proto.Message{Type: l2proto.TypeFrame, Flags: 0, Payload: []byte{1, 2, 3, 4}}
	if err := c.WriteMessage(&buf, msg); err != nil {
		t.Fatalf("WriteMessage: got %v, want nil", err)
	}

	got, err := c.ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: got %v, want nil", err)
	}

	if got.Type != msg.Type || !bytes.Equal(got.Payload, msg.Payload) {
		t.Fatalf("ReadMessage: got %+v, want %+v", got, msg)
	}
}
