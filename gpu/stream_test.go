package gpu_test

import (
	"encoding/binary"
	"testing"

	"github.com/wilsonzlin/aero/gpu"
)

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf[0:4], 0xDEADBEEF)

	if _, err := gpu.DecodeHeader(buf); err == nil {
		t.Fatal("DecodeHeader with bad magic: got nil error, want error")
	}
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	t.Parallel()

	if _, err := gpu.DecodeHeader(make([]byte, 8)); err == nil {
		t.Fatal("DecodeHeader with short buffer: got nil error, want error")
	}
}

func TestDecodeHeaderRejectsUnsupportedABI(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf[0:4], gpu.StreamMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(gpu.SupportedABIMajor+1)<<16)

	if _, err := gpu.DecodeHeader(buf); err == nil {
		t.Fatal("DecodeHeader with unsupported ABI major: got nil error, want error")
	}
}

func TestPacketsRoundTrip(t *testing.T) {
	t.Parallel()

	stream := buildStream(t, [][2]interface{}{
		{gpu.OpCreateRenderTarget, createRTBody(8, 8)},
		{gpu.OpDestroyResource, u32(1)},
	})

	h, err := gpu.DecodeHeader(stream)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}

	pkts, err := gpu.Packets(stream, h)
	if err != nil {
		t.Fatalf("Packets: %v", err)
	}

	if len(pkts) != 2 {
		t.Fatalf("Packets: got %d packets, want 2", len(pkts))
	}

	if pkts[0].Opcode != gpu.OpCreateRenderTarget || pkts[1].Opcode != gpu.OpDestroyResource {
		t.Fatalf("Packets: unexpected opcodes %#x, %#x", pkts[0].Opcode, pkts[1].Opcode)
	}
}

func TestPacketsRejectsTruncatedBody(t *testing.T) {
	t.Parallel()

	stream := buildStream(t, [][2]interface{}{
		{gpu.OpDestroyResource, u32(1)},
	})

	// Truncate the stream body, leaving the header's size_bytes claiming
	// more data than is actually present.
	truncated := stream[:len(stream)-2]

	h, err := gpu.DecodeHeader(truncated)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}

	if _, err := gpu.Packets(truncated, h); err == nil {
		t.Fatal("Packets on truncated stream: got nil error, want error")
	}
}
