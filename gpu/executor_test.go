package gpu_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/wilsonzlin/aero/gpu"
)

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func f32(v float32) []byte {
	return u32(math.Float32bits(v))
}

// buildStream assembles a minimal header-plus-packets command stream. Each
// packet in pkts is {opcode, body}; size_bytes and 4-byte alignment are
// computed here so tests don't hand-roll the header.
func buildStream(t *testing.T, pkts [][2]interface{}) []byte {
	t.Helper()

	var body []byte
	for _, p := range pkts {
		opcode := p[0].(uint32)
		payload := p[1].([]byte)

		body = append(body, u32(opcode)...)
		body = append(body, u32(uint32(len(payload)))...)
		body = append(body, payload...)

		if rem := len(body) % 4; rem != 0 {
			body = append(body, make([]byte, 4-rem)...)
		}
	}

	header := make([]byte, 24)
	binary.LittleEndian.PutUint32(header[0:4], gpu.StreamMagic)
	binary.LittleEndian.PutUint32(header[4:8], (uint32(gpu.SupportedABIMajor)<<16)|0)
	binary.LittleEndian.PutUint32(header[8:12], uint32(24+len(body)))

	return append(header, body...)
}

func createRTBody(width, height uint32) []byte {
	b := append(u32(width), u32(height)...)
	return append(b, u32(0)...)
}

func clearBody(r, g, b, a float32) []byte {
	out := append(f32(r), f32(g)...)
	out = append(out, f32(b)...)
	out = append(out, f32(a)...)
	return out
}

func TestMultiContextShadowStateIsolation(t *testing.T) {
	t.Parallel()

	e := gpu.NewExecutor(nil)

	streamA1 := buildStream(t, [][2]interface{}{
		{gpu.OpCreateRenderTarget, createRTBody(64, 64)},
		{gpu.OpClearRenderTarget, clearBody(1, 0, 0, 1)}, // red
	})
	streamB1 := buildStream(t, [][2]interface{}{
		{gpu.OpCreateRenderTarget, createRTBody(64, 64)},
		{gpu.OpClearRenderTarget, clearBody(0, 1, 0, 1)}, // green
	})
	streamA2 := buildStream(t, [][2]interface{}{
		{gpu.OpClearRenderTarget, clearBody(0, 0, 1, 1)}, // blue, RT1 still bound
	})

	if err := e.Submit(1, streamA1); err != nil {
		t.Fatalf("submit ctx A (create+clear red): %v", err)
	}

	if err := e.Submit(2, streamB1); err != nil {
		t.Fatalf("submit ctx B (create+clear green): %v", err)
	}

	if err := e.Submit(1, streamA2); err != nil {
		t.Fatalf("submit ctx A (clear blue, no rebind): %v", err)
	}

	gotA, err := e.ClearColor(1)
	if err != nil {
		t.Fatalf("ClearColor(ctx A): %v", err)
	}

	wantA := [4]float32{0, 0, 1, 1}
	if gotA != wantA {
		t.Fatalf("ctx A clear color = %v, want %v (blue)", gotA, wantA)
	}

	gotB, err := e.ClearColor(2)
	if err != nil {
		t.Fatalf("ClearColor(ctx B): %v", err)
	}

	wantB := [4]float32{0, 1, 0, 1}
	if gotB != wantB {
		t.Fatalf("ctx B clear color = %v, want %v (green), ctx A submission must not leak into ctx B", gotB, wantB)
	}
}

func TestDestroyResourceThenReuseFails(t *testing.T) {
	t.Parallel()

	e := gpu.NewExecutor(nil)

	stream := buildStream(t, [][2]interface{}{
		{gpu.OpCreateRenderTarget, createRTBody(32, 32)},
	})

	if err := e.Submit(1, stream); err != nil {
		t.Fatalf("submit create: %v", err)
	}

	destroyRT1 := buildStream(t, [][2]interface{}{
		{gpu.OpDestroyResource, u32(1)},
	})

	if err := e.Submit(1, destroyRT1); err != nil {
		t.Fatalf("submit destroy: %v", err)
	}

	if err := e.Submit(1, destroyRT1); err == nil {
		t.Fatal("submit double-destroy: got nil error, want error")
	}

	clearAfterDestroy := buildStream(t, [][2]interface{}{
		{gpu.OpClearRenderTarget, clearBody(1, 1, 1, 1)},
	})

	if err := e.Submit(1, clearAfterDestroy); err == nil {
		t.Fatal("clear after destroying bound RT: got nil error, want error")
	}
}

func TestCreateShaderModuleCacheHit(t *testing.T) {
	t.Parallel()

	e := gpu.NewExecutor(nil)

	// dcl (opcode 0x5D, length 1) followed by ret (opcode 0x3E, length 1).
	bytecode := append(u32(0x5D), u32(0x3E)...)

	stream := buildStream(t, [][2]interface{}{
		{gpu.OpCreateShaderModule, bytecode},
	})

	if err := e.Submit(1, stream); err != nil {
		t.Fatalf("submit shader 1: %v", err)
	}

	if err := e.Submit(1, stream); err != nil {
		t.Fatalf("submit shader 2 (same bytecode): %v", err)
	}
}

func TestCreatePipelineAndBindGroup(t *testing.T) {
	t.Parallel()

	e := gpu.NewExecutor(nil)

	desc := []byte("pipeline-descriptor-bytes")
	binding := []byte("bind-group-binding-list")

	stream := buildStream(t, [][2]interface{}{
		{gpu.OpCreatePipeline, desc},
		{gpu.OpCreateBindGroup, binding},
	})

	if err := e.Submit(1, stream); err != nil {
		t.Fatalf("submit pipeline+bindgroup: %v", err)
	}

	// Resubmitting identical descriptors must not error (cache reuse path).
	if err := e.Submit(1, stream); err != nil {
		t.Fatalf("resubmit pipeline+bindgroup: %v", err)
	}
}

func TestBindUnknownResourceFails(t *testing.T) {
	t.Parallel()

	e := gpu.NewExecutor(nil)

	stream := buildStream(t, [][2]interface{}{
		{gpu.OpBindRenderTarget, u32(99)},
	})

	if err := e.Submit(1, stream); err == nil {
		t.Fatal("bind unknown resource: got nil error, want error")
	}
}

func TestClearWithoutBindingFails(t *testing.T) {
	t.Parallel()

	e := gpu.NewExecutor(nil)

	stream := buildStream(t, [][2]interface{}{
		{gpu.OpClearRenderTarget, clearBody(1, 1, 1, 1)},
	})

	if err := e.Submit(1, stream); err == nil {
		t.Fatal("clear without a bound render target: got nil error, want error")
	}
}

func TestUnknownOpcodeIsSkipped(t *testing.T) {
	t.Parallel()

	e := gpu.NewExecutor(nil)

	stream := buildStream(t, [][2]interface{}{
		{uint32(0x9999), []byte{1, 2, 3, 4}},
		{gpu.OpCreateRenderTarget, createRTBody(16, 16)},
	})

	if err := e.Submit(1, stream); err != nil {
		t.Fatalf("submit with unknown-but-sized opcode: %v", err)
	}
}
