package gpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
)

// ContextID selects which submission context's shadow state a Submit call
// reads and mutates. Distinct contexts never observe each other's bound
// render target (spec §8 scenario 4 "per-context shadow state isolation").
type ContextID uint32

// Command stream opcodes this executor understands. Real AeroGPU carries a
// much larger D3D9/D3D11-shaped opcode set; these are the ones exercised
// by the conformance scenarios this package implements.
const (
	OpCreateRenderTarget uint32 = 0x0001
	OpBindRenderTarget   uint32 = 0x0002
	OpClearRenderTarget  uint32 = 0x0003
	OpCreateShaderModule uint32 = 0x0010
	OpCreatePipeline     uint32 = 0x0011
	OpCreateBindGroup    uint32 = 0x0012
	OpDestroyResource    uint32 = 0x00FF
)

type contextState struct {
	boundRT ResourceID
}

// Executor is the AeroGPU command-stream VM: it decodes packets from a
// guest-issued stream, tracks resource lifetimes, and dispatches draw/clear
// work to an Adapter (spec §2 step 7, §4.3).
type Executor struct {
	adapter Adapter

	resources *resourceTable
	contexts  map[ContextID]*contextState

	shaders    *shaderCache
	pipelines  *pipelineCache
	bindGroups *bindGroupCache
}

// NewExecutor returns an Executor driving adapter. adapter may be nil, in
// which case the executor still tracks resource lifetime and shadow state
// purely in Go, which is sufficient to run and test command streams
// without a live GPU backend.
func NewExecutor(adapter Adapter) *Executor {
	return &Executor{
		adapter:    adapter,
		resources:  newResourceTable(),
		contexts:   make(map[ContextID]*contextState),
		shaders:    newShaderCache(),
		pipelines:  newPipelineCache(),
		bindGroups: newBindGroupCache(),
	}
}

func (e *Executor) ctx(id ContextID) *contextState {
	c, ok := e.contexts[id]
	if !ok {
		c = &contextState{}
		e.contexts[id] = c
	}

	return c
}

// Submit decodes and executes one command stream on behalf of context ctx.
func (e *Executor) Submit(ctx ContextID, stream []byte) error {
	h, err := DecodeHeader(stream)
	if err != nil {
		return err
	}

	packets, err := Packets(stream, h)
	if err != nil {
		return err
	}

	c := e.ctx(ctx)

	for _, p := range packets {
		if err := e.execPacket(c, p); err != nil {
			return fmt.Errorf("opcode %#x: %w", p.Opcode, err)
		}
	}

	return nil
}

func (e *Executor) execPacket(c *contextState, p Packet) error {
	switch p.Opcode {
	case OpCreateRenderTarget:
		return e.createRenderTarget(c, p.Body)
	case OpBindRenderTarget:
		return e.bindRenderTarget(c, p.Body)
	case OpClearRenderTarget:
		return e.clearRenderTarget(c, p.Body)
	case OpCreateShaderModule:
		return e.createShaderModule(p.Body)
	case OpCreatePipeline:
		return e.createPipeline(p.Body)
	case OpCreateBindGroup:
		return e.createBindGroup(p.Body)
	case OpDestroyResource:
		return e.destroyResource(p.Body)
	default:
		// Packets of unknown opcode but known size can always be skipped
		// (spec §4.3); Packets() already consumed this one by its declared
		// size, so there is nothing further to do.
		return nil
	}
}

func (e *Executor) createRenderTarget(c *contextState, body []byte) error {
	if len(body) < 12 {
		return ErrPacketTruncated
	}

	width := int(binary.LittleEndian.Uint32(body[0:4]))
	height := int(binary.LittleEndian.Uint32(body[4:8]))
	format := gputypes.TextureFormat(binary.LittleEndian.Uint32(body[8:12]))

	r := &resource{kind: KindRenderTarget, Width: width, Height: height, Format: format}

	if e.adapter != nil {
		if _, err := e.adapter.CreateTexture(width, height, format); err != nil {
			return fmt.Errorf("adapter CreateTexture: %w", err)
		}
	}

	id := e.resources.create(r)
	c.boundRT = id

	return nil
}

func (e *Executor) bindRenderTarget(c *contextState, body []byte) error {
	if len(body) < 4 {
		return ErrPacketTruncated
	}

	id := ResourceID(binary.LittleEndian.Uint32(body[0:4]))
	if _, ok := e.resources.get(id); !ok {
		return fmt.Errorf("bind render target: unknown or destroyed resource %d", id)
	}

	c.boundRT = id

	return nil
}

func (e *Executor) clearRenderTarget(c *contextState, body []byte) error {
	if len(body) < 16 {
		return ErrPacketTruncated
	}

	if c.boundRT == 0 {
		return fmt.Errorf("clear render target: no render target bound")
	}

	r, ok := e.resources.get(c.boundRT)
	if !ok {
		return fmt.Errorf("clear render target: bound resource %d destroyed", c.boundRT)
	}

	r.ClearColor = [4]float32{
		math.Float32frombits(binary.LittleEndian.Uint32(body[0:4])),
		math.Float32frombits(binary.LittleEndian.Uint32(body[4:8])),
		math.Float32frombits(binary.LittleEndian.Uint32(body[8:12])),
		math.Float32frombits(binary.LittleEndian.Uint32(body[12:16])),
	}

	if e.adapter != nil {
		return e.adapter.ClearTexture(uint64(c.boundRT), r.ClearColor[0], r.ClearColor[1], r.ClearColor[2], r.ClearColor[3])
	}

	return nil
}

func (e *Executor) createShaderModule(body []byte) error {
	mod, err := e.shaders.getOrTranslate(body)
	if err != nil {
		return err
	}

	e.resources.create(&resource{kind: KindShaderModule, ShaderModule: mod, WGSL: mod.LowerToWGSL()})

	return nil
}

// createPipeline builds (or reuses, if an identical descriptor was already
// submitted) a pipeline resource from a raw descriptor blob. The cache key
// is the descriptor bytes themselves, matching pipelineCache's structural
// hash (spec §9 "Shared bind-group resources ... keyed by a structural
// hash").
func (e *Executor) createPipeline(descBytes []byte) error {
	if len(descBytes) == 0 {
		return ErrPacketTruncated
	}

	e.pipelines.getOrCreate(descBytes, func() uint64 {
		return uint64(e.resources.create(&resource{kind: KindPipeline}))
	})

	return nil
}

// createBindGroup is the bind-group equivalent of createPipeline: the
// binding list bytes are the structural key.
func (e *Executor) createBindGroup(bindingKey []byte) error {
	if len(bindingKey) == 0 {
		return ErrPacketTruncated
	}

	e.bindGroups.getOrCreate(bindingKey, func() uint64 {
		return uint64(e.resources.create(&resource{kind: KindBindGroup}))
	})

	return nil
}

func (e *Executor) destroyResource(body []byte) error {
	if len(body) < 4 {
		return ErrPacketTruncated
	}

	id := ResourceID(binary.LittleEndian.Uint32(body[0:4]))
	if !e.resources.destroy(id) {
		return fmt.Errorf("destroy resource: unknown or already-destroyed resource %d", id)
	}

	return nil
}

// ClearColor returns the last clear color written to the render target
// bound in ctx. It exists so conformance tests (spec §8 scenario 4) can
// read back shadow state without a live backend.
func (e *Executor) ClearColor(ctx ContextID) ([4]float32, error) {
	c := e.ctx(ctx)
	if c.boundRT == 0 {
		return [4]float32{}, fmt.Errorf("no render target bound on context %d", ctx)
	}

	r, ok := e.resources.get(c.boundRT)
	if !ok {
		return [4]float32{}, fmt.Errorf("bound resource destroyed")
	}

	return r.ClearColor, nil
}
