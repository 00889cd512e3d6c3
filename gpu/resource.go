package gpu

import "github.com/gogpu/gputypes"

// ResourceID names a GPU resource (render target, buffer, shader module,
// pipeline, ...) across its create/destroy lifetime. IDs are never reused
// after DestroyResource (spec §9 "IDs become invalid after destruction and
// must not be reused").
type ResourceID uint32

// ResourceKind discriminates what a resource table entry holds.
type ResourceKind uint8

const (
	KindRenderTarget ResourceKind = iota
	KindBuffer
	KindShaderModule
	KindPipeline
	KindBindGroup
)

// resource is one entry in the executor's resource table. The CPU-side
// fields (such as ClearColor) let the executor run and be tested without a
// live hal.Device backend; when Adapter is non-nil, render-target creation
// and clears are also forwarded to it. Destroys are not forwarded.
type resource struct {
	kind ResourceKind

	destroyed bool

	// Render target state.
	Width, Height int
	Format        gputypes.TextureFormat
	ClearColor    [4]float32

	// Buffer state.
	BufferData []byte

	// Shader module state.
	ShaderModule *Sm4Module
	WGSL         string
}

// resourceTable owns resource lifetimes. It never reuses an ID: the next
// free ID only ever increases.
type resourceTable struct {
	next      uint32
	resources map[ResourceID]*resource
}

func newResourceTable() *resourceTable {
	return &resourceTable{next: 1, resources: make(map[ResourceID]*resource)}
}

func (t *resourceTable) create(r *resource) ResourceID {
	id := ResourceID(t.next)
	t.next++
	t.resources[id] = r

	return id
}

func (t *resourceTable) get(id ResourceID) (*resource, bool) {
	r, ok := t.resources[id]
	if !ok || r.destroyed {
		return nil, false
	}

	return r, true
}

func (t *resourceTable) destroy(id ResourceID) bool {
	r, ok := t.resources[id]
	if !ok || r.destroyed {
		return false
	}

	r.destroyed = true

	return true
}
