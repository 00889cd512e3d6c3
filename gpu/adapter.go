package gpu

import "github.com/gogpu/gputypes"

// Adapter abstracts over a host GPU backend, the same role gogpu/gg's
// GPUAdapter interface plays: the executor drives resource create/destroy
// and draw calls through it, so a CPU-only test build and a real
// gogpu/wgpu-backed build share one dispatch path. A nil Adapter is valid:
// the executor still maintains its own resource table and clear-color
// shadow state, which is all the conformance scenarios in spec §8 check.
type Adapter interface {
	CreateTexture(width, height int, format gputypes.TextureFormat) (uint64, error)
	DestroyTexture(handle uint64)
	ClearTexture(handle uint64, r, g, b, a float32) error

	CreateBuffer(size int) (uint64, error)
	DestroyBuffer(handle uint64)
	WriteBuffer(handle uint64, offset uint64, data []byte) error
}
