package gpu

import (
	"sync"

	"github.com/zeebo/blake3"
)

// cacheKey is a structural hash of whatever bytes identify a cacheable
// object (shader bytecode, a pipeline descriptor, a bind-group's binding
// list), per spec §9 "keyed by a structural hash ... identity is by id,
// not by object address, so the cache is deterministic across runs."
type cacheKey [32]byte

func hashKey(parts ...[]byte) cacheKey {
	h := blake3.New()
	for _, p := range parts {
		_, _ = h.Write(p)
	}

	var out cacheKey
	copy(out[:], h.Sum(nil))

	return out
}

// shaderCache deduplicates decoded shader modules by the hash of their
// input bytecode, so re-submitting the same DXBC/SM4 blob across draw
// calls reuses one decoded Sm4Module. WGSL lowering output is not cached.
type shaderCache struct {
	mu    sync.RWMutex
	byKey map[cacheKey]*Sm4Module
}

func newShaderCache() *shaderCache {
	return &shaderCache{byKey: make(map[cacheKey]*Sm4Module)}
}

func (c *shaderCache) getOrTranslate(bytecode []byte) (*Sm4Module, error) {
	key := hashKey(bytecode)

	c.mu.RLock()
	if m, ok := c.byKey[key]; ok {
		c.mu.RUnlock()
		return m, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.byKey[key]; ok {
		return m, nil
	}

	m, err := DecodeSM4(bytecode)
	if err != nil {
		return nil, err
	}

	c.byKey[key] = m

	return m, nil
}

// pipelineCache deduplicates compiled pipelines by a hash of their
// descriptor bytes; each entry is an opaque uint64 handle since this
// package's own tests never need more than identity and a handle value.
type pipelineCache struct {
	mu    sync.RWMutex
	byKey map[cacheKey]uint64
}

func newPipelineCache() *pipelineCache {
	return &pipelineCache{byKey: make(map[cacheKey]uint64)}
}

func (c *pipelineCache) getOrCreate(descBytes []byte, create func() uint64) uint64 {
	key := hashKey(descBytes)

	c.mu.RLock()
	if id, ok := c.byKey[key]; ok {
		c.mu.RUnlock()
		return id
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.byKey[key]; ok {
		return id
	}

	id := create()
	c.byKey[key] = id

	return id
}

// bindGroupCache deduplicates bind groups keyed by the structural hash of
// their binding list (spec §9 "Shared bind-group resources").
type bindGroupCache struct {
	mu    sync.RWMutex
	byKey map[cacheKey]uint64
}

func newBindGroupCache() *bindGroupCache {
	return &bindGroupCache{byKey: make(map[cacheKey]uint64)}
}

func (c *bindGroupCache) getOrCreate(bindingKey []byte, create func() uint64) uint64 {
	key := hashKey(bindingKey)

	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.byKey[key]; ok {
		return id
	}

	id := create()
	c.byKey[key] = id

	return id
}
