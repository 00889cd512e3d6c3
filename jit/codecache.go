package jit

import "container/list"

// PageVersionEntry records the page/version pair a compiled handle depends
// on, captured at compile time (spec §3 "Code cache").
type PageVersionEntry struct {
	Page    uint64
	Version uint64
}

// BlockMeta is the metadata half of a CompiledBlockHandle (spec §3).
type BlockMeta struct {
	CodePAddr                uint64
	ByteLen                  int
	PageVersionsGeneration   uint64
	PageVersions             []PageVersionEntry
	InstructionCount         int
	InhibitInterruptsAfter   bool
}

// TableIndex is the opaque backend handle: a WASM function-table slot or a
// native code pointer, depending on which Backend compiled the block.
type TableIndex uint32

// CompiledBlockHandle is a single code-cache entry (spec §3).
type CompiledBlockHandle struct {
	EntryRIP uint64
	Table    TableIndex
	Meta     BlockMeta
}

// Clone returns a deep-enough copy for get_cloned (spec §4.2): PageVersions
// is a slice so it is copied to avoid aliasing between concurrent readers.
func (h CompiledBlockHandle) Clone() CompiledBlockHandle {
	cp := h
	cp.Meta.PageVersions = append([]PageVersionEntry(nil), h.Meta.PageVersions...)
	return cp
}

// PageVersionSource answers page-version queries; bus.Bus implements it.
type PageVersionSource interface {
	PageVersion(page uint64) uint64
	Generation() uint64
}

// Cache is the tiered JIT's code cache: an LRU map keyed by entry RIP, with
// both a count cap and an optional byte cap (spec §3, §8).
type Cache struct {
	maxBlocks int
	maxBytes  int // 0 disables the byte cap

	currentBytes int

	order   *list.List // front = MRU, back = LRU
	entries map[uint64]*list.Element

	staleInstallsRejected int
}

type cacheElem struct {
	rip    uint64
	handle CompiledBlockHandle
}

// NewCache builds a cache with the given caps. maxBytes == 0 disables the
// byte-based eviction trigger (spec §3 invariant).
func NewCache(maxBlocks, maxBytes int) *Cache {
	return &Cache{
		maxBlocks: maxBlocks,
		maxBytes:  maxBytes,
		order:     list.New(),
		entries:   make(map[uint64]*list.Element),
	}
}

// Len returns the number of resident entries.
func (c *Cache) Len() int { return len(c.entries) }

// CurrentBytes returns Σ byte_len of resident entries.
func (c *Cache) CurrentBytes() int { return c.currentBytes }

// Contains reports whether rip has a resident (non-evicted) handle, without
// affecting LRU order.
func (c *Cache) Contains(rip uint64) bool {
	_, ok := c.entries[rip]
	return ok
}

// Insert installs handle, replacing any existing entry for the same key
// and treating the insertion as MRU (spec §3 invariant). It returns the
// RIPs evicted to make room, so backend table slots can be freed.
func (c *Cache) Insert(h CompiledBlockHandle) (evicted []uint64) {
	if el, ok := c.entries[h.EntryRIP]; ok {
		old := el.Value.(*cacheElem)
		c.currentBytes -= old.handle.Meta.ByteLen
		c.order.Remove(el)
		delete(c.entries, h.EntryRIP)
	}

	el := c.order.PushFront(&cacheElem{rip: h.EntryRIP, handle: h})
	c.entries[h.EntryRIP] = el
	c.currentBytes += h.Meta.ByteLen

	for c.needsEviction() {
		back := c.order.Back()
		if back == nil {
			break
		}
		e := back.Value.(*cacheElem)
		if e.rip == h.EntryRIP && c.order.Len() == 1 {
			break // never evict the sole entry we just inserted
		}
		c.order.Remove(back)
		delete(c.entries, e.rip)
		c.currentBytes -= e.handle.Meta.ByteLen
		evicted = append(evicted, e.rip)
	}
	return evicted
}

func (c *Cache) needsEviction() bool {
	if c.order.Len() > c.maxBlocks {
		return true
	}
	if c.maxBytes > 0 && c.currentBytes > c.maxBytes {
		return true
	}
	return false
}

// GetCloned looks up rip, moving it to MRU on hit, and returns a cloned
// handle so callers cannot mutate cache-owned state (spec §4.2).
func (c *Cache) GetCloned(rip uint64) (CompiledBlockHandle, bool) {
	el, ok := c.entries[rip]
	if !ok {
		return CompiledBlockHandle{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheElem).handle.Clone(), true
}

// Remove deletes rip exactly, if present.
func (c *Cache) Remove(rip uint64) bool {
	el, ok := c.entries[rip]
	if !ok {
		return false
	}
	e := el.Value.(*cacheElem)
	c.currentBytes -= e.handle.Meta.ByteLen
	c.order.Remove(el)
	delete(c.entries, rip)
	return true
}

// InvalidateByPageWrite removes every resident handle whose recorded
// page_versions no longer match pvs for the written page (spec §4.2 "Code
// cache and invalidation"). The caller passes the page that was written;
// the bus write path does not call it.
func (c *Cache) InvalidateByPageWrite(page uint64, pvs PageVersionSource) (removed []uint64) {
	var toRemove []uint64
	for rip, el := range c.entries {
		h := el.Value.(*cacheElem).handle
		if h.Meta.PageVersionsGeneration != pvs.Generation() {
			// Stale generation: re-validate every recorded page below
			// instead of assuming invalid, since InvalidateAllPages alone
			// doesn't change underlying byte content.
		}
		for _, pv := range h.Meta.PageVersions {
			if pv.Page == page && pvs.PageVersion(page) != pv.Version {
				toRemove = append(toRemove, rip)
				break
			}
		}
	}
	for _, rip := range toRemove {
		c.Remove(rip)
		removed = append(removed, rip)
	}
	return removed
}

// ValidateForInstall reports whether h's snapshotted page versions still
// match current versions; a mismatch means the bytes changed between
// compile-start and install, and the install must be rejected (spec §4.2
// "Stale installs").
func (c *Cache) ValidateForInstall(h CompiledBlockHandle, pvs PageVersionSource) bool {
	for _, pv := range h.Meta.PageVersions {
		if pvs.PageVersion(pv.Page) != pv.Version {
			c.staleInstallsRejected++
			return false
		}
	}
	return true
}

// StaleInstallsRejected returns the running count of rejected stale
// installs, for metrics/tests.
func (c *Cache) StaleInstallsRejected() int { return c.staleInstallsRejected }
