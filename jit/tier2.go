package jit

// DefaultPolicy holds the Tier-2 hot-threshold and trace-growth caps. Spec
// §4.2 requires these to exist but leaves exact values an open question;
// decided in DESIGN.md: a block becomes hot at 50 executions, and a trace
// stops growing at 32 blocks or 512 instructions, whichever comes first.
var DefaultPolicy = Policy{
	HotBlockThreshold: 50,
	MaxTraceBlocks:    32,
	MaxTraceInstrs:    512,
}

// Policy bundles the tunables profile-guided trace growth needs.
type Policy struct {
	HotBlockThreshold int
	MaxTraceBlocks    int
	MaxTraceInstrs    int
}

// ProfileData tracks per-block execution counts and per-edge (block ->
// block) transition counts, as named in spec §4.2 ("Tier-2 ... fed by a
// ProfileData record tracking block counts, edge counts, and hot
// backedges").
type ProfileData struct {
	BlockCounts map[uint64]int            // entry RIP -> execution count
	EdgeCounts  map[uint64]map[uint64]int // from entry RIP -> to entry RIP -> count
}

// NewProfileData returns an empty profile.
func NewProfileData() *ProfileData {
	return &ProfileData{
		BlockCounts: map[uint64]int{},
		EdgeCounts:  map[uint64]map[uint64]int{},
	}
}

// RecordBlock increments a block's execution count.
func (p *ProfileData) RecordBlock(rip uint64) {
	p.BlockCounts[rip]++
}

// RecordEdge increments the from->to transition count.
func (p *ProfileData) RecordEdge(from, to uint64) {
	m, ok := p.EdgeCounts[from]
	if !ok {
		m = map[uint64]int{}
		p.EdgeCounts[from] = m
	}
	m[to]++
}

// IsHot reports whether rip has crossed the hot-block threshold.
func (p *ProfileData) IsHot(rip uint64, pol Policy) bool {
	return p.BlockCounts[rip] >= pol.HotBlockThreshold
}

func (p *ProfileData) hottestEdge(from uint64) (to uint64, ok bool) {
	edges, present := p.EdgeCounts[from]
	if !present || len(edges) == 0 {
		return 0, false
	}
	best := -1
	var bestTo uint64
	for to, count := range edges {
		if count > best {
			best = count
			bestTo = to
		}
	}
	return bestTo, true
}

// TraceShape is the RIP sequence a trace covers, grown greedily by
// following the hottest outgoing edge from each block until a cap is hit or
// a cycle is found (spec §4.2 "a trace is grown by greedily following the
// hottest outgoing edge"). Reaching any RIP already in the trace produces a
// loop trace (IsLoop == true); any other stopping reason produces a straight
// trace that ends in a side-exit back to the interpreter.
type TraceShape struct {
	RIPs       []uint64
	InstrCount []int // per-block instruction count, parallel to RIPs
	IsLoop     bool
}

// GrowTrace follows p's hottest edges from entryRIP, using blockInstrCount
// to look up how many instructions a given block entry contains (as
// produced by Tier-1 discovery), stopping at pol.MaxTraceBlocks,
// pol.MaxTraceInstrs, or a revisit of a RIP already in the trace.
func GrowTrace(p *ProfileData, entryRIP uint64, pol Policy, blockInstrCount func(rip uint64) int) TraceShape {
	shape := TraceShape{}
	seen := map[uint64]bool{}
	totalInstrs := 0
	rip := entryRIP

	for len(shape.RIPs) < pol.MaxTraceBlocks {
		n := blockInstrCount(rip)
		if totalInstrs+n > pol.MaxTraceInstrs && len(shape.RIPs) > 0 {
			break
		}
		if seen[rip] {
			shape.IsLoop = true
			break
		}
		seen[rip] = true
		shape.RIPs = append(shape.RIPs, rip)
		shape.InstrCount = append(shape.InstrCount, n)
		totalInstrs += n

		next, ok := p.hottestEdge(rip)
		if !ok {
			break
		}
		rip = next
	}
	return shape
}
