package jit

import "testing"

func TestProfileIsHot(t *testing.T) {
	p := NewProfileData()
	pol := Policy{HotBlockThreshold: 3}
	for i := 0; i < 2; i++ {
		p.RecordBlock(0x100)
	}
	if p.IsHot(0x100, pol) {
		t.Fatalf("expected not hot after 2 executions with threshold 3")
	}
	p.RecordBlock(0x100)
	if !p.IsHot(0x100, pol) {
		t.Fatalf("expected hot after 3 executions with threshold 3")
	}
}

func TestGrowTraceFollowsHottestEdge(t *testing.T) {
	p := NewProfileData()
	// entry -> A (100x), entry -> B (1x): hottest edge must pick A.
	p.RecordEdge(0x10, 0x20)
	for i := 0; i < 99; i++ {
		p.RecordEdge(0x10, 0x20)
	}
	p.RecordEdge(0x10, 0x30)

	// A -> entry, forming a loop.
	p.RecordEdge(0x20, 0x10)

	pol := Policy{MaxTraceBlocks: 10, MaxTraceInstrs: 1000}
	instrCounts := map[uint64]int{0x10: 2, 0x20: 3, 0x30: 1}
	shape := GrowTrace(p, 0x10, pol, func(rip uint64) int { return instrCounts[rip] })

	if !shape.IsLoop {
		t.Fatalf("expected loop trace, got straight trace: %+v", shape)
	}
	want := []uint64{0x10, 0x20}
	if len(shape.RIPs) != len(want) {
		t.Fatalf("RIPs = %v, want %v", shape.RIPs, want)
	}
	for i, r := range want {
		if shape.RIPs[i] != r {
			t.Fatalf("RIPs[%d] = %#x, want %#x", i, shape.RIPs[i], r)
		}
	}
}

func TestGrowTraceStopsAtMaxBlocks(t *testing.T) {
	p := NewProfileData()
	p.RecordEdge(1, 2)
	p.RecordEdge(2, 3)
	p.RecordEdge(3, 4)

	pol := Policy{MaxTraceBlocks: 2, MaxTraceInstrs: 1000}
	shape := GrowTrace(p, 1, pol, func(uint64) int { return 1 })

	if len(shape.RIPs) != 2 {
		t.Fatalf("expected trace capped at 2 blocks, got %v", shape.RIPs)
	}
	if shape.IsLoop {
		t.Fatalf("expected non-loop trace when capped by block count")
	}
}

func TestGrowTraceStopsAtMaxInstrs(t *testing.T) {
	p := NewProfileData()
	p.RecordEdge(1, 2)
	p.RecordEdge(2, 3)

	pol := Policy{MaxTraceBlocks: 10, MaxTraceInstrs: 15}
	instrCounts := map[uint64]int{1: 10, 2: 10, 3: 10}
	shape := GrowTrace(p, 1, pol, func(rip uint64) int { return instrCounts[rip] })

	if len(shape.RIPs) != 1 {
		t.Fatalf("expected trace to stop after block 1 (10 instrs, +10 more exceeds cap 15), got %v", shape.RIPs)
	}
}
