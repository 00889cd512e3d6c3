package jit

import (
	"testing"

	"github.com/wilsonzlin/aero/bus"
)

func TestDiscoverBlockStopsAtControlFlow(t *testing.T) {
	b := bus.New(4096)
	code := []byte{
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xBB, 0x02, 0x00, 0x00, 0x00, // mov ebx, 2
		0xEB, 0xFE, // jmp $
	}
	if err := b.WritePhysical(0, code); err != nil {
		t.Fatalf("WritePhysical: %v", err)
	}

	disc := DiscoverBlock(b, 0, 0, 32)
	if disc.EndReason != EndControlFlow {
		t.Fatalf("EndReason = %v, want EndControlFlow", disc.EndReason)
	}
	if len(disc.Instructions) != 3 {
		t.Fatalf("got %d instructions, want 3", len(disc.Instructions))
	}
	if disc.ByteLen != len(code) {
		t.Fatalf("ByteLen = %d, want %d", disc.ByteLen, len(code))
	}
	if disc.InstrRIPs[0] != 0 || disc.InstrRIPs[1] != 5 || disc.InstrRIPs[2] != 10 {
		t.Fatalf("unexpected InstrRIPs: %v", disc.InstrRIPs)
	}
}

func TestDiscoverBlockStopsAtMemoryAccess(t *testing.T) {
	b := bus.New(4096)
	code := []byte{
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0x89, 0x05, 0x00, 0x10, 0x00, 0x00, // mov [0x1000], eax
	}
	if err := b.WritePhysical(0, code); err != nil {
		t.Fatalf("WritePhysical: %v", err)
	}

	disc := DiscoverBlock(b, 0, 0, 32)
	if disc.EndReason != EndMMIOGuard {
		t.Fatalf("EndReason = %v, want EndMMIOGuard", disc.EndReason)
	}
	if len(disc.Instructions) != 2 {
		t.Fatalf("got %d instructions, want 2", len(disc.Instructions))
	}
}

func TestLowerBlockMarksTerminator(t *testing.T) {
	b := bus.New(4096)
	code := []byte{
		0x90,       // nop
		0xEB, 0xFE, // jmp $
	}
	if err := b.WritePhysical(0, code); err != nil {
		t.Fatalf("WritePhysical: %v", err)
	}
	disc := DiscoverBlock(b, 0, 0, 32)
	lowered := LowerBlock(disc)
	if len(lowered) != 2 {
		t.Fatalf("got %d lowered instrs, want 2", len(lowered))
	}
	if lowered[0].IsTerminator {
		t.Fatalf("first instruction should not be marked terminator")
	}
	if !lowered[1].IsTerminator {
		t.Fatalf("last instruction should be marked terminator")
	}
}

func TestBlockMetaFromCapturesPageVersions(t *testing.T) {
	b := bus.New(4096)
	code := []byte{0xEB, 0xFE} // jmp $
	if err := b.WritePhysical(0, code); err != nil {
		t.Fatalf("WritePhysical: %v", err)
	}
	disc := DiscoverBlock(b, 0, 0, 32)
	meta := BlockMetaFrom(disc, b, func(paddr uint64) uint64 { return paddr >> 12 })
	if len(meta.PageVersions) != 1 || meta.PageVersions[0].Page != 0 {
		t.Fatalf("unexpected PageVersions: %+v", meta.PageVersions)
	}
	if meta.ByteLen != 2 {
		t.Fatalf("ByteLen = %d, want 2", meta.ByteLen)
	}
}
