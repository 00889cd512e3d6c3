package jit

import (
	"github.com/wilsonzlin/aero/bus"
	"github.com/wilsonzlin/aero/cpu"
	"golang.org/x/arch/x86/x86asm"
)

// BlockEndReason records why block discovery stopped at a given
// instruction, mirroring the enumeration in spec §4.2 ("Discovers a basic
// block...").
type BlockEndReason int

const (
	EndControlFlow  BlockEndReason = iota // jmp/jcc/call/ret
	EndPrivileged                         // a privileged instruction
	EndMMIOGuard                          // statically known to hit MMIO
	EndMayFault                           // an instruction that may fault (e.g. unresolved mem op)
	EndByteCap                            // hard byte-length cap reached
	EndDecodeError                        // instruction failed to decode
)

// MaxBlockBytes is the hard byte-length cap on Tier-1 block discovery
// (spec §4.2 "hard byte-length cap").
const MaxBlockBytes = 4096

// DiscoveredBlock is the output of Tier-1 block discovery: the raw
// instruction sequence plus the reason discovery stopped.
type DiscoveredBlock struct {
	EntryRIP     uint64
	CSBase       uint64
	Bitness      int
	Instructions []x86asm.Inst
	InstrRIPs    []uint64 // RIP at the start of each instruction
	ByteLen      int
	EndReason    BlockEndReason
}

func isControlFlow(op x86asm.Op) bool {
	switch op {
	case x86asm.JMP, x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ,
		x86asm.JECXZ, x86asm.JRCXZ, x86asm.JE, x86asm.JG, x86asm.JGE, x86asm.JL,
		x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO,
		x86asm.JP, x86asm.JS, x86asm.CALL, x86asm.RET, x86asm.IRET, x86asm.LOOP,
		x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

func isPrivileged(op x86asm.Op) bool {
	switch op {
	case x86asm.HLT, x86asm.IN, x86asm.OUT, x86asm.INSB, x86asm.INSW, x86asm.INSD,
		x86asm.OUTSB, x86asm.OUTSW, x86asm.OUTSD, x86asm.CLI, x86asm.STI,
		x86asm.LGDT, x86asm.LIDT, x86asm.LLDT, x86asm.LTR, x86asm.INVLPG,
		x86asm.MOV_CR, x86asm.MOV_DR, x86asm.WRMSR, x86asm.RDMSR, x86asm.INT,
		x86asm.INT3, x86asm.IRETD, x86asm.IRETQ:
		return true
	}
	return false
}

// touchesMemory reports whether any operand of inst is a memory reference,
// which forces a side-exit candidate: Tier-1 cannot tell statically whether
// the access lands on MMIO (spec §4.2 "MMIO accesses must not cross
// tier-1 block boundaries speculatively").
func touchesMemory(inst x86asm.Inst) bool {
	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		if _, ok := a.(x86asm.Mem); ok {
			return true
		}
	}
	return false
}

// DiscoverBlock walks b starting at (csBase+entryRIP), decoding instructions
// until a control-flow instruction, a privileged instruction, a
// memory-touching instruction (treated conservatively as an MMIO-guard
// candidate), a decode failure, or the byte cap (spec §4.2).
func DiscoverBlock(b *bus.Bus, entryRIP, csBase uint64, bitness int) DiscoveredBlock {
	out := DiscoveredBlock{EntryRIP: entryRIP, CSBase: csBase, Bitness: bitness}
	rip := entryRIP
	for out.ByteLen < MaxBlockBytes {
		code := b.Fetch(csBase+rip, 15)
		inst, err := x86asm.Decode(code[:], bitness)
		if err != nil || inst.Len == 0 {
			out.EndReason = EndDecodeError
			return out
		}
		out.Instructions = append(out.Instructions, inst)
		out.InstrRIPs = append(out.InstrRIPs, rip)
		out.ByteLen += inst.Len
		rip += uint64(inst.Len)

		switch {
		case isControlFlow(inst.Op):
			out.EndReason = EndControlFlow
			return out
		case isPrivileged(inst.Op):
			out.EndReason = EndPrivileged
			return out
		case touchesMemory(inst):
			out.EndReason = EndMMIOGuard
			return out
		}
	}
	out.EndReason = EndByteCap
	return out
}

// Tier1Inst is one lowered Tier-1 IR entry. Semantics are delegated to the
// shared Tier-0 interpreter step function (through the compiled module's
// "env.exec_instr" host import, or ExecuteViaInterpreter) so Tier-1
// is observationally identical to Tier-0 by construction (spec §4.2
// contract: "on any observable side effect... the tier must produce the
// exact same sequence as Tier-0 would"); what Tier-1 actually compiles is
// the block's *control shape* — how many instructions run before the
// dispatcher needs to re-check pending exceptions/interrupts — collapsing
// what would otherwise be N dispatcher round-trips into one WASM call.
type Tier1Inst struct {
	RIP            uint64
	MayMemFault     bool
	MayPortIO       bool
	IsTerminator    bool // last instruction of the block
}

// LowerBlock turns a DiscoveredBlock into the Tier1Inst sequence the
// backend compiles.
func LowerBlock(d DiscoveredBlock) []Tier1Inst {
	out := make([]Tier1Inst, len(d.Instructions))
	for i, inst := range d.Instructions {
		out[i] = Tier1Inst{
			RIP:          d.InstrRIPs[i],
			MayMemFault:  touchesMemory(inst),
			MayPortIO:    inst.Op == x86asm.IN || inst.Op == x86asm.OUT,
			IsTerminator: i == len(d.Instructions)-1,
		}
	}
	return out
}

// BlockMetaFrom builds the BlockMeta (page-version snapshot, byte length,
// inhibit-interrupts flag) that accompanies a compiled handle (spec §3 /
// §4.2 "inhibit_interrupts_after_block").
func BlockMetaFrom(d DiscoveredBlock, pvs PageVersionSource, pageOf func(paddr uint64) uint64) BlockMeta {
	pages := map[uint64]struct{}{}
	for _, rip := range d.InstrRIPs {
		pages[pageOf(d.CSBase+rip)] = struct{}{}
	}
	meta := BlockMeta{
		CodePAddr:              d.CSBase + d.EntryRIP,
		ByteLen:                d.ByteLen,
		PageVersionsGeneration: pvs.Generation(),
		InstructionCount:       len(d.Instructions),
	}
	for p := range pages {
		meta.PageVersions = append(meta.PageVersions, PageVersionEntry{Page: p, Version: pvs.PageVersion(p)})
	}
	if len(d.Instructions) > 0 {
		last := d.Instructions[len(d.Instructions)-1]
		meta.InhibitInterruptsAfter = last.Op == x86asm.STI || (last.Op == x86asm.MOV && touchesSS(last))
	}
	return meta
}

func touchesSS(inst x86asm.Inst) bool {
	for _, a := range inst.Args {
		if r, ok := a.(x86asm.Reg); ok && r == x86asm.SS {
			return true
		}
	}
	return false
}

// ExecuteViaInterpreter runs a discovered block instruction-by-instruction
// through the Tier-0 interpreter. This is what both the WASM and native
// backends call back into per instruction, which is what makes them
// observationally equivalent to Tier-0 rather than merely similar to it.
func ExecuteViaInterpreter(in *cpu.Interp, s *cpu.State, d DiscoveredBlock) (nextRIP uint64, sideExit bool, err error) {
	for range d.Instructions {
		res, stepErr := in.Step(s)
		if stepErr != nil {
			return s.RIP, true, stepErr
		}
		if res.PortIO || res.MMIOAccess {
			return res.NextRIP, true, nil
		}
		if s.PendingException != nil {
			return res.NextRIP, true, nil
		}
	}
	return s.RIP, false, nil
}
