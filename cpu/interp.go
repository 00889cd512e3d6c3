package cpu

import (
	"github.com/wilsonzlin/aero/bus"
	"github.com/wilsonzlin/aero/mmu"
	"golang.org/x/arch/x86/x86asm"
)

// Interp is the Tier-0 baseline interpreter: it decodes and executes one
// instruction at a time and is the ground truth every JIT tier must match
// at observable boundaries (spec §4.2).
type Interp struct {
	Bus *bus.Bus
	MMU *mmu.MMU
}

// New0 returns an interpreter bound to the given bus and MMU.
func New0(b *bus.Bus, m *mmu.MMU) *Interp {
	return &Interp{Bus: b, MMU: m}
}

// StepResult reports what happened to let callers (the dispatcher, or a
// Tier-1 side-exit handler) decide what to do next.
type StepResult struct {
	NextRIP        uint64
	PortIO         bool
	MMIOAccess     bool
	InstructionLen int
}

// fetchLinear reads up to 15 bytes at the given linear (already segment +
// offset resolved) virtual address, walking the MMU if paging is active.
func (in *Interp) fetchLinear(s *State, vaddr uint64) [15]byte {
	paddr := vaddr
	if s.CR0&0x80000000 != 0 { // PG bit
		if p, err := in.MMU.Translate(vaddr, mmu.AccessExecute); err == nil {
			paddr = p
		}
	}
	return in.Bus.Fetch(paddr, 15)
}

// Step decodes and executes exactly one instruction, updating s in place.
// It returns the side effects observed so the dispatcher can preserve
// ordering at interrupt/port-I/O/MMIO boundaries (spec §4.2).
func (in *Interp) Step(s *State) (StepResult, error) {
	if s.PendingException != nil {
		return in.serviceException(s)
	}

	linAddr := s.CS.Base + s.RIP
	raw := in.fetchLinear(s, linAddr)

	mode := 32
	switch s.Bitness() {
	case 16:
		mode = 16
	case 64:
		mode = 64
	}

	inst, err := x86asm.Decode(raw[:], mode)
	if err != nil {
		s.PendingException = &Exception{Vector: 6} // #UD
		return StepResult{}, nil
	}

	res := StepResult{InstructionLen: inst.Len}
	nextRIP := s.RIP + uint64(inst.Len)
	wasInhibited := s.InhibitInterrupts
	s.InhibitInterrupts = false

	switch inst.Op {
	case x86asm.NOP:
		// no-op

	case x86asm.MOV:
		in.execMov(s, &inst)

	case x86asm.LEA:
		in.execLea(s, &inst)

	case x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.CMP, x86asm.ADC, x86asm.SBB:
		in.execArith(s, &inst)

	case x86asm.INC, x86asm.DEC:
		in.execIncDec(s, &inst)

	case x86asm.PUSH:
		in.execPush(s, &inst)
	case x86asm.POP:
		in.execPop(s, &inst)

	case x86asm.CALL:
		nextRIP = in.execCall(s, &inst, nextRIP)
	case x86asm.RET:
		nextRIP = in.execRet(s, &inst)

	case x86asm.JMP:
		nextRIP = in.execJmp(s, &inst, nextRIP)

	case x86asm.JE, x86asm.JNE, x86asm.JL, x86asm.JGE, x86asm.JLE, x86asm.JG,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JS, x86asm.JNS,
		x86asm.JO, x86asm.JNO, x86asm.JP, x86asm.JNP:
		nextRIP = in.execJcc(s, &inst, nextRIP)

	case x86asm.TEST:
		in.execTest(s, &inst)

	case x86asm.IN:
		res.PortIO = true
		in.execIn(s, &inst)
	case x86asm.OUT:
		res.PortIO = true
		in.execOut(s, &inst)

	case x86asm.STI:
		s.RFLAGS |= FlagIF
		s.InhibitInterrupts = true // one-instruction shadow, spec §4.2
	case x86asm.CLI:
		s.RFLAGS &^= FlagIF
	case x86asm.CLD:
		s.RFLAGS &^= FlagDF
	case x86asm.STD:
		s.RFLAGS |= FlagDF

	case x86asm.HLT:
		// HLT is executed as a no-op: RIP advances past it like any
		// other instruction and execution continues; no wait for an
		// interrupt is modeled.

	case x86asm.INT:
		imm, _ := inst.Args[0].(x86asm.Imm)
		s.PendingException = &Exception{Vector: uint8(imm)}

	case x86asm.XCHG:
		in.execXchg(s, &inst)

	case x86asm.INVLPG:
		if mem, ok := inst.Args[0].(x86asm.Mem); ok {
			addr := in.effectiveAddr(s, mem)
			in.MMU.Invlpg(addr)
		}

	default:
		// Unknown/unimplemented opcode: side-exit semantics (spec §4.2) —
		// surface as #UD so upper tiers fall back to this same path.
		s.PendingException = &Exception{Vector: 6}
		return res, nil
	}

	_ = wasInhibited
	s.RIP = nextRIP
	res.NextRIP = nextRIP
	return res, nil
}

func (in *Interp) serviceException(s *State) (StepResult, error) {
	exc := s.PendingException
	s.PendingException = nil
	// A full IDT-driven injection is modeled at the machine layer; Tier-0
	// here performs the minimal real-mode interrupt vector dispatch so unit
	// tests can exercise INT without a full protected-mode IDT.
	if s.Mode == ModeReal {
		vecAddr := uint64(exc.Vector) * 4
		ip := uint64(in.Bus.ReadU16(vecAddr))
		cs := uint64(in.Bus.ReadU16(vecAddr + 2))
		in.pushReal(s, uint16(s.RFLAGS))
		in.pushReal(s, s.CS.Selector)
		in.pushReal(s, uint16(s.RIP))
		s.RFLAGS &^= FlagIF
		s.CS = Segment{Selector: uint16(cs), Base: cs << 4, Limit: 0xFFFF}
		s.RIP = ip
	}
	return StepResult{NextRIP: s.RIP}, nil
}

func (in *Interp) pushReal(s *State, v uint16) {
	s.Regs.RSP = (s.Regs.RSP - 2) & 0xFFFF
	addr := s.SS.Base + (s.Regs.RSP & 0xFFFF)
	in.Bus.WriteU16(addr, v)
}
