package cpu

import (
	"golang.org/x/arch/x86/x86asm"
)

// effectiveAddr computes a memory operand's linear address. Per spec §4.2,
// 16-bit effective addresses are computed in 64-bit arithmetic and then
// masked to 16 bits before any access.
func (in *Interp) effectiveAddr(s *State, mem x86asm.Mem) uint64 {
	base := regValueOrZero(s, mem.Base)
	index := regValueOrZero(s, mem.Index)
	addr := base + index*uint64(max1(mem.Scale)) + uint64(mem.Disp)

	seg := in.segmentBase(s, mem.Segment)

	if s.Bitness() == 16 {
		addr &= 0xFFFF
	}
	return seg + addr
}

func max1(scale uint8) uint8 {
	if scale == 0 {
		return 1
	}
	return scale
}

func (in *Interp) segmentBase(s *State, seg x86asm.Reg) uint64 {
	switch seg {
	case x86asm.ES:
		return s.ES.Base
	case x86asm.CS:
		return s.CS.Base
	case x86asm.SS:
		return s.SS.Base
	case x86asm.FS:
		return s.FS.Base
	case x86asm.GS:
		return s.GS.Base
	default:
		return s.DS.Base
	}
}

func regValueOrZero(s *State, r x86asm.Reg) uint64 {
	if r == 0 {
		return 0
	}
	return readReg(s, r)
}

// readReg/writeReg translate an x86asm.Reg into our canonical GPR index,
// handling 8/16/32/64-bit sub-register views.
func readReg(s *State, r x86asm.Reg) uint64 {
	idx, width, high8 := regInfo(r)
	if idx < 0 {
		return 0
	}
	v := s.Regs.Get(idx)
	if high8 {
		return (v >> 8) & 0xFF
	}
	switch width {
	case 8:
		return v & 0xFF
	case 16:
		return v & 0xFFFF
	case 32:
		return v & 0xFFFFFFFF
	default:
		return v
	}
}

func writeReg(s *State, r x86asm.Reg, v uint64) {
	idx, width, high8 := regInfo(r)
	if idx < 0 {
		return
	}
	old := s.Regs.Get(idx)
	switch {
	case high8:
		s.Regs.Set(idx, (old &^ 0xFF00) | ((v & 0xFF) << 8))
	case width == 8:
		s.Regs.Set(idx, (old &^ 0xFF) | (v & 0xFF))
	case width == 16:
		s.Regs.Set(idx, (old &^ 0xFFFF) | (v & 0xFFFF))
	case width == 32:
		// 32-bit writes zero-extend to 64 bits (x86-64 behavior).
		s.Regs.Set(idx, v&0xFFFFFFFF)
	default:
		s.Regs.Set(idx, v)
	}
}

// regInfo maps an x86asm register to (gpr index, width in bits, is-high-byte).
func regInfo(r x86asm.Reg) (idx int, width int, high8 bool) {
	switch r {
	case x86asm.AL:
		return 0, 8, false
	case x86asm.CL:
		return 1, 8, false
	case x86asm.DL:
		return 2, 8, false
	case x86asm.BL:
		return 3, 8, false
	case x86asm.AH:
		return 0, 8, true
	case x86asm.CH:
		return 1, 8, true
	case x86asm.DH:
		return 2, 8, true
	case x86asm.BH:
		return 3, 8, true
	case x86asm.AX:
		return 0, 16, false
	case x86asm.CX:
		return 1, 16, false
	case x86asm.DX:
		return 2, 16, false
	case x86asm.BX:
		return 3, 16, false
	case x86asm.SP:
		return 4, 16, false
	case x86asm.BP:
		return 5, 16, false
	case x86asm.SI:
		return 6, 16, false
	case x86asm.DI:
		return 7, 16, false
	case x86asm.EAX:
		return 0, 32, false
	case x86asm.ECX:
		return 1, 32, false
	case x86asm.EDX:
		return 2, 32, false
	case x86asm.EBX:
		return 3, 32, false
	case x86asm.ESP:
		return 4, 32, false
	case x86asm.EBP:
		return 5, 32, false
	case x86asm.ESI:
		return 6, 32, false
	case x86asm.EDI:
		return 7, 32, false
	case x86asm.RAX:
		return 0, 64, false
	case x86asm.RCX:
		return 1, 64, false
	case x86asm.RDX:
		return 2, 64, false
	case x86asm.RBX:
		return 3, 64, false
	case x86asm.RSP:
		return 4, 64, false
	case x86asm.RBP:
		return 5, 64, false
	case x86asm.RSI:
		return 6, 64, false
	case x86asm.RDI:
		return 7, 64, false
	case x86asm.R8, x86asm.R8L, x86asm.R8W, x86asm.R8D:
		return 8, regWidthFor(r), false
	case x86asm.R9, x86asm.R9L, x86asm.R9W, x86asm.R9D:
		return 9, regWidthFor(r), false
	case x86asm.R10, x86asm.R10L, x86asm.R10W, x86asm.R10D:
		return 10, regWidthFor(r), false
	case x86asm.R11, x86asm.R11L, x86asm.R11W, x86asm.R11D:
		return 11, regWidthFor(r), false
	case x86asm.R12, x86asm.R12L, x86asm.R12W, x86asm.R12D:
		return 12, regWidthFor(r), false
	case x86asm.R13, x86asm.R13L, x86asm.R13W, x86asm.R13D:
		return 13, regWidthFor(r), false
	case x86asm.R14, x86asm.R14L, x86asm.R14W, x86asm.R14D:
		return 14, regWidthFor(r), false
	case x86asm.R15, x86asm.R15L, x86asm.R15W, x86asm.R15D:
		return 15, regWidthFor(r), false
	}
	return -1, 0, false
}

func regWidthFor(r x86asm.Reg) int {
	switch r {
	case x86asm.R8L, x86asm.R9L, x86asm.R10L, x86asm.R11L, x86asm.R12L, x86asm.R13L, x86asm.R14L, x86asm.R15L:
		return 8
	case x86asm.R8W, x86asm.R9W, x86asm.R10W, x86asm.R11W, x86asm.R12W, x86asm.R13W, x86asm.R14W, x86asm.R15W:
		return 16
	case x86asm.R8D, x86asm.R9D, x86asm.R10D, x86asm.R11D, x86asm.R12D, x86asm.R13D, x86asm.R14D, x86asm.R15D:
		return 32
	default:
		return 64
	}
}

func regWidth(r x86asm.Reg) int {
	_, w, _ := regInfo(r)
	return w
}

// readOperand reads a register, immediate, or memory operand.
func (in *Interp) readOperand(s *State, arg x86asm.Arg, width int) uint64 {
	switch v := arg.(type) {
	case x86asm.Reg:
		return readReg(s, v)
	case x86asm.Imm:
		return uint64(v)
	case x86asm.Mem:
		addr := in.effectiveAddr(s, v)
		return in.readMem(addr, width)
	}
	return 0
}

func (in *Interp) readMem(addr uint64, width int) uint64 {
	switch width {
	case 8:
		return uint64(in.Bus.ReadU8(addr))
	case 16:
		return uint64(in.Bus.ReadU16(addr))
	case 32:
		return uint64(in.Bus.ReadU32(addr))
	default:
		return in.Bus.ReadU64(addr)
	}
}

func (in *Interp) writeMem(addr uint64, width int, v uint64) {
	switch width {
	case 8:
		in.Bus.WriteU8(addr, uint8(v))
	case 16:
		in.Bus.WriteU16(addr, uint16(v))
	case 32:
		in.Bus.WriteU32(addr, uint32(v))
	default:
		in.Bus.WriteU64(addr, v)
	}
}

func (in *Interp) writeOperand(s *State, arg x86asm.Arg, width int, v uint64) {
	switch a := arg.(type) {
	case x86asm.Reg:
		writeReg(s, a, v)
	case x86asm.Mem:
		addr := in.effectiveAddr(s, a)
		in.writeMem(addr, width, v)
	}
}

func operandWidth(arg x86asm.Arg, fallback int) int {
	if r, ok := arg.(x86asm.Reg); ok {
		return regWidth(r)
	}
	return fallback
}

func (in *Interp) execMov(s *State, inst *x86asm.Inst) {
	width := operandWidth(inst.Args[0], 32)
	v := in.readOperand(s, inst.Args[1], width)
	in.writeOperand(s, inst.Args[0], width, v)
}

func (in *Interp) execLea(s *State, inst *x86asm.Inst) {
	mem := inst.Args[1].(x86asm.Mem)
	base := regValueOrZero(s, mem.Base)
	index := regValueOrZero(s, mem.Index)
	addr := base + index*uint64(max1(mem.Scale)) + uint64(mem.Disp)
	if s.Bitness() == 16 {
		addr &= 0xFFFF
	}
	width := operandWidth(inst.Args[0], 32)
	in.writeOperand(s, inst.Args[0], width, addr)
}

func arithOp(op x86asm.Op) BinOp {
	switch op {
	case x86asm.ADD:
		return OpAdd
	case x86asm.SUB, x86asm.CMP:
		return OpSub
	case x86asm.AND:
		return OpAnd
	case x86asm.OR:
		return OpOr
	case x86asm.XOR:
		return OpXor
	case x86asm.ADC:
		return OpAdc
	case x86asm.SBB:
		return OpSbb
	default:
		return OpAdd
	}
}

func (in *Interp) execArith(s *State, inst *x86asm.Inst) {
	width := operandWidth(inst.Args[0], 32)
	a := in.readOperand(s, inst.Args[0], width)
	b := in.readOperand(s, inst.Args[1], width)
	res, flags := EvalBinOp(arithOp(inst.Op), a, b, width, s.RFLAGS)
	s.RFLAGS = (s.RFLAGS &^ flagsMask) | flags
	if inst.Op != x86asm.CMP {
		in.writeOperand(s, inst.Args[0], width, res)
	}
}

func (in *Interp) execTest(s *State, inst *x86asm.Inst) {
	width := operandWidth(inst.Args[0], 32)
	a := in.readOperand(s, inst.Args[0], width)
	b := in.readOperand(s, inst.Args[1], width)
	_, flags := EvalBinOp(OpAnd, a, b, width, s.RFLAGS)
	s.RFLAGS = (s.RFLAGS &^ flagsMask) | flags
}

func (in *Interp) execIncDec(s *State, inst *x86asm.Inst) {
	width := operandWidth(inst.Args[0], 32)
	a := in.readOperand(s, inst.Args[0], width)
	op := OpAdd
	if inst.Op == x86asm.DEC {
		op = OpSub
	}
	res, flags := EvalBinOp(op, a, 1, width, s.RFLAGS)
	// INC/DEC never touch CF.
	s.RFLAGS = (s.RFLAGS &^ (flagsMask &^ FlagCF)) | (flags &^ FlagCF) | (s.RFLAGS & FlagCF)
	in.writeOperand(s, inst.Args[0], width, res)
}

func (in *Interp) execXchg(s *State, inst *x86asm.Inst) {
	width := operandWidth(inst.Args[0], 32)
	a := in.readOperand(s, inst.Args[0], width)
	b := in.readOperand(s, inst.Args[1], width)
	in.writeOperand(s, inst.Args[0], width, b)
	in.writeOperand(s, inst.Args[1], width, a)
}

const flagsMask = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF

func (in *Interp) stackWidth(s *State) int {
	if s.Bitness() == 64 {
		return 64
	}
	if s.Bitness() == 32 {
		return 32
	}
	return 16
}

func (in *Interp) execPush(s *State, inst *x86asm.Inst) {
	width := in.stackWidth(s)
	v := in.readOperand(s, inst.Args[0], width)
	in.push(s, v, width)
}

func (in *Interp) push(s *State, v uint64, width int) {
	n := uint64(width / 8)
	sp := (s.Regs.RSP - n)
	if s.Bitness() == 16 {
		sp &= 0xFFFF
	} else if s.Bitness() == 32 {
		sp &= 0xFFFFFFFF
	}
	s.Regs.RSP = sp
	in.writeMem(s.SS.Base+sp, width, v)
}

func (in *Interp) pop(s *State, width int) uint64 {
	sp := s.Regs.RSP
	v := in.readMem(s.SS.Base+sp, width)
	n := uint64(width / 8)
	newSP := sp + n
	if s.Bitness() == 16 {
		newSP &= 0xFFFF
	} else if s.Bitness() == 32 {
		newSP &= 0xFFFFFFFF
	}
	s.Regs.RSP = newSP
	return v
}

func (in *Interp) execPop(s *State, inst *x86asm.Inst) {
	width := in.stackWidth(s)
	v := in.pop(s, width)
	in.writeOperand(s, inst.Args[0], width, v)
}

func (in *Interp) execCall(s *State, inst *x86asm.Inst, fallthroughRIP uint64) uint64 {
	width := in.stackWidth(s)
	in.push(s, fallthroughRIP, width)
	return in.branchTarget(s, inst.Args[0], fallthroughRIP)
}

func (in *Interp) execRet(s *State, inst *x86asm.Inst) uint64 {
	width := in.stackWidth(s)
	target := in.pop(s, width)
	if len(inst.Args) > 0 {
		if imm, ok := inst.Args[0].(x86asm.Imm); ok {
			s.Regs.RSP += uint64(imm)
		}
	}
	return target
}

func (in *Interp) branchTarget(s *State, arg x86asm.Arg, fallthroughRIP uint64) uint64 {
	switch v := arg.(type) {
	case x86asm.Rel:
		return uint64(int64(fallthroughRIP) + int64(v))
	case x86asm.Reg:
		return readReg(s, v)
	case x86asm.Mem:
		addr := in.effectiveAddr(s, v)
		width := in.stackWidth(s)
		return in.readMem(addr, width)
	}
	return fallthroughRIP
}

func (in *Interp) execJmp(s *State, inst *x86asm.Inst, fallthroughRIP uint64) uint64 {
	return in.branchTarget(s, inst.Args[0], fallthroughRIP)
}

func (in *Interp) execJcc(s *State, inst *x86asm.Inst, fallthroughRIP uint64) uint64 {
	if EvalCondition(inst.Op, s.RFLAGS) {
		return in.branchTarget(s, inst.Args[0], fallthroughRIP)
	}
	return fallthroughRIP
}

// EvalCondition evaluates a Jcc/SETcc condition code against RFLAGS. It is
// exported so the Tier-2 IR's guard-check lowering shares the exact same
// logic as Tier-0 (spec §4.2's equivalence contract).
func EvalCondition(op x86asm.Op, flags uint64) bool {
	zf := flags&FlagZF != 0
	sf := flags&FlagSF != 0
	cf := flags&FlagCF != 0
	of := flags&FlagOF != 0
	pf := flags&FlagPF != 0

	switch op {
	case x86asm.JE:
		return zf
	case x86asm.JNE:
		return !zf
	case x86asm.JL:
		return sf != of
	case x86asm.JGE:
		return sf == of
	case x86asm.JLE:
		return zf || sf != of
	case x86asm.JG:
		return !zf && sf == of
	case x86asm.JB:
		return cf
	case x86asm.JAE:
		return !cf
	case x86asm.JBE:
		return cf || zf
	case x86asm.JA:
		return !cf && !zf
	case x86asm.JS:
		return sf
	case x86asm.JNS:
		return !sf
	case x86asm.JO:
		return of
	case x86asm.JNO:
		return !of
	case x86asm.JP:
		return pf
	case x86asm.JNP:
		return !pf
	}
	return false
}

func (in *Interp) execIn(s *State, inst *x86asm.Inst) {
	portArg := inst.Args[1]
	width := operandWidth(inst.Args[0], 32)
	port := in.readOperand(s, portArg, 16)
	v, _ := in.Bus.IORead(port, width/8)
	in.writeOperand(s, inst.Args[0], width, v)
}

func (in *Interp) execOut(s *State, inst *x86asm.Inst) {
	portArg := inst.Args[0]
	width := operandWidth(inst.Args[1], 32)
	port := in.readOperand(s, portArg, 16)
	v := in.readOperand(s, inst.Args[1], width)
	_ = in.Bus.IOWrite(port, width/8, v)
}
