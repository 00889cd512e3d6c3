// Package jit implements the tiered JIT runtime: the code cache, the Tier-1
// baseline block compiler, the Tier-2 trace optimizer, and the dispatcher
// that ties them to the Tier-0 interpreter (spec §4.2).
package jit

import "github.com/wilsonzlin/aero/cpu"

// ValueID names an SSA value within a Tier-2 Function.
type ValueID int

// InstrKind is the opcode of a Tier-2 IR instruction (spec §3 "Tier-2 IR").
type InstrKind int

const (
	IRLoadReg InstrKind = iota
	IRStoreReg
	IRConst
	IRBinOp
	IRMemLoad
	IRMemStore
)

// Instr is one SSA-ish Tier-2 IR instruction. Not every field is used by
// every Kind; see the Kind-specific comments.
type Instr struct {
	ID   ValueID
	Kind InstrKind

	// IRLoadReg/IRStoreReg: which guest GPR index (0..15).
	RegIndex int
	// IRStoreReg/IRMemStore: value being stored.
	Src ValueID

	// IRConst: the constant value.
	ConstVal uint64

	// IRBinOp.
	Op       cpu.BinOp
	Lhs, Rhs ValueID
	Width    int
	// FlagMask records which RFLAGS bits this BinOp's result feeds; the
	// flag-elision pass clears bits a later same-width BinOp fully
	// overwrites (spec §4.2 pass 4).
	FlagMask uint64

	// IRMemLoad/IRMemStore.
	Addr ValueID

	// live is set by the dead-code-elimination pass, which compacts every
	// instruction left with live==false out of its block.
	live bool
}

// TerminatorKind distinguishes a block's exit shape.
type TerminatorKind int

const (
	TermReturn TerminatorKind = iota
	TermBranch
	TermSideExit
)

// Terminator ends a Block (spec §3).
type Terminator struct {
	Kind TerminatorKind

	// TermReturn: the (possibly computed) next-rip value.
	NextRIP ValueID
	// TermBranch: condition value (nonzero => ThenBB).
	Cond           ValueID
	ThenBB, ElseBB BlockID
	// TermSideExit: the guest RIP to resume Tier-0 interpretation at.
	SideExitRIP uint64
}

// BlockID names a Block within a Function.
type BlockID int

// Block is a single-entry straight-line sequence of Tier-2 IR instructions.
type Block struct {
	ID       BlockID
	StartRIP uint64
	Instrs   []Instr
	Term     Terminator
}

// Function is a compiled trace or block-graph: an entry block plus all
// blocks it can reach (spec §3).
type Function struct {
	Entry  BlockID
	Blocks []Block
}

func (f *Function) block(id BlockID) *Block {
	for i := range f.Blocks {
		if f.Blocks[i].ID == id {
			return &f.Blocks[i]
		}
	}
	return nil
}

// --- Optimization passes (spec §4.2 Tier-2) ---

// ConstantFold replaces BinOps whose operands are both IRConst with a
// folded IRConst, using the same EvalBinOp the interpreter uses so folded
// results are bit-for-bit what Tier-0 would have produced.
func ConstantFold(f *Function) {
	for bi := range f.Blocks {
		block := &f.Blocks[bi]
		consts := map[ValueID]uint64{}
		for i := range block.Instrs {
			in := &block.Instrs[i]
			if in.Kind == IRConst {
				consts[in.ID] = in.ConstVal
			}
			if in.Kind == IRBinOp {
				lhs, lok := consts[in.Lhs]
				rhs, rok := consts[in.Rhs]
				if lok && rok {
					res, _ := cpu.EvalBinOp(in.Op, lhs, rhs, in.Width, 0)
					in.Kind = IRConst
					in.ConstVal = res
					consts[in.ID] = res
				}
			}
		}
	}
}

// DeadCodeElimination marks every instruction whose ValueID is never read
// by a later instruction or a terminator as dead, then compacts it out of
// the block. StoreReg/MemStore/MemLoad are always kept: they have
// observable side effects (spec §4.2 pass 2). A BinOp with a non-zero
// FlagMask is also kept, since its flag output is still live.
func DeadCodeElimination(f *Function) {
	for bi := range f.Blocks {
		block := &f.Blocks[bi]
		used := map[ValueID]bool{}
		markTermUses(used, block.Term)
		for i := len(block.Instrs) - 1; i >= 0; i-- {
			in := &block.Instrs[i]
			hasSideEffect := in.Kind == IRStoreReg || in.Kind == IRMemStore || in.Kind == IRMemLoad
			liveFlags := in.Kind == IRBinOp && in.FlagMask != 0
			in.live = hasSideEffect || liveFlags || used[in.ID]
			if in.live {
				switch in.Kind {
				case IRBinOp:
					used[in.Lhs] = true
					used[in.Rhs] = true
				case IRStoreReg:
					used[in.Src] = true
				case IRMemStore:
					used[in.Src] = true
					used[in.Addr] = true
				case IRMemLoad:
					used[in.Addr] = true
				}
			}
		}
		compacted := block.Instrs[:0]
		for _, in := range block.Instrs {
			if in.live {
				compacted = append(compacted, in)
			}
		}
		block.Instrs = compacted
	}
}

func markTermUses(used map[ValueID]bool, t Terminator) {
	switch t.Kind {
	case TermReturn:
		used[t.NextRIP] = true
	case TermBranch:
		used[t.Cond] = true
	}
}

// FlagElision clears FlagMask bits on a BinOp when the next BinOp in the
// same block has the same Width and sets those bits again (spec §4.2 pass
// 4). Only consecutive BinOps are compared; the instructions between them
// are not inspected for flag reads.
func FlagElision(f *Function) {
	for bi := range f.Blocks {
		block := &f.Blocks[bi]
		var lastBinOp *Instr
		for i := range block.Instrs {
			in := &block.Instrs[i]
			if in.Kind != IRBinOp {
				continue
			}
			if lastBinOp != nil && lastBinOp.Width == in.Width {
				lastBinOp.FlagMask &^= in.FlagMask
			}
			lastBinOp = in
		}
	}
}

// RegisterAllocationPlan is the output of the register-allocation pass
// (spec §4.2 pass 3): a mapping from guest register index to a host local
// slot. It holds no list of registers to spill.
type RegisterAllocationPlan struct {
	HostLocal map[int]int // guest reg index -> local slot
}

// PlanRegisterAllocation assigns one host local per guest GPR referenced in
// the function, so LoadReg/StoreReg only need to execute at trace
// boundaries and side-exits (spec §4.2 pass 3), not on every access.
func PlanRegisterAllocation(f *Function) RegisterAllocationPlan {
	plan := RegisterAllocationPlan{HostLocal: map[int]int{}}
	next := 0
	for _, block := range f.Blocks {
		for _, in := range block.Instrs {
			if in.Kind == IRLoadReg || in.Kind == IRStoreReg {
				if _, ok := plan.HostLocal[in.RegIndex]; !ok {
					plan.HostLocal[in.RegIndex] = next
					next++
				}
			}
		}
	}
	return plan
}

// RunOptimizationPipeline applies all four Tier-2 passes in the order spec
// §4.2 lists them.
func RunOptimizationPipeline(f *Function) RegisterAllocationPlan {
	ConstantFold(f)
	DeadCodeElimination(f)
	plan := PlanRegisterAllocation(f)
	FlagElision(f)
	return plan
}
