package machine

import (
	"fmt"

	"github.com/wilsonzlin/aero/mmu"
	"golang.org/x/arch/x86/x86asm"
)

// ErrBadRegister indicates a bad register was used.
var ErrBadRegister = fmt.Errorf("bad register")

// CurrentInst decodes the instruction at the vCPU's current RIP, fetched the
// same way the interpreter's own fetchLinear does: paging bypassed when
// CR0.PG is clear, MMU-translated otherwise. It is a debugging aid, not
// something the dispatcher calls.
func (m *Machine) CurrentInst() (x86asm.Inst, string, error) {
	s := m.CPU
	linAddr := s.CS.Base + s.RIP

	paddr := linAddr
	if s.CR0&CR0xPG != 0 {
		p, err := m.MMU.Translate(linAddr, mmu.AccessExecute)
		if err != nil {
			return x86asm.Inst{}, "", fmt.Errorf("translate rip %#x: %w", s.RIP, err)
		}
		paddr = p
	}

	raw := m.Bus.Fetch(paddr, 15)

	d, err := x86asm.Decode(raw[:], s.Bitness())
	if err != nil {
		return x86asm.Inst{}, "", fmt.Errorf("decode %#02x at rip %#x: %w", raw, s.RIP, err)
	}

	return d, Asm(&d, s.RIP), nil
}

// Asm renders an instruction as GNU-syntax assembly for logging, matching
// the teacher's debug-print idiom.
func Asm(d *x86asm.Inst, pc uint64) string {
	return x86asm.GNUSyntax(*d, pc, nil)
}
