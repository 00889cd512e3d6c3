package machine_test

import (
	"testing"

	"github.com/wilsonzlin/aero/cpu"
	"github.com/wilsonzlin/aero/machine"
)

func TestCurrentInstRealMode(t *testing.T) {
	t.Parallel()

	m, err := machine.New("", "", "", machine.MinMemSize)
	if err != nil {
		t.Fatalf("New: got %v, want nil", err)
	}

	// CR0.PG is clear on a freshly reset CPU, so CurrentInst must use the
	// linear address directly rather than walking the MMU.
	m.CPU.CS = cpu.Segment{Base: 0, Limit: 0xFFFFFFFF}
	m.CPU.RIP = 0x100000

	inst, asm, err := m.CurrentInst()
	if err != nil {
		t.Fatalf("CurrentInst: got %v, want nil", err)
	}

	t.Logf("inst=%v asm=%q", inst, asm)

	if asm == "" {
		t.Fatal("CurrentInst: empty disassembly")
	}
}

func TestCurrentInstUsesSegmentBase(t *testing.T) {
	t.Parallel()

	m, err := machine.New("", "", "", machine.MinMemSize)
	if err != nil {
		t.Fatalf("New: got %v, want nil", err)
	}

	// RIP alone doesn't land on the poisoned region; CS.Base must be added
	// in, matching cpu.Interp's own fetchLinear computation.
	m.CPU.CS = cpu.Segment{Base: 0x100000, Limit: 0xFFFFFFFF}
	m.CPU.RIP = 0

	if _, _, err := m.CurrentInst(); err != nil {
		t.Fatalf("CurrentInst: got %v, want nil", err)
	}
}
