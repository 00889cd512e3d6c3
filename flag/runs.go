package flag

import (
	"fmt"
	"io"
	"os"

	"github.com/wilsonzlin/aero/cpuid"
	"github.com/wilsonzlin/aero/machine"
)

// Parse reads os.Args, dispatches to the "boot" or "probe" subcommand, and
// runs it to completion. It is the single entry point main.go calls (spec
// §2 "Boot").
func Parse() error {
	boot, probe, err := ParseArgs(os.Args)
	if err != nil {
		return err
	}

	if boot != nil {
		return runBoot(boot)
	}

	return runProbe(probe)
}

// runBoot loads a kernel into a fresh Machine and runs the vCPU loop to
// completion (spec §2 steps 1-6: load, identity-map, set RIP, dispatch).
func runBoot(c *BootArgs) error {
	m, err := machine.New(c.TapIfName, c.Disk, c.AHCIDisk, c.MemSize)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}

	kernel, err := os.Open(c.Kernel)
	if err != nil {
		return fmt.Errorf("open kernel: %w", err)
	}
	defer kernel.Close()

	var initrd *os.File
	if len(c.Initrd) > 0 {
		initrd, err = os.Open(c.Initrd)
		if err != nil {
			return fmt.Errorf("open initrd: %w", err)
		}
		defer initrd.Close()
	}

	var initrdReader io.ReaderAt
	if initrd != nil {
		initrdReader = initrd
	} else {
		initrdReader = emptyReaderAt{}
	}

	if err := m.LoadLinux(kernel, initrdReader, c.Params); err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}

	return m.Run()
}

// runProbe reports the host's emulation-relevant capabilities: the guest
// CPU feature bits this machine will expose via CPUID, and nothing that
// depends on real virtualization hardware, since Aero never uses one
// (spec §4.2 "software-dispatched, not VMX/SVM").
func runProbe(*ProbeArgs) error {
	fmt.Println("aero: software x86-64 emulator (no hardware virtualization required)")
	_, _, _, edx := cpuid.Leaves(1, 0)
	bit := func(f cpuid.F1Edx) uint32 { return edx >> uint32(f) & 1 }
	fmt.Printf("guest CPUID F1.EDX features exposed: FPU=%d VME=%d TSC=%d MSR=%d PAE=%d MCE=%d CX8=%d APIC=%d MMX=%d FXSR=%d SSE=%d SSE2=%d\n",
		bit(cpuid.FPU), bit(cpuid.VME), bit(cpuid.TSC), bit(cpuid.MSR), bit(cpuid.PAE), bit(cpuid.MCE), bit(cpuid.CX8), bit(cpuid.APIC), bit(cpuid.MMX), bit(cpuid.FXSR), bit(cpuid.XMM), bit(cpuid.XMM2))

	return nil
}

// emptyReaderAt is a zero-length io.ReaderAt, used when no initrd path was
// given.
type emptyReaderAt struct{}

func (emptyReaderAt) ReadAt(p []byte, off int64) (int, error) { return 0, io.EOF }
