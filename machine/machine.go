// Package machine wires the bus/mmu/cpu/jit stack, the PCI bus, and the
// attached devices into one runnable guest, the same role the teacher's
// machine.Machine played over hardware KVM — except every exit here is a
// software dispatcher step, not a VMEXIT (spec §4.2, §5).
package machine

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"

	"github.com/wilsonzlin/aero/bootparam"
	"github.com/wilsonzlin/aero/bus"
	"github.com/wilsonzlin/aero/cpu"
	"github.com/wilsonzlin/aero/devices/ahci"
	"github.com/wilsonzlin/aero/ebda"
	"github.com/wilsonzlin/aero/jit"
	"github.com/wilsonzlin/aero/mmu"
	"github.com/wilsonzlin/aero/pci"
	"github.com/wilsonzlin/aero/serial"
	"github.com/wilsonzlin/aero/tap"
	"github.com/wilsonzlin/aero/virtio"
)

// ErrZeroSizeKernel indicates the kernel image read zero bytes.
var ErrZeroSizeKernel = errors.New("kernel is 0 bytes")

// ErrMemTooSmall indicates the requested memory size is too small.
var ErrMemTooSmall = fmt.Errorf("mem request must be at least 1<<25")

// ErrUnsupported indicates something this machine does not (yet) do.
var ErrUnsupported = fmt.Errorf("unsupported")

// Machine is one guest: a physical bus, an MMU, a single vCPU's
// architectural state driven through the tiered dispatcher, and the PCI
// bus plus devices attached to it.
type Machine struct {
	Bus        *bus.Bus
	MMU        *mmu.MMU
	Interp     *cpu.Interp
	Backend    jit.Backend
	Cache      *jit.Cache
	Dispatcher *jit.Dispatcher
	CPU        *cpu.State

	pic    *pic
	pci    *pci.PCI
	serial *serial.Serial
	ahci   *ahci.Controller

	compileReqs chan jit.CompileRequest
	shutdown    atomic.Bool
}

// portFuncs adapts a pair of handler funcs to bus.PortHandler, so device
// registration can keep the (port, in, out) shape the teacher's
// ioportHandlers array used without machine.go owning its own dispatch
// table — bus.Bus already does that job (spec §4.1).
type portFuncs struct {
	in, out func(port uint64, data []byte) error
}

func (p portFuncs) In(port uint64, buf []byte) error  { return p.in(port, buf) }
func (p portFuncs) Out(port uint64, buf []byte) error { return p.out(port, buf) }

func noIn(port uint64, data []byte) error { return nil }

// New creates a single-vCPU machine with memSize bytes of guest RAM, a
// WASM-backed Tier-1 JIT, an optional tap-attached virtio-net device, an
// optional file-backed virtio-blk device, and an optional file-backed AHCI
// disk. ahciDiskPath may be empty, in which case the AHCI controller is
// still attached (spec §4.4 expects the HBA present even with no device
// behind the port) but reports no device.
func New(tapIfName, diskPath, ahciDiskPath string, memSize int) (*Machine, error) {
	if memSize < MinMemSize {
		return nil, fmt.Errorf("memory size %d:%w", memSize, ErrMemTooSmall)
	}

	m := &Machine{}

	b := bus.New(memSize)
	m.Bus = b
	m.MMU = mmu.New(b)
	m.Interp = cpu.New0(b, m.MMU)
	m.CPU = cpu.New()
	m.Cache = jit.NewCache(DefaultCacheBlocks, DefaultCacheBytes)

	backend, err := jit.NewWasmBackend(context.Background())
	if err != nil {
		return nil, fmt.Errorf("jit backend: %w", err)
	}
	m.Backend = backend

	m.pic = newPIC()
	m.Dispatcher = jit.NewDispatcher(b, m.Interp, m.Backend, m.Cache, m.pic)
	m.compileReqs = make(chan jit.CompileRequest, CompileQueueDepth)
	m.Dispatcher.CompileRequests = m.compileReqs
	go m.compileWorker()

	e, err := ebda.New(1)
	if err != nil {
		return nil, err
	}
	ebdaBytes, err := e.Bytes()
	if err != nil {
		return nil, err
	}
	if err := b.WritePhysical(bootparam.EBDAStart, ebdaBytes); err != nil {
		return nil, err
	}

	m.pci = pci.New(pci.NewBridge()) // 00:00.0 for PCI bridge

	if len(tapIfName) > 0 {
		t, err := tap.New(tapIfName)
		if err != nil {
			return nil, err
		}

		v := virtio.NewNet(virtioNetIRQ, m, t, b.RAMBytes())
		go v.TxThreadEntry()
		go v.RxThreadEntry()
		m.pci.Devices = append(m.pci.Devices, v) // 00:01.0
	}

	if len(diskPath) > 0 {
		v, err := virtio.NewBlk(diskPath, virtioBlkIRQ, m, b.RAMBytes())
		if err != nil {
			return nil, err
		}

		go v.IOThreadEntry()
		m.pci.Devices = append(m.pci.Devices, v) // 00:02.0
	}

	var ahciDisk ahci.Disk
	if len(ahciDiskPath) > 0 {
		fd, err := openFileDisk(ahciDiskPath)
		if err != nil {
			return nil, fmt.Errorf("open AHCI disk: %w", err)
		}
		ahciDisk = fd
	}
	m.ahci = ahci.New(b, ahciDisk, m, ahciMMIOBase)
	m.pci.Devices = append(m.pci.Devices, m.ahci) // 00:03.0

	// Poison memory above the load area: 0 decodes as a valid instruction,
	// so running off the end of loaded code should trap immediately
	// instead of silently executing zero bytes.
	poison := []byte(Poison)
	for i := highMemBase; i+len(poison) <= memSize; i += len(poison) {
		_ = b.WritePhysical(uint64(i), poison)
	}

	m.initIOPorts()

	return m, nil
}

// compileWorker is the background Tier-1 compile thread the dispatcher
// feeds via CompileRequests (spec §4.2 step 3, §5 "compile-worker
// threading"): it runs independently of the vCPU's Step loop and only
// touches the cache/backend, never cpu.State.
func (m *Machine) compileWorker() {
	pageOf := func(paddr uint64) uint64 { return paddr >> 12 }
	for req := range m.compileReqs {
		_, _, err := jit.CompileAndInstall(m.Backend, m.Cache, m.Bus, pageOf, req, m.Bus)
		if err != nil {
			log.Printf("compile %#x: %v", req.EntryRIP, err)
		}
	}
}

// LoadLinux loads a bzImage or ELF kernel, an optional initrd, and kernel
// command-line params, and sets the vCPU's initial RIP/segments/paging so
// execution can begin at the loaded entry point.
func (m *Machine) LoadLinux(kernel, initrd io.ReaderAt, params string) error {
	b := m.Bus

	initrdBuf := make([]byte, b.RAMSize()-initrdAddr)
	initrdSize, err := initrd.ReadAt(initrdBuf, 0)
	if err != nil && initrdSize == 0 && !errors.Is(err, io.EOF) {
		return fmt.Errorf("initrd: (%v, %w)", initrdSize, err)
	}
	if err := b.WritePhysical(initrdAddr, initrdBuf[:initrdSize]); err != nil {
		return err
	}

	cmdline := append([]byte(params), 0)
	if err := b.WritePhysical(cmdlineAddr, cmdline); err != nil {
		return err
	}

	var isElfFile bool
	k, err := elf.NewFile(kernel)
	if err == nil {
		isElfFile = true
	}

	bootParam := &bootparam.BootParam{}
	if !isElfFile {
		bootParam, err = bootparam.New(kernel)
		if err != nil {
			return err
		}
	}

	bootParam.AddE820Entry(bootparam.RealModeIvtBegin, bootparam.EBDAStart-bootparam.RealModeIvtBegin, bootparam.E820Ram)
	bootParam.AddE820Entry(bootparam.EBDAStart, bootparam.VGARAMBegin-bootparam.EBDAStart, bootparam.E820Reserved)
	bootParam.AddE820Entry(bootparam.MBBIOSBegin, bootparam.MBBIOSEnd-bootparam.MBBIOSBegin, bootparam.E820Reserved)
	bootParam.AddE820Entry(highMemBase, uint64(b.RAMSize()-highMemBase), bootparam.E820Ram)

	bootParam.Hdr.VidMode = 0xFFFF
	bootParam.Hdr.TypeOfLoader = 0xFF
	bootParam.Hdr.RamdiskImage = initrdAddr
	bootParam.Hdr.RamdiskSize = uint32(initrdSize)
	bootParam.Hdr.LoadFlags |= bootparam.CanUseHeap | bootparam.LoadedHigh | bootparam.KeepSegments
	bootParam.Hdr.HeapEndPtr = 0xFE00
	bootParam.Hdr.ExtLoaderVer = 0
	bootParam.Hdr.CmdlinePtr = cmdlineAddr
	bootParam.Hdr.CmdlineSize = uint32(len(params) + 1)

	bpBytes, err := bootParam.Bytes()
	if err != nil {
		return err
	}
	if err := b.WritePhysical(bootParamAddr, bpBytes); err != nil {
		return err
	}

	var (
		amd64       bool
		kernSize    int
		kernelEntry = uint64(highMemBase)
	)

	if isElfFile {
		amd64 = k.Class == elf.ELFCLASS64
		kernelEntry = k.Entry

		for i, p := range k.Progs {
			if p.Type != elf.PT_LOAD {
				continue
			}
			log.Printf("load elf segment @%#x from file %#x %#x bytes", p.Paddr, p.Off, p.Filesz)
			seg := make([]byte, p.Filesz)
			n, err := p.ReadAt(seg, 0)
			if (err != nil && !errors.Is(err, io.EOF)) || uint64(n) != p.Filesz {
				return fmt.Errorf("reading ELF prog %d@%#x: %d/%d bytes, err %w", i, p.Paddr, n, p.Filesz, err)
			}
			if err := b.WritePhysical(p.Paddr, seg); err != nil {
				return err
			}
			kernSize += n
		}
	} else {
		setupsz := int(bootParam.Hdr.SetupSects+1) * 512
		buf := make([]byte, b.RAMSize()-int(kernelEntry))
		kernSize, err = kernel.ReadAt(buf, int64(setupsz))
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("kernel: (%v, %w)", kernSize, err)
		}
		if err := b.WritePhysical(kernelEntry, buf[:kernSize]); err != nil {
			return err
		}
	}

	if kernSize == 0 {
		return ErrZeroSizeKernel
	}

	m.setupVCPU(kernelEntry, bootParamAddr, amd64)

	if m.serial, err = serial.New(m); err != nil {
		return err
	}
	m.registerPort(serial.COM1Addr, serial.COM1Addr+8, m.serial.In, m.serial.Out)

	return nil
}

// setupVCPU places the vCPU in the mode Linux's boot protocol expects at
// kernel entry: 32-bit flat protected mode for a bzImage, or long mode with
// an identity-mapped page table for a 64-bit ELF kernel.
func (m *Machine) setupVCPU(rip, rsi uint64, amd64 bool) {
	s := m.CPU
	s.Regs = cpu.Regs{}
	s.RFLAGS = 2
	s.RIP = rip
	s.Regs.RSI = rsi

	flat := cpu.Segment{Base: 0, Limit: 0xFFFFFFFF}
	s.DS, s.ES, s.FS, s.GS, s.SS = flat, flat, flat, flat, flat

	if !amd64 {
		s.Mode = cpu.ModeProtected
		s.CS = flat
		s.CS.Access = 1 << 6 // D/B=1: 32-bit default operand/address size
		s.CR0 |= CR0xPE
		return
	}

	s.Mode = cpu.ModeLong64
	m.buildIdentityPageTables()
	s.CR3 = pageTableBase
	s.CR4 = CR4xPAE
	s.CR0 = CR0xPE | CR0xMP | CR0xET | CR0xNE | CR0xWP | CR0xAM | CR0xPG
	s.EFER = EFERxLME | EFERxLMA
	s.CS = cpu.Segment{Base: 0, Limit: 0xFFFFFFFF, Access: 1 << 5} // L=1: 64-bit code
}

// buildIdentityPageTables writes a 4-level identity map of the low 4 GiB
// using 2 MiB pages rooted at pageTableBase, the same layout the teacher
// built directly into kvm.Sregs.CR3-pointed guest memory.
func (m *Machine) buildIdentityPageTables() {
	b := m.Bus
	zero := make([]byte, 0x6000)
	_ = b.WritePhysical(pageTableBase, zero)

	// PML4[0] -> PDPT.
	b.WriteU64(pageTableBase, (pageTableBase+0x1000)|pde64Present|pde64RW)
	// PDPT[0..3] -> four PD tables (covers 4 GiB: 4 * 1 GiB).
	for i := uint64(0); i < 4; i++ {
		pd := pageTableBase + (i+2)*0x1000
		b.WriteU64(pageTableBase+0x1000+i*8, pd|pde64Present|pde64RW)
	}
	// Each PD's 512 entries map 2 MiB leaf pages.
	for i := uint64(0); i < 0x1_0000_0000; i += 0x20_0000 {
		entry := i | pde64Present | pde64RW | pde64PS | pde64AccDirt
		off := pageTableBase + 0x2000 + (i/0x20_0000)*8
		b.WriteU64(off, entry)
	}
}

// Run drives the vCPU through the dispatcher loop until a fatal error or a
// guest-requested shutdown via port 0xCF9 (spec §4.2 "Dispatcher loop",
// §7 "Fatal").
func (m *Machine) Run() error {
	for !m.shutdown.Load() {
		if err := m.Dispatcher.Step(m.CPU); err != nil {
			return err
		}
	}
	return nil
}

// GetInputChan returns a chan<- byte for serial console input.
func (m *Machine) GetInputChan() chan<- byte {
	return m.serial.GetInputChan()
}

func (m *Machine) registerPort(start, end uint64, in, out func(port uint64, data []byte) error) {
	m.Bus.MapPort(start, end-start, portFuncs{in: in, out: out})
}

func (m *Machine) outCF9(port uint64, data []byte) error {
	m.shutdown.Store(true)
	return nil
}

// initIOPorts wires the PCI config-space access mechanism, the reset port,
// and each attached device's own I/O-port range onto the bus. Unlike the
// teacher's ioportHandlers array, ports with no handler simply read as
// 0xFF / drop writes (bus.Bus's documented default, spec §7), so there is
// no need to pre-register VGA/CMOS/DMA/PS2 stand-ins the way a real
// KVM_EXITIO dispatch loop required.
func (m *Machine) initIOPorts() {
	m.registerPort(0xcf9, 0xcfa, noIn, m.outCF9)
	m.registerPort(0xcf8, 0xcf9, m.pci.PciConfAddrIn, m.pci.PciConfAddrOut)
	m.registerPort(0xcfc, 0xd00, m.pci.PciConfDataIn, m.pci.PciConfDataOut)

	for i, device := range m.pci.Devices {
		start, end := device.GetIORange()
		m.registerPort(start, end, m.pci.Devices[i].IOInHandler, m.pci.Devices[i].IOOutHandler)
	}
}

// InjectSerialIRQ injects a serial interrupt.
func (m *Machine) InjectSerialIRQ() error {
	m.pic.raise(serialIRQ)
	return nil
}

// InjectVirtioNetIRQ injects a virtio-net completion interrupt.
func (m *Machine) InjectVirtioNetIRQ() error {
	m.pic.raise(virtioNetIRQ)
	return nil
}

// InjectVirtioBlkIRQ injects a virtio-blk completion interrupt.
func (m *Machine) InjectVirtioBlkIRQ() error {
	m.pic.raise(virtioBlkIRQ)
	return nil
}

// InjectAHCIIRQ injects the AHCI HBA's INTx line.
func (m *Machine) InjectAHCIIRQ() error {
	m.pic.raise(ahciIRQ)
	return nil
}

// ReadAt implements io.ReaderAt over guest physical memory.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(m.Bus.RAMSize()) {
		return 0, io.EOF
	}
	n := copy(p, m.Bus.RAMBytes()[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt over guest physical memory.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(m.Bus.RAMSize()) {
		return 0, fmt.Errorf("writeat offset %d out of range", off)
	}
	if err := m.Bus.WritePhysical(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// fileDisk adapts an *os.File into ahci.Disk by adding a cached Size().
type fileDisk struct {
	*os.File
	size int64
}

func (f *fileDisk) Size() int64 { return f.size }

func openFileDisk(path string) (*fileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &fileDisk{File: f, size: fi.Size()}, nil
}
