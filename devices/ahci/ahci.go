// Package ahci implements a single-port AHCI (SATA) host bus adapter as an
// MMIO-mapped pci.Device (spec §4.4 "Storage — AHCI"). It walks the command
// list the same way real AHCI silicon does: command header -> command FIS
// -> PRDT gather/scatter against the attached disk backing.
package ahci

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/wilsonzlin/aero/bus"
	"github.com/wilsonzlin/aero/pci"
)

const (
	sectorSize = 512

	// HBA register offsets (AHCI 1.3.1 generic host control block).
	regCAP = 0x00
	regGHC = 0x04
	regIS  = 0x08
	regPI  = 0x0C
	regVS  = 0x10

	ghcHR = 1 << 0
	ghcIE = 1 << 1
	ghcAE = 1 << 31

	// Port 0 register block base and per-port register offsets.
	portBase = 0x100
	portSize = 0x80

	pCLB  = 0x00
	pCLBU = 0x04
	pFB   = 0x08
	pFBU  = 0x0C
	pIS   = 0x10
	pIE   = 0x14
	pCMD  = 0x18
	pTFD  = 0x20
	pSIG  = 0x24
	pSSTS = 0x28
	pSCTL = 0x2C
	pSERR = 0x30
	pSACT = 0x34
	pCI   = 0x38

	cmdST  = 1 << 0 // command list running
	cmdFRE = 1 << 4 // FIS receive enable

	// PxIS bits this controller sets.
	isDHRE = 1 << 0 // Device to Host Register FIS interrupt
	isTFEE = 1 << 30

	// ATA commands this controller decodes (spec §4.4 step 3).
	ataReadDMAExt   = 0x25
	ataWriteDMAExt  = 0x35
	ataIdentify     = 0xEC
	ataFlushCache   = 0xE7
	ataFlushCacheEx = 0xEA
	ataSetFeatures  = 0xEF

	fisTypeRegH2D = 0x27
	fisTypeRegD2H = 0x34

	// Received FIS Structure offsets (AHCI 1.3.1 Table 5).
	rfisD2HOffset = 0x40

	maxPRDBytes = 4 << 20 // spec §4.4 "each <= 4 MiB"
)

// Disk is the byte-addressed backing store AHCI adapts into LBA/sector
// semantics (spec "Storage interface consumed by AHCI/NVMe/virtio-blk/IDE").
type Disk interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
}

// IRQInjector signals the HBA's INTx line to the rest of the machine.
type IRQInjector interface {
	InjectAHCIIRQ() error
}

// Port is port 0's register file. A real multi-port HBA would index an
// array of these by PI bit; this controller implements exactly one, which
// is sufficient for the spec §8 scenario 6 roundtrip.
type port struct {
	clb, fb uint64
	is, ie  uint32
	cmd     uint32
	tfd     uint32
	sig     uint32
	ssts    uint32
	sctl    uint32
	serr    uint32
	sact    uint32
	ci      uint32
}

// Controller is the AHCI HBA: generic registers plus one port.
type Controller struct {
	mu sync.Mutex

	bus  *bus.Bus
	disk Disk
	irq  IRQInjector

	ghc uint32
	is  uint32 // HBA-level interrupt status, one bit per port

	port port

	mmioBase uint64
}

// New creates a one-port AHCI controller. disk may be nil, in which case
// the port signature reads SIG=0xFFFFFFFF (no device) and READ/WRITE
// commands fail with PxIS.TFES and the TFD ERR bit set, rather than
// panicking on an absent backing store. PxSSTS and PxTFD keep their
// device-present reset values.
func New(b *bus.Bus, disk Disk, irq IRQInjector, mmioBase uint64) *Controller {
	c := &Controller{bus: b, disk: disk, irq: irq, mmioBase: mmioBase}

	c.port.ssts = 0x123 // DET=3 (present+phy comm), IPM=1 (active)
	if disk != nil {
		c.port.sig = 0x00000101 // SATA ATA device signature
	} else {
		c.port.sig = 0xFFFFFFFF
	}

	b.MapMMIO(mmioBase, 0x1000, c)

	return c
}

// GetDeviceHeader implements pci.Device. AHCI's BAR5 (ABAR) is MMIO, not
// I/O-space, so this controller does not participate in the legacy
// port-probed BAR model virtio devices use; its IOInHandler/IOOutHandler
// are unreachable no-ops and GetIORange reports an empty range.
func (c *Controller) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		VendorID:     0x8086,
		DeviceID:     0x2922, // ICH9 AHCI, the common real-hardware identity to imitate
		HeaderType:   0x00,
		InterruptPin: 1,
		BAR:          [6]uint32{0, 0, 0, 0, 0, uint32(c.mmioBase)},
	}
}

func (c *Controller) IOInHandler(port uint64, data []byte) error  { return nil }
func (c *Controller) IOOutHandler(port uint64, data []byte) error { return nil }
func (c *Controller) GetIORange() (uint64, uint64)                { return 0, 0 }

// MMIORead implements bus.MMIOHandler.
func (c *Controller) MMIORead(paddr uint64, buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	off := paddr - c.mmioBase

	if off < portBase {
		binary.LittleEndian.PutUint32(buf, c.readHBA(uint32(off)))
		return
	}

	if off >= portBase+portSize {
		binary.LittleEndian.PutUint32(buf, 0)
		return
	}

	binary.LittleEndian.PutUint32(buf, c.readPort(uint32(off-portBase)))
}

// MMIOWrite implements bus.MMIOHandler.
func (c *Controller) MMIOWrite(paddr uint64, buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	off := paddr - c.mmioBase
	v := binary.LittleEndian.Uint32(buf)

	if off < portBase {
		c.writeHBA(uint32(off), v)
		return
	}

	if off >= portBase+portSize {
		return
	}

	c.writePort(uint32(off-portBase), v)
}

func (c *Controller) readHBA(off uint32) uint32 {
	switch off {
	case regCAP:
		return (1 << 31) | (0x3 << 20) | 0 // NP=0 (1 port), SAM, SSS not set
	case regGHC:
		return c.ghc
	case regIS:
		return c.is
	case regPI:
		return 0x1 // port 0 implemented
	case regVS:
		return 0x00010301 // AHCI 1.3.1
	}

	return 0
}

func (c *Controller) writeHBA(off, v uint32) {
	switch off {
	case regGHC:
		if v&ghcHR != 0 {
			c.resetLocked()
			return
		}
		c.ghc = v & (ghcIE | ghcAE)
	case regIS:
		c.is &^= v // write-1-to-clear
	}
}

func (c *Controller) resetLocked() {
	c.ghc = 0
	c.is = 0
	c.port = port{ssts: c.port.ssts, sig: c.port.sig}
}

func (c *Controller) readPort(off uint32) uint32 {
	p := &c.port

	switch off {
	case pCLB:
		return uint32(p.clb)
	case pCLBU:
		return uint32(p.clb >> 32)
	case pFB:
		return uint32(p.fb)
	case pFBU:
		return uint32(p.fb >> 32)
	case pIS:
		return p.is
	case pIE:
		return p.ie
	case pCMD:
		return p.cmd
	case pTFD:
		return p.tfd
	case pSIG:
		return p.sig
	case pSSTS:
		return p.ssts
	case pSCTL:
		return p.sctl
	case pSERR:
		return p.serr
	case pSACT:
		return p.sact
	case pCI:
		return p.ci
	}

	return 0
}

func (c *Controller) writePort(off, v uint32) {
	p := &c.port

	switch off {
	case pCLB:
		p.clb = (p.clb &^ 0xFFFFFFFF) | uint64(v)
	case pCLBU:
		p.clb = (p.clb & 0xFFFFFFFF) | (uint64(v) << 32)
	case pFB:
		p.fb = (p.fb &^ 0xFFFFFFFF) | uint64(v)
	case pFBU:
		p.fb = (p.fb & 0xFFFFFFFF) | (uint64(v) << 32)
	case pIS:
		p.is &^= v
		c.recomputeIS()
	case pIE:
		p.ie = v
	case pCMD:
		p.cmd = v
	case pSCTL:
		p.sctl = v
	case pSERR:
		p.serr &^= v
	case pCI:
		p.ci |= v
		c.processCommandsLocked()
	}
}

func (c *Controller) recomputeIS() {
	if c.port.is != 0 {
		c.is |= 1
	} else {
		c.is &^= 1
	}
}

// processCommandsLocked walks PxCI, matching spec §4.4's "On process, the
// controller walks CI, for each set bit" sequence. Called with c.mu held.
func (c *Controller) processCommandsLocked() {
	if c.bus == nil || c.port.cmd&cmdST == 0 {
		return
	}

	for slot := uint32(0); slot < 32; slot++ {
		if c.port.ci&(1<<slot) == 0 {
			continue
		}

		if err := c.execSlotLocked(slot); err != nil {
			c.port.tfd |= 0x01 // ERR bit
			c.port.is |= isTFEE
		}

		c.port.ci &^= 1 << slot
	}

	c.recomputeIS()

	if c.port.is&c.port.ie != 0 && c.irq != nil {
		_ = c.irq.InjectAHCIIRQ()
	}
}

// commandHeader is the 32-byte command-list entry at CLB + slot*32.
type commandHeader struct {
	cfl   uint8
	prdtl uint16
	ctba  uint64
}

func decodeCommandHeader(raw []byte) commandHeader {
	dw0 := binary.LittleEndian.Uint32(raw[0:4])
	ctbaLo := binary.LittleEndian.Uint32(raw[8:12])
	ctbaHi := binary.LittleEndian.Uint32(raw[12:16])

	return commandHeader{
		cfl:   uint8(dw0 & 0x1F),
		prdtl: uint16(dw0 >> 16),
		ctba:  uint64(ctbaLo) | uint64(ctbaHi)<<32,
	}
}

type prdtEntry struct {
	addr uint64
	len  uint32 // byte count, already decoded from size-1 low-22-bits
}

func (c *Controller) execSlotLocked(slot uint32) error {
	hdrBuf := make([]byte, 32)
	if err := c.bus.ReadPhysical(c.port.clb+uint64(slot)*32, hdrBuf); err != nil {
		return err
	}
	hdr := decodeCommandHeader(hdrBuf)

	cfis := make([]byte, 64)
	if err := c.bus.ReadPhysical(hdr.ctba, cfis); err != nil {
		return err
	}
	if cfis[0] != fisTypeRegH2D {
		return fmt.Errorf("ahci: command table FIS type %#x != H2D", cfis[0])
	}

	prdt, err := c.readPRDT(hdr)
	if err != nil {
		return err
	}

	ataCmd := cfis[2]
	lba := lbaFromCFIS(cfis)
	count := uint32(cfis[12]) | uint32(cfis[13])<<8
	if count == 0 {
		count = 65536
	}

	switch ataCmd {
	case ataReadDMAExt, ataWriteDMAExt:
		if want := int(count) * sectorSize; prdtTotal(prdt) < want {
			return fmt.Errorf("ahci: PRDT carries %d bytes, sector count %d needs %d", prdtTotal(prdt), count, want)
		}
	}

	switch ataCmd {
	case ataReadDMAExt:
		return c.doRead(lba, prdt)
	case ataWriteDMAExt:
		return c.doWrite(lba, prdt)
	case ataIdentify:
		return c.doIdentify(prdt)
	case ataFlushCache, ataFlushCacheEx, ataSetFeatures:
		// No write-back cache or tunable features to model; treat as a
		// no-op success, matching real controllers with no volatile cache.
	default:
		return fmt.Errorf("ahci: unsupported ATA command %#x", ataCmd)
	}

	c.writeD2HFIS(0)

	return nil
}

func lbaFromCFIS(cfis []byte) uint64 {
	return uint64(cfis[4]) | uint64(cfis[5])<<8 | uint64(cfis[6])<<16 |
		uint64(cfis[8])<<24 | uint64(cfis[9])<<32 | uint64(cfis[10])<<40
}

func (c *Controller) readPRDT(hdr commandHeader) ([]prdtEntry, error) {
	out := make([]prdtEntry, 0, hdr.prdtl)
	base := hdr.ctba + 0x80

	for i := uint16(0); i < hdr.prdtl; i++ {
		raw := make([]byte, 16)
		if err := c.bus.ReadPhysical(base+uint64(i)*16, raw); err != nil {
			return nil, err
		}

		addrLo := binary.LittleEndian.Uint32(raw[0:4])
		addrHi := binary.LittleEndian.Uint32(raw[4:8])
		dw3 := binary.LittleEndian.Uint32(raw[12:16])
		byteLen := (dw3 & 0x3FFFFF) + 1

		if byteLen > maxPRDBytes {
			return nil, fmt.Errorf("ahci: PRDT entry %d byte count %d exceeds %d", i, byteLen, maxPRDBytes)
		}

		out = append(out, prdtEntry{addr: uint64(addrLo) | uint64(addrHi)<<32, len: byteLen})
	}

	return out, nil
}

func prdtTotal(prdt []prdtEntry) int {
	total := 0
	for _, e := range prdt {
		total += int(e.len)
	}

	return total
}

func (c *Controller) doRead(lba uint64, prdt []prdtEntry) error {
	if c.disk == nil {
		return fmt.Errorf("ahci: no disk attached")
	}

	total := prdtTotal(prdt)
	buf := make([]byte, total)

	if _, err := c.disk.ReadAt(buf, int64(lba)*sectorSize); err != nil && err != io.EOF {
		return err
	}

	off := 0
	for _, e := range prdt {
		if err := c.bus.WritePhysical(e.addr, buf[off:off+int(e.len)]); err != nil {
			return err
		}
		off += int(e.len)
	}

	c.writeD2HFIS(0)

	return nil
}

func (c *Controller) doWrite(lba uint64, prdt []prdtEntry) error {
	if c.disk == nil {
		return fmt.Errorf("ahci: no disk attached")
	}

	total := prdtTotal(prdt)
	buf := make([]byte, total)

	off := 0
	for _, e := range prdt {
		if err := c.bus.ReadPhysical(e.addr, buf[off:off+int(e.len)]); err != nil {
			return err
		}
		off += int(e.len)
	}

	if _, err := c.disk.WriteAt(buf, int64(lba)*sectorSize); err != nil {
		return err
	}

	c.writeD2HFIS(0)

	return nil
}

func (c *Controller) doIdentify(prdt []prdtEntry) error {
	buf := make([]byte, 512)
	if c.disk != nil {
		sectors := uint64(c.disk.Size()) / sectorSize
		binary.LittleEndian.PutUint16(buf[100*2:], uint16(sectors))
		binary.LittleEndian.PutUint16(buf[101*2:], uint16(sectors>>16))
		binary.LittleEndian.PutUint16(buf[102*2:], uint16(sectors>>32))
		binary.LittleEndian.PutUint16(buf[103*2:], uint16(sectors>>48))
	}

	off := 0
	for _, e := range prdt {
		n := int(e.len)
		if off+n > len(buf) {
			n = len(buf) - off
		}
		if n <= 0 {
			break
		}
		if err := c.bus.WritePhysical(e.addr, buf[off:off+n]); err != nil {
			return err
		}
		off += n
	}

	c.writeD2HFIS(0)

	return nil
}

// writeD2HFIS writes the D2H Register FIS into the Received FIS Structure
// at FB+0x40 and sets PxIS.DHRE if enabled, matching spec §4.4 step 6. The
// FIS is only DMA'd when PxCMD.FRE is set, matching real silicon, which
// refuses to post to the Received FIS Structure until FIS receive is armed.
func (c *Controller) writeD2HFIS(status byte) {
	if c.port.cmd&cmdFRE != 0 && c.port.fb != 0 && c.bus != nil {
		fis := make([]byte, 20)
		fis[0] = fisTypeRegD2H
		fis[2] = status

		_ = c.bus.WritePhysical(c.port.fb+rfisD2HOffset, fis)
	}

	if c.port.ie&isDHRE != 0 {
		c.port.is |= isDHRE
	}
}
