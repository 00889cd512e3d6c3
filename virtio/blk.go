package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/wilsonzlin/aero/pci"
)

const (
	BlkIOPortStart = 0x6300
	BlkIOPortSize  = 0x100

	// VIRTIO_BLK_T_IN / VIRTIO_BLK_T_OUT.
	blkReqTypeIn  = 0
	blkReqTypeOut = 1

	blkStatusOK    = 0
	blkStatusIOErr = 1

	sectorSize = 512

	reinjectPeriod = 10 * time.Millisecond
)

type Blk struct {
	Hdr blkHdr

	VirtQueue    [1]*VirtQueue
	Mem          []byte
	LastAvailIdx [1]uint16

	file *os.File

	kick chan struct{}
	done chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	irq         uint8
	IRQInjector IRQInjector
}

type blkHdr struct {
	commonHeader commonHeader
	blkHeader    blkHeader
}

func (h blkHdr) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

type blkHeader struct {
	capacity uint64
}

// BlkReq is the virtio-blk request header: desc[0] of every descriptor
// chain submitted on the single request queue.
type BlkReq struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

func (v Blk) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		DeviceID:    0x1001,
		VendorID:    0x1AF4,
		HeaderType:  0,
		SubsystemID: 2, // Block Device
		Command:     1, // Enable IO port
		BAR: [6]uint32{
			BlkIOPortStart | 0x1,
		},
		InterruptPin:  1,
		InterruptLine: v.irq,
	}
}

func (v Blk) IOInHandler(port uint64, bytes []byte) error {
	offset := int(port - BlkIOPortStart)

	b, err := v.Hdr.Bytes()
	if err != nil {
		return err
	}

	l := len(bytes)
	copy(bytes[:l], b[offset:offset+l])

	return nil
}

// Read is the port-level read entry point used by the BDF dispatcher.
// Offset 19 (ISR status) is read-to-clear per the legacy virtio
// transport: the guest's interrupt handler reads it once to learn which
// queue signalled and the latch drops back to 0.
func (v *Blk) Read(port uint64, bytes []byte) error {
	offset := int(port - BlkIOPortStart)
	if offset == 19 {
		bytes[0] = v.Hdr.commonHeader.isr
		v.Hdr.commonHeader.isr = 0
		return nil
	}
	return v.IOInHandler(port, bytes)
}

func (v *Blk) Write(port uint64, bytes []byte) error {
	return v.IOOutHandler(port, bytes)
}

// Size reports the width of the legacy virtio-blk IO BAR.
func (v *Blk) Size() uint64 {
	return BlkIOPortSize
}

func (v *Blk) IOThreadEntry() {
	ticker := time.NewTicker(reinjectPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-v.done:
			return
		case <-v.kick:
			for v.IO() == nil {
			}
		case <-ticker.C:
			// The guest may miss an edge-triggered INTx if it was
			// masked when IO() first raised it; keep nudging while
			// the ISR latch is still set.
			if v.Hdr.commonHeader.isr != 0 {
				_ = v.IRQInjector.InjectVirtioBlkIRQ()
			}
		}
	}
}

// IO drains one request from the single virtio-blk queue: a 16-byte
// BlkReq header descriptor, a data-buffer descriptor, and a 1-byte
// status descriptor, chained via desc.Next.
func (v *Blk) IO() error {
	const sel = 0

	vq := v.VirtQueue[sel]
	if vq == nil {
		return errors.New("virtio-blk: queue not initialized")
	}

	if v.LastAvailIdx[sel] == vq.AvailRing.Idx {
		return errors.New("virtio-blk: no request pending")
	}

	headDescID := vq.AvailRing.Ring[v.LastAvailIdx[sel]%QueueSize]

	reqDesc := vq.DescTable[headDescID]
	req := (*BlkReq)(unsafe.Pointer(&v.Mem[reqDesc.Addr]))

	dataDesc := vq.DescTable[reqDesc.Next]
	statusDesc := vq.DescTable[dataDesc.Next]

	buf := v.Mem[dataDesc.Addr : dataDesc.Addr+uint64(dataDesc.Len)]
	off := int64(req.Sector) * sectorSize

	var ioErr error
	switch req.Type {
	case blkReqTypeIn:
		_, ioErr = v.file.ReadAt(buf, off)
		if ioErr == io.EOF {
			ioErr = nil
		}
	case blkReqTypeOut:
		_, ioErr = v.file.WriteAt(buf, off)
	default:
		ioErr = errors.New("virtio-blk: unsupported request type")
	}

	status := uint8(blkStatusOK)
	if ioErr != nil {
		status = blkStatusIOErr
	}
	v.Mem[statusDesc.Addr] = status

	vq.UsedRing.Ring[vq.UsedRing.Idx%QueueSize].Idx = uint32(headDescID)
	vq.UsedRing.Ring[vq.UsedRing.Idx%QueueSize].Len = dataDesc.Len + 1
	vq.UsedRing.Idx++
	v.LastAvailIdx[sel]++

	v.Hdr.commonHeader.isr |= 0x1

	return v.IRQInjector.InjectVirtioBlkIRQ()
}

func (v *Blk) IOOutHandler(port uint64, bytes []byte) error {
	offset := int(port - BlkIOPortStart)

	switch offset {
	case 8:
		// Queue PFN is aligned to page (4096 bytes)
		physAddr := uint32(pci.BytesToNum(bytes) * 4096)
		v.VirtQueue[v.Hdr.commonHeader.queueSEL] = (*VirtQueue)(unsafe.Pointer(&v.Mem[physAddr]))
	case 14:
		v.Hdr.commonHeader.queueSEL = uint16(pci.BytesToNum(bytes))
	case 16:
		v.Hdr.commonHeader.isr = 0x0
		if !v.closed.Load() {
			select {
			case v.kick <- struct{}{}:
			default:
			}
		}
	case 19:
	default:
	}

	return nil
}

func (v Blk) GetIORange() (start, end uint64) {
	return BlkIOPortStart, BlkIOPortStart + BlkIOPortSize
}

// Close releases the backing file and stops IOThreadEntry. A second
// Close reports the underlying file's already-closed error.
func (v *Blk) Close() error {
	v.closeOnce.Do(func() {
		v.closed.Store(true)
		close(v.done)
	})
	return v.file.Close()
}

// NewBlk opens path as the disk image backing a virtio-blk device
// wired to interrupt line irq.
func NewBlk(path string, irq uint8, irqInjector IRQInjector, mem []byte) (*Blk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	var capacity uint64
	if fi, serr := f.Stat(); serr == nil && fi.Size() > 0 {
		capacity = uint64(fi.Size()) / sectorSize
	}

	return &Blk{
		Hdr: blkHdr{
			commonHeader: commonHeader{
				queueNUM: QueueSize,
				isr:      0x0,
			},
			blkHeader: blkHeader{
				capacity: capacity,
			},
		},
		file:         f,
		irq:          irq,
		IRQInjector:  irqInjector,
		kick:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		Mem:          mem,
		VirtQueue:    [1]*VirtQueue{},
		LastAvailIdx: [1]uint16{0},
	}, nil
}
