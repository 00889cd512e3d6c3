package virtio

import (
	"bytes"
	"encoding/binary"
	"unsafe"
)

// NetState is the host-side state of a virtio-net device that does not
// already live in guest RAM: the legacy config-space register image, the
// per-queue consumed index, and each queue's offset into Mem (recomputed
// as a pointer on restore, since guest memory itself is snapshotted
// separately).
type NetState struct {
	HdrBytes      []byte
	QueuePhysAddr [2]uint32
	LastAvailIdx  [2]uint16
	QueueSel      uint16
}

// GetState captures v's host-side state for a snapshot.
func (v *Net) GetState() (NetState, error) {
	hdrBytes, err := v.Hdr.Bytes()
	if err != nil {
		return NetState{}, err
	}

	st := NetState{
		HdrBytes:     hdrBytes,
		LastAvailIdx: v.LastAvailIdx,
		QueueSel:     v.Hdr.commonHeader.queueSEL,
	}

	for i, vq := range v.VirtQueue {
		if vq != nil {
			st.QueuePhysAddr[i] = uint32(uintptr(unsafe.Pointer(vq)) - uintptr(unsafe.Pointer(&v.Mem[0])))
		}
	}

	return st, nil
}

// SetState restores v's host-side state from a snapshot. Mem must already
// hold the restored guest memory the queue offsets point into.
func (v *Net) SetState(st NetState) error {
	var raw struct {
		_        [12]byte
		QueueNUM uint16
		QueueSEL uint16
		_        [3]byte
		ISR      uint8
	}
	if err := binary.Read(bytes.NewReader(st.HdrBytes), binary.LittleEndian, &raw); err != nil {
		return err
	}
	v.Hdr.commonHeader.queueNUM = raw.QueueNUM
	v.Hdr.commonHeader.queueSEL = raw.QueueSEL
	v.Hdr.commonHeader.isr = raw.ISR

	v.LastAvailIdx = st.LastAvailIdx

	for i, pa := range st.QueuePhysAddr {
		if pa != 0 {
			v.VirtQueue[i] = (*VirtQueue)(unsafe.Pointer(&v.Mem[pa]))
		}
	}

	return nil
}

// BlkState is the virtio-blk equivalent of NetState.
type BlkState struct {
	HdrBytes      []byte
	QueuePhysAddr [1]uint32
	LastAvailIdx  [1]uint16
	QueueSel      uint16
}

// GetState captures v's host-side state for a snapshot.
func (v *Blk) GetState() (BlkState, error) {
	hdrBytes, err := v.Hdr.Bytes()
	if err != nil {
		return BlkState{}, err
	}

	st := BlkState{
		HdrBytes:     hdrBytes,
		LastAvailIdx: v.LastAvailIdx,
		QueueSel:     v.Hdr.commonHeader.queueSEL,
	}

	for i, vq := range v.VirtQueue {
		if vq != nil {
			st.QueuePhysAddr[i] = uint32(uintptr(unsafe.Pointer(vq)) - uintptr(unsafe.Pointer(&v.Mem[0])))
		}
	}

	return st, nil
}

// SetState restores v's host-side state from a snapshot. Mem must already
// hold the restored guest memory the queue offsets point into.
func (v *Blk) SetState(st BlkState) error {
	var raw struct {
		_        [12]byte
		QueueNUM uint16
		QueueSEL uint16
		_        [3]byte
		ISR      uint8
		Capacity uint64
	}
	if err := binary.Read(bytes.NewReader(st.HdrBytes), binary.LittleEndian, &raw); err != nil {
		return err
	}
	v.Hdr.commonHeader.queueNUM = raw.QueueNUM
	v.Hdr.commonHeader.queueSEL = raw.QueueSEL
	v.Hdr.commonHeader.isr = raw.ISR
	v.Hdr.blkHeader.capacity = raw.Capacity

	v.LastAvailIdx = st.LastAvailIdx

	for i, pa := range st.QueuePhysAddr {
		if pa != 0 {
			v.VirtQueue[i] = (*VirtQueue)(unsafe.Pointer(&v.Mem[pa]))
		}
	}

	return nil
}
