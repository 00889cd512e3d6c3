// Package snapshot holds the save/restore record shapes for a whole VM
// and the guest's CPU/device state (spec §3, §4.5). It generalizes the
// teacher's migration package from a live-migration-only transport into a
// general VM checkpoint, usable for both pause/resume snapshots to disk
// and (via the same framed transport) live migration between hosts.
package snapshot

import "github.com/wilsonzlin/aero/cpu"

// DeviceState aggregates emulated device state. Blk and Net are nil when
// the corresponding device is not attached.
type DeviceState struct {
	Serial SerialState
	Blk    *BlkState
	Net    *NetState
}

// SerialState mirrors serial.State; duplicated here (rather than importing
// package serial) so snapshot has no dependency on the devices it
// describes — only machine, which already imports both, needs to convert
// between them.
type SerialState struct {
	IER byte
	LCR byte
}

// BlkState mirrors virtio.BlkState.
type BlkState struct {
	HdrBytes      []byte
	QueuePhysAddr [1]uint32
	LastAvailIdx  [1]uint16
	QueueSel      uint16
}

// NetState mirrors virtio.NetState.
type NetState struct {
	HdrBytes      []byte
	QueuePhysAddr [2]uint32
	LastAvailIdx  [2]uint16
	QueueSel      uint16
}

// Snapshot is the complete state of one running machine, minus guest
// memory, which is transferred separately as a raw byte stream (spec
// §4.5 "memory is never part of the TLV record").
type Snapshot struct {
	MemSize int
	CPU     cpu.State
	Devices DeviceState
}
