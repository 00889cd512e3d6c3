package machine

import (
	"fmt"
	"io"

	"github.com/wilsonzlin/aero/serial"
	"github.com/wilsonzlin/aero/snapshot"
	"github.com/wilsonzlin/aero/virtio"
)

// SaveSnapshot captures the vCPU's architectural state and attached
// devices' host-side state (spec §4.5 "Save"). Guest memory is not
// included; call SaveMemory separately.
func (m *Machine) SaveSnapshot() (*snapshot.Snapshot, error) {
	snap := &snapshot.Snapshot{
		MemSize: m.Bus.RAMSize(),
		CPU:     *m.CPU,
	}

	if m.serial != nil {
		st := m.serial.GetState()
		snap.Devices.Serial = snapshot.SerialState{IER: st.IER, LCR: st.LCR}
	}

	for _, d := range m.pci.Devices {
		switch dev := d.(type) {
		case *virtio.Blk:
			st, err := dev.GetState()
			if err != nil {
				return nil, fmt.Errorf("save blk state: %w", err)
			}
			snap.Devices.Blk = &snapshot.BlkState{
				HdrBytes:      st.HdrBytes,
				QueuePhysAddr: st.QueuePhysAddr,
				LastAvailIdx:  st.LastAvailIdx,
				QueueSel:      st.QueueSel,
			}
		case *virtio.Net:
			st, err := dev.GetState()
			if err != nil {
				return nil, fmt.Errorf("save net state: %w", err)
			}
			snap.Devices.Net = &snapshot.NetState{
				HdrBytes:      st.HdrBytes,
				QueuePhysAddr: st.QueuePhysAddr,
				LastAvailIdx:  st.LastAvailIdx,
				QueueSel:      st.QueueSel,
			}
		}
	}

	return snap, nil
}

// RestoreSnapshot applies a previously captured Snapshot to m. Guest
// memory must already be restored (via RestoreMemory) before calling this,
// since per-queue pointers are recomputed relative to m.Bus.RAMBytes()
// (spec §4.5 "canonical restore order: memory before device state").
func (m *Machine) RestoreSnapshot(snap *snapshot.Snapshot) error {
	if snap.MemSize != m.Bus.RAMSize() {
		return fmt.Errorf("snapshot mem size %d != machine mem size %d", snap.MemSize, m.Bus.RAMSize())
	}

	*m.CPU = snap.CPU

	if m.serial != nil {
		m.serial.SetState(serial.State{IER: snap.Devices.Serial.IER, LCR: snap.Devices.Serial.LCR})
	}

	for _, d := range m.pci.Devices {
		switch dev := d.(type) {
		case *virtio.Blk:
			if snap.Devices.Blk == nil {
				continue
			}
			st := snap.Devices.Blk
			if err := dev.SetState(virtio.BlkState{
				HdrBytes:      st.HdrBytes,
				QueuePhysAddr: st.QueuePhysAddr,
				LastAvailIdx:  st.LastAvailIdx,
				QueueSel:      st.QueueSel,
			}); err != nil {
				return fmt.Errorf("restore blk state: %w", err)
			}
		case *virtio.Net:
			if snap.Devices.Net == nil {
				continue
			}
			st := snap.Devices.Net
			if err := dev.SetState(virtio.NetState{
				HdrBytes:      st.HdrBytes,
				QueuePhysAddr: st.QueuePhysAddr,
				LastAvailIdx:  st.LastAvailIdx,
				QueueSel:      st.QueueSel,
			}); err != nil {
				return fmt.Errorf("restore net state: %w", err)
			}
		}
	}

	return nil
}

// SaveMemory writes the full guest RAM image to w.
func (m *Machine) SaveMemory(w io.Writer) error {
	_, err := w.Write(m.Bus.RAMBytes())
	return err
}

// RestoreMemory reads a full guest RAM image from r into the bus.
func (m *Machine) RestoreMemory(r io.Reader) error {
	if _, err := io.ReadFull(r, m.Bus.RAMBytes()); err != nil {
		return fmt.Errorf("restore memory: %w", err)
	}
	m.Bus.TouchPage(0, m.Bus.RAMSize())
	return nil
}
