package machine_test

import (
	"bytes"
	"testing"

	"github.com/wilsonzlin/aero/machine"
)

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	m, err := machine.New("", "", "", machine.MinMemSize)
	if err != nil {
		t.Fatalf("New: got %v, want nil", err)
	}

	m.CPU.RIP = 0x1234
	m.CPU.Regs.RAX = 0xdeadbeef

	snap, err := m.SaveSnapshot()
	if err != nil {
		t.Fatalf("SaveSnapshot: got %v, want nil", err)
	}

	if snap.CPU.RIP != 0x1234 || snap.CPU.Regs.RAX != 0xdeadbeef {
		t.Fatalf("SaveSnapshot: CPU state not captured, got %+v", snap.CPU)
	}

	var memBuf bytes.Buffer
	if err := m.SaveMemory(&memBuf); err != nil {
		t.Fatalf("SaveMemory: got %v, want nil", err)
	}

	if memBuf.Len() != m.Bus.RAMSize() {
		t.Fatalf("SaveMemory: got %d bytes, want %d", memBuf.Len(), m.Bus.RAMSize())
	}

	m2, err := machine.New("", "", "", machine.MinMemSize)
	if err != nil {
		t.Fatalf("New: got %v, want nil", err)
	}

	if err := m2.RestoreMemory(bytes.NewReader(memBuf.Bytes())); err != nil {
		t.Fatalf("RestoreMemory: got %v, want nil", err)
	}

	if err := m2.RestoreSnapshot(snap); err != nil {
		t.Fatalf("RestoreSnapshot: got %v, want nil", err)
	}

	if m2.CPU.RIP != 0x1234 || m2.CPU.Regs.RAX != 0xdeadbeef {
		t.Fatalf("RestoreSnapshot: CPU state not applied, got %+v", m2.CPU)
	}

	var got [4]byte
	if _, err := m2.ReadAt(got[:], 0x1_000_000); err != nil {
		t.Fatalf("ReadAt after restore: got %v, want nil", err)
	}

	if !bytes.Equal(got[:], []byte(machine.Poison)[:4]) {
		t.Fatalf("ReadAt after restore: %#x != %#x", got, machine.Poison)
	}
}

func TestRestoreSnapshotMemSizeMismatch(t *testing.T) {
	t.Parallel()

	m, err := machine.New("", "", "", machine.MinMemSize)
	if err != nil {
		t.Fatalf("New: got %v, want nil", err)
	}

	snap, err := m.SaveSnapshot()
	if err != nil {
		t.Fatalf("SaveSnapshot: got %v, want nil", err)
	}

	snap.MemSize = 1

	if err := m.RestoreSnapshot(snap); err == nil {
		t.Fatal("RestoreSnapshot with mismatched MemSize: got nil, want err")
	}
}
