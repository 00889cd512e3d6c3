package snapshot_test

import (
	"bytes"
	"io"
	"reflect"
	"testing"

	"github.com/wilsonzlin/aero/cpu"
	"github.com/wilsonzlin/aero/snapshot"
)

func pipe() (*snapshot.Sender, *snapshot.Receiver) {
	pr, pw := io.Pipe()
	return snapshot.NewSender(pw), snapshot.NewReceiver(pr)
}

func mustNext(t *testing.T, recv *snapshot.Receiver) (snapshot.MsgType, []byte) {
	t.Helper()

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Receiver.Next: %v", err)
	}

	return msgType, payload
}

func TestSendReceiveDone(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendDone(); err != nil {
			t.Errorf("SendDone: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != snapshot.MsgDone {
		t.Fatalf("got type %d, want MsgDone (%d)", msgType, snapshot.MsgDone)
	}

	if len(payload) != 0 {
		t.Fatalf("MsgDone should carry no payload, got %d bytes", len(payload))
	}
}

func TestSendReceiveReady(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendReady(); err != nil {
			t.Errorf("SendReady: %v", err)
		}
	}()

	msgType, _ := mustNext(t, recv)

	if msgType != snapshot.MsgReady {
		t.Fatalf("got type %d, want MsgReady (%d)", msgType, snapshot.MsgReady)
	}
}

func TestSendReceiveMemoryFull(t *testing.T) {
	t.Parallel()

	const memSize = 4096 * 3
	mem := make([]byte, memSize)
	for i := range mem {
		mem[i] = byte(i % 251)
	}

	sender, recv := pipe()

	go func() {
		if err := sender.SendMemoryFull(mem); err != nil {
			t.Errorf("SendMemoryFull: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != snapshot.MsgMemoryFull {
		t.Fatalf("got type %d, want MsgMemoryFull (%d)", msgType, snapshot.MsgMemoryFull)
	}

	if !bytes.Equal(payload, mem) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(payload), len(mem))
	}
}

func makeSnapshot() *snapshot.Snapshot {
	c := cpu.State{}
	c.Reset()
	c.Regs.RAX = 0x1122334455667788
	c.MSRs = map[uint32]uint64{0xC0000080: 0x500}

	return &snapshot.Snapshot{
		MemSize: 1 << 25,
		CPU:     c,
		Devices: snapshot.DeviceState{
			Serial: snapshot.SerialState{IER: 0x0F, LCR: 0x03},
			Blk: &snapshot.BlkState{
				HdrBytes:      []byte{0xBB, 0xCC},
				QueuePhysAddr: [1]uint32{0x1000},
				LastAvailIdx:  [1]uint16{7},
				QueueSel:      0,
			},
			Net: &snapshot.NetState{
				HdrBytes:      []byte{0xDD, 0xEE},
				QueuePhysAddr: [2]uint32{0x2000, 0x3000},
				LastAvailIdx:  [2]uint16{3, 5},
				QueueSel:      1,
			},
		},
	}
}

func TestSendReceiveSnapshot(t *testing.T) {
	t.Parallel()

	snap := makeSnapshot()
	sender, recv := pipe()

	go func() {
		if err := sender.SendSnapshot(snap); err != nil {
			t.Errorf("SendSnapshot: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != snapshot.MsgSnapshot {
		t.Fatalf("got type %d, want MsgSnapshot (%d)", msgType, snapshot.MsgSnapshot)
	}

	got, err := snapshot.DecodeSnapshot(payload)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	if !reflect.DeepEqual(got, snap) {
		t.Fatalf("snapshot round-trip mismatch:\ngot  %+v\nwant %+v", got, snap)
	}
}

func TestSnapshotWithNilDevices(t *testing.T) {
	t.Parallel()

	snap := &snapshot.Snapshot{
		MemSize: 1 << 25,
		Devices: snapshot.DeviceState{
			Serial: snapshot.SerialState{IER: 1, LCR: 2},
		},
	}

	var buf bytes.Buffer
	sender := snapshot.NewSender(&buf)

	if err := sender.SendSnapshot(snap); err != nil {
		t.Fatalf("SendSnapshot: %v", err)
	}

	recv := snapshot.NewReceiver(&buf)
	_, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	got, err := snapshot.DecodeSnapshot(payload)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	if got.Devices.Blk != nil || got.Devices.Net != nil {
		t.Fatal("expected nil Blk/Net after round-trip")
	}
}

func TestDecodeSnapshotInvalidGob(t *testing.T) {
	t.Parallel()

	if _, err := snapshot.DecodeSnapshot([]byte{0xFF, 0xFE, 0xFD}); err == nil {
		t.Fatal("expected error decoding garbage, got nil")
	}
}

func TestReceiverTruncatedHeader(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00})

	recv := snapshot.NewReceiver(&buf)
	if _, _, err := recv.Next(); err == nil {
		t.Fatal("expected error for truncated header, got nil")
	}
}

func TestMultipleMessages(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sender := snapshot.NewSender(&buf)
	recv := snapshot.NewReceiver(&buf)

	_ = sender.SendReady()
	_ = sender.SendDone()
	_ = sender.SendMemoryFull([]byte{1, 2, 3})

	for i, wantType := range []snapshot.MsgType{
		snapshot.MsgReady,
		snapshot.MsgDone,
		snapshot.MsgMemoryFull,
	} {
		msgType, _, err := recv.Next()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}

		if msgType != wantType {
			t.Fatalf("message %d: got type %d, want %d", i, msgType, wantType)
		}
	}
}
