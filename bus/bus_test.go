package bus

import "testing"

func TestReadWritePhysical(t *testing.T) {
	t.Parallel()

	b := New(1 << 20)
	if err := b.WritePhysical(0x1000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 4)
	if err := b.ReadPhysical(0x1000, got); err != nil {
		t.Fatal(err)
	}
	if got[0] != 1 || got[3] != 4 {
		t.Fatalf("got %v", got)
	}
}

func TestUnmappedReadsAllOnes(t *testing.T) {
	t.Parallel()

	b := New(0x1000)
	got := make([]byte, 4)
	if err := b.ReadPhysical(0x10000, got); err != nil {
		t.Fatal(err)
	}
	for _, v := range got {
		if v != 0xFF {
			t.Fatalf("expected 0xFF, got %#x", v)
		}
	}
}

func TestROMWritesDropped(t *testing.T) {
	t.Parallel()

	b := New(0x1000)
	b.MapROM(0x2000, []byte{0xAA, 0xBB})
	if err := b.WritePhysical(0x2000, []byte{0, 0}); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 2)
	if err := b.ReadPhysical(0x2000, got); err != nil {
		t.Fatal(err)
	}
	if got[0] != 0xAA || got[1] != 0xBB {
		t.Fatalf("rom write was not dropped: %v", got)
	}
}

func TestPageVersionBumpsOnWrite(t *testing.T) {
	t.Parallel()

	b := New(1 << 20)
	before := b.PageVersion(1)
	if err := b.WritePhysical(pageSize+4, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if after := b.PageVersion(1); after != before+1 {
		t.Fatalf("expected version bump, before=%d after=%d", before, after)
	}
}

func TestOverlappingMMIOPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on overlapping MMIO map")
		}
	}()

	b := New(0x1000)
	b.MapMMIO(0x3000, 0x100, nullMMIO{})
	b.MapMMIO(0x3080, 0x100, nullMMIO{})
}

type nullMMIO struct{}

func (nullMMIO) MMIORead(uint64, []byte)  {}
func (nullMMIO) MMIOWrite(uint64, []byte) {}

func TestBulkSetAndCopy(t *testing.T) {
	t.Parallel()

	b := New(1 << 16)
	if err := b.BulkSet(0x100, []byte{0xAB}, 16); err != nil {
		t.Fatal(err)
	}
	if err := b.BulkCopy(0x200, 0x100, 16); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 16)
	_ = b.ReadPhysical(0x200, got)
	for _, v := range got {
		if v != 0xAB {
			t.Fatalf("bulk copy mismatch: %v", got)
		}
	}
}

func TestAtomicRMW32(t *testing.T) {
	t.Parallel()

	b := New(1 << 16)
	b.WriteU32(0x400, 10)
	ret, err := AtomicRMW32(b, 0x400, func(old uint32) (uint32, uint32) {
		return old + 1, old
	})
	if err != nil {
		t.Fatal(err)
	}
	if ret != 10 {
		t.Fatalf("expected old value 10, got %d", ret)
	}
	if got := b.ReadU32(0x400); got != 11 {
		t.Fatalf("expected new value 11, got %d", got)
	}
}
