package pci_test

import (
	"testing"

	"github.com/wilsonzlin/aero/pci"
)

func TestConfigSpaceCapabilityChaining(t *testing.T) {
	cs := pci.NewConfigSpace(0x1234, 0x5678, 0x010601, 0x00) // AHCI class code
	if cs.Raw[0x06]&0x10 != 0 {
		t.Fatalf("capabilities-list bit should be clear before any AddCapability")
	}

	off1 := cs.AddCapability(0x05, []byte{0xAA, 0xBB}) // MSI, arbitrary body
	if cs.Raw[0x06]&0x10 == 0 {
		t.Fatalf("capabilities-list bit should be set after AddCapability")
	}
	if cs.Raw[0x34] != off1 {
		t.Fatalf("capabilities pointer = %#x, want first cap offset %#x", cs.Raw[0x34], off1)
	}

	off2 := cs.AddCapability(0x11, []byte{0x01, 0x02, 0x03, 0x04}) // MSI-X
	if cs.Raw[off1+1] != off2 {
		t.Fatalf("first capability's next pointer = %#x, want %#x", cs.Raw[off1+1], off2)
	}
	if cs.Raw[off2] != 0x11 {
		t.Fatalf("second capability id = %#x, want 0x11", cs.Raw[off2])
	}
	if cs.Raw[off2+1] != 0 {
		t.Fatalf("last capability's next pointer should be 0, got %#x", cs.Raw[off2+1])
	}
}

func TestBARProbeSizeMask(t *testing.T) {
	bar := pci.NewBAR(0x2000, false, false) // 8 KiB memory BAR
	bar.Write(0xFFFFFFFF)
	got := bar.Read()
	want := pci.SizeToBits(0x2000) &^ 0xF
	if got != want {
		t.Fatalf("probed size mask = %#x, want %#x", got, want)
	}

	bar.Write(0x10000000)
	if bar.Base() != 0x10000000 {
		t.Fatalf("Base() = %#x, want 0x10000000", bar.Base())
	}
	if bar.Read() != 0x10000000 {
		t.Fatalf("Read() after assign = %#x, want base", bar.Read())
	}
}

func TestBARIOFlagPreserved(t *testing.T) {
	bar := pci.NewBAR(0x100, true, false)
	if bar.Read()&0x1 != 0x1 {
		t.Fatalf("IO BAR should report IO space bit set even before assignment")
	}
	bar.Write(0xFFFFFFFF)
	if bar.Read()&0x1 != 0x1 {
		t.Fatalf("IO space bit must survive size-mask probe read")
	}
}

func TestConfigSpaceSetBARAndReadback(t *testing.T) {
	cs := pci.NewConfigSpace(1, 1, 0, 0)
	bar := pci.NewBAR(0x1000, false, false)
	cs.SetBAR(5, bar)

	cs.BARWrite(5, 0xFFFFFFFF)
	if cs.BARRead(5) != pci.SizeToBits(0x1000)&^0xF {
		t.Fatalf("BARRead(5) after probe write = %#x", cs.BARRead(5))
	}
	cs.BARWrite(5, 0xF0000000)
	if cs.BARRead(5) != 0xF0000000 {
		t.Fatalf("BARRead(5) after assign = %#x, want 0xF0000000", cs.BARRead(5))
	}
}
