package acpi_test

import (
	"testing"

	"github.com/wilsonzlin/aero/acpi"
)

func TestBIOSInfoStringsTerminated(t *testing.T) {
	t.Parallel()

	s := acpi.NewBIOSInfo(0, "Aero", "1.0", "01/01/2026")
	b, err := s.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}
	if len(b) < 2 || b[len(b)-1] != 0 || b[len(b)-2] != 0 {
		t.Fatalf("expected double-NUL terminator, got tail %v", b[max(0, len(b)-4):])
	}
}

func TestEndOfTableIsFourBytes(t *testing.T) {
	t.Parallel()

	s := acpi.NewEndOfTable(7)
	b, err := s.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}
	// 4-byte formatted header + 2-byte (single NUL + terminator) string area.
	if len(b) != 6 {
		t.Fatalf("len = %d, want 6", len(b))
	}
	if b[0] != acpi.SMBIOSTypeEndOfTable {
		t.Fatalf("Type = %d, want %d", b[0], acpi.SMBIOSTypeEndOfTable)
	}
}

func TestSMBIOSTableAppendsEndOfTable(t *testing.T) {
	t.Parallel()

	tbl := &acpi.SMBIOSTable{}
	tbl.AddStructure(acpi.NewBIOSInfo(0, "Aero", "1.0", "01/01/2026"))
	b, err := tbl.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}
	if b[len(b)-6] != acpi.SMBIOSTypeEndOfTable {
		t.Fatalf("expected an appended Type 127 terminator")
	}
}

func TestBuildEPS32ChecksumsAreValid(t *testing.T) {
	t.Parallel()

	raw, err := acpi.BuildEPS32(0xF0000, 128, 3, 0x30)
	if err != nil {
		t.Fatalf("BuildEPS32: %v", err)
	}
	if len(raw) != 0x1F {
		t.Fatalf("len(raw) = %d, want 31", len(raw))
	}

	var sum uint8
	for _, b := range raw {
		sum += b
	}
	if sum != 0 {
		t.Fatalf("anchor checksum invalid: sum over all bytes = %d, want 0", sum)
	}

	var isum uint8
	for _, b := range raw[0x10:0x1F] {
		isum += b
	}
	if isum != 0 {
		t.Fatalf("intermediate checksum invalid: sum over [0x10:0x1F) = %d, want 0", isum)
	}

	if string(raw[0:4]) != "_SM_" {
		t.Fatalf("anchor string = %q, want _SM_", raw[0:4])
	}
	if string(raw[0x10:0x15]) != "_DMI_" {
		t.Fatalf("intermediate anchor string = %q, want _DMI_", raw[0x10:0x15])
	}
}
