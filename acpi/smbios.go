package acpi

import (
	"bytes"
	"encoding/binary"
)

// SMBIOS structure type codes used by the firmware POST scenario (spec §8):
// a minimal but complete table set a guest BIOS probe expects to find.
const (
	SMBIOSTypeBIOSInfo       uint8 = 0
	SMBIOSTypeSystemInfo     uint8 = 1
	SMBIOSTypeProcessor      uint8 = 4
	SMBIOSTypePhysMemArray   uint8 = 16
	SMBIOSTypeMemoryDevice   uint8 = 17
	SMBIOSTypeMemArrayMapped uint8 = 19
	SMBIOSTypeEndOfTable     uint8 = 127
)

// SMBIOSStructure is one formatted-section-plus-string-set SMBIOS
// structure: a fixed binary header/body followed by a sequence of
// NUL-terminated strings and a final double-NUL terminator.
type SMBIOSStructure struct {
	Type    uint8
	Length  uint8
	Handle  uint16
	Body    interface{} // struct written with binary.Write, little-endian
	Strings []string
}

// ToBytes renders the structure per the SMBIOS spec's "formatted section"
// + "unformatted string-set" layout.
func (s *SMBIOSStructure) ToBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, s.Body); err != nil {
		return nil, err
	}
	for _, str := range s.Strings {
		buf.WriteString(str)
		buf.WriteByte(0)
	}
	if len(s.Strings) == 0 {
		buf.WriteByte(0) // structures with no strings still need one null
	}
	buf.WriteByte(0) // terminating double-NUL
	return buf.Bytes(), nil
}

type smbiosBIOSInfoBody struct {
	Type               uint8
	Length             uint8
	Handle             uint16
	Vendor             uint8 // string index
	Version            uint8
	StartSegment       uint16
	ReleaseDate        uint8
	ROMSize            uint8
	Characteristics    uint64
	CharacteristicsExt uint16
	MajorRelease       uint8
	MinorRelease       uint8
	ECMajorRelease     uint8
	ECMinorRelease     uint8
}

// NewBIOSInfo builds an SMBIOS Type 0 (BIOS Information) structure.
func NewBIOSInfo(handle uint16, vendor, version, releaseDate string) *SMBIOSStructure {
	return &SMBIOSStructure{
		Type:   SMBIOSTypeBIOSInfo,
		Length: 0x18,
		Handle: handle,
		Body: smbiosBIOSInfoBody{
			Type: SMBIOSTypeBIOSInfo, Length: 0x18, Handle: handle,
			Vendor: 1, Version: 2, StartSegment: 0xF000, ReleaseDate: 3,
			ROMSize:         0,
			Characteristics: 1 << 7, // "BIOS characteristics not supported" cleared -> PCI supported bit set
		},
		Strings: []string{vendor, version, releaseDate},
	}
}

type smbiosSystemInfoBody struct {
	Type         uint8
	Length       uint8
	Handle       uint16
	Manufacturer uint8
	ProductName  uint8
	Version      uint8
	SerialNumber uint8
	UUID         [16]byte
	WakeUpType   uint8
	SKUNumber    uint8
	Family       uint8
}

// NewSystemInfo builds an SMBIOS Type 1 (System Information) structure.
func NewSystemInfo(handle uint16, manufacturer, product, version, serial string, uuid [16]byte) *SMBIOSStructure {
	return &SMBIOSStructure{
		Type:   SMBIOSTypeSystemInfo,
		Length: 0x1B,
		Handle: handle,
		Body: smbiosSystemInfoBody{
			Type: SMBIOSTypeSystemInfo, Length: 0x1B, Handle: handle,
			Manufacturer: 1, ProductName: 2, Version: 3, SerialNumber: 4,
			UUID: uuid, WakeUpType: 6, SKUNumber: 0, Family: 0,
		},
		Strings: []string{manufacturer, product, version, serial},
	}
}

type smbiosProcessorBody struct {
	Type            uint8
	Length          uint8
	Handle          uint16
	SocketDesig     uint8
	ProcessorType   uint8
	Family          uint8
	Manufacturer    uint8
	ID              uint64
	Version         uint8
	Voltage         uint8
	ExtClock        uint16
	MaxSpeed        uint16
	CurrentSpeed    uint16
	Status          uint8
	Upgrade         uint8
	L1CacheHandle   uint16
	L2CacheHandle   uint16
	L3CacheHandle   uint16
	SerialNumber    uint8
	AssetTag        uint8
	PartNumber      uint8
	CoreCount       uint8
	CoreEnabled     uint8
	ThreadCount     uint8
	Characteristics uint16
	Family2         uint16
}

// NewProcessor builds an SMBIOS Type 4 (Processor Information) structure
// for one virtual CPU, with CPUID-leaf-1 family/model/stepping folded into
// ID (spec.md's cpuid.Leaves is the source of truth for those bits).
func NewProcessor(handle uint16, socket string, coreCount uint8, cpuidEax uint32) *SMBIOSStructure {
	return &SMBIOSStructure{
		Type:   SMBIOSTypeProcessor,
		Length: 0x2A,
		Handle: handle,
		Body: smbiosProcessorBody{
			Type: SMBIOSTypeProcessor, Length: 0x2A, Handle: handle,
			SocketDesig: 1, ProcessorType: 3, Family: 0xFE, // "use Family2"
			Manufacturer: 2, ID: uint64(cpuidEax), Version: 3,
			MaxSpeed: 3000, CurrentSpeed: 3000, Status: 0x41, // populated, enabled
			Upgrade: 1, CoreCount: coreCount, CoreEnabled: coreCount,
			ThreadCount: coreCount, Family2: 0x0101, // AMD64 per SMBIOS 3.x spec
		},
		Strings: []string{socket, "AeroVirtCPU"},
	}
}

type smbiosPhysMemArrayBody struct {
	Type             uint8
	Length           uint8
	Handle           uint16
	Location         uint8
	Use              uint8
	ErrorCorrection  uint8
	MaxCapacityKB    uint32
	ErrHandle        uint16
	NumDevices       uint16
}

// NewPhysicalMemoryArray builds an SMBIOS Type 16 structure describing the
// overall guest RAM array.
func NewPhysicalMemoryArray(handle uint16, maxCapacityKB uint32, numDevices uint16) *SMBIOSStructure {
	return &SMBIOSStructure{
		Type:   SMBIOSTypePhysMemArray,
		Length: 0x0F,
		Handle: handle,
		Body: smbiosPhysMemArrayBody{
			Type: SMBIOSTypePhysMemArray, Length: 0x0F, Handle: handle,
			Location: 3, Use: 3, ErrorCorrection: 3, // system board, system memory, none
			MaxCapacityKB: maxCapacityKB, ErrHandle: 0xFFFE, NumDevices: numDevices,
		},
	}
}

type smbiosMemoryDeviceBody struct {
	Type             uint8
	Length           uint8
	Handle           uint16
	ArrayHandle      uint16
	ErrHandle        uint16
	TotalWidth       uint16
	DataWidth        uint16
	SizeMB           uint16
	FormFactor       uint8
	DeviceSet        uint8
	DeviceLocator    uint8
	BankLocator      uint8
	MemoryType       uint8
	TypeDetail       uint16
	Speed            uint16
	Manufacturer     uint8
	SerialNumber     uint8
	AssetTag         uint8
	PartNumber       uint8
}

// NewMemoryDevice builds an SMBIOS Type 17 structure for one RAM stick
// backing arrayHandle.
func NewMemoryDevice(handle, arrayHandle uint16, sizeMB uint16, locator string) *SMBIOSStructure {
	return &SMBIOSStructure{
		Type:   SMBIOSTypeMemoryDevice,
		Length: 0x1B,
		Handle: handle,
		Body: smbiosMemoryDeviceBody{
			Type: SMBIOSTypeMemoryDevice, Length: 0x1B, Handle: handle,
			ArrayHandle: arrayHandle, ErrHandle: 0xFFFE,
			TotalWidth: 64, DataWidth: 64, SizeMB: sizeMB,
			FormFactor: 9, DeviceLocator: 1, BankLocator: 2, // DIMM
			MemoryType: 0x1A, TypeDetail: 0x80, Speed: 3200, // DDR4, synchronous
		},
		Strings: []string{locator, "Bank0"},
	}
}

// NewEndOfTable builds the mandatory Type 127 terminator structure.
func NewEndOfTable(handle uint16) *SMBIOSStructure {
	return &SMBIOSStructure{
		Type:   SMBIOSTypeEndOfTable,
		Length: 4,
		Handle: handle,
		Body: struct {
			Type   uint8
			Length uint8
			Handle uint16
		}{SMBIOSTypeEndOfTable, 4, handle},
	}
}

// SMBIOSTable is the full structure table. The 32-bit Entry Point
// Structure (EPS) that points at it is not part of this type; BuildEPS32
// builds it separately.
type SMBIOSTable struct {
	Structures []*SMBIOSStructure
}

// AddStructure appends one structure to the table.
func (t *SMBIOSTable) AddStructure(s *SMBIOSStructure) {
	t.Structures = append(t.Structures, s)
}

// ToBytes renders every structure back-to-back, in insertion order,
// terminated by a Type 127 structure if the caller didn't add one.
func (t *SMBIOSTable) ToBytes() ([]byte, error) {
	var buf bytes.Buffer
	hasEnd := false
	for _, s := range t.Structures {
		data, err := s.ToBytes()
		if err != nil {
			return nil, err
		}
		buf.Write(data)
		if s.Type == SMBIOSTypeEndOfTable {
			hasEnd = true
		}
	}
	if !hasEnd {
		data, err := NewEndOfTable(uint16(len(t.Structures))).ToBytes()
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

type smbios32EPS struct {
	Anchor               [4]byte // "_SM_"
	Checksum             uint8
	Length               uint8
	MajorVersion         uint8
	MinorVersion         uint8
	MaxStructSize        uint16
	EPSRevision          uint8
	FormattedArea        [5]byte
	IntermediateAnchor   [5]byte // "_DMI_"
	IntermediateChecksum uint8
	TableLength          uint16
	TableAddress         uint32
	NumStructures        uint16
	BCDRevision          uint8
}

// BuildEPS32 builds the 31-byte 32-bit SMBIOS Entry Point Structure for a
// structure table of tableLength bytes mapped at tableAddress, with both
// checksums computed (spec's "2.1+ 32-bit EPS" convention used by legacy
// BIOS probes).
func BuildEPS32(tableAddress uint32, tableLength uint16, numStructures uint16, maxStructSize uint16) ([]byte, error) {
	eps := smbios32EPS{
		Anchor:             [4]byte{'_', 'S', 'M', '_'},
		Length:             0x1F,
		MajorVersion:       2,
		MinorVersion:       8,
		MaxStructSize:      maxStructSize,
		IntermediateAnchor: [5]byte{'_', 'D', 'M', 'I', '_'},
		TableLength:        tableLength,
		TableAddress:       tableAddress,
		NumStructures:      numStructures,
		BCDRevision:        0x28,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, eps); err != nil {
		return nil, err
	}
	raw := buf.Bytes()

	// Intermediate checksum covers bytes [0x10:0x1F) (the "_DMI_" substructure).
	raw[0x15] = checksum8(raw[0x10:0x1F])
	// Anchor checksum covers the whole 0x1F-byte structure, including the
	// byte it's stored in, summing to zero mod 256.
	raw[4] = checksum8(raw)

	return raw, nil
}

func checksum8(b []byte) uint8 {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return uint8(0) - sum
}
