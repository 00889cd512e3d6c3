package machine

// Guest physical memory layout. bootParamAddr/cmdlineAddr/initrdAddr are the
// same landing addresses the Linux boot protocol expects regardless of
// which CPU backend loads them (spec §4.4 "Linux boot protocol" scenario).
const (
	bootParamAddr = 0x10000
	cmdlineAddr   = 0x20000
	initrdAddr    = 0xf000000
	highMemBase   = 0x100000

	// pageTableBase is where LoadLinux's identity-mapped long-mode page
	// tables (buildIdentityPageTables) are written; it must not collide
	// with bootParamAddr/cmdlineAddr or the
	// EBDA.
	pageTableBase = 0x30_000

	// MinMemSize is the smallest RAM size New will accept: large enough for
	// the EBDA, boot params, page tables and a minimal kernel image.
	MinMemSize = 1 << 25

	// DefaultCacheBlocks/DefaultCacheBytes are the code cache's default
	// count and byte caps (spec §9 "policy, not semantics").
	DefaultCacheBlocks = 4096
	DefaultCacheBytes  = 16 << 20

	// CompileQueueDepth bounds the dispatcher's hot-block compile-request
	// channel; a full queue simply drops the request and retries on the
	// next miss (spec §4.2 step 3).
	CompileQueueDepth = 64
)

// Legacy PIC IRQ line numbers for the devices this machine wires up
// directly (spec §4.4); routed through the flat pic in pic.go rather than
// PCI INTx since these are ISA-style fixed lines, not BAR-routed pins.
const (
	serialIRQ    = 4
	virtioNetIRQ = 9
	virtioBlkIRQ = 10
	ahciIRQ      = 11
)

// ahciMMIOBase is the AHCI controller's ABAR (BAR5) address: the same
// 0xFEB00000 landing spot real ICH9 southbridges place it at, chosen so it
// never collides with guest RAM regardless of -m (spec §4.4 "Storage — AHCI").
const ahciMMIOBase = 0xFEB00000

// x86 control-register and EFER bit positions used when constructing a
// vCPU's initial mode (real/protected/long) in LoadLinux.
const (
	CR0xPE = 1 << 0
	CR0xMP = 1 << 1
	CR0xEM = 1 << 2
	CR0xTS = 1 << 3
	CR0xET = 1 << 4
	CR0xNE = 1 << 5
	CR0xWP = 1 << 16
	CR0xAM = 1 << 18
	CR0xNW = 1 << 29
	CR0xCD = 1 << 30
	CR0xPG = 1 << 31

	CR4xPAE = 1 << 5

	EFERxLME = 1 << 8
	EFERxLMA = 1 << 10

	// PDE64x bits used when filling the identity-mapped long-mode page
	// tables: present, read/write, page-size (2 MiB leaf), accessed/dirty.
	pde64Present = 1 << 0
	pde64RW      = 1 << 1
	pde64PS      = 1 << 7
	pde64AccDirt = 0x60
)

// Poison fills memory past the loaded kernel so that running off the end
// of valid code traps immediately instead of executing whatever zero bytes
// happen to decode to (cafebabe; nop; ud2).
const Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"
