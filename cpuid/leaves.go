package cpuid

// Leaves returns the fixed guest-visible CPUID response for a leaf/subleaf
// pair. Unlike the teacher's original cpuid.go (which executed the real
// CPUID instruction on the host via inline assembly), this describes a
// portable virtual CPU: the same leaves are returned regardless of host
// hardware, which is required for WASM/browser deployment (spec.md §1) and
// for snapshot portability across hosts (spec §4.5).
func Leaves(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	switch leaf {
	case 0x0: // highest basic leaf + vendor string "AeroVirtCPU "
		return 0x16, 0x6F726541, 0x20555043, 0x74726956
	case 0x1: // feature flags
		edx = setBits(AllF1Edx, FPU, VME, DE, PSE, TSC, MSR, PAE, MCE, CX8,
			APIC, SEP, MTRR, PGE, MCA, CMOV, PAT, CLFLUSH, MMX, FXSR, XMM, XMM2)
		ecx = 1<<0 | 1<<9 | 1<<19 | 1<<20 // SSE3, SSSE3, SSE4.1, SSE4.2
		eax = 0x000106A0                  // stepping/model/family
		ebx = 0x00010800                  // 1 logical CPU reported per leaf
		return eax, ebx, ecx, edx
	case 0x7:
		if subleaf == 0 {
			edx = setBits(AllF7_0Edx, SERIALIZE, MD_CLEAR)
			ebx = 1<<0 | 1<<3 | 1<<19 // FSGSBASE, BMI1, ADX (illustrative subset)
			return 0, ebx, 0, edx
		}
	case 0x80000000:
		return 0x80000008, 0, 0, 0
	case 0x80000001:
		return 0, 0, 0, 1 << 29 // LM (long mode) bit
	case 0x80000002, 0x80000003, 0x80000004:
		return brandStringPart(leaf)
	}
	return 0, 0, 0, 0
}

func setBits[T ~uint32](all []T, want ...T) uint32 {
	set := make(map[T]bool, len(want))
	for _, w := range want {
		set[w] = true
	}
	var bits uint32
	for _, f := range all {
		if set[f] {
			bits |= 1 << uint32(f)
		}
	}
	return bits
}

func brandStringPart(leaf uint32) (eax, ebx, ecx, edx uint32) {
	const brand = "Aero Virtual x86_64 CPU        "
	off := int(leaf-0x80000002) * 16
	var b [16]byte
	if off < len(brand) {
		copy(b[:], brand[off:]) // bytes past the end of brand stay NUL
	}
	eax = leU32(b[0:4])
	ebx = leU32(b[4:8])
	ecx = leU32(b[8:12])
	edx = leU32(b[12:16])
	return
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
