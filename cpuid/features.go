package cpuid

import "fmt"

// Bit offsets follow arch/x86/include/asm/cpufeatures.h in Linux.
//
// https://github.com/torvalds/linux/blob/v6.1/arch/x86/include/asm/cpufeatures.h

// Feature is the unified interface of every CPU feature bit type.
type Feature interface {
	F1Ecx | F7_0Ebx

	fmt.Stringer
	Mask() uint32
}

type (
	F1Ecx   uint32
	F7_0Ebx uint32
)

const (
	XMM3       F1Ecx = 0  /* "pni" SSE-3 */
	PCLMULQDQ  F1Ecx = 1  /* PCLMULQDQ instruction */
	DTES64     F1Ecx = 2  /* 64-bit Debug Store */
	MONITOR    F1Ecx = 3  /* MONITOR/MWAIT support */
	DSCPL      F1Ecx = 4  /* CPL-qualified Debug Store */
	VMX        F1Ecx = 5  /* Hardware virtualization */
	SMX        F1Ecx = 6  /* Safer Mode eXtensions */
	EST        F1Ecx = 7  /* Enhanced SpeedStep */
	TM2        F1Ecx = 8  /* Thermal Monitor 2 */
	SSSE3      F1Ecx = 9  /* Supplemental SSE-3 */
	CX16       F1Ecx = 13 /* CMPXCHG16B instruction */
	XTPR       F1Ecx = 14 /* Send Task Priority Messages */
	PDCM       F1Ecx = 15 /* Perf/Debug Capabilities MSR */
	PCID       F1Ecx = 17 /* Process Context Identifiers */
	X2APIC     F1Ecx = 21 /* X2APIC */
	TSCDEADLN  F1Ecx = 24 /* TSC deadline timer */
	XSAVE      F1Ecx = 26 /* XSAVE/XRSTOR/XSETBV/XGETBV instructions */
	OSXSAVE    F1Ecx = 27 /* "" XSAVE instruction enabled in the OS */
	AVX        F1Ecx = 28 /* Advanced Vector Extensions */
	HYPERVISOR F1Ecx = 31 /* Running on a hypervisor */
)

//nolint:stylecheck
const (
	FSGSBASE   F7_0Ebx = 0  /* RDFSBASE, WRFSBASE, RDGSBASE, WRGSBASE instructions*/
	TSC_ADJUST F7_0Ebx = 1  /* TSC adjustment MSR 0x3B */
	BMI1       F7_0Ebx = 3  /* 1st group bit manipulation extensions */
	AVX2       F7_0Ebx = 5  /* AVX2 instructions */
	SMEP       F7_0Ebx = 7  /* Supervisor Mode Execution Protection */
	ERMS       F7_0Ebx = 9  /* Enhanced REP MOVSB/STOSB instructions */
	INVPCID    F7_0Ebx = 10 /* Invalidate Processor Context ID */
	RTM        F7_0Ebx = 11 /* Restricted Transactional Memory */
	RDSEED     F7_0Ebx = 18 /* RDSEED instruction */
	SMAP       F7_0Ebx = 20 /* Supervisor Mode Access Prevention */
)

// XSAVES in CPUID.(EAX=0xD,ECX=1):EAX.
const XSAVES = 3

func (f F1Ecx) Mask() uint32   { return 1 << uint32(f) }
func (f F7_0Ebx) Mask() uint32 { return 1 << uint32(f) }

//nolint:gochecknoglobals
var f1EcxNames = map[F1Ecx]string{
	XMM3: "XMM3", PCLMULQDQ: "PCLMULQDQ", DTES64: "DTES64", MONITOR: "MONITOR",
	DSCPL: "DSCPL", VMX: "VMX", SMX: "SMX", EST: "EST", TM2: "TM2", SSSE3: "SSSE3",
	CX16: "CX16", XTPR: "XTPR", PDCM: "PDCM", PCID: "PCID", X2APIC: "X2APIC",
	TSCDEADLN: "TSCDEADLN", XSAVE: "XSAVE", OSXSAVE: "OSXSAVE", AVX: "AVX",
	HYPERVISOR: "HYPERVISOR",
}

//nolint:gochecknoglobals
var f7_0EbxNames = map[F7_0Ebx]string{
	FSGSBASE: "FSGSBASE", TSC_ADJUST: "TSC_ADJUST", BMI1: "BMI1", AVX2: "AVX2",
	SMEP: "SMEP", ERMS: "ERMS", INVPCID: "INVPCID", RTM: "RTM", RDSEED: "RDSEED",
	SMAP: "SMAP",
}

func (f F1Ecx) String() string {
	if s, ok := f1EcxNames[f]; ok {
		return s
	}

	return fmt.Sprintf("F1Ecx(%d)", uint32(f))
}

func (f F7_0Ebx) String() string {
	if s, ok := f7_0EbxNames[f]; ok {
		return s
	}

	return fmt.Sprintf("F7_0Ebx(%d)", uint32(f))
}

//nolint:gochecknoglobals
var AllF1Ecx = []F1Ecx{
	XMM3, PCLMULQDQ, DTES64, MONITOR, DSCPL, VMX, SMX, EST, TM2, SSSE3, CX16,
	XTPR, PDCM, PCID, X2APIC, TSCDEADLN, XSAVE, OSXSAVE, AVX, HYPERVISOR,
}

//nolint:gochecknoglobals
var AllF7_0Ebx = []F7_0Ebx{
	FSGSBASE, TSC_ADJUST, BMI1, AVX2, SMEP, ERMS, INVPCID, RTM, RDSEED, SMAP,
}

// Has reports whether feature f is set in reg.
func Has[T Feature](reg uint32, f T) bool {
	return reg&f.Mask() != 0
}

// Signature packs a 12 byte vendor signature into EBX, ECX, EDX order.
func Signature(s string) (ebx, ecx, edx uint32) {
	var b [12]byte

	copy(b[:], s)

	word := func(i int) uint32 {
		return uint32(b[i]) | uint32(b[i+1])<<8 | uint32(b[i+2])<<16 | uint32(b[i+3])<<24
	}

	return word(0), word(4), word(8)
}

// SignatureString decodes EBX, ECX, EDX back into the signature string,
// dropping trailing NUL bytes.
func SignatureString(ebx, ecx, edx uint32) string {
	s := make([]byte, 0, 12)
	for _, x := range []uint32{ebx, ecx, edx} {
		s = append(s, byte(x), byte(x>>8), byte(x>>16), byte(x>>24))
	}

	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}

	return string(s)
}
