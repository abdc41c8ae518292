package simhw

import (
	"github.com/bobuhiro11/govmx/cpuid"
	"github.com/bobuhiro11/govmx/vmx"
)

// ReferenceRevision is the VMCS revision identifier of the modelled part.
const ReferenceRevision uint32 = 0x12

// ReferenceVMCSSize is the VMCS region size the modelled part reports.
const ReferenceVMCSSize = 0x400

// ReferenceMSRs returns the VMX capability MSRs of a Skylake-class part.
func ReferenceMSRs() map[uint32]uint64 {
	return map[uint32]uint64{
		vmx.MSRBasic: uint64(ReferenceRevision) |
			uint64(ReferenceVMCSSize)<<vmx.BasicSizeShift |
			vmx.MemTypeWriteBack<<vmx.BasicMemTypeShift |
			1<<54 | vmx.BasicTrueControls,
		vmx.MSRPinbasedCtls:      0x000000ff_00000016,
		vmx.MSRProcbasedCtls:     0xfff9fffe_0401e172,
		vmx.MSRExitCtls:          0x007fffff_00036dff,
		vmx.MSREntryCtls:         0x0000ffff_000011ff,
		vmx.MSRMisc:              0x00000000_7004c1e7,
		vmx.MSRCR0Fixed0:         0x80000021,
		vmx.MSRCR0Fixed1:         0xffffffff,
		vmx.MSRCR4Fixed0:         0x00002000,
		vmx.MSRCR4Fixed1:         0x003767ff,
		vmx.MSRVMCSEnum:          0x0000002e,
		vmx.MSRProcbasedCtls2:    0x0015ffff_00000000,
		vmx.MSREPTVPIDCap:        0x00000f01_06334141,
		vmx.MSRTruePinbasedCtls:  0x000000ff_00000016,
		vmx.MSRTrueProcbasedCtls: 0xfff9fffe_04006172,
		vmx.MSRTrueExitCtls:      0x007fffff_00036dfb,
		vmx.MSRTrueEntryCtls:     0x0000ffff_000011fb,
		vmx.MSRVMFunc:            0x00000001,
	}
}

func hostMSRs() map[uint32]uint64 {
	m := ReferenceMSRs()
	for k, v := range map[uint32]uint64{
		vmx.MSRPlatformID:        0x0004000000000000,
		vmx.MSRAPICBase:          0x00000000fee00900,
		vmx.MSRFeatureControl:    0,
		vmx.MSRUcodeRev:          0x000000c600000000,
		vmx.MSRPMC0:              0,
		vmx.MSRMTRRCap:           0x0000000000000d0a,
		vmx.MSRSysenterCS:        0x10,
		vmx.MSRSysenterESP:       0,
		vmx.MSRSysenterEIP:       0,
		vmx.MSRPerfEvtSel0:       0,
		vmx.MSRPerfStatus:        0x00001f4800001d00,
		vmx.MSRPerfCtl:           0x0000000000001d00,
		vmx.MSRThermStatus:       0x0000000088430800,
		vmx.MSRMiscEnable:        0x0000000000850089,
		vmx.MSREnergyPerfBias:    0x0000000000000006,
		vmx.MSRPAT:               0x0007040600070406,
		vmx.MSRMTRRDefType:       0x0000000000000c06,
		vmx.MSRPerfGlobalStatus:  0,
		vmx.MSRPerfGlobalCtrl:    0x000000070000000f,
		vmx.MSRPerfGlobalOvfCtrl: 0,
		vmx.MSRTSCDeadline:       0,
		vmx.MSREFER:              0x0000000000000d01,
		vmx.MSRStar:              0x0023001000000000,
		vmx.MSRLStar:             0xffffffff81a00010,
		vmx.MSRCStar:             0xffffffff81a01520,
		vmx.MSRSyscallMask:       0x0000000000047700,
		vmx.MSRFSBase:            0,
		vmx.MSRGSBase:            0,
		vmx.MSRKernelGSBase:      0,
		vmx.MSRTSCAux:            0,
	} {
		m[k] = v
	}

	return m
}

// readOnlyMSR reports MSRs that fault on WRMSR.
func readOnlyMSR(msr uint32) bool {
	switch msr {
	case vmx.MSRPlatformID, vmx.MSRUcodeRev, vmx.MSRMTRRCap, vmx.MSRPerfStatus, vmx.MSRThermStatus:
		return true
	}

	return msr >= vmx.MSRBasic && msr <= vmx.MSRVMFunc
}

type leafKey struct {
	leaf, subleaf uint32
}

// ReferenceCPUID returns what CPUID reports on the modelled part.
func ReferenceCPUID(leaf, subleaf uint32) cpuid.Regs {
	if leaf != 0x7 && leaf != 0xd {
		subleaf = 0
	}

	return referenceLeaves[leafKey{leaf, subleaf}]
}

//nolint:gochecknoglobals
var referenceLeaves = func() map[leafKey]cpuid.Regs {
	ebx, ecx, edx := cpuid.Signature("GenuineIntel")

	f1ecx := uint32(0)
	for _, f := range []cpuid.F1Ecx{
		cpuid.XMM3, cpuid.PCLMULQDQ, cpuid.DTES64, cpuid.MONITOR, cpuid.DSCPL,
		cpuid.VMX, cpuid.EST, cpuid.TM2, cpuid.SSSE3, cpuid.CX16, cpuid.XTPR,
		cpuid.PDCM, cpuid.PCID, cpuid.X2APIC, cpuid.TSCDEADLN, cpuid.XSAVE,
		cpuid.OSXSAVE, cpuid.AVX,
	} {
		f1ecx |= f.Mask()
	}

	f7ebx := uint32(0)
	for _, f := range []cpuid.F7_0Ebx{
		cpuid.FSGSBASE, cpuid.TSC_ADJUST, cpuid.BMI1, cpuid.AVX2, cpuid.SMEP,
		cpuid.ERMS, cpuid.INVPCID, cpuid.RTM, cpuid.RDSEED, cpuid.SMAP,
	} {
		f7ebx |= f.Mask()
	}

	return map[leafKey]cpuid.Regs{
		{0x0, 0}:        {EAX: 0xd, EBX: ebx, ECX: ecx, EDX: edx},
		{0x1, 0}:        {EAX: 0x00050654, EBX: 0x08100800, ECX: f1ecx, EDX: 0xbfebfbff},
		{0x7, 0}:        {EBX: f7ebx, ECX: 0x0000000c, EDX: 0x9c000400},
		{0xa, 0}:        {EAX: 0x07300404, EDX: 0x00000603},
		{0xd, 0}:        {EAX: 0x7, EBX: 0x340, ECX: 0x340},
		{0xd, 1}:        {EAX: 0xf},
		{0x40000003, 0}: {EDX: 0x1},
		{0x40000103, 0}: {EDX: 0x1},
	}
}()

func referenceHost(core int, cr4 uint64) vmx.HostState {
	return vmx.HostState{
		CR0:      0x80050033,
		CR3:      0x0000000001c0a000,
		CR4:      cr4,
		TRBase:   0xfffffe0000003000 + uint64(core)<<16,
		GDTRBase: 0xfffffe0000001000 + uint64(core)<<16,
		IDTRBase: 0xfffffe0000000000,
		GSBase:   0xffff888000000000 + uint64(core)<<20,
		EntryRIP: 0xffffffff81000000,
		EFER:     0xd01,
		PAT:      0x0007040600070406,
	}
}

const (
	referenceCR4  uint64 = 0x003606e0 | vmx.CR4OSXS
	referenceXCR0        = 0x7
)
