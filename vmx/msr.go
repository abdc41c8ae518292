package vmx

// Model specific registers consulted or programmed by the hypervisor.
const (
	MSRPlatformID        uint32 = 0x00000017
	MSRAPICBase          uint32 = 0x0000001b
	MSRFeatureControl    uint32 = 0x0000003a
	MSRUcodeRev          uint32 = 0x0000008b
	MSRPMC0              uint32 = 0x000000c1
	MSRMTRRCap           uint32 = 0x000000fe
	MSRSysenterCS        uint32 = 0x00000174
	MSRSysenterESP       uint32 = 0x00000175
	MSRSysenterEIP       uint32 = 0x00000176
	MSRPerfEvtSel0       uint32 = 0x00000186
	MSRPerfStatus        uint32 = 0x00000198
	MSRPerfCtl           uint32 = 0x00000199
	MSRThermStatus       uint32 = 0x0000019c
	MSRMiscEnable        uint32 = 0x000001a0
	MSREnergyPerfBias    uint32 = 0x000001b0
	MSRPAT               uint32 = 0x00000277
	MSRMTRRDefType       uint32 = 0x000002ff
	MSRPerfGlobalStatus  uint32 = 0x0000038e
	MSRPerfGlobalCtrl    uint32 = 0x0000038f
	MSRPerfGlobalOvfCtrl uint32 = 0x00000390
	MSRBasic             uint32 = 0x00000480
	MSRPinbasedCtls      uint32 = 0x00000481
	MSRProcbasedCtls     uint32 = 0x00000482
	MSRExitCtls          uint32 = 0x00000483
	MSREntryCtls         uint32 = 0x00000484
	MSRMisc              uint32 = 0x00000485
	MSRCR0Fixed0         uint32 = 0x00000486
	MSRCR0Fixed1         uint32 = 0x00000487
	MSRCR4Fixed0         uint32 = 0x00000488
	MSRCR4Fixed1         uint32 = 0x00000489
	MSRVMCSEnum          uint32 = 0x0000048a
	MSRProcbasedCtls2    uint32 = 0x0000048b
	MSREPTVPIDCap        uint32 = 0x0000048c
	MSRTruePinbasedCtls  uint32 = 0x0000048d
	MSRTrueProcbasedCtls uint32 = 0x0000048e
	MSRTrueExitCtls      uint32 = 0x0000048f
	MSRTrueEntryCtls     uint32 = 0x00000490
	MSRVMFunc            uint32 = 0x00000491
	MSRTSCDeadline       uint32 = 0x000006e0
	MSREFER              uint32 = 0xc0000080
	MSRStar              uint32 = 0xc0000081
	MSRLStar             uint32 = 0xc0000082
	MSRCStar             uint32 = 0xc0000083
	MSRSyscallMask       uint32 = 0xc0000084
	MSRFSBase            uint32 = 0xc0000100
	MSRGSBase            uint32 = 0xc0000101
	MSRKernelGSBase      uint32 = 0xc0000102
	MSRTSCAux            uint32 = 0xc0000103
)

// IA32_FEATURE_CONTROL bits.
const (
	FeatureControlLocked        uint64 = 1 << 0
	FeatureControlVMXInsideSMX  uint64 = 1 << 1
	FeatureControlVMXOutsideSMX uint64 = 1 << 2
)

// IA32_VMX_BASIC fields.
const (
	BasicRevisionMask   uint64 = 0x7fffffff
	BasicSizeShift             = 32
	BasicSizeMask       uint64 = 0x1fff
	Basic32BitPhysAddr  uint64 = 1 << 48
	BasicMemTypeShift          = 50
	BasicMemTypeMask    uint64 = 0xf
	BasicTrueControls   uint64 = 1 << 55
	MemTypeWriteBack    uint64 = 6
	MemTypeUncacheable  uint64 = 0
	PageSize                   = 4096
	RevisionShadowVMCS  uint32 = 1 << 31
	RevisionIDMaskBasic uint32 = 0x7fffffff
)

// IA32_VMX_EPT_VPID_CAP bits.
const (
	EPTCapExecuteOnly      uint64 = 1 << 0
	EPTCapPageWalk4        uint64 = 1 << 6
	EPTCapUncacheable      uint64 = 1 << 8
	EPTCapWriteBack        uint64 = 1 << 14
	EPTCap2MBPage          uint64 = 1 << 16
	EPTCap1GBPage          uint64 = 1 << 17
	EPTCapINVEPT           uint64 = 1 << 20
	EPTCapAccessDirty      uint64 = 1 << 21
	EPTCapINVEPTSingle     uint64 = 1 << 25
	EPTCapINVEPTAll        uint64 = 1 << 26
	VPIDCapINVVPID         uint64 = 1 << 32
	VPIDCapINVVPIDAddress  uint64 = 1 << 40
	VPIDCapINVVPIDSingle   uint64 = 1 << 41
	VPIDCapINVVPIDAll      uint64 = 1 << 42
	VPIDCapINVVPIDRetainGl uint64 = 1 << 43
)

// Control register bits.
const (
	CR0PE   uint64 = 1 << 0
	CR0NE   uint64 = 1 << 5
	CR0PG   uint64 = 1 << 31
	CR4PAE  uint64 = 1 << 5
	CR4VMXE uint64 = 1 << 13
	CR4OSXS uint64 = 1 << 18

	EFERLME uint64 = 1 << 8
	EFERLMA uint64 = 1 << 10
	EFERNX  uint64 = 1 << 11
)
