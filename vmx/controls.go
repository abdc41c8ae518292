package vmx

// Pin-based VM-execution controls.
const (
	PinExternalInterrupt uint32 = 1 << 0
	PinNMI               uint32 = 1 << 3
	PinVirtualNMI        uint32 = 1 << 5
	PinPreemptionTimer   uint32 = 1 << 6
	PinPostedInterrupts  uint32 = 1 << 7
)

// Primary processor-based VM-execution controls.
const (
	ProcInterruptWindow   uint32 = 1 << 2
	ProcTSCOffsetting     uint32 = 1 << 3
	ProcHLT               uint32 = 1 << 7
	ProcINVLPG            uint32 = 1 << 9
	ProcMWAIT             uint32 = 1 << 10
	ProcRDPMC             uint32 = 1 << 11
	ProcRDTSC             uint32 = 1 << 12
	ProcCR3Load           uint32 = 1 << 15
	ProcCR3Store          uint32 = 1 << 16
	ProcTertiary          uint32 = 1 << 17
	ProcCR8Load           uint32 = 1 << 19
	ProcCR8Store          uint32 = 1 << 20
	ProcTPRShadow         uint32 = 1 << 21
	ProcNMIWindow         uint32 = 1 << 22
	ProcMovDR             uint32 = 1 << 23
	ProcUnconditionalIO   uint32 = 1 << 24
	ProcUseIOBitmaps      uint32 = 1 << 25
	ProcMonitorTrap       uint32 = 1 << 27
	ProcUseMSRBitmaps     uint32 = 1 << 28
	ProcMONITOR           uint32 = 1 << 29
	ProcPAUSE             uint32 = 1 << 30
	ProcActivateSecondary uint32 = 1 << 31
)

// Secondary processor-based VM-execution controls.
const (
	Proc2VirtualizeAPICAccesses uint32 = 1 << 0
	Proc2EPT                    uint32 = 1 << 1
	Proc2DescriptorTable        uint32 = 1 << 2
	Proc2RDTSCP                 uint32 = 1 << 3
	Proc2VirtualizeX2APIC       uint32 = 1 << 4
	Proc2VPID                   uint32 = 1 << 5
	Proc2WBINVD                 uint32 = 1 << 6
	Proc2UnrestrictedGuest      uint32 = 1 << 7
	Proc2APICRegisterVirt       uint32 = 1 << 8
	Proc2VirtualIntrDelivery    uint32 = 1 << 9
	Proc2PauseLoop              uint32 = 1 << 10
	Proc2RDRAND                 uint32 = 1 << 11
	Proc2INVPCID                uint32 = 1 << 12
	Proc2VMFUNC                 uint32 = 1 << 13
	Proc2VMCSShadowing          uint32 = 1 << 14
	Proc2ENCLS                  uint32 = 1 << 15
	Proc2RDSEED                 uint32 = 1 << 16
	Proc2PML                    uint32 = 1 << 17
	Proc2EPTViolationVE         uint32 = 1 << 18
	Proc2ConcealFromPT          uint32 = 1 << 19
	Proc2XSAVES                 uint32 = 1 << 20
	Proc2ModeBasedEPT           uint32 = 1 << 22
	Proc2SubPageWrite           uint32 = 1 << 23
	Proc2PTGuestPhysical        uint32 = 1 << 24
	Proc2TSCScaling             uint32 = 1 << 25
	Proc2UserWaitPause          uint32 = 1 << 26
	Proc2ENCLV                  uint32 = 1 << 28
)

// VM-exit controls.
const (
	ExitSaveDebugControls   uint32 = 1 << 2
	ExitHostAddrSpaceSize   uint32 = 1 << 9
	ExitLoadPerfGlobalCtrl  uint32 = 1 << 12
	ExitAckInterrupt        uint32 = 1 << 15
	ExitSavePAT             uint32 = 1 << 18
	ExitLoadPAT             uint32 = 1 << 19
	ExitSaveEFER            uint32 = 1 << 20
	ExitLoadEFER            uint32 = 1 << 21
	ExitSavePreemptionTimer uint32 = 1 << 22
	ExitClearBNDCFGS        uint32 = 1 << 23
	ExitConcealFromPT       uint32 = 1 << 24
	ExitClearRTITCtl        uint32 = 1 << 25
	ExitLoadCET             uint32 = 1 << 28
	ExitLoadPKRS            uint32 = 1 << 29
	ExitSecondary           uint32 = 1 << 31
)

// VM-entry controls.
const (
	EntryLoadDebugControls  uint32 = 1 << 2
	EntryIA32eMode          uint32 = 1 << 9
	EntrySMM                uint32 = 1 << 10
	EntryDeactivateDualMon  uint32 = 1 << 11
	EntryLoadPerfGlobalCtrl uint32 = 1 << 13
	EntryLoadPAT            uint32 = 1 << 14
	EntryLoadEFER           uint32 = 1 << 15
	EntryLoadBNDCFGS        uint32 = 1 << 16
	EntryConcealFromPT      uint32 = 1 << 17
	EntryLoadRTITCtl        uint32 = 1 << 18
	EntryLoadCET            uint32 = 1 << 20
	EntryLoadPKRS           uint32 = 1 << 22
)

// Default1 classes: controls that are reserved as 1 unless the TRUE
// capability MSRs say otherwise.
const (
	PinDefault1   uint32 = 0x00000016
	ProcDefault1  uint32 = 0x0401e172
	ExitDefault1  uint32 = 0x00036dff
	EntryDefault1 uint32 = 0x000011ff
)

// INVEPT and INVVPID types.
type InvalidationType uint64

const (
	InvIndividualAddress InvalidationType = 0
	InvSingleContext     InvalidationType = 1
	InvAllContext        InvalidationType = 2
	InvSingleRetainGlob  InvalidationType = 3
)
