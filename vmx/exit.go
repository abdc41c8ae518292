package vmx

import "fmt"

// ExitReason is the basic exit reason, bits 15:0 of the exit reason field.
type ExitReason uint16

const (
	ExitExceptionNMI      ExitReason = 0
	ExitExternalInterrupt ExitReason = 1
	ExitTripleFault       ExitReason = 2
	ExitInit              ExitReason = 3
	ExitSIPI              ExitReason = 4
	ExitInterruptWindow   ExitReason = 7
	ExitNMIWindow         ExitReason = 8
	ExitTaskSwitch        ExitReason = 9
	ExitCPUID             ExitReason = 10
	ExitGETSEC            ExitReason = 11
	ExitHLT               ExitReason = 12
	ExitINVD              ExitReason = 13
	ExitINVLPG            ExitReason = 14
	ExitRDPMC             ExitReason = 15
	ExitRDTSC             ExitReason = 16
	ExitVMCALL            ExitReason = 18
	ExitVMCLEAR           ExitReason = 19
	ExitVMLAUNCH          ExitReason = 20
	ExitVMPTRLD           ExitReason = 21
	ExitVMPTRST           ExitReason = 22
	ExitVMREAD            ExitReason = 23
	ExitVMRESUME          ExitReason = 24
	ExitVMWRITE           ExitReason = 25
	ExitVMXOFF            ExitReason = 26
	ExitVMXON             ExitReason = 27
	ExitCRAccess          ExitReason = 28
	ExitDRAccess          ExitReason = 29
	ExitIOInstruction     ExitReason = 30
	ExitMSRRead           ExitReason = 31
	ExitMSRWrite          ExitReason = 32
	ExitInvalidGuestState ExitReason = 33
	ExitMSRLoadFail       ExitReason = 34
	ExitMWAIT             ExitReason = 36
	ExitMonitorTrap       ExitReason = 37
	ExitMONITOR           ExitReason = 39
	ExitPAUSE             ExitReason = 40
	ExitMCEDuringEntry    ExitReason = 41
	ExitTPRBelowThreshold ExitReason = 43
	ExitAPICAccess        ExitReason = 44
	ExitEOIInduced        ExitReason = 45
	ExitGDTRIDTR          ExitReason = 46
	ExitLDTRTR            ExitReason = 47
	ExitEPTViolation      ExitReason = 48
	ExitEPTMisconfig      ExitReason = 49
	ExitINVEPT            ExitReason = 50
	ExitRDTSCP            ExitReason = 51
	ExitPreemptionTimer   ExitReason = 52
	ExitINVVPID           ExitReason = 53
	ExitWBINVD            ExitReason = 54
	ExitXSETBV            ExitReason = 55
	ExitAPICWrite         ExitReason = 56
	ExitRDRAND            ExitReason = 57
	ExitINVPCID           ExitReason = 58
	ExitVMFUNC            ExitReason = 59
	ExitRDSEED            ExitReason = 61
	ExitXSAVES            ExitReason = 63
	ExitXRSTORS           ExitReason = 64
)

// ExitReasonEntryFailure is set in the raw exit reason when VM entry failed.
const ExitReasonEntryFailure uint32 = 1 << 31

//nolint:gochecknoglobals
var exitNames = map[ExitReason]string{
	ExitExceptionNMI:      "EXCEPTION_NMI",
	ExitExternalInterrupt: "EXTERNAL_INTERRUPT",
	ExitTripleFault:       "TRIPLE_FAULT",
	ExitInit:              "INIT_SIGNAL",
	ExitSIPI:              "SIPI",
	ExitInterruptWindow:   "INTERRUPT_WINDOW",
	ExitNMIWindow:         "NMI_WINDOW",
	ExitTaskSwitch:        "TASK_SWITCH",
	ExitCPUID:             "CPUID",
	ExitGETSEC:            "GETSEC",
	ExitHLT:               "HLT",
	ExitINVD:              "INVD",
	ExitINVLPG:            "INVLPG",
	ExitRDPMC:             "RDPMC",
	ExitRDTSC:             "RDTSC",
	ExitVMCALL:            "VMCALL",
	ExitVMCLEAR:           "VMCLEAR",
	ExitVMLAUNCH:          "VMLAUNCH",
	ExitVMPTRLD:           "VMPTRLD",
	ExitVMPTRST:           "VMPTRST",
	ExitVMREAD:            "VMREAD",
	ExitVMRESUME:          "VMRESUME",
	ExitVMWRITE:           "VMWRITE",
	ExitVMXOFF:            "VMXOFF",
	ExitVMXON:             "VMXON",
	ExitCRAccess:          "CR_ACCESS",
	ExitDRAccess:          "DR_ACCESS",
	ExitIOInstruction:     "IO_INSTRUCTION",
	ExitMSRRead:           "MSR_READ",
	ExitMSRWrite:          "MSR_WRITE",
	ExitInvalidGuestState: "INVALID_GUEST_STATE",
	ExitMSRLoadFail:       "MSR_LOAD_FAIL",
	ExitMWAIT:             "MWAIT_INSTRUCTION",
	ExitMonitorTrap:       "MONITOR_TRAP_FLAG",
	ExitMONITOR:           "MONITOR_INSTRUCTION",
	ExitPAUSE:             "PAUSE_INSTRUCTION",
	ExitMCEDuringEntry:    "MCE_DURING_VMENTRY",
	ExitTPRBelowThreshold: "TPR_BELOW_THRESHOLD",
	ExitAPICAccess:        "APIC_ACCESS",
	ExitEOIInduced:        "EOI_INDUCED",
	ExitGDTRIDTR:          "GDTR_IDTR",
	ExitLDTRTR:            "LDTR_TR",
	ExitEPTViolation:      "EPT_VIOLATION",
	ExitEPTMisconfig:      "EPT_MISCONFIG",
	ExitINVEPT:            "INVEPT",
	ExitRDTSCP:            "RDTSCP",
	ExitPreemptionTimer:   "PREEMPTION_TIMER",
	ExitINVVPID:           "INVVPID",
	ExitWBINVD:            "WBINVD",
	ExitXSETBV:            "XSETBV",
	ExitAPICWrite:         "APIC_WRITE",
	ExitRDRAND:            "RDRAND",
	ExitINVPCID:           "INVPCID",
	ExitVMFUNC:            "VMFUNC",
	ExitRDSEED:            "RDSEED",
	ExitXSAVES:            "XSAVES",
	ExitXRSTORS:           "XRSTORS",
}

func (r ExitReason) String() string {
	if s, ok := exitNames[r]; ok {
		return s
	}

	return fmt.Sprintf("ExitReason(%d)", uint16(r))
}

// BasicExitReason strips the flag bits of a raw exit reason.
func BasicExitReason(raw uint64) ExitReason {
	return ExitReason(raw & 0xffff)
}

// EPT violation exit qualification bits.
const (
	EPTQualRead         uint64 = 1 << 0
	EPTQualWrite        uint64 = 1 << 1
	EPTQualFetch        uint64 = 1 << 2
	EPTQualReadable     uint64 = 1 << 3
	EPTQualWritable     uint64 = 1 << 4
	EPTQualExecutable   uint64 = 1 << 5
	EPTQualLinearValid  uint64 = 1 << 7
	EPTQualNMIUnblocked uint64 = 1 << 12
)

// Interruption information, shared by the VM-exit and VM-entry fields.
const (
	IntrInfoVectorMask     uint32 = 0xff
	IntrInfoTypeMask       uint32 = 0x700
	IntrInfoErrorCodeValid uint32 = 1 << 11
	IntrInfoNMIUnblocking  uint32 = 1 << 12
	IntrInfoValid          uint32 = 1 << 31

	IntrTypeExternal  uint32 = 0 << 8
	IntrTypeNMI       uint32 = 2 << 8
	IntrTypeHardExcep uint32 = 3 << 8
	IntrTypeSoftIntr  uint32 = 4 << 8
	IntrTypeSoftExcep uint32 = 6 << 8
)

// Guest interruptibility state bits.
const (
	InterruptibilitySTI   uint32 = 1 << 0
	InterruptibilityMovSS uint32 = 1 << 1
	InterruptibilitySMI   uint32 = 1 << 2
	InterruptibilityNMI   uint32 = 1 << 3
)
