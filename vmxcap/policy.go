package vmxcap

import "github.com/bobuhiro11/govmx/vmx"

// The static control policy. Changeable bits that are not listed in any
// set make negotiation fail.
//
//nolint:gochecknoglobals
var (
	PinPolicy = Control{
		Name:    "pin-based",
		MSR:     vmx.MSRPinbasedCtls,
		TrueMSR: vmx.MSRTruePinbasedCtls,
		MustBe1: vmx.PinExternalInterrupt | vmx.PinNMI | vmx.PinVirtualNMI |
			vmx.PinPostedInterrupts,
		MustBe0: vmx.PinPreemptionTimer,
	}

	ProcPolicy = Control{
		Name:    "processor-based",
		MSR:     vmx.MSRProcbasedCtls,
		TrueMSR: vmx.MSRTrueProcbasedCtls,
		MustBe1: vmx.ProcHLT | vmx.ProcMWAIT | vmx.ProcTPRShadow | vmx.ProcMovDR |
			vmx.ProcUseIOBitmaps | vmx.ProcUseMSRBitmaps | vmx.ProcMONITOR |
			vmx.ProcActivateSecondary,
		MustBe0: vmx.ProcInterruptWindow | vmx.ProcTSCOffsetting | vmx.ProcINVLPG |
			vmx.ProcRDTSC | vmx.ProcCR3Load | vmx.ProcCR3Store | vmx.ProcCR8Load |
			vmx.ProcCR8Store | vmx.ProcNMIWindow | vmx.ProcMonitorTrap |
			vmx.ProcRDPMC | vmx.ProcUnconditionalIO,
		TrySet1: vmx.ProcPAUSE,
		TrySet0: vmx.ProcTertiary,
	}

	Proc2Policy = Control{
		Name: "secondary processor-based",
		MSR:  vmx.MSRProcbasedCtls2,
		MustBe1: vmx.Proc2VirtualizeAPICAccesses | vmx.Proc2EPT | vmx.Proc2RDTSCP |
			vmx.Proc2VPID | vmx.Proc2UnrestrictedGuest | vmx.Proc2APICRegisterVirt |
			vmx.Proc2VirtualIntrDelivery | vmx.Proc2INVPCID,
		MustBe0: vmx.Proc2DescriptorTable | vmx.Proc2VirtualizeX2APIC | vmx.Proc2WBINVD |
			vmx.Proc2RDRAND | vmx.Proc2VMFUNC | vmx.Proc2VMCSShadowing |
			vmx.Proc2RDSEED | vmx.Proc2EPTViolationVE | vmx.Proc2XSAVES,
		TrySet1: vmx.Proc2PauseLoop,
		TrySet0: vmx.Proc2ENCLS | vmx.Proc2PML | vmx.Proc2ConcealFromPT |
			vmx.Proc2ModeBasedEPT | vmx.Proc2SubPageWrite | vmx.Proc2PTGuestPhysical |
			vmx.Proc2TSCScaling | vmx.Proc2UserWaitPause | vmx.Proc2ENCLV,
	}

	ExitPolicy = Control{
		Name:    "vm-exit",
		MSR:     vmx.MSRExitCtls,
		TrueMSR: vmx.MSRTrueExitCtls,
		MustBe1: vmx.ExitHostAddrSpaceSize | vmx.ExitAckInterrupt | vmx.ExitSavePAT |
			vmx.ExitLoadPAT | vmx.ExitSaveEFER | vmx.ExitLoadEFER,
		MustBe0: vmx.ExitSavePreemptionTimer | vmx.ExitLoadPerfGlobalCtrl,
		TrySet0: vmx.ExitSaveDebugControls | vmx.ExitClearBNDCFGS | vmx.ExitConcealFromPT |
			vmx.ExitClearRTITCtl | vmx.ExitLoadCET | vmx.ExitLoadPKRS | vmx.ExitSecondary,
	}

	EntryPolicy = Control{
		Name:    "vm-entry",
		MSR:     vmx.MSREntryCtls,
		TrueMSR: vmx.MSRTrueEntryCtls,
		MustBe1: vmx.EntryIA32eMode | vmx.EntryLoadPAT | vmx.EntryLoadEFER,
		MustBe0: vmx.EntrySMM | vmx.EntryDeactivateDualMon | vmx.EntryLoadPerfGlobalCtrl,
		TrySet0: vmx.EntryLoadDebugControls | vmx.EntryLoadBNDCFGS | vmx.EntryConcealFromPT |
			vmx.EntryLoadRTITCtl | vmx.EntryLoadCET | vmx.EntryLoadPKRS,
	}
)
