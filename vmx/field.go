package vmx

import "fmt"

// Field is a VMCS component encoding.
type Field uint32

// Width of a VMCS component, from bits 14:13 of its encoding.
type Width uint8

const (
	Width16 Width = iota
	Width64
	Width32
	WidthNatural
)

// Width returns the component width.
func (f Field) Width() Width {
	return Width((f >> 13) & 3)
}

// ReadOnly reports whether the component is a read-only data field.
func (f Field) ReadOnly() bool {
	return (f>>10)&3 == 1
}

func (f Field) String() string {
	if s, ok := fieldNames[f]; ok {
		return s
	}

	return fmt.Sprintf("Field(%#x)", uint32(f))
}

// 16-bit fields.
const (
	VirtualProcessorID   Field = 0x00000000
	PostedIntrNotifyVec  Field = 0x00000002
	GuestESSelector      Field = 0x00000800
	GuestCSSelector      Field = 0x00000802
	GuestSSSelector      Field = 0x00000804
	GuestDSSelector      Field = 0x00000806
	GuestFSSelector      Field = 0x00000808
	GuestGSSelector      Field = 0x0000080a
	GuestLDTRSelector    Field = 0x0000080c
	GuestTRSelector      Field = 0x0000080e
	GuestIntrStatus      Field = 0x00000810
	HostESSelector       Field = 0x00000c00
	HostCSSelector       Field = 0x00000c02
	HostSSSelector       Field = 0x00000c04
	HostDSSelector       Field = 0x00000c06
	HostFSSelector       Field = 0x00000c08
	HostGSSelector       Field = 0x00000c0a
	HostTRSelector       Field = 0x00000c0c
)

// 64-bit fields.
const (
	IOBitmapA            Field = 0x00002000
	IOBitmapB            Field = 0x00002002
	MSRBitmap            Field = 0x00002004
	ExitMSRStoreAddr     Field = 0x00002006
	ExitMSRLoadAddr      Field = 0x00002008
	EntryMSRLoadAddr     Field = 0x0000200a
	TSCOffset            Field = 0x00002010
	VirtualAPICPageAddr  Field = 0x00002012
	APICAccessAddr       Field = 0x00002014
	PostedIntrDescAddr   Field = 0x00002016
	EPTPointer           Field = 0x0000201a
	EOIExitBitmap0       Field = 0x0000201c
	EOIExitBitmap1       Field = 0x0000201e
	EOIExitBitmap2       Field = 0x00002020
	EOIExitBitmap3       Field = 0x00002022
	GuestPhysicalAddress Field = 0x00002400
	VMCSLinkPointer      Field = 0x00002800
	GuestIA32Debugctl    Field = 0x00002802
	GuestIA32PAT         Field = 0x00002804
	GuestIA32EFER        Field = 0x00002806
	HostIA32PAT          Field = 0x00002c00
	HostIA32EFER         Field = 0x00002c02
)

// 32-bit fields.
const (
	PinBasedControls        Field = 0x00004000
	ProcBasedControls       Field = 0x00004002
	ExceptionBitmap         Field = 0x00004004
	PageFaultErrorCodeMask  Field = 0x00004006
	PageFaultErrorCodeMatch Field = 0x00004008
	CR3TargetCount          Field = 0x0000400a
	ExitControls            Field = 0x0000400c
	ExitMSRStoreCount       Field = 0x0000400e
	ExitMSRLoadCount        Field = 0x00004010
	EntryControls           Field = 0x00004012
	EntryMSRLoadCount       Field = 0x00004014
	EntryIntrInfo           Field = 0x00004016
	EntryExceptionErrorCode Field = 0x00004018
	EntryInstructionLen     Field = 0x0000401a
	TPRThreshold            Field = 0x0000401c
	SecondaryControls       Field = 0x0000401e
	PLEGap                  Field = 0x00004020
	PLEWindow               Field = 0x00004022
	InstructionErrorField   Field = 0x00004400
	ExitReasonField         Field = 0x00004402
	ExitIntrInfo            Field = 0x00004404
	ExitIntrErrorCode       Field = 0x00004406
	IDTVectoringInfo        Field = 0x00004408
	IDTVectoringErrorCode   Field = 0x0000440a
	ExitInstructionLen      Field = 0x0000440c
	ExitInstructionInfo     Field = 0x0000440e
	GuestESLimit            Field = 0x00004800
	GuestCSLimit            Field = 0x00004802
	GuestSSLimit            Field = 0x00004804
	GuestDSLimit            Field = 0x00004806
	GuestFSLimit            Field = 0x00004808
	GuestGSLimit            Field = 0x0000480a
	GuestLDTRLimit          Field = 0x0000480c
	GuestTRLimit            Field = 0x0000480e
	GuestGDTRLimit          Field = 0x00004810
	GuestIDTRLimit          Field = 0x00004812
	GuestESAccessRights     Field = 0x00004814
	GuestCSAccessRights     Field = 0x00004816
	GuestSSAccessRights     Field = 0x00004818
	GuestDSAccessRights     Field = 0x0000481a
	GuestFSAccessRights     Field = 0x0000481c
	GuestGSAccessRights     Field = 0x0000481e
	GuestLDTRAccessRights   Field = 0x00004820
	GuestTRAccessRights     Field = 0x00004822
	GuestInterruptibility   Field = 0x00004824
	GuestActivityState      Field = 0x00004826
	GuestSysenterCS         Field = 0x0000482a
	HostSysenterCS          Field = 0x00004c00
)

// Natural-width fields.
const (
	CR0GuestHostMask   Field = 0x00006000
	CR4GuestHostMask   Field = 0x00006002
	CR0ReadShadow      Field = 0x00006004
	CR4ReadShadow      Field = 0x00006006
	ExitQualification  Field = 0x00006400
	GuestLinearAddress Field = 0x0000640a
	GuestCR0           Field = 0x00006800
	GuestCR3           Field = 0x00006802
	GuestCR4           Field = 0x00006804
	GuestESBase        Field = 0x00006806
	GuestCSBase        Field = 0x00006808
	GuestSSBase        Field = 0x0000680a
	GuestDSBase        Field = 0x0000680c
	GuestFSBase        Field = 0x0000680e
	GuestGSBase        Field = 0x00006810
	GuestLDTRBase      Field = 0x00006812
	GuestTRBase        Field = 0x00006814
	GuestGDTRBase      Field = 0x00006816
	GuestIDTRBase      Field = 0x00006818
	GuestDR7           Field = 0x0000681a
	GuestRSP           Field = 0x0000681c
	GuestRIP           Field = 0x0000681e
	GuestRFLAGS        Field = 0x00006820
	GuestPendingDbg    Field = 0x00006822
	GuestSysenterESP   Field = 0x00006824
	GuestSysenterEIP   Field = 0x00006826
	HostCR0            Field = 0x00006c00
	HostCR3            Field = 0x00006c02
	HostCR4            Field = 0x00006c04
	HostFSBase         Field = 0x00006c06
	HostGSBase         Field = 0x00006c08
	HostTRBase         Field = 0x00006c0a
	HostGDTRBase       Field = 0x00006c0c
	HostIDTRBase       Field = 0x00006c0e
	HostSysenterESP    Field = 0x00006c10
	HostSysenterEIP    Field = 0x00006c12
	HostRSP            Field = 0x00006c14
	HostRIP            Field = 0x00006c16
)

//nolint:gochecknoglobals
var fieldNames = map[Field]string{
	VirtualProcessorID:    "VIRTUAL_PROCESSOR_ID",
	PostedIntrNotifyVec:   "POSTED_INTR_NV",
	IOBitmapA:             "IO_BITMAP_A",
	IOBitmapB:             "IO_BITMAP_B",
	MSRBitmap:             "MSR_BITMAP",
	VirtualAPICPageAddr:   "VIRTUAL_APIC_PAGE_ADDR",
	APICAccessAddr:        "APIC_ACCESS_ADDR",
	PostedIntrDescAddr:    "POSTED_INTR_DESC_ADDR",
	EPTPointer:            "EPT_POINTER",
	GuestPhysicalAddress:  "GUEST_PHYSICAL_ADDRESS",
	VMCSLinkPointer:       "VMCS_LINK_POINTER",
	PinBasedControls:      "PIN_BASED_VM_EXEC_CONTROL",
	ProcBasedControls:     "CPU_BASED_VM_EXEC_CONTROL",
	SecondaryControls:     "SECONDARY_VM_EXEC_CONTROL",
	ExitControls:          "VM_EXIT_CONTROLS",
	EntryControls:         "VM_ENTRY_CONTROLS",
	ExceptionBitmap:       "EXCEPTION_BITMAP",
	ExitReasonField:       "VM_EXIT_REASON",
	ExitIntrInfo:          "VM_EXIT_INTR_INFO",
	ExitInstructionLen:    "VM_EXIT_INSTRUCTION_LEN",
	InstructionErrorField: "VM_INSTRUCTION_ERROR",
	GuestInterruptibility: "GUEST_INTERRUPTIBILITY_INFO",
	ExitQualification:     "EXIT_QUALIFICATION",
	GuestLinearAddress:    "GUEST_LINEAR_ADDRESS",
	GuestCR0:              "GUEST_CR0",
	GuestCR3:              "GUEST_CR3",
	GuestCR4:              "GUEST_CR4",
	GuestFSBase:           "GUEST_FS_BASE",
	GuestGSBase:           "GUEST_GS_BASE",
	GuestRSP:              "GUEST_RSP",
	GuestRIP:              "GUEST_RIP",
	GuestRFLAGS:           "GUEST_RFLAGS",
	HostCR0:               "HOST_CR0",
	HostCR3:               "HOST_CR3",
	HostCR4:               "HOST_CR4",
	HostFSBase:            "HOST_FS_BASE",
	HostGSBase:            "HOST_GS_BASE",
	HostTRBase:            "HOST_TR_BASE",
	HostGDTRBase:          "HOST_GDTR_BASE",
	HostIDTRBase:          "HOST_IDTR_BASE",
	HostRSP:               "HOST_RSP",
	HostRIP:               "HOST_RIP",
}
