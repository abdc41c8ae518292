// Package vmx describes the VMX hardware boundary: capability MSRs, VMCS
// field encodings, exit reasons, and the CPU interface through which every
// VMX instruction is issued.
package vmx

import (
	"errors"

	"github.com/bobuhiro11/govmx/cpuid"
)

// ErrGeneralProtection is returned when an instruction raised #GP.
var ErrGeneralProtection = errors.New("general protection fault")

// Regs holds the guest general purpose registers that the VMCS does not
// save. RSP and RIP live in the VMCS.
type Regs struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// HostState is the per-core host state written into a VMCS when it is
// loaded on a core.
type HostState struct {
	CR0      uint64
	CR3      uint64
	CR4      uint64
	TRBase   uint64
	GDTRBase uint64
	IDTRBase uint64
	GSBase   uint64
	EntryRIP uint64
	EFER     uint64
	PAT      uint64
}

// CPU is one logical processor. Each method issues the instruction of the
// same name on that processor. Methods must be called from the goroutine
// that currently drives the core.
type CPU interface {
	ID() int

	ReadMSR(msr uint32) (uint64, error)
	WriteMSR(msr uint32, v uint64) error
	CR4() uint64
	SetCR4(v uint64)

	VMXON(region uint64) Result
	VMXOFF() Result
	VMPTRLD(vmcs uint64) Result
	VMCLEAR(vmcs uint64) Result
	VMREAD(f Field) (uint64, Result)
	VMWRITE(f Field, v uint64) Result
	INVEPT(t InvalidationType, eptp uint64) Result
	INVVPID(t InvalidationType, vpid uint16, addr uint64) Result

	// Enter executes VMLAUNCH when launch is set and VMRESUME otherwise.
	// On success it returns after the next VM exit with regs holding the
	// guest registers.
	Enter(launch bool, regs *Regs) Result

	CPUID(leaf, subleaf uint32) cpuid.Regs
	XCR0() uint64
	XSETBV(v uint64) error

	// Fence orders all prior stores before any later store.
	Fence()
	Host() HostState
}
