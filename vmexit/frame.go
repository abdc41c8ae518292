package vmexit

import (
	"fmt"

	"github.com/bobuhiro11/govmx/vmx"
)

// TrapFrame flags.
const (
	// FlagPartial: FS, GS and kernel GS bases still live in the VMCS and
	// on the core.
	FlagPartial uint32 = 1 << iota
	FlagFaulted
)

// TrapFrame is the guest state captured at one VM exit.
type TrapFrame struct {
	GPC   int
	Core  int
	Flags uint32

	Regs   *vmx.Regs
	RIP    uint64
	RSP    uint64
	RFLAGS uint64
	CR3    uint64

	ExitReason       uint64
	Qualification    uint64
	Interruptibility uint32
	IntrInfo         uint32
	IntrErrorCode    uint32
	InstructionLen   uint32
	GuestLinear      uint64
	GuestPhysical    uint64

	FSBase       uint64
	GSBase       uint64
	KernelGSBase uint64
}

// Capture reads the exit state of the current VMCS on c.
func Capture(c vmx.CPU, gpc int, regs *vmx.Regs) (*TrapFrame, error) {
	tf := &TrapFrame{GPC: gpc, Core: c.ID(), Regs: regs, Flags: FlagPartial}

	var v32 [4]uint64

	// No CR2: guest #PF does not exit, so CR2 is still the guest's own.
	fields := []struct {
		f   vmx.Field
		out *uint64
	}{
		{vmx.GuestRIP, &tf.RIP},
		{vmx.GuestRSP, &tf.RSP},
		{vmx.GuestRFLAGS, &tf.RFLAGS},
		{vmx.GuestCR3, &tf.CR3},
		{vmx.ExitReasonField, &tf.ExitReason},
		{vmx.ExitQualification, &tf.Qualification},
		{vmx.GuestInterruptibility, &v32[0]},
		{vmx.ExitIntrInfo, &v32[1]},
		{vmx.ExitIntrErrorCode, &v32[2]},
		{vmx.ExitInstructionLen, &v32[3]},
		{vmx.GuestLinearAddress, &tf.GuestLinear},
		{vmx.GuestPhysicalAddress, &tf.GuestPhysical},
	}

	for _, f := range fields {
		v, err := vmx.Read(c, f.f)
		if err != nil {
			return nil, fmt.Errorf("capture %v: %w", f.f, err)
		}

		*f.out = v
	}

	tf.Interruptibility = uint32(v32[0])
	tf.IntrInfo = uint32(v32[1])
	tf.IntrErrorCode = uint32(v32[2])
	tf.InstructionLen = uint32(v32[3])

	return tf, nil
}

// Reason returns the basic exit reason.
func (tf *TrapFrame) Reason() vmx.ExitReason {
	return vmx.BasicExitReason(tf.ExitReason)
}

func (tf *TrapFrame) Faulted() bool { return tf.Flags&FlagFaulted != 0 }

// Restore writes the state a handler may change back into the VMCS.
func (tf *TrapFrame) Restore(c vmx.CPU) error {
	w := vmx.Writer{CPU: c}
	w.Set(vmx.GuestRIP, tf.RIP)
	w.Set(vmx.GuestRSP, tf.RSP)
	w.Set(vmx.GuestRFLAGS, tf.RFLAGS)

	return w.Err
}

// Finalize copies the segment bases out of the VMCS and the core. It is
// needed only when the GPC leaves the core for good.
func (tf *TrapFrame) Finalize(c vmx.CPU) error {
	if tf.Flags&FlagPartial == 0 {
		return nil
	}

	var err error

	if tf.FSBase, err = vmx.Read(c, vmx.GuestFSBase); err != nil {
		return err
	}

	if tf.GSBase, err = vmx.Read(c, vmx.GuestGSBase); err != nil {
		return err
	}

	if tf.KernelGSBase, err = c.ReadMSR(vmx.MSRKernelGSBase); err != nil {
		return fmt.Errorf("read kernel gs base: %w", err)
	}

	tf.Flags &^= FlagPartial

	return nil
}

func (tf *TrapFrame) String() string {
	return fmt.Sprintf("gpc %d core %d %s qual %#x rip %#x rsp %#x gpa %#x",
		tf.GPC, tf.Core, tf.Reason(), tf.Qualification, tf.RIP, tf.RSP, tf.GuestPhysical)
}
