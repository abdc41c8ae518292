package vmexit

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/govmx/ept"
	"github.com/bobuhiro11/govmx/irq"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/vmx"
	"github.com/sirupsen/logrus"
)

const (
	lenVMCALL = 3
	lenCPUID  = 2
	lenMSR    = 2
	lenXSETBV = 3
)

// advance retires the instruction that exited.
func advance(e *Exit, n uint32) {
	tf := e.Frame
	if tf.InstructionLen != 0 && tf.InstructionLen != n {
		log.WithFields(logrus.Fields{"frame": tf.String(), "len": tf.InstructionLen, "want": n}).
			Error("instruction length mismatch")
	}

	tf.RIP += uint64(n)
}

func (d *Dispatcher) vmcall(e *Exit) error {
	r := e.Frame.Regs

	if d.opts.Console == nil {
		return fmt.Errorf("hypercall %#x: console disabled: %w", r.RAX, ErrUnhandled)
	}

	if r.RAX != HypercallPrintChar {
		return fmt.Errorf("hypercall %#x: %w", r.RAX, ErrHypercall)
	}

	if err := d.opts.Console.PutChar(e.GPC.ID(), byte(r.RDI)); err != nil {
		return fmt.Errorf("console: %w", err)
	}

	advance(e, lenVMCALL)

	return nil
}

func (d *Dispatcher) cpuid(e *Exit) error {
	r := e.Frame.Regs
	leaf, subleaf := uint32(r.RAX), uint32(r.RCX)

	res := RewriteCPUID(leaf, subleaf, e.CPU.Core().CPUID(leaf, subleaf),
		Topology{ID: e.GPC.ID(), Count: d.opts.GPCs})

	r.RAX, r.RBX, r.RCX, r.RDX = uint64(res.EAX), uint64(res.EBX), uint64(res.ECX), uint64(res.EDX)

	advance(e, lenCPUID)

	return nil
}

// eptViolation sends the access to the process's page-fault path. A page
// still being brought in leaves the guest to retry the access.
func (d *Dispatcher) eptViolation(e *Exit) error {
	tf := e.Frame

	prot := memory.ProtRead

	switch {
	case tf.Qualification&vmx.EPTQualWrite != 0:
		prot = memory.ProtWrite
	case tf.Qualification&vmx.EPTQualFetch != 0:
		prot = memory.ProtExec
	}

	err := e.Proc.Fault(tf.GuestPhysical, prot)

	switch {
	case err == nil, errors.Is(err, memory.ErrNotPopulated):
		return nil
	case errors.Is(err, ept.ErrAlreadyMapped), errors.Is(err, ept.ErrHugeConflict):
		return fmt.Errorf("gpa %#x: %w: %w", tf.GuestPhysical, ErrGuestCorrupts, err)
	}

	return fmt.Errorf("ept violation at %#x (%s): %w", tf.GuestPhysical, prot, err)
}

func (d *Dispatcher) rdmsr(e *Exit) error {
	r := e.Frame.Regs

	v, err := d.msrs.Read(e.CPU.Core(), e.GPC.MSRs(), uint32(r.RCX))
	if err != nil {
		return err
	}

	r.RAX, r.RDX = v&0xffffffff, v>>32

	advance(e, lenMSR)

	return nil
}

func (d *Dispatcher) wrmsr(e *Exit) error {
	r := e.Frame.Regs

	if err := d.msrs.Write(e.CPU.Core(), e.GPC.MSRs(), uint32(r.RCX), r.RDX<<32|r.RAX&0xffffffff); err != nil {
		return err
	}

	advance(e, lenMSR)

	return nil
}

// externalInterrupt hands an interrupt that arrived in guest mode to the
// host handlers. The exit acknowledged it, so it is not pending anymore.
func (d *Dispatcher) externalInterrupt(e *Exit) error {
	tf := e.Frame
	core := e.CPU.Core()

	if tf.IntrInfo&vmx.IntrInfoValid == 0 {
		return ErrNoInterrupt
	}

	vector := uint8(tf.IntrInfo & vmx.IntrInfoVectorMask)
	if vector == irq.VectorPokeCore {
		core.EOI()

		return nil
	}

	d.m.IRQ().Dispatch(core, &irq.Frame{
		Vector: vector,
		RIP:    tf.RIP,
		RFLAGS: tf.RFLAGS,
		RSP:    tf.RSP,
		Source: irq.SourceGuest,
		Core:   e.CPU.ID(),
	})

	return nil
}

// xsetbv lets the guest pick any subset of the host's extended state. A
// fault is reflected and the instruction does not retire.
func (d *Dispatcher) xsetbv(e *Exit) error {
	r := e.Frame.Regs

	if idx := uint32(r.RCX); idx != 0 {
		return fmt.Errorf("xcr%d: %w", idx, ErrXCRIndex)
	}

	v := r.RDX<<32 | r.RAX&0xffffffff

	if host := e.CPU.HostXCR0(); v&^host != 0 {
		return fmt.Errorf("xcr0 %#x host %#x: %w", v, host, ErrXCR0Superset)
	}

	if err := e.GPC.SetXCR0(e.CPU, v); err != nil {
		return fmt.Errorf("xcr0 %#x: %w", v, err)
	}

	advance(e, lenXSETBV)

	return nil
}
