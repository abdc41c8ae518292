// Package vmexit handles VM exits: it captures the guest state, runs the
// handler for the exit reason, and reflects what it cannot handle to the
// process's own VMM.
package vmexit

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/bobuhiro11/govmx/gpc"
	"github.com/bobuhiro11/govmx/irq"
	"github.com/bobuhiro11/govmx/machine"
	"github.com/bobuhiro11/govmx/msr"
	"github.com/bobuhiro11/govmx/proc"
	"github.com/bobuhiro11/govmx/vmx"
	"github.com/sirupsen/logrus"
)

//nolint:gochecknoglobals
var log = logrus.WithField("pkg", "vmexit")

var (
	ErrUnhandled     = errors.New("unhandled vm exit")
	ErrHypercall     = errors.New("unknown hypercall")
	ErrXCR0Superset  = errors.New("xcr0 request outside host state")
	ErrXCRIndex      = errors.New("xsetbv of an xcr other than xcr0")
	ErrNotNMI        = errors.New("exception exit is not an nmi")
	ErrNoInterrupt   = errors.New("external interrupt exit without vector")
	ErrGuestCorrupts = errors.New("guest mapping conflict")
)

// HypercallPrintChar prints the byte in RDI on the console.
const HypercallPrintChar = 0x31337

// Result tells the caller what to do with the GPC after an exit.
type Result int

const (
	// Resume: run the guest again.
	Resume Result = iota
	// Reflected: the exit went to the process's VMM; the GPC waits for it.
	Reflected
	// Destroyed: the process is gone.
	Destroyed
)

func (r Result) String() string {
	switch r {
	case Resume:
		return "resume"
	case Reflected:
		return "reflected"
	case Destroyed:
		return "destroyed"
	}

	return fmt.Sprintf("Result(%d)", int(r))
}

// Console receives the characters guests print.
type Console interface {
	PutChar(gpc int, c byte) error
}

// WriterConsole sends every character to W, whichever GPC printed it.
type WriterConsole struct {
	W io.Writer
}

func (w WriterConsole) PutChar(_ int, c byte) error {
	_, err := w.W.Write([]byte{c})

	return err
}

// Options of a Dispatcher.
type Options struct {
	// Console receives the print hypercall. The hypercall is refused
	// when nil.
	Console Console
	// GPCs is the number of guest cores CPUID reports.
	GPCs int
}

// Exit is one VM exit being handled on CPU.
type Exit struct {
	CPU   *machine.CPU
	GPC   *gpc.GPC
	Proc  *proc.Process
	Frame *TrapFrame
}

type handler func(d *Dispatcher, e *Exit) error

const numReasons = 65

// Dispatcher routes exits to their handlers.
type Dispatcher struct {
	m    *machine.Machine
	msrs *msr.Emulator
	opts Options

	counts    [numReasons]atomic.Uint64
	reflected atomic.Uint64
	nmis      atomic.Uint64
	nmiWork   atomic.Uint64
	nmiRing   nmiRing
}

// New builds a dispatcher on m.
func New(m *machine.Machine, opts Options) *Dispatcher {
	d := &Dispatcher{m: m, msrs: msr.New(), opts: opts}

	m.IRQ().Register(irq.VectorNMIWork, d.drainNMIs)

	return d
}

//nolint:gochecknoglobals
var handlers = map[vmx.ExitReason]handler{
	vmx.ExitVMCALL:            (*Dispatcher).vmcall,
	vmx.ExitCPUID:             (*Dispatcher).cpuid,
	vmx.ExitEPTViolation:      (*Dispatcher).eptViolation,
	vmx.ExitExceptionNMI:      (*Dispatcher).nmi,
	vmx.ExitMSRRead:           (*Dispatcher).rdmsr,
	vmx.ExitMSRWrite:          (*Dispatcher).wrmsr,
	vmx.ExitExternalInterrupt: (*Dispatcher).externalInterrupt,
	vmx.ExitXSETBV:            (*Dispatcher).xsetbv,
}

// Count returns how many exits had reason r.
func (d *Dispatcher) Count(r vmx.ExitReason) uint64 {
	if int(r) >= numReasons {
		return 0
	}

	return d.counts[r].Load()
}

// Stats returns the non-zero exit counts by reason.
func (d *Dispatcher) Stats() map[vmx.ExitReason]uint64 {
	s := map[vmx.ExitReason]uint64{}

	for r := range d.counts {
		if n := d.counts[r].Load(); n != 0 {
			s[vmx.ExitReason(r)] = n
		}
	}

	return s
}

func (d *Dispatcher) Reflected() uint64 { return d.reflected.Load() }

// NMIs returns the number of NMIs taken in guest mode and the number of
// deferred NMI work items run.
func (d *Dispatcher) NMIs() (taken, worked uint64) {
	return d.nmis.Load(), d.nmiWork.Load()
}

// HandleVMExit handles the exit described by e.Frame. Interrupts stay
// disabled throughout and no handler blocks.
func (d *Dispatcher) HandleVMExit(e *Exit) Result {
	tf := e.Frame
	reason := tf.Reason()

	if int(reason) < numReasons {
		d.counts[reason].Add(1)
	}

	var err error

	if tf.ExitReason&uint64(vmx.ExitReasonEntryFailure) != 0 {
		err = fmt.Errorf("entry failure %#x: %w", tf.ExitReason, ErrUnhandled)
	} else if h, ok := handlers[reason]; ok {
		err = h(d, e)
	} else {
		err = ErrUnhandled
	}

	if err == nil {
		if err := tf.Restore(e.CPU.Core()); err != nil {
			return d.destroy(e, err)
		}

		return Resume
	}

	if errors.Is(err, ErrGuestCorrupts) {
		return d.destroy(e, err)
	}

	return d.reflect(e, err)
}

func (d *Dispatcher) reflect(e *Exit, err error) Result {
	tf := e.Frame
	tf.Flags |= FlagFaulted

	l := log.WithError(err).WithField("frame", tf.String())
	if text, derr := Disassemble(e.Proc, tf.RIP); derr == nil {
		l = l.WithField("inst", text)
	}

	l.Info("reflecting exit")

	rerr := e.Proc.Reflect(proc.Reflection{
		GPC:    tf.GPC,
		Reason: tf.Reason(),
		Qual:   tf.Qualification,
		RIP:    tf.RIP,
		Err:    err,
	})
	if rerr != nil {
		return d.destroy(e, rerr)
	}

	d.reflected.Add(1)

	return Reflected
}

func (d *Dispatcher) destroy(e *Exit, err error) Result {
	e.Frame.Flags |= FlagFaulted
	e.Proc.Destroy(err)

	return Destroyed
}
