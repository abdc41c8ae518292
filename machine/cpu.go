package machine

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/govmx/cpuid"
	"github.com/bobuhiro11/govmx/irq"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/vmx"
	"github.com/sirupsen/logrus"
)

// Message runs on the core it was sent to, with interrupts disabled.
type Message func(c *CPU)

// Cached is a VMCS that a core keeps loaded after it was unloaded, until
// the core needs to give it up.
type Cached interface {
	ClearFrom(c *CPU) error
}

// CPU is the per-core state. Its mutex stands for the interrupt flag:
// holding it means interrupts are disabled on the core, and only the
// holder may issue instructions on it.
type CPU struct {
	m    *Machine
	id   int
	core Core

	irqMu  sync.Mutex
	irqOff atomic.Bool

	msgMu sync.Mutex
	msgs  []Message
	kick  chan struct{}

	online   atomic.Bool
	region   *memory.Page
	hostXCR0 uint64
	cached   Cached
	flushed  map[uint64]uint64
}

func newCPU(m *Machine, id int, core Core) *CPU {
	return &CPU{
		m:       m,
		id:      id,
		core:    core,
		kick:    make(chan struct{}, 1),
		flushed: map[uint64]uint64{},
	}
}

func (c *CPU) ID() int { return c.id }

func (c *CPU) Core() Core { return c.core }

func (c *CPU) Machine() *Machine { return c.m }

func (c *CPU) log() *logrus.Entry {
	return log.WithField("core", c.id)
}

// DisableIRQ waits until no one else drives the core and takes it.
func (c *CPU) DisableIRQ() {
	c.irqMu.Lock()
	c.irqOff.Store(true)
}

func (c *CPU) EnableIRQ() {
	c.irqOff.Store(false)
	c.irqMu.Unlock()
}

func (c *CPU) IRQDisabled() bool { return c.irqOff.Load() }

// Online reports whether the core is in VMX operation.
func (c *CPU) Online() bool { return c.online.Load() }

// HostXCR0 is the extended state mask the host runs with.
func (c *CPU) HostXCR0() uint64 { return c.hostXCR0 }

// Enable brings the core into VMX root operation. Interrupts must be
// disabled.
func (c *CPU) Enable() error {
	if !c.IRQDisabled() {
		return ErrInterruptsEnabled
	}

	if c.Online() {
		return nil
	}

	if !cpuid.Has(c.core.CPUID(1, 0).ECX, cpuid.VMX) {
		return ErrNoVMX
	}

	fc, err := c.core.ReadMSR(vmx.MSRFeatureControl)
	if err != nil {
		return fmt.Errorf("read IA32_FEATURE_CONTROL: %w", err)
	}

	const want = vmx.FeatureControlLocked | vmx.FeatureControlVMXOutsideSMX
	if fc&want != want {
		if fc&vmx.FeatureControlLocked != 0 {
			c.log().WithField("feature_control", fmt.Sprintf("%#x", fc)).Error("vmx locked off")

			return ErrFeatureControlLocked
		}

		if err := c.core.WriteMSR(vmx.MSRFeatureControl, fc|want); err != nil {
			return fmt.Errorf("lock IA32_FEATURE_CONTROL: %w", err)
		}
	}

	region, err := c.m.alloc.Alloc()
	if err != nil {
		return fmt.Errorf("vmxon region: %w", err)
	}

	region.Zero()
	binary.LittleEndian.PutUint32(region.Bytes(), c.m.cfg.Revision)

	cr4 := c.core.CR4()
	c.core.SetCR4(c.m.cfg.FixCR4(cr4 | vmx.CR4VMXE))

	if err := vmx.Check(c.core, "vmxon", c.core.VMXON(region.Addr())); err != nil {
		c.core.SetCR4(cr4)
		c.m.alloc.Free(region)

		return err
	}

	if err := vmx.Check(c.core, "invept", c.core.INVEPT(vmx.InvAllContext, 0)); err != nil {
		return err
	}

	if err := vmx.Check(c.core, "invvpid", c.core.INVVPID(vmx.InvAllContext, 0, 0)); err != nil {
		return err
	}

	c.region = region
	c.hostXCR0 = c.core.XCR0()
	c.online.Store(true)

	c.log().Info("vmx enabled")

	return nil
}

// Disable clears the cached VMCS and leaves VMX operation.
func (c *CPU) Disable() error {
	if !c.Online() {
		return nil
	}

	if err := c.ClearCached(); err != nil {
		return err
	}

	c.online.Store(false)

	if err := vmx.Check(c.core, "vmxoff", c.core.VMXOFF()); err != nil {
		return err
	}

	c.core.SetCR4(c.core.CR4() &^ vmx.CR4VMXE)
	c.m.alloc.Free(c.region)
	c.region = nil

	return nil
}

// SetCached makes x the VMCS this core clears the next time it has to
// give up its cache.
func (c *CPU) SetCached(x Cached) {
	c.cached = x
}

// CancelCached forgets x if it is the cached VMCS, because it is about to
// run here again.
func (c *CPU) CancelCached(x Cached) {
	if c.cached == x {
		c.cached = nil
	}
}

func (c *CPU) Cached() Cached { return c.cached }

// ClearCached clears the cached VMCS, if any.
func (c *CPU) ClearCached() error {
	x := c.cached
	if x == nil {
		return nil
	}

	c.cached = nil

	return x.ClearFrom(c)
}

// SyncEPT flushes cached translations for eptp when the table changed
// since the core last flushed it.
func (c *CPU) SyncEPT(eptp, generation uint64) error {
	if last, ok := c.flushed[eptp]; ok && last == generation {
		return nil
	}

	if err := vmx.Check(c.core, "invept", c.core.INVEPT(vmx.InvSingleContext, eptp)); err != nil {
		return err
	}

	c.flushed[eptp] = generation

	return nil
}

// ForgetEPT drops the flush record of a table that is being freed.
func (c *CPU) ForgetEPT(eptp uint64) {
	delete(c.flushed, eptp)
}

// SendImmediate queues msg for core target and interrupts it so that a
// running guest exits. It never blocks.
func (c *CPU) SendImmediate(target int, msg Message) error {
	if target < 0 || target >= len(c.m.cpus) {
		return fmt.Errorf("core %d: %w", target, ErrCoreOffline)
	}

	t := c.m.cpus[target]
	if !t.Online() {
		return fmt.Errorf("core %d: %w", target, ErrCoreOffline)
	}

	t.msgMu.Lock()
	t.msgs = append(t.msgs, msg)
	t.msgMu.Unlock()

	select {
	case t.kick <- struct{}{}:
	default:
	}

	c.core.SendIPI(target, irq.VectorKernelMsg)

	return nil
}

// HandleMessages runs every queued message. Interrupts must be disabled.
func (c *CPU) HandleMessages() {
	c.msgMu.Lock()
	msgs := c.msgs
	c.msgs = nil
	c.msgMu.Unlock()

	for _, msg := range msgs {
		msg(c)
	}
}

func (c *CPU) serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.kick:
		}

		c.DisableIRQ()
		c.HandleMessages()
		c.EnableIRQ()
	}
}
