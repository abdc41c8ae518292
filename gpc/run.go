package gpc

import (
	"fmt"
	"sync/atomic"

	"github.com/bobuhiro11/govmx/irq"
	"github.com/bobuhiro11/govmx/machine"
	"github.com/bobuhiro11/govmx/vmx"
)

// Enter runs the guest on c until its next exit. The GPC must be loaded on
// c and interrupts disabled.
func (g *GPC) Enter(c *machine.CPU) error {
	if g.CoreID() != c.ID() {
		return fmt.Errorf("gpc %d enter on core %d: %w", g.id, c.ID(), ErrNotLoadedHere)
	}

	core := c.Core()

	if err := c.SyncEPT(g.ept.EPTP(), g.ept.Generation()); err != nil {
		return err
	}

	// Interrupts posted while the GPC was not loaded anywhere sent no
	// notification.
	if g.piPending() {
		core.SelfIPI(irq.VectorPostedIntr)
	}

	host := c.HostXCR0()
	if g.xcr0 != host {
		if err := core.XSETBV(g.xcr0); err != nil {
			return fmt.Errorf("gpc %d: load guest xcr0 %#x: %w", g.id, g.xcr0, err)
		}
	}

	launch := !g.shouldResume.Load()
	op := "vmresume"

	if launch {
		op = "vmlaunch"
	}

	err := vmx.Check(core, op, core.Enter(launch, &g.regs))

	if g.xcr0 != host {
		if err := core.XSETBV(host); err != nil {
			return fmt.Errorf("gpc %d: restore host xcr0: %w", g.id, err)
		}
	}

	if err != nil {
		return err
	}

	g.shouldResume.Store(true)

	return nil
}

// SetXCR0 checks v by loading it on c and records it as the guest's
// extended state mask. The host mask is back in place on return.
func (g *GPC) SetXCR0(c *machine.CPU, v uint64) error {
	core := c.Core()
	err := core.XSETBV(v)

	if rerr := core.XSETBV(c.HostXCR0()); rerr != nil {
		return fmt.Errorf("restore host xcr0: %w", rerr)
	}

	if err != nil {
		return err
	}

	g.xcr0 = v

	return nil
}

func (g *GPC) piControl() *uint64 {
	return g.pi.page.Word(uintptr(g.pi.hpa&0xfff) + piControl)
}

func (g *GPC) piPending() bool {
	return atomic.LoadUint64(g.piControl())&piON != 0
}

// PostInterrupt requests vector in the guest. The holder core is notified
// through apic unless a notification is already outstanding or the GPC is
// not loaded; in that case the next Enter notifies. It reports whether a
// notification was sent.
func (g *GPC) PostInterrupt(apic irq.LAPIC, vector uint8) bool {
	off := uintptr(g.pi.hpa & 0xfff)
	atomic.OrUint64(g.pi.page.Word(off+8*uintptr(vector/64)), 1<<(vector%64))

	if atomic.OrUint64(g.piControl(), piON)&piON != 0 {
		return false
	}

	core := g.CoreID()
	if core == None {
		return false
	}

	apic.SendIPI(core, irq.VectorPostedIntr)

	return true
}
