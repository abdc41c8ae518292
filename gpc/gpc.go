// Package gpc manages guest physical cores: the VMCS of one virtual CPU
// and its movement between physical cores.
//
// A VMCS is active on at most one core. The core that loaded it last keeps
// it cached after Unload, so that running it there again costs nothing. A
// core that wants a VMCS cached elsewhere first clears its own cache, then
// asks the holder to clear and waits. Because every core gives up what it
// holds before waiting for anything, two cores swapping VMCSs cannot wait
// on each other.
package gpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/bobuhiro11/govmx/ept"
	"github.com/bobuhiro11/govmx/irq"
	"github.com/bobuhiro11/govmx/machine"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/msr"
	"github.com/bobuhiro11/govmx/vmx"
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/cleanup"
)

//nolint:gochecknoglobals
var log = logrus.WithField("pkg", "gpc")

// None is the core id of a GPC that is not loaded anywhere.
const None = -1

var (
	ErrNotLoadedHere = errors.New("gpc not loaded on this core")
	ErrStillLoaded   = errors.New("gpc still loaded")
	ErrMisaligned    = errors.New("special page misaligned")
	ErrOffline       = errors.New("core not in vmx operation")
)

const (
	piDescAlign = 64
	piControl   = 32
	piON        = 1

	// Warn when a remote clear takes this many polls.
	slowClear = 1 << 20
)

// Owner is the process whose memory backs the pages the VMCS points at.
type Owner interface {
	Pin(va uint64) (*memory.Page, error)
	Unpin(hpa uint64) error
}

// Params describe a new GPC. The three page addresses are virtual
// addresses in the owner.
type Params struct {
	ID         int
	Owner      Owner
	EPT        *ept.Table
	PIDesc     uint64
	VAPIC      uint64
	APICAccess uint64
	RIP        uint64
	RSP        uint64
}

// VMCS is one VMCS region.
type VMCS struct {
	page *memory.Page
}

func newVMCS(alloc memory.Allocator, revision uint32) (*VMCS, error) {
	p, err := alloc.Alloc()
	if err != nil {
		return nil, fmt.Errorf("vmcs: %w", err)
	}

	p.Zero()
	binary.LittleEndian.PutUint32(p.Bytes(), revision)

	return &VMCS{page: p}, nil
}

func (v *VMCS) Addr() uint64 { return v.page.Addr() }

// pinned is a page of the owner held for the lifetime of the GPC.
type pinned struct {
	page *memory.Page
	hpa  uint64
}

// GPC is a guest physical core.
type GPC struct {
	id    int
	m     *machine.Machine
	vmcs  *VMCS
	owner Owner
	ept   *ept.Table
	vpid  uint16

	coreID       atomic.Int32
	shouldResume atomic.Bool

	regs vmx.Regs
	xcr0 uint64
	msrs *msr.State

	pi, vapic, apicAccess pinned
}

// Create builds a GPC and programs its VMCS on c. Interrupts must be
// disabled on c. Everything is undone on failure.
func Create(c *machine.CPU, p Params) (*GPC, error) {
	if !c.IRQDisabled() {
		return nil, machine.ErrInterruptsEnabled
	}

	if !c.Online() {
		return nil, ErrOffline
	}

	if p.PIDesc%piDescAlign != 0 || p.VAPIC&memory.PageMask != 0 || p.APICAccess&memory.PageMask != 0 {
		return nil, fmt.Errorf("pi %#x vapic %#x apic access %#x: %w",
			p.PIDesc, p.VAPIC, p.APICAccess, ErrMisaligned)
	}

	m := c.Machine()
	g := &GPC{
		id:    p.ID,
		m:     m,
		owner: p.Owner,
		ept:   p.EPT,
		xcr0:  c.HostXCR0(),
		msrs:  msr.NewState(),
	}
	g.coreID.Store(None)

	var err error

	if g.vmcs, err = newVMCS(m.Alloc(), m.Config().Revision); err != nil {
		return nil, err
	}

	cu := cleanup.Make(func() { m.Alloc().Free(g.vmcs.page) })
	defer cu.Clean()

	if g.vpid, err = m.VPIDs().Alloc(); err != nil {
		return nil, err
	}

	cu.Add(func() { m.VPIDs().Free(g.vpid) })

	for _, sp := range []struct {
		va  uint64
		out *pinned
	}{
		{p.PIDesc, &g.pi},
		{p.VAPIC, &g.vapic},
		{p.APICAccess, &g.apicAccess},
	} {
		page, err := p.Owner.Pin(sp.va)
		if err != nil {
			return nil, fmt.Errorf("pin %#x: %w", sp.va, err)
		}

		*sp.out = pinned{page: page, hpa: page.Addr() | sp.va&memory.PageMask}

		cu.Add(func() {
			if err := p.Owner.Unpin(page.Addr()); err != nil {
				log.WithError(err).Error("unwinding pin")
			}
		})
	}

	if err := g.Load(c); err != nil {
		return nil, err
	}

	cu.Add(func() {
		c.CancelCached(g)

		if err := g.ClearFrom(c); err != nil {
			log.WithError(err).Error("unwinding load")
		}
	})

	if err := g.program(c, p); err != nil {
		return nil, err
	}

	g.Unload(c)
	cu.Release()

	log.WithFields(logrus.Fields{"gpc": g.id, "vpid": g.vpid, "core": c.ID()}).Debug("created")

	return g, nil
}

func (g *GPC) program(c *machine.CPU, p Params) error {
	cfg := g.m.Config()
	bm := g.m.Bitmaps()
	host := c.Core().Host()
	w := vmx.Writer{CPU: c.Core()}

	w.Set(vmx.PinBasedControls, uint64(cfg.Pin))
	w.Set(vmx.ProcBasedControls, uint64(cfg.Proc))
	w.Set(vmx.SecondaryControls, uint64(cfg.Proc2))
	w.Set(vmx.ExitControls, uint64(cfg.Exit))
	w.Set(vmx.EntryControls, uint64(cfg.Entry))
	w.Set(vmx.ExceptionBitmap, ExceptionBitmap)

	w.Set(vmx.MSRBitmap, bm.MSR.Addr())
	w.Set(vmx.IOBitmapA, bm.IOA.Addr())
	w.Set(vmx.IOBitmapB, bm.IOB.Addr())
	w.Set(vmx.EPTPointer, g.ept.EPTP())
	w.Set(vmx.VirtualProcessorID, uint64(g.vpid))
	w.Set(vmx.PostedIntrNotifyVec, uint64(irq.VectorPostedIntr))
	w.Set(vmx.PostedIntrDescAddr, g.pi.hpa)
	w.Set(vmx.VirtualAPICPageAddr, g.vapic.hpa)
	w.Set(vmx.APICAccessAddr, g.apicAccess.hpa)
	w.Set(vmx.VMCSLinkPointer, ^uint64(0))

	w.Set(vmx.HostCR0, host.CR0)
	w.Set(vmx.HostCR3, host.CR3)
	w.Set(vmx.HostCR4, host.CR4)
	w.Set(vmx.HostIDTRBase, host.IDTRBase)
	w.Set(vmx.HostRIP, host.EntryRIP)
	w.Set(vmx.HostIA32EFER, host.EFER)
	w.Set(vmx.HostIA32PAT, host.PAT)
	w.Set(vmx.HostCSSelector, hostCS)
	w.Set(vmx.HostSSSelector, hostDS)
	w.Set(vmx.HostDSSelector, hostDS)
	w.Set(vmx.HostESSelector, hostDS)
	w.Set(vmx.HostTRSelector, hostTR)

	cr0 := cfg.FixCR0(vmx.CR0PE | vmx.CR0NE | vmx.CR0PG)
	cr4 := cfg.FixCR4(vmx.CR4PAE | vmx.CR4OSXS)

	w.Set(vmx.GuestCR0, cr0)
	w.Set(vmx.CR0ReadShadow, cr0)
	w.Set(vmx.GuestCR4, cr4)
	w.Set(vmx.CR4ReadShadow, cr4&^vmx.CR4VMXE)
	w.Set(vmx.CR4GuestHostMask, vmx.CR4VMXE)
	w.Set(vmx.GuestIA32EFER, vmx.EFERLME|vmx.EFERLMA|vmx.EFERNX)
	w.Set(vmx.GuestIA32PAT, host.PAT)
	w.Set(vmx.GuestRFLAGS, 0x2)
	w.Set(vmx.GuestRIP, p.RIP)
	w.Set(vmx.GuestRSP, p.RSP)
	w.Set(vmx.GuestDR7, 0x400)

	for _, s := range segments {
		w.Set(s.selector, s.sel)
		w.Set(s.limit, 0xffffffff)
		w.Set(s.rights, s.ar)
	}

	w.Set(vmx.GuestTRSelector, hostTR)
	w.Set(vmx.GuestTRLimit, 0x67)
	w.Set(vmx.GuestTRAccessRights, arTSS)
	w.Set(vmx.GuestLDTRAccessRights, arUnusable)
	w.Set(vmx.GuestGDTRLimit, 0xffff)
	w.Set(vmx.GuestIDTRLimit, 0xffff)

	if w.Err != nil {
		return fmt.Errorf("gpc %d: program vmcs: %w", g.id, w.Err)
	}

	return nil
}

func (g *GPC) ID() int { return g.id }

// CoreID returns the core the GPC is loaded or cached on, or None.
func (g *GPC) CoreID() int { return int(g.coreID.Load()) }

func (g *GPC) VMCS() *VMCS { return g.vmcs }

func (g *GPC) EPT() *ept.Table { return g.ept }

func (g *GPC) VPID() uint16 { return g.vpid }

// Regs are the guest registers the VMCS does not hold.
func (g *GPC) Regs() *vmx.Regs { return &g.regs }

// MSRs is the per-GPC emulated MSR state.
func (g *GPC) MSRs() *msr.State { return g.msrs }

func (g *GPC) XCR0() uint64 { return g.xcr0 }

// Load makes the GPC the current VMCS on c. Interrupts must be disabled.
func (g *GPC) Load(c *machine.CPU) error {
	self := c.ID()

	if g.CoreID() == self {
		c.CancelCached(g)

		return nil
	}

	if err := c.ClearCached(); err != nil {
		return err
	}

	if other := g.CoreID(); other != None {
		err := c.SendImmediate(other, func(t *machine.CPU) {
			// The holder may have given it up on its own already.
			if t.Cached() != g {
				return
			}

			if err := t.ClearCached(); err != nil {
				log.WithError(err).WithField("gpc", g.id).Error("remote clear")
			}
		})
		if err != nil {
			return fmt.Errorf("gpc %d: ask core %d to clear: %w", g.id, other, err)
		}

		for polls := 1; g.CoreID() != None; polls++ {
			if polls == slowClear {
				log.WithFields(logrus.Fields{"gpc": g.id, "holder": other, "core": self}).
					Warn("remote clear is slow")
			}

			runtime.Gosched()
		}
	}

	core := c.Core()
	if err := vmx.Check(core, "vmptrld", core.VMPTRLD(g.vmcs.Addr())); err != nil {
		return err
	}

	host := core.Host()
	w := vmx.Writer{CPU: core}
	w.Set(vmx.HostTRBase, host.TRBase)
	w.Set(vmx.HostGDTRBase, host.GDTRBase)
	w.Set(vmx.HostGSBase, host.GSBase)

	if w.Err != nil {
		return w.Err
	}

	g.coreID.Store(int32(self))

	return nil
}

// Unload leaves the VMCS active on c. It is cleared when c needs its
// cache, or when another core asks for it.
func (g *GPC) Unload(c *machine.CPU) {
	c.SetCached(g)
}

// ClearFrom flushes the VMCS out of c, which must hold it.
func (g *GPC) ClearFrom(c *machine.CPU) error {
	if g.CoreID() != c.ID() {
		log.WithFields(logrus.Fields{"gpc": g.id, "core": c.ID(), "holder": g.CoreID()}).
			Error("clear of a vmcs this core does not hold")

		return fmt.Errorf("gpc %d on core %d: %w", g.id, c.ID(), ErrNotLoadedHere)
	}

	core := c.Core()
	if err := vmx.Check(core, "vmclear", core.VMCLEAR(g.vmcs.Addr())); err != nil {
		return err
	}

	if err := vmx.Check(core, "invept", core.INVEPT(vmx.InvSingleContext, g.ept.EPTP())); err != nil {
		return err
	}

	g.shouldResume.Store(false)
	core.Fence()
	g.coreID.Store(None)

	return nil
}

// Evict makes sure the VMCS is not active anywhere.
func (g *GPC) Evict(c *machine.CPU) error {
	if g.CoreID() == c.ID() {
		c.CancelCached(g)

		return g.ClearFrom(c)
	}

	if g.CoreID() == None {
		return nil
	}

	if err := g.Load(c); err != nil {
		return err
	}

	return g.ClearFrom(c)
}

// Destroy releases everything the GPC holds. The VMCS must not be loaded
// anywhere.
func (g *GPC) Destroy() error {
	if id := g.CoreID(); id != None {
		return fmt.Errorf("gpc %d on core %d: %w", g.id, id, ErrStillLoaded)
	}

	var errs []error

	for _, p := range []pinned{g.pi, g.vapic, g.apicAccess} {
		if err := g.owner.Unpin(p.page.Addr()); err != nil {
			errs = append(errs, err)
		}
	}

	g.m.VPIDs().Free(g.vpid)
	g.m.Alloc().Free(g.vmcs.page)
	g.vmcs = nil

	return errors.Join(errs...)
}
