package gpc_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bobuhiro11/govmx/asm"
	"github.com/bobuhiro11/govmx/ept"
	"github.com/bobuhiro11/govmx/gpc"
	"github.com/bobuhiro11/govmx/irq"
	"github.com/bobuhiro11/govmx/machine"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/simhw"
	"github.com/bobuhiro11/govmx/vmx"
)

const (
	codeVA  = 0x1000
	apicVA  = 0x100000
	piVA    = apicVA
	vapicVA = apicVA + 0x1000
	accVA   = apicVA + 0x10000
)

type rig struct {
	t   *testing.T
	mem *memory.Tracker
	hw  *simhw.Machine
	m   *machine.Machine
	as  *memory.AddressSpace
	tbl *ept.Table
}

func newRig(t *testing.T, cores int) *rig {
	t.Helper()

	mem := memory.NewTracker(memory.NewMmapAllocator(), 0)
	hw := simhw.New(simhw.Options{Cores: cores, Memory: mem})

	cs := make([]machine.Core, 0, cores)
	for _, c := range hw.Cores() {
		cs = append(cs, c)
	}

	m, err := machine.New(cs, mem)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.EnableAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(cancel)

	as := memory.NewAddressSpace("gpc", mem)

	for _, v := range []memory.VMA{
		{Name: "code", Start: codeVA, Size: 0x1000, Prot: memory.ProtRead | memory.ProtExec, Poison: true},
		{Name: "apic", Start: apicVA, Size: 0x20000, Prot: memory.ProtRead | memory.ProtWrite},
	} {
		if err := as.Map(v); err != nil {
			t.Fatal(err)
		}
	}

	tbl, err := ept.New(mem, as)
	if err != nil {
		t.Fatal(err)
	}

	as.SetMirror(tbl)

	code := asm.New().VMCALL().Jmp(0).Bytes()
	if _, err := as.WriteAt(code, codeVA); err != nil {
		t.Fatal(err)
	}

	if err := as.Fault(codeVA, memory.ProtExec); err != nil {
		t.Fatal(err)
	}

	return &rig{t: t, mem: mem, hw: hw, m: m, as: as, tbl: tbl}
}

func (r *rig) params(id int) gpc.Params {
	return gpc.Params{
		ID:         id,
		Owner:      r.as,
		EPT:        r.tbl,
		PIDesc:     piVA + uint64(id)*64,
		VAPIC:      vapicVA + uint64(id)*0x1000,
		APICAccess: accVA,
		RIP:        codeVA,
	}
}

func (r *rig) create(core, id int) *gpc.GPC {
	r.t.Helper()

	c := r.m.CPU(core)
	c.DisableIRQ()
	defer c.EnableIRQ()

	g, err := gpc.Create(c, r.params(id))
	if err != nil {
		r.t.Fatal(err)
	}

	return g
}

// run loads g on core, enters it once and unloads it.
func (r *rig) run(core int, g *gpc.GPC) error {
	c := r.m.CPU(core)
	c.DisableIRQ()
	defer c.EnableIRQ()

	if err := g.Load(c); err != nil {
		return err
	}

	defer g.Unload(c)

	return g.Enter(c)
}

func (r *rig) noViolations() {
	r.t.Helper()

	if v := r.hw.Violations(); len(v) != 0 {
		r.t.Fatalf("violations: %v", v)
	}
}

func TestCreateDestroy(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1)
	before := r.mem.Live() - r.as.Resident()

	g := r.create(0, 0)

	if g.CoreID() != 0 {
		t.Fatalf("core id got %d, want 0", g.CoreID())
	}

	if r.m.CPU(0).Cached() != g {
		t.Fatal("created gpc is not the core's cached vmcs")
	}

	if err := r.run(0, g); err != nil {
		t.Fatal(err)
	}

	if err := g.Destroy(); !errors.Is(err, gpc.ErrStillLoaded) {
		t.Fatalf("got %v, want %v", err, gpc.ErrStillLoaded)
	}

	c := r.m.CPU(0)
	c.DisableIRQ()
	err := g.Evict(c)
	c.EnableIRQ()

	if err != nil {
		t.Fatal(err)
	}

	if g.CoreID() != gpc.None || c.Cached() != nil {
		t.Fatalf("after evict core id %d cached %v", g.CoreID(), c.Cached())
	}

	if err := g.Destroy(); err != nil {
		t.Fatal(err)
	}

	if after := r.mem.Live() - r.as.Resident(); after != before {
		t.Fatalf("live pages got %d, want %d", after, before)
	}

	if n := r.m.VPIDs().InUse(); n != 0 {
		t.Fatalf("vpids in use got %d, want 0", n)
	}

	r.noViolations()
}

func TestCreateUnwinds(t *testing.T) {
	t.Parallel()

	for extra := 0; ; extra++ {
		r := newRig(t, 1)
		c := r.m.CPU(0)
		before := r.mem.Live() - r.as.Resident()

		r.mem.SetLimit(r.mem.Live() + extra)

		c.DisableIRQ()
		g, err := gpc.Create(c, r.params(0))
		c.EnableIRQ()

		if err == nil {
			if extra == 0 {
				t.Fatal("create succeeded with no memory")
			}

			if g.CoreID() != 0 {
				t.Fatalf("core id got %d, want 0", g.CoreID())
			}

			return
		}

		if !errors.Is(err, memory.ErrNoMemory) {
			t.Fatalf("extra %d: got %v, want %v", extra, err, memory.ErrNoMemory)
		}

		if after := r.mem.Live() - r.as.Resident(); after != before {
			t.Fatalf("extra %d: live pages got %d, want %d", extra, after, before)
		}

		if c.Cached() != nil || r.m.VPIDs().InUse() != 0 {
			t.Fatalf("extra %d: cached %v vpids %d", extra, c.Cached(), r.m.VPIDs().InUse())
		}

		r.noViolations()
	}
}

func TestCreateRejectsMisalignedPages(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1)

	for _, test := range []struct {
		name string
		edit func(p *gpc.Params)
	}{
		{name: "descriptor", edit: func(p *gpc.Params) { p.PIDesc += 8 }},
		{name: "virtual apic", edit: func(p *gpc.Params) { p.VAPIC += 0x80 }},
		{name: "apic access", edit: func(p *gpc.Params) { p.APICAccess++ }},
	} {
		p := r.params(0)
		test.edit(&p)

		c := r.m.CPU(0)
		c.DisableIRQ()
		_, err := gpc.Create(c, p)
		c.EnableIRQ()

		if !errors.Is(err, gpc.ErrMisaligned) {
			t.Fatalf("%s: got %v, want %v", test.name, err, gpc.ErrMisaligned)
		}
	}
}

func TestDoubleClear(t *testing.T) {
	t.Parallel()

	r := newRig(t, 2)
	g := r.create(0, 0)

	c := r.m.CPU(1)
	c.DisableIRQ()
	err := g.ClearFrom(c)
	c.EnableIRQ()

	if !errors.Is(err, gpc.ErrNotLoadedHere) {
		t.Fatalf("got %v, want %v", err, gpc.ErrNotLoadedHere)
	}

	if g.CoreID() != 0 {
		t.Fatalf("core id got %d, want 0", g.CoreID())
	}
}

func TestMigration(t *testing.T) {
	t.Parallel()

	r := newRig(t, 2)
	g := r.create(0, 0)

	for i, core := range []int{0, 1, 1, 0, 1} {
		if err := r.run(core, g); err != nil {
			t.Fatalf("run %d on core %d: %v", i, core, err)
		}

		if g.CoreID() != core {
			t.Fatalf("run %d: core id got %d, want %d", i, g.CoreID(), core)
		}

		if on := r.hw.ActiveOn(g.VMCS().Addr()); on != core {
			t.Fatalf("run %d: vmcs active on %d, want %d", i, on, core)
		}
	}

	// Three moves, each flushing the EPT context on the way out.
	if got := r.hw.Cores()[0].INVEPTs(vmx.InvSingleContext) +
		r.hw.Cores()[1].INVEPTs(vmx.InvSingleContext); got < 3 {
		t.Fatalf("single-context invalidations got %d, want at least 3", got)
	}

	r.noViolations()
}

func TestMutualExclusion(t *testing.T) {
	t.Parallel()

	const (
		cores = 4
		gpcs  = 3
		iters = 200
	)

	r := newRig(t, cores)

	gs := make([]*gpc.GPC, gpcs)
	locks := make([]sync.Mutex, gpcs)

	for i := range gs {
		gs[i] = r.create(i%cores, i)
	}

	var wg sync.WaitGroup

	errs := make(chan error, cores)

	for core := range cores {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range iters {
				n := (core + i) % gpcs

				locks[n].Lock()
				err := r.run(core, gs[n])
				locks[n].Unlock()

				if err != nil {
					errs <- err

					return
				}
			}
		}()
	}

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Minute):
		t.Fatal("cores did not finish")
	}

	close(errs)

	for err := range errs {
		t.Fatal(err)
	}

	r.noViolations()
}

func TestSwapIsDeadlockFree(t *testing.T) {
	t.Parallel()

	r := newRig(t, 2)
	a := r.create(0, 0)
	b := r.create(1, 1)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, 2)
	)

	for core, g := range []*gpc.GPC{b, a} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			c := r.m.CPU(core)
			c.DisableIRQ()
			defer c.EnableIRQ()

			<-start

			errs <- g.Load(c)
		}()
	}

	close(start)

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("swap deadlocked")
	}

	for range 2 {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}

	if a.CoreID() != 1 || b.CoreID() != 0 {
		t.Fatalf("core ids got %d/%d, want 1/0", a.CoreID(), b.CoreID())
	}

	r.noViolations()
}

func TestPostInterrupt(t *testing.T) {
	t.Parallel()

	r := newRig(t, 2)
	g := r.create(1, 0)
	apic := r.hw.Cores()[0]

	if !g.PostInterrupt(apic, 0x41) {
		t.Fatal("no notification for a cached gpc")
	}

	if !r.hw.Cores()[1].Pending(irq.VectorPostedIntr) {
		t.Fatal("holder was not notified")
	}

	if g.PostInterrupt(apic, 0x42) {
		t.Fatal("second notification while one is outstanding")
	}

	c := r.m.CPU(1)
	c.DisableIRQ()
	err := g.Evict(c)
	c.EnableIRQ()

	if err != nil {
		t.Fatal(err)
	}

	if g.PostInterrupt(apic, 0x43) {
		t.Fatal("notification for an unloaded gpc")
	}

	if err := r.run(0, g); err != nil {
		t.Fatal(err)
	}

	var irr [4]byte
	if _, err := r.as.ReadAt(irr[:], int64(vapicVA+0x200+0x10*2)); err != nil {
		t.Fatal(err)
	}

	if want := byte(1<<1 | 1<<2 | 1<<3); irr[0] != want {
		t.Fatalf("virtual apic irr got %#x, want %#x", irr[0], want)
	}
}

func TestCreateZeroesInterruptPages(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1)
	r.create(0, 0)

	var desc [64]byte
	if _, err := r.as.ReadAt(desc[:], piVA); err != nil {
		t.Fatal(err)
	}

	if desc != [64]byte{} {
		t.Fatalf("posted-interrupt descriptor got % x, want zeroes", desc)
	}

	// IRR words sit at 0x200 with a 0x10 stride.
	for i := range 8 {
		var irr [4]byte
		if _, err := r.as.ReadAt(irr[:], int64(vapicVA+0x200+0x10*i)); err != nil {
			t.Fatal(err)
		}

		if irr != [4]byte{} {
			t.Fatalf("virtual apic irr word %d got % x, want zeroes", i, irr)
		}
	}
}

func TestXCR0(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1)
	g := r.create(0, 0)
	c := r.m.CPU(0)
	host := c.HostXCR0()

	c.DisableIRQ()
	defer c.EnableIRQ()

	if err := g.SetXCR0(c, 0x2); !errors.Is(err, vmx.ErrGeneralProtection) {
		t.Fatalf("got %v, want %v", err, vmx.ErrGeneralProtection)
	}

	if g.XCR0() != host {
		t.Fatalf("xcr0 got %#x, want %#x", g.XCR0(), host)
	}

	if err := g.SetXCR0(c, 0x3); err != nil {
		t.Fatal(err)
	}

	if err := g.Load(c); err != nil {
		t.Fatal(err)
	}

	if err := g.Enter(c); err != nil {
		t.Fatal(err)
	}

	if got := c.Core().XCR0(); got != host {
		t.Fatalf("host xcr0 after exit got %#x, want %#x", got, host)
	}

	if g.XCR0() != 0x3 {
		t.Fatalf("guest xcr0 got %#x, want 0x3", g.XCR0())
	}
}
