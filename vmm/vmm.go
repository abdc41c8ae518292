// Package vmm is the per-process facade over the hypervisor core: it owns
// the machine, the process's EPT and its guest cores, and drives them
// through the exit dispatcher.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/govmx/config"
	"github.com/bobuhiro11/govmx/ept"
	"github.com/bobuhiro11/govmx/gpc"
	"github.com/bobuhiro11/govmx/machine"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/proc"
	"github.com/bobuhiro11/govmx/simhw"
	"github.com/bobuhiro11/govmx/vmexit"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/cleanup"
)

//nolint:gochecknoglobals
var log = logrus.WithField("pkg", "vmm")

var (
	ErrNotSetUp      = errors.New("process not set up")
	ErrAlreadySetUp  = errors.New("process already set up")
	ErrTooManyGPCs   = errors.New("too many gpcs")
	ErrNoSuchGPC     = errors.New("no such gpc")
	ErrNoSuchCore    = errors.New("no such core")
	ErrProgramTooBig = errors.New("guest program too big")
)

// Flags describe the process.
type Flags uint32

const (
	// FlagConsole: the guest may print through the hypercall.
	FlagConsole Flags = 1 << iota
	// FlagDying: teardown started; no GPC runs again.
	FlagDying
)

// Guest memory layout. Guest-physical addresses are process addresses.
const (
	CodeVA   = 0x1000
	CodeSize = 0x4000
	DataVA   = 0x10000
	StackVA  = 0x20000
	StackTop = StackVA + 0x4000
	APICVA   = 0x100000

	// MaxGPCs is the number of posted-interrupt descriptors that fit in
	// one page.
	MaxGPCs = memory.PageSize / 64
)

// slot is one GPC and the state only its runner touches.
type slot struct {
	mu    sync.Mutex
	g     *gpc.GPC
	home  atomic.Int32
	frame *vmexit.TrapFrame
}

// VMM runs one process on a simulated multiprocessor.
type VMM struct {
	cfg     config.Config
	mem     *memory.Tracker
	hw      *simhw.Machine
	m       *machine.Machine
	d       *vmexit.Dispatcher
	console *Console

	proc  *proc.Process
	slots []*slot
	flags atomic.Uint32
}

// New brings up a machine with cfg.Cores cores in VMX operation.
func New(ctx context.Context, cfg config.Config, console *Console) (*VMM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pages, err := cfg.MemoryPages()
	if err != nil {
		return nil, err
	}

	mem := memory.NewTracker(memory.NewMmapAllocator(), pages)
	hw := simhw.New(simhw.Options{Cores: cfg.Cores, Memory: mem, Quantum: cfg.Quantum})

	cores := make([]machine.Core, 0, cfg.Cores)
	for _, c := range hw.Cores() {
		cores = append(cores, c)
	}

	m, err := machine.New(cores, mem)
	if err != nil {
		return nil, err
	}

	if err := m.EnableAll(ctx); err != nil {
		return nil, errors.Join(err, m.Close())
	}

	m.Start(ctx)

	v := &VMM{cfg: cfg, mem: mem, hw: hw, m: m, console: console}

	opts := vmexit.Options{GPCs: cfg.GPCs}
	if cfg.Console && console != nil {
		opts.Console = console
		v.flags.Store(uint32(FlagConsole))
	}

	v.d = vmexit.New(m, opts)

	log.WithFields(logrus.Fields{"cores": cfg.Cores, "pages": pages}).Info("machine up")

	return v, nil
}

// Setup creates the process, loads program at CodeVA and creates
// cfg.GPCs guest cores, GPC i homed on core i modulo the core count. On
// error everything created so far is released.
func (v *VMM) Setup(program []byte) error {
	if v.proc != nil {
		return ErrAlreadySetUp
	}

	n := v.cfg.GPCs
	if n > MaxGPCs {
		return fmt.Errorf("%d: %w", n, ErrTooManyGPCs)
	}

	if len(program) > CodeSize {
		return fmt.Errorf("%d bytes: %w", len(program), ErrProgramTooBig)
	}

	p, err := proc.New(1, v.mem, v.cfg.Reflections)
	if err != nil {
		return err
	}

	cu := cleanup.Make(func() {
		if err := p.Release(); err != nil {
			log.WithError(err).Error("release process")
		}
	})
	defer cu.Clean()

	for _, vma := range []memory.VMA{
		{Name: "code", Start: CodeVA, Size: CodeSize, Prot: memory.ProtRead | memory.ProtExec, Poison: true},
		{Name: "data", Start: DataVA, Size: memory.PageSize, Prot: memory.ProtRead | memory.ProtWrite, Async: true},
		{Name: "stack", Start: StackVA, Size: StackTop - StackVA, Prot: memory.ProtRead | memory.ProtWrite},
		{Name: "apic", Start: APICVA, Size: uint64(n+2) * memory.PageSize, Prot: memory.ProtRead | memory.ProtWrite},
	} {
		if err := p.Mem.Map(vma); err != nil {
			return err
		}
	}

	if _, err := p.Mem.WriteAt(program, CodeVA); err != nil {
		return err
	}

	slots := make([]*slot, 0, n)

	cu.Add(func() {
		for _, s := range slots {
			if err := v.destroy(s); err != nil {
				log.WithError(err).WithField("gpc", s.g.ID()).Error("unwind gpc")
			}
		}
	})

	for id := range n {
		s, err := v.create(p, id)
		if err != nil {
			return fmt.Errorf("gpc %d: %w", id, err)
		}

		slots = append(slots, s)
	}

	cu.Release()

	v.proc, v.slots = p, slots

	log.WithFields(logrus.Fields{"gpcs": n, "program": len(program)}).Info("process set up")

	return nil
}

func (v *VMM) create(p *proc.Process, id int) (*slot, error) {
	home := id % len(v.m.CPUs())
	c := v.m.CPU(home)

	c.DisableIRQ()
	defer c.EnableIRQ()

	g, err := gpc.Create(c, gpc.Params{
		ID:         id,
		Owner:      p,
		EPT:        p.EPT,
		PIDesc:     APICVA + uint64(id)*64,
		VAPIC:      APICVA + uint64(id+1)*memory.PageSize,
		APICAccess: APICVA + uint64(v.cfg.GPCs+1)*memory.PageSize,
		RIP:        CodeVA,
		RSP:        StackTop,
	})
	if err != nil {
		return nil, err
	}

	s := &slot{g: g}
	s.home.Store(int32(home))

	return s, nil
}

// destroy evicts the GPC from whatever core holds it and frees it.
func (v *VMM) destroy(s *slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := v.m.CPU(int(s.home.Load()))
	if holder := s.g.CoreID(); holder != gpc.None {
		c = v.m.CPU(holder)
	}

	c.DisableIRQ()
	err := s.g.Evict(c)
	c.EnableIRQ()

	if err != nil {
		return err
	}

	return s.g.Destroy()
}

func (v *VMM) NumGPCs() int { return len(v.slots) }

func (v *VMM) Flags() Flags { return Flags(v.flags.Load()) }

// EPT returns the table shared by every GPC of the process.
func (v *VMM) EPT() *ept.Table {
	if v.proc == nil {
		return nil
	}

	return v.proc.EPT
}

func (v *VMM) Process() *proc.Process { return v.proc }

func (v *VMM) Dispatcher() *vmexit.Dispatcher { return v.d }

func (v *VMM) Machine() *machine.Machine { return v.m }

// Hardware returns the simulated processors.
func (v *VMM) Hardware() *simhw.Machine { return v.hw }

// Memory returns the page accounting of the machine.
func (v *VMM) Memory() *memory.Tracker { return v.mem }

func (v *VMM) slot(id int) (*slot, error) {
	if v.proc == nil {
		return nil, ErrNotSetUp
	}

	if id < 0 || id >= len(v.slots) {
		return nil, fmt.Errorf("gpc %d: %w", id, ErrNoSuchGPC)
	}

	return v.slots[id], nil
}

// GPC returns guest core id.
func (v *VMM) GPC(id int) (*gpc.GPC, error) {
	s, err := v.slot(id)
	if err != nil {
		return nil, err
	}

	return s.g, nil
}

// Home returns the core GPC id runs on.
func (v *VMM) Home(id int) (int, error) {
	s, err := v.slot(id)
	if err != nil {
		return 0, err
	}

	return int(s.home.Load()), nil
}

// Frame returns the final trap frame of a GPC that stopped, or nil.
func (v *VMM) Frame(id int) *vmexit.TrapFrame {
	s, err := v.slot(id)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.frame
}

// Run drives GPC id on its home core until an exit is reflected, the
// process dies or ctx is done.
func (v *VMM) Run(ctx context.Context, id int) (vmexit.Result, error) {
	s, err := v.slot(id)
	if err != nil {
		return vmexit.Destroyed, err
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		if err := ctx.Err(); err != nil {
			return vmexit.Resume, err
		}

		if v.Flags()&FlagDying != 0 || v.proc.Destroyed() {
			return vmexit.Destroyed, nil
		}

		res, err := v.step(s)
		if err != nil {
			v.proc.Destroy(err)

			return vmexit.Destroyed, err
		}

		if res != vmexit.Resume {
			return res, nil
		}
	}
}

// step runs the guest to one exit and handles it. Interrupts are off
// from load to unload, and back on between steps.
func (v *VMM) step(s *slot) (vmexit.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := v.m.CPU(int(s.home.Load()))
	g := s.g

	c.DisableIRQ()
	defer c.EnableIRQ()

	if err := g.Load(c); err != nil {
		return vmexit.Destroyed, err
	}

	defer g.Unload(c)

	if err := g.Enter(c); err != nil {
		return vmexit.Destroyed, err
	}

	tf, err := vmexit.Capture(c.Core(), g.ID(), g.Regs())
	if err != nil {
		return vmexit.Destroyed, err
	}

	res := v.d.HandleVMExit(&vmexit.Exit{CPU: c, GPC: g, Proc: v.proc, Frame: tf})
	if res == vmexit.Resume {
		return res, nil
	}

	if err := tf.Finalize(c.Core()); err != nil {
		return vmexit.Destroyed, err
	}

	s.frame = tf

	return res, nil
}

// RunAll runs every GPC concurrently and returns how each one stopped.
func (v *VMM) RunAll(ctx context.Context) ([]vmexit.Result, error) {
	if v.proc == nil {
		return nil, ErrNotSetUp
	}

	results := make([]vmexit.Result, len(v.slots))

	eg, ctx := errgroup.WithContext(ctx)

	for id := range v.slots {
		id := id

		eg.Go(func() error {
			res, err := v.Run(ctx, id)
			results[id] = res

			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("gpc %d: %w", id, err)
			}

			return nil
		})
	}

	err := eg.Wait()

	if v.console != nil {
		v.console.Flush()
	}

	return results, err
}

// PostInterrupt requests vector in GPC to on behalf of core from. It
// reports whether a notification IPI went out.
func (v *VMM) PostInterrupt(from, to int, vector uint8) (bool, error) {
	s, err := v.slot(to)
	if err != nil {
		return false, err
	}

	if from < 0 || from >= len(v.m.CPUs()) {
		return false, fmt.Errorf("core %d: %w", from, ErrNoSuchCore)
	}

	return s.g.PostInterrupt(v.m.CPU(from).Core(), vector), nil
}

// Teardown destroys every GPC, releases the process and takes the cores
// out of VMX operation. The VMM is unusable afterwards.
func (v *VMM) Teardown() error {
	v.flags.Store(v.flags.Load() | uint32(FlagDying))

	var errs []error

	for _, s := range v.slots {
		if err := v.destroy(s); err != nil {
			errs = append(errs, fmt.Errorf("gpc %d: %w", s.g.ID(), err))
		}
	}

	v.slots = nil

	if v.proc != nil {
		if err := v.proc.Release(); err != nil {
			errs = append(errs, err)
		}

		v.proc = nil
	}

	if err := v.m.Close(); err != nil {
		errs = append(errs, err)
	}

	if v.console != nil {
		v.console.Flush()
	}

	if n := v.mem.Live(); n != 0 {
		log.WithField("pages", n).Warn("pages still allocated after teardown")
	}

	return errors.Join(errs...)
}
