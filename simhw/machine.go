// Package simhw is a software model of a VMX-capable multiprocessor. It
// enforces the architectural rules the hypervisor depends on and records
// every violation it sees.
package simhw

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/govmx/cpuid"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/vmx"
	"github.com/sirupsen/logrus"
)

//nolint:gochecknoglobals
var log = logrus.WithField("pkg", "simhw")

const (
	// Timer vector raised when a guest runs a full quantum without exiting.
	VectorTimer    uint8 = 0xef
	defaultQuantum       = 4096
)

// Options configure a Machine.
type Options struct {
	Cores int
	// Memory resolves host physical addresses: VMXON and VMCS regions,
	// EPT tables and guest pages.
	Memory memory.Resolver
	// MSRs override the reference MSR values.
	MSRs map[uint32]uint64
	// CPUID answers CPUID; ReferenceCPUID when nil.
	CPUID func(leaf, subleaf uint32) cpuid.Regs
	// XCR0Mask is the set of XCR0 bits the part supports.
	XCR0Mask uint64
	// Quantum is the number of guest instructions between timer ticks.
	Quantum int
}

// Machine is a set of cores sharing memory.
type Machine struct {
	mu         sync.Mutex
	opts       Options
	cores      []*Core
	vmcs       map[uint64]*vmcsState
	violations []string
}

// New builds a machine with opts.Cores cores in their reset state.
func New(opts Options) *Machine {
	if opts.Cores <= 0 {
		opts.Cores = 1
	}

	if opts.CPUID == nil {
		opts.CPUID = ReferenceCPUID
	}

	if opts.XCR0Mask == 0 {
		opts.XCR0Mask = referenceXCR0
	}

	if opts.Quantum <= 0 {
		opts.Quantum = defaultQuantum
	}

	m := &Machine{opts: opts, vmcs: map[uint64]*vmcsState{}}

	for i := range opts.Cores {
		msrs := hostMSRs()
		for k, v := range opts.MSRs {
			msrs[k] = v
		}

		m.cores = append(m.cores, &Core{
			m:    m,
			id:   i,
			msrs: msrs,
			cr4:  referenceCR4,
			xcr0: referenceXCR0 & opts.XCR0Mask,
		})
	}

	return m
}

// Cores returns every core, indexed by id.
func (m *Machine) Cores() []*Core {
	return m.cores
}

func (m *Machine) violate(format string, args ...any) {
	s := fmt.Sprintf(format, args...)

	m.mu.Lock()
	m.violations = append(m.violations, s)
	m.mu.Unlock()

	log.WithField("violation", s).Error("architectural rule broken")
}

// Violations returns every broken rule recorded so far.
func (m *Machine) Violations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.violations...)
}

// ActiveOn returns the core a VMCS is active on, or -1.
func (m *Machine) ActiveOn(vmcs uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.vmcs[vmcs]; ok {
		return st.activeOn
	}

	return -1
}

// Core is one logical processor with its local APIC.
type Core struct {
	m  *Machine
	id int

	// Architectural state, owned by the goroutine driving the core.
	msrs    map[uint32]uint64
	cr4     uint64
	xcr0    uint64
	vmxon   bool
	region  uint64
	current uint64

	apic    sync.Mutex
	irr     [4]uint64
	isr     [4]uint64
	nmi     bool
	eois    atomic.Uint64
	invept  [4]atomic.Uint64
	invvpid [4]atomic.Uint64
	entries atomic.Uint64
	exits   atomic.Uint64
	retired atomic.Uint64
	posted  atomic.Uint64
}

func (c *Core) ID() int { return c.id }

func (c *Core) ReadMSR(msr uint32) (uint64, error) {
	v, ok := c.msrs[msr]
	if !ok {
		return 0, fmt.Errorf("rdmsr %#x: %w", msr, vmx.ErrGeneralProtection)
	}

	return v, nil
}

func (c *Core) WriteMSR(msr uint32, v uint64) error {
	old, ok := c.msrs[msr]
	if !ok || readOnlyMSR(msr) {
		return fmt.Errorf("wrmsr %#x: %w", msr, vmx.ErrGeneralProtection)
	}

	if msr == vmx.MSRFeatureControl && old&vmx.FeatureControlLocked != 0 {
		return fmt.Errorf("wrmsr %#x: locked: %w", msr, vmx.ErrGeneralProtection)
	}

	c.msrs[msr] = v

	return nil
}

func (c *Core) CR4() uint64 { return c.cr4 }

func (c *Core) SetCR4(v uint64) {
	if c.vmxon && v&vmx.CR4VMXE == 0 {
		c.m.violate("core %d: CR4.VMXE cleared in VMX operation", c.id)

		return
	}

	c.cr4 = v
}

func (c *Core) CPUID(leaf, subleaf uint32) cpuid.Regs {
	return c.m.opts.CPUID(leaf, subleaf)
}

func (c *Core) XCR0() uint64 { return c.xcr0 }

// XSETBV faults on values the part cannot hold.
func (c *Core) XSETBV(v uint64) error {
	switch {
	case c.cr4&vmx.CR4OSXS == 0:
		return fmt.Errorf("xsetbv with CR4.OSXSAVE clear: %w", vmx.ErrGeneralProtection)
	case v&1 == 0:
		return fmt.Errorf("xsetbv %#x: x87 state cleared: %w", v, vmx.ErrGeneralProtection)
	case v&4 != 0 && v&2 == 0:
		return fmt.Errorf("xsetbv %#x: AVX without SSE: %w", v, vmx.ErrGeneralProtection)
	case v&^c.m.opts.XCR0Mask != 0:
		return fmt.Errorf("xsetbv %#x: unsupported bits: %w", v, vmx.ErrGeneralProtection)
	}

	c.xcr0 = v

	return nil
}

func (c *Core) Fence() {}

func (c *Core) Host() vmx.HostState {
	return referenceHost(c.id, c.cr4)
}

// EOI retires the highest in-service vector.
func (c *Core) EOI() {
	c.apic.Lock()
	defer c.apic.Unlock()

	if v, ok := highest(&c.isr); ok {
		c.isr[v/64] &^= 1 << (v % 64)
	}

	c.eois.Add(1)
}

// SendIPI raises vector on core.
func (c *Core) SendIPI(core int, vector uint8) {
	if core < 0 || core >= len(c.m.cores) {
		c.m.violate("core %d: IPI to missing core %d", c.id, core)

		return
	}

	c.m.cores[core].Raise(vector)
}

func (c *Core) SelfIPI(vector uint8) {
	c.Raise(vector)
}

func (c *Core) SendNMI(core int) {
	if core < 0 || core >= len(c.m.cores) {
		return
	}

	t := c.m.cores[core]
	t.apic.Lock()
	t.nmi = true
	t.apic.Unlock()
}

// Raise marks vector pending in the interrupt request register.
func (c *Core) Raise(vector uint8) {
	c.apic.Lock()
	c.irr[vector/64] |= 1 << (vector % 64)
	c.apic.Unlock()
}

// Pending reports whether vector is requested and not yet accepted.
func (c *Core) Pending(vector uint8) bool {
	c.apic.Lock()
	defer c.apic.Unlock()

	return c.irr[vector/64]&(1<<(vector%64)) != 0
}

func (c *Core) EOIs() uint64 { return c.eois.Load() }

// INVEPTs returns how many INVEPT of type t the core executed.
func (c *Core) INVEPTs(t vmx.InvalidationType) uint64 { return c.invept[t&3].Load() }

func (c *Core) INVVPIDs(t vmx.InvalidationType) uint64 { return c.invvpid[t&3].Load() }

// Entries returns the number of successful VM entries.
func (c *Core) Entries() uint64 { return c.entries.Load() }

func (c *Core) Exits() uint64 { return c.exits.Load() }

// Retired returns the number of guest instructions the core completed.
func (c *Core) Retired() uint64 { return c.retired.Load() }

// Posted returns how many times the core processed posted interrupts.
func (c *Core) Posted() uint64 { return c.posted.Load() }

func highest(bits *[4]uint64) (uint8, bool) {
	for w := 3; w >= 0; w-- {
		if bits[w] == 0 {
			continue
		}

		for b := 63; b >= 0; b-- {
			if bits[w]&(1<<b) != 0 {
				return uint8(w*64 + b), true
			}
		}
	}

	return 0, false
}
