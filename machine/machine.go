// Package machine brings the logical processors into VMX operation and
// carries the per-core state the GPC protocol depends on: the interrupt
// flag, immediate messages, and the lazily cleared VMCS slot.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/govmx/irq"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/vmx"
	"github.com/bobuhiro11/govmx/vmxcap"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

//nolint:gochecknoglobals
var log = logrus.WithField("pkg", "machine")

var (
	ErrVirtualizationDisabled = errors.New("virtualization disabled")
	ErrNoVMX                  = errors.New("cpu does not support vmx")
	ErrFeatureControlLocked   = errors.New("feature control locked with vmx disabled")
	ErrInterruptsEnabled      = errors.New("interrupts enabled")
	ErrCoreOffline            = errors.New("core offline")
	ErrNoCores                = errors.New("no cores")
)

// Core is one logical processor together with its local APIC.
type Core interface {
	vmx.CPU
	irq.LAPIC
}

// Machine is the set of cores sharing one negotiated VMCS configuration.
type Machine struct {
	cfg     *vmxcap.Config
	bitmaps *vmxcap.Bitmaps
	alloc   memory.Allocator
	irq     *irq.Dispatcher
	cpus    []*CPU
	vpids   *VPIDs

	mu     sync.Mutex
	cancel context.CancelFunc
	eg     *errgroup.Group
}

// New negotiates the VMCS configuration through the first core and
// builds the interception bitmaps. A failed negotiation disables
// virtualization on every core.
func New(cores []Core, alloc memory.Allocator) (*Machine, error) {
	if len(cores) == 0 {
		return nil, ErrNoCores
	}

	cfg, err := vmxcap.Negotiate(cores[0])
	if err != nil {
		log.WithError(err).Error("virtualization disabled")

		return nil, fmt.Errorf("%w: %w", ErrVirtualizationDisabled, err)
	}

	bitmaps, err := vmxcap.NewBitmaps(alloc)
	if err != nil {
		return nil, fmt.Errorf("interception bitmaps: %w", err)
	}

	m := &Machine{
		cfg:     cfg,
		bitmaps: bitmaps,
		alloc:   alloc,
		irq:     irq.NewDispatcher(),
		vpids:   NewVPIDs(),
	}

	for i, c := range cores {
		m.cpus = append(m.cpus, newCPU(m, i, c))
	}

	m.irq.Register(irq.VectorKernelMsg, func(f *irq.Frame) {
		m.cpus[f.Core].HandleMessages()
	})
	m.irq.Register(irq.VectorTimer, func(*irq.Frame) {})

	return m, nil
}

func (m *Machine) Config() *vmxcap.Config { return m.cfg }

func (m *Machine) Bitmaps() *vmxcap.Bitmaps { return m.bitmaps }

func (m *Machine) Alloc() memory.Allocator { return m.alloc }

// IRQ returns the host interrupt dispatcher.
func (m *Machine) IRQ() *irq.Dispatcher { return m.irq }

func (m *Machine) VPIDs() *VPIDs { return m.vpids }

func (m *Machine) CPUs() []*CPU { return m.cpus }

func (m *Machine) CPU(i int) *CPU { return m.cpus[i] }

// Start runs the immediate message server of every core until ctx is
// done or Close is called.
func (m *Machine) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.eg != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.eg, ctx = errgroup.WithContext(ctx)

	for _, c := range m.cpus {
		c := c

		m.eg.Go(func() error {
			return c.serve(ctx)
		})
	}
}

// EnableAll brings every core into VMX operation concurrently. Cores that
// fail stay offline; the joined errors are returned.
func (m *Machine) EnableAll(ctx context.Context) error {
	var (
		eg   errgroup.Group
		mu   sync.Mutex
		errs []error
	)

	for _, c := range m.cpus {
		c := c

		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			c.DisableIRQ()
			err := c.Enable()
			c.EnableIRQ()

			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("core %d: %w", c.ID(), err))
				mu.Unlock()
			}

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}

	return errors.Join(errs...)
}

// Online returns the number of cores in VMX operation.
func (m *Machine) Online() int {
	n := 0

	for _, c := range m.cpus {
		if c.Online() {
			n++
		}
	}

	return n
}

// Close stops the message servers, takes every core out of VMX operation
// and frees the bitmaps.
func (m *Machine) Close() error {
	m.mu.Lock()
	cancel, eg := m.cancel, m.eg
	m.cancel, m.eg = nil, nil
	m.mu.Unlock()

	var errs []error

	if cancel != nil {
		cancel()

		if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}

	for _, c := range m.cpus {
		c.DisableIRQ()
		err := c.Disable()
		c.EnableIRQ()

		if err != nil {
			errs = append(errs, fmt.Errorf("core %d: %w", c.ID(), err))
		}
	}

	m.bitmaps.Free()

	return errors.Join(errs...)
}
