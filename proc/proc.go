// Package proc is the slice of a process the hypervisor core needs: its
// memory, the EPT that mirrors it, and the channel through which exits it
// cannot handle are reflected to the process's own VMM.
package proc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/govmx/ept"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/vmx"
	"github.com/sirupsen/logrus"
)

//nolint:gochecknoglobals
var log = logrus.WithField("pkg", "proc")

var (
	ErrCannotReflect = errors.New("cannot reflect to user vmm")
	ErrDestroyed     = errors.New("process destroyed")
)

const maxInstLen = 15

// Reflection is an exit handed to the process's VMM.
type Reflection struct {
	GPC    int
	Reason vmx.ExitReason
	Qual   uint64
	RIP    uint64
	Err    error
}

func (r Reflection) String() string {
	return fmt.Sprintf("gpc %d: %s qual %#x at rip %#x: %v", r.GPC, r.Reason, r.Qual, r.RIP, r.Err)
}

// Process owns an address space and the EPT shared by all its GPCs.
type Process struct {
	PID int
	Mem *memory.AddressSpace
	EPT *ept.Table

	mu          sync.Mutex
	destroyed   bool
	reflections chan Reflection
}

// New creates an empty process. Up to depth reflections may be queued
// before the process counts as unable to take more.
func New(pid int, alloc memory.Allocator, depth int) (*Process, error) {
	mem := memory.NewAddressSpace(fmt.Sprintf("proc%d", pid), alloc)

	tbl, err := ept.New(alloc, mem)
	if err != nil {
		return nil, fmt.Errorf("pid %d: %w", pid, err)
	}

	mem.SetMirror(tbl)

	return &Process{
		PID:         pid,
		Mem:         mem,
		EPT:         tbl,
		reflections: make(chan Reflection, depth),
	}, nil
}

// Fault resolves a guest-physical access. Guest-physical addresses are
// the process's virtual addresses.
func (p *Process) Fault(gpa uint64, prot memory.Prot) error {
	if p.Destroyed() {
		return ErrDestroyed
	}

	return p.Mem.Fault(gpa, prot)
}

func (p *Process) Pin(va uint64) (*memory.Page, error) { return p.Mem.Pin(va) }

func (p *Process) Unpin(hpa uint64) error { return p.Mem.Unpin(hpa) }

// FetchInstruction reads up to the longest instruction at rip.
func (p *Process) FetchInstruction(rip uint64) ([]byte, error) {
	v, ok := p.Mem.Find(rip)
	if !ok {
		return nil, fmt.Errorf("fetch at %#x: %w", rip, memory.ErrSegv)
	}

	n := min(uint64(maxInstLen), v.End()-rip)
	b := make([]byte, n)

	if _, err := p.Mem.ReadAt(b, int64(rip)); err != nil {
		return nil, err
	}

	return b, nil
}

// Reflect queues r for the process's VMM without blocking.
func (p *Process) Reflect(r Reflection) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return fmt.Errorf("%s: %w", r, ErrCannotReflect)
	}

	select {
	case p.reflections <- r:
		return nil
	default:
		return fmt.Errorf("%s: queue full: %w", r, ErrCannotReflect)
	}
}

// Reflections delivers reflected exits. It is closed on Destroy.
func (p *Process) Reflections() <-chan Reflection { return p.reflections }

func (p *Process) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.destroyed
}

// Destroy marks the process dead. Its memory and EPT are released by
// Release once no GPC uses them.
func (p *Process) Destroy(reason error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return
	}

	p.destroyed = true
	close(p.reflections)

	log.WithError(reason).WithField("pid", p.PID).Error("process destroyed")
}

// Release frees the EPT and the address space.
func (p *Process) Release() error {
	p.EPT.FreeAll()

	return p.Mem.Close()
}
