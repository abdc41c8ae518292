// Package irq carries interrupts from their source, native or a guest
// exit, to registered handlers.
package irq

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

//nolint:gochecknoglobals
var log = logrus.WithField("pkg", "irq")

// Host vectors.
const (
	VectorNMI        uint8 = 2
	VectorTimer      uint8 = 0xef
	VectorPokeCore   uint8 = 0xeb
	VectorPostedIntr uint8 = 0xec
	VectorNMIWork    uint8 = 0xed
	VectorKernelMsg  uint8 = 0xee
	NumVectors             = 256
)

// Source tells where an interrupt was taken.
type Source uint8

const (
	SourceNative Source = iota
	SourceGuest
)

func (s Source) String() string {
	if s == SourceGuest {
		return "guest"
	}

	return "native"
}

// Frame is the interrupt context shared by every source.
type Frame struct {
	Vector    uint8
	ErrorCode uint64
	RIP       uint64
	RFLAGS    uint64
	RSP       uint64
	Source    Source
	Core      int
}

func (f *Frame) String() string {
	return fmt.Sprintf("vector %#x from %s on core %d at rip %#x", f.Vector, f.Source, f.Core, f.RIP)
}

// LAPIC is the local interrupt controller of one core.
type LAPIC interface {
	EOI()
	SendIPI(core int, vector uint8)
	SelfIPI(vector uint8)
	SendNMI(core int)
}

// Handler runs with interrupts disabled and must not block.
type Handler func(f *Frame)

type table [NumVectors]Handler

// Dispatcher routes frames to the handler registered for their vector.
// Lookups are lock free; registration copies the table.
type Dispatcher struct {
	mu        sync.Mutex
	handlers  atomic.Pointer[table]
	counts    [NumVectors]atomic.Uint64
	unhandled atomic.Uint64
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{}
	d.handlers.Store(&table{})

	return d
}

// Register installs h for vector, replacing any previous handler.
func (d *Dispatcher) Register(vector uint8, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := *d.handlers.Load()
	t[vector] = h
	d.handlers.Store(&t)
}

// Dispatch runs the handler for f and signals end of interrupt. It
// reports whether a handler was registered.
func (d *Dispatcher) Dispatch(apic LAPIC, f *Frame) bool {
	d.counts[f.Vector].Add(1)

	h := d.handlers.Load()[f.Vector]
	if h != nil {
		h(f)
	} else {
		d.unhandled.Add(1)
		log.WithField("frame", f.String()).Debug("no handler")
	}

	apic.EOI()

	return h != nil
}

// Count returns how many frames carried vector.
func (d *Dispatcher) Count(vector uint8) uint64 {
	return d.counts[vector].Load()
}

// Unhandled returns how many frames had no handler.
func (d *Dispatcher) Unhandled() uint64 {
	return d.unhandled.Load()
}
