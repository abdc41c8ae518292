package vmexit

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/govmx/irq"
	"github.com/bobuhiro11/govmx/vmx"
)

const nmiRingSize = 16

// NMISample is the guest and counter state seen by one NMI.
type NMISample struct {
	GPC    int
	Core   int
	RIP    uint64
	RSP    uint64
	RFLAGS uint64
	CR3    uint64

	// PerfGlobalStatus and PerfGlobalCtrl are the core's counter state at
	// the exit.
	PerfGlobalStatus uint64
	PerfGlobalCtrl   uint64
}

// nmiRing passes samples from NMI exits to the deferred work handler.
// Producers never wait; a producer that laps the consumer overwrites the
// oldest sample.
type nmiRing struct {
	slots [nmiRingSize]atomic.Pointer[NMISample]
	head  atomic.Uint64
	last  atomic.Uint64

	mu      sync.Mutex
	tail    uint64
	drained []NMISample
	dropped uint64
}

func (r *nmiRing) put(s *NMISample) {
	i := r.head.Add(1) - 1
	r.slots[i%nmiRingSize].Store(s)
	r.last.Store(s.RIP)
}

// drain moves every published sample to the drained list.
func (r *nmiRing) drain() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	head := r.head.Load()
	if head-r.tail > nmiRingSize {
		r.dropped += head - r.tail - nmiRingSize
		r.tail = head - nmiRingSize
	}

	n := 0

	for ; r.tail < head; r.tail++ {
		s := r.slots[r.tail%nmiRingSize].Swap(nil)
		if s == nil {
			// Reserved by a producer that has not stored yet.
			break
		}

		r.drained = append(r.drained, *s)
		n++
	}

	if over := len(r.drained) - nmiRingSize; over > 0 {
		r.drained = append(r.drained[:0], r.drained[over:]...)
	}

	return n
}

// nmi snapshots the state an NMI interrupted and defers the rest of the
// work to a self-IPI. Hardware exceptions are not handled here.
func (d *Dispatcher) nmi(e *Exit) error {
	tf := e.Frame

	info := tf.IntrInfo
	if info&vmx.IntrInfoValid == 0 || info&vmx.IntrInfoTypeMask != vmx.IntrTypeNMI {
		return fmt.Errorf("interruption info %#x: %w", info, ErrNotNMI)
	}

	core := e.CPU.Core()
	s := &NMISample{GPC: tf.GPC, Core: tf.Core, RIP: tf.RIP, RSP: tf.RSP, RFLAGS: tf.RFLAGS, CR3: tf.CR3}
	s.PerfGlobalStatus, _ = core.ReadMSR(vmx.MSRPerfGlobalStatus)
	s.PerfGlobalCtrl, _ = core.ReadMSR(vmx.MSRPerfGlobalCtrl)

	d.nmis.Add(1)
	d.nmiRing.put(s)
	core.SelfIPI(irq.VectorNMIWork)

	return nil
}

func (d *Dispatcher) drainNMIs(*irq.Frame) {
	d.nmiRing.drain()
	d.nmiWork.Add(1)
}

// LastNMI returns the guest RIP of the latest NMI.
func (d *Dispatcher) LastNMI() uint64 { return d.nmiRing.last.Load() }

// NMISamples returns the most recent samples the deferred work has
// collected, oldest first, and how many were overwritten before it ran.
func (d *Dispatcher) NMISamples() ([]NMISample, uint64) {
	r := &d.nmiRing

	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]NMISample(nil), r.drained...), r.dropped
}
