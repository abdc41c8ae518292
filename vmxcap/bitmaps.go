package vmxcap

import (
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/vmx"
	"gvisor.dev/gvisor/pkg/cleanup"
)

// PassthroughMSRs are read and written by the guest without an exit.
//
//nolint:gochecknoglobals
var PassthroughMSRs = []uint32{vmx.MSRFSBase, vmx.MSRGSBase, vmx.MSRKernelGSBase}

const (
	msrLowEnd    = 0x00002000
	msrHighStart = 0xc0000000
	msrHighEnd   = 0xc0002000

	readLow     = 0x000
	readHigh    = 0x400
	writeOffset = 0x800
)

// Bitmaps are the MSR and I/O interception bitmaps shared by every VMCS.
type Bitmaps struct {
	MSR   *memory.Page
	IOA   *memory.Page
	IOB   *memory.Page
	alloc memory.Allocator
}

// NewBitmaps intercepts every port and every MSR except PassthroughMSRs.
func NewBitmaps(alloc memory.Allocator) (*Bitmaps, error) {
	b := &Bitmaps{alloc: alloc}

	cu := cleanup.Make(b.Free)
	defer cu.Clean()

	for _, p := range []**memory.Page{&b.MSR, &b.IOA, &b.IOB} {
		page, err := alloc.Alloc()
		if err != nil {
			return nil, err
		}

		for i := range page.Bytes() {
			page.Bytes()[i] = 0xff
		}

		*p = page
	}

	for _, msr := range PassthroughMSRs {
		b.set(msr, false, false)
		b.set(msr, true, false)
	}

	cu.Release()

	return b, nil
}

func bitOffset(msr uint32, write bool) (int, bool) {
	var base int

	switch {
	case msr < msrLowEnd:
		base = readLow
	case msr >= msrHighStart && msr < msrHighEnd:
		base = readHigh
		msr -= msrHighStart
	default:
		return 0, false
	}

	if write {
		base += writeOffset
	}

	return base*8 + int(msr), true
}

func (b *Bitmaps) set(msr uint32, write, intercept bool) {
	bit, ok := bitOffset(msr, write)
	if !ok {
		return
	}

	buf := b.MSR.Bytes()
	if intercept {
		buf[bit/8] |= 1 << (bit % 8)
	} else {
		buf[bit/8] &^= 1 << (bit % 8)
	}
}

// Intercepted reports whether a guest access to msr exits. MSRs outside
// the two bitmap ranges always exit.
func (b *Bitmaps) Intercepted(msr uint32, write bool) bool {
	bit, ok := bitOffset(msr, write)
	if !ok {
		return true
	}

	return b.MSR.Bytes()[bit/8]&(1<<(bit%8)) != 0
}

// PortIntercepted reports whether a guest access to port exits.
func (b *Bitmaps) PortIntercepted(port uint16) bool {
	page := b.IOA
	if port >= 0x8000 {
		page = b.IOB
		port -= 0x8000
	}

	return page.Bytes()[port/8]&(1<<(port%8)) != 0
}

// Free returns the bitmap pages.
func (b *Bitmaps) Free() {
	for _, p := range []**memory.Page{&b.MSR, &b.IOA, &b.IOB} {
		if *p != nil {
			b.alloc.Free(*p)
			*p = nil
		}
	}
}
