// Package memory provides host pages and process address spaces.
package memory

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

//nolint:gochecknoglobals
var log = logrus.WithField("pkg", "memory")

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1

	// Poison is an instruction sequence that should force an exit.
	// It fills fresh guest memory to make catching guest errors easier.
	// Disassembly:
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"
)

var ErrNoMemory = errors.New("out of memory")

// Page is one page-aligned, 4 KiB host page. Its address is the host
// physical address used in VMCS and EPT entries.
type Page struct {
	addr uint64
	buf  []byte
}

// NewPage wraps buf, which must be page-sized and page-aligned.
func NewPage(buf []byte) (*Page, error) {
	if len(buf) != PageSize {
		return nil, fmt.Errorf("page of %d bytes: %w", len(buf), ErrMisaligned)
	}

	addr := uint64(uintptr(unsafe.Pointer(&buf[0])))
	if addr&PageMask != 0 {
		return nil, fmt.Errorf("page at %#x: %w", addr, ErrMisaligned)
	}

	return &Page{addr: addr, buf: buf}, nil
}

var ErrMisaligned = errors.New("misaligned page")

func (p *Page) Addr() uint64 { return p.addr }

func (p *Page) Bytes() []byte { return p.buf }

// Entries views the page as 512 64-bit entries.
func (p *Page) Entries() *[512]uint64 {
	return (*[512]uint64)(unsafe.Pointer(&p.buf[0]))
}

// Word returns a pointer to the 64-bit word at byte offset off.
func (p *Page) Word(off uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(&p.buf[off&^7]))
}

// Word32 returns a pointer to the 32-bit word at byte offset off.
func (p *Page) Word32(off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(&p.buf[off&^3]))
}

func (p *Page) Zero() {
	clear(p.buf)
}

// Poison fills the page with the Poison pattern.
func (p *Page) Poison() {
	for i := 0; i < len(p.buf); i += len(Poison) {
		copy(p.buf[i:], Poison)
	}
}

// Allocator hands out zeroed pages.
type Allocator interface {
	Alloc() (*Page, error)
	Free(p *Page)
}

// Resolver maps a host physical address back to its page.
type Resolver interface {
	Lookup(addr uint64) (*Page, bool)
}

// MmapAllocator allocates each page with its own anonymous mapping.
type MmapAllocator struct {
	mu    sync.Mutex
	pages map[uint64]*Page
}

func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{pages: map[uint64]*Page{}}
}

func (a *MmapAllocator) Alloc() (*Page, error) {
	buf, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap: %v: %w", err, ErrNoMemory)
	}

	p, err := NewPage(buf)
	if err != nil {
		_ = unix.Munmap(buf)

		return nil, err
	}

	a.mu.Lock()
	a.pages[p.addr] = p
	a.mu.Unlock()

	return p, nil
}

func (a *MmapAllocator) Free(p *Page) {
	a.mu.Lock()
	_, ok := a.pages[p.addr]
	delete(a.pages, p.addr)
	a.mu.Unlock()

	if !ok {
		log.WithField("addr", fmt.Sprintf("%#x", p.addr)).Error("free of unknown page")

		return
	}

	if err := unix.Munmap(p.buf); err != nil {
		log.WithError(err).Error("munmap")
	}
}

func (a *MmapAllocator) Lookup(addr uint64) (*Page, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pages[addr&^PageMask]

	return p, ok
}

// Tracker wraps an Allocator, counting live pages and enforcing an
// optional limit.
type Tracker struct {
	mu          sync.Mutex
	next        Allocator
	limit       int
	live        map[uint64]*Page
	allocs      int
	frees       int
	doubleFrees int
}

// NewTracker returns a tracker over next. A limit of zero means no limit.
func NewTracker(next Allocator, limit int) *Tracker {
	return &Tracker{next: next, limit: limit, live: map[uint64]*Page{}}
}

func (t *Tracker) Alloc() (*Page, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limit > 0 && len(t.live) >= t.limit {
		return nil, fmt.Errorf("limit of %d pages reached: %w", t.limit, ErrNoMemory)
	}

	p, err := t.next.Alloc()
	if err != nil {
		return nil, err
	}

	t.live[p.addr] = p
	t.allocs++

	return p, nil
}

func (t *Tracker) Free(p *Page) {
	t.mu.Lock()

	if _, ok := t.live[p.addr]; !ok {
		t.doubleFrees++
		t.mu.Unlock()
		log.WithField("addr", fmt.Sprintf("%#x", p.addr)).Error("double free")

		return
	}

	delete(t.live, p.addr)
	t.frees++
	t.mu.Unlock()

	t.next.Free(p)
}

func (t *Tracker) Lookup(addr uint64) (*Page, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.live[addr&^PageMask]

	return p, ok
}

// SetLimit changes the live page limit.
func (t *Tracker) SetLimit(n int) {
	t.mu.Lock()
	t.limit = n
	t.mu.Unlock()
}

// Live returns the number of pages allocated and not yet freed.
func (t *Tracker) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.live)
}

func (t *Tracker) Allocs() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.allocs
}

func (t *Tracker) Frees() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.frees
}

func (t *Tracker) DoubleFrees() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.doubleFrees
}
