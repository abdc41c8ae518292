package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
)

var (
	ErrAddrSpaceOccupied = errors.New("address space occupied")
	ErrSegv              = errors.New("no mapping at address")
	ErrAccess            = errors.New("access not permitted by mapping")
	// ErrNotPopulated is transient: the page is being brought in and the
	// access should be retried.
	ErrNotPopulated = errors.New("page not yet populated")
	ErrNotPinned    = errors.New("page not pinned")
	ErrClosed       = errors.New("address space closed")
)

// Prot is a set of access rights.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec

	ProtRWX = ProtRead | ProtWrite | ProtExec
)

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}

	if p&ProtWrite != 0 {
		b[1] = 'w'
	}

	if p&ProtExec != 0 {
		b[2] = 'x'
	}

	return string(b)
}

// VMA is one contiguous mapping of an address space.
type VMA struct {
	Name  string
	Start uint64
	Size  uint64
	Prot  Prot
	// Async pages are populated in the background: the first fault on
	// each page reports ErrNotPopulated.
	Async bool
	// Poison fills fresh pages with the Poison pattern instead of zeroes,
	// so that running off the end of loaded code exits.
	Poison bool
}

func (v *VMA) End() uint64 { return v.Start + v.Size }

func (v *VMA) contains(va uint64) bool {
	return va >= v.Start && va < v.End()
}

// Mirror is a second translation of the address space, kept in sync by
// Fault and Unmap.
type Mirror interface {
	SetMapping(va, hpa uint64, writable bool) error
	Invalidate(va uint64) bool
}

type mapping struct {
	page     *Page
	va       uint64
	refs     int
	pins     int
	mirrored bool
}

// AddressSpace is the memory of one process: a set of VMAs indexed by
// start address and the pages populated inside them.
type AddressSpace struct {
	Name string

	mu       sync.Mutex
	alloc    Allocator
	vmas     *btree.BTreeG[*VMA]
	pages    map[uint64]*mapping
	byHost   map[uint64]*mapping
	inflight map[uint64]bool
	mirror   Mirror
	closed   bool
}

func NewAddressSpace(name string, alloc Allocator) *AddressSpace {
	return &AddressSpace{
		Name:     name,
		alloc:    alloc,
		vmas:     btree.NewG[*VMA](8, func(a, b *VMA) bool { return a.Start < b.Start }),
		pages:    map[uint64]*mapping{},
		byHost:   map[uint64]*mapping{},
		inflight: map[uint64]bool{},
	}
}

// SetMirror installs m. Pages populated before this call are not
// reported to m.
func (a *AddressSpace) SetMirror(m Mirror) {
	a.mu.Lock()
	a.mirror = m
	a.mu.Unlock()
}

// Map adds a VMA. Start and Size must be page aligned.
func (a *AddressSpace) Map(v VMA) error {
	if v.Start&PageMask != 0 || v.Size&PageMask != 0 || v.Size == 0 {
		return fmt.Errorf("vma %s [%#x, +%#x): %w", v.Name, v.Start, v.Size, ErrMisaligned)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	if !a.isFree(v.Start, v.Size) {
		return fmt.Errorf("vma %s [%#x, +%#x): %w", v.Name, v.Start, v.Size, ErrAddrSpaceOccupied)
	}

	a.vmas.ReplaceOrInsert(&v)

	return nil
}

func (a *AddressSpace) isFree(start, size uint64) bool {
	free := true

	if prev, ok := a.find(start); ok && prev.End() > start {
		return false
	}

	a.vmas.AscendGreaterOrEqual(&VMA{Start: start}, func(v *VMA) bool {
		if v.Start < start+size {
			free = false
		}

		return false
	})

	return free
}

func (a *AddressSpace) find(va uint64) (*VMA, bool) {
	var found *VMA

	a.vmas.DescendLessOrEqual(&VMA{Start: va}, func(v *VMA) bool {
		found = v

		return false
	})

	if found == nil || !found.contains(va) {
		return nil, false
	}

	return found, true
}

// Find returns the VMA containing va.
func (a *AddressSpace) Find(va uint64) (VMA, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	v, ok := a.find(va)
	if !ok {
		return VMA{}, false
	}

	return *v, true
}

// Unmap removes the VMA starting at start. Populated pages are dropped
// from the mirror and freed once nothing else holds them.
func (a *AddressSpace) Unmap(start uint64) error {
	a.mu.Lock()

	v, ok := a.vmas.Get(&VMA{Start: start})
	if !ok {
		a.mu.Unlock()

		return fmt.Errorf("unmap %#x: %w", start, ErrSegv)
	}

	a.vmas.Delete(v)

	var gone []*mapping

	for va := v.Start; va < v.End(); va += PageSize {
		if m, ok := a.pages[va]; ok {
			delete(a.pages, va)
			gone = append(gone, m)
		}

		delete(a.inflight, va)
	}

	mirror := a.mirror
	a.mu.Unlock()

	for _, m := range gone {
		if m.mirrored && mirror != nil {
			mirror.Invalidate(m.va)
		}

		a.put(m)
	}

	return nil
}

// put drops one reference to m, freeing the page on the last one.
func (a *AddressSpace) put(m *mapping) {
	a.mu.Lock()
	m.refs--
	last := m.refs == 0

	if last {
		delete(a.byHost, m.page.addr)
	}
	a.mu.Unlock()

	if last {
		a.alloc.Free(m.page)
	}
}

// populate returns the mapping for the page containing va inside v,
// allocating it on first use. Called with a.mu held.
func (a *AddressSpace) populate(v *VMA, va uint64) (*mapping, error) {
	va &^= PageMask
	if m, ok := a.pages[va]; ok {
		return m, nil
	}

	p, err := a.alloc.Alloc()
	if err != nil {
		return nil, err
	}

	if v.Poison {
		p.Poison()
	} else {
		p.Zero()
	}

	m := &mapping{page: p, va: va, refs: 1}
	a.pages[va] = m
	a.byHost[p.addr] = m

	return m, nil
}

// Fault resolves an access of kind prot at va. On success the page is
// populated and reported to the mirror.
func (a *AddressSpace) Fault(va uint64, prot Prot) error {
	a.mu.Lock()

	if a.closed {
		a.mu.Unlock()

		return ErrClosed
	}

	v, ok := a.find(va)
	if !ok {
		a.mu.Unlock()

		return fmt.Errorf("fault at %#x: %w", va, ErrSegv)
	}

	if prot&^v.Prot != 0 {
		a.mu.Unlock()

		return fmt.Errorf("fault at %#x: %s on %s %s: %w", va, prot, v.Prot, v.Name, ErrAccess)
	}

	page := va &^ PageMask

	_, populated := a.pages[page]
	if v.Async && !populated && !a.inflight[page] {
		a.inflight[page] = true
		a.mu.Unlock()

		return ErrNotPopulated
	}

	delete(a.inflight, page)

	m, err := a.populate(v, page)
	if err != nil {
		a.mu.Unlock()

		return err
	}

	mirror := a.mirror
	if mirror == nil {
		a.mu.Unlock()

		return nil
	}

	// Another GPC resolved the same fault first.
	if m.mirrored {
		a.mu.Unlock()

		return nil
	}

	m.refs++
	m.mirrored = true
	a.mu.Unlock()

	if err := mirror.SetMapping(page, m.page.addr, v.Prot&ProtWrite != 0); err != nil {
		a.mu.Lock()
		m.mirrored = false
		a.mu.Unlock()
		a.put(m)

		return fmt.Errorf("mirror %#x: %w", page, err)
	}

	return nil
}

// Release drops the mirror's reference on the page at host address hpa.
func (a *AddressSpace) Release(hpa uint64) {
	a.mu.Lock()
	m, ok := a.byHost[hpa&^PageMask]

	if ok {
		m.mirrored = false
	}
	a.mu.Unlock()

	if !ok {
		log.WithField("hpa", fmt.Sprintf("%#x", hpa)).Error("release of unknown page")

		return
	}

	a.put(m)
}

// Pin populates the page containing va and keeps it resident until Unpin.
func (a *AddressSpace) Pin(va uint64) (*Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}

	v, ok := a.find(va)
	if !ok {
		return nil, fmt.Errorf("pin %#x: %w", va, ErrSegv)
	}

	m, err := a.populate(v, va)
	if err != nil {
		return nil, err
	}

	m.refs++
	m.pins++

	return m.page, nil
}

// Unpin drops a pin taken by Pin on the page at host address hpa.
func (a *AddressSpace) Unpin(hpa uint64) error {
	a.mu.Lock()
	m, ok := a.byHost[hpa&^PageMask]

	if !ok || m.pins == 0 {
		a.mu.Unlock()

		return fmt.Errorf("unpin %#x: %w", hpa, ErrNotPinned)
	}

	m.pins--
	a.mu.Unlock()

	a.put(m)

	return nil
}

// Translate returns the host address backing va, populating it if needed.
func (a *AddressSpace) Translate(va uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	v, ok := a.find(va)
	if !ok {
		return 0, fmt.Errorf("translate %#x: %w", va, ErrSegv)
	}

	m, err := a.populate(v, va)
	if err != nil {
		return 0, err
	}

	return m.page.addr | va&PageMask, nil
}

// ReadAt copies memory at va into b, populating pages as needed.
func (a *AddressSpace) ReadAt(b []byte, va int64) (int, error) {
	return a.copy(b, uint64(va), false)
}

// WriteAt copies b into memory at va, populating pages as needed.
func (a *AddressSpace) WriteAt(b []byte, va int64) (int, error) {
	return a.copy(b, uint64(va), true)
}

func (a *AddressSpace) copy(b []byte, va uint64, write bool) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for n < len(b) {
		cur := va + uint64(n)
		v, ok := a.find(cur)
		if !ok {
			return n, fmt.Errorf("access %#x: %w", cur, ErrSegv)
		}

		m, err := a.populate(v, cur)
		if err != nil {
			return n, err
		}

		off := cur & PageMask
		if write {
			n += copy(m.page.buf[off:], b[n:])
		} else {
			n += copy(b[n:], m.page.buf[off:])
		}
	}

	return n, nil
}

// Resident returns the number of populated pages.
func (a *AddressSpace) Resident() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.pages)
}

// Close unmaps everything. Pages still held by the mirror or pinned are
// freed when those references are dropped.
func (a *AddressSpace) Close() error {
	a.mu.Lock()

	var starts []uint64

	a.vmas.Ascend(func(v *VMA) bool {
		starts = append(starts, v.Start)

		return true
	})
	a.mu.Unlock()

	var errs []error

	for _, s := range starts {
		if err := a.Unmap(s); err != nil {
			errs = append(errs, err)
		}
	}

	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	return errors.Join(errs...)
}
