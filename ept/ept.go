// Package ept maintains the extended page table that maps guest-physical
// addresses onto host pages.
package ept

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/govmx/memory"
	"github.com/sirupsen/logrus"
)

//nolint:gochecknoglobals
var log = logrus.WithField("pkg", "ept")

var (
	ErrNotFound      = errors.New("ept entry not present")
	ErrNoMemory      = errors.New("no memory for ept table")
	ErrAlreadyMapped = errors.New("gpa already mapped")
	ErrHugeConflict  = errors.New("gpa covered by a huge mapping")
	ErrMisaligned    = errors.New("misaligned huge mapping")
	ErrFreed         = errors.New("ept freed")
)

// Entry is one 64-bit EPT paging-structure entry.
type Entry uint64

const (
	Read      Entry = 1 << 0
	Write     Entry = 1 << 1
	Exec      Entry = 1 << 2
	MemTypeWB Entry = 6 << 3
	IgnorePAT Entry = 1 << 6
	Huge      Entry = 1 << 7

	AddrMask Entry = 0x000f_ffff_ffff_f000

	RWX = Read | Write | Exec
)

const (
	Levels          = 4
	EntriesPerTable = 512
	HugePageSize    = 1 << (memory.PageShift + 9)

	eptpMemTypeWB  = 6
	eptpWalkLength = (Levels - 1) << 3
	hugeLevel      = 1
	indexMask      = EntriesPerTable - 1
)

func (e Entry) Present() bool    { return e&RWX != 0 }
func (e Entry) Readable() bool   { return e&Read != 0 }
func (e Entry) Writable() bool   { return e&Write != 0 }
func (e Entry) Executable() bool { return e&Exec != 0 }
func (e Entry) IsHuge() bool     { return e&Huge != 0 }
func (e Entry) Address() uint64  { return uint64(e & AddrMask) }

func (e Entry) String() string {
	if !e.Present() {
		return "none"
	}

	perm := []byte("---")
	if e.Readable() {
		perm[0] = 'r'
	}

	if e.Writable() {
		perm[1] = 'w'
	}

	if e.Executable() {
		perm[2] = 'x'
	}

	s := fmt.Sprintf("%#x %s", e.Address(), perm)
	if e.IsHuge() {
		s += " huge"
	}

	return s
}

// Index returns the slot that gpa selects in a table at level.
func Index(gpa uint64, level int) int {
	return int(gpa>>(memory.PageShift+9*uint(level))) & indexMask
}

// Releaser takes back the host page behind a leaf that is torn down.
type Releaser interface {
	Release(hpa uint64)
}

type table struct {
	page     *memory.Page
	children [EntriesPerTable]*table
}

func (t *table) load(i int) Entry {
	return Entry(atomic.LoadUint64(&t.page.Entries()[i]))
}

func (t *table) store(i int, e Entry) {
	atomic.StoreUint64(&t.page.Entries()[i], uint64(e))
}

// Table is a 4-level EPT tree. Every intermediate table has exactly one
// parent. The root is shared by all guest cores of a process.
type Table struct {
	mu         sync.Mutex
	alloc      memory.Allocator
	releaser   Releaser
	root       *table
	pages      int
	generation atomic.Uint64
}

// New allocates the root table.
func New(alloc memory.Allocator, releaser Releaser) (*Table, error) {
	t := &Table{alloc: alloc, releaser: releaser}

	root, err := t.newTable()
	if err != nil {
		return nil, err
	}

	t.root = root

	return t, nil
}

func (t *Table) newTable() (*table, error) {
	p, err := t.alloc.Alloc()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoMemory, err)
	}

	p.Zero()
	t.pages++

	return &table{page: p}, nil
}

// Root returns the host address of the level 3 table.
func (t *Table) Root() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == nil {
		return 0
	}

	return t.root.page.Addr()
}

// EPTP returns the EPT pointer: root address, write-back memory type and
// a 4-level walk.
func (t *Table) EPTP() uint64 {
	return t.Root() | eptpMemTypeWB | eptpWalkLength
}

// Pages returns the number of table pages currently allocated.
func (t *Table) Pages() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.pages
}

// Generation increases whenever a translation is removed, so cached
// translations must be flushed with INVEPT.
func (t *Table) Generation() uint64 {
	return t.generation.Load()
}

// walk descends from the root to the table at level that covers gpa.
// A huge leaf met on the way stops the walk: the returned table and
// level are where the huge entry lives.
func (t *Table) walk(gpa uint64, level int, create bool) (*table, int, error) {
	if t.root == nil {
		return nil, 0, ErrFreed
	}

	cur := t.root
	for l := Levels - 1; l > level; l-- {
		i := Index(gpa, l)

		e := cur.load(i)
		if e.IsHuge() {
			return cur, l, ErrHugeConflict
		}

		child := cur.children[i]
		if child == nil {
			if !create {
				return nil, l, ErrNotFound
			}

			var err error

			child, err = t.newTable()
			if err != nil {
				return nil, l, err
			}

			cur.children[i] = child
			cur.store(i, Entry(child.page.Addr())|RWX)
		}

		cur = child
	}

	return cur, level, nil
}

// Lookup returns the entry that gpa selects at level, creating missing
// intermediate tables when create is set. When a huge leaf covers gpa
// above level, that leaf is returned with ErrHugeConflict.
func (t *Table) Lookup(gpa uint64, level int, create bool) (Entry, error) {
	if level < 0 || level >= Levels {
		return 0, fmt.Errorf("level %d: %w", level, ErrNotFound)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tbl, l, err := t.walk(gpa, level, create)
	if errors.Is(err, ErrHugeConflict) {
		return tbl.load(Index(gpa, l)), err
	}

	if err != nil {
		return 0, err
	}

	return tbl.load(Index(gpa, level)), nil
}

func leaf(hpa uint64, writable bool) Entry {
	e := Entry(hpa)&AddrMask | Read | Exec | MemTypeWB | IgnorePAT
	if writable {
		e |= Write
	}

	return e
}

// SetMapping maps the 4 KiB page at gpa to hpa. An existing mapping is
// never overwritten.
func (t *Table) SetMapping(gpa, hpa uint64, writable bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tbl, _, err := t.walk(gpa, 0, true)
	if err != nil {
		if errors.Is(err, ErrHugeConflict) {
			log.WithField("gpa", fmt.Sprintf("%#x", gpa)).Error("small mapping under a huge page")
		}

		return fmt.Errorf("map %#x: %w", gpa, err)
	}

	i := Index(gpa, 0)
	if old := tbl.load(i); old.Present() {
		log.WithFields(logrus.Fields{
			"gpa": fmt.Sprintf("%#x", gpa),
			"old": old.String(),
			"new": fmt.Sprintf("%#x", hpa),
		}).Error("ept entry already mapped")

		return fmt.Errorf("map %#x: %w", gpa, ErrAlreadyMapped)
	}

	tbl.store(i, leaf(hpa, writable))

	return nil
}

// SetHugeMapping maps the 2 MiB page at gpa to hpa. A level 0 table in
// the way is torn down first, releasing every leaf it held.
func (t *Table) SetHugeMapping(gpa, hpa uint64, writable bool) error {
	if gpa%HugePageSize != 0 || hpa%HugePageSize != 0 {
		return fmt.Errorf("map %#x -> %#x: %w", gpa, hpa, ErrMisaligned)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tbl, _, err := t.walk(gpa, hugeLevel, true)
	if err != nil {
		if errors.Is(err, ErrHugeConflict) {
			return fmt.Errorf("map huge %#x: %w", gpa, ErrAlreadyMapped)
		}

		return fmt.Errorf("map huge %#x: %w", gpa, err)
	}

	i := Index(gpa, hugeLevel)

	if old := tbl.load(i); old.IsHuge() {
		log.WithFields(logrus.Fields{
			"gpa": fmt.Sprintf("%#x", gpa),
			"old": old.String(),
			"new": fmt.Sprintf("%#x", hpa),
		}).Error("ept huge entry already mapped")

		return fmt.Errorf("map huge %#x: %w", gpa, ErrAlreadyMapped)
	}

	if child := tbl.children[i]; child != nil {
		tbl.store(i, 0)
		tbl.children[i] = nil
		t.freeTable(child, 0)
		t.generation.Add(1)
	}

	tbl.store(i, leaf(hpa, writable)|Huge)

	return nil
}

// Invalidate removes the leaf covering gpa and releases its host page.
// It reports whether anything was removed.
func (t *Table) Invalidate(gpa uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tbl, l, err := t.walk(gpa, 0, false)

	switch {
	case errors.Is(err, ErrHugeConflict):
	case err != nil:
		return false
	}

	i := Index(gpa, l)

	e := tbl.load(i)
	if !e.Present() {
		return false
	}

	tbl.store(i, 0)
	t.generation.Add(1)
	t.release(e)

	return true
}

func (t *Table) release(e Entry) {
	if t.releaser != nil {
		t.releaser.Release(e.Address())
	}
}

// freeTable releases every leaf below tbl and frees its pages.
func (t *Table) freeTable(tbl *table, level int) {
	for i := range EntriesPerTable {
		e := tbl.load(i)
		if !e.Present() {
			continue
		}

		switch {
		case level == 0 || e.IsHuge():
			t.release(e)
		case tbl.children[i] != nil:
			t.freeTable(tbl.children[i], level-1)
			tbl.children[i] = nil
		}
	}

	t.alloc.Free(tbl.page)
	t.pages--
}

// FreeAll frees every table page and releases every leaf exactly once.
// The table cannot be used afterwards.
func (t *Table) FreeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == nil {
		return
	}

	t.freeTable(t.root, Levels-1)
	t.root = nil
	t.generation.Add(1)
}

// Translate walks the tree as the processor would and returns the host
// address and leaf for gpa.
func (t *Table) Translate(gpa uint64) (uint64, Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tbl, l, err := t.walk(gpa, 0, false)
	if err != nil && !errors.Is(err, ErrHugeConflict) {
		return 0, 0, false
	}

	e := tbl.load(Index(gpa, l))
	if !e.Present() {
		return 0, 0, false
	}

	if e.IsHuge() {
		return e.Address() + gpa%HugePageSize, e, true
	}

	return e.Address() | gpa&memory.PageMask, e, true
}
