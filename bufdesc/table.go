// Package bufdesc implements buffer descriptor tables.
//
// A Table maps small integer indices to descriptors of pinned memory
// regions, so that regions can be named across a trust boundary without
// handing out addresses. Free slots are threaded into a singly linked list
// through the descriptor array itself, and the array doubles when the list
// runs dry.
//
// A Table does no locking. The owner must serialize every call on a given
// Table.
package bufdesc

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mknyszek/wsmem/internal/invariant"
	"github.com/mknyszek/wsmem/internal/log"
	"github.com/mknyszek/wsmem/pinned"
)

var (
	// ErrInvalidIndex is returned for an index that is out of range or
	// refers to a free slot. From FreeBuffer it usually means a double
	// free.
	ErrInvalidIndex = errors.New("invalid buffer index")

	// ErrAlreadyInitialized is returned by Construct on a table that is
	// not in the uninitialized state.
	ErrAlreadyInitialized = errors.New("descriptor table already initialized")

	// ErrInvalidMemory is returned by AddBuffer when given no memory.
	ErrInvalidMemory = errors.New("invalid memory descriptor")
)

// maxCapacity bounds the table so that every slot has a valid Index.
const maxCapacity = math.MaxInt32

// State is the lifecycle state of a Table or anything built on one.
type State uint8

const (
	StateUninitialized State = iota
	StateConstructing
	StateReady
	StateDestructing
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConstructing:
		return "constructing"
	case StateReady:
		return "ready"
	case StateDestructing:
		return "destructing"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Table is a growable array of descriptors with an embedded free list.
type Table struct {
	alloc pinned.Allocator
	fill  pinned.Fill
	log   log.Logger
	warn  log.Logger

	state State

	// array is the region the descriptor array is charged against.
	array   pinned.Region
	entries []Descriptor

	// freeHead is the first free slot, or Invalid if the table is full.
	freeHead Index

	// occupied is the number of slots not on the free list.
	occupied int
}

// Option configures a Table.
type Option func(*Table)

// WithFill sets the byte patterns written into regular buffers on
// allocation and release.
func WithFill(f pinned.Fill) Option {
	return func(t *Table) {
		t.fill = f
	}
}

// WithLogger sets the logger used by the table.
func WithLogger(l log.Logger) Option {
	return func(t *Table) {
		t.log = l
		t.warn = l
	}
}

// WithWarningRate limits double-free warnings to one per period.
func WithWarningRate(every time.Duration) Option {
	return func(t *Table) {
		t.warn = log.RateLimitedLogger(t.log, every)
	}
}

// New returns an uninitialized table that allocates from a. Options are
// applied in order.
func New(a pinned.Allocator, opts ...Option) *Table {
	t := &Table{
		alloc:    a,
		fill:     pinned.ReleaseFill,
		log:      log.Component("bufdesc"),
		freeHead: Invalid,
	}
	t.warn = t.log
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// initFreeList threads entries[from:] into a free list in ascending order,
// numbering from `from` and ending in Invalid.
func initFreeList(entries []Descriptor, from int) {
	for i := from; i < len(entries)-1; i++ {
		entries[i] = Descriptor{free: true, next: Index(i + 1)}
	}
	entries[len(entries)-1] = Descriptor{free: true, next: Invalid}
}

// Construct sizes the table to hold at least minEntries descriptors, rounded
// up so the array fills a power-of-two number of pages, and threads every
// slot onto the free list.
//
// Construct fails with ErrAlreadyInitialized if the table is not
// uninitialized, and with pinned.ErrOutOfMemory if the array cannot be
// allocated. On failure the table is left uninitialized.
func (t *Table) Construct(minEntries int) error {
	invariant.Check(t.state == StateUninitialized, "Construct on %v descriptor table", t.state)
	if t.state != StateUninitialized {
		return ErrAlreadyInitialized
	}
	if minEntries < 1 {
		minEntries = 1
	}
	if minEntries > maxCapacity {
		return fmt.Errorf("constructing descriptor table for %d entries: %w", minEntries, pinned.ErrOutOfMemory)
	}

	t.state = StateConstructing
	order := pinned.Order(pinned.Bytes(minEntries) * DescriptorSize)
	array, err := t.alloc.Alloc(order)
	if err != nil {
		t.state = StateUninitialized
		return fmt.Errorf("constructing descriptor table for %d entries: %w", minEntries, err)
	}
	capacity := int(array.Size() / DescriptorSize)
	t.log.Debugf("Constructed descriptor table: min entries %d, capacity %d, order %d", minEntries, capacity, order)

	t.array = array
	t.entries = make([]Descriptor, capacity)
	initFreeList(t.entries, 0)
	t.freeHead = 0
	t.occupied = 0
	t.state = StateReady
	return nil
}

// Destruct releases every occupied slot as FreeBuffer would, then the array
// itself, and returns the table to the uninitialized state. It is a no-op on
// an uninitialized table.
func (t *Table) Destruct() {
	if t.state != StateReady {
		return
	}
	t.state = StateDestructing
	for i := range t.entries {
		if !t.entries[i].free {
			t.FreeBuffer(Index(i))
		}
	}
	t.log.Debugf("Freeing descriptor array %v, capacity %d", t.array, len(t.entries))
	t.alloc.Free(t.array)

	t.array = pinned.Region{}
	t.entries = nil
	t.freeHead = Invalid
	t.occupied = 0
	t.state = StateUninitialized
}

// grow doubles the table and returns the first index of the new half, which
// becomes the head of the free list. On failure the table is unchanged.
func (t *Table) grow() (Index, error) {
	old := len(t.entries)
	if old > maxCapacity/2 {
		return Invalid, fmt.Errorf("growing descriptor table past %d entries: %w", old, pinned.ErrOutOfMemory)
	}
	t.log.Infof("Doubling the size of the descriptor table to %d", old*2)

	array, err := t.alloc.Alloc(t.array.Order + 1)
	if err != nil {
		t.log.Warningf("Could not allocate descriptor array of %d bytes: %v", pinned.OrderSize(t.array.Order+1), err)
		return Invalid, fmt.Errorf("growing descriptor table to %d entries: %w", old*2, err)
	}
	entries := make([]Descriptor, old*2)
	copy(entries, t.entries)
	initFreeList(entries, old)
	t.alloc.Free(t.array)

	t.array = array
	t.entries = entries
	t.freeHead = Index(old)
	return t.freeHead, nil
}

// ensureSlot makes sure the free list is non-empty, constructing or growing
// the table as needed.
func (t *Table) ensureSlot() error {
	if t.state == StateUninitialized {
		t.log.Debugf("Descriptor table has not been initialized, initializing with minimum size")
		if err := t.Construct(1); err != nil {
			return err
		}
	}
	if t.freeHead == Invalid {
		if _, err := t.grow(); err != nil {
			return err
		}
	}
	return nil
}

// take pops the head of the free list and stores mem there.
func (t *Table) take(mem Memory) Index {
	i := t.freeHead
	d := &t.entries[i]
	t.freeHead = d.next
	*d = Descriptor{mem: mem}
	t.occupied++
	return i
}

// AllocateBuffer allocates a regular buffer of at least size bytes, rounded up
// to a power-of-two number of pages, fills it with the allocation pattern and
// returns the index that names it.
//
// If either the table or the buffer cannot be allocated the call fails with
// an error matching pinned.ErrOutOfMemory and no slot is consumed.
func (t *Table) AllocateBuffer(size pinned.Bytes) (Index, error) {
	if err := t.ensureSlot(); err != nil {
		return Invalid, err
	}
	order := pinned.Order(size)
	r, err := t.alloc.Alloc(order)
	if err != nil {
		t.log.Warningf("Could not allocate buffer of size %d, rounded to size %d: %v", size, pinned.OrderSize(order), err)
		return Invalid, fmt.Errorf("allocating %d byte buffer: %w", size, err)
	}
	r.Fill(t.fill.Alloc)
	i := t.take(NewRegular(r))
	t.log.Debugf("Allocated buffer of size %d at index %d: %v", r.Size(), i, r)
	return i, nil
}

// AddBuffer records memory the caller already holds and returns its index.
//
// FreeBuffer and Destruct release it according to its kind: Regular memory
// goes back to the table's allocator, IOMapped memory is left alone.
func (t *Table) AddBuffer(mem Memory) (Index, error) {
	invariant.Check(mem != nil, "AddBuffer with nil memory")
	if mem == nil {
		return Invalid, ErrInvalidMemory
	}
	if err := t.ensureSlot(); err != nil {
		return Invalid, err
	}
	return t.take(mem), nil
}

// FreeBuffer releases the slot at index i and puts it at the head of the
// free list. It fails with ErrInvalidIndex, touching nothing, if i does not
// name an occupied slot.
func (t *Table) FreeBuffer(i Index) error {
	d, ok := t.Get(i)
	if !ok {
		invariant.Check(i >= 0 && int(i) < len(t.entries), "FreeBuffer index %d out of range [0, %d)", i, len(t.entries))
		t.warn.Warningf("Buffer already free; possible double-free. Index=%d", i)
		return fmt.Errorf("freeing index %d: %w", i, ErrInvalidIndex)
	}
	t.log.Debugf("Freeing index %d: %v", i, d)
	d.mem.release(t.alloc, t.fill)
	*d = Descriptor{free: true, next: t.freeHead}
	t.freeHead = i
	t.occupied--
	return nil
}

// Get returns the descriptor at index i, or false if the table is
// uninitialized, i is out of range, or the slot is free.
//
// The returned pointer is valid until the next call that can grow the table.
func (t *Table) Get(i Index) (*Descriptor, bool) {
	if uint32(i) >= uint32(len(t.entries)) {
		return nil, false
	}
	d := &t.entries[i]
	if d.free {
		return nil, false
	}
	return d, true
}

// IsInitialized reports whether the table has been constructed.
func (t *Table) IsInitialized() bool {
	return t.state == StateReady
}

// HasLiveEntries reports whether any slot is occupied.
func (t *Table) HasLiveEntries() bool {
	return t.occupied > 0
}

// State returns the lifecycle state of the table.
func (t *Table) State() State {
	return t.state
}

// Capacity returns the number of slots, free or not.
func (t *Table) Capacity() int {
	return len(t.entries)
}

// Occupied returns the number of occupied slots.
func (t *Table) Occupied() int {
	return t.occupied
}

// FreeHead returns the first slot on the free list.
func (t *Table) FreeHead() Index {
	return t.freeHead
}

// ArrayRegion returns the region the descriptor array is charged against.
func (t *Table) ArrayRegion() pinned.Region {
	return t.array
}

// Range calls fn for every occupied slot in index order until fn returns
// false. fn must not modify the table.
func (t *Table) Range(fn func(Index, *Descriptor) bool) {
	for i := range t.entries {
		if t.entries[i].free {
			continue
		}
		if !fn(Index(i), &t.entries[i]) {
			return
		}
	}
}
