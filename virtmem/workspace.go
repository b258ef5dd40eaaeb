// Package virtmem builds contiguous virtual workspaces out of super pages.
//
// A Workspace owns a bufdesc.Table holding equally sized super pages and a
// page table, a separate pinned region with one entry per super page, that
// lets a device see the super pages as a single contiguous range.
//
// Like bufdesc.Table, a Workspace does no locking.
package virtmem

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mknyszek/wsmem/bufdesc"
	"github.com/mknyszek/wsmem/internal/invariant"
	"github.com/mknyszek/wsmem/internal/log"
	"github.com/mknyszek/wsmem/pinned"
)

const (
	// MinEntries and MaxEntries bound the number of super pages the
	// hardware can address through one page table.
	MinEntries = 1
	MaxEntries = 1024

	// PTESize is the size of one page table entry in bytes.
	PTESize pinned.Bytes = 8

	// DefaultSuperPageOrder is the binary log of the super page size the
	// hardware expects, 2 MiB.
	DefaultSuperPageOrder = 21

	// MaxSuperPageOrder is the largest super page order accepted.
	MaxSuperPageOrder = 40
)

// ErrInvalidArgument is returned by Construct for a size or super page order
// the hardware cannot address.
var ErrInvalidArgument = errors.New("invalid workspace argument")

// PTE is a page table entry in the format the hardware consumes: the
// physical address of a super page with the low bit set when valid.
type PTE uint64

const pteValid PTE = 1

// MakePTE returns a valid entry pointing at phys.
func MakePTE(phys pinned.Addr) PTE {
	return PTE(phys) | pteValid
}

// Valid reports whether the entry maps a super page.
func (p PTE) Valid() bool {
	return p&pteValid != 0
}

// Addr returns the physical address the entry points at.
func (p PTE) Addr() pinned.Addr {
	return pinned.Addr(p &^ pteValid)
}

func (p PTE) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// Workspace is a set of super pages and the page table that maps them.
type Workspace struct {
	alloc     pinned.Allocator
	log       log.Logger
	tableOpts []bufdesc.Option

	state bufdesc.State
	table *bufdesc.Table

	// pt is the page table region; ptes is its contents, MaxPTEs long.
	pt   pinned.Region
	ptes []PTE

	requested     pinned.Bytes
	rounded       pinned.Bytes
	order         uint8
	superPageSize pinned.Bytes
	valid         int
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithLogger sets the logger used by the workspace. It does not affect the
// super page table; use WithTableOptions for that.
func WithLogger(l log.Logger) Option {
	return func(w *Workspace) {
		w.log = l
	}
}

// WithTableOptions sets the options the super page table is created with.
func WithTableOptions(opts ...bufdesc.Option) Option {
	return func(w *Workspace) {
		w.tableOpts = append(w.tableOpts, opts...)
	}
}

// New returns an uninitialized workspace that allocates from a.
func New(a pinned.Allocator, opts ...Option) *Workspace {
	w := &Workspace{
		alloc: a,
		log:   log.Component("virtmem"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// entryCount returns the number of super pages of the given order needed to
// cover size bytes.
func entryCount(size pinned.Bytes, order uint8) uint64 {
	n := uint64(size >> order)
	if size&(pinned.Bytes(1)<<order-1) != 0 {
		n++
	}
	return n
}

// Construct allocates enough super pages of 1<<order bytes to cover size
// bytes, along with a zeroed page table, and points one page table entry at
// each super page in index order.
//
// Construct fails with ErrInvalidArgument, before allocating anything, if
// size is zero, the order is outside [pinned.PageShift, MaxSuperPageOrder],
// or the super page count is outside [MinEntries, MaxEntries]. It fails with
// an error matching pinned.ErrOutOfMemory if any allocation fails, in which
// case everything allocated so far is released and the workspace is left
// uninitialized.
func (w *Workspace) Construct(size pinned.Bytes, order uint8) error {
	invariant.Check(w.state == bufdesc.StateUninitialized, "Construct on %v workspace", w.state)
	if w.state != bufdesc.StateUninitialized {
		return bufdesc.ErrAlreadyInitialized
	}
	if size == 0 {
		w.log.Warningf("Requested workspace size is 0, but cannot be")
		return fmt.Errorf("workspace size 0: %w", ErrInvalidArgument)
	}
	if order < pinned.PageShift || order > MaxSuperPageOrder {
		w.log.Warningf("Super page order %d outside [%d, %d]", order, pinned.PageShift, MaxSuperPageOrder)
		return fmt.Errorf("super page order %d: %w", order, ErrInvalidArgument)
	}
	if order != DefaultSuperPageOrder {
		w.log.Warningf("Super page order should be %d, got %d; continuing", DefaultSuperPageOrder, order)
	}
	n := entryCount(size, order)
	spSize := pinned.Bytes(1) << order
	if n < MinEntries || n > MaxEntries {
		w.log.Warningf("Workspace needs %d super pages, must be between %d and %d. Requested size %#x, super page order %d", n, MinEntries, MaxEntries, size, order)
		return fmt.Errorf("workspace of %d bytes needs %d super pages of order %d: %w", size, n, order, ErrInvalidArgument)
	}

	ptOrder := pinned.Order(pinned.Bytes(n) * PTESize)
	w.log.Debugf("Requested workspace size %#x, rounded %#x, %d super pages of %#x bytes, page table order %d", size, pinned.Bytes(n)*spSize, n, spSize, ptOrder)

	w.state = bufdesc.StateConstructing
	pt, err := w.alloc.Alloc(ptOrder)
	if err != nil {
		w.log.Warningf("Could not allocate page table: %v", err)
		w.reset()
		return fmt.Errorf("allocating page table: %w", err)
	}
	pt.Fill(0)

	table := bufdesc.New(w.alloc, w.tableOpts...)
	if err := table.Construct(int(n)); err != nil {
		w.log.Warningf("Could not construct super page table: %v", err)
		w.alloc.Free(pt)
		w.reset()
		return fmt.Errorf("constructing super page table: %w", err)
	}

	ptes := make([]PTE, pt.Size()/PTESize)
	for i := 0; i < int(n); i++ {
		idx, err := table.AllocateBuffer(spSize)
		if err != nil {
			w.log.Warningf("Could not allocate super page %d of %d: %v", i, n, err)
			for j := 0; j < i; j++ {
				table.FreeBuffer(bufdesc.Index(j))
			}
			table.Destruct()
			w.alloc.Free(pt)
			w.reset()
			return fmt.Errorf("allocating super page %d of %d: %w", i, n, err)
		}
		invariant.Check(idx == bufdesc.Index(i), "super page %d landed at index %d", i, idx)
		d, _ := table.Get(idx)
		ptes[i] = MakePTE(d.Phys())
	}

	w.table = table
	w.pt = pt
	w.ptes = ptes
	w.requested = size
	w.rounded = pinned.Bytes(n) * spSize
	w.order = order
	w.superPageSize = spSize
	w.valid = int(n)
	w.flush()
	w.state = bufdesc.StateReady
	w.log.Debugf("Constructed workspace: page table at %#x, %d valid entries", uint64(pt.Phys), n)
	return nil
}

// flush writes the page table entries into the page table region, if it has
// a CPU mapping.
func (w *Workspace) flush() {
	b := w.pt.Bytes()
	if b == nil {
		return
	}
	for i, p := range w.ptes {
		binary.LittleEndian.PutUint64(b[i*int(PTESize):], uint64(p))
	}
}

func (w *Workspace) reset() {
	*w = Workspace{
		alloc:     w.alloc,
		log:       w.log,
		tableOpts: w.tableOpts,
	}
}

// Destruct frees every super page, the super page table and the page table,
// and returns the workspace to the uninitialized state. It is a no-op on an
// uninitialized workspace.
func (w *Workspace) Destruct() {
	if w.state != bufdesc.StateReady {
		return
	}
	w.state = bufdesc.StateDestructing
	w.log.Debugf("Freeing all %d super pages", w.valid)
	for i := 0; i < w.valid; i++ {
		if _, ok := w.table.Get(bufdesc.Index(i)); !ok {
			continue
		}
		w.table.FreeBuffer(bufdesc.Index(i))
	}
	w.table.Destruct()
	w.log.Debugf("Freeing page table %v", w.pt)
	w.pt.Fill(0)
	w.alloc.Free(w.pt)
	w.reset()
}

// IsInitialized reports whether the super page table has been constructed.
func (w *Workspace) IsInitialized() bool {
	return w.table != nil && w.table.IsInitialized()
}

// HasLiveEntries reports whether any super page is allocated.
func (w *Workspace) HasLiveEntries() bool {
	return w.table != nil && w.table.HasLiveEntries()
}

// State returns the lifecycle state of the workspace.
func (w *Workspace) State() bufdesc.State { return w.state }

// PageTableAddr returns the physical address of the page table.
func (w *Workspace) PageTableAddr() pinned.Addr { return w.pt.Phys }

// PageTable returns the page table region.
func (w *Workspace) PageTable() pinned.Region { return w.pt }

// ValidEntries returns the number of super pages.
func (w *Workspace) ValidEntries() int { return w.valid }

// MaxPTEs returns the number of entries the page table region can hold.
func (w *Workspace) MaxPTEs() int { return len(w.ptes) }

// RoundedSize returns the workspace size rounded up to whole super pages.
func (w *Workspace) RoundedSize() pinned.Bytes { return w.rounded }

// RequestedSize returns the size passed to Construct.
func (w *Workspace) RequestedSize() pinned.Bytes { return w.requested }

// SuperPageOrder returns the binary log of the super page size.
func (w *Workspace) SuperPageOrder() uint8 { return w.order }

// SuperPageSize returns the size of each super page in bytes.
func (w *Workspace) SuperPageSize() pinned.Bytes { return w.superPageSize }

// Entry returns page table entry i, or false if i is outside the page table.
func (w *Workspace) Entry(i int) (PTE, bool) {
	if uint(i) >= uint(len(w.ptes)) {
		return 0, false
	}
	return w.ptes[i], true
}

// SuperPage returns the descriptor of super page i.
func (w *Workspace) SuperPage(i int) (*bufdesc.Descriptor, bool) {
	if w.table == nil || uint(i) >= uint(w.valid) {
		return nil, false
	}
	return w.table.Get(bufdesc.Index(i))
}

// Translate returns the physical address of the byte at offset within the
// workspace.
func (w *Workspace) Translate(offset pinned.Bytes) (pinned.Addr, bool) {
	if w.state != bufdesc.StateReady || offset >= w.rounded {
		return 0, false
	}
	p := w.ptes[offset>>w.order]
	if !p.Valid() {
		return 0, false
	}
	return p.Addr().Add(offset & (w.superPageSize - 1)), true
}

// Table returns the super page table.
func (w *Workspace) Table() *bufdesc.Table { return w.table }
