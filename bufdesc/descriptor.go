package bufdesc

import (
	"fmt"

	"github.com/mknyszek/wsmem/pinned"
)

// Index refers to a slot in a Table.
type Index int32

// Invalid is the index that refers to no slot. It terminates the free list.
const Invalid Index = -1

// DescriptorSize is the accounted size of one table record in bytes. A
// one-page table holds pinned.PageSize/DescriptorSize descriptors.
const DescriptorSize pinned.Bytes = 16

// Kind identifies what sort of memory a descriptor refers to. The zero Kind
// is never valid.
type Kind uint8

const (
	// KindRegular is ordinary RAM owned by the table.
	KindRegular Kind = 1

	// KindIOMapped is device memory owned elsewhere.
	KindIOMapped Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindIOMapped:
		return "io"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Memory is the backing of an occupied slot. The two implementations are
// Regular and IOMapped; they differ in what happens when the slot is freed.
type Memory interface {
	// Kind returns the kind of memory.
	Kind() Kind

	// Region returns the region described.
	Region() pinned.Region

	// release gives up the memory when its slot is freed.
	release(a pinned.Allocator, fill pinned.Fill)
}

// Regular is memory allocated by, and returned to, the table's allocator.
type Regular struct {
	r pinned.Region
}

// NewRegular wraps a region obtained from the table's allocator.
func NewRegular(r pinned.Region) Regular { return Regular{r: r} }

// Kind implements Memory.Kind.
func (Regular) Kind() Kind { return KindRegular }

// Region implements Memory.Region.
func (m Regular) Region() pinned.Region { return m.r }

func (m Regular) release(a pinned.Allocator, fill pinned.Fill) {
	m.r.Fill(fill.Free)
	a.Free(m.r)
}

// IOMapped is device memory. The table only recycles its slot.
type IOMapped struct {
	r pinned.Region
}

// NewIOMapped wraps a region whose lifetime is managed by the caller.
func NewIOMapped(r pinned.Region) IOMapped { return IOMapped{r: r} }

// Kind implements Memory.Kind.
func (IOMapped) Kind() Kind { return KindIOMapped }

// Region implements Memory.Region.
func (m IOMapped) Region() pinned.Region { return m.r }

func (IOMapped) release(pinned.Allocator, pinned.Fill) {}

// Descriptor is one slot of a Table. When occupied it describes a physically
// contiguous region; when free it links to the next free slot.
type Descriptor struct {
	mem  Memory
	next Index
	free bool
}

// Kind returns the kind of memory described.
func (d *Descriptor) Kind() Kind { return d.mem.Kind() }

// Memory returns the backing of the slot.
func (d *Descriptor) Memory() Memory { return d.mem }

// Region returns the region described.
func (d *Descriptor) Region() pinned.Region { return d.mem.Region() }

// Virt returns the virtual address of the region.
func (d *Descriptor) Virt() pinned.Addr { return d.mem.Region().Virt }

// Phys returns the physical address of the region.
func (d *Descriptor) Phys() pinned.Addr { return d.mem.Region().Phys }

// Order returns the size class of the region.
func (d *Descriptor) Order() uint8 { return d.mem.Region().Order }

// Size returns the length of the region in bytes.
func (d *Descriptor) Size() pinned.Bytes { return d.mem.Region().Size() }

func (d *Descriptor) String() string {
	if d.free {
		if d.next == Invalid {
			return "free->end"
		}
		return fmt.Sprintf("free->%d", d.next)
	}
	r := d.mem.Region()
	return fmt.Sprintf("%v v@%#x p@%#x", d.mem.Kind(), uint64(r.Virt), uint64(r.Phys))
}
