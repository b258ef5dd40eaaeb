// Package pinned provides physically contiguous, pinned memory regions and
// the allocators that hand them out.
//
// A Region is the unit of ownership: whoever holds a Region returned by an
// Allocator is responsible for passing it back to the same Allocator's Free.
package pinned

import (
	"errors"
	"fmt"
)

// ErrOutOfMemory is returned (possibly wrapped) when an allocator cannot
// satisfy a request.
var ErrOutOfMemory = errors.New("out of memory")

// Region describes one physically contiguous, pinned block of memory of
// PageSize<<Order bytes.
type Region struct {
	// Virt is the address at which the CPU sees the region.
	Virt Addr

	// Phys is the physical (device-visible) address of the region. Zero is
	// a legitimate value and never means "absent".
	Phys Addr

	// Order is the power-of-two size class in pages.
	Order uint8

	// data is the CPU mapping of the region, if it has one.
	data []byte
}

// NewRegion returns a Region describing memory owned elsewhere, for example
// device I/O space. data may be nil.
func NewRegion(virt, phys Addr, order uint8, data []byte) Region {
	return Region{Virt: virt, Phys: phys, Order: order, data: data}
}

// Size returns the length of the region in bytes.
func (r Region) Size() Bytes {
	return OrderSize(r.Order)
}

// Bytes returns the CPU mapping of the region, or nil if the region has
// none.
func (r Region) Bytes() []byte {
	return r.data
}

// Fill sets every byte of the region to b. It is a no-op for regions
// without a CPU mapping.
func (r Region) Fill(b byte) {
	if len(r.data) == 0 {
		return
	}
	r.data[0] = b
	for n := 1; n < len(r.data); n *= 2 {
		copy(r.data[n:], r.data[:n])
	}
}

func (r Region) String() string {
	return fmt.Sprintf("v@%#x p@%#x order %d", uint64(r.Virt), uint64(r.Phys), r.Order)
}

// Allocator hands out pinned regions.
//
// Implementations are safe for concurrent use.
type Allocator interface {
	// Alloc allocates a region of PageSize<<order bytes. It returns an
	// error matching ErrOutOfMemory if the request cannot be satisfied.
	Alloc(order uint8) (Region, error)

	// Free releases a region previously returned by Alloc.
	Free(Region)
}

// Fill holds the byte patterns written into regions when they are handed
// out and when they are released. Distinct values make use-after-free
// visible in memory dumps.
type Fill struct {
	Alloc byte
	Free  byte
}

// DebugFill is the pattern used by debug configurations.
var DebugFill = Fill{Alloc: 0xBE, Free: 0xAF}

// ReleaseFill is the pattern used by release configurations.
var ReleaseFill = Fill{}
