package pinned

import "math/bits"

const (
	// PageShift is the binary log of the allocation unit.
	PageShift = 12

	// PageSize is the allocation unit in bytes. Every region is a
	// power-of-two multiple of it.
	PageSize Bytes = 1 << PageShift

	// MaxOrder is the largest order any allocator will accept.
	MaxOrder = 40 - PageShift
)

// Bytes represents an amount of bytes.
type Bytes uint64

// AlignUp rounds b up to align. align must be a power-of-two.
func (b Bytes) AlignUp(align Bytes) Bytes {
	if align&(align-1) != 0 {
		panic("alignment must be a power-of-two")
	}
	return (b + align - 1) &^ (align - 1)
}

// AlignDown rounds b down to align. align must be a power-of-two.
func (b Bytes) AlignDown(align Bytes) Bytes {
	if align&(align-1) != 0 {
		panic("alignment must be a power-of-two")
	}
	return b &^ (align - 1)
}

// Pages returns the number of pages required to hold b bytes.
func (b Bytes) Pages() uint64 {
	return uint64(b.AlignUp(PageSize) >> PageShift)
}

// Log2 returns the base-2 logarithm (rounded down) of b.
func (b Bytes) Log2() uint8 {
	if b == 0 {
		panic("log2 of 0")
	}
	return uint8(bits.Len64(uint64(b))) - 1
}

// Order returns the smallest order o such that PageSize<<o holds size bytes.
// Sizes up to and including one page are order 0.
func Order(size Bytes) uint8 {
	if size <= PageSize {
		return 0
	}
	return uint8(bits.Len64(uint64(size-1))) - PageShift
}

// OrderSize returns the size in bytes of a region of the given order.
func OrderSize(order uint8) Bytes {
	return PageSize << order
}

// Addr is a virtual or physical address.
type Addr uint64

// AlignUp rounds a up to align. align must be a power-of-two.
func (a Addr) AlignUp(align Bytes) Addr {
	return Addr(Bytes(a).AlignUp(align))
}

// AlignDown rounds a down to align. align must be a power-of-two.
func (a Addr) AlignDown(align Bytes) Addr {
	return Addr(Bytes(a).AlignDown(align))
}

// Add adds a byte offset to an address.
func (a Addr) Add(b Bytes) Addr {
	return a + Addr(b)
}

// Diff returns the absolute difference between a and b.
func (a Addr) Diff(b Addr) Bytes {
	if a < b {
		return Bytes(b - a)
	}
	return Bytes(a - b)
}
