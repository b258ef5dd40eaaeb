package pinned

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/google/btree"
)

const (
	// simArenaSize is the granularity at which the simulated allocator maps
	// fresh physical memory.
	simArenaSize Bytes = 1 << 26

	// simDirectMap is the offset between simulated physical addresses and
	// the virtual addresses at which the "kernel" sees them.
	simDirectMap Addr = 0xffff888000000000
)

// addressSpace hands out simulated physical address ranges. Each range is
// aligned to its size and follows the previous one, so mapped memory stays
// contiguous.
type addressSpace struct {
	base Addr
}

func (s *addressSpace) mapAligned(size, align Bytes) (Addr, Bytes) {
	size = size.AlignUp(PageSize)
	base := s.base.AlignUp(align)
	s.base = base.Add(size)
	return base, size
}

// simPages is a bitmap over every simulated page mapped so far, one bit per
// page, set when allocated.
type simPages struct {
	base   Addr
	npages uint64
	bits   []uint64
	hint   uint64 // no free page below this index
	inUse  uint64
	mapped Bytes
}

func (p *simPages) get(i uint64) bool {
	return p.bits[i/64]&(uint64(1)<<(i%64)) != 0
}

// grow extends the bitmap to cover [base, base+size). Any hole between the
// previous end and base is marked allocated forever.
func (p *simPages) grow(base Addr, size Bytes) {
	if p.npages == 0 {
		p.base = base
	}
	end := p.base.Add(Bytes(p.npages) << PageShift)
	if base < end {
		panic("simulated address space went backwards")
	}
	hole := uint64(base.Diff(end) >> PageShift)
	start := p.npages
	p.npages += hole + uint64(size>>PageShift)
	for uint64(len(p.bits))*64 < p.npages {
		p.bits = append(p.bits, 0)
	}
	p.setRange(start, hole, true)
	p.mapped += size
}

// rangeFree reports whether pages [i, i+n) are all free.
func (p *simPages) rangeFree(i, n uint64) bool {
	for n > 0 {
		if i%64 == 0 && n >= 64 {
			if p.bits[i/64] != 0 {
				return false
			}
			i += 64
			n -= 64
			continue
		}
		if p.get(i) {
			return false
		}
		i++
		n--
	}
	return true
}

func (p *simPages) setRange(i, n uint64, v bool) {
	for ; n > 0; i, n = i+1, n-1 {
		if v {
			p.bits[i/64] |= uint64(1) << (i % 64)
		} else {
			p.bits[i/64] &^= uint64(1) << (i % 64)
		}
	}
}

// find returns the index of the first free, naturally aligned run of n
// pages. n must be a power of two.
func (p *simPages) find(n uint64) (uint64, bool) {
	for i := alignPages(p.hint, n); i+n <= p.npages; i += n {
		if p.rangeFree(i, n) {
			return i, true
		}
	}
	return 0, false
}

func (p *simPages) firstFree(from uint64) uint64 {
	for from < p.npages {
		w := p.bits[from/64] >> (from % 64)
		if w != ^uint64(0)>>(from%64) {
			return from + uint64(bits.TrailingZeros64(^w))
		}
		from = (from/64 + 1) * 64
	}
	return p.npages
}

func alignPages(i, n uint64) uint64 {
	return (i + n - 1) &^ (n - 1)
}

// SimAllocator simulates a physical page allocator.
//
// It hands out naturally aligned power-of-two runs of simulated pages,
// tracks every live region, and can be told to fail. It exists to exercise
// tables deterministically and to check them for leaks.
type SimAllocator struct {
	mu        sync.Mutex
	as        addressSpace
	pages     simPages
	live      *btree.BTreeG[Region]
	limit     uint64
	backed    bool
	failAfter int
	allocs    uint64
	frees     uint64
}

// SimOption configures a SimAllocator.
type SimOption func(*SimAllocator)

// SimLimit caps the simulated memory at the given number of bytes. Zero
// means no cap.
func SimLimit(b Bytes) SimOption {
	return func(s *SimAllocator) {
		s.limit = b.Pages()
	}
}

// SimBacked gives every region a Go heap mapping so fills are observable.
func SimBacked() SimOption {
	return func(s *SimAllocator) {
		s.backed = true
	}
}

// NewSimAllocator creates a new simulated allocator.
func NewSimAllocator(opts ...SimOption) *SimAllocator {
	s := &SimAllocator{
		as:        addressSpace{base: 0x100000000},
		live:      btree.NewG[Region](16, func(a, b Region) bool { return a.Phys < b.Phys }),
		failAfter: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailAfter makes the allocator succeed n more times and then fail every
// request until FailAfter is called again. A negative n disables failure
// injection.
func (s *SimAllocator) FailAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter = n
}

// Alloc implements Allocator.Alloc.
func (s *SimAllocator) Alloc(order uint8) (Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order > MaxOrder {
		return Region{}, fmt.Errorf("order %d: %w", order, ErrOutOfMemory)
	}
	if s.failAfter == 0 {
		return Region{}, fmt.Errorf("injected failure for order %d: %w", order, ErrOutOfMemory)
	}
	n := uint64(1) << order
	if s.limit != 0 && s.pages.inUse+n > s.limit {
		return Region{}, fmt.Errorf("order %d with %d of %d pages in use: %w", order, s.pages.inUse, s.limit, ErrOutOfMemory)
	}
	idx, ok := s.pages.find(n)
	if !ok {
		ask := (Bytes(n) << PageShift).AlignUp(simArenaSize)
		s.pages.grow(s.as.mapAligned(ask, ask))
		idx, ok = s.pages.find(n)
		if !ok {
			panic("simulated allocator failed to find pages after growing")
		}
	}
	s.pages.setRange(idx, n, true)
	s.pages.inUse += n
	if idx == s.pages.hint {
		s.pages.hint = s.pages.firstFree(idx + n)
	}

	phys := s.pages.base.Add(Bytes(idx) << PageShift)
	r := Region{
		Virt:  phys + simDirectMap,
		Phys:  phys,
		Order: order,
	}
	if s.backed {
		r.data = make([]byte, OrderSize(order))
	}
	s.live.ReplaceOrInsert(r)
	s.allocs++
	if s.failAfter > 0 {
		s.failAfter--
	}
	return r, nil
}

// Free implements Allocator.Free.
func (s *SimAllocator) Free(r Region) {
	s.mu.Lock()
	defer s.mu.Unlock()

	got, ok := s.live.Get(r)
	if !ok || got.Order != r.Order {
		panic(fmt.Sprintf("freeing unknown region %v", r))
	}
	s.live.Delete(r)
	n := uint64(1) << r.Order
	idx := uint64(r.Phys.Diff(s.pages.base) >> PageShift)
	s.pages.setRange(idx, n, false)
	s.pages.inUse -= n
	if idx < s.pages.hint {
		s.pages.hint = idx
	}
	s.frees++
}

// Live returns the number of regions currently allocated.
func (s *SimAllocator) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live.Len()
}

// LiveBytes returns the number of bytes currently allocated.
func (s *SimAllocator) LiveBytes() Bytes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Bytes(s.pages.inUse) << PageShift
}

// MappedBytes returns how much simulated memory has been mapped in total.
func (s *SimAllocator) MappedBytes() Bytes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages.mapped
}

// Counts returns the number of successful allocations and frees so far.
func (s *SimAllocator) Counts() (allocs, frees uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocs, s.frees
}

// Regions returns every live region in physical address order.
func (s *SimAllocator) Regions() []Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := make([]Region, 0, s.live.Len())
	s.live.Ascend(func(r Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}
