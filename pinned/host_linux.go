//go:build linux

package pinned

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = (1 << 55) - 1
)

// HostAllocator allocates anonymous memory from the host kernel and locks it
// into RAM.
//
// Physical addresses are read from /proc/self/pagemap. Without
// CAP_SYS_ADMIN the kernel reports them as zero, which the tables handle
// like any other address.
type HostAllocator struct {
	pagemapOnce sync.Once
	pagemapFD   int
}

// NewHostAllocator returns an allocator backed by mmap and mlock.
func NewHostAllocator() (*HostAllocator, error) {
	return &HostAllocator{pagemapFD: -1}, nil
}

// Alloc implements Allocator.Alloc.
func (h *HostAllocator) Alloc(order uint8) (Region, error) {
	if order > MaxOrder {
		return Region{}, fmt.Errorf("order %d: %w", order, ErrOutOfMemory)
	}
	size := int(OrderSize(order))
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return Region{}, fmt.Errorf("mmap %d bytes: %v: %w", size, err, ErrOutOfMemory)
	}
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return Region{}, fmt.Errorf("mlock %d bytes: %v: %w", size, err, ErrOutOfMemory)
	}
	virt := Addr(uintptr(unsafe.Pointer(&data[0])))
	return Region{
		Virt:  virt,
		Phys:  h.physAddr(virt),
		Order: order,
		data:  data,
	}, nil
}

// Free implements Allocator.Free.
func (h *HostAllocator) Free(r Region) {
	if len(r.data) == 0 {
		panic(fmt.Sprintf("freeing host region without mapping: %v", r))
	}
	unix.Munlock(r.data)
	if err := unix.Munmap(r.data); err != nil {
		panic(fmt.Sprintf("munmap %v: %v", r, err))
	}
}

func (h *HostAllocator) physAddr(virt Addr) Addr {
	h.pagemapOnce.Do(func() {
		fd, err := unix.Open("/proc/self/pagemap", unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err == nil {
			h.pagemapFD = fd
		}
	})
	if h.pagemapFD < 0 {
		return 0
	}
	var buf [8]byte
	if n, err := unix.Pread(h.pagemapFD, buf[:], int64(virt>>PageShift)*8); err != nil || n != len(buf) {
		return 0
	}
	entry := binary.LittleEndian.Uint64(buf[:])
	if entry&pagemapPresent == 0 {
		return 0
	}
	return Addr(entry&pagemapPFNMask) << PageShift
}

// Close releases the pagemap descriptor, if one was opened.
func (h *HostAllocator) Close() error {
	if h.pagemapFD >= 0 {
		fd := h.pagemapFD
		h.pagemapFD = -1
		return unix.Close(fd)
	}
	return nil
}
