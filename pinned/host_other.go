//go:build !linux

package pinned

import "errors"

// HostAllocator is only available on Linux.
type HostAllocator struct{}

// NewHostAllocator always fails on this platform.
func NewHostAllocator() (*HostAllocator, error) {
	return nil, errors.New("host pinned memory is only supported on linux")
}

// Alloc implements Allocator.Alloc.
func (*HostAllocator) Alloc(uint8) (Region, error) { return Region{}, ErrOutOfMemory }

// Free implements Allocator.Free.
func (*HostAllocator) Free(Region) {}

// Close is a no-op.
func (*HostAllocator) Close() error { return nil }
