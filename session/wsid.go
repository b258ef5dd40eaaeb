package session

import (
	"fmt"

	"github.com/mknyszek/wsmem/pinned"
)

// MemKind says which table a WSID refers into. The zero MemKind is never
// valid, so the zero WSID is never valid either.
type MemKind uint8

const (
	MemRegular MemKind = 1
	MemIO      MemKind = 2
	MemVirtual MemKind = 3
)

func (k MemKind) String() string {
	switch k {
	case MemRegular:
		return "regular"
	case MemIO:
		return "io"
	case MemVirtual:
		return "virtual"
	default:
		return fmt.Sprintf("MemKind(%d)", uint8(k))
	}
}

// WSID is a workspace ID, the handle a client uses to name a buffer or
// virtual workspace. Its low pinned.PageShift bits are always zero so that it
// can travel as a page-aligned mmap offset.
//
//	bits  0-11  zero
//	bits 12-13  MemKind
//	bits 14-15  reserved, zero
//	bits 16-47  table index
//	bits 48-63  reserved, zero
type WSID uint64

const (
	kindShift  = pinned.PageShift
	kindMask   = 0x3
	indexShift = 16
	indexMask  = 0xffffffff

	validMask = WSID(kindMask<<kindShift | indexMask<<indexShift)
)

// MakeWSID returns the ID naming index within the table of the given kind.
func MakeWSID(kind MemKind, index int32) WSID {
	return WSID(kind&kindMask)<<kindShift | WSID(uint32(index))<<indexShift
}

// WSIDFromPageOffset recovers a WSID from an mmap page offset.
func WSIDFromPageOffset(pgoff uint64) WSID {
	return WSID(pgoff << pinned.PageShift)
}

// PageOffset returns the mmap page offset that carries id.
func (id WSID) PageOffset() uint64 {
	return uint64(id) >> pinned.PageShift
}

// Kind returns the memory kind of id.
func (id WSID) Kind() MemKind {
	return MemKind(id >> kindShift & kindMask)
}

// Index returns the table index of id.
func (id WSID) Index() int32 {
	return int32(uint32(id >> indexShift & indexMask))
}

// Valid reports whether id is well formed: a known kind and no bits set
// outside the kind and index fields.
func (id WSID) Valid() bool {
	if id&^validMask != 0 {
		return false
	}
	switch id.Kind() {
	case MemRegular, MemIO, MemVirtual:
		return true
	}
	return false
}

func (id WSID) String() string {
	return fmt.Sprintf("%#x(%v %d)", uint64(id), id.Kind(), id.Index())
}
