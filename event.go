// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wsmem

import "fmt"

// EventKind indicates what kind of workspace trace event
// is captured and returned.
type EventKind uint8

const (
	EventBad       EventKind = iota
	EventAlloc               // Regular buffer allocation.
	EventFree                // Free of a buffer or I/O region.
	EventAddIO               // Registration of device memory.
	EventVirtAlloc           // Virtual workspace construction.
	EventVirtFree            // Virtual workspace destruction.
	EventCheck               // Integrity check of the session.
)

func (k EventKind) String() string {
	switch k {
	case EventAlloc:
		return "alloc"
	case EventFree:
		return "free"
	case EventAddIO:
		return "add-io"
	case EventVirtAlloc:
		return "virt-alloc"
	case EventVirtFree:
		return "virt-free"
	case EventCheck:
		return "check"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event represents a single workspace trace event.
type Event struct {
	// Timestamp is the time in non-normalized ticks
	// for this event. Timestamps never decrease within
	// a session.
	Timestamp uint64

	// ID is the trace's name for the buffer or workspace
	// the event refers to. IDs are unique per session
	// until freed.
	// Valid for all events except EventCheck.
	ID uint64

	// Size indicates the requested size in bytes.
	// Only valid when Kind == EventAlloc or Kind == EventVirtAlloc.
	Size uint64

	// Addr is the physical address of device memory.
	// Only valid when Kind == EventAddIO.
	Addr uint64

	// Order is the size class of device memory when
	// Kind == EventAddIO, and the super page order when
	// Kind == EventVirtAlloc, where zero means the default.
	Order uint8

	// Session indicates which client session generated
	// the event. Valid for all events.
	Session int32

	// Kind indicates what kind of event this is.
	// This may be assumed to always be valid.
	Kind EventKind
}

func (e Event) String() string {
	switch e.Kind {
	case EventAlloc:
		return fmt.Sprintf("%d s%d alloc id=%d size=%d", e.Timestamp, e.Session, e.ID, e.Size)
	case EventAddIO:
		return fmt.Sprintf("%d s%d add-io id=%d addr=%#x order=%d", e.Timestamp, e.Session, e.ID, e.Addr, e.Order)
	case EventVirtAlloc:
		return fmt.Sprintf("%d s%d virt-alloc id=%d size=%d order=%d", e.Timestamp, e.Session, e.ID, e.Size, e.Order)
	case EventCheck:
		return fmt.Sprintf("%d s%d check", e.Timestamp, e.Session)
	default:
		return fmt.Sprintf("%d s%d %v id=%d", e.Timestamp, e.Session, e.Kind, e.ID)
	}
}
