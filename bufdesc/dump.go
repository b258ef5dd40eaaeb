package bufdesc

import (
	"errors"
	"fmt"
	"io"
)

// ErrCorrupt is returned by Check when the table's bookkeeping is
// inconsistent.
var ErrCorrupt = errors.New("descriptor table corrupt")

// Check walks the free list and verifies that it visits every free slot
// exactly once, contains nothing else, ends in Invalid, and that the
// occupied count matches.
func (t *Table) Check() error {
	if t.state == StateUninitialized {
		if t.entries != nil || t.freeHead != Invalid || t.occupied != 0 {
			return fmt.Errorf("uninitialized table has state (len %d, head %d, occupied %d): %w", len(t.entries), t.freeHead, t.occupied, ErrCorrupt)
		}
		return nil
	}
	seen := make([]bool, len(t.entries))
	n := 0
	for i := t.freeHead; i != Invalid; i = t.entries[i].next {
		if i < 0 || int(i) >= len(t.entries) {
			return fmt.Errorf("free list reaches index %d outside [0, %d): %w", i, len(t.entries), ErrCorrupt)
		}
		if seen[i] {
			return fmt.Errorf("free list visits index %d twice: %w", i, ErrCorrupt)
		}
		if !t.entries[i].free {
			return fmt.Errorf("free list reaches occupied index %d: %w", i, ErrCorrupt)
		}
		seen[i] = true
		n++
	}
	for i := range t.entries {
		if t.entries[i].free && !seen[i] {
			return fmt.Errorf("free index %d is not on the free list: %w", i, ErrCorrupt)
		}
		if !t.entries[i].free && t.entries[i].mem == nil {
			return fmt.Errorf("occupied index %d has no memory: %w", i, ErrCorrupt)
		}
	}
	if t.occupied != len(t.entries)-n {
		return fmt.Errorf("occupied count %d, want %d: %w", t.occupied, len(t.entries)-n, ErrCorrupt)
	}
	return nil
}

// DumpRange clamps [start, stop) to [0, max) and widens it to multiples of
// granularity. A stop of zero means max.
func DumpRange(start, stop, max, granularity int) (int, int) {
	if start < 0 || start > max {
		start = 0
	}
	start = start / granularity * granularity
	switch {
	case stop == 0:
		stop = max
	case stop >= start && stop <= max:
		stop = (stop + granularity - 1) / granularity * granularity
		if stop > max {
			stop = max
		}
	default:
		stop = max
	}
	return start, stop
}

// DumpGranularity is the number of slots printed per line by Dump.
const DumpGranularity = 4

// Dump writes a human-readable description of slots [start, stop) to w,
// widened to whole lines. A stop of zero means the end of the table.
func (t *Table) Dump(w io.Writer, start, stop int) {
	if t.state == StateUninitialized {
		fmt.Fprintf(w, "Descriptor table not initialized\n")
		return
	}
	start, stop = DumpRange(start, stop, len(t.entries), DumpGranularity)
	fmt.Fprintf(w, "Dump of descriptor table:\n")
	fmt.Fprintf(w, "\tarray          %v\n", t.array)
	fmt.Fprintf(w, "\toccupied       %d %#x\n", t.occupied, t.occupied)
	fmt.Fprintf(w, "\tcapacity       %d %#x\n", len(t.entries), len(t.entries))
	fmt.Fprintf(w, "\tfree head      %d\n", t.freeHead)
	fmt.Fprintf(w, "\tstart index    %d\n", start)
	fmt.Fprintf(w, "\tstop index     %d\n", stop)
	for i := start; i < stop; i += DumpGranularity {
		fmt.Fprintf(w, "%d:", i)
		for j := i; j < i+DumpGranularity && j < stop; j++ {
			fmt.Fprintf(w, "  %v", &t.entries[j])
		}
		fmt.Fprintln(w)
	}
}
