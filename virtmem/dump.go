package virtmem

import (
	"fmt"
	"io"

	"github.com/mknyszek/wsmem/bufdesc"
)

// DumpGranularity is the number of page table entries printed per line by
// Dump.
const DumpGranularity = 8

// Check verifies the super page table and that the page table mirrors it:
// entry i points at super page i for every valid entry, and every other
// entry is zero.
func (w *Workspace) Check() error {
	if w.state == bufdesc.StateUninitialized {
		if w.table != nil || w.ptes != nil || w.valid != 0 {
			return fmt.Errorf("uninitialized workspace has state: %w", bufdesc.ErrCorrupt)
		}
		return nil
	}
	if err := w.table.Check(); err != nil {
		return fmt.Errorf("super page table: %w", err)
	}
	if got := w.table.Occupied(); got != w.valid {
		return fmt.Errorf("%d super pages allocated, want %d: %w", got, w.valid, bufdesc.ErrCorrupt)
	}
	for i, p := range w.ptes {
		if i >= w.valid {
			if p != 0 {
				return fmt.Errorf("unused page table entry %d is %v: %w", i, p, bufdesc.ErrCorrupt)
			}
			continue
		}
		d, ok := w.table.Get(bufdesc.Index(i))
		if !ok {
			return fmt.Errorf("super page %d missing: %w", i, bufdesc.ErrCorrupt)
		}
		if p != MakePTE(d.Phys()) {
			return fmt.Errorf("page table entry %d is %v, super page at %#x: %w", i, p, uint64(d.Phys()), bufdesc.ErrCorrupt)
		}
		if d.Size() != w.superPageSize {
			return fmt.Errorf("super page %d is %d bytes, want %d: %w", i, d.Size(), w.superPageSize, bufdesc.ErrCorrupt)
		}
	}
	return nil
}

// Dump writes the workspace's sizing, page table entries [start, stop) and
// then the super page table to w. The range is widened to whole lines and a
// stop of zero means the end of the page table.
func (w *Workspace) Dump(out io.Writer, start, stop int) {
	if w.state == bufdesc.StateUninitialized {
		fmt.Fprintf(out, "Workspace not initialized\n")
		return
	}
	start, stop = bufdesc.DumpRange(start, stop, len(w.ptes), DumpGranularity)
	fmt.Fprintf(out, "Dump of virtual workspace:\n")
	fmt.Fprintf(out, "\tpage table       %v\n", w.pt)
	fmt.Fprintf(out, "\trequested size   %d %#x\n", w.requested, w.requested)
	fmt.Fprintf(out, "\trounded size     %d %#x\n", w.rounded, w.rounded)
	fmt.Fprintf(out, "\tsuper page order %d\n", w.order)
	fmt.Fprintf(out, "\tvalid entries    %d\n", w.valid)
	fmt.Fprintf(out, "\tmax entries      %d\n", len(w.ptes))
	fmt.Fprintf(out, "\tstart index      %d\n", start)
	fmt.Fprintf(out, "\tstop index       %d\n", stop)
	fmt.Fprintf(out, "\tlow bit set means the entry is valid\n")
	fmt.Fprintf(out, "Page table:\n")
	for i := start; i < stop; i += DumpGranularity {
		fmt.Fprintf(out, "pt[%d]:", i)
		for j := i; j < i+DumpGranularity && j < stop; j++ {
			fmt.Fprintf(out, " %v", w.ptes[j])
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "End of page table\n")
	w.table.Dump(out, start, stop)
}
