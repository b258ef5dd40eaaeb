package bufdesc

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mknyszek/wsmem/internal/invariant"
	"github.com/mknyszek/wsmem/internal/log"
	"github.com/mknyszek/wsmem/pinned"
)

// minCapacity is the capacity of a one-page table.
const minCapacity = int(pinned.PageSize / DescriptorSize)

func newTestTable(opts ...Option) (*Table, *pinned.SimAllocator) {
	return newTestTableSim(nil, opts...)
}

func newTestTableSim(simOpts []pinned.SimOption, opts ...Option) (*Table, *pinned.SimAllocator) {
	a := pinned.NewSimAllocator(simOpts...)
	return New(a, append([]Option{WithLogger(log.Discard)}, opts...)...), a
}

var cmpDescriptors = cmp.AllowUnexported(Descriptor{}, Regular{}, IOMapped{}, pinned.Region{})

func mustCheck(t *testing.T, tbl *Table) {
	t.Helper()
	if err := tbl.Check(); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
}

// expectMisuse runs f, which misuses the table. Debug builds must panic;
// other builds must return an error matching want.
func expectMisuse(t *testing.T, name string, want error, f func() error) {
	t.Helper()
	var err error
	panicked := func() (p bool) {
		defer func() {
			if recover() != nil {
				p = true
			}
		}()
		err = f()
		return false
	}()
	switch {
	case invariant.Enabled && !panicked:
		t.Errorf("%s = %v, want panic", name, err)
	case !invariant.Enabled && panicked:
		t.Errorf("%s panicked without assertions enabled", name)
	case !invariant.Enabled && !errors.Is(err, want):
		t.Errorf("%s = %v, want %v", name, err, want)
	}
}

func TestConstruct(t *testing.T) {
	for _, tc := range []struct {
		name       string
		minEntries int
		want       int
	}{
		{"zero", 0, minCapacity},
		{"one", 1, minCapacity},
		{"exact page", minCapacity, minCapacity},
		{"one past page", minCapacity + 1, 2 * minCapacity},
		{"three pages", 3 * minCapacity, 4 * minCapacity},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tbl, a := newTestTable()
			if err := tbl.Construct(tc.minEntries); err != nil {
				t.Fatalf("Construct(%d) failed: %v", tc.minEntries, err)
			}
			if got := tbl.Capacity(); got != tc.want {
				t.Errorf("Capacity() = %d, want %d", got, tc.want)
			}
			if !tbl.IsInitialized() {
				t.Errorf("IsInitialized() = false after Construct")
			}
			if tbl.HasLiveEntries() {
				t.Errorf("HasLiveEntries() = true after Construct")
			}
			if got := tbl.FreeHead(); got != 0 {
				t.Errorf("FreeHead() = %d, want 0", got)
			}
			for i := 0; i < tbl.Capacity(); i++ {
				want := Index(i + 1)
				if i == tbl.Capacity()-1 {
					want = Invalid
				}
				if d := tbl.entries[i]; !d.free || d.next != want {
					t.Fatalf("entry %d = %+v, want free->%d", i, d, want)
				}
			}
			mustCheck(t, tbl)
			tbl.Destruct()
			if a.Live() != 0 {
				t.Errorf("Destruct leaked %d regions", a.Live())
			}
		})
	}
}

func TestConstructTwice(t *testing.T) {
	tbl, _ := newTestTable()
	if err := tbl.Construct(1); err != nil {
		t.Fatalf("Construct failed: %v", err)
	}
	expectMisuse(t, "second Construct", ErrAlreadyInitialized, func() error {
		return tbl.Construct(1)
	})
	if got := tbl.Capacity(); got != minCapacity {
		t.Errorf("Capacity() = %d after failed Construct, want %d", got, minCapacity)
	}
}

func TestConstructOutOfMemory(t *testing.T) {
	tbl, a := newTestTable()
	a.FailAfter(0)
	if err := tbl.Construct(1); !errors.Is(err, pinned.ErrOutOfMemory) {
		t.Fatalf("Construct = %v, want %v", err, pinned.ErrOutOfMemory)
	}
	if tbl.IsInitialized() || tbl.State() != StateUninitialized {
		t.Errorf("table in state %v after failed Construct", tbl.State())
	}
	mustCheck(t, tbl)
}

func TestLazyConstruct(t *testing.T) {
	tbl, _ := newTestTable()
	if tbl.IsInitialized() {
		t.Fatalf("new table is initialized")
	}
	i, err := tbl.AllocateBuffer(1)
	if err != nil {
		t.Fatalf("AllocateBuffer failed: %v", err)
	}
	if i != 0 {
		t.Errorf("first index = %d, want 0", i)
	}
	if got := tbl.Capacity(); got != minCapacity {
		t.Errorf("Capacity() = %d, want %d", got, minCapacity)
	}
}

func TestGrowOnExhaustion(t *testing.T) {
	tbl, a := newTestTable()
	if err := tbl.Construct(1); err != nil {
		t.Fatalf("Construct failed: %v", err)
	}
	for n := 0; n < minCapacity; n++ {
		i, err := tbl.AllocateBuffer(4096)
		if err != nil {
			t.Fatalf("AllocateBuffer #%d failed: %v", n, err)
		}
		if i != Index(n) {
			t.Fatalf("AllocateBuffer #%d = %d, want %d", n, i, n)
		}
	}
	if got := tbl.FreeHead(); got != Invalid {
		t.Fatalf("FreeHead() = %d on full table, want Invalid", got)
	}
	before := make([]Descriptor, tbl.Capacity())
	copy(before, tbl.entries)

	i, err := tbl.AllocateBuffer(4096)
	if err != nil {
		t.Fatalf("AllocateBuffer after exhaustion failed: %v", err)
	}
	if i != Index(minCapacity) {
		t.Errorf("AllocateBuffer after exhaustion = %d, want %d", i, minCapacity)
	}
	if got, want := tbl.Capacity(), 2*minCapacity; got != want {
		t.Errorf("Capacity() = %d, want %d", got, want)
	}
	if diff := cmp.Diff(before, tbl.entries[:minCapacity], cmpDescriptors); diff != "" {
		t.Errorf("grow changed existing descriptors (-before +after):\n%s", diff)
	}
	mustCheck(t, tbl)

	tbl.Destruct()
	if a.Live() != 0 {
		t.Errorf("Destruct leaked %d regions", a.Live())
	}
}

func TestGrowFailureLeavesTableUnchanged(t *testing.T) {
	tbl, a := newTestTable()
	for n := 0; n < minCapacity; n++ {
		if _, err := tbl.AllocateBuffer(1); err != nil {
			t.Fatalf("AllocateBuffer #%d failed: %v", n, err)
		}
	}
	before := make([]Descriptor, tbl.Capacity())
	copy(before, tbl.entries)
	array := tbl.ArrayRegion()
	live := a.Live()

	a.FailAfter(0)
	if _, err := tbl.AllocateBuffer(1); !errors.Is(err, pinned.ErrOutOfMemory) {
		t.Fatalf("AllocateBuffer = %v, want %v", err, pinned.ErrOutOfMemory)
	}
	if got := tbl.Capacity(); got != minCapacity {
		t.Errorf("Capacity() = %d, want %d", got, minCapacity)
	}
	if got := tbl.FreeHead(); got != Invalid {
		t.Errorf("FreeHead() = %d, want Invalid", got)
	}
	if got := tbl.Occupied(); got != minCapacity {
		t.Errorf("Occupied() = %d, want %d", got, minCapacity)
	}
	if diff := cmp.Diff(array, tbl.ArrayRegion(), cmpDescriptors); diff != "" {
		t.Errorf("array region changed:\n%s", diff)
	}
	if diff := cmp.Diff(before, tbl.entries, cmpDescriptors); diff != "" {
		t.Errorf("failed grow changed descriptors:\n%s", diff)
	}
	if a.Live() != live {
		t.Errorf("live regions = %d, want %d", a.Live(), live)
	}
	mustCheck(t, tbl)

	a.FailAfter(-1)
	if i, err := tbl.AllocateBuffer(1); err != nil || i != Index(minCapacity) {
		t.Errorf("AllocateBuffer after recovery = %d, %v, want %d, nil", i, err, minCapacity)
	}
}

func TestBufferFailureConsumesNoSlot(t *testing.T) {
	tbl, a := newTestTable()
	if err := tbl.Construct(1); err != nil {
		t.Fatalf("Construct failed: %v", err)
	}
	a.FailAfter(0)
	if _, err := tbl.AllocateBuffer(1 << 20); !errors.Is(err, pinned.ErrOutOfMemory) {
		t.Fatalf("AllocateBuffer = %v, want %v", err, pinned.ErrOutOfMemory)
	}
	if tbl.Occupied() != 0 || tbl.FreeHead() != 0 {
		t.Errorf("failed AllocateBuffer consumed a slot: occupied %d, head %d", tbl.Occupied(), tbl.FreeHead())
	}
	mustCheck(t, tbl)
}

func TestAllocateBufferRoundsToOrder(t *testing.T) {
	tbl, _ := newTestTable()
	for _, tc := range []struct {
		size  pinned.Bytes
		order uint8
	}{
		{0, 0},
		{1, 0},
		{4096, 0},
		{4097, 1},
		{3 << 19, 9},
		{2 << 20, 9},
	} {
		i, err := tbl.AllocateBuffer(tc.size)
		if err != nil {
			t.Fatalf("AllocateBuffer(%d) failed: %v", tc.size, err)
		}
		d, ok := tbl.Get(i)
		if !ok {
			t.Fatalf("Get(%d) failed after AllocateBuffer", i)
		}
		if d.Order() != tc.order || d.Kind() != KindRegular {
			t.Errorf("AllocateBuffer(%d): order %d kind %v, want order %d kind %v", tc.size, d.Order(), d.Kind(), tc.order, KindRegular)
		}
		if d.Size() < tc.size {
			t.Errorf("AllocateBuffer(%d): size %d too small", tc.size, d.Size())
		}
	}
}

func TestDoubleFree(t *testing.T) {
	tbl, _ := newTestTable()
	var idx []Index
	for n := 0; n < 4; n++ {
		i, err := tbl.AllocateBuffer(1)
		if err != nil {
			t.Fatalf("AllocateBuffer failed: %v", err)
		}
		idx = append(idx, i)
	}
	if err := tbl.FreeBuffer(idx[1]); err != nil {
		t.Fatalf("FreeBuffer(%d) failed: %v", idx[1], err)
	}
	if err := tbl.FreeBuffer(idx[1]); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("second FreeBuffer(%d) = %v, want %v", idx[1], err, ErrInvalidIndex)
	}
	mustCheck(t, tbl)
	if got, want := tbl.Occupied(), 3; got != want {
		t.Errorf("Occupied() = %d, want %d", got, want)
	}
	if got := tbl.FreeHead(); got != idx[1] {
		t.Errorf("FreeHead() = %d, want %d", got, idx[1])
	}
}

func TestGetInvalid(t *testing.T) {
	tbl, _ := newTestTable()
	if _, ok := tbl.Get(0); ok {
		t.Errorf("Get(0) on uninitialized table succeeded")
	}
	expectMisuse(t, "FreeBuffer(0) on uninitialized table", ErrInvalidIndex, func() error {
		return tbl.FreeBuffer(0)
	})
	i, err := tbl.AllocateBuffer(1)
	if err != nil {
		t.Fatalf("AllocateBuffer failed: %v", err)
	}
	for _, bad := range []Index{Invalid, -7, Index(tbl.Capacity()), Index(tbl.Capacity() + 100)} {
		if d, ok := tbl.Get(bad); ok {
			t.Errorf("Get(%d) = %v, want nothing", bad, d)
		}
		expectMisuse(t, fmt.Sprintf("FreeBuffer(%d)", bad), ErrInvalidIndex, func() error {
			return tbl.FreeBuffer(bad)
		})
	}
	// A free slot inside the table is an ordinary failure in every build.
	if d, ok := tbl.Get(i + 1); ok {
		t.Errorf("Get(%d) = %v, want nothing", i+1, d)
	}
	if err := tbl.FreeBuffer(i + 1); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("FreeBuffer(%d) = %v, want %v", i+1, err, ErrInvalidIndex)
	}
	mustCheck(t, tbl)
}

func TestAddBufferIOMapped(t *testing.T) {
	tbl, a := newTestTable()
	io := pinned.NewRegion(0xfe000000, 0xfe000000, 4, nil)
	i, err := tbl.AddBuffer(NewIOMapped(io))
	if err != nil {
		t.Fatalf("AddBuffer failed: %v", err)
	}
	d, ok := tbl.Get(i)
	if !ok {
		t.Fatalf("Get(%d) failed", i)
	}
	if d.Kind() != KindIOMapped || d.Phys() != 0xfe000000 || d.Size() != 16*pinned.PageSize {
		t.Errorf("Get(%d) = %v, want io region %v", i, d, io)
	}
	// Only the descriptor array is live; freeing the I/O entry must not
	// reach the allocator, which would panic on an unknown region.
	if got := a.Live(); got != 1 {
		t.Errorf("Live() = %d, want 1", got)
	}
	if err := tbl.FreeBuffer(i); err != nil {
		t.Fatalf("FreeBuffer failed: %v", err)
	}
	if got := a.Live(); got != 1 {
		t.Errorf("Live() = %d after freeing io entry, want 1", got)
	}

	if _, err := tbl.AddBuffer(NewIOMapped(io)); err != nil {
		t.Fatalf("AddBuffer failed: %v", err)
	}
	tbl.Destruct()
	if got := a.Live(); got != 0 {
		t.Errorf("Live() = %d after Destruct, want 0", got)
	}
}

func TestAddBufferRegular(t *testing.T) {
	tbl, a := newTestTable()
	r, err := a.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	i, err := tbl.AddBuffer(NewRegular(r))
	if err != nil {
		t.Fatalf("AddBuffer failed: %v", err)
	}
	if err := tbl.FreeBuffer(i); err != nil {
		t.Fatalf("FreeBuffer failed: %v", err)
	}
	for _, live := range a.Regions() {
		if live.Phys == r.Phys {
			t.Errorf("regular region %v still live after FreeBuffer", r)
		}
	}
}

func TestAddBufferNil(t *testing.T) {
	tbl, _ := newTestTable()
	expectMisuse(t, "AddBuffer(nil)", ErrInvalidMemory, func() error {
		_, err := tbl.AddBuffer(nil)
		return err
	})
	if tbl.IsInitialized() {
		t.Errorf("AddBuffer(nil) initialized the table")
	}
}

func TestFillPatterns(t *testing.T) {
	tbl, _ := newTestTableSim([]pinned.SimOption{pinned.SimBacked()}, WithFill(pinned.DebugFill))
	i, err := tbl.AllocateBuffer(3 * pinned.PageSize)
	if err != nil {
		t.Fatalf("AllocateBuffer failed: %v", err)
	}
	d, _ := tbl.Get(i)
	data := d.Region().Bytes()
	if len(data) != int(4*pinned.PageSize) {
		t.Fatalf("buffer length %d, want %d", len(data), 4*pinned.PageSize)
	}
	if want := bytes.Repeat([]byte{pinned.DebugFill.Alloc}, len(data)); !bytes.Equal(data, want) {
		t.Errorf("buffer not filled with %#x after allocation", pinned.DebugFill.Alloc)
	}
	if err := tbl.FreeBuffer(i); err != nil {
		t.Fatalf("FreeBuffer failed: %v", err)
	}
	if want := bytes.Repeat([]byte{pinned.DebugFill.Free}, len(data)); !bytes.Equal(data, want) {
		t.Errorf("buffer not filled with %#x on release", pinned.DebugFill.Free)
	}
}

func TestDestruct(t *testing.T) {
	tbl, a := newTestTable()
	tbl.Destruct() // No-op when uninitialized.

	for n := 0; n < 3*minCapacity; n++ {
		if _, err := tbl.AllocateBuffer(pinned.Bytes(n%5) * pinned.PageSize); err != nil {
			t.Fatalf("AllocateBuffer failed: %v", err)
		}
	}
	for i := Index(0); i < Index(3*minCapacity); i += 3 {
		if err := tbl.FreeBuffer(i); err != nil {
			t.Fatalf("FreeBuffer(%d) failed: %v", i, err)
		}
	}
	tbl.Destruct()
	if tbl.IsInitialized() || tbl.HasLiveEntries() || tbl.Capacity() != 0 {
		t.Errorf("table not reset by Destruct: initialized %v, live %v, capacity %d", tbl.IsInitialized(), tbl.HasLiveEntries(), tbl.Capacity())
	}
	if a.Live() != 0 || a.LiveBytes() != 0 {
		t.Errorf("Destruct leaked %d regions (%d bytes)", a.Live(), a.LiveBytes())
	}
	mustCheck(t, tbl)

	// The table is reusable.
	if err := tbl.Construct(1); err != nil {
		t.Errorf("Construct after Destruct failed: %v", err)
	}
}

// TestRandomOperations drives a table through random allocations and frees
// and checks its bookkeeping against a model after every step.
func TestRandomOperations(t *testing.T) {
	tbl, a := newTestTable()
	rng := rand.New(rand.NewSource(1))
	live := make(map[Index]pinned.Addr)
	var order []Index
	capacity := 0
	for step := 0; step < 5000; step++ {
		if len(order) == 0 || rng.Intn(3) != 0 {
			i, err := tbl.AllocateBuffer(pinned.Bytes(rng.Intn(4)) * pinned.PageSize)
			if err != nil {
				t.Fatalf("step %d: AllocateBuffer failed: %v", step, err)
			}
			if _, ok := live[i]; ok {
				t.Fatalf("step %d: AllocateBuffer returned live index %d", step, i)
			}
			d, _ := tbl.Get(i)
			live[i] = d.Phys()
			order = append(order, i)
			if c := tbl.Capacity(); c != capacity {
				if capacity != 0 && c != 2*capacity {
					t.Fatalf("step %d: capacity went from %d to %d", step, capacity, c)
				}
				capacity = c
			}
		} else {
			k := rng.Intn(len(order))
			i := order[k]
			order[k] = order[len(order)-1]
			order = order[:len(order)-1]
			d, ok := tbl.Get(i)
			if !ok || d.Phys() != live[i] {
				t.Fatalf("step %d: Get(%d) = %v, %v, want phys %#x", step, i, d, ok, live[i])
			}
			delete(live, i)
			if err := tbl.FreeBuffer(i); err != nil {
				t.Fatalf("step %d: FreeBuffer(%d) failed: %v", step, i, err)
			}
		}
		if got := tbl.Occupied(); got != len(live) {
			t.Fatalf("step %d: Occupied() = %d, want %d", step, got, len(live))
		}
		if step%97 == 0 {
			mustCheck(t, tbl)
		}
	}
	mustCheck(t, tbl)
	// Live regions are the buffers plus the descriptor array.
	if got, want := a.Live(), len(live)+1; got != want {
		t.Errorf("Live() = %d, want %d", got, want)
	}
	tbl.Destruct()
	if a.Live() != 0 {
		t.Errorf("Destruct leaked %d regions", a.Live())
	}
}

func TestRange(t *testing.T) {
	tbl, _ := newTestTable()
	for n := 0; n < 6; n++ {
		if _, err := tbl.AllocateBuffer(1); err != nil {
			t.Fatalf("AllocateBuffer failed: %v", err)
		}
	}
	tbl.FreeBuffer(2)
	tbl.FreeBuffer(4)
	var got []Index
	tbl.Range(func(i Index, d *Descriptor) bool {
		got = append(got, i)
		return true
	})
	if diff := cmp.Diff([]Index{0, 1, 3, 5}, got); diff != "" {
		t.Errorf("Range visited wrong indices (-want +got):\n%s", diff)
	}
}

func TestDumpRange(t *testing.T) {
	for _, tc := range []struct {
		start, stop int
		wantStart   int
		wantStop    int
	}{
		{0, 0, 0, 256},
		{5, 9, 4, 12},
		{-1, 8, 0, 8},
		{300, 0, 0, 256},
		{8, 3, 8, 256},
		{0, 1000, 0, 256},
		{250, 255, 248, 256},
	} {
		start, stop := DumpRange(tc.start, tc.stop, 256, DumpGranularity)
		if start != tc.wantStart || stop != tc.wantStop {
			t.Errorf("DumpRange(%d, %d) = [%d, %d), want [%d, %d)", tc.start, tc.stop, start, stop, tc.wantStart, tc.wantStop)
		}
	}
}

func TestDump(t *testing.T) {
	tbl, _ := newTestTable()
	var buf bytes.Buffer
	tbl.Dump(&buf, 0, 0)
	if !strings.Contains(buf.String(), "not initialized") {
		t.Errorf("Dump of uninitialized table = %q", buf.String())
	}

	if _, err := tbl.AllocateBuffer(1); err != nil {
		t.Fatalf("AllocateBuffer failed: %v", err)
	}
	buf.Reset()
	tbl.Dump(&buf, 1, 6)
	out := buf.String()
	for _, want := range []string{"capacity       256", "0:  regular v@", "free->2", "4:  free->5", "free->8"} {
		if !strings.Contains(out, want) {
			t.Errorf("Dump output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\n8:") {
		t.Errorf("Dump printed past stop:\n%s", out)
	}
}
