package toolbox

import (
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/mknyszek/wsmem"
	"github.com/mknyszek/wsmem/internal/log"
	"github.com/mknyszek/wsmem/pinned"
	"github.com/mknyszek/wsmem/session"
	"github.com/mknyszek/wsmem/simulation"
)

func newTestSimulator(t *testing.T, a pinned.Allocator, sessOpts []session.Option, opts ...SimulatorOption) (*Simulator, *simulation.Stats) {
	t.Helper()
	sess := session.New(a, append([]session.Option{session.WithLogger(log.Discard)}, sessOpts...)...)
	s := NewSimulator(sess, opts...)
	stats := simulation.NewStats()
	s.RegisterStats(stats)
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s, stats
}

func process(t *testing.T, s *Simulator, stats *simulation.Stats, evs ...wsmem.Event) {
	t.Helper()
	for i := range evs {
		evs[i].Timestamp = stats.Timestamp + 1
		if err := s.Process(evs[i], stats); err != nil {
			t.Fatalf("Process(%v): %v", evs[i], err)
		}
	}
}

var ignoreOther = cmpopts.IgnoreUnexported(simulation.Stats{})

func TestSimulatorReplay(t *testing.T) {
	a := pinned.NewSimAllocator()
	s, stats := newTestSimulator(t, a, nil)
	process(t, s, stats,
		wsmem.Event{Kind: wsmem.EventAlloc, ID: 1, Size: 100},
		wsmem.Event{Kind: wsmem.EventAlloc, ID: 2, Size: 5000},
		wsmem.Event{Kind: wsmem.EventAddIO, ID: 3, Addr: 0xfe000000, Order: 2},
		wsmem.Event{Kind: wsmem.EventFree, ID: 1},
		wsmem.Event{Kind: wsmem.EventFree, ID: 1},
		wsmem.Event{Kind: wsmem.EventVirtAlloc, ID: 7, Size: 3 << 19, Order: 21},
		wsmem.Event{Kind: wsmem.EventCheck},
		wsmem.Event{Kind: wsmem.EventVirtFree, ID: 7},
		wsmem.Event{Kind: wsmem.EventVirtFree, ID: 7},
		wsmem.Event{Kind: wsmem.EventAlloc, ID: 2, Size: 1},
	)
	want := simulation.Stats{
		Timestamp:   10,
		Allocs:      2,
		IOAdds:      1,
		VirtAllocs:  1,
		Frees:       1,
		VirtFrees:   1,
		BadFrees:    2,
		Checks:      1,
		LiveBuffers: 2,
		LiveBytes:   8192,
	}
	if diff := cmp.Diff(want, *stats, ignoreOther); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if got := stats.GetOther(StatReusedIDs); got != 1 {
		t.Errorf("%s = %d, want 1", StatReusedIDs, got)
	}
	if b, w := s.Live(); b != 2 || w != 0 {
		t.Errorf("Live() = %d, %d, want 2, 0", b, w)
	}
}

func TestSimulatorTableGrows(t *testing.T) {
	s, stats := newTestSimulator(t, pinned.NewSimAllocator(), nil)
	for i := uint64(0); i < 300; i++ {
		process(t, s, stats, wsmem.Event{Kind: wsmem.EventAlloc, ID: i, Size: 64})
	}
	if got := stats.GetOther(StatTableGrows); got != 1 {
		t.Errorf("%s = %d, want 1", StatTableGrows, got)
	}
	for i := uint64(0); i < 300; i++ {
		process(t, s, stats, wsmem.Event{Kind: wsmem.EventFree, ID: i})
	}
	if stats.LiveBuffers != 0 || stats.LiveBytes != 0 {
		t.Errorf("LiveBuffers, LiveBytes = %d, %d after freeing everything", stats.LiveBuffers, stats.LiveBytes)
	}
}

func TestSimulatorOutOfMemory(t *testing.T) {
	a := pinned.NewSimAllocator(pinned.SimLimit(16 * pinned.PageSize))
	s, stats := newTestSimulator(t, a, nil)
	process(t, s, stats,
		wsmem.Event{Kind: wsmem.EventAlloc, ID: 1, Size: 16 * 4096},
		wsmem.Event{Kind: wsmem.EventAlloc, ID: 1, Size: 4096},
		wsmem.Event{Kind: wsmem.EventVirtAlloc, ID: 2, Size: 1 << 21, Order: 21},
	)
	if stats.FailedAllocs != 2 {
		t.Errorf("FailedAllocs = %d, want 2", stats.FailedAllocs)
	}
	if stats.Allocs != 1 || stats.LiveBytes != 4096 {
		t.Errorf("Allocs, LiveBytes = %d, %d, want 1, 4096", stats.Allocs, stats.LiveBytes)
	}
}

func TestSimulatorWorkspaceErrors(t *testing.T) {
	s, stats := newTestSimulator(t, pinned.NewSimAllocator(), nil)
	process(t, s, stats,
		wsmem.Event{Kind: wsmem.EventVirtAlloc, ID: 1, Size: 4096, Order: 50},
		wsmem.Event{Kind: wsmem.EventVirtAlloc, ID: 2, Size: 4096, Order: 12},
		wsmem.Event{Kind: wsmem.EventVirtAlloc, ID: 3, Size: 4096, Order: 12},
		wsmem.Event{Kind: wsmem.EventVirtAlloc, ID: 2, Size: 4096, Order: 12},
	)
	if got := stats.GetOther(StatInvalidWorkspaces); got != 1 {
		t.Errorf("%s = %d, want 1", StatInvalidWorkspaces, got)
	}
	if got := stats.GetOther(StatWorkspaceLimit); got != 1 {
		t.Errorf("%s = %d, want 1", StatWorkspaceLimit, got)
	}
	if got := stats.GetOther(StatReusedIDs); got != 1 {
		t.Errorf("%s = %d, want 1", StatReusedIDs, got)
	}
	if stats.VirtAllocs != 1 || stats.LiveWorkspaces != 1 {
		t.Errorf("VirtAllocs, LiveWorkspaces = %d, %d, want 1, 1", stats.VirtAllocs, stats.LiveWorkspaces)
	}
}

// releasingBackOff lifts the allocator's injected failure after a number
// of retries, as if another session had freed memory.
type releasingBackOff struct {
	a     *pinned.SimAllocator
	after int
	n     int
}

func (b *releasingBackOff) NextBackOff() time.Duration {
	b.n++
	if b.n == b.after {
		b.a.FailAfter(-1)
	}
	return 0
}

func (b *releasingBackOff) Reset() {}

func TestSimulatorRetry(t *testing.T) {
	a := pinned.NewSimAllocator()
	a.FailAfter(0)
	s, stats := newTestSimulator(t, a, nil, WithRetry(func() backoff.BackOff {
		return &releasingBackOff{a: a, after: 2}
	}))
	process(t, s, stats, wsmem.Event{Kind: wsmem.EventAlloc, ID: 1, Size: 4096})
	if got := stats.GetOther(StatRetries); got != 2 {
		t.Errorf("%s = %d, want 2", StatRetries, got)
	}
	if stats.Allocs != 1 || stats.FailedAllocs != 0 {
		t.Errorf("Allocs, FailedAllocs = %d, %d, want 1, 0", stats.Allocs, stats.FailedAllocs)
	}
}

func TestSimulatorRetryGivesUp(t *testing.T) {
	a := pinned.NewSimAllocator()
	a.FailAfter(0)
	s, stats := newTestSimulator(t, a, nil, WithRetry(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Microsecond), 3)
	}))
	process(t, s, stats, wsmem.Event{Kind: wsmem.EventAlloc, ID: 1, Size: 4096})
	if got := stats.GetOther(StatRetries); got != 3 {
		t.Errorf("%s = %d, want 3", StatRetries, got)
	}
	if stats.FailedAllocs != 1 {
		t.Errorf("FailedAllocs = %d, want 1", stats.FailedAllocs)
	}
}

func TestSimulatorRejectsBadKind(t *testing.T) {
	s, stats := newTestSimulator(t, pinned.NewSimAllocator(), nil)
	if err := s.Process(wsmem.Event{Kind: wsmem.EventBad}, stats); err == nil {
		t.Errorf("Process of bad event succeeded")
	}
}

func TestSimulatorFailedAllocForgetsID(t *testing.T) {
	sess := session.New(pinned.NewSimAllocator(), session.WithLogger(log.Discard))
	s := NewSimulator(sess)
	stats := simulation.NewStats()
	s.RegisterStats(stats)
	if err := sess.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	for _, ev := range []wsmem.Event{
		{Kind: wsmem.EventAlloc, ID: 1, Size: 64},
		{Kind: wsmem.EventAlloc, ID: 1, Size: 64},
		{Kind: wsmem.EventAddIO, ID: 2, Addr: 0xfe000000},
	} {
		if err := s.Process(ev, stats); !errors.Is(err, session.ErrClosed) {
			t.Errorf("Process(%v) = %v, want %v", ev, err, session.ErrClosed)
		}
	}
	if got := stats.GetOther(StatReusedIDs); got != 0 {
		t.Errorf("%s = %d after failed allocations, want 0", StatReusedIDs, got)
	}
	if b, w := s.Live(); b != 0 || w != 0 {
		t.Errorf("Live() = %d, %d after failed allocations, want 0, 0", b, w)
	}
	if stats.FailedAllocs != 0 || stats.LiveBuffers != 0 {
		t.Errorf("FailedAllocs, LiveBuffers = %d, %d, want 0, 0", stats.FailedAllocs, stats.LiveBuffers)
	}
}
