package toolbox

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff"
	"github.com/mknyszek/wsmem"
	"github.com/mknyszek/wsmem/pinned"
	"github.com/mknyszek/wsmem/session"
	"github.com/mknyszek/wsmem/simulation"
	"github.com/mknyszek/wsmem/virtmem"
)

// Implementation-specific statistics registered by Simulator.
const (
	StatTableGrows        = "table-grows"
	StatRetries           = "oom-retries"
	StatReusedIDs         = "reused-ids"
	StatInvalidWorkspaces = "invalid-workspaces"
	StatWorkspaceLimit    = "workspace-limit"
)

// live is a buffer or workspace the trace has allocated.
type live struct {
	id   session.WSID
	size uint64
}

// Simulator implements the simulation.Simulator interface by
// replaying the events of one session against a session.Session.
//
// Trace IDs are mapped to the WSIDs the session hands out. Frees
// of IDs that are not live are counted rather than passed on, so
// a double free in the trace never frees a slot someone else has
// since been given.
type Simulator struct {
	sess     *session.Session
	retry    func() backoff.BackOff
	buffers  IDSet
	toWSID   map[uint64]live
	virt     map[uint64]live
	capacity int
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithRetry makes the simulator retry allocations that fail for
// lack of memory, following a fresh policy from newBackOff each
// time. This only helps when other sessions share the allocator.
func WithRetry(newBackOff func() backoff.BackOff) SimulatorOption {
	return func(s *Simulator) {
		s.retry = newBackOff
	}
}

// NewSimulator constructs a new simulator replaying into sess.
func NewSimulator(sess *session.Session, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		sess:   sess,
		toWSID: make(map[uint64]live),
		virt:   make(map[uint64]live),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterStats registers additional implementation-specific statistics
// with the simulation.Stats.
func (s *Simulator) RegisterStats(stats *simulation.Stats) {
	for _, name := range []string{StatTableGrows, StatRetries, StatReusedIDs, StatInvalidWorkspaces, StatWorkspaceLimit} {
		stats.RegisterOther(name)
	}
}

// allocate runs op, retrying it according to the retry policy while
// it fails with pinned.ErrOutOfMemory.
func (s *Simulator) allocate(stats *simulation.Stats, op func() error) error {
	if s.retry == nil {
		return op()
	}
	attempts := 0
	return backoff.Retry(func() error {
		if attempts > 0 {
			stats.AddOther(StatRetries, 1)
		}
		attempts++
		err := op()
		if err != nil && !errors.Is(err, pinned.ErrOutOfMemory) {
			return backoff.Permanent(err)
		}
		return err
	}, s.retry())
}

func (s *Simulator) noteGrowth(stats *simulation.Stats) {
	if c := s.sess.Capacity(); c > s.capacity {
		if s.capacity != 0 {
			stats.AddOther(StatTableGrows, 1)
		}
		s.capacity = c
	}
}

// Process implements the simulation.Simulator interface.
func (s *Simulator) Process(ev wsmem.Event, stats *simulation.Stats) error {
	stats.Timestamp = ev.Timestamp
	switch ev.Kind {
	case wsmem.EventAlloc, wsmem.EventAddIO:
		if !s.buffers.Add(ev.ID) {
			stats.AddOther(StatReusedIDs, 1)
			return nil
		}
		var id session.WSID
		var size uint64
		err := s.allocate(stats, func() error {
			var err error
			if ev.Kind == wsmem.EventAlloc {
				id, err = s.sess.Alloc(pinned.Bytes(ev.Size))
				size = uint64(pinned.OrderSize(pinned.Order(pinned.Bytes(ev.Size))))
			} else {
				id, err = s.sess.AddIO(pinned.NewRegion(pinned.Addr(ev.Addr), pinned.Addr(ev.Addr), ev.Order, nil))
			}
			return err
		})
		if err != nil {
			s.buffers.Remove(ev.ID)
			if errors.Is(err, pinned.ErrOutOfMemory) {
				stats.FailedAllocs++
				return nil
			}
			return fmt.Errorf("event %v: %w", ev, err)
		}
		s.toWSID[ev.ID] = live{id, size}
		s.noteGrowth(stats)
		if ev.Kind == wsmem.EventAlloc {
			stats.Allocs++
		} else {
			stats.IOAdds++
		}
		stats.LiveBuffers++
		stats.LiveBytes += size
	case wsmem.EventFree:
		if !s.buffers.Remove(ev.ID) {
			stats.BadFrees++
			return nil
		}
		b := s.toWSID[ev.ID]
		delete(s.toWSID, ev.ID)
		if err := s.sess.Free(b.id); err != nil {
			return fmt.Errorf("event %v: freeing %v: %w", ev, b.id, err)
		}
		stats.Frees++
		stats.LiveBuffers--
		stats.LiveBytes -= b.size
	case wsmem.EventVirtAlloc:
		if _, ok := s.virt[ev.ID]; ok {
			stats.AddOther(StatReusedIDs, 1)
			return nil
		}
		var id session.WSID
		err := s.allocate(stats, func() error {
			var err error
			id, err = s.sess.AllocVirtual(pinned.Bytes(ev.Size), ev.Order)
			return err
		})
		switch {
		case errors.Is(err, pinned.ErrOutOfMemory):
			stats.FailedAllocs++
			return nil
		case errors.Is(err, virtmem.ErrInvalidArgument):
			stats.AddOther(StatInvalidWorkspaces, 1)
			return nil
		case errors.Is(err, session.ErrWorkspaceLimit):
			stats.AddOther(StatWorkspaceLimit, 1)
			return nil
		case err != nil:
			return fmt.Errorf("event %v: %w", ev, err)
		}
		info, err := s.sess.Lookup(id)
		if err != nil {
			return fmt.Errorf("event %v: %w", ev, err)
		}
		s.virt[ev.ID] = live{id, uint64(info.Size)}
		stats.VirtAllocs++
		stats.LiveWorkspaces++
		stats.LiveBytes += uint64(info.Size)
	case wsmem.EventVirtFree:
		w, ok := s.virt[ev.ID]
		if !ok {
			stats.BadFrees++
			return nil
		}
		delete(s.virt, ev.ID)
		if err := s.sess.Free(w.id); err != nil {
			return fmt.Errorf("event %v: freeing %v: %w", ev, w.id, err)
		}
		stats.VirtFrees++
		stats.LiveWorkspaces--
		stats.LiveBytes -= w.size
	case wsmem.EventCheck:
		if err := s.sess.Check(); err != nil {
			return fmt.Errorf("event %v: %w", ev, err)
		}
		stats.Checks++
	default:
		return fmt.Errorf("event %v: unexpected kind", ev)
	}
	return nil
}

// Close releases everything the replay left live and verifies
// nothing leaked into the session's tables.
func (s *Simulator) Close() error {
	err := s.sess.Check()
	if cerr := s.sess.Close(); err == nil {
		err = cerr
	}
	return err
}

// Live returns the number of buffers and workspaces the trace holds.
func (s *Simulator) Live() (buffers, workspaces int) {
	return s.buffers.Len(), len(s.virt)
}

var _ simulation.Simulator = (*Simulator)(nil)

