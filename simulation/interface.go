package simulation

import (
	"sort"

	"github.com/mknyszek/wsmem"
)

// Stats is a sample of statistics produced by the
// simulator.
type Stats struct {
	// Timestamp is the time in ticks for the most
	// recent event processed by the simulator.
	Timestamp uint64

	// Allocs is the total number of regular buffer
	// allocations processed by the simulator.
	Allocs uint64

	// IOAdds is the total number of device memory
	// registrations processed by the simulator.
	IOAdds uint64

	// VirtAllocs is the total number of virtual workspaces
	// constructed by the simulator.
	VirtAllocs uint64

	// Frees is the total number of buffer frees processed
	// by the simulator.
	Frees uint64

	// VirtFrees is the total number of virtual workspaces
	// destructed by the simulator.
	VirtFrees uint64

	// FailedAllocs is the number of allocations of any kind
	// that failed for lack of memory.
	FailedAllocs uint64

	// BadFrees is the number of frees of buffers or workspaces
	// that were not live, such as double frees.
	BadFrees uint64

	// Checks is the number of integrity checks performed.
	Checks uint64

	// LiveBuffers is the number of live buffers, regular and
	// device memory.
	LiveBuffers uint64

	// LiveWorkspaces is the number of live virtual workspaces.
	LiveWorkspaces uint64

	// LiveBytes is the amount of memory in bytes occupied by
	// live regular buffers and the super pages of live
	// workspaces, after rounding.
	LiveBytes uint64

	// other represents statistics which are unique to the
	// implementation, usually representing a breakdown of
	// other statistics, or something else entirely.
	other map[string]uint64
}

// NewStats creates a new valid Stats object.
//
// Must be used instead of constructing a Stats object directly,
// since there are unexported fields which may need to be initialized.
func NewStats() *Stats {
	return &Stats{
		other: make(map[string]uint64),
	}
}

// OtherStats returns a list of registered implementation-specific statistics.
func (s *Stats) OtherStats() []string {
	names := make([]string, 0, len(s.other))
	for name := range s.other {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetOther returns the value for a implementation-specific statistic
// by name. Returns 0 if the statistic is not registered.
func (s *Stats) GetOther(name string) uint64 {
	return s.other[name]
}

// RegisterOther registers a new implementation-specific statistic.
//
// This operation is idempotent and safe to perform again, even after
// a statistic has been modified.
func (s *Stats) RegisterOther(name string) {
	if _, ok := s.other[name]; !ok {
		s.other[name] = 0
	}
}

// AddOther adds an amount to the value to a implementation-specific statistic.
// Panics if the statistic has not been registered.
func (s *Stats) AddOther(name string, amount uint64) {
	if val, ok := s.other[name]; ok {
		s.other[name] = val + amount
	} else {
		panic("attempted to add to non-existing stat")
	}
}

// SubOther subtracts an amount from the value of a implementation-specific
// statistic. Panics if the statistic has not been registered.
func (s *Stats) SubOther(name string, amount uint64) {
	if val, ok := s.other[name]; ok {
		s.other[name] = val - amount
	} else {
		panic("attempted to subtract from non-existing stat")
	}
}

// Merge adds every counter of o into s, registering any
// implementation-specific statistics s lacks. Timestamp becomes
// the later of the two.
func (s *Stats) Merge(o *Stats) {
	if o.Timestamp > s.Timestamp {
		s.Timestamp = o.Timestamp
	}
	s.Allocs += o.Allocs
	s.IOAdds += o.IOAdds
	s.VirtAllocs += o.VirtAllocs
	s.Frees += o.Frees
	s.VirtFrees += o.VirtFrees
	s.FailedAllocs += o.FailedAllocs
	s.BadFrees += o.BadFrees
	s.Checks += o.Checks
	s.LiveBuffers += o.LiveBuffers
	s.LiveWorkspaces += o.LiveWorkspaces
	s.LiveBytes += o.LiveBytes
	for name, v := range o.other {
		s.RegisterOther(name)
		s.AddOther(name, v)
	}
}

// Simulator describes a workspace memory simulator.
type Simulator interface {
	// RegisterStats offers the simulator an opportunity to
	// register any additional statistics before processing.
	RegisterStats(*Stats)

	// Process feeds another workspace trace event
	// into the simulator. It returns an error only if the
	// simulation cannot continue.
	Process(wsmem.Event, *Stats) error
}
