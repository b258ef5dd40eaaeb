package simulation

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOtherStats(t *testing.T) {
	s := NewStats()
	s.RegisterOther("b")
	s.RegisterOther("a")
	s.AddOther("a", 5)
	s.RegisterOther("a")
	s.SubOther("a", 2)
	if diff := cmp.Diff([]string{"a", "b"}, s.OtherStats()); diff != "" {
		t.Errorf("OtherStats mismatch (-want +got):\n%s", diff)
	}
	if got := s.GetOther("a"); got != 3 {
		t.Errorf("GetOther(a) = %d, want 3", got)
	}
	if got := s.GetOther("missing"); got != 0 {
		t.Errorf("GetOther(missing) = %d, want 0", got)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("AddOther on unregistered stat did not panic")
		}
	}()
	s.AddOther("missing", 1)
}

func TestMerge(t *testing.T) {
	a := NewStats()
	a.Timestamp = 10
	a.Allocs = 2
	a.LiveBytes = 4096
	a.RegisterOther("grows")
	a.AddOther("grows", 1)

	b := NewStats()
	b.Timestamp = 7
	b.Allocs = 3
	b.BadFrees = 1
	b.RegisterOther("grows")
	b.AddOther("grows", 2)
	b.RegisterOther("retries")
	b.AddOther("retries", 4)

	a.Merge(b)
	want := &Stats{
		Timestamp: 10,
		Allocs:    5,
		BadFrees:  1,
		LiveBytes: 4096,
		other:     map[string]uint64{"grows": 3, "retries": 4},
	}
	if diff := cmp.Diff(want, a, cmp.AllowUnexported(Stats{})); diff != "" {
		t.Errorf("Merge mismatch (-want +got):\n%s", diff)
	}
}
