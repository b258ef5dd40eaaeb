//go:build linux

package pinned

import "testing"

func TestHostAllocator(t *testing.T) {
	h, err := NewHostAllocator()
	if err != nil {
		t.Fatalf("NewHostAllocator failed: %v", err)
	}
	defer h.Close()

	r, err := h.Alloc(1)
	if err != nil {
		t.Skipf("cannot lock host memory here: %v", err)
	}
	if got, want := len(r.Bytes()), int(2*PageSize); got != want {
		t.Errorf("len(Bytes()) = %d, want %d", got, want)
	}
	if r.Virt&Addr(PageSize-1) != 0 {
		t.Errorf("region %v is not page aligned", r)
	}
	r.Fill(0xBE)
	if b := r.Bytes()[len(r.Bytes())-1]; b != 0xBE {
		t.Errorf("last byte = %#x after Fill, want 0xbe", b)
	}
	h.Free(r)
}
