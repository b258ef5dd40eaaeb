package pinned

import "testing"

func TestOrder(t *testing.T) {
	for _, tc := range []struct {
		size Bytes
		want uint8
	}{
		{0, 0},
		{1, 0},
		{PageSize - 1, 0},
		{PageSize, 0},
		{PageSize + 1, 1},
		{2 * PageSize, 1},
		{3 * PageSize, 2},
		{3 << 19, 9},
		{2 << 20, 9},
		{2<<20 + 1, 10},
		{1 << 40, 28},
	} {
		if got := Order(tc.size); got != tc.want {
			t.Errorf("Order(%d) = %d, want %d", tc.size, got, tc.want)
		}
		if OrderSize(Order(tc.size)) < tc.size {
			t.Errorf("OrderSize(Order(%d)) = %d is too small", tc.size, OrderSize(Order(tc.size)))
		}
	}
}

func TestBytes(t *testing.T) {
	if got := Bytes(5000).AlignUp(PageSize); got != 2*PageSize {
		t.Errorf("AlignUp = %d, want %d", got, 2*PageSize)
	}
	if got := Bytes(5000).AlignDown(PageSize); got != PageSize {
		t.Errorf("AlignDown = %d, want %d", got, PageSize)
	}
	if got := Bytes(5000).Pages(); got != 2 {
		t.Errorf("Pages = %d, want 2", got)
	}
	if got := Bytes(5000).Log2(); got != 12 {
		t.Errorf("Log2 = %d, want 12", got)
	}
	if got := Addr(0x1000).Diff(0x3000); got != 0x2000 {
		t.Errorf("Diff = %#x, want 0x2000", got)
	}
}

func TestAlignUpPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("AlignUp with non power-of-two alignment did not panic")
		}
	}()
	Bytes(1).AlignUp(3)
}

func TestRegionFill(t *testing.T) {
	r := NewRegion(0, 0, 1, make([]byte, OrderSize(1)))
	r.Fill(0xAF)
	for i, b := range r.Bytes() {
		if b != 0xAF {
			t.Fatalf("byte %d = %#x after Fill, want 0xaf", i, b)
		}
	}
	// Regions without a mapping ignore fills.
	NewRegion(0, 0, 3, nil).Fill(0xBE)
}
