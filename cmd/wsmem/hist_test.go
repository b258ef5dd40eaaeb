// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type sizeCount struct {
	Size, Count uint64
}

func histContents(h *SizeHist) []sizeCount {
	var out []sizeCount
	h.ForEach(func(size, count uint64) {
		out = append(out, sizeCount{size, count})
	})
	return out
}

func TestSizeHist(t *testing.T) {
	h := NewSizeHist()
	for _, size := range []uint64{0, 1, 1, 4096, 1 << 20, 1 << 16, 1 << 20} {
		h.Add(size)
	}
	h.Sub(1)
	h.Sub(1 << 16)
	want := []sizeCount{{0, 1}, {1, 1}, {4096, 1}, {1 << 20, 2}}
	if diff := cmp.Diff(want, histContents(h)); diff != "" {
		t.Errorf("histogram mismatch (-want +got):\n%s", diff)
	}
}

func TestSizeHistSubBelowZero(t *testing.T) {
	for _, size := range []uint64{5, 1 << 30} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Sub(%d) on empty histogram did not panic", size)
				}
			}()
			NewSizeHist().Sub(size)
		}()
	}
}

func TestSmallUint32Hist(t *testing.T) {
	var h SmallUint32Hist
	h.Add(3)
	h.AddN(1, 4)
	h.Add(3)
	snap := h.Snapshot()
	h.Add(0)
	if diff := cmp.Diff([]uint64{0, 4, 0, 2}, snap); diff != "" {
		t.Errorf("Snapshot mismatch (-want +got):\n%s", diff)
	}
}
