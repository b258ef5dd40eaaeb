// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import "sort"

// SizeHist counts buffers by requested size.
type SizeHist struct {
	small [32<<10 + 1]uint64
	large map[uint64]uint64
}

func NewSizeHist() *SizeHist {
	return &SizeHist{
		large: make(map[uint64]uint64),
	}
}

func (s *SizeHist) Add(size uint64) {
	if size < uint64(len(s.small)) {
		s.small[size]++
		return
	}
	s.large[size]++
}

func (s *SizeHist) Sub(size uint64) {
	if size < uint64(len(s.small)) {
		if s.small[size] == 0 {
			panic("subtraction below zero")
		}
		s.small[size]--
		return
	}
	val, ok := s.large[size]
	if !ok {
		panic("subtraction below zero")
	}
	if val == 1 {
		delete(s.large, size)
	} else {
		s.large[size] = val - 1
	}
}

// ForEach calls f for every size with a non-zero count, in increasing
// order of size.
func (s *SizeHist) ForEach(f func(size, count uint64)) {
	for i := range s.small {
		if s.small[i] != 0 {
			f(uint64(i), s.small[i])
		}
	}
	sizes := make([]uint64, 0, len(s.large))
	for size := range s.large {
		sizes = append(sizes, size)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	for _, size := range sizes {
		f(size, s.large[size])
	}
}

type SmallUint32Hist struct {
	bins []uint64
}

func (h *SmallUint32Hist) AddN(i uint32, n uint64) {
	if i >= uint32(len(h.bins)) {
		h.bins = append(h.bins, make([]uint64, i-uint32(len(h.bins))+1)...)
	}
	h.bins[i] += n
}

func (h *SmallUint32Hist) Add(i uint32) {
	h.AddN(i, 1)
}

func (h *SmallUint32Hist) Snapshot() []uint64 {
	out := make([]uint64, len(h.bins))
	copy(out, h.bins)
	return out
}
