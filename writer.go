// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wsmem

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// maxEventSize bounds the encoding of one event, including a
// possible sync event.
const maxEventSize = 1 + 3*binary.MaxVarintLen64 + 1 + 1 + binary.MaxVarintLen64

// Writer produces a workspace trace that Parser can read.
//
// Events are buffered per session into fixed-size batches and
// written out as batches fill up, so events of one session must be
// emitted in timestamp order but sessions may be interleaved freely.
type Writer struct {
	w       io.Writer
	batches map[int32]*batchWriter
	err     error
}

type batchWriter struct {
	buf      []byte
	syncTick uint64
	last     uint64
}

// NewWriter writes a trace header to w and returns a Writer for
// the rest of the trace.
func NewWriter(w io.Writer) (*Writer, error) {
	header := [headerSize]byte{headerMagic[0], headerMagic[1], byte(supportedVersion >> 8), byte(supportedVersion & 0xff)}
	if _, err := w.Write(header[:]); err != nil {
		return nil, fmt.Errorf("writing header: %v", err)
	}
	return &Writer{w: w, batches: make(map[int32]*batchWriter)}, nil
}

// Emit adds an event to the trace.
func (w *Writer) Emit(ev Event) error {
	if w.err != nil {
		return w.err
	}
	if ev.Session < 0 {
		return fmt.Errorf("event %v: negative session", ev)
	}
	var kind uint8
	switch ev.Kind {
	case EventAlloc:
		kind = evAlloc
	case EventFree:
		kind = evFree
	case EventAddIO:
		kind = evAddIO
	case EventVirtAlloc:
		kind = evVirtAlloc
	case EventVirtFree:
		kind = evVirtFree
	case EventCheck:
		kind = evCheck
	default:
		return fmt.Errorf("event %v: bad kind", ev)
	}
	b := w.batches[ev.Session]
	if b == nil {
		b = new(batchWriter)
		w.batches[ev.Session] = b
	}
	if ev.Timestamp < b.last {
		return fmt.Errorf("event %v: timestamp before previous event %d of the session", ev, b.last)
	}
	b.last = ev.Timestamp

	if b.buf != nil && len(b.buf)+maxEventSize+1 > batchSize {
		if err := w.flush(b); err != nil {
			return err
		}
	}
	if b.buf == nil {
		b.buf = make([]byte, 0, batchSize)
		b.buf = append(b.buf, evBatchStart)
		b.buf = binary.AppendUvarint(b.buf, uint64(ev.Session))
		b.buf = append(b.buf, evSync)
		b.buf = binary.AppendUvarint(b.buf, ev.Timestamp)
		b.syncTick = ev.Timestamp
	}

	b.buf = append(b.buf, kind)
	switch ev.Kind {
	case EventAlloc:
		b.buf = binary.AppendUvarint(b.buf, ev.ID)
		b.buf = binary.AppendUvarint(b.buf, ev.Size)
	case EventVirtAlloc:
		b.buf = binary.AppendUvarint(b.buf, ev.ID)
		b.buf = binary.AppendUvarint(b.buf, ev.Size)
		b.buf = append(b.buf, ev.Order)
	case EventFree, EventVirtFree:
		b.buf = binary.AppendUvarint(b.buf, ev.ID)
	case EventAddIO:
		b.buf = binary.AppendUvarint(b.buf, ev.ID)
		b.buf = binary.AppendUvarint(b.buf, ev.Addr)
		b.buf = append(b.buf, ev.Order)
	}
	b.buf = binary.AppendUvarint(b.buf, ev.Timestamp-b.syncTick)
	return nil
}

// flush terminates b's current batch, pads it and writes it out.
func (w *Writer) flush(b *batchWriter) error {
	b.buf = append(b.buf, evBatchEnd)
	b.buf = b.buf[:batchSize]
	if _, err := w.w.Write(b.buf); err != nil {
		w.err = fmt.Errorf("writing batch: %v", err)
		return w.err
	}
	b.buf = nil
	return nil
}

// Flush writes out every partially filled batch.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	sids := make([]int32, 0, len(w.batches))
	for sid, b := range w.batches {
		if b.buf != nil {
			sids = append(sids, sid)
		}
	}
	sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })
	for _, sid := range sids {
		if err := w.flush(w.batches[sid]); err != nil {
			return err
		}
	}
	return nil
}
