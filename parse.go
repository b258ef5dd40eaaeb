// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wsmem

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

const batchSize = 32 << 10

// Parser contains the workspace trace parsing
// state.
type Parser struct {
	src          Source
	index        [][]batchOffset
	batches      []batchReader
	totalBatches uint64
}

// Source is a workspace trace source.
type Source interface {
	io.ReaderAt

	// Len returns the size of the workspace
	// trace in bytes.
	Len() int
}

type batchOffset struct {
	startTicks uint64
	fileOffset int64
	headerLen  int
}

const (
	evBad uint8 = iota
	evAlloc
	evFree
	evAddIO
	evVirtAlloc
	evVirtFree
	evCheck
	evSync
	evBatchStart
	evBatchEnd
)

func parseVarint(buf []byte) (int, uint64, error) {
	result := uint64(0)
	shift := uint(0)
	i := 0
loop:
	if i >= len(buf) {
		return 0, 0, fmt.Errorf("not enough bytes left to decode varint")
	}
	result |= uint64(buf[i]&0x7f) << shift
	if buf[i]&(1<<7) == 0 {
		return i + 1, result, nil
	}
	shift += 7
	i++
	if shift >= 64 {
		return 0, 0, fmt.Errorf("varint too long")
	}
	goto loop
}

// parseBatchHeader returns the session and start ticks of a batch,
// and the length of its header.
func parseBatchHeader(buf []byte) (int32, uint64, int, error) {
	idx := 0
	if len(buf) == 0 || buf[idx] != evBatchStart {
		return 0, 0, 0, fmt.Errorf("expected batch start event")
	}
	idx++

	n, sid, err := parseVarint(buf[idx:])
	if err != nil {
		return 0, 0, 0, err
	}
	if sid > 1<<31-1 {
		return 0, 0, 0, fmt.Errorf("session %d out of range", sid)
	}
	idx += n

	if idx >= len(buf) || buf[idx] != evSync {
		return 0, 0, 0, fmt.Errorf("expected sync event")
	}
	idx++

	n, ticks, err := parseVarint(buf[idx:])
	if err != nil {
		return 0, 0, 0, err
	}
	idx += n
	return int32(sid), ticks, idx, nil
}

const headerSize = 4

var headerMagic = [2]byte{'w', 's'}

const supportedVersion uint16 = (uint16(1) << 8) | 0

func parseHeader(r Source) (uint16, error) {
	var header [headerSize]byte
	n, err := r.ReadAt(header[:], 0)
	if n != headerSize {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	if header[0] != headerMagic[0] || header[1] != headerMagic[1] {
		return 0, fmt.Errorf("bad magic %q", header[:2])
	}
	version := uint16(header[2])<<8 | uint16(header[3])
	return version, nil
}

// NewParser creates and initializes new Parser given a Source.
//
// Initialization involves indexing and ordering the batches
// of every session, which is done in parallel.
//
// NewParser may fail if initialization, which may involve parsing
// part of or all of the trace, fails.
func NewParser(r Source) (*Parser, error) {
	// Check some basic properties, like the size and the header.
	if r.Len()%batchSize != headerSize {
		return nil, fmt.Errorf("bad format: file must be a multiple of %d bytes plus a %d byte header", batchSize, headerSize)
	}
	version, err := parseHeader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %v", err)
	}
	if version != supportedVersion {
		return nil, fmt.Errorf("unsupported version %d.%d", version>>8, version&0xff)
	}

	// Figure out how to break up the initialization phase.
	shards := runtime.GOMAXPROCS(-1)
	numBatches := (r.Len() - headerSize) / batchSize
	if shards > numBatches {
		shards = 1
	}
	batchesPerShard := (numBatches + shards - 1) / shards

	// Build up a per-shard index.
	perShardIndex := make([][][]batchOffset, shards)
	var eg errgroup.Group
	for i := 0; i < shards; i++ {
		eg.Go(func() error {
			const bufSize = 24
			var buf [bufSize]byte

			// Generate the index for this shard.
			var index [][]batchOffset
			start := int64(batchesPerShard * i)
			end := int64(batchesPerShard * (i + 1))
			if end > int64(numBatches) {
				end = int64(numBatches)
			}
			for idx := start*batchSize + headerSize; idx < end*batchSize+headerSize; idx += batchSize {
				n, err := r.ReadAt(buf[:], idx)
				if n < bufSize {
					return err
				}
				sid, ticks, hlen, err := parseBatchHeader(buf[:])
				if err != nil {
					return fmt.Errorf("batch at offset %d: %v", idx, err)
				}
				if int(sid) >= len(index) {
					index = append(index, make([][]batchOffset, int(sid)-len(index)+1)...)
				}
				index[sid] = append(index[sid], batchOffset{
					startTicks: ticks,
					fileOffset: idx,
					headerLen:  hlen,
				})
			}
			// For each session, sort the batches in the index.
			for sid := range index {
				sort.SliceStable(index[sid], func(i, j int) bool {
					return index[sid][i].startTicks < index[sid][j].startTicks
				})
			}
			perShardIndex[i] = index
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// Count the maximum number of sessions we need to account for.
	maxSessions := 0
	for i := range perShardIndex {
		if n := len(perShardIndex[i]); n > maxSessions {
			maxSessions = n
		}
	}

	// Count up how many batches there are for each session.
	perSessionBatches := make([]int, maxSessions)
	for sid := range perSessionBatches {
		for i := 0; i < shards; i++ {
			if sid < len(perShardIndex[i]) {
				perSessionBatches[sid] += len(perShardIndex[i][sid])
			}
		}
	}

	// Merge the per-shard indicies into one index, parallelizing
	// across sessions.
	index := make([][]batchOffset, maxSessions)
	sidChan := make(chan int, shards)
	var wg sync.WaitGroup
	for i := 0; i < shards; i++ {
		go func() {
			for {
				sid, ok := <-sidChan
				if !ok {
					return
				}
				for len(index[sid]) < perSessionBatches[sid] {
					minBatch := batchOffset{startTicks: ^uint64(0)}
					minShard := -1
					for i := 0; i < shards; i++ {
						if sid < len(perShardIndex[i]) && len(perShardIndex[i][sid]) > 0 && (minShard < 0 || perShardIndex[i][sid][0].startTicks < minBatch.startTicks) {
							minBatch = perShardIndex[i][sid][0]
							minShard = i
						}
					}
					perShardIndex[minShard][sid] = perShardIndex[minShard][sid][1:]
					index[sid] = append(index[sid], minBatch)
				}
				wg.Done()
			}
		}()
	}
	for sid := range index {
		if perSessionBatches[sid] != 0 {
			wg.Add(1)
			sidChan <- sid
		}
	}
	wg.Wait()
	close(sidChan)

	p := &Parser{
		src:          r,
		index:        index,
		batches:      make([]batchReader, maxSessions),
		totalBatches: uint64(numBatches),
	}
	for sid := range index {
		p.batches[sid].next = doneEvent
		if err := p.refill(sid); err != nil {
			return nil, fmt.Errorf("initializing parser: %v", err)
		}
	}
	return p, nil
}

var doneEvent = Event{Timestamp: ^uint64(0)}
var streamEnd = errors.New("stream end")

type batchReader struct {
	next     Event
	done     bool
	syncTick uint64
	readBuf  []byte
	batchBuf [batchSize]byte
}

func (b *batchReader) nextEvent() error {
	if len(b.readBuf) == 0 {
		return streamEnd
	}
	haveEvent := false
	b.next = Event{}
	for !haveEvent {
		if len(b.readBuf) == 0 {
			return fmt.Errorf("batch ended without a batch end event")
		}
		size := 1
		varint := func(what string) (uint64, error) {
			n, v, err := parseVarint(b.readBuf[size:])
			if err != nil {
				return 0, fmt.Errorf("parsing %s: %v", what, err)
			}
			size += n
			return v, nil
		}
		byteField := func(what string) (uint8, error) {
			if size >= len(b.readBuf) {
				return 0, fmt.Errorf("parsing %s: not enough bytes", what)
			}
			v := b.readBuf[size]
			size++
			return v, nil
		}
		var err error
		switch evKind := b.readBuf[0]; evKind {
		case evAlloc, evVirtAlloc:
			haveEvent = true
			b.next.Kind = EventAlloc
			if evKind == evVirtAlloc {
				b.next.Kind = EventVirtAlloc
			}
			if b.next.ID, err = varint("id for " + b.next.Kind.String()); err != nil {
				return err
			}
			if b.next.Size, err = varint("size for " + b.next.Kind.String()); err != nil {
				return err
			}
			if evKind == evVirtAlloc {
				if b.next.Order, err = byteField("super page order"); err != nil {
					return err
				}
			}
		case evFree, evVirtFree:
			haveEvent = true
			b.next.Kind = EventFree
			if evKind == evVirtFree {
				b.next.Kind = EventVirtFree
			}
			if b.next.ID, err = varint("id for " + b.next.Kind.String()); err != nil {
				return err
			}
		case evAddIO:
			haveEvent = true
			b.next.Kind = EventAddIO
			if b.next.ID, err = varint("id for add-io"); err != nil {
				return err
			}
			if b.next.Addr, err = varint("address for add-io"); err != nil {
				return err
			}
			if b.next.Order, err = byteField("order for add-io"); err != nil {
				return err
			}
		case evCheck:
			haveEvent = true
			b.next.Kind = EventCheck
		case evSync:
			ticks, err := varint("sync event timestamp")
			if err != nil {
				return err
			}
			b.syncTick = ticks
		case evBatchEnd:
			return streamEnd
		case evBatchStart:
			return fmt.Errorf("unexpected header found")
		default:
			return fmt.Errorf("unknown event type %d", evKind)
		}
		if haveEvent {
			// Every event ends in a tick delta.
			tickDelta, err := varint("tick delta for " + b.next.Kind.String())
			if err != nil {
				return err
			}
			b.next.Timestamp = b.syncTick + tickDelta
		}
		b.readBuf = b.readBuf[size:]
	}
	return nil
}

func (p *Parser) peek(sid int) uint64 {
	return p.batches[sid].next.Timestamp
}

// refill loads the next batch for a session and reads its first
// event, skipping empty batches.
func (p *Parser) refill(sid int) error {
	for {
		// If we're out of batches, just mark
		// this session as done.
		if len(p.index[sid]) == 0 {
			p.batches[sid].next = doneEvent
			p.batches[sid].done = true
			return nil
		}
		// Grab the next batch for this session.
		bo := p.index[sid][0]
		p.index[sid] = p.index[sid][1:]

		// Read in the batch.
		br := &p.batches[sid]
		n, err := p.src.ReadAt(br.batchBuf[:], bo.fileOffset)
		if n != len(br.batchBuf) {
			return err
		}

		// Skip the header.
		br.readBuf = br.batchBuf[bo.headerLen:]

		// Set the sync event tick for this batch,
		// which was present in the header.
		br.syncTick = bo.startTicks

		// Read the next event.
		err = br.nextEvent()
		if err == nil {
			return nil
		}
		if err != streamEnd {
			return fmt.Errorf("refill: session %d: %v", sid, err)
		}
	}
}

func (p *Parser) next(sid int) (Event, error) {
	// Grab the current event first.
	ev := p.batches[sid].next
	ev.Session = int32(sid)

	// Get the next event.
	if err := p.batches[sid].nextEvent(); err != nil && err != streamEnd {
		return Event{}, fmt.Errorf("session %d: %v", sid, err)
	} else if err == streamEnd {
		// We've run out of things to parse for this session! Refill.
		if err := p.refill(sid); err != nil {
			return Event{}, err
		}
	}
	return ev, nil
}

// Progress returns a float64 value between 0 and 1 indicating the
// approximate progress of parsing through the file.
func (p *Parser) Progress() float64 {
	if p.totalBatches == 0 {
		return 1
	}
	left := uint64(0)
	for _, perSessionBatches := range p.index {
		left += uint64(len(perSessionBatches))
	}
	return float64(p.totalBatches-left) / float64(p.totalBatches)
}

// Sessions returns one more than the largest session ID in the trace.
func (p *Parser) Sessions() int {
	return len(p.batches)
}

// Next returns the next event in the trace, or an error
// if the parser failed to parse the next event out of the trace.
//
// Events are returned in timestamp order across all sessions.
// Next returns io.EOF when the trace is exhausted.
func (p *Parser) Next() (Event, error) {
	// Compute which session has the next event.
	minSid := -1
	minTick := ^uint64(0)
	for sid := range p.batches {
		if p.batches[sid].done {
			continue
		}
		if t := p.peek(sid); minSid < 0 || t < minTick {
			minTick = t
			minSid = sid
		}
	}

	// If there's no such event, signal that we're done.
	if minSid < 0 {
		return Event{}, io.EOF
	}

	// Return the event, and compute the next.
	return p.next(minSid)
}

// SplitSessions drains p and returns the events of each session,
// indexed by session ID, in timestamp order.
func SplitSessions(p *Parser) ([][]Event, error) {
	sessions := make([][]Event, p.Sessions())
	for {
		ev, err := p.Next()
		if err == io.EOF {
			return sessions, nil
		}
		if err != nil {
			return nil, err
		}
		sessions[ev.Session] = append(sessions[ev.Session], ev)
	}
}
