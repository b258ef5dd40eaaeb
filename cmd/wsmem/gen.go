// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/google/subcommands"
	"github.com/mknyszek/wsmem"
	"github.com/mknyszek/wsmem/pinned"
)

// genParams describes the shape of a generated trace.
type genParams struct {
	seed       int64
	sessions   int
	events     int
	maxLive    int
	maxSize    uint64
	maxVirt    uint64
	ioRate     float64
	virtRate   float64
	badRate    float64
	checkEvery int
}

// genSession is the generator's view of one session.
type genSession struct {
	ts      uint64
	next    uint64
	buffers []uint64
	virt    []uint64
}

// take removes and returns a random element of *ids.
func take(r *rand.Rand, ids *[]uint64) uint64 {
	s := *ids
	i := r.Intn(len(s))
	id := s[i]
	s[i] = s[len(s)-1]
	*ids = s[:len(s)-1]
	return id
}

// generate writes a random but well-formed trace to w. Only events
// chosen with badRate free IDs that are not live.
func generate(w io.Writer, p genParams) error {
	tw, err := wsmem.NewWriter(w)
	if err != nil {
		return err
	}
	r := rand.New(rand.NewSource(p.seed))
	sessions := make([]genSession, p.sessions)
	for i := 0; i < p.events; i++ {
		sid := r.Intn(p.sessions)
		s := &sessions[sid]
		s.ts += 1 + uint64(r.Intn(1000))
		ev := wsmem.Event{Timestamp: s.ts, Session: int32(sid)}

		x := r.Float64()
		switch {
		case p.checkEvery > 0 && i%p.checkEvery == p.checkEvery-1:
			ev.Kind = wsmem.EventCheck
		case x < p.badRate:
			ev.Kind = wsmem.EventFree
			ev.ID = s.next + 1<<40
		case x < p.badRate+p.virtRate:
			if len(s.virt) > 0 && r.Intn(2) == 0 {
				ev.Kind = wsmem.EventVirtFree
				ev.ID = take(r, &s.virt)
				break
			}
			ev.Kind = wsmem.EventVirtAlloc
			ev.ID = s.next
			ev.Size = 1 + uint64(r.Int63n(int64(p.maxVirt)))
			if r.Intn(4) == 0 {
				ev.Order = uint8(pinned.PageShift + r.Intn(10))
			}
			s.next++
			s.virt = append(s.virt, ev.ID)
		case len(s.buffers) >= p.maxLive || (len(s.buffers) > 0 && r.Intn(2) == 0):
			ev.Kind = wsmem.EventFree
			ev.ID = take(r, &s.buffers)
		case x < p.badRate+p.virtRate+p.ioRate:
			ev.Kind = wsmem.EventAddIO
			ev.ID = s.next
			ev.Order = uint8(r.Intn(4))
			ev.Addr = 0xe0000000 + s.next<<(pinned.PageShift+4)
			s.next++
			s.buffers = append(s.buffers, ev.ID)
		default:
			ev.Kind = wsmem.EventAlloc
			ev.ID = s.next
			ev.Size = 1 + uint64(r.Int63n(int64(p.maxSize)))
			s.next++
			s.buffers = append(s.buffers, ev.ID)
		}
		if err := tw.Emit(ev); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// Gen implements subcommands.Command for the "gen" command.
type Gen struct {
	out    string
	params genParams
}

// Name implements subcommands.Command.
func (*Gen) Name() string {
	return "gen"
}

// Synopsis implements subcommands.Command.
func (*Gen) Synopsis() string {
	return "generates a random workspace trace"
}

// Usage implements subcommands.Command.
func (*Gen) Usage() string {
	return `gen [flags] - writes a random trace of buffer and workspace events.
`
}

// SetFlags implements subcommands.Command.
func (g *Gen) SetFlags(f *flag.FlagSet) {
	f.StringVar(&g.out, "o", "./trace.ws", "output file for the trace.")
	f.Int64Var(&g.params.seed, "seed", 1, "random seed.")
	f.IntVar(&g.params.sessions, "sessions", 4, "number of client sessions.")
	f.IntVar(&g.params.events, "events", 100000, "total number of events.")
	f.IntVar(&g.params.maxLive, "max-live", 1024, "most live buffers per session.")
	f.Uint64Var(&g.params.maxSize, "max-size", 64<<10, "largest buffer size in bytes.")
	f.Uint64Var(&g.params.maxVirt, "max-virt", 16<<20, "largest virtual workspace size in bytes.")
	f.Float64Var(&g.params.ioRate, "io-rate", 0.05, "fraction of events that register device memory.")
	f.Float64Var(&g.params.virtRate, "virt-rate", 0.01, "fraction of events that allocate or free a virtual workspace.")
	f.Float64Var(&g.params.badRate, "bad-rate", 0, "fraction of events that free an ID that is not live.")
	f.IntVar(&g.params.checkEvery, "check-every", 10000, "emit an integrity check every n events; 0 disables.")
}

// Execute implements subcommands.Command.Execute.
func (g *Gen) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || g.params.sessions < 1 || g.params.events < 0 || g.params.maxLive < 1 || g.params.maxSize == 0 || g.params.maxVirt == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	out, err := os.Create(g.out)
	if err != nil {
		return fatalf("creating trace file: %v", err)
	}
	bw := bufio.NewWriter(out)
	if err := generate(bw, g.params); err != nil {
		out.Close()
		return fatalf("generating trace: %v", err)
	}
	if err := bw.Flush(); err != nil {
		out.Close()
		return fatalf("writing trace: %v", err)
	}
	if err := out.Close(); err != nil {
		return fatalf("closing trace: %v", err)
	}
	fmt.Printf("Wrote %d events from %d sessions to %s\n", g.params.events, g.params.sessions, g.out)
	return subcommands.ExitSuccess
}
