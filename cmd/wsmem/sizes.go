// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/subcommands"
	"github.com/mknyszek/wsmem"
	"github.com/mknyszek/wsmem/cmd/internal/spinner"
)

// bufferKey names a buffer across every session of a trace.
type bufferKey struct {
	session int32
	id      uint64
}

// Sizes implements subcommands.Command for the "sizes" command.
type Sizes struct {
	out        string
	period     uint64
	cumulative bool
}

// Name implements subcommands.Command.
func (*Sizes) Name() string {
	return "sizes"
}

// Synopsis implements subcommands.Command.
func (*Sizes) Synopsis() string {
	return "generates a buffer size distribution from a trace"
}

// Usage implements subcommands.Command.
func (*Sizes) Usage() string {
	return `sizes [flags] <trace-file>
`
}

// SetFlags implements subcommands.Command.
func (s *Sizes) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.out, "o", "./size.data", "location to write output file.")
	f.Uint64Var(&s.period, "period", 2000000000, "the period in ticks to capture a distribution.")
	f.BoolVar(&s.cumulative, "cum", false, "instead of snapshotting the distribution at a given point in time, accumulate a total distribution.")
}

// Execute implements subcommands.Command.Execute.
func (s *Sizes) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	r, p, err := openTrace(f.Arg(0))
	if err != nil {
		return fatalf("%v", err)
	}
	defer r.Close()

	out, err := os.Create(s.out)
	if err != nil {
		return fatalf("creating data file: %v", err)
	}
	defer out.Close()

	var pMu sync.Mutex
	spin := spinner.Start(func() float64 {
		pMu.Lock()
		defer pMu.Unlock()
		return p.Progress()
	}, spinner.Format("Processing... %.4f%%"))
	defer spin.Stop()

	hist := NewSizeHist()
	sizes := make(map[bufferKey]uint64)
	var ts uint64
	for {
		pMu.Lock()
		ev, err := p.Next()
		pMu.Unlock()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fatalf("parsing events: %v", err)
		}
		switch ev.Kind {
		case wsmem.EventAlloc:
			hist.Add(ev.Size)
			if s.cumulative {
				break
			}
			sizes[bufferKey{ev.Session, ev.ID}] = ev.Size
		case wsmem.EventFree:
			if s.cumulative {
				break
			}
			k := bufferKey{ev.Session, ev.ID}
			if size, ok := sizes[k]; ok {
				hist.Sub(size)
				delete(sizes, k)
			}
		}
		if ev.Timestamp-ts > s.period {
			writeSizes(out, ev.Timestamp, hist)
			ts = ev.Timestamp
		}
	}
	writeSizes(out, ts, hist)
	if err := out.Sync(); err != nil {
		return fatalf("writing data file: %v", err)
	}
	return subcommands.ExitSuccess
}

func writeSizes(w io.Writer, ts uint64, hist *SizeHist) {
	fmt.Fprintf(w, ">%d\n", ts)
	hist.ForEach(func(size, count uint64) {
		fmt.Fprintf(w, "%d:%d\n", size, count)
	})
}
