// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/bits"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/subcommands"
	"github.com/mknyszek/wsmem"
	"github.com/mknyszek/wsmem/cmd/internal/spinner"
)

// Lifetimes implements subcommands.Command for the "lifetimes" command.
//
// A buffer's lifetime is bucketed two ways: by the binary log of the
// ticks it was live, and by the number of integrity checks its session
// ran while it was live.
type Lifetimes struct {
	out          string
	samplePeriod uint
}

// Name implements subcommands.Command.
func (*Lifetimes) Name() string {
	return "lifetimes"
}

// Synopsis implements subcommands.Command.
func (*Lifetimes) Synopsis() string {
	return "generates a buffer lifetime distribution from a trace"
}

// Usage implements subcommands.Command.
func (*Lifetimes) Usage() string {
	return `lifetimes [flags] <trace-file>
`
}

// SetFlags implements subcommands.Command.
func (l *Lifetimes) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.out, "o", "./lifetimes.csv", "location to write output file.")
	f.UintVar(&l.samplePeriod, "sample-period", 1, "sample every nth allocation.")
}

type birth struct {
	ts     uint64
	checks uint32
}

// Execute implements subcommands.Command.Execute.
func (l *Lifetimes) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if l.samplePeriod == 0 {
		l.samplePeriod = 1
	}
	r, p, err := openTrace(f.Arg(0))
	if err != nil {
		return fatalf("%v", err)
	}
	defer r.Close()

	var pMu sync.Mutex
	spin := spinner.Start(func() float64 {
		pMu.Lock()
		defer pMu.Unlock()
		return p.Progress()
	}, spinner.Format("Processing... %.4f%%"))

	// Map of buffers to when they were allocated.
	allocs := make(map[bufferKey]birth)
	checks := make(map[int32]uint32)
	allocCount := uint64(0)
	var ticks, epochs SmallUint32Hist
	for {
		pMu.Lock()
		ev, err := p.Next()
		pMu.Unlock()
		if err == io.EOF {
			break
		}
		if err != nil {
			spin.Stop()
			return fatalf("parsing events: %v", err)
		}

		switch ev.Kind {
		case wsmem.EventAlloc, wsmem.EventAddIO:
			if allocCount%uint64(l.samplePeriod) == 0 {
				allocs[bufferKey{ev.Session, ev.ID}] = birth{ev.Timestamp, checks[ev.Session]}
			}
			allocCount++
		case wsmem.EventFree:
			k := bufferKey{ev.Session, ev.ID}
			if b, ok := allocs[k]; ok {
				ticks.Add(uint32(bits.Len64(ev.Timestamp - b.ts)))
				epochs.Add(checks[ev.Session] - b.checks)
				delete(allocs, k)
			}
		case wsmem.EventCheck:
			checks[ev.Session]++
		}
	}
	spin.Stop()

	fmt.Println("Writing distribution...")

	out, err := os.Create(l.out)
	if err != nil {
		return fatalf("creating data file: %v", err)
	}
	defer out.Close()
	tl := ticks.Snapshot()
	el := epochs.Snapshot()
	fmt.Fprintf(out, "# GeneratedFrom: %s\n", filepath.Base(f.Arg(0)))
	fmt.Fprintf(out, "# RealAllocCount: %d\n", allocCount)
	fmt.Fprintf(out, "# SamplePeriod: %d\n", l.samplePeriod)
	fmt.Fprintf(out, "Bucket,Log2TicksCount,ChecksCount\n")
	n := len(tl)
	if len(el) > n {
		n = len(el)
	}
	for i := 0; i < n; i++ {
		var tc, ec uint64
		if i < len(tl) {
			tc = tl[i]
		}
		if i < len(el) {
			ec = el[i]
		}
		fmt.Fprintf(out, "%d,%d,%d\n", i, tc, ec)
	}
	return subcommands.ExitSuccess
}
