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
	"github.com/mknyszek/wsmem/simulation/toolbox"

	"golang.org/x/exp/mmap"
)

// openTrace maps the trace file at path and creates a parser for it.
func openTrace(path string) (*mmap.ReaderAt, *wsmem.Parser, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to map trace: %v", err)
	}
	p, err := wsmem.NewParser(r)
	if err != nil {
		r.Close()
		return nil, nil, fmt.Errorf("creating parser: %v", err)
	}
	return r, p, nil
}

// traceProblem is a trace event that does not make sense given the
// events before it.
type traceProblem struct {
	ev     wsmem.Event
	reason string
}

// traceChecker tracks the live IDs of every session in a trace.
type traceChecker struct {
	buffers map[int32]*toolbox.IDSet
	virt    map[int32]*toolbox.IDSet
	counts  map[wsmem.EventKind]uint64
	issues  []traceProblem
}

func newTraceChecker() *traceChecker {
	return &traceChecker{
		buffers: make(map[int32]*toolbox.IDSet),
		virt:    make(map[int32]*toolbox.IDSet),
		counts:  make(map[wsmem.EventKind]uint64),
	}
}

func idSet(m map[int32]*toolbox.IDSet, sid int32) *toolbox.IDSet {
	s := m[sid]
	if s == nil {
		s = new(toolbox.IDSet)
		m[sid] = s
	}
	return s
}

func (c *traceChecker) process(ev wsmem.Event) {
	c.counts[ev.Kind]++
	switch ev.Kind {
	case wsmem.EventAlloc, wsmem.EventAddIO:
		if !idSet(c.buffers, ev.Session).Add(ev.ID) {
			c.issues = append(c.issues, traceProblem{ev, "allocated over live buffer"})
		}
	case wsmem.EventFree:
		if !idSet(c.buffers, ev.Session).Remove(ev.ID) {
			c.issues = append(c.issues, traceProblem{ev, "freed buffer that is not live"})
		}
	case wsmem.EventVirtAlloc:
		if !idSet(c.virt, ev.Session).Add(ev.ID) {
			c.issues = append(c.issues, traceProblem{ev, "allocated over live workspace"})
		}
	case wsmem.EventVirtFree:
		if !idSet(c.virt, ev.Session).Remove(ev.ID) {
			c.issues = append(c.issues, traceProblem{ev, "freed workspace that is not live"})
		}
	}
}

// live returns the number of buffers and workspaces left live.
func (c *traceChecker) live() (buffers, workspaces int) {
	for _, s := range c.buffers {
		buffers += s.Len()
	}
	for _, s := range c.virt {
		workspaces += s.Len()
	}
	return
}

// Check implements subcommands.Command for the "check" command.
type Check struct {
	print     bool
	maxErrors int
}

// Name implements subcommands.Command.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.
func (*Check) Synopsis() string {
	return "sanity-checks a workspace trace and prints some statistics"
}

// Usage implements subcommands.Command.
func (*Check) Usage() string {
	return `check [flags] <trace-file>
`
}

// SetFlags implements subcommands.Command.
func (c *Check) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.print, "print", false, "print events as they're seen.")
	f.IntVar(&c.maxErrors, "max-errors", 20, "stop after this many problems.")
}

// Execute implements subcommands.Command.Execute.
func (c *Check) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	r, p, err := openTrace(f.Arg(0))
	if err != nil {
		return fatalf("%v", err)
	}
	defer r.Close()
	fmt.Printf("Parsing events from %d sessions...\n", p.Sessions())

	var pMu sync.Mutex
	spin := spinner.Start(func() float64 {
		pMu.Lock()
		defer pMu.Unlock()
		return p.Progress()
	}, spinner.Format("Processing... %.4f%%"))

	tc := newTraceChecker()
	minTicks := ^uint64(0)
	for len(tc.issues) <= c.maxErrors {
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
		if minTicks == ^uint64(0) {
			minTicks = ev.Timestamp
		}
		if c.print {
			ev.Timestamp -= minTicks
			fmt.Println(ev)
			ev.Timestamp += minTicks
		}
		tc.process(ev)
	}
	spin.Stop()

	if n := len(tc.issues); n != 0 {
		if n > c.maxErrors {
			fmt.Fprintf(os.Stderr, "found >%d errors in trace:\n", c.maxErrors)
			tc.issues = tc.issues[:c.maxErrors]
		} else {
			fmt.Fprintf(os.Stderr, "found %d errors in trace:\n", n)
		}
		for _, issue := range tc.issues {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", issue.reason, issue.ev)
		}
	}
	for _, k := range []wsmem.EventKind{wsmem.EventAlloc, wsmem.EventAddIO, wsmem.EventFree, wsmem.EventVirtAlloc, wsmem.EventVirtFree, wsmem.EventCheck} {
		fmt.Printf("%-12s %d\n", k.String()+":", tc.counts[k])
	}
	b, w := tc.live()
	fmt.Printf("Live at end: %d buffers, %d workspaces\n", b, w)
	if len(tc.issues) != 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
