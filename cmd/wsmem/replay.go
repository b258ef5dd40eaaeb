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
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/subcommands"
	"github.com/mknyszek/wsmem"
	"github.com/mknyszek/wsmem/cmd/internal/spinner"
	"github.com/mknyszek/wsmem/config"
	"github.com/mknyszek/wsmem/internal/log"
	"github.com/mknyszek/wsmem/session"
	"github.com/mknyszek/wsmem/simulation"
	"github.com/mknyszek/wsmem/simulation/toolbox"

	"golang.org/x/sync/errgroup"
)

// replayOptions controls a replay.
type replayOptions struct {
	// period is the number of ticks between rows of a session.
	period uint64

	// checkEvery runs an integrity check after every n events of a
	// session, on top of those the trace asks for. Zero disables.
	checkEvery int

	// out receives CSV rows.
	out io.Writer

	// dump, if not nil, receives every session's tables once the
	// session's events are exhausted.
	dump io.Writer

	// progress counts processed events.
	progress *atomic.Uint64
}

// csvHeader returns the CSV column names, including every
// implementation-specific statistic.
func csvHeader() string {
	stats := simulation.NewStats()
	new(toolbox.Simulator).RegisterStats(stats)
	h := "Session,Timestamp,Allocs,IOAdds,VirtAllocs,Frees,VirtFrees,FailedAllocs,BadFrees,Checks,LiveBuffers,LiveWorkspaces,LiveBytes"
	for _, name := range stats.OtherStats() {
		h += "," + name
	}
	return h
}

func writeRow(w io.Writer, sid int, s *simulation.Stats) {
	fmt.Fprintf(w, "%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d", sid, s.Timestamp, s.Allocs, s.IOAdds, s.VirtAllocs, s.Frees, s.VirtFrees, s.FailedAllocs, s.BadFrees, s.Checks, s.LiveBuffers, s.LiveWorkspaces, s.LiveBytes)
	for _, name := range s.OtherStats() {
		fmt.Fprintf(w, ",%d", s.GetOther(name))
	}
	fmt.Fprintln(w)
}

// replay runs the events of every session concurrently, each session
// against its own session.Session, all sharing one allocator. It
// returns the statistics of every session merged together.
func replay(ctx context.Context, conf *config.Config, sessions [][]wsmem.Event, o replayOptions) (*simulation.Stats, error) {
	alloc, release, err := conf.Allocator()
	if err != nil {
		return nil, fmt.Errorf("creating allocator: %w", err)
	}
	defer release()

	// mu protects o.out, o.dump and total.
	var mu sync.Mutex
	total := simulation.NewStats()
	new(toolbox.Simulator).RegisterStats(total)
	fmt.Fprintln(o.out, csvHeader())

	g, ctx := errgroup.WithContext(ctx)
	for sid, evs := range sessions {
		if len(evs) == 0 {
			continue
		}
		g.Go(func() error {
			sess := session.New(alloc, conf.SessionOptions(log.Component(fmt.Sprintf("session-%d", sid)))...)
			sim := toolbox.NewSimulator(sess, toolbox.WithRetry(conf.BackOff()))
			err := replaySession(ctx, sid, evs, sess, sim, o, &mu, total)
			if cerr := sim.Close(); err == nil {
				err = cerr
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return total, nil
}

// replaySession feeds evs to sim and, once they are exhausted, merges the
// session's statistics into total. mu protects o.out, o.dump and total.
func replaySession(ctx context.Context, sid int, evs []wsmem.Event, sess *session.Session, sim *toolbox.Simulator, o replayOptions, mu *sync.Mutex, total *simulation.Stats) error {
	stats := simulation.NewStats()
	sim.RegisterStats(stats)

	var ts uint64
	for i, ev := range evs {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := sim.Process(ev, stats); err != nil {
			return fmt.Errorf("session %d: %w", sid, err)
		}
		if o.checkEvery > 0 && (i+1)%o.checkEvery == 0 {
			if err := sess.Check(); err != nil {
				return fmt.Errorf("session %d after %v: %w", sid, ev, err)
			}
		}
		if o.progress != nil {
			o.progress.Add(1)
		}
		if stats.Timestamp-ts > o.period {
			mu.Lock()
			writeRow(o.out, sid, stats)
			mu.Unlock()
			ts = stats.Timestamp
		}
	}

	mu.Lock()
	defer mu.Unlock()
	writeRow(o.out, sid, stats)
	if o.dump != nil {
		fmt.Fprintf(o.dump, "Session %d buffers:\n", sid)
		if err := sess.Dump(o.dump, session.MemRegular, 0, 0); err != nil {
			return err
		}
		if err := sess.Dump(o.dump, session.MemVirtual, 0, 0); err != nil {
			return err
		}
	}
	total.Merge(stats)
	return nil
}

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	out        string
	period     uint64
	checkEvery int
	dump       bool
}

// Name implements subcommands.Command.
func (*Replay) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.
func (*Replay) Synopsis() string {
	return "replays a trace against buffer tables and generates a CSV of statistics"
}

// Usage implements subcommands.Command.
func (*Replay) Usage() string {
	return `replay [flags] <trace-file> - replays every session of the trace
concurrently, sharing the configured allocator.
`
}

// SetFlags implements subcommands.Command.
func (r *Replay) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.out, "o", "./out.csv", "output file for the simulation data.")
	f.Uint64Var(&r.period, "period", 2000000000, "the period in ticks to capture stats.")
	f.IntVar(&r.checkEvery, "check-every", 0, "check table integrity after every n events of a session; 0 disables.")
	f.BoolVar(&r.dump, "dump", false, "dump every session's tables to standard output at the end of the trace.")
}

// Execute implements subcommands.Command.Execute.
func (r *Replay) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 || r.checkEvery < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := confFromArgs(args)

	m, p, err := openTrace(f.Arg(0))
	if err != nil {
		return fatalf("%v", err)
	}
	defer m.Close()
	fmt.Println("Splitting sessions...")
	sessions, err := wsmem.SplitSessions(p)
	if err != nil {
		return fatalf("parsing events: %v", err)
	}
	var events uint64
	for _, evs := range sessions {
		events += uint64(len(evs))
	}

	out, err := os.Create(r.out)
	if err != nil {
		return fatalf("creating simulation data file: %v", err)
	}
	defer out.Close()
	bw := bufio.NewWriter(out)

	var progress atomic.Uint64
	spin := spinner.Start(func() float64 {
		if events == 0 {
			return 1
		}
		return float64(progress.Load()) / float64(events)
	}, spinner.Format("Processing... %.4f%%"))

	o := replayOptions{
		period:     r.period,
		checkEvery: r.checkEvery,
		out:        bw,
		progress:   &progress,
	}
	if r.dump {
		o.dump = os.Stdout
	}
	total, err := replay(ctx, conf, sessions, o)
	spin.Stop()
	if err != nil {
		return fatalf("replay: %v", err)
	}
	if err := bw.Flush(); err != nil {
		return fatalf("writing simulation data: %v", err)
	}
	fmt.Printf("Replayed %d events from %d sessions\n", events, len(sessions))
	fmt.Printf("Allocs %d, I/O %d, workspaces %d, failed %d, bad frees %d\n", total.Allocs, total.IOAdds, total.VirtAllocs, total.FailedAllocs, total.BadFrees)
	for _, name := range total.OtherStats() {
		fmt.Printf("%s %d\n", name, total.GetOther(name))
	}
	return subcommands.ExitSuccess
}
