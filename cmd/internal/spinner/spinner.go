// Package spinner prints the progress of a long-running command.
package spinner

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Option is a configuration option for the spinner.
type Option func(cfg *spinnerCfg)

// Format returns a new configuration option for the
// spinner, using the given format string for the spinner.
//
// The string must have exactly one verb in it to support
// a float64 value which is a percent completion.
func Format(ft string) Option {
	return func(cfg *spinnerCfg) {
		cfg.format = ft
	}
}

// Period returns a new configuration option that sets
// the period between screen updates for the spinner.
func Period(p time.Duration) Option {
	return func(cfg *spinnerCfg) {
		cfg.period = p
	}
}

// Output returns a new configuration option that sends
// the spinner to w instead of standard error.
func Output(w io.Writer) Option {
	return func(cfg *spinnerCfg) {
		cfg.out = w
	}
}

type spinnerCfg struct {
	period time.Duration
	format string
	out    io.Writer
}

// Spinner periodically prints a progress sample.
type Spinner struct {
	cfg  spinnerCfg
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

// Start starts a new spinner. It uses the function sample
// to sample progress, and sample should return a float64
// value between 0 and 1 representing a degree of progress.
// sample is called from another goroutine.
//
// The default period between updates is 1 second.
func Start(sample func() float64, options ...Option) *Spinner {
	s := &Spinner{
		cfg: spinnerCfg{
			period: time.Second,
			format: "Progress: %.1f%%",
			out:    os.Stderr,
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s.cfg)
	}
	go func() {
		defer close(s.done)
		t := time.NewTicker(s.cfg.period)
		defer t.Stop()
		for {
			fmt.Fprintf(s.cfg.out, s.cfg.format+"\r", sample()*100)
			select {
			case <-s.stop:
				fmt.Fprintf(s.cfg.out, s.cfg.format+"\n", sample()*100)
				return
			case <-t.C:
			}
		}
	}()
	return s
}

// Stop prints a final sample and stops the spinner.
//
// It is safe to call Stop more than once.
func (s *Spinner) Stop() {
	s.once.Do(func() {
		close(s.stop)
	})
	<-s.done
}
