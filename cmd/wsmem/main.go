// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Binary wsmem generates, inspects and replays workspace memory traces.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/mknyszek/wsmem/config"
	"github.com/mknyszek/wsmem/internal/log"
)

var (
	configFile = flag.String("config", "", "TOML configuration file; defaults are used if empty.")
	logLevel   = flag.String("log-level", "", "overrides the configured log level: warning, info or debug.")
	logFile    = flag.String("log-file", "", "file to append logs to instead of standard error.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(Gen), "trace")
	subcommands.Register(new(Check), "trace")
	subcommands.Register(new(Sizes), "trace")
	subcommands.Register(new(Lifetimes), "trace")
	subcommands.Register(new(Replay), "simulation")
	subcommands.Register(new(Config), "simulation")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	level, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	log.SetLevel(level)
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening log file %q: %v\n", *logFile, err)
			os.Exit(int(subcommands.ExitFailure))
		}
		log.SetTarget(f)
	}

	// Call the subcommand and pass in the configuration.
	status := subcommands.Execute(context.Background(), conf)
	if status != subcommands.ExitSuccess {
		log.Debugf("Command exited with status %d", status)
	}
	os.Exit(int(status))
}

// loadConfig reads -config, if set, and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	conf := config.Default()
	if *configFile != "" {
		var err error
		if conf, err = config.Load(*configFile); err != nil {
			return nil, err
		}
	}
	if *logLevel != "" {
		conf.LogLevel = *logLevel
	}
	return conf, nil
}

// confFromArgs extracts the configuration passed to subcommands.Execute.
func confFromArgs(args []any) *config.Config {
	if len(args) > 0 {
		if c, ok := args[0].(*config.Config); ok {
			return c
		}
	}
	return config.Default()
}

// fatalf reports a command failure on standard error.
func fatalf(format string, v ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", v...)
	return subcommands.ExitFailure
}
