// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

// Config implements subcommands.Command for the "config" command.
type Config struct{}

// Name implements subcommands.Command.
func (*Config) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.
func (*Config) Synopsis() string {
	return "prints the effective configuration as TOML"
}

// Usage implements subcommands.Command.
func (*Config) Usage() string {
	return `config - prints the configuration after -config and overrides are applied.
`
}

// SetFlags implements subcommands.Command.
func (*Config) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Config) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := confFromArgs(args).Encode(os.Stdout); err != nil {
		return fatalf("encoding configuration: %v", err)
	}
	return subcommands.ExitSuccess
}
