// Package config loads the settings shared by the wsmem tools from a TOML
// file.
//
// A file only needs to name what differs from Default:
//
//	backend = "sim"
//	debug_fill = true
//
//	[sim]
//	limit = 1073741824
//
//	[retry]
//	attempts = 5
//	interval = "10ms"
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cenkalti/backoff"
	"github.com/mknyszek/wsmem/internal/log"
	"github.com/mknyszek/wsmem/pinned"
	"github.com/mknyszek/wsmem/session"
	"github.com/mknyszek/wsmem/virtmem"
)

// Backends.
const (
	BackendSim  = "sim"
	BackendHost = "host"
)

// ErrInvalid is wrapped by every error returned from Validate.
var ErrInvalid = errors.New("invalid configuration")

// Sim configures the simulated allocator.
type Sim struct {
	// Limit caps the bytes the allocator hands out. Zero means unlimited.
	Limit uint64 `toml:"limit"`

	// Backed gives every region real memory, so fills and page tables
	// can be inspected.
	Backed bool `toml:"backed"`
}

// Retry configures how replays retry allocations that run out of memory.
type Retry struct {
	// Attempts is the number of retries after the first failure. Zero
	// disables retrying.
	Attempts uint64 `toml:"attempts"`

	// Interval is the pause between attempts.
	Interval time.Duration `toml:"interval"`
}

// Config holds every setting.
type Config struct {
	// Backend selects the allocator: BackendSim or BackendHost.
	Backend string `toml:"backend"`
	Sim     Sim    `toml:"sim"`

	// DebugFill fills buffers with 0xBE on allocation and 0xAF on release
	// instead of zeroing them on release.
	DebugFill bool `toml:"debug_fill"`

	// SuperPageOrder is the log2 size of the super pages of a virtual
	// workspace when a request does not name one.
	SuperPageOrder uint8 `toml:"super_page_order"`

	// MaxWorkspaces bounds the virtual workspaces of one session.
	MaxWorkspaces int `toml:"max_workspaces"`

	// LogLevel is one of "warning", "info" or "debug".
	LogLevel string `toml:"log_level"`

	// WarningRate limits double-free warnings to one per period. Zero
	// logs every one.
	WarningRate time.Duration `toml:"warning_rate"`

	Retry Retry `toml:"retry"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Backend:        BackendSim,
		SuperPageOrder: virtmem.DefaultSuperPageOrder,
		MaxWorkspaces:  1,
		LogLevel:       "info",
		WarningRate:    time.Second,
	}
}

// Load reads the file at path over Default and validates the result. Keys
// the file sets that Config does not know are an error.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("decoding config file %q: %w", path, err)
	}
	if keys := md.Undecoded(); len(keys) > 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		return nil, fmt.Errorf("config file %q: unknown keys %s: %w", path, strings.Join(names, ", "), ErrInvalid)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	return c, nil
}

// Validate checks that every setting is in range.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSim, BackendHost:
	default:
		return fmt.Errorf("backend %q: want %q or %q: %w", c.Backend, BackendSim, BackendHost, ErrInvalid)
	}
	if c.Sim.Limit%uint64(pinned.PageSize) != 0 {
		return fmt.Errorf("sim.limit %d is not a multiple of %d: %w", c.Sim.Limit, pinned.PageSize, ErrInvalid)
	}
	if c.SuperPageOrder < pinned.PageShift || c.SuperPageOrder > virtmem.MaxSuperPageOrder {
		return fmt.Errorf("super_page_order %d outside [%d, %d]: %w", c.SuperPageOrder, pinned.PageShift, virtmem.MaxSuperPageOrder, ErrInvalid)
	}
	if c.MaxWorkspaces < 1 {
		return fmt.Errorf("max_workspaces %d: %w", c.MaxWorkspaces, ErrInvalid)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %v: %w", err, ErrInvalid)
	}
	if c.WarningRate < 0 {
		return fmt.Errorf("warning_rate %v: %w", c.WarningRate, ErrInvalid)
	}
	if c.Retry.Interval < 0 {
		return fmt.Errorf("retry.interval %v: %w", c.Retry.Interval, ErrInvalid)
	}
	return nil
}

// Level returns the parsed log level.
func (c *Config) Level() log.Level {
	l, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.Info
	}
	return l
}

// Fill returns the fill patterns tables should use.
func (c *Config) Fill() pinned.Fill {
	if c.DebugFill {
		return pinned.DebugFill
	}
	return pinned.ReleaseFill
}

// Allocator creates the configured allocator. The caller must call release
// once every session using it is closed.
func (c *Config) Allocator() (a pinned.Allocator, release func() error, err error) {
	switch c.Backend {
	case BackendHost:
		h, err := pinned.NewHostAllocator()
		if err != nil {
			return nil, nil, err
		}
		return h, h.Close, nil
	case BackendSim:
		var opts []pinned.SimOption
		if c.Sim.Limit != 0 {
			opts = append(opts, pinned.SimLimit(pinned.Bytes(c.Sim.Limit)))
		}
		if c.Sim.Backed {
			opts = append(opts, pinned.SimBacked())
		}
		return pinned.NewSimAllocator(opts...), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("backend %q: %w", c.Backend, ErrInvalid)
}

// SessionOptions returns the options every session should be created with.
// Sessions log through l.
func (c *Config) SessionOptions(l log.Logger) []session.Option {
	opts := []session.Option{
		session.WithLogger(l),
		session.WithFill(c.Fill()),
		session.WithMaxWorkspaces(c.MaxWorkspaces),
		session.WithSuperPageOrder(c.SuperPageOrder),
	}
	if c.WarningRate > 0 {
		opts = append(opts, session.WithWarningRate(c.WarningRate))
	}
	return opts
}

// BackOff returns a constructor for the retry policy, or nil if retrying
// is disabled.
func (c *Config) BackOff() func() backoff.BackOff {
	if c.Retry.Attempts == 0 {
		return nil
	}
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(c.Retry.Interval), c.Retry.Attempts)
	}
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
