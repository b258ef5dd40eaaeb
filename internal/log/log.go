// Package log is the logging shim shared by the wsmem packages.
//
// It keeps the narrow Logger interface used throughout the tree and routes
// everything to logrus.
package log

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Level is the log level.
type Level uint32

// The following levels are fixed, and can never be changed. Since some
// control RPCs allow for changing the level as an integer, it is only
// possible to add additional levels, and the existing one cannot be removed.
const (
	// Warning indicates that output should always be emitted.
	Warning Level = iota

	// Info indicates that output should normally be emitted.
	Info

	// Debug indicates that output should not normally be emitted.
	Debug
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "Warning"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	default:
		return fmt.Sprintf("Invalid level: %d", l)
	}
}

// ParseLevel converts a level name as used in configuration files.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "warning", "warn":
		return Warning, nil
	case "info", "":
		return Info, nil
	case "debug":
		return Debug, nil
	}
	return Warning, fmt.Errorf("unknown log level %q", s)
}

func (l Level) logrus() logrus.Level {
	switch l {
	case Debug:
		return logrus.DebugLevel
	case Info:
		return logrus.InfoLevel
	default:
		return logrus.WarnLevel
	}
}

// Logger is a high-level logging interface.
type Logger interface {
	// Debugf logs a debug statement.
	Debugf(format string, v ...any)

	// Infof logs at an info level.
	Infof(format string, v ...any)

	// Warningf logs at a warning level.
	Warningf(format string, v ...any)

	// IsLogging returns true iff this level is being logged. This may be
	// used to short-circuit expensive operations for debugging calls.
	IsLogging(level Level) bool
}

// BasicLogger is the default implementation of Logger.
type BasicLogger struct {
	entry *logrus.Entry
	level atomic.Uint32
}

// New returns a BasicLogger writing to the given logrus logger, tagged with
// the component name.
func New(l *logrus.Logger, component string) *BasicLogger {
	b := &BasicLogger{entry: l.WithField("component", component)}
	b.level.Store(uint32(Info))
	return b
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	if l.IsLogging(Debug) {
		l.entry.Debugf(format, v...)
	}
}

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	if l.IsLogging(Info) {
		l.entry.Infof(format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	if l.IsLogging(Warning) {
		l.entry.Warnf(format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return Level(l.level.Load()) >= level
}

// SetLevel sets the logging level.
func (l *BasicLogger) SetLevel(level Level) {
	l.level.Store(uint32(level))
	if l.entry.Logger.GetLevel() < level.logrus() {
		l.entry.Logger.SetLevel(level.logrus())
	}
}

var std = func() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: false, FullTimestamp: true})
	return l
}()

var global atomic.Pointer[BasicLogger]

func init() {
	global.Store(New(std, "wsmem"))
}

// Log retrieves the global logger.
func Log() *BasicLogger {
	return global.Load()
}

// SetTarget redirects the global logger's output.
func SetTarget(w io.Writer) {
	std.SetOutput(w)
}

// SetLevel sets the level of the global logger.
func SetLevel(level Level) {
	Log().SetLevel(level)
}

// Component returns a logger sharing the global output and level, tagged with
// the given component name.
func Component(name string) Logger {
	return &componentLogger{name: name, entry: std.WithField("component", name)}
}

type componentLogger struct {
	name  string
	entry *logrus.Entry
}

func (c *componentLogger) Debugf(format string, v ...any) {
	if c.IsLogging(Debug) {
		c.entry.Debugf(format, v...)
	}
}

func (c *componentLogger) Infof(format string, v ...any) {
	if c.IsLogging(Info) {
		c.entry.Infof(format, v...)
	}
}

func (c *componentLogger) Warningf(format string, v ...any) {
	if c.IsLogging(Warning) {
		c.entry.Warnf(format, v...)
	}
}

func (c *componentLogger) IsLogging(level Level) bool {
	return Log().IsLogging(level)
}

// Debugf logs to the global logger.
func Debugf(format string, v ...any) {
	Log().Debugf(format, v...)
}

// Infof logs to the global logger.
func Infof(format string, v ...any) {
	Log().Infof(format, v...)
}

// Warningf logs to the global logger.
func Warningf(format string, v ...any) {
	Log().Warningf(format, v...)
}

// Discard is a Logger that drops everything.
var Discard Logger = discard{}

type discard struct{}

func (discard) Debugf(string, ...any)   {}
func (discard) Infof(string, ...any)    {}
func (discard) Warningf(string, ...any) {}
func (discard) IsLogging(Level) bool    { return false }
