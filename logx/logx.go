// Package logx provides the logger implementations for the gokernel project.
package logx

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/localrivet/gokernel/types"
)

// Level is a logging threshold. Messages below the configured level are dropped.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return "off"
}

// ParseLevel maps a level name to a Level. Unknown names return LevelInfo and false.
func ParseLevel(raw string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "trace":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	case "off", "none", "disabled":
		return LevelOff, true
	}
	return LevelInfo, false
}

// Logger defines the interface for logging.
type Logger interface {
	Debug(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
	SetLevel(level Level)
}

// DefaultLogger provides a basic logger implementation using the standard log package.
type DefaultLogger struct {
	logger *log.Logger
	level  Level
	mu     sync.Mutex
}

// NewDefaultLogger creates a new logger writing to stderr with standard flags.
func NewDefaultLogger() *DefaultLogger {
	return NewStandardLogger(os.Stderr, LevelInfo)
}

// NewStandardLogger creates a DefaultLogger writing to w at the given level.
func NewStandardLogger(w io.Writer, level Level) *DefaultLogger {
	return &DefaultLogger{
		logger: log.New(w, "[gokernel] ", log.LstdFlags|log.Lmsgprefix),
		level:  level,
	}
}

func (l *DefaultLogger) logf(level Level, prefix, msg string, args ...interface{}) {
	l.mu.Lock()
	enabled := level >= l.level
	l.mu.Unlock()
	if enabled {
		l.logger.Printf(prefix+msg, args...)
	}
}

func (l *DefaultLogger) Debug(msg string, args ...interface{}) {
	l.logf(LevelDebug, "DEBUG: ", msg, args...)
}
func (l *DefaultLogger) Info(msg string, args ...interface{}) { l.logf(LevelInfo, "INFO: ", msg, args...) }
func (l *DefaultLogger) Warn(msg string, args ...interface{}) { l.logf(LevelWarn, "WARN: ", msg, args...) }
func (l *DefaultLogger) Error(msg string, args ...interface{}) {
	l.logf(LevelError, "ERROR: ", msg, args...)
}

// SetLevel updates the logging level for the DefaultLogger.
func (l *DefaultLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// nopLogger discards everything.
type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) SetLevel(Level)               {}

// Nop returns a logger that discards all output. Tests use it to keep output quiet.
func Nop() Logger {
	return nopLogger{}
}

// Prefixed returns a logger that prepends prefix to every message of l.
func Prefixed(l types.Logger, prefix string) types.Logger {
	if l == nil {
		l = NewDefaultLogger()
	}
	return &prefixed{inner: l, prefix: prefix}
}

type prefixed struct {
	inner  types.Logger
	prefix string
}

func (p *prefixed) Debug(msg string, args ...interface{}) { p.inner.Debug(p.prefix+msg, args...) }
func (p *prefixed) Info(msg string, args ...interface{})  { p.inner.Info(p.prefix+msg, args...) }
func (p *prefixed) Warn(msg string, args ...interface{})  { p.inner.Warn(p.prefix+msg, args...) }
func (p *prefixed) Error(msg string, args ...interface{}) { p.inner.Error(p.prefix+msg, args...) }

// sprintf formats only when arguments are present so literal % signs survive.
func sprintf(msg string, args ...interface{}) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

// Ensure interface compliance
var (
	_ types.Logger = (*DefaultLogger)(nil)
	_ Logger       = (*DefaultLogger)(nil)
	_ Logger       = nopLogger{}
)
