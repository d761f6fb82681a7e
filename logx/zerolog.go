package logx

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/localrivet/gokernel/types"
)

// ZerologLogger adapts a zerolog.Logger to the printf-style Logger interface.
type ZerologLogger struct {
	mu     sync.RWMutex
	logger zerolog.Logger
}

// NewZerologLogger creates a structured logger writing JSON lines to w.
func NewZerologLogger(w io.Writer, level Level) *ZerologLogger {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).With().Timestamp().Str("component", "gokernel").Logger()
	return &ZerologLogger{logger: zl.Level(toZerolog(level))}
}

// NewConsoleLogger creates a human-readable zerolog logger. Colour is used
// only when color is true; callers typically decide with term.IsTerminal.
func NewConsoleLogger(w io.Writer, level Level, color bool) *ZerologLogger {
	if w == nil {
		w = os.Stderr
	}
	cw := zerolog.ConsoleWriter{Out: w, NoColor: !color, TimeFormat: time.Kitchen}
	zl := zerolog.New(cw).With().Timestamp().Logger()
	return &ZerologLogger{logger: zl.Level(toZerolog(level))}
}

// With returns a child logger carrying an extra string field.
func (z *ZerologLogger) With(key, value string) *ZerologLogger {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return &ZerologLogger{logger: z.logger.With().Str(key, value).Logger()}
}

func (z *ZerologLogger) event(level zerolog.Level) *zerolog.Event {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.logger.WithLevel(level)
}

func (z *ZerologLogger) Debug(msg string, args ...interface{}) {
	if e := z.event(zerolog.DebugLevel); e.Enabled() {
		e.Msg(sprintf(msg, args...))
	}
}

func (z *ZerologLogger) Info(msg string, args ...interface{}) {
	if e := z.event(zerolog.InfoLevel); e.Enabled() {
		e.Msg(sprintf(msg, args...))
	}
}

func (z *ZerologLogger) Warn(msg string, args ...interface{}) {
	if e := z.event(zerolog.WarnLevel); e.Enabled() {
		e.Msg(sprintf(msg, args...))
	}
}

func (z *ZerologLogger) Error(msg string, args ...interface{}) {
	if e := z.event(zerolog.ErrorLevel); e.Enabled() {
		e.Msg(sprintf(msg, args...))
	}
}

// SetLevel updates the minimum level emitted.
func (z *ZerologLogger) SetLevel(level Level) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.logger = z.logger.Level(toZerolog(level))
}

func toZerolog(level Level) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	}
	return zerolog.Disabled
}

var (
	_ types.Logger = (*ZerologLogger)(nil)
	_ Logger       = (*ZerologLogger)(nil)
)
