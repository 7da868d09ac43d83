// Package log provides structured logging for luci using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/luci-dsu/luci/internal/trace"
)

// Logger wraps zap.Logger with luci-specific helpers.
type Logger struct {
	*zap.Logger
	onEvent func(e *trace.Event) // event callback for the monitor TUI
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// SetOnEvent sets the event callback consumed by internal/monitor; e is
// already enriched with derived tags (trace.DefaultEnricher).
func (l *Logger) SetOnEvent(fn func(e *trace.Event)) {
	l.onEvent = fn
}

// Event logs a loader lifecycle event (load, update, redirect, helper,
// startup) and forwards it, wrapped and tag-enriched, to the monitor
// callback if one is registered. This is the single chokepoint every
// subsystem in the core routes status through.
func (l *Logger) Event(category, name, detail string) {
	if l == nil {
		return
	}
	e := trace.NewEvent(category, name, detail)
	if l.onEvent != nil {
		l.onEvent(e)
	}
	l.Debug("event",
		zap.String("cat", category),
		zap.String("name", name),
		zap.String("detail", detail),
		zap.Strings("tags", e.Tags.Strings()),
	)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(zap.String("cat", category)),
		onEvent: l.onEvent,
	}
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a symbol/function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}
