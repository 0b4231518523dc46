package utils

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

var (
	logger     *slog.Logger
	loggerOnce sync.Once
	levelVar   = new(slog.LevelVar)
)

// InitLogger installs the process logger. It may be called again to change
// the level; the handler is only built once.
func InitLogger(level string) {
	levelVar.Set(ParseLevel(level))
	loggerOnce.Do(func() {
		logger = newLogger(os.Stderr)
		slog.SetDefault(logger)
	})
}

// GetLogger returns the process logger, initializing it at info level if
// InitLogger was never called.
func GetLogger() *slog.Logger {
	loggerOnce.Do(func() {
		logger = newLogger(os.Stderr)
		slog.SetDefault(logger)
	})
	return logger
}

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:       levelVar,
		TimeFormat:  time.DateTime,
		ReplaceAttr: plainErrors,
	}))
}

// plainErrors logs errors by their message. tint formats other values
// with %+v, which prints the stack of every pkg/errors wrap.
func plainErrors(_ []string, a slog.Attr) slog.Attr {
	if err, ok := a.Value.Any().(error); ok && a.Value.Kind() == slog.KindAny {
		return slog.String(a.Key, err.Error())
	}
	return a
}

// ParseLevel maps a config string to a slog level. Unknown values are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MaskSensitiveString keeps the first and last four characters of s.
func MaskSensitiveString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
