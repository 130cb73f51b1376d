// Package logger provides the module's structured logging, a slog.Logger
// configured from LOG_LEVEL and TZ the way the wider nzbdav-style
// application configures its own.
package logger

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"streamcore/pkg/env"
)

// Log is the package-level logger. It is initialized by Init; until then
// it falls back to slog.Default() so library code that logs before Init
// (rare, mostly in tests) doesn't panic.
var Log = slog.Default()

// Init configures the global logger at the given level ("DEBUG", "INFO",
// "WARN", "ERROR"). Timestamps are rendered in the TZ environment variable's
// location when set, local time otherwise.
func Init(levelStr string) {
	var level slog.Level
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	loc := time.Local
	if tz := env.TZ(); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().In(loc).Format("2006-01-02T15:04:05.000-07:00"))
			}
			return a
		},
	}

	Log = slog.New(slog.NewTextHandler(os.Stdout, opts))
	slog.SetDefault(Log)
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }

// Fatal logs at error level then exits, matching the teacher's Fatal helper
// used for unrecoverable startup failures.
func Fatal(msg string, args ...any) {
	Log.Error(msg, args...)
	os.Exit(1)
}
