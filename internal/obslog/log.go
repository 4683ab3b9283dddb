// Package obslog wraps log/slog the way the teacher's cmd/bd threads a
// *slog.Logger through its daemon/sync call sites (daemon_sync.go,
// sync_bridge.go's "log *slog.Logger" parameters, daemon_deprecated.go's
// slog.New(slog.DiscardHandler)), gated by a runtime-configurable
// slog.LevelVar instead of the teacher's fixed Default()/Discard split,
// since the core's log_level config option needs to move the bar at
// startup rather than picking one of two fixed loggers.
package obslog

import (
	"fmt"
	"log/slog"
	"os"
)

// ParseLevel maps the core's log_level config string to a slog.Level,
// defaulting to Info for anything unrecognized.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger embeds a *slog.Logger tagged with a "component" attribute,
// backed by a text handler whose level can be adjusted at runtime via
// the held LevelVar.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New builds a Logger writing to stderr at level, the way the teacher
// constructs its per-component *slog.Logger values.
func New(component string, level slog.Level) *Logger {
	lvl := new(slog.LevelVar)
	lvl.Set(level)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return &Logger{
		Logger: slog.New(handler).With("component", component),
		level:  lvl,
	}
}

// SetLevel adjusts the logger's level at runtime.
func (l *Logger) SetLevel(level slog.Level) { l.level.Set(level) }

// Debugf/Infof/Warnf/Errorf preserve the core's printf-style call sites
// (internal/daemon, cmd/wispd) over slog's key-value Info("msg", "k", v)
// form, formatting the message before handing it to the matching
// leveled slog method.
func (l *Logger) Debugf(format string, args ...any) { l.Logger.Debug(fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...any)  { l.Logger.Info(fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...any)  { l.Logger.Warn(fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...any) { l.Logger.Error(fmt.Sprintf(format, args...)) }
