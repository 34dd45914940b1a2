package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/taskd/internal/shared"
)

// Logger bundles the process logger with the level knob the config watcher
// turns on reload.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	file  *os.File
}

// NewLogger writes JSON lines to <homeDir>/logs/system.jsonl and, unless
// quiet, to stdout as well.
func NewLogger(homeDir, level string, quiet bool) (*Logger, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(level))
	return &Logger{
		Logger: newJSONLogger(w, lvl),
		level:  lvl,
		file:   file,
	}, nil
}

// NewWriterLogger builds the same handler stack over an arbitrary writer.
func NewWriterLogger(w io.Writer, level string) *Logger {
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(level))
	return &Logger{Logger: newJSONLogger(w, lvl), level: lvl}
}

func newJSONLogger(w io.Writer, lvl *slog.LevelVar) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shared.IsSensitiveKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	return slog.New(handler).With("component", "taskd", "trace_id", "-")
}

// SetLevel changes the minimum level of every logger derived from l.
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

// ParseLevel maps a config level name to a slog level; unknown names mean info.
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
