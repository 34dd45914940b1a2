package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLines(t *testing.T, raw []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal log json %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()

	logger.Info("startup phase", "phase", "config_loaded", "task_id", 3)

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	entries := readLines(t, raw)
	if len(entries) != 1 {
		t.Fatalf("expected one log line, got %d", len(entries))
	}
	entry := entries[0]
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "taskd" {
		t.Fatalf("expected component=taskd, got %#v", entry["component"])
	}
	if entry["trace_id"] != "-" {
		t.Fatalf("expected trace_id='-', got %#v", entry["trace_id"])
	}
	if entry["task_id"] != float64(3) {
		t.Fatalf("expected task_id propagation, got %#v", entry["task_id"])
	}
}

func TestLogger_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "info")

	logger.Info("auth", "auth_token", "abc", "header", "Bearer abcdefghijklmnopqrstuvwxyz", "caller", "alice")

	entry := readLines(t, buf.Bytes())[0]
	if entry["auth_token"] != "[REDACTED]" {
		t.Fatalf("auth_token not redacted: %#v", entry["auth_token"])
	}
	if entry["header"] != "[REDACTED]" {
		t.Fatalf("header not redacted: %#v", entry["header"])
	}
	if entry["caller"] != "alice" {
		t.Fatalf("caller should pass through: %#v", entry["caller"])
	}
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "warn")

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %s", buf.String())
	}

	logger.SetLevel("debug")
	if logger.Level() != slog.LevelDebug {
		t.Fatalf("level = %v, want debug", logger.Level())
	}
	logger.Debug("kept")
	if !strings.Contains(buf.String(), `"msg":"kept"`) {
		t.Fatalf("debug line missing after SetLevel: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
