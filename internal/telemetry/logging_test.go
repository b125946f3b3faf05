package telemetry_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calder/remedy/internal/shared"
	"github.com/calder/remedy/internal/telemetry"
)

func TestNewLoggerWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := telemetry.NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("hello", "agent_id", "a1")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "logs", "remedy.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line not JSON: %v (%q)", err, line)
	}
	if entry["msg"] != "hello" {
		t.Fatalf("msg = %v", entry["msg"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("missing timestamp key: %v", entry)
	}
}

func TestContextIDsStampedOntoRecords(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := telemetry.NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	ctx := shared.WithTraceID(context.Background(), "trace-123")
	ctx = shared.WithTaskID(ctx, "task-456")
	ctx = shared.WithErrorID(ctx, "err-789")
	logger.InfoContext(ctx, "working")
	logger.Info("no context")
	_ = closer.Close()

	data, err := os.ReadFile(filepath.Join(dir, "logs", "remedy.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2", len(lines))
	}

	var withCtx map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &withCtx); err != nil {
		t.Fatalf("log line not JSON: %v", err)
	}
	if withCtx["trace_id"] != "trace-123" || withCtx["task_id"] != "task-456" || withCtx["error_id"] != "err-789" {
		t.Fatalf("context ids missing: %v", withCtx)
	}

	var bare map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &bare); err != nil {
		t.Fatalf("log line not JSON: %v", err)
	}
	if bare["trace_id"] != "-" {
		t.Fatalf("trace_id without context = %v, want \"-\"", bare["trace_id"])
	}
	if _, ok := bare["task_id"]; ok {
		t.Fatal("task_id stamped without a context value")
	}
}

func TestNewLoggerRedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := telemetry.NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("auth", "api_key", "sk-supersecret")
	_ = closer.Close()

	data, err := os.ReadFile(filepath.Join(dir, "logs", "remedy.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "supersecret") {
		t.Fatalf("secret leaked into log: %s", data)
	}
	if !strings.Contains(string(data), "[REDACTED]") {
		t.Fatalf("expected redaction marker, got %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := telemetry.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
