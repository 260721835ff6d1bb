package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"WARN":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}
	for input, want := range cases {
		got, err := ParseLevel(input)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", input, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestRunLoggerWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewRunLogger(dir, "RUN_LOG.jsonl", zapcore.InfoLevel)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("run.done", zap.Int("score_ok", 2))
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "RUN_LOG.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d:\n%s", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["event"] != "run.done" || entry["score_ok"] != float64(2) || entry["level"] != "info" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
