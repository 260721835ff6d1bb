package engine

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"ragpack/internal/config"
)

func testEngine(t *testing.T) Engine {
	t.Helper()
	policy, err := config.DefaultPolicy()
	if err != nil {
		t.Fatalf("default policy: %v", err)
	}
	eng, err := Lookup(policy, "RSQT")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	return eng
}

func TestPreflightArgvExpandsPlaceholders(t *testing.T) {
	eng := testEngine(t)
	paths := Paths{Index: "/idx", Corpus: "/data/RSQT.parquet", TargetDir: "/data", OutDir: "/runs/x"}
	argv, err := eng.PreflightArgv([]string{"query", "--out", "{out_dir}/{question_id}.txt", "--in", "{target_dir}"}, paths, "Q1")
	if err != nil {
		t.Fatalf("argv: %v", err)
	}
	want := []string{"rsqt", "query", "--out", "/runs/x/Q1.txt", "--in", "/data"}
	if diff := cmp.Diff(want, argv); diff != "" {
		t.Fatalf("argv mismatch (-want +got):\n%s", diff)
	}
}

func TestPreflightArgvAddsIndexFlags(t *testing.T) {
	eng := testEngine(t)
	paths := Paths{Index: "/idx", Corpus: "/c.parquet"}
	argv, err := eng.PreflightArgv([]string{"rag-search", "unsafe"}, paths, "Q1")
	if err != nil {
		t.Fatalf("argv: %v", err)
	}
	want := []string{"rsqt", "rag-search", "unsafe", "--index", "/idx", "--rsqt", "/c.parquet"}
	if diff := cmp.Diff(want, argv); diff != "" {
		t.Fatalf("argv mismatch (-want +got):\n%s", diff)
	}
}

func TestPreflightArgvEmpty(t *testing.T) {
	eng := testEngine(t)
	if _, err := eng.PreflightArgv(nil, Paths{}, "Q1"); err != ErrNoCommand {
		t.Fatalf("expected ErrNoCommand, got %v", err)
	}
}

func TestChatArgv(t *testing.T) {
	eng := testEngine(t)
	argv, err := eng.ChatArgv(ChatRequest{
		Prompt:      "why?",
		Backend:     "ollama",
		Model:       "m1",
		TopK:        8,
		MaxTokens:   512,
		Temperature: 0.2,
	}, Paths{Index: "/idx", Corpus: "/c.parquet"})
	if err != nil {
		t.Fatalf("argv: %v", err)
	}
	want := []string{
		"rsqt", "chat", "why?",
		"--index", "/idx", "--rsqt", "/c.parquet",
		"--backend", "ollama", "--top-k", "8",
		"--max-tokens", "512", "--temperature", "0.2",
		"--format", "json", "--model", "m1",
	}
	if diff := cmp.Diff(want, argv); diff != "" {
		t.Fatalf("argv mismatch (-want +got):\n%s", diff)
	}
}

func TestLookupUnknownEngine(t *testing.T) {
	policy, err := config.DefaultPolicy()
	if err != nil {
		t.Fatalf("default policy: %v", err)
	}
	if _, err := Lookup(policy, "nope"); err == nil || !strings.Contains(err.Error(), "unknown engine") {
		t.Fatalf("expected unknown engine error, got %v", err)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecRunnerCapturesOutput(t *testing.T) {
	script := writeScript(t, "echo out; echo err 1>&2; exit 3\n")
	result := NewExecRunner().Run(context.Background(), Command{Argv: []string{script}})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.ExitCode != 3 || result.OK() {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "out" || strings.TrimSpace(result.Stderr) != "err" {
		t.Fatalf("unexpected output %q / %q", result.Stdout, result.Stderr)
	}
}

func TestExecRunnerTimeout(t *testing.T) {
	script := writeScript(t, "exec sleep 5\n")
	result := NewExecRunner().Run(context.Background(), Command{Argv: []string{script}, Timeout: 50 * time.Millisecond})
	if !result.TimedOut || result.Err == nil {
		t.Fatalf("expected timeout, got %+v", result)
	}
	if result.ExitCode != -1 {
		t.Fatalf("expected exit code -1, got %d", result.ExitCode)
	}
}

func TestExecRunnerMissingBinary(t *testing.T) {
	result := NewExecRunner().Run(context.Background(), Command{Argv: []string{"/nonexistent/tool"}})
	if result.Err == nil || result.OK() {
		t.Fatalf("expected start failure, got %+v", result)
	}
}
