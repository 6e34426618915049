package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigureJSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := Configure(Options{Level: "warn", JSON: true, Writer: &buf})
	if L() != l {
		t.Fatal("Configure did not install the logger")
	}

	l.Info("hidden")
	l.Warn("shown", "queue", "hub-0-0x00000000")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("want one line, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if rec["msg"] != "shown" || rec["queue"] != "hub-0-0x00000000" {
		t.Fatalf("record = %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		" warn": slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logbridge.log")
	l := New(Options{File: path})
	l.Info("to file")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), "to file") {
		t.Fatalf("file content = %q", raw)
	}
}

func TestInitFromEnv(t *testing.T) {
	t.Setenv("LOGBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("LOGBRIDGE_LOG_JSON", "true")
	t.Setenv("LOGBRIDGE_LOG_FILE", "")
	InitFromEnv()
	if !L().Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug should be enabled")
	}
}
