package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitStructured_WritesJSONToFile(t *testing.T) {
	prev := Op()
	t.Cleanup(func() {
		opLogger.Store(prev)
		SetLevel(slog.LevelInfo)
	})

	path := filepath.Join(t.TempDir(), "logs", "tether.log")
	closeFn, err := InitStructured("json", "debug", path)
	if err != nil {
		t.Fatalf("InitStructured: %v", err)
	}

	Op().Debug("table replicated", "table", "_reference300", "rows", 3)
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := strings.TrimSpace(string(data))
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("expected a JSON record, got %q: %v", line, err)
	}
	if rec["msg"] != "table replicated" || rec["table"] != "_reference300" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestSetLevelFromString(t *testing.T) {
	t.Cleanup(func() { SetLevel(slog.LevelInfo) })

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
	}
	for _, tt := range tests {
		SetLevelFromString(tt.in)
		if got := logLevel.Level(); got != tt.want {
			t.Errorf("SetLevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	SetLevelFromString("bogus")
	if got := logLevel.Level(); got != slog.LevelInfo {
		t.Errorf("unknown level should leave %v unchanged, got %v", slog.LevelInfo, got)
	}
}

func TestOpWithTrace(t *testing.T) {
	if OpWithTrace("", "") != Op() {
		t.Fatal("empty trace id should return the base logger")
	}
	if OpWithTrace("abc", "def") == Op() {
		t.Fatal("trace id should derive a new logger")
	}
}
