package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
		err  bool
	}{
		{"", INFO, false},
		{"debug", DEBUG, false},
		{"WARNING", WARN, false},
		{" error ", ERROR, false},
		{"verbose", INFO, true},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.err {
			t.Fatalf("ParseLevel(%q) err=%v, want err=%v", tc.in, err, tc.err)
		}
		if got != tc.want {
			t.Fatalf("ParseLevel(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestFormatFieldsSorted(t *testing.T) {
	got := formatFields(map[string]interface{}{"b": 2, "a": "x"})
	if got != "{a=x, b=2}" {
		t.Fatalf("formatFields=%q", got)
	}
}

func TestFileLoggingWritesJSONAndRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "linkdrop.log")
	if err := EnableFileLogging(FileOptions{Path: path}); err != nil {
		t.Fatalf("EnableFileLogging: %v", err)
	}
	defer DisableFileLogging()

	prev := GetLevel()
	SetLevel(INFO)
	defer SetLevel(prev)

	DebugC("test", "hidden")
	InfoCF("test", "visible", map[string]interface{}{"job": "j1"})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), data)
	}
	var entry LogEntry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.Message != "visible" || entry.Component != "test" || entry.Fields["job"] != "j1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestFatalExits(t *testing.T) {
	code := -1
	exit = func(c int) { code = c }
	defer func() { exit = os.Exit }()

	FatalC("test", "boom")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
