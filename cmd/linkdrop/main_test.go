package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sipeed/linkdrop/pkg/workspace"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "linkdrop ") {
		t.Fatalf("output = %q", out)
	}
}

func TestSweepCommand(t *testing.T) {
	root := t.TempDir()
	if err := workspace.Prepare(root); err != nil {
		t.Fatal(err)
	}
	old := filepath.Join(workspace.JobsDir(root), "old-job")
	fresh := filepath.Join(workspace.JobsDir(root), "fresh-job")
	for _, dir := range []string{old, fresh} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LINKDROP_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("LINKDROP_WORKSPACE_ROOT", root)
	out, err := execute(t, "sweep", "--config", filepath.Join(root, "absent.json"), "--older-than", "1h")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out, "removed 1 stale entries") {
		t.Fatalf("output = %q", out)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("old job dir should be gone")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("fresh job dir should survive")
	}
}

func TestSweepCommandRejectsInvalidConfig(t *testing.T) {
	t.Setenv("LINKDROP_TELEGRAM_TOKEN", "")
	if _, err := execute(t, "sweep", "--config", filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected validation error without a token")
	}
}
