package splitter

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path, data
}

func TestSplitSmallFileUnchanged(t *testing.T) {
	path, _ := writeFile(t, 100)

	parts, err := Split(path, 100)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(parts) != 1 || parts[0] != path {
		t.Fatalf("parts = %v, want [%s]", parts, path)
	}
}

func TestSplitSizesAndReassembly(t *testing.T) {
	tests := []struct {
		size, max int
		want      []int
	}{
		{size: 250, max: 100, want: []int{100, 100, 50}},
		{size: 200, max: 100, want: []int{100, 100}},
		{size: 101, max: 100, want: []int{100, 1}},
	}

	for _, tc := range tests {
		path, data := writeFile(t, tc.size)
		parts, err := Split(path, int64(tc.max))
		if err != nil {
			t.Fatalf("Split(%d,%d): %v", tc.size, tc.max, err)
		}
		if len(parts) != len(tc.want) {
			t.Fatalf("Split(%d,%d) produced %d parts, want %d", tc.size, tc.max, len(parts), len(tc.want))
		}

		var joined []byte
		for i, p := range parts {
			if p != PartName(path, i+1) {
				t.Fatalf("part %d = %s", i+1, p)
			}
			chunk, err := os.ReadFile(p)
			if err != nil {
				t.Fatalf("read part: %v", err)
			}
			if len(chunk) != tc.want[i] {
				t.Fatalf("part %d size = %d, want %d", i+1, len(chunk), tc.want[i])
			}
			joined = append(joined, chunk...)
		}
		if !bytes.Equal(joined, data) {
			t.Fatalf("reassembled bytes differ for size %d", tc.size)
		}
	}
}

func TestPartName(t *testing.T) {
	got := PartName("/tmp/job/My Video.mp4", 7)
	if got != filepath.Join("/tmp/job", "My Video.part007") {
		t.Fatalf("PartName = %q", got)
	}
}

func TestSplitMissingFile(t *testing.T) {
	if _, err := Split(filepath.Join(t.TempDir(), "absent"), 10); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSplitRemovesPartsOnFailure(t *testing.T) {
	path, _ := writeFile(t, 250)
	// A directory squatting on the second part name makes its creation fail.
	if err := os.Mkdir(PartName(path, 2), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if _, err := Split(path, 100); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(PartName(path, 1)); !os.IsNotExist(err) {
		t.Fatalf("part 1 should be removed, stat err = %v", err)
	}
}

func TestRemoveIgnoresMissing(t *testing.T) {
	path, _ := writeFile(t, 10)
	Remove(path, filepath.Join(t.TempDir(), "gone"), "")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file should be removed")
	}
}
