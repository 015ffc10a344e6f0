package splitter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sipeed/linkdrop/pkg/logger"
)

// PartName returns the path of the 1-based part index for source path.
func PartName(path string, index int) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, fmt.Sprintf("%s.part%03d", stem, index))
}

// Split cuts path into sequential chunks of exactly maxPartSize bytes (the
// last one may be shorter). Files that already fit are returned unchanged.
// On error every part written so far is removed.
func Split(path string, maxPartSize int64) ([]string, error) {
	if maxPartSize <= 0 {
		return nil, fmt.Errorf("split %s: max part size must be positive", filepath.Base(path))
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	if info.Size() <= maxPartSize {
		return []string{path}, nil
	}

	src, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	defer src.Close()

	count := int((info.Size() + maxPartSize - 1) / maxPartSize)
	if count > 999 {
		return nil, fmt.Errorf("split %s: %d parts exceed the 3-digit suffix", filepath.Base(path), count)
	}

	parts := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		name := PartName(path, i)
		if err := writePart(src, name, maxPartSize); err != nil {
			Remove(parts...)
			return nil, fmt.Errorf("split %s part %d: %w", filepath.Base(path), i, err)
		}
		parts = append(parts, name)
	}

	logger.DebugCF("splitter", "File split", map[string]interface{}{
		"path":  path,
		"size":  info.Size(),
		"parts": len(parts),
	})
	return parts, nil
}

func writePart(src io.Reader, name string, size int64) error {
	dst, err := os.Create(name)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(dst, src, size); err != nil && err != io.EOF {
		dst.Close()
		os.Remove(name)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

// Remove deletes paths, ignoring files that are already gone.
func Remove(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.WarnCF("splitter", "Failed to remove file", map[string]interface{}{
				"path":  p,
				"error": err.Error(),
			})
		}
	}
}
