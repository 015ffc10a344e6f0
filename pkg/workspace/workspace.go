package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	jobsDir   = "jobs"
	thumbsDir = "thumbs"
)

// Prepare ensures the working root and its fixed subdirectories exist.
func Prepare(root string) error {
	for _, dir := range []string{JobsDir(root), ThumbsDir(root)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("prepare workspace: %w", err)
		}
	}
	return nil
}

func JobsDir(root string) string   { return filepath.Join(root, jobsDir) }
func ThumbsDir(root string) string { return filepath.Join(root, thumbsDir) }

// NewJobDir creates and returns a fresh root/jobs/<uuid> directory.
func NewJobDir(root string) (string, error) {
	dir := filepath.Join(JobsDir(root), uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create job directory: %w", err)
	}
	return dir, nil
}

// NewThumbPath returns an unused root/thumbs/<uuid>.jpg path.
func NewThumbPath(root string) string {
	return filepath.Join(ThumbsDir(root), uuid.NewString()+".jpg")
}
