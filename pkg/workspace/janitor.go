package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/linkdrop/pkg/logger"
)

// Janitor removes job directories and thumbnails that outlived a crash.
type Janitor struct {
	root       string
	schedule   string
	staleAfter time.Duration
	now        func() time.Time
}

func NewJanitor(root, schedule string, staleAfter time.Duration) (*Janitor, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid janitor schedule %q", schedule)
	}
	if staleAfter <= 0 {
		return nil, fmt.Errorf("janitor stale age must be positive")
	}
	return &Janitor{root: root, schedule: schedule, staleAfter: staleAfter, now: time.Now}, nil
}

// Sweep deletes entries older than the stale age and returns how many went.
func (j *Janitor) Sweep() (int, error) {
	cutoff := j.now().Add(-j.staleAfter)
	removed := 0
	for _, dir := range []string{JobsDir(j.root), ThumbsDir(j.root)} {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return removed, err
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if err := os.RemoveAll(path); err != nil {
				logger.WarnCF("workspace", "Janitor failed to remove entry", map[string]interface{}{
					"path":  path,
					"error": err.Error(),
				})
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// Run sweeps on every schedule tick until ctx ends.
func (j *Janitor) Run(ctx context.Context) {
	logger.InfoCF("workspace", "Janitor started", map[string]interface{}{
		"schedule":    j.schedule,
		"stale_after": j.staleAfter.String(),
	})
	for {
		next, err := gronx.NextTickAfter(j.schedule, j.now(), false)
		if err != nil {
			logger.ErrorCF("workspace", "Janitor schedule failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		removed, err := j.Sweep()
		if err != nil {
			logger.WarnCF("workspace", "Janitor sweep failed", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if removed > 0 {
			logger.InfoCF("workspace", "Janitor removed stale entries", map[string]interface{}{
				"removed": removed,
			})
		}
	}
}
