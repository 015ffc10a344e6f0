package extractor

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/sipeed/linkdrop/pkg/progress"
	"github.com/sipeed/linkdrop/pkg/session"
)

var (
	// ErrNoMedia means the backend ran but left no usable file behind.
	ErrNoMedia = errors.New("no media file was produced")
	// ErrUnsupported means the backend does not handle the URL.
	ErrUnsupported = errors.New("url not supported by this backend")
)

type Request struct {
	URL        string
	Dir        string
	Format     session.Format
	Permissive bool
	CookieFile string
}

// Backend fetches the media behind a URL into req.Dir and returns the
// resulting path. Progress is offered on the channel and never blocks the
// download.
type Backend interface {
	Name() string
	Accepts(rawURL string) bool
	Fetch(ctx context.Context, req Request, snapshots chan<- progress.Snapshot) (string, error)
}

var youTubeHosts = map[string]bool{
	"youtube.com":       true,
	"www.youtube.com":   true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
	"youtu.be":          true,
}

// IsYouTubeURL reports whether rawURL points at a YouTube host.
func IsYouTubeURL(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	return youTubeHosts[strings.ToLower(u.Hostname())]
}

// locateOutput picks the largest finished file in dir.
func locateOutput(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var (
		best     string
		bestSize int64 = -1
	)
	for _, e := range entries {
		if !e.Type().IsRegular() || isIntermediate(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		if info.Size() > bestSize {
			best, bestSize = filepath.Join(dir, e.Name()), info.Size()
		}
	}
	if best == "" {
		return "", ErrNoMedia
	}
	return best, nil
}

func isIntermediate(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range []string{".part", ".ytdl", ".temp", ".tmp"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return strings.Contains(lower, ".part-frag")
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func finalSnapshot(ctx context.Context, snapshots chan<- progress.Snapshot, path string) {
	size := fileSize(path)
	progress.Emit(ctx, snapshots, progress.Snapshot{
		Direction:   progress.Download,
		Percent:     100,
		Transferred: size,
		Total:       size,
		Final:       true,
	})
}
