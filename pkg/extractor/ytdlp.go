package extractor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/linkdrop/pkg/logger"
	"github.com/sipeed/linkdrop/pkg/progress"
	"github.com/sipeed/linkdrop/pkg/session"
)

const (
	preferredSelector  = "bestvideo[ext=mp4][vcodec^=avc]+bestaudio[ext=m4a]/best[ext=mp4]/best"
	permissiveSelector = "bestvideo+bestaudio/best"

	progressPrefix   = "[linkdrop]"
	progressTemplate = "download:" + progressPrefix +
		" %(progress.downloaded_bytes)s %(progress.total_bytes)s %(progress.total_bytes_estimate)s %(progress.speed)s %(progress.eta)s"

	stderrTailBytes = 4096
)

// YtDlp runs the yt-dlp binary as a child process.
type YtDlp struct {
	Binary     string
	FFmpegPath string
}

func NewYtDlp(binary, ffmpeg string) *YtDlp {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &YtDlp{Binary: binary, FFmpegPath: ffmpeg}
}

func (y *YtDlp) Name() string { return "yt-dlp" }

func (y *YtDlp) Accepts(rawURL string) bool {
	return strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://")
}

func (y *YtDlp) args(req Request) []string {
	selector := preferredSelector
	if req.Permissive {
		selector = permissiveSelector
	}
	args := []string{
		"--no-playlist",
		"--no-check-certificates",
		"-f", selector,
		"-o", filepath.Join(req.Dir, "%(title)s.%(ext)s"),
		"--merge-output-format", "mp4",
	}
	if req.Format == session.FormatVideo {
		args = append(args, "--recode-video", "mp4")
	}
	if req.CookieFile != "" {
		args = append(args, "--cookies", req.CookieFile)
	}
	if y.FFmpegPath != "" && y.FFmpegPath != "ffmpeg" {
		args = append(args, "--ffmpeg-location", y.FFmpegPath)
	}
	args = append(args,
		"--progress",
		"--newline",
		"--progress-template", progressTemplate,
		"--print", "after_move:filepath",
		"--",
		req.URL,
	)
	return args
}

func (y *YtDlp) Fetch(ctx context.Context, req Request, snapshots chan<- progress.Snapshot) (string, error) {
	if err := os.MkdirAll(req.Dir, 0755); err != nil {
		return "", fmt.Errorf("create job directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, y.Binary, y.args(req)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}
	stderr := &tailBuffer{limit: stderrTailBytes}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", y.Binary, err)
	}

	// --print implies --quiet, which moves progress lines to stderr.
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanLines(stderrPipe, func(line string) {
			if snap, ok := parseProgressLine(line); ok {
				progress.Emit(ctx, snapshots, snap)
				return
			}
			stderr.Write([]byte(line + "\n"))
		})
	}()

	var reported string
	scanLines(stdout, func(line string) {
		if snap, ok := parseProgressLine(line); ok {
			progress.Emit(ctx, snapshots, snap)
			return
		}
		if line != "" && isFile(line) {
			reported = line
		}
	})
	<-stderrDone

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("yt-dlp failed: %w: %s", err, stderr.lastLine())
	}

	path := reported
	if path == "" {
		path, err = locateOutput(req.Dir)
		if err != nil {
			return "", err
		}
	}

	logger.InfoCF("extractor", "yt-dlp finished", map[string]interface{}{
		"file":       filepath.Base(path),
		"permissive": req.Permissive,
		"elapsed":    time.Since(started).Round(time.Millisecond).String(),
	})
	finalSnapshot(ctx, snapshots, path)
	return path, nil
}

// parseProgressLine decodes one line written by progressTemplate. Fields
// yt-dlp does not know are printed as NA and read as zero.
func parseProgressLine(line string) (progress.Snapshot, bool) {
	rest, ok := strings.CutPrefix(line, progressPrefix)
	if !ok {
		return progress.Snapshot{}, false
	}
	fields := strings.Fields(rest)
	if len(fields) != 5 {
		return progress.Snapshot{}, false
	}
	downloaded := parseNumber(fields[0])
	total := parseNumber(fields[1])
	if total <= 0 {
		total = parseNumber(fields[2])
	}
	return progress.Snapshot{
		Direction:   progress.Download,
		Transferred: int64(downloaded),
		Total:       int64(total),
		Rate:        parseNumber(fields[3]),
		ETA:         time.Duration(parseNumber(fields[4]) * float64(time.Second)),
	}, true
}

func parseNumber(s string) float64 {
	if s == "" || s == "NA" || s == "None" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// scanLines feeds each trimmed line of r to fn until r is exhausted.
func scanLines(r io.Reader, fn func(line string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(strings.TrimSpace(scanner.Text()))
	}
	// Keep draining so the child never blocks on a full pipe.
	io.Copy(io.Discard, r)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) lastLine() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := strings.Split(strings.TrimSpace(string(t.buf)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return "no output"
}
