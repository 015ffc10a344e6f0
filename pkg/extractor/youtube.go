package extractor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kkdai/youtube/v2"
	"golang.org/x/sync/errgroup"

	"github.com/sipeed/linkdrop/pkg/logger"
	"github.com/sipeed/linkdrop/pkg/progress"
	"github.com/sipeed/linkdrop/pkg/utils"
)

// YouTube downloads YouTube media natively. Preferred mode fetches the best
// mp4 video and audio streams concurrently and muxes them with ffmpeg;
// permissive mode takes the best progressive stream as is.
type YouTube struct {
	client     *youtube.Client
	ffmpegPath string
}

func NewYouTube(ffmpegPath string) *YouTube {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &YouTube{client: &youtube.Client{}, ffmpegPath: ffmpegPath}
}

func (y *YouTube) Name() string { return "youtube" }

func (y *YouTube) Accepts(rawURL string) bool { return IsYouTubeURL(rawURL) }

func (y *YouTube) Fetch(ctx context.Context, req Request, snapshots chan<- progress.Snapshot) (string, error) {
	if !y.Accepts(req.URL) {
		return "", ErrUnsupported
	}
	if err := os.MkdirAll(req.Dir, 0755); err != nil {
		return "", fmt.Errorf("create job directory: %w", err)
	}

	video, err := y.client.GetVideoContext(ctx, req.URL)
	if err != nil {
		return "", fmt.Errorf("video info: %w", err)
	}

	name := utils.SanitizeFilename(video.Title)
	if name == "" {
		name = video.ID
	}
	out := filepath.Join(req.Dir, name+".mp4")

	if req.Permissive {
		f := bestProgressive(video.Formats)
		if f == nil {
			return "", ErrNoMedia
		}
		counter := newByteCounter(ctx, snapshots, f.ContentLength)
		if err := y.download(ctx, video, f, out, counter); err != nil {
			return "", err
		}
	} else {
		vf, af := bestVideo(video.Formats), bestAudio(video.Formats)
		if vf == nil || af == nil {
			return "", ErrNoMedia
		}
		videoTemp := filepath.Join(req.Dir, "video.tmp")
		audioTemp := filepath.Join(req.Dir, "audio.tmp")
		defer os.Remove(videoTemp)
		defer os.Remove(audioTemp)

		counter := newByteCounter(ctx, snapshots, vf.ContentLength+af.ContentLength)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return y.download(gctx, video, vf, videoTemp, counter) })
		g.Go(func() error { return y.download(gctx, video, af, audioTemp, counter) })
		if err := g.Wait(); err != nil {
			return "", err
		}
		if err := y.mux(ctx, videoTemp, audioTemp, out); err != nil {
			return "", err
		}
	}

	if fileSize(out) == 0 {
		return "", ErrNoMedia
	}
	logger.InfoCF("extractor", "YouTube download finished", map[string]interface{}{
		"video_id":   video.ID,
		"permissive": req.Permissive,
	})
	finalSnapshot(ctx, snapshots, out)
	return out, nil
}

func (y *YouTube) download(ctx context.Context, video *youtube.Video, f *youtube.Format, dest string, counter *byteCounter) error {
	stream, _, err := y.client.GetStreamContext(ctx, video, f)
	if err != nil {
		return fmt.Errorf("open stream itag %d: %w", f.ItagNo, err)
	}
	defer stream.Close()

	file, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, io.TeeReader(stream, counter)); err != nil {
		file.Close()
		return fmt.Errorf("download itag %d: %w", f.ItagNo, err)
	}
	return file.Close()
}

func (y *YouTube) mux(ctx context.Context, videoPath, audioPath, out string) error {
	cmd := exec.CommandContext(ctx, y.ffmpegPath, "-y", "-hide_banner", "-loglevel", "error",
		"-i", videoPath, "-i", audioPath, "-c", "copy", out)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func isVideoOnly(f youtube.Format) bool {
	return strings.HasPrefix(f.MimeType, "video/") && f.AudioChannels == 0
}

func betterVideo(a youtube.Format, b *youtube.Format) bool {
	if b == nil {
		return true
	}
	if a.Height != b.Height {
		return a.Height > b.Height
	}
	return a.Bitrate > b.Bitrate
}

// bestVideo picks the tallest mp4 video-only stream.
func bestVideo(formats youtube.FormatList) *youtube.Format {
	var best *youtube.Format
	for i := range formats {
		f := formats[i]
		if isVideoOnly(f) && strings.HasPrefix(f.MimeType, "video/mp4") && betterVideo(f, best) {
			best = &formats[i]
		}
	}
	return best
}

// bestAudio prefers mp4 audio, then the highest bitrate.
func bestAudio(formats youtube.FormatList) *youtube.Format {
	var best *youtube.Format
	for i := range formats {
		f := formats[i]
		if !strings.HasPrefix(f.MimeType, "audio/") {
			continue
		}
		if best == nil {
			best = &formats[i]
			continue
		}
		fMP4 := strings.HasPrefix(f.MimeType, "audio/mp4")
		bestMP4 := strings.HasPrefix(best.MimeType, "audio/mp4")
		if (fMP4 && !bestMP4) || (fMP4 == bestMP4 && f.Bitrate > best.Bitrate) {
			best = &formats[i]
		}
	}
	return best
}

// bestProgressive picks the tallest stream carrying both audio and video.
func bestProgressive(formats youtube.FormatList) *youtube.Format {
	var best *youtube.Format
	for i := range formats {
		f := formats[i]
		if strings.HasPrefix(f.MimeType, "video/") && f.AudioChannels > 0 && betterVideo(f, best) {
			best = &formats[i]
		}
	}
	return best
}

// byteCounter turns bytes written by concurrent downloads into snapshots.
type byteCounter struct {
	ctx       context.Context
	snapshots chan<- progress.Snapshot
	total     int64
	started   time.Time

	mu   sync.Mutex
	done int64
}

func newByteCounter(ctx context.Context, snapshots chan<- progress.Snapshot, total int64) *byteCounter {
	return &byteCounter{ctx: ctx, snapshots: snapshots, total: total, started: time.Now()}
}

func (c *byteCounter) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.done += int64(len(p))
	done := c.done
	c.mu.Unlock()

	snap := progress.Snapshot{Direction: progress.Download, Transferred: done, Total: c.total}
	if elapsed := time.Since(c.started).Seconds(); elapsed > 0 {
		snap.Rate = float64(done) / elapsed
		if c.total > done && snap.Rate > 0 {
			snap.ETA = time.Duration(float64(c.total-done) / snap.Rate * float64(time.Second))
		}
	}
	progress.Emit(c.ctx, c.snapshots, snap)
	return len(p), nil
}
