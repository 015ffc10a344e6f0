package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/linkdrop/pkg/audit"
	"github.com/sipeed/linkdrop/pkg/bus"
	"github.com/sipeed/linkdrop/pkg/extractor"
	"github.com/sipeed/linkdrop/pkg/logger"
	"github.com/sipeed/linkdrop/pkg/progress"
	"github.com/sipeed/linkdrop/pkg/session"
	"github.com/sipeed/linkdrop/pkg/splitter"
	"github.com/sipeed/linkdrop/pkg/utils"
	"github.com/sipeed/linkdrop/pkg/workspace"
)

const (
	errorTextLimit = 500
	snapshotBuffer = 16
)

// Transport is the outbound side of the chat platform.
type Transport interface {
	SendText(ctx context.Context, chatID int64, text string) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string) (bus.EditOutcome, error)
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	Upload(ctx context.Context, chatID int64, up bus.Upload, snapshots chan<- progress.Snapshot) error
}

type Job struct {
	ID             string
	UserID         int64
	ChatID         int64
	Username       string
	URL            string
	Format         session.Format
	CustomFilename string
	ThumbnailPath  string
}

// NewJob derives a job from a session that finished collecting input.
func NewJob(s *session.Session, username string) Job {
	return Job{
		ID:             uuid.NewString(),
		UserID:         s.UserID,
		ChatID:         s.ChatID,
		Username:       username,
		URL:            s.URL,
		Format:         s.Format,
		CustomFilename: s.CustomFilename,
		ThumbnailPath:  s.ThumbnailPath,
	}
}

type Status string

const (
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

type Outcome struct {
	Status   Status
	Err      error
	FileName string
	Parts    int
	Size     int64
}

type Options struct {
	WorkRoot         string
	MaxPartSize      int64
	PartPause        time.Duration
	ProgressInterval time.Duration
	CookieFile       string
}

type Pipeline struct {
	backend   extractor.Backend
	transport Transport
	sink      audit.Sink
	opts      Options
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(backend extractor.Backend, transport Transport, sink audit.Sink, opts Options) *Pipeline {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = progress.DefaultInterval
	}
	return &Pipeline{
		backend:   backend,
		transport: transport,
		sink:      sink,
		opts:      opts,
		sleep:     sleepCtx,
	}
}

// run holds everything one job created so cleanup can find it.
type run struct {
	job      Job
	reporter *progress.Reporter // one throttle for every transfer of the job
	statusID int
	dir      string
	download string
	parts    []string
}

// Run executes job end to end. It never panics and always removes every
// file the job owns before returning.
func (p *Pipeline) Run(ctx context.Context, job Job) (out Outcome) {
	r := &run{job: job}
	r.reporter = progress.NewReporter(p.statusEditor(r), p.opts.ProgressInterval)
	started := time.Now()

	defer p.cleanup(r)
	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorCF("pipeline", "Job panicked", map[string]interface{}{
				"job_id": job.ID,
				"panic":  fmt.Sprint(rec),
				"stack":  string(debug.Stack()),
			})
			out = Outcome{Status: StatusFailed, Err: fmt.Errorf("internal error: %v", rec)}
		}
		p.finalize(ctx, r, out)
		logger.InfoCF("pipeline", "Job finished", map[string]interface{}{
			"job_id":  job.ID,
			"user_id": job.UserID,
			"status":  string(out.Status),
			"parts":   out.Parts,
			"elapsed": time.Since(started).Round(time.Millisecond).String(),
		})
	}()

	return p.execute(ctx, r, started)
}

func (p *Pipeline) execute(ctx context.Context, r *run, started time.Time) Outcome {
	job := r.job
	if id, err := p.transport.SendText(ctx, job.ChatID, "⏳ Preparing…"); err != nil {
		logger.WarnCF("pipeline", "Failed to send status message", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	} else {
		r.statusID = id
	}

	dir, err := workspace.NewJobDir(p.opts.WorkRoot)
	if err != nil {
		return failed(err)
	}
	r.dir = dir

	path, err := p.acquire(ctx, r)
	if err != nil {
		return failed(err)
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return failed(extractor.ErrNoMedia)
	}
	r.download = path

	ext := filepath.Ext(path)
	display := job.CustomFilename
	if display == "" {
		display = strings.TrimSuffix(filepath.Base(path), ext)
	}

	parts := []string{path}
	if p.opts.MaxPartSize > 0 && info.Size() > p.opts.MaxPartSize {
		parts, err = splitter.Split(path, p.opts.MaxPartSize)
		if err != nil {
			return failed(err)
		}
		r.parts = parts
		splitter.Remove(path)
		logger.InfoCF("pipeline", "File split for upload", map[string]interface{}{
			"job_id": job.ID,
			"size":   info.Size(),
			"parts":  len(parts),
		})
	}

	r.reporter.Announce(ctx, "📤 Download complete, uploading…")

	thumb := job.ThumbnailPath
	if thumb != "" {
		if _, err := os.Stat(thumb); err != nil {
			thumb = ""
		}
	}
	split := len(parts) > 1
	for i, part := range parts {
		up := bus.Upload{
			Path:     part,
			FileName: display + ext,
			Caption:  display,
			AsVideo:  job.Format == session.FormatVideo && !split && utils.IsVideoFile(path),
		}
		if i == 0 {
			up.ThumbnailPath = thumb
		}
		if split {
			label := fmt.Sprintf("Part %d/%d", i+1, len(parts))
			up.FileName = fmt.Sprintf("%s%s.part%03d", display, ext, i+1)
			up.Caption = display + "\n" + label
			up.Label = label
		}

		if err := p.upload(ctx, r, up); err != nil {
			return failed(fmt.Errorf("upload %s: %w", up.FileName, err))
		}
		splitter.Remove(part)

		if i < len(parts)-1 && p.opts.PartPause > 0 {
			if err := p.sleep(ctx, p.opts.PartPause); err != nil {
				return failed(err)
			}
		}
	}

	if p.sink != nil {
		entry := audit.Entry{
			UserID:   job.UserID,
			Username: job.Username,
			FileName: display + ext,
			URL:      job.URL,
			Size:     info.Size(),
			Parts:    len(parts),
			Elapsed:  time.Since(started),
			At:       time.Now().UTC(),
		}
		if err := p.sink.Record(ctx, entry); err != nil {
			logger.WarnCF("pipeline", "Audit record failed", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
		}
	}

	return Outcome{
		Status:   StatusDone,
		FileName: display + ext,
		Parts:    len(parts),
		Size:     info.Size(),
	}
}

// acquire fetches with the preferred selector and retries once permissively
// when that yields no file.
func (p *Pipeline) acquire(ctx context.Context, r *run) (string, error) {
	var lastErr error
	for _, permissive := range []bool{false, true} {
		if permissive {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if err := resetDir(r.dir); err != nil {
				return "", err
			}
		}
		req := extractor.Request{
			URL:        r.job.URL,
			Dir:        r.dir,
			Format:     r.job.Format,
			Permissive: permissive,
			CookieFile: p.cookieFile(),
		}
		path, err := p.fetch(ctx, r, req)
		if err == nil && path != "" {
			if _, statErr := os.Stat(path); statErr == nil {
				return path, nil
			}
		}
		if err == nil {
			err = extractor.ErrNoMedia
		}
		lastErr = err
		logger.WarnCF("pipeline", "Acquisition attempt failed", map[string]interface{}{
			"job_id":     r.job.ID,
			"permissive": permissive,
			"error":      err.Error(),
		})
	}
	if errors.Is(lastErr, extractor.ErrNoMedia) {
		return "", lastErr
	}
	return "", fmt.Errorf("%w: %v", extractor.ErrNoMedia, lastErr)
}

func (p *Pipeline) fetch(ctx context.Context, r *run, req extractor.Request) (string, error) {
	ch := make(chan progress.Snapshot, snapshotBuffer)
	done := p.report(ctx, r, ch)
	defer func() {
		close(ch)
		<-done
	}()
	return p.backend.Fetch(ctx, req, ch)
}

func (p *Pipeline) upload(ctx context.Context, r *run, up bus.Upload) error {
	ch := make(chan progress.Snapshot, snapshotBuffer)
	done := p.report(ctx, r, ch)
	defer func() {
		close(ch)
		<-done
	}()
	return p.transport.Upload(ctx, r.job.ChatID, up, ch)
}

// report starts the single consumer for one transfer's snapshots. All
// transfers of a job share r.reporter, so the throttle spans the whole job.
func (p *Pipeline) report(ctx context.Context, r *run, ch <-chan progress.Snapshot) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.reporter.Run(ctx, ch)
		// Let producers that outlived ctx finish sending.
		for range ch {
		}
	}()
	return done
}

func (p *Pipeline) statusEditor(r *run) progress.Editor {
	return progress.EditorFunc(func(ctx context.Context, text string) (bus.EditOutcome, error) {
		if r.statusID == 0 {
			return bus.EditUnchanged, nil
		}
		return p.transport.EditText(ctx, r.job.ChatID, r.statusID, text)
	})
}

func (p *Pipeline) finalize(ctx context.Context, r *run, out Outcome) {
	chatID := r.job.ChatID
	if out.Status == StatusDone {
		if r.statusID != 0 {
			if err := p.transport.DeleteMessage(ctx, chatID, r.statusID); err != nil {
				logger.WarnCF("pipeline", "Failed to delete status message", map[string]interface{}{
					"job_id": r.job.ID,
					"error":  err.Error(),
				})
			}
		}
		return
	}

	reason := "unknown error"
	if out.Err != nil {
		reason = out.Err.Error()
	}
	text := "❌ Transfer failed.\nError: " + utils.Truncate(reason, errorTextLimit)
	if r.statusID != 0 {
		if _, err := p.transport.EditText(ctx, chatID, r.statusID, text); err == nil {
			return
		}
	}
	if _, err := p.transport.SendText(ctx, chatID, text); err != nil {
		logger.ErrorCF("pipeline", "Failed to report job failure", map[string]interface{}{
			"job_id": r.job.ID,
			"error":  err.Error(),
		})
	}
}

func (p *Pipeline) cleanup(r *run) {
	files := append([]string{r.download, r.job.ThumbnailPath}, r.parts...)
	splitter.Remove(files...)
	if r.dir != "" {
		if err := os.RemoveAll(r.dir); err != nil {
			logger.WarnCF("pipeline", "Failed to remove job directory", map[string]interface{}{
				"job_id": r.job.ID,
				"dir":    r.dir,
				"error":  err.Error(),
			})
		}
	}
}

func (p *Pipeline) cookieFile() string {
	if p.opts.CookieFile == "" {
		return ""
	}
	if _, err := os.Stat(p.opts.CookieFile); err != nil {
		return ""
	}
	return p.opts.CookieFile
}

func failed(err error) Outcome {
	return Outcome{Status: StatusFailed, Err: err}
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
