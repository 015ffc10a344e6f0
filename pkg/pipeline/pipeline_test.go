package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sipeed/linkdrop/pkg/audit"
	"github.com/sipeed/linkdrop/pkg/bus"
	"github.com/sipeed/linkdrop/pkg/extractor"
	"github.com/sipeed/linkdrop/pkg/progress"
	"github.com/sipeed/linkdrop/pkg/session"
	"github.com/sipeed/linkdrop/pkg/workspace"
)

type uploadCall struct {
	up        bus.Upload
	data      []byte
	remaining []string // files left in the job dir at upload time
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []string
	edits    []string
	deleted  []int
	uploads  []uploadCall
	nextID   int
	editErr  error
	uploadFn func(up bus.Upload) error
}

func (f *fakeTransport) SendText(ctx context.Context, chatID int64, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, text)
	return f.nextID, nil
}

func (f *fakeTransport) EditText(ctx context.Context, chatID int64, messageID int, text string) (bus.EditOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return bus.EditApplied, f.editErr
}

func (f *fakeTransport) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeTransport) Upload(ctx context.Context, chatID int64, up bus.Upload, ch chan<- progress.Snapshot) error {
	data, err := os.ReadFile(up.Path)
	if err != nil {
		return err
	}
	entries, _ := os.ReadDir(filepath.Dir(up.Path))
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	progress.Emit(ctx, ch, progress.Snapshot{Direction: progress.Upload, Transferred: 1, Total: int64(len(data)), Label: up.Label})
	progress.Emit(ctx, ch, progress.Snapshot{Direction: progress.Upload, Transferred: int64(len(data)), Total: int64(len(data)), Label: up.Label, Final: true})

	f.mu.Lock()
	f.uploads = append(f.uploads, uploadCall{up: up, data: data, remaining: names})
	fn := f.uploadFn
	f.mu.Unlock()
	if fn != nil {
		return fn(up)
	}
	return nil
}

type fakeBackend struct {
	mu       sync.Mutex
	requests []extractor.Request
	attempts []func(req extractor.Request) (string, error)
}

func (f *fakeBackend) Name() string        { return "fake" }
func (f *fakeBackend) Accepts(string) bool { return true }
func (f *fakeBackend) Fetch(ctx context.Context, req extractor.Request, ch chan<- progress.Snapshot) (string, error) {
	f.mu.Lock()
	n := len(f.requests)
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if n >= len(f.attempts) {
		return "", errors.New("unexpected attempt")
	}
	return f.attempts[n](req)
}

func produce(name string, data []byte) func(extractor.Request) (string, error) {
	return func(req extractor.Request) (string, error) {
		path := filepath.Join(req.Dir, name)
		return path, os.WriteFile(path, data, 0644)
	}
}

type recordingSink struct {
	entries []audit.Entry
}

func (s *recordingSink) Record(ctx context.Context, e audit.Entry) error {
	s.entries = append(s.entries, e)
	return nil
}

func newTestPipeline(t *testing.T, backend extractor.Backend, transport Transport, sink audit.Sink, maxPart int64) (*Pipeline, string) {
	t.Helper()
	root := t.TempDir()
	if err := workspace.Prepare(root); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	p := New(backend, transport, sink, Options{
		WorkRoot:         root,
		MaxPartSize:      maxPart,
		PartPause:        time.Millisecond,
		ProgressInterval: time.Millisecond,
	})
	return p, root
}

func assertNoJobFiles(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(workspace.JobsDir(root))
	if err != nil {
		t.Fatalf("read jobs dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("job dirs left behind: %d", len(entries))
	}
}

func TestRunDocumentDefaultName(t *testing.T) {
	backend := &fakeBackend{attempts: []func(extractor.Request) (string, error){
		produce("Some Title.mp4", []byte("video-bytes")),
	}}
	transport := &fakeTransport{}
	sink := &recordingSink{}
	p, root := newTestPipeline(t, backend, transport, sink, 1024)

	out := p.Run(context.Background(), Job{ID: "j1", UserID: 1, ChatID: 10, URL: "https://example.com/v", Format: session.FormatDocument})
	if out.Status != StatusDone {
		t.Fatalf("status = %s err = %v", out.Status, out.Err)
	}
	if len(transport.uploads) != 1 {
		t.Fatalf("uploads = %d", len(transport.uploads))
	}
	up := transport.uploads[0].up
	if up.Caption != "Some Title" || up.FileName != "Some Title.mp4" || up.AsVideo {
		t.Fatalf("upload = %+v", up)
	}
	if backend.requests[0].Permissive {
		t.Fatal("first attempt should use the preferred selector")
	}
	if len(transport.deleted) != 1 || transport.deleted[0] != 1 {
		t.Fatalf("status message not deleted: %v", transport.deleted)
	}
	if len(sink.entries) != 1 || sink.entries[0].FileName != "Some Title.mp4" {
		t.Fatalf("audit = %+v", sink.entries)
	}
	assertNoJobFiles(t, root)
}

func TestRunVideoWithNameAndThumbnail(t *testing.T) {
	backend := &fakeBackend{attempts: []func(extractor.Request) (string, error){
		produce("orig.mp4", []byte("video")),
	}}
	transport := &fakeTransport{}
	p, root := newTestPipeline(t, backend, transport, nil, 1024)

	thumb := workspace.NewThumbPath(root)
	os.WriteFile(thumb, []byte("jpg"), 0644)

	out := p.Run(context.Background(), Job{
		ID: "j2", ChatID: 10, URL: "https://example.com/v",
		Format: session.FormatVideo, CustomFilename: "My Clip", ThumbnailPath: thumb,
	})
	if out.Status != StatusDone {
		t.Fatalf("status = %s err = %v", out.Status, out.Err)
	}
	up := transport.uploads[0].up
	if !up.AsVideo || up.ThumbnailPath != thumb || up.FileName != "My Clip.mp4" || up.Caption != "My Clip" {
		t.Fatalf("upload = %+v", up)
	}
	if _, err := os.Stat(thumb); !os.IsNotExist(err) {
		t.Fatal("thumbnail should be removed after the job")
	}
	assertNoJobFiles(t, root)
}

func TestRunSplitsLargeFile(t *testing.T) {
	data := []byte(strings.Repeat("abcdefghij", 2) + "xyzxy") // 25 bytes
	backend := &fakeBackend{attempts: []func(extractor.Request) (string, error){
		produce("big.mp4", data),
	}}
	transport := &fakeTransport{}
	p, root := newTestPipeline(t, backend, transport, nil, 10)

	thumb := workspace.NewThumbPath(root)
	os.WriteFile(thumb, []byte("jpg"), 0644)

	out := p.Run(context.Background(), Job{ID: "j3", ChatID: 10, URL: "u", Format: session.FormatVideo, ThumbnailPath: thumb})
	if out.Status != StatusDone || out.Parts != 3 || out.Size != 25 {
		t.Fatalf("outcome = %+v", out)
	}
	if len(transport.uploads) != 3 {
		t.Fatalf("uploads = %d", len(transport.uploads))
	}

	var joined []byte
	for i, call := range transport.uploads {
		up := call.up
		wantLabel := []string{"Part 1/3", "Part 2/3", "Part 3/3"}[i]
		if !strings.HasSuffix(up.Caption, wantLabel) || up.AsVideo {
			t.Fatalf("part %d upload = %+v", i+1, up)
		}
		if (i == 0) != (up.ThumbnailPath != "") {
			t.Fatalf("thumbnail on part %d: %q", i+1, up.ThumbnailPath)
		}
		if !strings.HasSuffix(up.FileName, []string{".part001", ".part002", ".part003"}[i]) {
			t.Fatalf("part %d filename = %s", i+1, up.FileName)
		}
		// Earlier parts must already be gone when a later one uploads.
		for j := 0; j < i; j++ {
			for _, name := range call.remaining {
				if name == filepath.Base(transport.uploads[j].up.Path) {
					t.Fatalf("part %d still on disk while uploading part %d", j+1, i+1)
				}
			}
		}
		joined = append(joined, call.data...)
	}
	if string(joined) != string(data) {
		t.Fatal("uploaded parts do not reassemble the original")
	}
	if len(transport.deleted) != 1 {
		t.Fatal("status message should be deleted once all parts are sent")
	}
	assertNoJobFiles(t, root)
}

func TestRunThrottlesAcrossParts(t *testing.T) {
	data := []byte(strings.Repeat("0123456789", 3)) // 30 bytes
	backend := &fakeBackend{attempts: []func(extractor.Request) (string, error){
		produce("big.bin", data),
	}}
	transport := &fakeTransport{}
	root := t.TempDir()
	if err := workspace.Prepare(root); err != nil {
		t.Fatal(err)
	}
	p := New(backend, transport, nil, Options{
		WorkRoot:         root,
		MaxPartSize:      10,
		ProgressInterval: time.Hour,
	})

	out := p.Run(context.Background(), Job{ID: "j9", ChatID: 10, URL: "u", Format: session.FormatDocument})
	if out.Status != StatusDone || out.Parts != 3 {
		t.Fatalf("outcome = %+v", out)
	}
	// Only the phase change and each part's final snapshot get through;
	// no part restarts the interval.
	for _, text := range transport.edits {
		if strings.HasPrefix(text, "📤 Uploading") {
			t.Fatalf("in-progress upload rendered inside the interval: %q", text)
		}
	}
	if len(transport.edits) != 4 {
		t.Fatalf("edits = %q", transport.edits)
	}
}

func TestRunRetriesPermissively(t *testing.T) {
	backend := &fakeBackend{attempts: []func(extractor.Request) (string, error){
		func(extractor.Request) (string, error) { return "", errors.New("requested format not available") },
		produce("clip.webm", []byte("v")),
	}}
	transport := &fakeTransport{}
	p, root := newTestPipeline(t, backend, transport, nil, 1024)

	out := p.Run(context.Background(), Job{ID: "j4", ChatID: 10, URL: "u", Format: session.FormatDocument})
	if out.Status != StatusDone {
		t.Fatalf("status = %s err = %v", out.Status, out.Err)
	}
	if len(backend.requests) != 2 || !backend.requests[1].Permissive {
		t.Fatalf("requests = %+v", backend.requests)
	}
	assertNoJobFiles(t, root)
}

func TestRunFailsAfterRetry(t *testing.T) {
	backend := &fakeBackend{attempts: []func(extractor.Request) (string, error){
		func(extractor.Request) (string, error) { return "", nil },
		func(extractor.Request) (string, error) { return "", errors.New(strings.Repeat("x", 900)) },
	}}
	transport := &fakeTransport{}
	p, root := newTestPipeline(t, backend, transport, nil, 1024)

	out := p.Run(context.Background(), Job{ID: "j5", ChatID: 10, URL: "u"})
	if out.Status != StatusFailed || !errors.Is(out.Err, extractor.ErrNoMedia) {
		t.Fatalf("outcome = %+v", out)
	}
	if len(backend.requests) != 2 {
		t.Fatalf("attempts = %d, want 2", len(backend.requests))
	}
	if len(transport.uploads) != 0 || len(transport.deleted) != 0 {
		t.Fatal("failed job should neither upload nor delete the status")
	}
	last := transport.edits[len(transport.edits)-1]
	if !strings.HasPrefix(last, "❌") || len([]rune(last)) > 560 {
		t.Fatalf("failure text = %q", last)
	}
	assertNoJobFiles(t, root)
}

func TestRunFailureFallsBackToNewMessage(t *testing.T) {
	backend := &fakeBackend{attempts: []func(extractor.Request) (string, error){
		func(extractor.Request) (string, error) { return "", errors.New("a") },
		func(extractor.Request) (string, error) { return "", errors.New("b") },
	}}
	transport := &fakeTransport{editErr: errors.New("message to edit not found")}
	p, _ := newTestPipeline(t, backend, transport, nil, 1024)

	p.Run(context.Background(), Job{ID: "j6", ChatID: 10, URL: "u"})
	last := transport.sent[len(transport.sent)-1]
	if !strings.HasPrefix(last, "❌") {
		t.Fatalf("expected failure sent as new message, got %q", last)
	}
}

func TestRunUploadFailureCleansUp(t *testing.T) {
	backend := &fakeBackend{attempts: []func(extractor.Request) (string, error){
		produce("big.mp4", make([]byte, 25)),
	}}
	transport := &fakeTransport{uploadFn: func(up bus.Upload) error {
		if strings.HasSuffix(up.FileName, ".part002") {
			return errors.New("request entity too large")
		}
		return nil
	}}
	p, root := newTestPipeline(t, backend, transport, nil, 10)

	out := p.Run(context.Background(), Job{ID: "j7", ChatID: 10, URL: "u"})
	if out.Status != StatusFailed || len(transport.uploads) != 2 {
		t.Fatalf("outcome = %+v uploads = %d", out, len(transport.uploads))
	}
	assertNoJobFiles(t, root)
}

func TestRunRecoversPanic(t *testing.T) {
	backend := &fakeBackend{attempts: []func(extractor.Request) (string, error){
		func(req extractor.Request) (string, error) {
			os.WriteFile(filepath.Join(req.Dir, "partial"), []byte("x"), 0644)
			panic("backend exploded")
		},
	}}
	transport := &fakeTransport{}
	p, root := newTestPipeline(t, backend, transport, nil, 1024)

	out := p.Run(context.Background(), Job{ID: "j8", ChatID: 10, URL: "u"})
	if out.Status != StatusFailed || !strings.Contains(out.Err.Error(), "backend exploded") {
		t.Fatalf("outcome = %+v", out)
	}
	assertNoJobFiles(t, root)
}

func TestRunPassesExistingCookieFile(t *testing.T) {
	cookies := filepath.Join(t.TempDir(), "cookies.txt")
	os.WriteFile(cookies, []byte("# Netscape"), 0644)

	backend := &fakeBackend{attempts: []func(extractor.Request) (string, error){
		produce("a.mp4", []byte("v")),
	}}
	p, _ := newTestPipeline(t, backend, &fakeTransport{}, nil, 1024)
	p.opts.CookieFile = cookies
	p.Run(context.Background(), Job{ID: "j9", ChatID: 10, URL: "u"})
	if backend.requests[0].CookieFile != cookies {
		t.Fatalf("cookie file = %q", backend.requests[0].CookieFile)
	}

	backend2 := &fakeBackend{attempts: []func(extractor.Request) (string, error){
		produce("a.mp4", []byte("v")),
	}}
	p2, _ := newTestPipeline(t, backend2, &fakeTransport{}, nil, 1024)
	p2.opts.CookieFile = filepath.Join(t.TempDir(), "absent.txt")
	p2.Run(context.Background(), Job{ID: "j10", ChatID: 10, URL: "u"})
	if backend2.requests[0].CookieFile != "" {
		t.Fatal("missing cookie file should not be passed")
	}
}

func TestNewJob(t *testing.T) {
	s := &session.Session{UserID: 1, ChatID: 2, URL: "u", Format: session.FormatVideo, CustomFilename: "n", ThumbnailPath: "t"}
	job := NewJob(s, "alice")
	if job.ID == "" || job.UserID != 1 || job.ChatID != 2 || job.Username != "alice" || job.ThumbnailPath != "t" {
		t.Fatalf("job = %+v", job)
	}
}
