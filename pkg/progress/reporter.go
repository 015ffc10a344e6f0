package progress

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/linkdrop/pkg/bus"
	"github.com/sipeed/linkdrop/pkg/logger"
)

// DefaultInterval is the minimum spacing between two rendered updates.
const DefaultInterval = 2 * time.Second

type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Snapshot is a point-in-time view of one transfer.
type Snapshot struct {
	Direction   Direction
	Percent     float64
	Transferred int64
	Total       int64
	Rate        float64 // bytes per second
	ETA         time.Duration
	Label       string
	Final       bool
}

func (s Snapshot) percent() float64 {
	if s.Percent > 0 {
		return s.Percent
	}
	if s.Total > 0 {
		return float64(s.Transferred) * 100 / float64(s.Total)
	}
	return 0
}

// Editor applies rendered text to the job's status message.
type Editor interface {
	EditStatus(ctx context.Context, text string) (bus.EditOutcome, error)
}

type EditorFunc func(ctx context.Context, text string) (bus.EditOutcome, error)

func (f EditorFunc) EditStatus(ctx context.Context, text string) (bus.EditOutcome, error) {
	return f(ctx, text)
}

// Render produces the status text for s.
func Render(s Snapshot) string {
	var b strings.Builder

	verb := "📥 Downloading"
	if s.Direction == Upload {
		verb = "📤 Uploading"
	}
	if s.Final {
		verb = "✅ Download complete"
		if s.Direction == Upload {
			verb = "✅ Upload complete"
		}
	}
	b.WriteString(verb)
	if s.Label != "" {
		fmt.Fprintf(&b, " (%s)", s.Label)
	}
	b.WriteString("\n")

	pct := s.percent()
	if s.Final && pct < 100 && (s.Total == 0 || s.Transferred >= s.Total) {
		pct = 100
	}
	fmt.Fprintf(&b, "[%s] %.1f%%\n", Bar(pct), pct)

	if s.Total > 0 {
		fmt.Fprintf(&b, "%s / %s\n", HumanBytes(s.Transferred), HumanBytes(s.Total))
	} else {
		fmt.Fprintf(&b, "%s\n", HumanBytes(s.Transferred))
	}

	fmt.Fprintf(&b, "Speed: %s", HumanRate(s.Rate))
	if s.Direction == Download {
		fmt.Fprintf(&b, " | ETA: %s", FormatETA(s.ETA))
	}
	return b.String()
}

// Reporter throttles snapshots of a single job into status edits.
type Reporter struct {
	editor   Editor
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	emitted  bool
	last     time.Time
	lastText string
}

func NewReporter(editor Editor, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reporter{
		editor:   editor,
		interval: interval,
		now:      time.Now,
	}
}

// Report renders s if it is the first snapshot, a final one, or the
// interval has elapsed since the last render. It reports whether an edit
// was attempted.
func (r *Reporter) Report(ctx context.Context, s Snapshot) bool {
	r.mu.Lock()
	now := r.now()
	if r.emitted && !s.Final && now.Sub(r.last) < r.interval {
		r.mu.Unlock()
		return false
	}
	text := Render(s)
	if r.emitted && text == r.lastText {
		r.mu.Unlock()
		return false
	}
	r.emitted = true
	r.last = now
	r.lastText = text
	r.mu.Unlock()

	if r.editor == nil {
		return true
	}
	outcome, err := r.editor.EditStatus(ctx, text)
	if err != nil {
		logger.WarnCF("progress", "Status edit failed", map[string]interface{}{
			"direction": s.Direction.String(),
			"error":     err.Error(),
		})
		return true
	}
	if outcome == bus.EditUnchanged {
		logger.DebugC("progress", "Status unchanged")
	}
	return true
}

// Announce renders a phase change such as "uploading" right away. It counts
// as a render, so the next snapshot still waits out the interval.
func (r *Reporter) Announce(ctx context.Context, text string) {
	r.mu.Lock()
	r.emitted = true
	r.last = r.now()
	r.lastText = text
	r.mu.Unlock()

	if r.editor == nil {
		return
	}
	if _, err := r.editor.EditStatus(ctx, text); err != nil {
		logger.WarnCF("progress", "Status edit failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Run drains ch until it is closed or ctx ends.
func (r *Reporter) Run(ctx context.Context, ch <-chan Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-ch:
			if !ok {
				return
			}
			r.Report(ctx, s)
		}
	}
}

// Emit offers s to ch without blocking. Final snapshots wait until they are
// delivered or ctx ends. A nil channel drops everything.
func Emit(ctx context.Context, ch chan<- Snapshot, s Snapshot) bool {
	if ch == nil {
		return false
	}
	if s.Final {
		select {
		case ch <- s:
			return true
		case <-ctx.Done():
			return false
		}
	}
	select {
	case ch <- s:
		return true
	default:
		return false
	}
}
