package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/linkdrop/pkg/progress"
)

// Entry records one completed transfer.
type Entry struct {
	UserID   int64         `json:"user_id"`
	Username string        `json:"username,omitempty"`
	FileName string        `json:"file_name"`
	URL      string        `json:"url"`
	Size     int64         `json:"size"`
	Parts    int           `json:"parts"`
	Elapsed  time.Duration `json:"elapsed"`
	At       time.Time     `json:"at"`
}

type Sink interface {
	Record(ctx context.Context, e Entry) error
}

type SinkFunc func(ctx context.Context, e Entry) error

func (f SinkFunc) Record(ctx context.Context, e Entry) error { return f(ctx, e) }

// Multi fans an entry out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Who renders the user as @name (id), or just the id.
func (e Entry) Who() string {
	if e.Username != "" {
		return fmt.Sprintf("@%s (%d)", e.Username, e.UserID)
	}
	return fmt.Sprintf("%d", e.UserID)
}

// Summary is the one-line form used in the log chat and /history.
func (e Entry) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s | %s", e.FileName, progress.HumanBytes(e.Size))
	if e.Parts > 1 {
		fmt.Fprintf(&b, " in %d parts", e.Parts)
	}
	fmt.Fprintf(&b, " | %s", e.Elapsed.Round(time.Second))
	return b.String()
}

// Sender posts plain text to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) (int, error)
}

// ChatSink posts each entry to a log chat.
type ChatSink struct {
	sender Sender
	chatID int64
}

func NewChatSink(sender Sender, chatID int64) *ChatSink {
	return &ChatSink{sender: sender, chatID: chatID}
}

func (c *ChatSink) Record(ctx context.Context, e Entry) error {
	text := fmt.Sprintf("📋 %s\n%s\n%s", e.Who(), e.Summary(), e.URL)
	if _, err := c.sender.SendText(ctx, c.chatID, text); err != nil {
		return fmt.Errorf("audit chat %d: %w", c.chatID, err)
	}
	return nil
}
