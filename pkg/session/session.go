package session

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/sipeed/linkdrop/pkg/logger"
)

// ErrNoSession is returned when a user has no active session.
var ErrNoSession = errors.New("no active session")

type State string

const (
	StateAwaitingFormat    State = "awaiting_format"
	StateAwaitingFilename  State = "awaiting_filename"
	StateAwaitingThumbnail State = "awaiting_thumbnail"
	StateProcessing        State = "processing"
)

// Awaiting reports whether the session is still collecting input.
func (s State) Awaiting() bool {
	switch s {
	case StateAwaitingFormat, StateAwaitingFilename, StateAwaitingThumbnail:
		return true
	}
	return false
}

type Format string

const (
	FormatVideo    Format = "video"
	FormatDocument Format = "document"
)

func ParseFormat(s string) (Format, bool) {
	switch Format(s) {
	case FormatVideo, FormatDocument:
		return Format(s), true
	}
	return "", false
}

// Session is one user's in-flight request. At most one exists per user.
type Session struct {
	UserID          int64     `json:"user_id"`
	ChatID          int64     `json:"chat_id"`
	URL             string    `json:"url"`
	State           State     `json:"state"`
	Format          Format    `json:"format,omitempty"`
	CustomFilename  string    `json:"custom_filename,omitempty"`
	ThumbnailPath   string    `json:"thumbnail_path,omitempty"`
	PromptMessageID int       `json:"prompt_message_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func newSession(userID, chatID int64, url string) *Session {
	return &Session{
		UserID:    userID,
		ChatID:    chatID,
		URL:       url,
		State:     StateAwaitingFormat,
		CreatedAt: time.Now().UTC(),
	}
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Store keeps sessions keyed by user. Implementations must be safe for
// concurrent use.
type Store interface {
	// GetOrCreate returns the existing session with alreadyActive=true, or
	// creates a fresh one in awaiting_format.
	GetOrCreate(ctx context.Context, userID, chatID int64, url string) (s *Session, alreadyActive bool, err error)
	Get(ctx context.Context, userID int64) (*Session, bool, error)
	// Advance applies mutate atomically. A mutate error leaves the stored
	// session untouched.
	Advance(ctx context.Context, userID int64, mutate func(*Session) error) (*Session, error)
	// Clear releases the session's thumbnail and removes it. Idempotent.
	Clear(ctx context.Context, userID int64) error
}

func releaseThumbnail(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.WarnCF("session", "Failed to remove thumbnail", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
	}
}
