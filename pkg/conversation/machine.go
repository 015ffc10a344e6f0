package conversation

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/sipeed/linkdrop/pkg/audit"
	"github.com/sipeed/linkdrop/pkg/bus"
	"github.com/sipeed/linkdrop/pkg/logger"
	"github.com/sipeed/linkdrop/pkg/pipeline"
	"github.com/sipeed/linkdrop/pkg/session"
	"github.com/sipeed/linkdrop/pkg/utils"
	"github.com/sipeed/linkdrop/pkg/workspace"
)

const historySize = 5

var urlPattern = regexp.MustCompile(`https?://\S+`)

// Messenger is what the dialogue needs from the chat platform.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) (int, error)
	SendChoices(ctx context.Context, chatID int64, text string, choices []bus.Choice) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string) (bus.EditOutcome, error)
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error
	DownloadFile(ctx context.Context, fileID, dest string) error
}

type Runner interface {
	Run(ctx context.Context, job pipeline.Job) pipeline.Outcome
}

type Submitter interface {
	Submit(ctx context.Context, fn func(context.Context)) error
}

type History interface {
	Recent(userID int64, n int) ([]audit.Entry, error)
}

type Options struct {
	WorkRoot string
	History  History // nil disables /history
}

// Machine drives one user's dialogue from URL to submitted job. Events for
// a single user must be delivered sequentially.
type Machine struct {
	store  session.Store
	msg    Messenger
	runner Runner
	pool   Submitter
	opts   Options
}

func NewMachine(store session.Store, msg Messenger, runner Runner, pool Submitter, opts Options) *Machine {
	return &Machine{store: store, msg: msg, runner: runner, pool: pool, opts: opts}
}

var formatChoices = []bus.Choice{
	{Label: "🎬 Video", Data: string(session.FormatVideo)},
	{Label: "📄 Document", Data: string(session.FormatDocument)},
}

// command returns the lower-cased command token of text, without any
// @botname suffix, or "" when text is not a command.
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	tok := strings.Fields(text)[0]
	if at := strings.IndexByte(tok, '@'); at > 0 {
		tok = tok[:at]
	}
	return strings.ToLower(tok)
}

func (m *Machine) Handle(ctx context.Context, ev bus.Event) error {
	if ev.Kind == bus.EventCallback {
		return m.handleCallback(ctx, ev)
	}

	text := strings.TrimSpace(ev.Text)
	cmd := ""
	if ev.Kind == bus.EventText {
		cmd = command(text)
	}
	switch cmd {
	case "/start":
		return m.reply(ctx, ev.ChatID, fmt.Sprintf(msgGreeting, displayName(ev)))
	case "/help":
		return m.reply(ctx, ev.ChatID, msgHelp)
	case "/cancel":
		return m.cancel(ctx, ev)
	case "/history":
		return m.history(ctx, ev)
	}

	s, ok, err := m.store.Get(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	link := ""
	if ev.Kind == bus.EventText && cmd == "" {
		link = urlPattern.FindString(text)
	}
	if link != "" {
		if ok {
			return m.reply(ctx, ev.ChatID, msgAlreadyActive)
		}
		return m.start(ctx, ev, link)
	}
	if !ok {
		return nil
	}

	switch s.State {
	case session.StateAwaitingFormat:
		return m.reply(ctx, ev.ChatID, msgPressButton)
	case session.StateAwaitingFilename:
		return m.onFilename(ctx, ev, s, text, cmd)
	case session.StateAwaitingThumbnail:
		return m.onThumbnail(ctx, ev, s, cmd)
	}
	return nil
}

func (m *Machine) start(ctx context.Context, ev bus.Event, link string) error {
	_, active, err := m.store.GetOrCreate(ctx, ev.UserID, ev.ChatID, link)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if active {
		return m.reply(ctx, ev.ChatID, msgAlreadyActive)
	}

	logger.InfoCF("conversation", "Session started", map[string]interface{}{
		"user_id": ev.UserID,
		"url":     utils.Truncate(link, 80),
	})
	promptID, err := m.msg.SendChoices(ctx, ev.ChatID, msgChooseFormat, formatChoices)
	if err != nil {
		if clearErr := m.store.Clear(ctx, ev.UserID); clearErr != nil {
			logger.WarnCF("conversation", "Failed to clear unprompted session", map[string]interface{}{
				"user_id": ev.UserID,
				"error":   clearErr.Error(),
			})
		}
		return fmt.Errorf("send format prompt: %w", err)
	}
	_, err = m.store.Advance(ctx, ev.UserID, func(s *session.Session) error {
		s.PromptMessageID = promptID
		return nil
	})
	return err
}

func (m *Machine) handleCallback(ctx context.Context, ev bus.Event) error {
	format, valid := session.ParseFormat(ev.Data)
	s, ok, err := m.store.Get(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	stale := !ok || !valid || s.State != session.StateAwaitingFormat ||
		(s.PromptMessageID != 0 && s.PromptMessageID != ev.MessageID)
	if stale {
		return m.msg.AnswerCallback(ctx, ev.CallbackID, msgButtonExpired, true)
	}

	if _, err := m.store.Advance(ctx, ev.UserID, func(s *session.Session) error {
		if s.State != session.StateAwaitingFormat {
			return session.ErrNoSession
		}
		s.Format = format
		s.State = session.StateAwaitingFilename
		return nil
	}); err != nil {
		return m.msg.AnswerCallback(ctx, ev.CallbackID, msgButtonExpired, true)
	}

	if err := m.msg.AnswerCallback(ctx, ev.CallbackID, "", false); err != nil {
		logger.DebugCF("conversation", "Answer callback failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if _, err := m.msg.EditText(ctx, ev.ChatID, ev.MessageID, msgAskFilename); err != nil {
		logger.WarnCF("conversation", "Prompt edit failed, sending new message", map[string]interface{}{
			"error": err.Error(),
		})
		return m.reply(ctx, ev.ChatID, msgAskFilename)
	}
	return nil
}

func (m *Machine) onFilename(ctx context.Context, ev bus.Event, s *session.Session, text, cmd string) error {
	if ev.Kind != bus.EventText || (cmd != "" && cmd != "/skip") {
		return m.reply(ctx, ev.ChatID, msgFilenameAsText)
	}

	name := ""
	if cmd != "/skip" {
		name = utils.SanitizeFilename(text)
	}
	next := session.StateProcessing
	if s.Format == session.FormatVideo {
		next = session.StateAwaitingThumbnail
	}
	updated, err := m.store.Advance(ctx, ev.UserID, func(s *session.Session) error {
		s.CustomFilename = name
		s.State = next
		return nil
	})
	if err != nil {
		return err
	}

	if name == "" {
		m.notify(ctx, ev.ChatID, msgDefaultName)
	} else {
		m.notify(ctx, ev.ChatID, fmt.Sprintf(msgNameSet, name))
	}

	if next == session.StateAwaitingThumbnail {
		return m.reply(ctx, ev.ChatID, msgAskThumbnail)
	}
	m.notify(ctx, ev.ChatID, msgStarting)
	return m.submit(ctx, ev, updated)
}

func (m *Machine) onThumbnail(ctx context.Context, ev bus.Event, s *session.Session, cmd string) error {
	var (
		thumb string
		ack   string
	)
	switch {
	case ev.Kind == bus.EventPhoto && ev.PhotoFileID != "":
		thumb = workspace.NewThumbPath(m.opts.WorkRoot)
		if err := m.msg.DownloadFile(ctx, ev.PhotoFileID, thumb); err != nil {
			logger.WarnCF("conversation", "Thumbnail download failed", map[string]interface{}{
				"user_id": ev.UserID,
				"error":   err.Error(),
			})
			return m.reply(ctx, ev.ChatID, msgThumbFailed)
		}
		ack = msgThumbReceived
	case cmd == "/skip":
		ack = msgThumbSkipped
	default:
		return m.reply(ctx, ev.ChatID, msgSendPhoto)
	}

	updated, err := m.store.Advance(ctx, ev.UserID, func(s *session.Session) error {
		s.ThumbnailPath = thumb
		s.State = session.StateProcessing
		return nil
	})
	if err != nil {
		if thumb != "" {
			_ = os.Remove(thumb)
		}
		return err
	}
	m.notify(ctx, ev.ChatID, ack)
	return m.submit(ctx, ev, updated)
}

// submit hands the job to the pool. The session is cleared when the run
// returns, whatever the outcome.
func (m *Machine) submit(ctx context.Context, ev bus.Event, s *session.Session) error {
	job := pipeline.NewJob(s, ev.Username)
	userID := s.UserID

	err := m.pool.Submit(ctx, func(jobCtx context.Context) {
		defer m.release(userID)
		out := m.runner.Run(jobCtx, job)
		if out.Err != nil {
			logger.WarnCF("conversation", "Job failed", map[string]interface{}{
				"job_id":  job.ID,
				"user_id": userID,
				"error":   out.Err.Error(),
			})
		}
	})
	if err != nil {
		logger.WarnCF("conversation", "Job rejected by pool", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		m.release(userID)
		return m.reply(ctx, ev.ChatID, msgBusy)
	}
	logger.InfoCF("conversation", "Job submitted", map[string]interface{}{
		"job_id":  job.ID,
		"user_id": userID,
		"format":  string(job.Format),
	})
	return nil
}

func (m *Machine) release(userID int64) {
	if err := m.store.Clear(context.Background(), userID); err != nil {
		logger.ErrorCF("conversation", "Failed to clear session", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
	}
}

func (m *Machine) cancel(ctx context.Context, ev bus.Event) error {
	s, ok, err := m.store.Get(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	switch {
	case !ok:
		return m.reply(ctx, ev.ChatID, msgNothingCancel)
	case s.State == session.StateProcessing:
		return m.reply(ctx, ev.ChatID, msgCannotCancel)
	}
	if err := m.store.Clear(ctx, ev.UserID); err != nil {
		return err
	}
	logger.InfoCF("conversation", "Session cancelled", map[string]interface{}{
		"user_id": ev.UserID,
		"state":   string(s.State),
	})
	return m.reply(ctx, ev.ChatID, msgCancelled)
}

func (m *Machine) history(ctx context.Context, ev bus.Event) error {
	if m.opts.History == nil {
		return m.reply(ctx, ev.ChatID, msgHistoryOff)
	}
	entries, err := m.opts.History.Recent(ev.UserID, historySize)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(entries) == 0 {
		return m.reply(ctx, ev.ChatID, msgHistoryEmpty)
	}
	var b strings.Builder
	b.WriteString(msgHistoryHead)
	for i, e := range entries {
		fmt.Fprintf(&b, "\n%d. %s %s", i+1, e.At.Format("2006-01-02 15:04"), e.Summary())
	}
	return m.reply(ctx, ev.ChatID, b.String())
}

func (m *Machine) reply(ctx context.Context, chatID int64, text string) error {
	_, err := m.msg.SendText(ctx, chatID, text)
	return err
}

// notify sends an acknowledgement whose loss must not stop the flow.
func (m *Machine) notify(ctx context.Context, chatID int64, text string) {
	if err := m.reply(ctx, chatID, text); err != nil {
		logger.DebugCF("conversation", "Notice not delivered", map[string]interface{}{
			"chat_id": chatID,
			"error":   err.Error(),
		})
	}
}

func displayName(ev bus.Event) string {
	if ev.FirstName != "" {
		return ev.FirstName
	}
	if ev.Username != "" {
		return ev.Username
	}
	return "there"
}
