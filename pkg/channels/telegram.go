package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/sipeed/linkdrop/pkg/bus"
	"github.com/sipeed/linkdrop/pkg/config"
	"github.com/sipeed/linkdrop/pkg/logger"
	"github.com/sipeed/linkdrop/pkg/progress"
	"github.com/sipeed/linkdrop/pkg/utils"
	"github.com/sipeed/linkdrop/pkg/worker"
)

var errNotRunning = errors.New("telegram bot not running")

// Handler consumes inbound events. Calls for one user never overlap.
type Handler interface {
	Handle(ctx context.Context, ev bus.Event) error
}

type HandlerFunc func(ctx context.Context, ev bus.Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev bus.Event) error { return f(ctx, ev) }

type TelegramChannel struct {
	bot     *telego.Bot
	client  *http.Client // proxied client shared by the bot and file downloads
	config  config.TelegramConfig
	allow   allowlist
	serial  *worker.Serial
	running atomic.Bool
}

func NewTelegramChannel(cfg config.TelegramConfig) (*TelegramChannel, error) {
	// net/http streams multipart bodies, which large uploads need.
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	client := &http.Client{Transport: transport}
	opts := []telego.BotOption{
		telego.WithHTTPClient(client),
	}
	if cfg.APIServer != "" {
		opts = append(opts, telego.WithAPIServer(strings.TrimRight(cfg.APIServer, "/")))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramChannel{
		bot:    bot,
		client: client,
		config: cfg,
		allow:  newAllowlist(cfg.AllowFrom),
		serial: worker.NewSerial(),
	}, nil
}

func (c *TelegramChannel) IsRunning() bool {
	return c.running.Load()
}

// Start begins long polling and dispatches updates to h until ctx ends.
func (c *TelegramChannel) Start(ctx context.Context, h Handler) error {
	logger.InfoC("telegram", "Starting Telegram bot (polling mode)...")

	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach telegram: %w", err)
	}
	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	c.running.Store(true)
	logger.InfoCF("telegram", "Telegram bot connected", map[string]interface{}{
		"username":   me.Username,
		"api_server": c.config.APIServer != "",
	})

	go func() {
		defer c.running.Store(false)
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					logger.InfoC("telegram", "Updates channel closed")
					return
				}
				c.dispatch(ctx, update, h)
			}
		}
	}()

	return nil
}

// Stop waits for in-flight handlers to return.
func (c *TelegramChannel) Stop(ctx context.Context) error {
	logger.InfoC("telegram", "Stopping Telegram bot...")
	done := make(chan struct{})
	go func() {
		c.serial.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *TelegramChannel) dispatch(ctx context.Context, update telego.Update, h Handler) {
	ev, ok := eventFromUpdate(update)
	if !ok {
		return
	}
	if !c.allow.permits(ev.UserID, ev.Username) {
		logger.DebugCF("telegram", "Update rejected by allowlist", map[string]interface{}{
			"user_id":  ev.UserID,
			"username": ev.Username,
		})
		return
	}

	logger.DebugCF("telegram", "Received event", map[string]interface{}{
		"kind":    ev.Kind.String(),
		"user_id": ev.UserID,
		"chat_id": ev.ChatID,
		"preview": utils.Truncate(ev.Text+ev.Data, 50),
	})
	c.serial.Do(ev.UserID, func() {
		if err := h.Handle(ctx, ev); err != nil {
			logger.ErrorCF("telegram", "Event handling failed", map[string]interface{}{
				"kind":    ev.Kind.String(),
				"user_id": ev.UserID,
				"error":   err.Error(),
			})
		}
	})
}

// eventFromUpdate strips an update down to the parts the bot reacts to.
func eventFromUpdate(update telego.Update) (bus.Event, bool) {
	if q := update.CallbackQuery; q != nil {
		ev := bus.Event{
			Kind:       bus.EventCallback,
			UserID:     q.From.ID,
			Username:   q.From.Username,
			FirstName:  q.From.FirstName,
			ChatID:     q.From.ID,
			CallbackID: q.ID,
			Data:       q.Data,
		}
		if q.Message != nil {
			ev.ChatID = q.Message.GetChat().ID
			ev.MessageID = q.Message.GetMessageID()
		}
		return ev, true
	}

	message := update.Message
	if message == nil || message.From == nil {
		return bus.Event{}, false
	}
	ev := bus.Event{
		Kind:      bus.EventText,
		UserID:    message.From.ID,
		Username:  message.From.Username,
		FirstName: message.From.FirstName,
		ChatID:    message.Chat.ID,
		MessageID: message.MessageID,
		Text:      message.Text,
	}
	switch {
	case len(message.Photo) > 0:
		ev.Kind = bus.EventPhoto
		ev.PhotoFileID = message.Photo[len(message.Photo)-1].FileID
		ev.Text = message.Caption
	case message.Text == "":
		// Stickers, documents and the like still advance re-prompts.
		ev.Text = message.Caption
	}
	return ev, true
}

func (c *TelegramChannel) SendText(ctx context.Context, chatID int64, text string) (int, error) {
	if !c.IsRunning() {
		return 0, errNotRunning
	}
	sent, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return sent.MessageID, nil
}

func (c *TelegramChannel) SendChoices(ctx context.Context, chatID int64, text string, choices []bus.Choice) (int, error) {
	if !c.IsRunning() {
		return 0, errNotRunning
	}
	buttons := make([]telego.InlineKeyboardButton, 0, len(choices))
	for _, choice := range choices {
		buttons = append(buttons, tu.InlineKeyboardButton(choice.Label).WithCallbackData(choice.Data))
	}
	msg := tu.Message(tu.ID(chatID), text).WithReplyMarkup(tu.InlineKeyboard(tu.InlineKeyboardRow(buttons...)))
	sent, err := c.bot.SendMessage(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("send choices: %w", err)
	}
	return sent.MessageID, nil
}

func (c *TelegramChannel) EditText(ctx context.Context, chatID int64, messageID int, text string) (bus.EditOutcome, error) {
	_, err := c.bot.EditMessageText(ctx, tu.EditMessageText(tu.ID(chatID), messageID, text))
	switch {
	case err == nil:
		return bus.EditApplied, nil
	case isNotModified(err):
		return bus.EditUnchanged, nil
	}
	return bus.EditApplied, fmt.Errorf("edit message: %w", err)
}

func (c *TelegramChannel) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
	})
}

func (c *TelegramChannel) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	return c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
		ShowAlert:       alert,
	})
}

// DownloadFile saves a chat file to dest. A local Bot API server reports
// absolute paths on its own disk, which are copied instead of fetched.
func (c *TelegramChannel) DownloadFile(ctx context.Context, fileID, dest string) error {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return fmt.Errorf("get file %s: no file path returned", fileID)
	}

	if filepath.IsAbs(file.FilePath) {
		if _, statErr := os.Stat(file.FilePath); statErr == nil {
			return copyFile(file.FilePath, dest)
		}
	}
	return utils.DownloadFile(ctx, c.bot.FileDownloadURL(file.FilePath), dest, c.downloadOptions())
}

func (c *TelegramChannel) downloadOptions() utils.DownloadOptions {
	return utils.DownloadOptions{
		LoggerPrefix: "telegram",
		Client:       c.client,
	}
}

// Upload sends one file as a streamable video or as a document, reporting
// bytes handed to the API as upload progress.
func (c *TelegramChannel) Upload(ctx context.Context, chatID int64, up bus.Upload, snapshots chan<- progress.Snapshot) error {
	if !c.IsRunning() {
		return errNotRunning
	}
	f, err := os.Open(up.Path)
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat upload: %w", err)
	}

	name := up.FileName
	if name == "" {
		name = filepath.Base(up.Path)
	}
	body := newProgressReader(ctx, f, name, info.Size(), up.Label, snapshots)

	var thumb *telego.InputFile
	if up.ThumbnailPath != "" {
		tf, err := os.Open(up.ThumbnailPath)
		if err != nil {
			logger.WarnCF("telegram", "Thumbnail unavailable, sending without it", map[string]interface{}{
				"path":  up.ThumbnailPath,
				"error": err.Error(),
			})
		} else {
			defer tf.Close()
			in := tu.File(namedReader{Reader: tf, name: "thumb.jpg"})
			thumb = &in
		}
	}

	start := time.Now()
	if up.AsVideo {
		_, err = c.bot.SendVideo(ctx, &telego.SendVideoParams{
			ChatID:            tu.ID(chatID),
			Video:             tu.File(body),
			Caption:           up.Caption,
			Thumbnail:         thumb,
			SupportsStreaming: true,
		})
	} else {
		_, err = c.bot.SendDocument(ctx, &telego.SendDocumentParams{
			ChatID:                      tu.ID(chatID),
			Document:                    tu.File(body),
			Caption:                     up.Caption,
			Thumbnail:                   thumb,
			DisableContentTypeDetection: true,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to send file %s: %w", name, err)
	}

	progress.Emit(ctx, snapshots, body.snapshot(true))
	logger.InfoCF("telegram", "File sent successfully", map[string]interface{}{
		"name":     name,
		"size":     info.Size(),
		"as_video": up.AsVideo,
		"elapsed":  time.Since(start).Round(time.Millisecond).String(),
	})
	return nil
}

// isNotModified matches the Bot API rejection for an edit that changes nothing.
func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

type namedReader struct {
	io.Reader
	name string
}

func (n namedReader) Name() string { return n.name }

// progressReader counts bytes read by the HTTP client.
type progressReader struct {
	ctx       context.Context
	r         io.Reader
	name      string
	total     int64
	label     string
	snapshots chan<- progress.Snapshot
	started   time.Time
	now       func() time.Time
	read      int64
}

func newProgressReader(ctx context.Context, r io.Reader, name string, total int64, label string, snapshots chan<- progress.Snapshot) *progressReader {
	return &progressReader{
		ctx:       ctx,
		r:         r,
		name:      name,
		total:     total,
		label:     label,
		snapshots: snapshots,
		started:   time.Now(),
		now:       time.Now,
	}
}

func (p *progressReader) Name() string { return p.name }

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		progress.Emit(p.ctx, p.snapshots, p.snapshot(false))
	}
	return n, err
}

func (p *progressReader) snapshot(final bool) progress.Snapshot {
	s := progress.Snapshot{
		Direction:   progress.Upload,
		Transferred: p.read,
		Total:       p.total,
		Label:       p.label,
		Final:       final,
	}
	if final {
		s.Transferred = p.total
	}
	if elapsed := p.now().Sub(p.started).Seconds(); elapsed > 0 {
		s.Rate = float64(s.Transferred) / elapsed
	}
	if s.Rate > 0 && s.Total > s.Transferred {
		s.ETA = time.Duration(float64(s.Total-s.Transferred) / s.Rate * float64(time.Second))
	}
	return s
}

// allowlist matches user IDs or usernames. An empty list admits everyone.
type allowlist struct {
	ids   map[int64]struct{}
	names map[string]struct{}
}

func newAllowlist(entries []string) allowlist {
	a := allowlist{ids: map[int64]struct{}{}, names: map[string]struct{}{}}
	for _, entry := range entries {
		// "123|alice" carries both forms.
		for _, part := range strings.Split(entry, "|") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if id, err := strconv.ParseInt(part, 10, 64); err == nil {
				a.ids[id] = struct{}{}
				continue
			}
			a.names[strings.ToLower(strings.TrimPrefix(part, "@"))] = struct{}{}
		}
	}
	return a
}

func (a allowlist) permits(userID int64, username string) bool {
	if len(a.ids) == 0 && len(a.names) == 0 {
		return true
	}
	if _, ok := a.ids[userID]; ok {
		return true
	}
	if username == "" {
		return false
	}
	_, ok := a.names[strings.ToLower(username)]
	return ok
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
