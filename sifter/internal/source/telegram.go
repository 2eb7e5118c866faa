package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hazyhaar/signalsifter/sifter/internal/errkind"
	"github.com/hazyhaar/signalsifter/sifter/internal/store"
)

// TelegramConfig configures the Bot API adapter.
type TelegramConfig struct {
	Token string `yaml:"token"`
	// APIEndpoint and FileEndpoint are format strings taking the token and
	// the method or file path. Empty means api.telegram.org.
	APIEndpoint  string `yaml:"api_endpoint"`
	FileEndpoint string `yaml:"file_endpoint"`
	// MaxPages bounds the getUpdates calls of one fetch (100 updates each).
	MaxPages int `yaml:"max_pages"`
	// UpdateRetention is how long buffered updates are kept.
	UpdateRetention time.Duration `yaml:"update_retention"`
}

const (
	telegramMediaPrefix = "tg:"
	telegramPageSize    = 100
)

// UpdateLog persists the getUpdates offset and the updates already pulled
// from the Bot API. *store.Store implements it.
type UpdateLog interface {
	TelegramOffset(ctx context.Context) (int64, error)
	AppendTelegramUpdates(ctx context.Context, updates []store.TelegramUpdate, next int64) error
	TelegramUpdates(ctx context.Context, chatID int64, username string, cursor int64) ([]store.TelegramUpdate, error)
	PruneTelegramUpdates(ctx context.Context, before int64) (int64, error)
}

// Telegram reads channel posts and group messages the bot can see through
// getUpdates. Each page is buffered in the update log together with the
// next offset, which confirms it to the Bot API on the following call.
// Channels served by the same bot then read their own slice of the buffer.
type Telegram struct {
	cfg        TelegramConfig
	client     *http.Client
	downloader *Downloader
	log        UpdateLog
	now        func() time.Time

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegram creates the adapter. The bot is contacted on first use.
func NewTelegram(cfg TelegramConfig, client *http.Client, downloader *Downloader, log UpdateLog) *Telegram {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.FileEndpoint == "" {
		cfg.FileEndpoint = tgbotapi.FileEndpoint
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.UpdateRetention <= 0 {
		cfg.UpdateRetention = 7 * 24 * time.Hour
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Telegram{cfg: cfg, client: client, downloader: downloader, log: log, now: time.Now}
}

func (t *Telegram) Platform() string { return "telegram" }

func (t *Telegram) api() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	if t.cfg.Token == "" {
		return nil, fmt.Errorf("%w: telegram bot token not configured", errkind.SourceUnavailable)
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.cfg.Token, t.cfg.APIEndpoint, t.client)
	if err != nil {
		return nil, fmt.Errorf("%w: telegram: %w", errkind.SourceUnavailable, scrubToken(err, t.cfg.Token))
	}
	t.bot = bot
	return bot, nil
}

// FetchSince returns the chat's messages with id > cursor, oldest first,
// followed by any buffered edits of messages at or below cursor. externalID
// is the numeric chat id or the public @username. limit applies to the new
// messages only.
func (t *Telegram) FetchSince(ctx context.Context, externalID string, cursor int64, limit int) ([]RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.log == nil {
		return nil, fmt.Errorf("%w: telegram update log not configured", errkind.SourceUnavailable)
	}
	bot, err := t.api()
	if err != nil {
		return nil, err
	}
	if err := t.pull(ctx, bot); err != nil {
		return nil, err
	}

	chatID, username := splitChatRef(externalID)
	buffered, err := t.log.TelegramUpdates(ctx, chatID, username, cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: telegram buffer: %w", errkind.SourceUnavailable, err)
	}

	byID := make(map[int64]RawMessage)
	for _, u := range buffered {
		var m tgbotapi.Message
		if err := json.Unmarshal([]byte(u.Payload), &m); err != nil {
			continue
		}
		raw := convertTelegram(&m)
		if prev, ok := byID[raw.ID]; ok && !newerEdit(raw, prev) {
			continue
		}
		byID[raw.ID] = raw
	}

	var edits, fresh []RawMessage
	for _, r := range byID {
		if r.ID > cursor {
			fresh = append(fresh, r)
		} else {
			edits = append(edits, r)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })
	sort.Slice(edits, func(i, j int) bool { return edits[i].ID < edits[j].ID })
	if limit > 0 && len(fresh) > limit {
		fresh = fresh[:limit]
	}
	return append(fresh, edits...), nil
}

// pull drains getUpdates page by page into the update log, then prunes
// buffered updates past retention.
func (t *Telegram) pull(ctx context.Context, bot *tgbotapi.BotAPI) error {
	offset, err := t.log.TelegramOffset(ctx)
	if err != nil {
		return fmt.Errorf("%w: telegram offset: %w", errkind.SourceUnavailable, err)
	}
	for page := 0; page < t.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		u := tgbotapi.NewUpdate(int(offset))
		u.Limit = telegramPageSize
		u.AllowedUpdates = []string{"message", "edited_message", "channel_post", "edited_channel_post"}
		updates, err := bot.GetUpdates(u)
		if err != nil {
			return fmt.Errorf("%w: telegram getUpdates: %w", errkind.SourceUnavailable, scrubToken(err, t.cfg.Token))
		}
		if len(updates) == 0 {
			break
		}

		next := offset
		received := t.now().UnixMilli()
		batch := make([]store.TelegramUpdate, 0, len(updates))
		for _, upd := range updates {
			if id := int64(upd.UpdateID) + 1; id > next {
				next = id
			}
			m, edited := updateMessage(upd)
			if m == nil || m.Chat == nil {
				continue
			}
			payload, err := json.Marshal(m)
			if err != nil {
				continue
			}
			batch = append(batch, store.TelegramUpdate{
				UpdateID:     int64(upd.UpdateID),
				ChatID:       m.Chat.ID,
				ChatUsername: m.Chat.UserName,
				MessageID:    int64(m.MessageID),
				Edited:       edited,
				Payload:      string(payload),
				ReceivedAt:   received,
			})
		}
		if err := t.log.AppendTelegramUpdates(ctx, batch, next); err != nil {
			return fmt.Errorf("%w: telegram buffer: %w", errkind.SourceUnavailable, err)
		}
		if next == offset || len(updates) < telegramPageSize {
			break
		}
		offset = next
	}
	before := t.now().Add(-t.cfg.UpdateRetention).UnixMilli()
	if _, err := t.log.PruneTelegramUpdates(ctx, before); err != nil {
		return fmt.Errorf("%w: telegram buffer: %w", errkind.SourceUnavailable, err)
	}
	return nil
}

func updateMessage(upd tgbotapi.Update) (*tgbotapi.Message, bool) {
	switch {
	case upd.ChannelPost != nil:
		return upd.ChannelPost, false
	case upd.EditedChannelPost != nil:
		return upd.EditedChannelPost, true
	case upd.Message != nil:
		return upd.Message, false
	case upd.EditedMessage != nil:
		return upd.EditedMessage, true
	}
	return nil, false
}

// splitChatRef turns an external id into the numeric chat id and the
// username it may be matched by.
func splitChatRef(externalID string) (int64, string) {
	if id, err := strconv.ParseInt(externalID, 10, 64); err == nil {
		return id, ""
	}
	return 0, strings.TrimPrefix(externalID, "@")
}

// scrubToken keeps the bot token out of error text. HTTP client failures
// carry the request URL, which embeds the token.
func scrubToken(err error, token string) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	if token != "" && strings.Contains(err.Error(), token) {
		return errors.New(strings.ReplaceAll(err.Error(), token, "<redacted>"))
	}
	return err
}

// DownloadMedia resolves a "tg:<file_id>" reference through getFile and
// downloads it.
func (t *Telegram) DownloadMedia(ctx context.Context, ref string) (string, error) {
	fileID, ok := strings.CutPrefix(ref, telegramMediaPrefix)
	if !ok || fileID == "" {
		return "", fmt.Errorf("%w: not a telegram media ref: %q", errkind.MediaUnavailable, ref)
	}
	if t.downloader == nil {
		return "", fmt.Errorf("%w: no media downloader", errkind.MediaUnavailable)
	}
	bot, err := t.api()
	if err != nil {
		return "", err
	}
	file, err := bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("%w: telegram getFile: %w", errkind.SourceUnavailable, scrubToken(err, t.cfg.Token))
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("%w: telegram file %s has no path", errkind.MediaUnavailable, fileID)
	}
	return t.downloader.Fetch(ctx, fmt.Sprintf(t.cfg.FileEndpoint, t.cfg.Token, file.FilePath))
}

func newerEdit(a, b RawMessage) bool {
	if a.EditTimestamp == nil {
		return false
	}
	return b.EditTimestamp == nil || a.EditTimestamp.After(*b.EditTimestamp)
}

func convertTelegram(m *tgbotapi.Message) RawMessage {
	raw := RawMessage{
		ID:        int64(m.MessageID),
		Timestamp: time.Unix(int64(m.Date), 0).UTC(),
		Text:      m.Text,
	}
	if raw.Text == "" {
		raw.Text = m.Caption
	}
	if m.EditDate > 0 {
		at := time.Unix(int64(m.EditDate), 0).UTC()
		raw.EditTimestamp = &at
	}

	switch {
	case m.From != nil:
		raw.SenderID = strconv.FormatInt(m.From.ID, 10)
		raw.SenderUsername = m.From.UserName
		raw.SenderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	case m.SenderChat != nil:
		raw.SenderID = strconv.FormatInt(m.SenderChat.ID, 10)
		raw.SenderUsername = m.SenderChat.UserName
		raw.SenderName = m.SenderChat.Title
	}
	if m.AuthorSignature != "" {
		raw.SenderName = m.AuthorSignature
	}

	if m.ReplyToMessage != nil {
		raw.ReplyToID = int64(m.ReplyToMessage.MessageID)
	}
	switch {
	case m.ForwardFrom != nil:
		raw.IsForwarded = true
		raw.ForwardFrom = m.ForwardFrom.UserName
		if raw.ForwardFrom == "" {
			raw.ForwardFrom = strings.TrimSpace(m.ForwardFrom.FirstName + " " + m.ForwardFrom.LastName)
		}
	case m.ForwardFromChat != nil:
		raw.IsForwarded = true
		raw.ForwardFrom = m.ForwardFromChat.Title
	case m.ForwardSenderName != "":
		raw.IsForwarded = true
		raw.ForwardFrom = m.ForwardSenderName
	}

	switch {
	case len(m.Photo) > 0:
		raw.MediaRef = telegramMediaPrefix + m.Photo[len(m.Photo)-1].FileID
		raw.MediaKind = MediaImage
	case m.Document != nil:
		raw.MediaRef = telegramMediaPrefix + m.Document.FileID
		raw.MediaKind = mediaKindFor(m.Document.MimeType)
	case m.Video != nil:
		raw.MediaRef = telegramMediaPrefix + m.Video.FileID
		raw.MediaKind = MediaVideo
	}
	return raw
}
