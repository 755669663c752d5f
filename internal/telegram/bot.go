// Package telegram adapts the Telegram Bot API to the bot services: it sends
// replies and keyboards, answers callbacks, checks channel membership with a
// cache in front, downloads voice files, and converts updates into events.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/gpt-subscription-bot/internal/cache"
	"github.com/tbourn/gpt-subscription-bot/internal/domain"
	"github.com/tbourn/gpt-subscription-bot/internal/reply"
)

// api is the subset of *tgbotapi.BotAPI used by Bot.
type api interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

// Bot implements services.Platform on top of the Bot API.
type Bot struct {
	API   api
	Token string

	// Membership answers are cached for CacheTTL; a nil Cache disables it.
	Cache    cache.Cache
	CacheTTL time.Duration

	HTTP         *http.Client
	FileEndpoint string // printf pattern taking token and file path
}

// New wraps a connected BotAPI.
func New(b *tgbotapi.BotAPI, c cache.Cache, ttl time.Duration) *Bot {
	return &Bot{
		API:          b,
		Token:        b.Token,
		Cache:        c,
		CacheTTL:     ttl,
		HTTP:         &http.Client{Timeout: time.Minute},
		FileEndpoint: tgbotapi.FileEndpoint,
	}
}

var parseModes = map[domain.RenderMode]string{
	domain.RenderPlain:    "",
	domain.RenderHTML:     tgbotapi.ModeHTML,
	domain.RenderMarkdown: tgbotapi.ModeMarkdown,
}

// Send delivers m. A markup parse failure reported by Telegram is returned
// as reply.ErrRenderRejected.
func (b *Bot) Send(ctx context.Context, m reply.Message) error {
	_, span := otel.Tracer("telegram/Bot").Start(ctx, "Send",
		trace.WithAttributes(
			attribute.Int64("chat.id", m.ChatID),
			attribute.String("render_mode", string(m.Mode)),
			attribute.Bool("edit", m.EditMessageID != 0),
		))
	defer span.End()

	var c tgbotapi.Chattable
	if m.EditMessageID != 0 {
		edit := tgbotapi.NewEditMessageText(m.ChatID, m.EditMessageID, m.Text)
		edit.ParseMode = parseModes[m.Mode]
		edit.DisableWebPagePreview = true
		if kb := keyboard(m.Actions); kb != nil {
			edit.ReplyMarkup = kb
		}
		c = edit
	} else {
		msg := tgbotapi.NewMessage(m.ChatID, m.Text)
		msg.ParseMode = parseModes[m.Mode]
		msg.DisableWebPagePreview = true
		msg.ReplyToMessageID = m.ReplyTo
		if kb := keyboard(m.Actions); kb != nil {
			msg.ReplyMarkup = *kb
		}
		c = msg
	}

	if _, err := b.API.Send(c); err != nil {
		span.RecordError(err)
		if isParseError(err) {
			return fmt.Errorf("%w: %v", reply.ErrRenderRejected, err)
		}
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func keyboard(rows [][]reply.Action) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, a := range row {
			if a.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(a.Label, a.URL))
				continue
			}
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(a.Label, a.Callback))
		}
		out = append(out, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(out...)
	return &kb
}

// isParseError reports whether Telegram refused the message markup.
func isParseError(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "can't parse entities") || strings.Contains(msg, "can't find end of")
}

// SendTyping shows the typing indicator in chatID.
func (b *Bot) SendTyping(_ context.Context, chatID int64) error {
	_, err := b.API.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

// AnswerCallback acknowledges an inline-button press.
func (b *Bot) AnswerCallback(_ context.Context, callbackID, text string) error {
	_, err := b.API.Request(tgbotapi.NewCallback(callbackID, text))
	return err
}

// IsChannelMember reports whether userID is a current member of channel
// (e.g. "@AllNewsAI").
func (b *Bot) IsChannelMember(ctx context.Context, channel string, userID int64) (bool, error) {
	key := "chanmember:" + strings.ToLower(channel) + ":" + strconv.FormatInt(userID, 10)
	if b.Cache != nil {
		var member bool
		found, err := b.Cache.Get(ctx, key, &member)
		if err != nil {
			loggerFrom(ctx).Warn().Err(err).Msg("membership cache read failed")
		} else if found {
			return member, nil
		}
	}

	cm, err := b.API.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
			SuperGroupUsername: channel,
			UserID:             userID,
		},
	})
	if err != nil {
		return false, fmt.Errorf("get chat member: %w", err)
	}
	member := cm.Status != "" && !cm.HasLeft() && !cm.WasKicked()

	if b.Cache != nil && b.CacheTTL > 0 {
		if err := b.Cache.Set(ctx, key, member, b.CacheTTL); err != nil {
			loggerFrom(ctx).Warn().Err(err).Msg("membership cache write failed")
		}
	}
	return member, nil
}

// DownloadFile streams a file stored on Telegram. The returned name is the
// file's base name, which carries its format (e.g. "file_12.oga").
func (b *Bot) DownloadFile(ctx context.Context, fileID string) (io.ReadCloser, string, error) {
	f, err := b.API.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("get file: %w", err)
	}
	endpoint := b.FileEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.FileEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(endpoint, b.Token, f.FilePath), nil)
	if err != nil {
		return nil, "", err
	}
	client := b.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	return resp.Body, path.Base(f.FilePath), nil
}

func loggerFrom(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}
