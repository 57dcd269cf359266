package notify

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramSendInterval spaces messages to one chat to stay under the Bot
// API's per-chat limit.
const telegramSendInterval = 2 * time.Second

// TelegramSender delivers notifications through the Telegram Bot API.
type TelegramSender struct {
	bot    *tgbotapi.BotAPI
	chatID int64

	mu       sync.Mutex
	lastSend time.Time
	interval time.Duration
}

// NewTelegramSender authenticates the bot token against the API.
func NewTelegramSender(token string, chatID int64) (*TelegramSender, error) {
	return NewTelegramSenderWithEndpoint(token, chatID, tgbotapi.APIEndpoint, &http.Client{Timeout: 10 * time.Second})
}

// NewTelegramSenderWithEndpoint is NewTelegramSender against a custom API
// endpoint, e.g. a local Bot API server.
func NewTelegramSenderWithEndpoint(token string, chatID int64, endpoint string, client *http.Client) (*TelegramSender, error) {
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram: token and chat id are required")
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	bot.Debug = false
	return &TelegramSender{bot: bot, chatID: chatID, interval: telegramSendInterval}, nil
}

// Send posts the title in bold followed by message.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	if err := t.pace(ctx); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, fmt.Sprintf("*%s*\n%s",
		tgbotapi.EscapeText(tgbotapi.ModeMarkdown, title),
		tgbotapi.EscapeText(tgbotapi.ModeMarkdown, message)))
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

// pace waits until interval has passed since the previous send.
func (t *TelegramSender) pace(ctx context.Context) error {
	t.mu.Lock()
	wait := t.interval - time.Since(t.lastSend)
	if wait < 0 {
		wait = 0
	}
	t.lastSend = time.Now().Add(wait)
	t.mu.Unlock()

	if wait == 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *TelegramSender) Name() string { return "telegram" }
