package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"launchpad/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// telegramSender is the part of *tgbotapi.BotAPI used for delivery.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram forwards notifications as text messages to a fixed set of chats.
// With Listen running it also answers /status and /help in those chats.
type Telegram struct {
	token     string
	chatIDs   []int64
	parseMode string
	status    func() string

	bot     telegramSender
	api     *tgbotapi.BotAPI
	backoff time.Duration
	logger  *slog.Logger
}

type TelegramConfig struct {
	Token     string
	ChatIDs   []string // chat IDs as strings
	ParseMode string
	// Status renders the reply to /status.
	Status func() string
	Logger *slog.Logger
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	var ids []int64
	for _, s := range cfg.ChatIDs {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram chat id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = tgbotapi.ModeMarkdown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		chatIDs:   ids,
		parseMode: cfg.ParseMode,
		status:    cfg.Status,
		backoff:   time.Second,
		logger:    cfg.Logger,
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Connect authenticates the bot token.
func (t *Telegram) Connect() error {
	api, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.api = api
	t.bot = api
	t.logger.Info("telegram bot connected",
		"username", api.Self.UserName,
		"id", api.Self.ID,
	)
	return nil
}

// Forward sends n to every configured chat.
func (t *Telegram) Forward(ctx context.Context, n domain.Notification) error {
	if t.bot == nil {
		return errors.New("telegram: not connected")
	}
	text := formatNotification(n)
	var errs []error
	for _, chatID := range t.chatIDs {
		if err := t.sendMessage(ctx, chatID, text); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

// Listen polls for updates until ctx is done.
func (t *Telegram) Listen(ctx context.Context) error {
	if t.api == nil {
		return errors.New("telegram: not connected")
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.api.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")
	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}
	chatID := msg.Chat.ID
	if !slices.Contains(t.chatIDs, chatID) {
		t.logger.Warn("telegram command from unknown chat", "chat_id", chatID)
		return
	}

	var reply string
	switch msg.Command() {
	case "status":
		reply = "launchpad is running"
		if t.status != nil {
			reply = t.status()
		}
	case "help", "start":
		reply = "This chat receives launchpad notifications.\n\n/status shows bus listeners and subscriptions."
	default:
		reply = "Unknown command. Type /help for available commands."
	}
	if err := t.sendMessage(ctx, chatID, reply); err != nil {
		t.logger.Warn("telegram reply failed", "chat_id", chatID, "err", err)
	}
}

// formatNotification renders n as "*event* (channel)" followed by its args as
// JSON, one per line.
func formatNotification(n domain.Notification) string {
	var b strings.Builder
	b.WriteString("*" + n.Event + "*")
	if n.Channel != "" {
		b.WriteString(" (" + n.Channel + ")")
	}
	for _, arg := range n.Args {
		data, err := json.Marshal(arg)
		if err != nil {
			data = []byte(fmt.Sprint(arg))
		}
		b.WriteString("\n")
		b.Write(data)
	}
	return b.String()
}

func (t *Telegram) sendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range splitText(text, telegramMaxMsgLen) {
		if err := t.sendChunk(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts text into chunks of at most maxLen bytes, preferring line
// breaks in the second half of a chunk.
func splitText(text string, maxLen int) []string {
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// sendChunk sends one chunk, falling back to plain text on a markdown parse
// error and backing off on rate limits and transient failures.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) error {
	var err error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 {
			msg.ParseMode = t.parseMode
		}

		if _, err = t.bot.Send(msg); err == nil {
			return nil
		}
		errStr := err.Error()

		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
			continue
		}

		wait := time.Duration(attempt+1) * t.backoff
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			wait *= 3
			t.logger.Warn("telegram rate limited, backing off", "retry_after", wait, "attempt", attempt+1)
		} else if attempt < telegramMaxSendRetries {
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", wait)
		}
		if attempt == telegramMaxSendRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", telegramMaxSendRetries+1, err)
}
