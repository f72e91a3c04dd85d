package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dazrave/botline/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxMsgLen = 4000

// Telegram relays a Telegram bot's traffic through the router.
type Telegram struct {
	token         string
	allowFrom     []int64 // allowed user IDs (empty = allow all)
	parseMode     string
	defaultChatID int64 // destination for broadcasts and notifications

	bot    *tgbotapi.BotAPI
	router Router
	logger *slog.Logger
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	ChatID    string   // default chat for broadcasts
	ParseMode string
	Router    Router
	Logger    *slog.Logger
}

// NewTelegram creates the adapter without connecting.
func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	defaultChat, _ := strconv.ParseInt(cfg.ChatID, 10, 64)
	return &Telegram{
		token:         cfg.Token,
		allowFrom:     allowed,
		parseMode:     cfg.ParseMode,
		defaultChatID: defaultChat,
		router:        cfg.Router,
		logger:        cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Send delivers text to a chat. An empty chatID targets the configured
// default chat.
func (t *Telegram) Send(ctx context.Context, chatID, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram not connected")
	}
	id := t.defaultChatID
	if chatID != "" {
		parsed, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat ID %q: %w", chatID, err)
		}
		id = parsed
	}
	if id == 0 {
		return fmt.Errorf("no telegram chat configured")
	}
	t.sendMessage(id, text)
	return nil
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user", "user_id", userID, "username", update.Message.From.UserName)
		t.sendMessage(chatID, "⛔ Unauthorized. Your user ID is not in the allow list.")
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = t.bot.Send(typing)

	mctx := &domain.Context{
		User:   strconv.FormatInt(userID, 10),
		ChatID: strconv.FormatInt(chatID, 10),
		Type:   "user",
	}
	if _, err := t.router.RouteMessage(ctx, t.Name(), text, mctx); err != nil {
		t.logger.Warn("telegram message rejected", "user_id", userID, "err", err)
		t.sendMessage(chatID, domain.UserMessage(err))
	}
}

func (t *Telegram) sendMessage(chatID int64, content string) {
	for _, chunk := range splitMessage(content, telegramMaxMsgLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		msg.ParseMode = t.parseMode
		if _, err := t.bot.Send(msg); err != nil {
			// Retry without parse mode: malformed markdown is the usual cause.
			msg.ParseMode = ""
			if _, err := t.bot.Send(msg); err != nil {
				t.logger.Error("telegram send failed", "chat_id", chatID, "err", err)
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}
