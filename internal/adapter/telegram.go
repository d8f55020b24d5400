package adapter

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/harunnryd/kansa/internal/command"
	"github.com/harunnryd/kansa/internal/config"
	"github.com/harunnryd/kansa/internal/errors"
	"github.com/harunnryd/kansa/internal/gateway"
	"github.com/harunnryd/kansa/internal/idempotency"
	"github.com/harunnryd/kansa/internal/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const PlatformTelegram = "telegram"

// Callback data prefixes on review keyboards.
var callbackActions = map[string]reviewAction{
	"ta": actionApproveTools,
	"tr": actionRejectTools,
	"aa": actionApproveAnswer,
	"ar": actionRejectAnswer,
}

type TelegramOption func(*TelegramAdapter)

// WithTelegramEndpoint overrides the Bot API endpoint format
// (default tgbotapi.APIEndpoint).
func WithTelegramEndpoint(endpoint string) TelegramOption {
	return func(t *TelegramAdapter) {
		t.endpoint = endpoint
	}
}

// TelegramAdapter long-polls the Bot API for messages and review button
// callbacks, and posts replies and review cards.
type TelegramAdapter struct {
	token         string
	endpoint      string
	reviewChatID  int64
	updateTimeout int
	commands      *command.Handler
	dedup         *idempotency.Store
	async         asyncRunner
	gw            Gateway

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegramAdapter(cfg config.TelegramConfig, deps Deps, opts ...TelegramOption) *TelegramAdapter {
	timeout := cfg.UpdateTimeout
	if timeout <= 0 {
		timeout = config.DefaultTelegramUpdateTimeout
	}
	t := &TelegramAdapter{
		token:         cfg.BotToken,
		endpoint:      tgbotapi.APIEndpoint,
		reviewChatID:  cfg.ReviewChatID,
		updateTimeout: timeout,
		commands:      deps.Commands,
		dedup:         deps.Dedup,
		async:         runAsync,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TelegramAdapter) Name() string {
	return PlatformTelegram
}

// Bind sets the gateway updates are forwarded to.
func (t *TelegramAdapter) Bind(gw Gateway) {
	t.gw = gw
}

func (t *TelegramAdapter) client() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.token, t.endpoint)
	if err != nil {
		return nil, errors.Transient("failed to init telegram bot: " + err.Error())
	}
	t.bot = bot
	return bot, nil
}

// Start polls for updates until ctx is cancelled or Stop is called.
func (t *TelegramAdapter) Start(ctx context.Context) error {
	bot, err := t.client()
	if err != nil {
		return err
	}

	logger.FromContext(ctx).Info("Telegram Adapter started", "user", bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.updateTimeout
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *TelegramAdapter) Stop(ctx context.Context) error {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot != nil {
		bot.StopReceivingUpdates()
	}
	return nil
}

func (t *TelegramAdapter) Health(ctx context.Context) error {
	bot, err := t.client()
	if err != nil {
		return err
	}
	if _, err := bot.GetMe(); err != nil {
		return errors.Transient("Telegram connection failed: " + err.Error())
	}
	return nil
}

func (t *TelegramAdapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if seen(ctx, t.dedup, "telegram:update:"+strconv.Itoa(update.UpdateID)) {
		return
	}

	switch {
	case update.CallbackQuery != nil:
		t.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		t.handleMessage(ctx, update.Message)
	}
}

func (t *TelegramAdapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.From.IsBot || msg.Chat == nil || strings.TrimSpace(msg.Text) == "" {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if text := commandText(msg.Text); t.commands != nil && t.commands.CanHandle(text) {
		resp, err := t.commands.Execute(ctx, command.Request{
			ChannelID:   chatID,
			ChannelName: msg.Chat.Title,
			UserID:      strconv.FormatInt(msg.From.ID, 10),
			Text:        text,
		})
		reply := resp.Text
		if err != nil {
			logger.FromContext(ctx).Error("Telegram command failed", "chat_id", chatID, "error", err)
			reply = "Command failed: " + errors.Category(err)
		}
		t.reply(ctx, msg.Chat.ID, msg.MessageID, reply)
		return
	}

	inbound := gateway.InboundMessage{
		Platform:    PlatformTelegram,
		ChannelID:   chatID,
		ChannelName: msg.Chat.Title,
		SenderID:    strconv.FormatInt(msg.From.ID, 10),
		SenderName:  msg.From.UserName,
		MessageID:   strconv.Itoa(msg.MessageID),
		Text:        msg.Text,
	}
	if msg.ReplyToMessage != nil {
		inbound.ReplyMainMessageID = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}

	if t.gw == nil {
		logger.FromContext(ctx).Warn("Telegram message dropped, gateway not bound", "chat_id", chatID)
		return
	}
	t.async(ctx, "telegram-inbound", func(ctx context.Context) {
		if _, err := t.gw.HandleInbound(ctx, inbound); err != nil {
			logger.FromContext(ctx).Error("Failed to handle Telegram message", "chat_id", chatID, "error", err)
		}
	})
}

// commandText drops the "@botname" suffix Telegram appends to commands in
// groups.
func commandText(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return text
	}
	head, rest, _ := strings.Cut(text, " ")
	head, _, _ = strings.Cut(head, "@")
	return strings.TrimSpace(head + " " + rest)
}

func (t *TelegramAdapter) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	bot, err := t.client()
	if err != nil {
		logger.FromContext(ctx).Error("Telegram callback dropped", "error", err)
		return
	}

	prefix, refID, _ := strings.Cut(cq.Data, ":")
	action, ok := callbackActions[prefix]
	if !ok || refID == "" {
		_, _ = bot.Request(tgbotapi.NewCallback(cq.ID, "Unknown action."))
		return
	}
	if _, err := bot.Request(tgbotapi.NewCallback(cq.ID, "Working on it.")); err != nil {
		logger.FromContext(ctx).Warn("Failed to answer callback query", "error", err)
	}

	actor, display := "", "someone"
	if cq.From != nil {
		actor = strconv.FormatInt(cq.From.ID, 10)
		display = actor
		if cq.From.UserName != "" {
			display = "@" + cq.From.UserName
		}
	}
	var chatID int64
	var messageID int
	if cq.Message != nil && cq.Message.Chat != nil {
		chatID = cq.Message.Chat.ID
		messageID = cq.Message.MessageID
	}

	t.async(logger.WithTraceID(ctx, refID), "telegram-review", func(ctx context.Context) {
		text := review(ctx, t.gw, action, refID, actor, display)
		if chatID != 0 {
			t.reply(ctx, chatID, messageID, text)
		}
	})
}

func (t *TelegramAdapter) reply(ctx context.Context, chatID int64, replyTo int, text string) {
	bot, err := t.client()
	if err != nil {
		logger.FromContext(ctx).Warn("Telegram reply dropped", "chat_id", chatID, "error", err)
		return
	}
	m := tgbotapi.NewMessage(chatID, text)
	m.ReplyToMessageID = replyTo
	if _, err := bot.Send(m); err != nil {
		logger.FromContext(ctx).Warn("Failed to send Telegram reply", "chat_id", chatID, "error", err)
	}
}

func (t *TelegramAdapter) Post(ctx context.Context, msg gateway.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChannelID, 10, 64)
	if err != nil {
		return errors.InvalidInput("invalid telegram chat ID: " + msg.ChannelID)
	}
	bot, err := t.client()
	if err != nil {
		return err
	}

	m := tgbotapi.NewMessage(chatID, msg.Text)
	if id, err := strconv.Atoi(msg.ThreadAnchor); err == nil {
		m.ReplyToMessageID = id
	}
	if _, err := bot.Send(m); err != nil {
		return errors.Wrap(err, "failed to send telegram message")
	}
	logger.FromContext(ctx).Debug("Telegram message sent", "chat_id", chatID)
	return nil
}

// reviewChat picks where a card goes: the configured review chat, or the
// card's own review channel when it belongs to Telegram.
func (t *TelegramAdapter) reviewChat(platform, reviewChannelID string) (int64, bool) {
	if t.reviewChatID != 0 {
		return t.reviewChatID, true
	}
	if platform != PlatformTelegram {
		return 0, false
	}
	id, err := strconv.ParseInt(reviewChannelID, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func reviewKeyboard(approve, reject, refID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Approve", approve+":"+refID),
		tgbotapi.NewInlineKeyboardButtonData("Reject", reject+":"+refID),
	))
}

func (t *TelegramAdapter) sendCard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) error {
	bot, err := t.client()
	if err != nil {
		return err
	}
	m := tgbotapi.NewMessage(chatID, text)
	m.ReplyMarkup = keyboard
	if _, err := bot.Send(m); err != nil {
		return errors.Wrap(err, "failed to post telegram review card")
	}
	return nil
}

func (t *TelegramAdapter) NotifyBlocked(ctx context.Context, card gateway.BlockedCard) error {
	chatID, ok := t.reviewChat(card.Platform, card.ReviewChannelID)
	if !ok {
		return nil
	}
	return t.sendCard(chatID, blockedText(card), reviewKeyboard("ta", "tr", card.RefID))
}

func (t *TelegramAdapter) NotifyPendingAnswer(ctx context.Context, card gateway.PendingCard) error {
	chatID, ok := t.reviewChat(card.Platform, card.ReviewChannelID)
	if !ok {
		return nil
	}
	return t.sendCard(chatID, pendingText(card), reviewKeyboard("aa", "ar", card.Pending.RefID))
}
