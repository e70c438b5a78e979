package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramConfirmTimeout = 120 * time.Second

	callbackConfirmYes = "confirm_yes"
	callbackConfirmNo  = "confirm_no"
)

// TelegramBot is the subset of *tgbotapi.BotAPI the approver needs.
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// TelegramApprover asks a single Telegram chat to approve tool calls with an
// inline Allow/Deny keyboard. Callbacks from any other chat are ignored.
type TelegramApprover struct {
	bot     TelegramBot
	chatID  int64
	timeout time.Duration
	logger  *slog.Logger

	// pending maps the prompt's message ID to its waiting request.
	pending   map[int]chan bool
	pendingMu sync.Mutex
}

type TelegramConfig struct {
	Token   string
	ChatID  int64
	Timeout time.Duration
	Bot     TelegramBot // overrides Token, used by tests
	Logger  *slog.Logger
}

// NewTelegramApprover connects to the Bot API unless cfg.Bot is set.
func NewTelegramApprover(cfg TelegramConfig) (*TelegramApprover, error) {
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat ID is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = telegramConfirmTimeout
	}
	bot := cfg.Bot
	if bot == nil {
		api, err := tgbotapi.NewBotAPI(cfg.Token)
		if err != nil {
			return nil, fmt.Errorf("telegram bot init: %w", err)
		}
		cfg.Logger.Info("telegram bot connected", "username", api.Self.UserName, "id", api.Self.ID)
		bot = api
	}
	return &TelegramApprover{
		bot:     bot,
		chatID:  cfg.ChatID,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		pending: make(map[int]chan bool),
	}, nil
}

// Run polls for callback answers and blocks until ctx is cancelled.
func (t *TelegramApprover) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"callback_query"}
	updates := t.bot.GetUpdatesChan(u)

	t.logger.Info("telegram approver polling started", "chat_id", t.chatID)
	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.CallbackQuery != nil {
				t.handleCallback(update.CallbackQuery)
			}
		}
	}
}

// Confirm sends question with an inline keyboard and waits for an answer.
// A timeout is a denial, not an error.
func (t *TelegramApprover) Confirm(ctx context.Context, question string) (bool, error) {
	msg := tgbotapi.NewMessage(t.chatID, truncate(question, telegramMaxMsgLen))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Allow", callbackConfirmYes),
			tgbotapi.NewInlineKeyboardButtonData("Deny", callbackConfirmNo),
		),
	)

	// Register before sending so a fast answer is never lost.
	t.pendingMu.Lock()
	sent, err := t.bot.Send(msg)
	if err != nil {
		t.pendingMu.Unlock()
		return false, fmt.Errorf("send confirmation: %w", err)
	}
	ch := make(chan bool, 1)
	t.pending[sent.MessageID] = ch
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, sent.MessageID)
		t.pendingMu.Unlock()
	}()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case confirmed := <-ch:
		return confirmed, nil
	case <-timer.C:
		t.clearKeyboard(sent.MessageID)
		t.sendMessage("Confirmation timed out. Action denied.")
		return false, nil
	case <-ctx.Done():
		t.clearKeyboard(sent.MessageID)
		return false, ctx.Err()
	}
}

func (t *TelegramApprover) handleCallback(cq *tgbotapi.CallbackQuery) {
	if cq.Message == nil || cq.Message.Chat == nil {
		return
	}
	_, _ = t.bot.Request(tgbotapi.NewCallback(cq.ID, ""))

	if cq.Message.Chat.ID != t.chatID {
		t.logger.Warn("telegram callback from unexpected chat", "chat_id", cq.Message.Chat.ID)
		return
	}

	t.pendingMu.Lock()
	ch, ok := t.pending[cq.Message.MessageID]
	if ok {
		delete(t.pending, cq.Message.MessageID)
	}
	t.pendingMu.Unlock()
	if !ok {
		return
	}

	switch cq.Data {
	case callbackConfirmYes:
		ch <- true
		t.sendMessage("Action confirmed.")
	default:
		ch <- false
		t.sendMessage("Action denied.")
	}
	t.clearKeyboard(cq.Message.MessageID)
}

func (t *TelegramApprover) clearKeyboard(messageID int) {
	edit := tgbotapi.NewEditMessageReplyMarkup(t.chatID, messageID, tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
	if _, err := t.bot.Send(edit); err != nil {
		t.logger.Debug("telegram clear keyboard failed", "err", err)
	}
}

func (t *TelegramApprover) sendMessage(text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		t.logger.Warn("telegram send failed", "err", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := strings.LastIndex(s[:n], "\n")
	if cut < n/2 {
		cut = n
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
	}
	return s[:cut]
}
