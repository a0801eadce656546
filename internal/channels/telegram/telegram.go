// ABOUTME: Telegram channel adapter built on long-polling bot updates.
// ABOUTME: Accumulates stream fragments per topic and delivers complete turns as HTML messages.

package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Dethon/agent-relay/internal/approval"
	"github.com/Dethon/agent-relay/internal/config"
	"github.com/Dethon/agent-relay/internal/markdown"
	"github.com/Dethon/agent-relay/internal/messenger"
	"github.com/Dethon/agent-relay/internal/stream"
)

const callbackPrefix = "apr"

// botClient is the subset of the Telegram Bot API the adapter uses.
// Narrowed so tests can substitute a fake.
type botClient interface {
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// ApprovalResponder resolves approval decisions arriving from inline
// keyboard callbacks.
type ApprovalResponder interface {
	Respond(approvalID string, result approval.Result) error
}

// Messenger bridges Telegram chats to relay topics. Prompts arrive via
// long polling; responses are buffered until the turn completes because
// Telegram has no notion of an in-place streaming edit worth the rate
// limit cost.
type Messenger struct {
	bot          botClient
	responder    ApprovalResponder
	allowedChats map[int64]bool
	logger       *slog.Logger

	// partial turn content per topic, flushed on completion
	pending map[string]*strings.Builder
}

// New connects to the Telegram Bot API with the configured token.
func New(cfg config.TelegramConfig, responder ApprovalResponder, logger *slog.Logger) (*Messenger, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	logger.Info("telegram bot authorized", "username", bot.Self.UserName)
	return newWithClient(bot, cfg.AllowedChats, responder, logger), nil
}

func newWithClient(bot botClient, allowedChats []int64, responder ApprovalResponder, logger *slog.Logger) *Messenger {
	allowed := make(map[int64]bool, len(allowedChats))
	for _, id := range allowedChats {
		allowed[id] = true
	}
	return &Messenger{
		bot:          bot,
		responder:    responder,
		allowedChats: allowed,
		logger:       logger.With("component", "telegram"),
		pending:      make(map[string]*strings.Builder),
	}
}

func (m *Messenger) Source() messenger.Source { return messenger.SourceTelegram }

// ReadPrompts long-polls for updates and converts allowed chat messages
// into prompts. Callback queries resolve pending approvals in place and
// never surface as prompts.
func (m *Messenger) ReadPrompts(ctx context.Context) (<-chan messenger.Prompt, error) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := m.bot.GetUpdatesChan(u)

	prompts := make(chan messenger.Prompt)
	go func() {
		defer close(prompts)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.CallbackQuery != nil {
					m.handleCallback(update.CallbackQuery)
					continue
				}
				if update.Message == nil || update.Message.Text == "" {
					continue
				}
				chatID := update.Message.Chat.ID
				if !m.isAllowed(chatID) {
					m.logger.Warn("message from disallowed chat", "chat_id", chatID)
					continue
				}
				p := messenger.Prompt{
					ChatID:  chatID,
					Sender:  senderName(update.Message.From),
					Content: update.Message.Text,
				}
				select {
				case prompts <- p:
				case <-ctx.Done():
					m.bot.StopReceivingUpdates()
					return
				}
			case <-ctx.Done():
				m.bot.StopReceivingUpdates()
				return
			}
		}
	}()
	return prompts, nil
}

// ProcessResponseStream accumulates content fragments and sends one
// message per completed turn. Errors and approval requests are delivered
// immediately.
func (m *Messenger) ProcessResponseStream(ctx context.Context, updates <-chan messenger.Update) error {
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.ChatID == 0 {
				continue
			}
			m.handleUpdate(update)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Messenger) handleUpdate(update messenger.Update) {
	msg := update.Message
	switch {
	case msg.ApprovalRequest != nil:
		m.sendApprovalRequest(update.ChatID, msg.ApprovalRequest)
	case msg.Error != "":
		m.discardPending(update.TopicID)
		m.send(update.ChatID, "⚠️ "+markdown.EscapeHTML(msg.Error))
	case msg.IsComplete:
		m.flushPending(update)
	case msg.Content != "":
		m.appendPending(update.TopicID, msg.Content)
	}
}

func (m *Messenger) appendPending(topicID, content string) {
	b, ok := m.pending[topicID]
	if !ok {
		b = &strings.Builder{}
		m.pending[topicID] = b
	}
	b.WriteString(content)
}

func (m *Messenger) discardPending(topicID string) {
	delete(m.pending, topicID)
}

func (m *Messenger) flushPending(update messenger.Update) {
	b, ok := m.pending[update.TopicID]
	if !ok || b.Len() == 0 {
		delete(m.pending, update.TopicID)
		return
	}
	delete(m.pending, update.TopicID)
	m.send(update.ChatID, markdown.ToTelegramHTML(b.String()))
}

func (m *Messenger) send(chatID int64, html string) {
	msg := tgbotapi.NewMessage(chatID, html)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := m.bot.Send(msg); err != nil {
		m.logger.Error("failed to send message", "chat_id", chatID, "error", err)
	}
}

func (m *Messenger) sendApprovalRequest(chatID int64, req *stream.ApprovalRequest) {
	text := "🔐 <b>Approval required</b>\n" +
		markdown.FormatCodeBlock("", approval.FormatToolCalls(req.ToolCalls))

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = approvalKeyboard(req.ApprovalID)
	if _, err := m.bot.Send(msg); err != nil {
		m.logger.Error("failed to send approval request", "chat_id", chatID, "error", err)
	}
}

func approvalKeyboard(approvalID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve", callbackData(approvalID, approval.Approved)),
			tgbotapi.NewInlineKeyboardButtonData("💾 Always", callbackData(approvalID, approval.ApprovedAndRemember)),
			tgbotapi.NewInlineKeyboardButtonData("❌ Reject", callbackData(approvalID, approval.Rejected)),
		),
	)
}

func callbackData(approvalID string, result approval.Result) string {
	return callbackPrefix + ":" + approvalID + ":" + string(result)
}

// parseCallbackData splits "apr:<approvalId>:<result>" callback payloads.
func parseCallbackData(data string) (approvalID string, result approval.Result, ok bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != callbackPrefix {
		return "", "", false
	}
	switch approval.Result(parts[2]) {
	case approval.Approved, approval.ApprovedAndRemember, approval.Rejected:
		return parts[1], approval.Result(parts[2]), true
	}
	return "", "", false
}

func (m *Messenger) handleCallback(cb *tgbotapi.CallbackQuery) {
	approvalID, result, ok := parseCallbackData(cb.Data)
	if !ok {
		m.logger.Warn("unrecognized callback data", "data", cb.Data)
		return
	}
	ack := "Recorded"
	if err := m.responder.Respond(approvalID, result); err != nil {
		m.logger.Warn("approval response rejected", "approval_id", approvalID, "error", err)
		ack = "Already resolved"
	}
	if _, err := m.bot.Request(tgbotapi.NewCallback(cb.ID, ack)); err != nil {
		m.logger.Error("failed to answer callback", "error", err)
	}
}

// CreateTopicIfNeeded is a no-op: forum topics on Telegram are created by
// the user, not the bot, and plain chats need no container.
func (m *Messenger) CreateTopicIfNeeded(_ context.Context, _ messenger.Prompt) error {
	return nil
}

func (m *Messenger) isAllowed(chatID int64) bool {
	if len(m.allowedChats) == 0 {
		return true
	}
	return m.allowedChats[chatID]
}

func senderName(user *tgbotapi.User) string {
	if user == nil {
		return "unknown"
	}
	if user.UserName != "" {
		return user.UserName
	}
	return strconv.FormatInt(user.ID, 10)
}
