package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"eduassist/internal/chat"
	"eduassist/internal/config"
	"eduassist/internal/conversation"
	"eduassist/internal/models"
	"eduassist/internal/quota"
	"eduassist/internal/rag"
)

const helpText = `Tôi là trợ lý học tập của bạn. Các lệnh hỗ trợ:
/start - Bắt đầu hoặc đăng ký lại
/help - Hiển thị trợ giúp
/quota - Xem hạn mức sử dụng trong tháng
/ask <câu hỏi> - Đặt câu hỏi (hoặc gửi tin nhắn trực tiếp)`

const quotaExceededText = "Bạn đã dùng hết hạn mức trong tháng này. Hạn mức sẽ được làm mới vào tháng sau."

// Bot long-polls the Telegram API and routes each message through the
// registration flow and the chat pipeline.
type Bot struct {
	api          *botAPI
	flow         *Flow
	orchestrator *chat.Orchestrator
	store        *conversation.Store
	ledger       *quota.Ledger
	pollTimeout  time.Duration
	apology      string
}

func NewBot(cfg config.TelegramConfig, flow *Flow, orchestrator *chat.Orchestrator, store *conversation.Store, ledger *quota.Ledger, apology string) *Bot {
	if apology == "" {
		apology = rag.DefaultApology
	}
	return &Bot{
		api:          newBotAPI(cfg.BaseURL, cfg.BotToken),
		flow:         flow,
		orchestrator: orchestrator,
		store:        store,
		ledger:       ledger,
		pollTimeout:  cfg.PollTimeout,
		apology:      apology,
	}
}

// Run polls until the context is cancelled. Poll errors back off and
// retry rather than stopping the bot.
func (b *Bot) Run(ctx context.Context) error {
	me, err := b.api.getMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram bot startup: %w", err)
	}
	log.Printf("telegram bot @%s polling for updates", me.Username)

	var offset int64
	for {
		updates, next, err := b.api.getUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("telegram poll: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
			continue
		}
		offset = next
		for _, update := range updates {
			b.handleUpdate(ctx, update)
		}
	}
}

// ProcessUpdate handles one raw Bot API update pushed over a webhook.
func (b *Bot) ProcessUpdate(ctx context.Context, raw []byte) error {
	var update apiUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		return fmt.Errorf("decode telegram update: %w", err)
	}
	b.handleUpdate(ctx, update)
	return nil
}

func (b *Bot) handleUpdate(ctx context.Context, update apiUpdate) {
	msg := update.Message
	if msg == nil || strings.TrimSpace(msg.Text) == "" {
		return
	}
	chatID := msg.Chat.ID
	username := ""
	if msg.From != nil {
		username = msg.From.Username
	}

	text := strings.TrimSpace(msg.Text)
	command, args := splitCommand(text)

	switch command {
	case "/start":
		// a fresh /start also closes the running conversation so the
		// next question opens a new one
		if err := b.store.RetireTelegramChat(ctx, chatID); err != nil {
			log.Printf("retire telegram chat %d: %v", chatID, err)
		}
		b.dispatch(ctx, chatID, username, "/start")
	case "/help":
		b.reply(ctx, chatID, helpText, nil)
	case "/quota":
		b.replyQuota(ctx, chatID, username)
	case "/ask":
		if args == "" {
			b.reply(ctx, chatID, "Cú pháp: /ask <câu hỏi>", nil)
			return
		}
		b.dispatch(ctx, chatID, username, args)
	default:
		b.dispatch(ctx, chatID, username, text)
	}
}

// dispatch pushes one message through the pipeline and answers the chat
// with the result, the registration prompt, or a local apology.
func (b *Bot) dispatch(ctx context.Context, chatID int64, username, text string) {
	conversationID := ""
	if active, err := b.store.ActiveForTelegramChat(ctx, chatID); err == nil && active != nil {
		conversationID = active.ID
	}

	reply, err := b.orchestrator.Handle(ctx, chat.Request{
		Platform:         models.PlatformTelegram,
		Message:          text,
		ConversationID:   conversationID,
		TelegramChatID:   chatID,
		TelegramUsername: username,
	})
	switch {
	case errors.Is(err, quota.ErrQuotaExceeded):
		b.reply(ctx, chatID, quotaExceededText, nil)
		return
	case err != nil:
		log.Printf("telegram chat %d: %v", chatID, err)
		b.reply(ctx, chatID, b.apology, nil)
		return
	}

	if reply.Onboarding {
		b.reply(ctx, chatID, reply.Text, promptMarkup(reply.Text))
		return
	}
	b.reply(ctx, chatID, reply.Text, removeKeyboard{RemoveKeyboard: true})
}

func (b *Bot) replyQuota(ctx context.Context, chatID int64, username string) {
	userID, err := b.flow.LinkedUserID(ctx, chatID)
	if err != nil {
		log.Printf("telegram chat %d quota lookup: %v", chatID, err)
		b.reply(ctx, chatID, b.apology, nil)
		return
	}
	if userID == "" {
		b.dispatch(ctx, chatID, username, "/quota")
		return
	}
	q, err := b.ledger.Get(ctx, userID)
	if err != nil {
		log.Printf("telegram chat %d quota lookup: %v", chatID, err)
		b.reply(ctx, chatID, b.apology, nil)
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf(
		"Hạn mức tháng này: %d token.\nĐã dùng: %d token.\nCòn lại: %d token.",
		q.MonthlyTokenLimit, q.UsedTokens, q.Remaining()), nil)
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string, markup any) {
	if err := b.api.sendMessage(ctx, chatID, text, markup); err != nil {
		log.Printf("telegram send to chat %d: %v", chatID, err)
	}
}

// promptMarkup picks the keyboard matching a registration prompt: the
// role keyboard while a role is being chosen, removal otherwise.
func promptMarkup(prompt string) any {
	switch prompt {
	case PromptChooseRole, PromptChooseRoleOnly:
		return roleKeyboard()
	default:
		return removeKeyboard{RemoveKeyboard: true}
	}
}

func splitCommand(text string) (string, string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	parts := strings.SplitN(text, " ", 2)
	command := strings.ToLower(parts[0])
	// commands may carry the bot name suffix, e.g. /start@MyBot
	if at := strings.Index(command, "@"); at > 0 {
		command = command[:at]
	}
	args := ""
	if len(parts) == 2 {
		args = strings.TrimSpace(parts[1])
	}
	return command, args
}
