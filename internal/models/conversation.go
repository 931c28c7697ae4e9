package models

import "time"

// Platforms a conversation can originate from.
const (
	PlatformWeb       = "web"
	PlatformWebPlugin = "web_plugin"
	PlatformTelegram  = "telegram"
)

// Conversation groups an ordered thread of messages bound to one actor.
// Exactly one of UserID, SessionID, TelegramChatID carries the binding;
// UserID is additionally set once a Telegram chat finishes onboarding.
type Conversation struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	TelegramChatID  int64     `json:"telegram_chat_id,omitempty"`
	Platform        string    `json:"platform"`
	Title           string    `json:"title,omitempty"`
	IsActive        bool      `json:"is_active"`
	IsDeletedByUser bool      `json:"is_deleted_by_user"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ConversationSummary is the list-view projection of a conversation.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Platform     string    `json:"platform"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
