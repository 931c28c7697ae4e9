// Package conversation persists conversation threads and their
// append-only message history.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"eduassist/internal/actor"
	"eduassist/internal/models"
	"eduassist/internal/redis"
)

// ErrNotFound is returned when an explicit conversation id is missing or
// not owned by the requesting actor.
var ErrNotFound = errors.New("conversation not found")

const titleMaxRunes = 50

// Store owns the conversations and messages tables. A redis-backed cache
// may serve ordered history reads; writes always go to the database and
// invalidate the cached thread.
type Store struct {
	db    *sql.DB
	cache *historyCache
}

func NewStore(db *sql.DB, cacheClient *redis.Client) *Store {
	return &Store{db: db, cache: newHistoryCache(cacheClient)}
}

// GetOrCreate returns the conversation the inbound message belongs to.
// An explicit id is loaded verbatim (ErrNotFound when missing or bound
// to a different actor). Anonymous web traffic reuses the active thread
// of its session; other actors open a new conversation. A new
// conversation's title is seeded from the first message.
func (s *Store) GetOrCreate(ctx context.Context, ref actor.Ref, platform, conversationID, firstMessage string) (*models.Conversation, error) {
	if conversationID != "" {
		conv, err := s.fetch(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if !ownedBy(conv, ref) {
			return nil, ErrNotFound
		}
		return conv, nil
	}

	if ref.Kind == actor.KindAnonymousSession {
		conv, err := s.activeForSession(ctx, ref.SessionID)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			return conv, nil
		}
	}

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Platform:  platform,
		Title:     SeedTitle(firstMessage),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	switch ref.Kind {
	case actor.KindAuthenticatedUser:
		conv.UserID = ref.UserID
		conv.SessionID = ref.SessionID
		conv.TelegramChatID = ref.ChatID
	case actor.KindTelegramChat:
		conv.TelegramChatID = ref.ChatID
	case actor.KindAnonymousSession:
		conv.SessionID = ref.SessionID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, session_id, telegram_chat_id, platform, title, is_active, is_deleted_by_user, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, 0, ?, ?)`,
		conv.ID, nullString(conv.UserID), nullString(conv.SessionID), nullInt64(conv.TelegramChatID),
		conv.Platform, nullString(conv.Title), conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// SeedTitle derives a conversation title from its first message: more
// than 50 runes truncates to the first 47 plus an ellipsis.
func SeedTitle(message string) string {
	runes := []rune(message)
	if len(runes) > titleMaxRunes {
		return string(runes[:titleMaxRunes-3]) + "..."
	}
	return message
}

// AppendMessage stores a message in creation order and touches the
// conversation's updated_at.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role models.Role, content string, tokensUsed int, metadata string) (*models.Message, error) {
	now := time.Now().UTC()
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		TokensUsed:     tokensUsed,
		Metadata:       metadata,
		CreatedAt:      now,
	}
	var tokens sql.NullInt64
	if tokensUsed > 0 {
		tokens = sql.NullInt64{Int64: int64(tokensUsed), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, tokens_used, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, role, content, tokens, nullString(metadata), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID,
	); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	s.cache.invalidate(ctx, conversationID)
	return msg, nil
}

// History returns the full ordered message sequence of a conversation.
// Each call reflects only what is persisted at call time.
func (s *Store) History(ctx context.Context, conversationID string) ([]*models.Message, error) {
	if msgs, ok := s.cache.load(ctx, conversationID); ok {
		return msgs, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, tokens_used, metadata, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.cache.store(ctx, conversationID, msgs)
	return msgs, nil
}

// UpdateTitle replaces the conversation title (used by the deferred
// title-generation job).
func (s *Store) UpdateTitle(ctx context.Context, conversationID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), conversationID,
	)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete hides the conversation from its owner. When requestingUserID
// is supplied, the conversation must belong to that user or be unbound.
func (s *Store) SoftDelete(ctx context.Context, conversationID, requestingUserID string) error {
	conv, err := s.fetch(ctx, conversationID)
	if err != nil {
		return err
	}
	if requestingUserID != "" && conv.UserID != "" && conv.UserID != requestingUserID {
		return ErrNotFound
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET is_deleted_by_user = 1, is_active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), conversationID,
	)
	if err != nil {
		return fmt.Errorf("soft delete conversation: %w", err)
	}
	s.cache.invalidate(ctx, conversationID)
	return nil
}

// SoftDeleteAll soft-deletes every visible conversation of a user and
// reports how many were affected.
func (s *Store) SoftDeleteAll(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, errors.New("user id is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET is_deleted_by_user = 1, is_active = 0, updated_at = ? WHERE user_id = ? AND is_deleted_by_user = 0`,
		time.Now().UTC(), userID,
	)
	if err != nil {
		return 0, fmt.Errorf("soft delete conversations: %w", err)
	}
	return res.RowsAffected()
}

// AdminDelete removes the conversation row outright; messages cascade.
func (s *Store) AdminDelete(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.cache.invalidate(ctx, conversationID)
	return nil
}

// Get loads one conversation with its ordered messages, enforcing
// ownership when requestingUserID is set.
func (s *Store) Get(ctx context.Context, conversationID, requestingUserID string) (*models.Conversation, []*models.Message, error) {
	conv, err := s.fetch(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if requestingUserID != "" && conv.UserID != "" && conv.UserID != requestingUserID {
		return nil, nil, ErrNotFound
	}
	msgs, err := s.History(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

// List pages through a user's or session's visible conversations, newest
// activity first.
func (s *Store) List(ctx context.Context, userID, sessionID string, page, pageSize int) ([]models.ConversationSummary, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var (
		where string
		arg   any
	)
	switch {
	case userID != "":
		where = "user_id = ?"
		arg = userID
	case sessionID != "":
		where = "session_id = ?"
		arg = sessionID
	default:
		return nil, 0, errors.New("user id or session id is required")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE `+where+` AND is_deleted_by_user = 0`, arg,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.title, c.platform, c.created_at, c.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		 FROM conversations c WHERE `+where+` AND is_deleted_by_user = 0
		 ORDER BY c.updated_at DESC LIMIT ? OFFSET ?`,
		arg, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var items []models.ConversationSummary
	for rows.Next() {
		var (
			item  models.ConversationSummary
			title sql.NullString
		)
		if err := rows.Scan(&item.ID, &title, &item.Platform, &item.CreatedAt, &item.UpdatedAt, &item.MessageCount); err != nil {
			return nil, 0, fmt.Errorf("scan conversation: %w", err)
		}
		item.Title = title.String
		items = append(items, item)
	}
	return items, total, rows.Err()
}

// ActiveForTelegramChat returns the chat's current thread, or nil when
// the chat has none (the bot then lets the pipeline open a new one).
func (s *Store) ActiveForTelegramChat(ctx context.Context, chatID int64) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, session_id, telegram_chat_id, platform, title, is_active, is_deleted_by_user, created_at, updated_at
		 FROM conversations
		 WHERE telegram_chat_id = ? AND is_active = 1 AND is_deleted_by_user = 0
		 ORDER BY updated_at DESC LIMIT 1`,
		chatID,
	)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return conv, nil
}

// RetireTelegramChat closes the chat's active threads so the next
// message starts a fresh conversation (used by /start).
func (s *Store) RetireTelegramChat(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET is_active = 0, updated_at = ? WHERE telegram_chat_id = ? AND is_active = 1`,
		time.Now().UTC(), chatID,
	)
	if err != nil {
		return fmt.Errorf("retire telegram threads: %w", err)
	}
	return nil
}

func (s *Store) activeForSession(ctx context.Context, sessionID string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, session_id, telegram_chat_id, platform, title, is_active, is_deleted_by_user, created_at, updated_at
		 FROM conversations
		 WHERE session_id = ? AND user_id IS NULL AND is_active = 1 AND is_deleted_by_user = 0
		 ORDER BY updated_at DESC LIMIT 1`,
		sessionID,
	)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return conv, nil
}

func (s *Store) fetch(ctx context.Context, conversationID string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, session_id, telegram_chat_id, platform, title, is_active, is_deleted_by_user, created_at, updated_at
		 FROM conversations WHERE id = ?`,
		conversationID,
	)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return conv, nil
}

func ownedBy(conv *models.Conversation, ref actor.Ref) bool {
	switch ref.Kind {
	case actor.KindAuthenticatedUser:
		return conv.UserID == "" || conv.UserID == ref.UserID
	case actor.KindTelegramChat:
		return conv.TelegramChatID == 0 || conv.TelegramChatID == ref.ChatID
	case actor.KindAnonymousSession:
		return conv.UserID == "" && (conv.SessionID == "" || conv.SessionID == ref.SessionID)
	default:
		return false
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv      models.Conversation
		userID    sql.NullString
		sessionID sql.NullString
		chatID    sql.NullInt64
		title     sql.NullString
	)
	err := row.Scan(&conv.ID, &userID, &sessionID, &chatID, &conv.Platform, &title,
		&conv.IsActive, &conv.IsDeletedByUser, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	conv.UserID = userID.String
	conv.SessionID = sessionID.String
	conv.TelegramChatID = chatID.Int64
	conv.Title = title.String
	return &conv, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m        models.Message
		tokens   sql.NullInt64
		metadata sql.NullString
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &tokens, &metadata, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.TokensUsed = int(tokens.Int64)
	m.Metadata = metadata.String
	return &m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
