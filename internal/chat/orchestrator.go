// Package chat sequences the inbound-message pipeline: identity
// resolution, quota enforcement, conversation persistence, the
// answer-generation call, and follow-up title generation.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"eduassist/internal/actor"
	"eduassist/internal/conversation"
	"eduassist/internal/models"
	"eduassist/internal/quota"
	"eduassist/internal/rag"
	"eduassist/internal/worker"
)

// ErrDelegateUnavailable wraps answer-generation failures so transports
// can answer with their own apology.
var ErrDelegateUnavailable = errors.New("answer generation unavailable")

// Onboarding gates Telegram traffic: a chat that has not completed
// registration only ever receives state-transition prompts.
type Onboarding interface {
	// Intercept advances the chat's registration flow when it is not yet
	// completed and returns the prompt to show. For completed chats it
	// reports the linked user id with intercepted == false.
	Intercept(ctx context.Context, chatID int64, username, text string) (prompt string, userID string, intercepted bool, err error)
}

// Request is one inbound message with its platform context.
type Request struct {
	Platform         string
	Message          string
	ConversationID   string
	SessionID        string
	UserID           string
	TelegramChatID   int64
	TelegramUsername string
	Model            string
}

// Reply is the assistant's answer. Onboarding replies carry only a
// prompt; nothing was persisted and no conversation exists for them.
type Reply struct {
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Text           string `json:"response"`
	Metadata       string `json:"metadata,omitempty"`
	Onboarding     bool   `json:"-"`
}

// Orchestrator wires the pipeline's collaborators.
type Orchestrator struct {
	store      *conversation.Store
	ledger     *quota.Ledger
	delegate   rag.Delegate
	onboarding Onboarding
	titles     *worker.Dispatcher
}

func NewOrchestrator(store *conversation.Store, ledger *quota.Ledger, delegate rag.Delegate, onboarding Onboarding, titles *worker.Dispatcher) *Orchestrator {
	return &Orchestrator{
		store:      store,
		ledger:     ledger,
		delegate:   delegate,
		onboarding: onboarding,
		titles:     titles,
	}
}

// Handle runs the full pipeline for one inbound message.
//
// A delegate failure after the user message is persisted leaves that
// message in place: the orphaned turn preserves user intent for retry,
// and transports may answer with a local, unpersisted apology.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Reply, error) {
	ref, err := actor.Resolve(req.SessionID, req.UserID, req.TelegramChatID)
	if err != nil {
		return nil, err
	}

	if ref.Kind == actor.KindTelegramChat {
		if o.onboarding == nil {
			return nil, fmt.Errorf("telegram traffic not configured")
		}
		prompt, linkedUserID, intercepted, err := o.onboarding.Intercept(ctx, ref.ChatID, req.TelegramUsername, req.Message)
		if err != nil {
			return nil, err
		}
		if intercepted {
			return &Reply{Text: prompt, Onboarding: true}, nil
		}
		ref = ref.WithUser(linkedUserID)
	}

	if ref.Authenticated() {
		ok, err := o.ledger.Check(ctx, ref.UserID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, quota.ErrQuotaExceeded
		}
	}

	conv, err := o.store.GetOrCreate(ctx, ref, req.Platform, req.ConversationID, req.Message)
	if err != nil {
		return nil, err
	}

	if _, err := o.store.AppendMessage(ctx, conv.ID, models.RoleUser, req.Message, 0, ""); err != nil {
		return nil, err
	}

	history, err := o.store.History(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	// continuity is re-supplied through the conversation id; the
	// delegate keeps no state between calls
	resp, err := o.delegate.SendMessage(ctx, req.Message, conv.ID, nil, req.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDelegateUnavailable, err)
	}

	metadata := ""
	if len(resp.SourceDocuments) > 0 {
		if raw, err := json.Marshal(resp.SourceDocuments); err == nil {
			metadata = string(raw)
		}
	}

	aiMsg, err := o.store.AppendMessage(ctx, conv.ID, models.RoleAssistant, resp.Text, resp.TokensUsed, metadata)
	if err != nil {
		return nil, err
	}

	if len(history) <= 2 {
		o.scheduleTitle(conv.ID, req.Message, resp.Text)
	}

	if ref.Authenticated() {
		tokens := resp.TokensUsed
		if tokens <= 0 {
			tokens = quota.EstimateTokens(req.Message, resp.Text)
		}
		if err := o.ledger.Consume(ctx, ref.UserID, tokens); err != nil {
			return nil, err
		}
	}

	return &Reply{
		ConversationID: conv.ID,
		MessageID:      aiMsg.ID,
		Text:           resp.Text,
		Metadata:       metadata,
	}, nil
}

// scheduleTitle dispatches best-effort title generation off the reply
// path. Failures keep the seeded truncation title and never surface.
func (o *Orchestrator) scheduleTitle(conversationID, userMessage, aiResponse string) {
	if o.titles == nil {
		o.generateTitle(context.Background(), conversationID, userMessage, aiResponse)
		return
	}
	o.titles.TrySubmit(worker.Job{
		ConversationID: conversationID,
		Run: func(ctx context.Context) {
			o.generateTitle(ctx, conversationID, userMessage, aiResponse)
		},
	})
}

func (o *Orchestrator) generateTitle(ctx context.Context, conversationID, userMessage, aiResponse string) {
	title, err := o.delegate.GenerateTitle(ctx, userMessage, aiResponse)
	if err != nil {
		log.Printf("title generation for conversation %s failed: %v", conversationID, err)
		return
	}
	if title == "" {
		return
	}
	if err := o.store.UpdateTitle(ctx, conversationID, title); err != nil {
		log.Printf("title update for conversation %s failed: %v", conversationID, err)
	}
}
