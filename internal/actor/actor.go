// Package actor resolves an inbound message's platform context to the
// canonical identity conversations and quota bind to.
package actor

import "errors"

// ErrInvalidActor is returned when a message carries no identity source.
var ErrInvalidActor = errors.New("message has no identity source")

type Kind string

const (
	KindAnonymousSession  Kind = "anonymous_session"
	KindAuthenticatedUser Kind = "authenticated_user"
	KindTelegramChat      Kind = "telegram_chat"
)

// Ref is the resolved actor. Exactly one binding field is meaningful for
// the Kind; a Telegram ref additionally carries UserID once the chat's
// onboarding has completed.
type Ref struct {
	Kind      Kind
	SessionID string
	UserID    string
	ChatID    int64
}

// Resolve maps the request context to an actor. Precedence: an
// authenticated user id wins over a Telegram chat id, which wins over an
// anonymous session id. Pure, no side effects.
func Resolve(sessionID, userID string, chatID int64) (Ref, error) {
	switch {
	case userID != "":
		return Ref{Kind: KindAuthenticatedUser, UserID: userID}, nil
	case chatID != 0:
		return Ref{Kind: KindTelegramChat, ChatID: chatID}, nil
	case sessionID != "":
		return Ref{Kind: KindAnonymousSession, SessionID: sessionID}, nil
	default:
		return Ref{}, ErrInvalidActor
	}
}

// Authenticated reports whether the ref is subject to quota enforcement.
func (r Ref) Authenticated() bool {
	return r.Kind == KindAuthenticatedUser && r.UserID != ""
}

// WithUser upgrades a Telegram ref to an authenticated one once the
// onboarding flow has produced a linked user id.
func (r Ref) WithUser(userID string) Ref {
	if userID == "" {
		return r
	}
	upgraded := r
	upgraded.Kind = KindAuthenticatedUser
	upgraded.UserID = userID
	return upgraded
}
