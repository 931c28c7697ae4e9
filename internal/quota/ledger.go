// Package quota tracks and enforces the rolling monthly token budget of
// authenticated users. Anonymous sessions never touch the ledger.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"eduassist/internal/models"
)

// ErrQuotaExceeded signals the monthly budget is spent. Callers must
// check before any persistence or delegate call.
var ErrQuotaExceeded = errors.New("monthly token quota exceeded")

const casAttempts = 5

// Ledger persists per-user quota rows and applies the calendar-month
// rollover. Updates compare used_tokens as a poor man's version column
// and retry on conflict, so two concurrent consumers never lose a charge.
type Ledger struct {
	db           *sql.DB
	defaultLimit int64
	now          func() time.Time
}

func NewLedger(db *sql.DB, defaultLimit int64) *Ledger {
	if defaultLimit <= 0 {
		defaultLimit = models.DefaultMonthlyTokenLimit
	}
	return &Ledger{db: db, defaultLimit: defaultLimit, now: time.Now}
}

// Check reports whether the user may spend tokens. It lazily creates the
// quota row and, when the reset window has elapsed, zeroes the counter
// before deciding. Repeated calls with no consumption in between return
// the same answer.
func (l *Ledger) Check(ctx context.Context, userID string) (bool, error) {
	q, err := l.getOrCreate(ctx, userID)
	if err != nil {
		return false, err
	}
	if l.resetDue(q) {
		if err := l.casUpdate(ctx, q, 0, l.now().UTC()); err != nil {
			return false, err
		}
		return true, nil
	}
	return q.UsedTokens < q.MonthlyTokenLimit, nil
}

// Consume charges tokens against the budget. A non-positive count is
// clamped to 1 so progress stays monotonic even when the upstream token
// count is unavailable. When the reset window has elapsed the counter
// restarts at the charged amount rather than zero, so the triggering
// request is not lost.
func (l *Ledger) Consume(ctx context.Context, userID string, tokens int) error {
	charge := int64(tokens)
	if charge <= 0 {
		charge = 1
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		q, err := l.getOrCreate(ctx, userID)
		if err != nil {
			return err
		}
		newUsed := q.UsedTokens + charge
		resetAt := q.LastResetDate
		if l.resetDue(q) {
			newUsed = charge
			resetAt = l.now().UTC()
		}
		err = l.casUpdate(ctx, q, newUsed, resetAt)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errCASConflict) {
			return err
		}
	}
	return fmt.Errorf("consume quota for user %s: too many concurrent updates", userID)
}

// Get returns the current quota row, creating it if absent.
func (l *Ledger) Get(ctx context.Context, userID string) (*models.UserQuota, error) {
	return l.getOrCreate(ctx, userID)
}

// SetLimit overrides the user's monthly budget (admin operation).
func (l *Ledger) SetLimit(ctx context.Context, userID string, limit int64) error {
	if limit <= 0 {
		return errors.New("limit must be positive")
	}
	if _, err := l.getOrCreate(ctx, userID); err != nil {
		return err
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE user_quotas SET monthly_token_limit = ? WHERE user_id = ?`,
		limit, userID,
	)
	if err != nil {
		return fmt.Errorf("set quota limit: %w", err)
	}
	return nil
}

// EstimateTokens approximates usage from character counts when the
// delegate reports none: (promptLen + replyLen) / 4. Counting runes,
// not bytes, keeps the estimate stable for accented text.
func EstimateTokens(prompt, reply string) int {
	est := (utf8.RuneCountInString(prompt) + utf8.RuneCountInString(reply)) / 4
	if est <= 0 {
		est = 1
	}
	return est
}

func (l *Ledger) resetDue(q *models.UserQuota) bool {
	return q.LastResetDate.Before(l.now().UTC().AddDate(0, -1, 0))
}

var errCASConflict = errors.New("quota row changed concurrently")

func (l *Ledger) casUpdate(ctx context.Context, q *models.UserQuota, used int64, resetAt time.Time) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE user_quotas SET used_tokens = ?, last_reset_date = ? WHERE user_id = ? AND used_tokens = ?`,
		used, resetAt, q.UserID, q.UsedTokens,
	)
	if err != nil {
		return fmt.Errorf("update quota: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update quota: %w", err)
	}
	if affected == 0 {
		return errCASConflict
	}
	return nil
}

func (l *Ledger) getOrCreate(ctx context.Context, userID string) (*models.UserQuota, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	q, err := l.fetch(ctx, userID)
	if err == nil {
		return q, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	now := l.now().UTC()
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO user_quotas (user_id, monthly_token_limit, used_tokens, last_reset_date) VALUES (?, ?, 0, ?)`,
		userID, l.defaultLimit, now,
	)
	if err != nil {
		// a concurrent request may have created the row first
		if q, fetchErr := l.fetch(ctx, userID); fetchErr == nil {
			return q, nil
		}
		return nil, fmt.Errorf("create quota row: %w", err)
	}
	return &models.UserQuota{
		UserID:            userID,
		MonthlyTokenLimit: l.defaultLimit,
		UsedTokens:        0,
		LastResetDate:     now,
	}, nil
}

func (l *Ledger) fetch(ctx context.Context, userID string) (*models.UserQuota, error) {
	var q models.UserQuota
	err := l.db.QueryRowContext(ctx,
		`SELECT user_id, monthly_token_limit, used_tokens, last_reset_date FROM user_quotas WHERE user_id = ?`,
		userID,
	).Scan(&q.UserID, &q.MonthlyTokenLimit, &q.UsedTokens, &q.LastResetDate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch quota: %w", err)
	}
	return &q, nil
}
