package models

import "time"

// DefaultMonthlyTokenLimit applies when a quota row is created lazily.
const DefaultMonthlyTokenLimit int64 = 100_000

// UserQuota tracks a user's rolling monthly token budget. One row per
// user, created on first use. When LastResetDate falls more than a
// calendar month behind, the counter resets and the triggering request's
// consumption is credited instead of zero.
type UserQuota struct {
	UserID            string    `json:"user_id"`
	MonthlyTokenLimit int64     `json:"monthly_token_limit"`
	UsedTokens        int64     `json:"used_tokens"`
	LastResetDate     time.Time `json:"last_reset_date"`
}

// Remaining reports the unused part of the budget, never negative.
func (q *UserQuota) Remaining() int64 {
	if q.UsedTokens >= q.MonthlyTokenLimit {
		return 0
	}
	return q.MonthlyTokenLimit - q.UsedTokens
}
