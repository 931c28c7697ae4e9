package models

import "time"

// UserType distinguishes the audience a user belongs to.
type UserType string

const (
	UserTypeUnknown UserType = "unknown"
	UserTypeStudent UserType = "student"
	UserTypeStaff   UserType = "staff"
)

// User is an account that conversations and quota bind to. Web users
// register with credentials; Telegram users are created by the onboarding
// flow with placeholder names.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	StudentID    string    `json:"student_id,omitempty"`
	UserType     UserType  `json:"user_type"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}
