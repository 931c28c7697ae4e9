package models

// RegistrationState is the onboarding position of a Telegram chat.
type RegistrationState string

const (
	RegistrationNone              RegistrationState = "none"
	RegistrationSelectingRole     RegistrationState = "selecting_role"
	RegistrationEnteringStudentID RegistrationState = "entering_student_id"
	RegistrationCompleted         RegistrationState = "completed"
)

// TelegramLink binds a Telegram chat to a user account. Created on first
// contact; the onboarding flow drives State to completed, at which point
// UserID is set and stays bound until the next /start. Version guards
// read-modify-write transitions.
type TelegramLink struct {
	ChatID   int64             `json:"chat_id"`
	UserID   string            `json:"user_id,omitempty"`
	Username string            `json:"username,omitempty"`
	State    RegistrationState `json:"state"`
	TempRole UserType          `json:"temp_role"`
	Version  int64             `json:"-"`
}
