// Package telegram carries the bot transport and the chat-registration
// flow that links Telegram chats to user accounts.
package telegram

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"eduassist/internal/models"
)

// Prompts shown during registration. The bot attaches the role keyboard
// whenever it sends PromptChooseRole.
const (
	PromptChooseRole     = "Chào mừng bạn đến với trợ lý học tập! Bạn là Sinh viên hay Cán bộ?"
	PromptChooseRoleOnly = "Vui lòng chọn vai trò của bạn: Sinh viên hoặc Cán bộ."
	PromptStudentID      = "Vui lòng nhập mã số sinh viên của bạn:"
	PromptStudentIDBad   = "Mã số sinh viên không hợp lệ. Vui lòng nhập lại (tối thiểu 4 ký tự):"
	PromptRegistered     = "Đăng ký thành công! Bạn có thể bắt đầu đặt câu hỏi ngay bây giờ."
)

const linkCASAttempts = 5

var errLinkConflict = errors.New("telegram link modified concurrently")

// outcome is one row of the transition table: the state to move to,
// the prompt to show, and whether the move completes registration.
type outcome struct {
	next      models.RegistrationState
	prompt    string
	completes bool
}

// transitions is keyed by (current state, input class). Inputs with no
// entry for the current state fall back to the state's InputText row.
var transitions = map[models.RegistrationState]map[InputClass]outcome{
	models.RegistrationNone: {
		InputText: {next: models.RegistrationSelectingRole, prompt: PromptChooseRole},
	},
	models.RegistrationSelectingRole: {
		InputStart:   {next: models.RegistrationSelectingRole, prompt: PromptChooseRole},
		InputStudent: {next: models.RegistrationEnteringStudentID, prompt: PromptStudentID},
		InputStaff:   {next: models.RegistrationCompleted, prompt: PromptRegistered, completes: true},
		InputText:    {next: models.RegistrationSelectingRole, prompt: PromptChooseRoleOnly},
	},
	models.RegistrationEnteringStudentID: {
		InputStart: {next: models.RegistrationSelectingRole, prompt: PromptChooseRole},
		InputText:  {next: models.RegistrationCompleted, prompt: PromptRegistered, completes: true},
	},
	models.RegistrationCompleted: {
		InputStart: {next: models.RegistrationSelectingRole, prompt: PromptChooseRole},
	},
}

// Flow drives chat registration. It persists progress in
// telegram_links with a version check so two racing updates for the
// same chat cannot both win.
type Flow struct {
	db         *sql.DB
	classifier InputClassifier
}

func NewFlow(db *sql.DB, classifier InputClassifier) *Flow {
	if classifier == nil {
		classifier = KeywordClassifier{}
	}
	return &Flow{db: db, classifier: classifier}
}

// Intercept advances the registration flow for the chat. Completed
// chats pass through with their linked user id unless the message
// restarts registration.
func (f *Flow) Intercept(ctx context.Context, chatID int64, username, text string) (string, string, bool, error) {
	class := f.classifier.Classify(text)

	for attempt := 0; attempt < linkCASAttempts; attempt++ {
		link, err := f.getOrCreateLink(ctx, chatID, username)
		if err != nil {
			return "", "", false, err
		}

		if link.State == models.RegistrationCompleted && class != InputStart {
			return "", link.UserID, false, nil
		}

		out, ok := transitions[link.State][class]
		if !ok {
			out = transitions[link.State][InputText]
		}

		next := *link
		next.Username = username
		next.State = out.next
		prompt := out.prompt

		switch {
		case link.State == models.RegistrationSelectingRole && class == InputStudent:
			next.TempRole = models.UserTypeStudent
		case link.State == models.RegistrationSelectingRole && class == InputStaff:
			next.TempRole = models.UserTypeStaff
		case link.State == models.RegistrationEnteringStudentID && class != InputStart:
			if !validStudentID(text) {
				next.State = models.RegistrationEnteringStudentID
				prompt = PromptStudentIDBad
				out.completes = false
			}
		}

		if out.completes && next.State == models.RegistrationCompleted {
			userID, err := f.resolveUser(ctx, &next, text)
			if err != nil {
				return "", "", false, err
			}
			next.UserID = userID
		}

		err = f.saveLink(ctx, &next, link.Version)
		if errors.Is(err, errLinkConflict) {
			continue
		}
		if err != nil {
			return "", "", false, err
		}
		return prompt, "", true, nil
	}
	return "", "", false, fmt.Errorf("intercept chat %d: %w", chatID, errLinkConflict)
}

// LinkedUserID reports the user bound to a completed chat, or "" when
// the chat has not finished registration.
func (f *Flow) LinkedUserID(ctx context.Context, chatID int64) (string, error) {
	var userID sql.NullString
	var state string
	err := f.db.QueryRowContext(ctx,
		`SELECT user_id, state FROM telegram_links WHERE chat_id = ?`, chatID,
	).Scan(&userID, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load telegram link: %w", err)
	}
	if models.RegistrationState(state) != models.RegistrationCompleted {
		return "", nil
	}
	return userID.String, nil
}

func (f *Flow) getOrCreateLink(ctx context.Context, chatID int64, username string) (*models.TelegramLink, error) {
	link, err := f.loadLink(ctx, chatID)
	if err == nil || !errors.Is(err, sql.ErrNoRows) {
		return link, err
	}
	_, err = f.db.ExecContext(ctx,
		`INSERT INTO telegram_links (chat_id, username, state, temp_role, version) VALUES (?, ?, ?, ?, 0)`,
		chatID, username, models.RegistrationNone, models.UserTypeUnknown,
	)
	if err != nil {
		// lost the insert race, the other writer's row wins
		if link, loadErr := f.loadLink(ctx, chatID); loadErr == nil {
			return link, nil
		}
		return nil, fmt.Errorf("create telegram link: %w", err)
	}
	return f.loadLink(ctx, chatID)
}

func (f *Flow) loadLink(ctx context.Context, chatID int64) (*models.TelegramLink, error) {
	var link models.TelegramLink
	var userID sql.NullString
	err := f.db.QueryRowContext(ctx,
		`SELECT chat_id, user_id, username, state, temp_role, version FROM telegram_links WHERE chat_id = ?`,
		chatID,
	).Scan(&link.ChatID, &userID, &link.Username, &link.State, &link.TempRole, &link.Version)
	if err != nil {
		return nil, err
	}
	link.UserID = userID.String
	return &link, nil
}

func (f *Flow) saveLink(ctx context.Context, link *models.TelegramLink, expectVersion int64) error {
	var userID any
	if link.UserID != "" {
		userID = link.UserID
	}
	res, err := f.db.ExecContext(ctx,
		`UPDATE telegram_links SET user_id = ?, username = ?, state = ?, temp_role = ?, version = version + 1
		 WHERE chat_id = ? AND version = ?`,
		userID, link.Username, link.State, link.TempRole, link.ChatID, expectVersion,
	)
	if err != nil {
		return fmt.Errorf("save telegram link: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save telegram link: %w", err)
	}
	if affected == 0 {
		return errLinkConflict
	}
	return nil
}

// resolveUser binds the chat to an existing account when one matches,
// otherwise creates a placeholder account for the chat. A chat that
// re-registers keeps its previously linked user.
func (f *Flow) resolveUser(ctx context.Context, link *models.TelegramLink, text string) (string, error) {
	if link.UserID != "" {
		return link.UserID, nil
	}

	var lookup, arg string
	studentID := ""
	if link.TempRole == models.UserTypeStudent {
		studentID = strings.TrimSpace(text)
		lookup, arg = `SELECT id FROM users WHERE student_id = ?`, studentID
	} else {
		lookup, arg = `SELECT id FROM users WHERE username = ?`, f.usernameFor(link)
	}

	var id string
	err := f.db.QueryRowContext(ctx, lookup, arg).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup user: %w", err)
	}

	id = uuid.NewString()
	_, err = f.db.ExecContext(ctx,
		`INSERT INTO users (id, username, first_name, last_name, student_id, user_type, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		id, f.usernameFor(link), "Telegram", roleDisplay(link.TempRole), nullableString(studentID), link.TempRole, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("create user for chat %d: %w", link.ChatID, err)
	}
	return id, nil
}

func (f *Flow) usernameFor(link *models.TelegramLink) string {
	if link.Username != "" {
		return link.Username
	}
	return fmt.Sprintf("User_%d", link.ChatID)
}

func roleDisplay(role models.UserType) string {
	if role == models.UserTypeStaff {
		return "Cán bộ"
	}
	return "Sinh viên"
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
