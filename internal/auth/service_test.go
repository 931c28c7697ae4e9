package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"eduassist/internal/config"
	"eduassist/internal/models"
	"eduassist/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := storage.Open(config.DatabaseConfig{Driver: "sqlite3", DSN: dsn})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func TestRegisterAndLogin(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, time.Hour)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{
		Username:  "maianh",
		Password:  "secret-1",
		StudentID: "SV777",
		UserType:  "student",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.ID == "" || user.UserType != models.UserTypeStudent {
		t.Fatalf("unexpected user: %+v", user)
	}

	var stored string
	if err := db.QueryRow(`SELECT password_hash FROM users WHERE id = ?`, user.ID).Scan(&stored); err != nil {
		t.Fatalf("load hash: %v", err)
	}
	if stored == "secret-1" || stored == "" {
		t.Fatalf("password must be stored hashed")
	}

	got, token, err := svc.Login(ctx, "maianh", "secret-1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != user.ID || token == "" {
		t.Fatalf("unexpected login result: id=%q token=%q", got.ID, token)
	}

	userID, err := svc.ValidateToken(ctx, token)
	if err != nil || userID != user.ID {
		t.Fatalf("ValidateToken: id=%q err=%v", userID, err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, time.Hour)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{Username: "maianh", Password: "secret-1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, _, err := svc.Login(ctx, "maianh", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody", "secret-1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, time.Hour)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{Username: "maianh", Password: "secret-1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Username: "maianh", Password: "secret-2"}); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, time.Hour)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{Username: "", Password: "secret-1"}); err == nil {
		t.Fatalf("empty username must be rejected")
	}
	if _, err := svc.Register(ctx, RegisterRequest{Username: "x", Password: "short"}); err == nil {
		t.Fatalf("short password must be rejected")
	}
	// unrecognized roles collapse to unknown
	user, err := svc.Register(ctx, RegisterRequest{Username: "y", Password: "secret-1", UserType: "admin"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.UserType != models.UserTypeUnknown {
		t.Fatalf("expected unknown user type, got %q", user.UserType)
	}
}

func TestTokenRevocation(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, time.Hour)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{Username: "maianh", Password: "secret-1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, err := svc.IssueToken(ctx, user.ID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("expected error after revoke")
	}

	t1, _ := svc.IssueToken(ctx, user.ID)
	t2, _ := svc.IssueToken(ctx, user.ID)
	if err := svc.RevokeUserTokens(ctx, user.ID); err != nil {
		t.Fatalf("RevokeUserTokens: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, t1); err == nil {
		t.Fatalf("expected error after revoke all")
	}
	if _, err := svc.ValidateToken(ctx, t2); err == nil {
		t.Fatalf("expected error after revoke all")
	}
}

func TestExpiredTokenIsPurged(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, 10*time.Millisecond)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{Username: "maianh", Password: "secret-1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, err := svc.IssueToken(ctx, user.ID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("expected expiry error")
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM user_tokens WHERE token = ?`, token).Scan(&count); err != nil {
		t.Fatalf("query tokens: %v", err)
	}
	if count != 0 {
		t.Fatalf("expired token not purged")
	}
}
