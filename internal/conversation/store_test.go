package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"eduassist/internal/actor"
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

func insertUser(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)`,
		id, "user_"+id, time.Now().UTC())
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func sessionRef(sessionID string) actor.Ref {
	ref, _ := actor.Resolve(sessionID, "", 0)
	return ref
}

func userRef(userID string) actor.Ref {
	ref, _ := actor.Resolve("", userID, 0)
	return ref
}

func TestGetOrCreateSeedsTitle(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	store := NewStore(db, nil)

	conv, err := store.GetOrCreate(context.Background(), sessionRef("s1"), models.PlatformWeb, "", "Xin chào")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if conv.Title != "Xin chào" {
		t.Fatalf("expected seeded title, got %q", conv.Title)
	}
	if !conv.IsActive || conv.SessionID != "s1" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
}

func TestSeedTitleTruncates(t *testing.T) {
	long := strings.Repeat("x", 60)
	got := SeedTitle(long)
	if got != strings.Repeat("x", 47)+"..." {
		t.Fatalf("unexpected truncation: %q", got)
	}
	if SeedTitle("short") != "short" {
		t.Fatalf("short titles must pass through")
	}
}

func TestAnonymousSessionReusesActiveConversation(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	store := NewStore(db, nil)
	ctx := context.Background()

	first, err := store.GetOrCreate(ctx, sessionRef("s1"), models.PlatformWeb, "", "hello")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := store.GetOrCreate(ctx, sessionRef("s1"), models.PlatformWeb, "", "again")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("same session must reuse the active conversation")
	}

	other, err := store.GetOrCreate(ctx, sessionRef("s2"), models.PlatformWeb, "", "hi")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("different sessions must not share a conversation")
	}
}

func TestAuthenticatedUserOpensNewConversations(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertUser(t, db, "u1")
	store := NewStore(db, nil)
	ctx := context.Background()

	first, _ := store.GetOrCreate(ctx, userRef("u1"), models.PlatformWeb, "", "one")
	second, _ := store.GetOrCreate(ctx, userRef("u1"), models.PlatformWeb, "", "two")
	if first.ID == second.ID {
		t.Fatalf("authenticated sends without an explicit id must open new conversations")
	}

	threaded, err := store.GetOrCreate(ctx, userRef("u1"), models.PlatformWeb, first.ID, "three")
	if err != nil {
		t.Fatalf("GetOrCreate with explicit id: %v", err)
	}
	if threaded.ID != first.ID {
		t.Fatalf("explicit id must thread into the same conversation")
	}
}

func TestGetOrCreateRejectsForeignConversation(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertUser(t, db, "u1")
	insertUser(t, db, "u2")
	store := NewStore(db, nil)
	ctx := context.Background()

	conv, _ := store.GetOrCreate(ctx, userRef("u1"), models.PlatformWeb, "", "mine")
	if _, err := store.GetOrCreate(ctx, userRef("u2"), models.PlatformWeb, conv.ID, "steal"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign conversation, got %v", err)
	}
	if _, err := store.GetOrCreate(ctx, userRef("u1"), models.PlatformWeb, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestHistoryOrdering(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	store := NewStore(db, nil)
	ctx := context.Background()

	conv, _ := store.GetOrCreate(ctx, sessionRef("s1"), models.PlatformWeb, "", "q1")
	if _, err := store.AppendMessage(ctx, conv.ID, models.RoleUser, "q1", 0, ""); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := store.AppendMessage(ctx, conv.ID, models.RoleAssistant, "a1", 12, ""); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := store.AppendMessage(ctx, conv.ID, models.RoleUser, "q2", 0, ""); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := store.History(ctx, conv.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	wantContent := []string{"q1", "a1", "q2"}
	wantRoles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleUser}
	for i, m := range msgs {
		if m.Content != wantContent[i] || m.Role != wantRoles[i] {
			t.Fatalf("message %d out of order: %+v", i, m)
		}
	}
	if msgs[1].TokensUsed != 12 {
		t.Fatalf("expected tokens on assistant message, got %d", msgs[1].TokensUsed)
	}
}

func TestSoftDeleteOwnership(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertUser(t, db, "u1")
	store := NewStore(db, nil)
	ctx := context.Background()

	conv, _ := store.GetOrCreate(ctx, userRef("u1"), models.PlatformWeb, "", "secret")

	if err := store.SoftDelete(ctx, conv.ID, "other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign delete must fail with ErrNotFound, got %v", err)
	}
	if err := store.SoftDelete(ctx, conv.ID, "u1"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	items, total, err := store.List(ctx, "u1", "", 1, 20)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 0 || len(items) != 0 {
		t.Fatalf("soft-deleted conversation must not be listed")
	}

	// history survives a soft delete
	if _, err := store.History(ctx, conv.ID); err != nil {
		t.Fatalf("History after soft delete: %v", err)
	}
}

func TestSoftDeleteAll(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertUser(t, db, "u1")
	store := NewStore(db, nil)
	ctx := context.Background()

	store.GetOrCreate(ctx, userRef("u1"), models.PlatformWeb, "", "one")
	store.GetOrCreate(ctx, userRef("u1"), models.PlatformWeb, "", "two")

	deleted, err := store.SoftDeleteAll(ctx, "u1")
	if err != nil {
		t.Fatalf("SoftDeleteAll: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}
	_, total, _ := store.List(ctx, "u1", "", 1, 20)
	if total != 0 {
		t.Fatalf("expected empty list after delete all")
	}
}

func TestAdminDeleteCascadesMessages(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	store := NewStore(db, nil)
	ctx := context.Background()

	conv, _ := store.GetOrCreate(ctx, sessionRef("s1"), models.PlatformWeb, "", "hi")
	store.AppendMessage(ctx, conv.ID, models.RoleUser, "hi", 0, "")

	if err := store.AdminDelete(ctx, conv.ID); err != nil {
		t.Fatalf("AdminDelete: %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conv.ID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("messages must cascade on hard delete, %d left", count)
	}
	if err := store.AdminDelete(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete must report ErrNotFound, got %v", err)
	}
}

func TestListPagination(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertUser(t, db, "u1")
	store := NewStore(db, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		conv, _ := store.GetOrCreate(ctx, userRef("u1"), models.PlatformWeb, "", fmt.Sprintf("msg %d", i))
		store.AppendMessage(ctx, conv.ID, models.RoleUser, "hello", 0, "")
	}

	items, total, err := store.List(ctx, "u1", "", 1, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 || len(items) != 2 {
		t.Fatalf("expected total 5 page of 2, got total=%d len=%d", total, len(items))
	}
	if items[0].MessageCount != 1 {
		t.Fatalf("expected message count 1, got %d", items[0].MessageCount)
	}
}

func TestTelegramActiveAndRetire(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	store := NewStore(db, nil)
	ctx := context.Background()

	ref, _ := actor.Resolve("", "", 42)
	conv, _ := store.GetOrCreate(ctx, ref, models.PlatformTelegram, "", "hi")

	active, err := store.ActiveForTelegramChat(ctx, 42)
	if err != nil {
		t.Fatalf("ActiveForTelegramChat: %v", err)
	}
	if active == nil || active.ID != conv.ID {
		t.Fatalf("expected the open conversation, got %+v", active)
	}

	if err := store.RetireTelegramChat(ctx, 42); err != nil {
		t.Fatalf("RetireTelegramChat: %v", err)
	}
	active, err = store.ActiveForTelegramChat(ctx, 42)
	if err != nil {
		t.Fatalf("ActiveForTelegramChat: %v", err)
	}
	if active != nil {
		t.Fatalf("retired chat must have no active conversation")
	}
}

func TestUpdateTitle(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	store := NewStore(db, nil)
	ctx := context.Background()

	conv, _ := store.GetOrCreate(ctx, sessionRef("s1"), models.PlatformWeb, "", "hello")
	if err := store.UpdateTitle(ctx, conv.ID, "Generated Title"); err != nil {
		t.Fatalf("UpdateTitle: %v", err)
	}
	got, _, err := store.Get(ctx, conv.ID, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Generated Title" {
		t.Fatalf("expected updated title, got %q", got.Title)
	}
	if err := store.UpdateTitle(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
