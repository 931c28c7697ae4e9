package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"eduassist/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the configured database. For sqlite the DSN "memory"
// selects a shared in-memory database, which the tests also use.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "sqlite3":
		dsn := cfg.DSN
		if dsn == "" || dsn == "memory" {
			dsn = "file::memory:?cache=shared"
		}
		// connection-scoped pragma, so it has to ride on the DSN
		if strings.Contains(dsn, "?") {
			dsn += "&_foreign_keys=on"
		} else {
			dsn += "?_foreign_keys=on"
		}
		db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
	case "mysql":
		params := cfg.Params
		if params == "" {
			params = "parseTime=true"
		} else if !strings.Contains(params, "parseTime") {
			params += "&parseTime=true"
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			cfg.Username,
			cfg.Password,
			cfg.Host,
			cfg.Port,
			cfg.DBName,
			params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				username TEXT NOT NULL UNIQUE,
				email TEXT NOT NULL DEFAULT '',
				first_name TEXT NOT NULL DEFAULT '',
				last_name TEXT NOT NULL DEFAULT '',
				student_id TEXT,
				user_type TEXT NOT NULL DEFAULT 'unknown',
				password_hash TEXT,
				is_active INTEGER NOT NULL DEFAULT 1,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS user_tokens (
				token TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS conversations (
				id TEXT PRIMARY KEY,
				user_id TEXT,
				session_id TEXT,
				telegram_chat_id INTEGER,
				platform TEXT NOT NULL,
				title TEXT,
				is_active INTEGER NOT NULL DEFAULT 1,
				is_deleted_by_user INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE SET NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_chat ON conversations(telegram_chat_id)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				tokens_used INTEGER,
				metadata TEXT,
				created_at DATETIME NOT NULL,
				FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS user_quotas (
				user_id TEXT PRIMARY KEY,
				monthly_token_limit INTEGER NOT NULL,
				used_tokens INTEGER NOT NULL DEFAULT 0,
				last_reset_date DATETIME NOT NULL,
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS telegram_links (
				chat_id INTEGER PRIMARY KEY,
				user_id TEXT,
				username TEXT NOT NULL DEFAULT '',
				state TEXT NOT NULL DEFAULT 'none',
				temp_role TEXT NOT NULL DEFAULT 'unknown',
				version INTEGER NOT NULL DEFAULT 0,
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE SET NULL
			)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id VARCHAR(36) PRIMARY KEY,
				username VARCHAR(190) NOT NULL UNIQUE,
				email VARCHAR(190) NOT NULL DEFAULT '',
				first_name VARCHAR(190) NOT NULL DEFAULT '',
				last_name VARCHAR(190) NOT NULL DEFAULT '',
				student_id VARCHAR(64),
				user_type VARCHAR(16) NOT NULL DEFAULT 'unknown',
				password_hash VARCHAR(128),
				is_active TINYINT(1) NOT NULL DEFAULT 1,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS user_tokens (
				token VARCHAR(64) PRIMARY KEY,
				user_id VARCHAR(36) NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS conversations (
				id VARCHAR(36) PRIMARY KEY,
				user_id VARCHAR(36),
				session_id VARCHAR(190),
				telegram_chat_id BIGINT,
				platform VARCHAR(32) NOT NULL,
				title VARCHAR(255),
				is_active TINYINT(1) NOT NULL DEFAULT 1,
				is_deleted_by_user TINYINT(1) NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				INDEX idx_conversations_session (session_id),
				INDEX idx_conversations_chat (telegram_chat_id),
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE SET NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id VARCHAR(36) PRIMARY KEY,
				conversation_id VARCHAR(36) NOT NULL,
				role VARCHAR(16) NOT NULL,
				content TEXT NOT NULL,
				tokens_used INT,
				metadata TEXT,
				created_at DATETIME NOT NULL,
				INDEX idx_messages_conversation (conversation_id, created_at),
				FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS user_quotas (
				user_id VARCHAR(36) PRIMARY KEY,
				monthly_token_limit BIGINT NOT NULL,
				used_tokens BIGINT NOT NULL DEFAULT 0,
				last_reset_date DATETIME NOT NULL,
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS telegram_links (
				chat_id BIGINT PRIMARY KEY,
				user_id VARCHAR(36),
				username VARCHAR(190) NOT NULL DEFAULT '',
				state VARCHAR(32) NOT NULL DEFAULT 'none',
				temp_role VARCHAR(16) NOT NULL DEFAULT 'unknown',
				version BIGINT NOT NULL DEFAULT 0,
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE SET NULL
			)`,
		}
	default:
		return fmt.Errorf("unsupported driver: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
