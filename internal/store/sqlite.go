package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	if dataSourceName == "" {
		dataSourceName = "tutor.db"
	}
	inMemory := strings.Contains(dataSourceName, ":memory:")
	if !inMemory {
		if dir := filepath.Dir(dataSourceName); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	dsn := dataSourceName
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if inMemory {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY, -- UUID
        email TEXT UNIQUE NOT NULL,
        display_name TEXT NOT NULL DEFAULT '',
        password_hash TEXT NOT NULL DEFAULT '',
        provider TEXT NOT NULL DEFAULT 'password',
        created_at INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY, -- UUID
        owner_id TEXT NOT NULL,
        kind TEXT NOT NULL CHECK (kind IN ('chat', 'study', 'vision')),
        title TEXT NOT NULL,
        created_at INTEGER NOT NULL, -- unix nanoseconds
        updated_at INTEGER NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_sessions_recent ON sessions (owner_id, kind, updated_at DESC);

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- ULID
        session_id TEXT NOT NULL,
        seq INTEGER NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'ai')),
        text TEXT NOT NULL,
        timestamp INTEGER NOT NULL,
        extra_json TEXT,
        UNIQUE (session_id, seq),
        FOREIGN KEY (session_id) REFERENCES sessions (id)
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods
func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Provider == "" {
		u.Provider = "password"
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, display_name, password_hash, provider, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		u.ID, u.Email, u.DisplayName, u.PasswordHash, u.Provider, u.CreatedAt.UnixNano())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrEmailTaken
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, "SELECT id, email, display_name, password_hash, provider, created_at FROM users WHERE email = ?", email)
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, "SELECT id, email, display_name, password_hash, provider, created_at FROM users WHERE id = ?", id)
}

func (s *SQLiteStore) getUser(ctx context.Context, query string, arg string) (*User, error) {
	var user User
	var created int64
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.Provider, &created)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	user.CreatedAt = time.Unix(0, created).UTC()
	return &user, nil
}

func (s *SQLiteStore) GetOrCreateFederatedUser(ctx context.Context, email, displayName, provider string) (*User, error) {
	user, err := s.GetUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	user = &User{Email: email, DisplayName: displayName, Provider: provider}
	if err := s.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return s.GetUserByEmail(ctx, email)
		}
		return nil, err
	}
	return user, nil
}

// Session methods
func (s *SQLiteStore) CreateSession(ctx context.Context, owner string, kind Kind, title string) (string, error) {
	if err := checkScope(owner, kind); err != nil {
		return "", err
	}
	if title == "" {
		title = kind.Placeholder()
	}
	id := uuid.NewString()
	now := time.Now().UTC().UnixNano()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, owner_id, kind, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, owner, string(kind), title, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to execute session insert: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) AppendMessages(ctx context.Context, owner string, kind Kind, id string, msgs ...Message) error {
	if err := checkScope(owner, kind); err != nil {
		return err
	}
	prepared, err := prepareMessages(msgs)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	var title string
	var count int
	err = tx.QueryRowContext(ctx,
		"SELECT title, (SELECT COUNT(*) FROM messages WHERE session_id = s.id) FROM sessions s WHERE id = ? AND owner_id = ? AND kind = ?",
		id, owner, string(kind)).Scan(&title, &count)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load session for append: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO messages (id, session_id, seq, role, text, timestamp, extra_json) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range prepared {
		var extra sql.NullString
		if len(m.Extra) > 0 {
			b, err := json.Marshal(m.Extra)
			if err != nil {
				return fmt.Errorf("failed to marshal message extra: %w", err)
			}
			extra = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, m.ID, id, count+i, m.Role, m.Text, m.Timestamp.UnixNano(), extra); err != nil {
			return fmt.Errorf("failed to execute message insert: %w", err)
		}
	}

	newTitle, _ := nextTitle(kind, title, count, prepared)
	if _, err := tx.ExecContext(ctx, "UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?", newTitle, time.Now().UTC().UnixNano(), id); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetSession(ctx context.Context, owner string, kind Kind, id string) (*ConversationRecord, error) {
	if err := checkScope(owner, kind); err != nil {
		return nil, err
	}
	rec := ConversationRecord{ID: id, OwnerID: owner, Kind: kind}
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT title, created_at, updated_at FROM sessions WHERE id = ? AND owner_id = ? AND kind = ?",
		id, owner, string(kind)).Scan(&rec.Title, &created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()

	rows, err := s.db.QueryContext(ctx, "SELECT id, role, text, timestamp, extra_json FROM messages WHERE session_id = ? ORDER BY seq ASC", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	rec.Messages = []Message{}
	for rows.Next() {
		var msg Message
		var ts int64
		var extra sql.NullString
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Text, &ts, &extra); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.Timestamp = time.Unix(0, ts).UTC()
		if extra.Valid && extra.String != "" {
			if err := json.Unmarshal([]byte(extra.String), &msg.Extra); err != nil {
				return nil, fmt.Errorf("failed to decode message extra: %w", err)
			}
		}
		rec.Messages = append(rec.Messages, msg)
	}
	return &rec, rows.Err()
}

func (s *SQLiteStore) ListRecent(ctx context.Context, owner string, kind Kind, limit int) ([]Summary, error) {
	if err := checkScope(owner, kind); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, updated_at FROM sessions WHERE owner_id = ? AND kind = ? ORDER BY updated_at DESC LIMIT ?",
		owner, string(kind), recentLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var sum Summary
		var updated int64
		if err := rows.Scan(&sum.ID, &sum.Title, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sum.UpdatedAt = time.Unix(0, updated).UTC()
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}
