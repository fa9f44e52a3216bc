package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresStore keeps records in PostgreSQL through a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT 'password',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			owner_id TEXT NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('chat', 'study', 'vision')),
			title TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_recent ON sessions (owner_id, kind, updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES sessions (id),
			seq INTEGER NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('user', 'ai')),
			text TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			extra JSONB,
			UNIQUE (session_id, seq)
		);`)
	return err
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Provider == "" {
		u.Provider = "password"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, provider, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Email, u.DisplayName, u.PasswordHash, u.Provider, u.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, `SELECT id::text, email, display_name, password_hash, provider, created_at FROM users WHERE email = $1`, email)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return s.getUser(ctx, `SELECT id::text, email, display_name, password_hash, provider, created_at FROM users WHERE id = $1`, id)
}

func (s *PostgresStore) getUser(ctx context.Context, query, arg string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.Provider, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetOrCreateFederatedUser(ctx context.Context, email, displayName, provider string) (*User, error) {
	u, err := s.GetUserByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	u = &User{Email: email, DisplayName: displayName, Provider: provider}
	if err := s.CreateUser(ctx, u); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return s.GetUserByEmail(ctx, email)
		}
		return nil, err
	}
	return u, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, owner string, kind Kind, title string) (string, error) {
	if err := checkScope(owner, kind); err != nil {
		return "", err
	}
	if title == "" {
		title = kind.Placeholder()
	}
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, owner_id, kind, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())`,
		id, owner, string(kind), title,
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id.String(), nil
}

func (s *PostgresStore) AppendMessages(ctx context.Context, owner string, kind Kind, id string, msgs ...Message) error {
	if err := checkScope(owner, kind); err != nil {
		return err
	}
	sessionID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	prepared, err := prepareMessages(msgs)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var title string
	err = tx.QueryRow(ctx, `
		SELECT title FROM sessions
		WHERE id = $1 AND owner_id = $2 AND kind = $3
		FOR UPDATE`,
		sessionID, owner, string(kind),
	).Scan(&title)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock session: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = $1`, sessionID).Scan(&count); err != nil {
		return fmt.Errorf("count messages: %w", err)
	}

	for i, m := range prepared {
		_, err = tx.Exec(ctx, `
			INSERT INTO messages (id, session_id, seq, role, text, ts, extra)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			m.ID, sessionID, count+i, m.Role, m.Text, m.Timestamp, m.Extra,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	newTitle, _ := nextTitle(kind, title, count, prepared)
	if _, err := tx.Exec(ctx, `UPDATE sessions SET title = $1, updated_at = clock_timestamp() WHERE id = $2`, newTitle, sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetSession(ctx context.Context, owner string, kind Kind, id string) (*ConversationRecord, error) {
	if err := checkScope(owner, kind); err != nil {
		return nil, err
	}
	sessionID, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}

	rec := ConversationRecord{ID: id, OwnerID: owner, Kind: kind}
	err = s.pool.QueryRow(ctx, `
		SELECT title, created_at, updated_at FROM sessions
		WHERE id = $1 AND owner_id = $2 AND kind = $3`,
		sessionID, owner, string(kind),
	).Scan(&rec.Title, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query session: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, role, text, ts, extra FROM messages
		WHERE session_id = $1 ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	rec.Messages = []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Role, &m.Text, &m.Timestamp, &m.Extra); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		rec.Messages = append(rec.Messages, m)
	}
	return &rec, rows.Err()
}

func (s *PostgresStore) ListRecent(ctx context.Context, owner string, kind Kind, limit int) ([]Summary, error) {
	if err := checkScope(owner, kind); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, title, updated_at FROM sessions
		WHERE owner_id = $1 AND kind = $2
		ORDER BY updated_at DESC
		LIMIT $3`,
		owner, string(kind), recentLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
