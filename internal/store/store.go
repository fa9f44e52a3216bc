package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrEmailTaken       = errors.New("email already registered")
	ErrInvalidRole      = errors.New("invalid message role")
)

// DefaultRecentLimit is used by ListRecent when the caller passes a non-positive limit.
const DefaultRecentLimit = 10

// RecordStore persists conversation records for the three page kinds.
// Every method is scoped by owner; records of other owners behave as missing.
type RecordStore interface {
	Ping(ctx context.Context) error
	Close() error

	CreateSession(ctx context.Context, owner string, kind Kind, title string) (string, error)
	// AppendMessages appends all msgs in one atomic write and bumps UpdatedAt.
	AppendMessages(ctx context.Context, owner string, kind Kind, id string, msgs ...Message) error
	GetSession(ctx context.Context, owner string, kind Kind, id string) (*ConversationRecord, error)
	ListRecent(ctx context.Context, owner string, kind Kind, limit int) ([]Summary, error)
}

// UserStore is the identity directory behind the auth provider.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetOrCreateFederatedUser(ctx context.Context, email, displayName, provider string) (*User, error)
}

// Store is what every backend implements.
type Store interface {
	RecordStore
	UserStore
}

// Open constructs the backend named by driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return NewSQLiteStore(dsn)
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, dsn)
	case "bolt", "bbolt":
		return NewBoltStore(dsn)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func checkScope(owner string, kind Kind) error {
	if owner == "" {
		return ErrNotAuthenticated
	}
	if _, ok := ParseKind(string(kind)); !ok {
		return fmt.Errorf("unknown kind %q", kind)
	}
	return nil
}

// prepareMessages validates roles and fills ids and timestamps.
func prepareMessages(msgs []Message) ([]Message, error) {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if m.Role != RoleUser && m.Role != RoleAI {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
		}
		if m.ID == "" {
			m.ID = ulid.Make().String()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now()
		}
		out[i] = m
	}
	return out, nil
}

func recentLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	return limit
}
