package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. Used in development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*User // by id
	emails   map[string]string
	sessions map[string]*ConversationRecord
	touched  map[string]uint64 // recency sequence, breaks UpdatedAt ties
	clock    uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    map[string]*User{},
		emails:   map[string]string{},
		sessions: map[string]*ConversationRecord{},
		touched:  map[string]uint64{},
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

func (s *MemoryStore) CreateUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(u.Email)
	if _, ok := s.emails[key]; ok {
		return ErrEmailTaken
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Provider == "" {
		u.Provider = "password"
	}
	cp := *u
	s.users[u.ID] = &cp
	s.emails[key] = u.ID
	return nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetOrCreateFederatedUser(ctx context.Context, email, displayName, provider string) (*User, error) {
	if u, err := s.GetUserByEmail(ctx, email); err == nil {
		return u, nil
	}
	u := &User{Email: email, DisplayName: displayName, Provider: provider}
	if err := s.CreateUser(ctx, u); err != nil {
		if err == ErrEmailTaken {
			return s.GetUserByEmail(ctx, email)
		}
		return nil, err
	}
	return u, nil
}

func (s *MemoryStore) CreateSession(_ context.Context, owner string, kind Kind, title string) (string, error) {
	if err := checkScope(owner, kind); err != nil {
		return "", err
	}
	if title == "" {
		title = kind.Placeholder()
	}
	now := time.Now().UTC()
	rec := &ConversationRecord{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		Kind:      kind,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []Message{},
	}
	s.mu.Lock()
	s.sessions[rec.ID] = rec
	s.touch(rec.ID)
	s.mu.Unlock()
	return rec.ID, nil
}

func (s *MemoryStore) lookup(owner string, kind Kind, id string) (*ConversationRecord, bool) {
	rec, ok := s.sessions[id]
	if !ok || rec.OwnerID != owner || rec.Kind != kind {
		return nil, false
	}
	return rec, true
}

func (s *MemoryStore) AppendMessages(_ context.Context, owner string, kind Kind, id string, msgs ...Message) error {
	if err := checkScope(owner, kind); err != nil {
		return err
	}
	prepared, err := prepareMessages(msgs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lookup(owner, kind, id)
	if !ok {
		return ErrNotFound
	}
	rec.Title, _ = nextTitle(kind, rec.Title, len(rec.Messages), prepared)
	for _, m := range prepared {
		rec.Messages = append(rec.Messages, cloneMessage(m))
	}
	rec.UpdatedAt = time.Now().UTC()
	s.touch(id)
	return nil
}

func (s *MemoryStore) touch(id string) {
	s.clock++
	s.touched[id] = s.clock
}

func (s *MemoryStore) GetSession(_ context.Context, owner string, kind Kind, id string) (*ConversationRecord, error) {
	if err := checkScope(owner, kind); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.lookup(owner, kind, id)
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.Messages = make([]Message, len(rec.Messages))
	for i, m := range rec.Messages {
		cp.Messages[i] = cloneMessage(m)
	}
	return &cp, nil
}

func (s *MemoryStore) ListRecent(_ context.Context, owner string, kind Kind, limit int) ([]Summary, error) {
	if err := checkScope(owner, kind); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := []Summary{}
	order := map[string]uint64{}
	for _, rec := range s.sessions {
		if rec.OwnerID == owner && rec.Kind == kind {
			out = append(out, Summary{ID: rec.ID, Title: rec.Title, UpdatedAt: rec.UpdatedAt})
			order[rec.ID] = s.touched[rec.ID]
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return order[out[i].ID] > order[out[j].ID]
	})
	if n := recentLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func cloneMessage(m Message) Message {
	if m.Extra != nil {
		extra := make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			extra[k] = v
		}
		m.Extra = extra
	}
	return m
}
