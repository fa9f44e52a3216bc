package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"aiedu.app/tutor/internal/metrics"
	"aiedu.app/tutor/internal/store"
)

// MinPasswordLength is the shortest accepted password, in characters.
const MinPasswordLength = 6

// Session is the result of a successful sign-in.
type Session struct {
	Token     string      `json:"token"`
	User      *store.User `json:"user"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Provider is the identity provider: password and federated sign-in, token
// verification, sign-out and the per-session auth state streams.
type Provider struct {
	users  store.UserStore
	tokens *Tokens
	logger zerolog.Logger

	federated *Federated

	now func() time.Time

	mu sync.Mutex
	// revoked maps signed-out token ids to their expiry; expired entries are pruned.
	revoked map[string]time.Time
	// streams holds the auth state of browser sessions that have pages open.
	streams map[string]*streamEntry
}

// streamEntry is a session's stream and the number of pages subscribed to it.
type streamEntry struct {
	stream  *StateStream
	refs    int
	expires time.Time
}

func NewProvider(users store.UserStore, tokens *Tokens, logger zerolog.Logger) *Provider {
	return &Provider{
		users:   users,
		tokens:  tokens,
		logger:  logger.With().Str("component", "auth").Logger(),
		now:     time.Now,
		revoked: map[string]time.Time{},
		streams: map[string]*streamEntry{},
	}
}

// WithFederated enables federated sign-in.
func (p *Provider) WithFederated(f *Federated) *Provider {
	p.federated = f
	return p
}

func (p *Provider) Register(ctx context.Context, email, password, displayName string) (*Session, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, p.fail("register", ErrMissingName)
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, p.fail("register", err)
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return nil, p.fail("register", ErrWeakPassword)
	}

	hash, err := HashPassword(password)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to hash password")
		return nil, p.fail("register", fmt.Errorf("hash password: %w", err))
	}
	u := &store.User{Email: email, DisplayName: displayName, PasswordHash: hash, Provider: "password"}
	if err := p.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return nil, p.fail("register", ErrEmailInUse)
		}
		p.logger.Error().Err(err).Str("email", email).Msg("failed to create user")
		return nil, p.fail("register", fmt.Errorf("create user: %w", err))
	}

	p.logger.Info().Str("user_id", u.ID).Msg("user registered")
	return p.issue("register", u)
}

func (p *Provider) Authenticate(ctx context.Context, email, password string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, p.fail("login", err)
	}
	u, err := p.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, p.fail("login", ErrUserNotFound)
		}
		return nil, p.fail("login", fmt.Errorf("get user: %w", err))
	}
	if u.PasswordHash == "" || !CheckPasswordHash(password, u.PasswordHash) {
		return nil, p.fail("login", ErrWrongPassword)
	}
	return p.issue("login", u)
}

// Verify resolves a session token to its user. Revoked and expired tokens fail with ErrInvalidToken.
func (p *Provider) Verify(ctx context.Context, token string) (*store.User, Claims, error) {
	c, err := p.tokens.Validate(token)
	if err != nil {
		return nil, Claims{}, err
	}
	p.mu.Lock()
	_, revoked := p.revoked[c.TokenID]
	p.mu.Unlock()
	if revoked {
		return nil, Claims{}, fmt.Errorf("%w: revoked", ErrInvalidToken)
	}

	u, err := p.users.GetUserByID(ctx, c.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, Claims{}, fmt.Errorf("%w: unknown user", ErrInvalidToken)
		}
		return nil, Claims{}, fmt.Errorf("get user: %w", err)
	}
	return u, c, nil
}

// SignOut revokes the token and tells every page of its session that the user left.
func (p *Provider) SignOut(token string) error {
	c, err := p.tokens.Validate(token)
	if err != nil {
		return err
	}

	p.mu.Lock()
	expired := p.pruneLocked()
	p.revoked[c.TokenID] = c.ExpiresAt
	var stream *StateStream
	if e, ok := p.streams[c.TokenID]; ok {
		stream = e.stream
		delete(p.streams, c.TokenID)
	}
	p.mu.Unlock()

	signOut(expired)
	if stream != nil {
		stream.Publish(nil)
	}
	metrics.AuthEvents.WithLabelValues("logout", "ok").Inc()
	p.logger.Info().Str("user_id", c.UserID).Msg("user signed out")
	return nil
}

// SessionState is the auth state of one browser session as its pages see it.
type SessionState struct {
	p      *Provider
	claims Claims
	user   *store.User
}

// Stream returns the auth state of the browser session identified by c.
// The session is tracked only while at least one page is subscribed.
func (p *Provider) Stream(c Claims, u *store.User) *SessionState {
	return &SessionState{p: p, claims: c, user: u}
}

// Subscribe calls fn with the session's current user and on every change until unsubscribed.
func (s *SessionState) Subscribe(fn func(u *store.User)) func() {
	stream, release := s.p.acquire(s.claims, s.user)
	unsubscribe := stream.Subscribe(fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			release()
		})
	}
}

// acquire returns the stream of session c with a reference taken on it.
func (p *Provider) acquire(c Claims, u *store.User) (*StateStream, func()) {
	p.mu.Lock()
	expired := p.pruneLocked()
	_, revoked := p.revoked[c.TokenID]
	if revoked || u == nil || !c.ExpiresAt.After(p.now()) {
		p.mu.Unlock()
		signOut(expired)
		return NewStateStream(nil), func() {}
	}

	e, ok := p.streams[c.TokenID]
	if !ok {
		e = &streamEntry{stream: NewStateStream(u), expires: c.ExpiresAt}
		p.streams[c.TokenID] = e
	}
	e.refs++
	p.mu.Unlock()

	signOut(expired)
	return e.stream, func() { p.release(c.TokenID, e) }
}

func (p *Provider) release(tokenID string, e *streamEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.refs--
	if e.refs <= 0 && p.streams[tokenID] == e {
		delete(p.streams, tokenID)
	}
}

// pruneLocked drops revoked ids and sessions whose tokens have expired and
// returns the streams of the expired sessions. p.mu must be held.
func (p *Provider) pruneLocked() []*StateStream {
	now := p.now()
	for id, exp := range p.revoked {
		if !exp.After(now) {
			delete(p.revoked, id)
		}
	}
	var expired []*StateStream
	for id, e := range p.streams {
		if !e.expires.After(now) {
			expired = append(expired, e.stream)
			delete(p.streams, id)
		}
	}
	return expired
}

// signOut tells the pages of expired sessions that the user is gone.
func signOut(streams []*StateStream) {
	for _, s := range streams {
		s.Publish(nil)
	}
}

// trackedSessions is the number of sessions with live streams and revoked ids still remembered.
func (p *Provider) trackedSessions() (streams, revoked int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams), len(p.revoked)
}

func (p *Provider) issue(event string, u *store.User) (*Session, error) {
	token, c, err := p.tokens.Generate(u.ID)
	if err != nil {
		p.logger.Error().Err(err).Str("user_id", u.ID).Msg("failed to generate token")
		return nil, p.fail(event, err)
	}
	metrics.AuthEvents.WithLabelValues(event, "ok").Inc()
	return &Session{Token: token, User: u, ExpiresAt: c.ExpiresAt}, nil
}

func (p *Provider) fail(event string, err error) error {
	metrics.AuthEvents.WithLabelValues(event, "error").Inc()
	return err
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}
