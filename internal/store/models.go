package store

import (
	"time"

	"aiedu.app/tutor/internal/utils"
)

// Kind separates the three page collections. Records share one shape and differ only by kind.
type Kind string

const (
	KindChat   Kind = "chat"
	KindStudy  Kind = "study"
	KindVision Kind = "vision"
)

const (
	RoleUser = "user"
	RoleAI   = "ai"
)

// TitleMaxRunes is the length an automatic title is cut to before the ellipsis.
const TitleMaxRunes = 80

// Kinds lists every supported kind in display order.
func Kinds() []Kind { return []Kind{KindChat, KindStudy, KindVision} }

// ParseKind validates a kind coming from a URL or config value.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindChat, KindStudy, KindVision:
		return Kind(s), true
	}
	return "", false
}

// Collection is the physical collection name the kind was stored under historically.
func (k Kind) Collection() string {
	switch k {
	case KindStudy:
		return "study_sessions"
	case KindVision:
		return "vision_sessions"
	default:
		return "sessions"
	}
}

// Placeholder is the title a record carries until its first user message arrives.
func (k Kind) Placeholder() string {
	switch k {
	case KindStudy:
		return "PDF study session"
	case KindVision:
		return "Image analysis"
	default:
		return "New conversation"
	}
}

// AutoTitle derives a record title from the first user message.
func AutoTitle(text string) string {
	return utils.Truncate(text, TitleMaxRunes)
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"` // Do not expose this in JSON responses
	Provider     string    `json:"provider"` // "password" or "google"
	CreatedAt    time.Time `json:"created_at"`
}

type ConversationRecord struct {
	ID        string    `json:"session_id"`
	OwnerID   string    `json:"owner_id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

type Message struct {
	ID        string            `json:"id"` // ULID, sortable by creation
	Role      string            `json:"role"` // "user" or "ai"
	Text      string            `json:"text"`
	Timestamp time.Time         `json:"timestamp"`
	Extra     map[string]string `json:"extra,omitempty"`
}

type Summary struct {
	ID        string    `json:"session_id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

// nextTitle applies the one-shot automatic title rule for a record about to receive msgs.
func nextTitle(kind Kind, current string, existing int, msgs []Message) (string, bool) {
	if existing > 0 || len(msgs) == 0 || msgs[0].Role != RoleUser {
		return current, false
	}
	if current != "" && current != kind.Placeholder() {
		return current, false
	}
	if msgs[0].Text == "" {
		return kind.Placeholder(), current == ""
	}
	return AutoTitle(msgs[0].Text), true
}
