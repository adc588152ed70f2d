package domain

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrNotFound is returned by stores when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// EphemeralIDPrefix marks ids of records that were never persisted.
const EphemeralIDPrefix = "temp-"

// Conversation is a thread of messages owned by a single caller.
type Conversation struct {
	ID        string
	Title     string
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	maxTitleRunes = 60
	titleEllipsis = "..."
)

// ConversationTitle derives a conversation title from the first query: the
// first 60 runes of the trimmed text, with "..." appended when cut.
func ConversationTitle(seed string) string {
	seed = strings.TrimSpace(seed)
	if utf8.RuneCountInString(seed) <= maxTitleRunes {
		return seed
	}
	runes := []rune(seed)
	return string(runes[:maxTitleRunes]) + titleEllipsis
}

// Source is a document reference returned alongside a gateway answer.
type Source struct {
	Name      string  `json:"name"`
	Relevance float64 `json:"relevance"`
}

// Message is a single append-only conversation entry.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Sources        []Source
	CreatedAt      time.Time
}

// QueryLogEntry is the analytics record written once per orchestrated call.
type QueryLogEntry struct {
	ID             string
	Query          string
	Response       string
	ResponseTimeMs int64
	UserID         string
	CreatedAt      time.Time
}

// Persistence reports whether the writes of an orchestrated call landed.
type Persistence string

const (
	PersistenceOK       Persistence = "ok"
	PersistenceDegraded Persistence = "degraded"
)

// IsEphemeralID reports whether id belongs to a non-persisted record.
func IsEphemeralID(id string) bool {
	return strings.HasPrefix(id, EphemeralIDPrefix)
}
