package session

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatrail/chatrail/pkg/wire"
)

// Role identifies the author side of a chat turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Origin records how a message entered the session.
type Origin string

const (
	// OriginOptimistic is a locally created message shown before server confirmation.
	OriginOptimistic Origin = "optimistic"
	// OriginStreamed is being filled by the active response stream.
	OriginStreamed Origin = "streamed"
	// OriginConfirmed carries a durable backend id.
	OriginConfirmed Origin = "confirmed"
	// OriginPushed arrived via the push channel, not locally originated.
	OriginPushed Origin = "pushed"
)

// Status is the conversation-level state.
type Status string

const (
	StatusActive        Status = "active"
	StatusHumanTakeover Status = "human_takeover"
	StatusClosed        Status = "closed"
)

// Message is one chat turn.
type Message struct {
	// ID is the durable identifier assigned by the backend once persisted;
	// empty for messages not yet confirmed.
	ID string `json:"id,omitempty"`
	// TempID is assigned client-side at creation time and stays stable for
	// the lifetime of the local object.
	TempID  string `json:"tempId,omitempty"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Origin  Origin `json:"origin"`
	// IsHuman marks assistant-role messages authored by a person.
	IsHuman bool `json:"isHuman,omitempty"`
	// IsSystemNotice renders without timestamp/avatar.
	IsSystemNotice bool `json:"isSystemNotice,omitempty"`
	ChunkIndex     int  `json:"chunkIndex,omitempty"`
	ChunkTotal     int  `json:"chunkTotal,omitempty"`
	// IsLink marks a bubble that is a bare link, rendered as its preview card.
	IsLink bool `json:"isLink,omitempty"`
	// Read is monotonic: once true it never reverts.
	Read     bool   `json:"read,omitempty"`
	Failed   bool   `json:"failed,omitempty"`
	Reaction string `json:"reaction,omitempty"`

	LinkPreviews []wire.LinkPreview `json:"linkPreviews,omitempty"`
	QuickReplies []string           `json:"quickReplies,omitempty"`
	Sources      []wire.Source      `json:"sources,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is the session-level container.
type Conversation struct {
	ID        string     `json:"id"`
	Messages  []*Message `json:"messages"`
	Status    Status     `json:"status"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

const (
	provisionalPrefix = "local-"
	durableIDLength   = 24
)

// NewTempID returns a fresh client-side message identifier.
func NewTempID() string { return uuid.NewString() }

// NewProvisionalConversationID returns a client-generated conversation id used
// until the backend assigns a durable one.
func NewProvisionalConversationID() string { return provisionalPrefix + uuid.NewString() }

// IsDurableID reports whether id is a backend-assigned identifier: a
// fixed-length lowercase-hex token. Provisional client ids never match.
func IsDurableID(id string) bool {
	id = strings.TrimSpace(id)
	if len(id) != durableIDLength {
		return false
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
