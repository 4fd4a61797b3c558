package push

import (
	"time"

	"github.com/chatrail/chatrail/pkg/session"
)

// Topic names, one per subscription kind, keyed by conversation id.
func TopicMessages(conversationID string) string { return "conv:" + conversationID + ":messages" }
func TopicStatus(conversationID string) string   { return "conv:" + conversationID + ":status" }
func TopicTyping(conversationID string) string   { return "conv:" + conversationID + ":typing" }

// MessageEventKind distinguishes new rows from updates to existing rows.
type MessageEventKind string

const (
	MessageInsert MessageEventKind = "insert"
	MessageUpdate MessageEventKind = "update"
)

// MessageEvent is one pushed message row.
type MessageEvent struct {
	Kind    MessageEventKind `json:"kind"`
	Message PushedMessage    `json:"message"`
}

// PushedMessage mirrors the backend's message row shape on the push channel.
type PushedMessage struct {
	ID        string       `json:"id"`
	Role      session.Role `json:"role"`
	Content   string       `json:"content,omitempty"`
	IsHuman   bool         `json:"isHuman,omitempty"`
	Reaction  string       `json:"reaction,omitempty"`
	Read      bool         `json:"read,omitempty"`
	CreatedAt time.Time    `json:"createdAt,omitempty"`
}

// StatusEvent is a conversation-level state transition.
type StatusEvent struct {
	Status session.Status `json:"status"`
}

// TypingEvent is one presence change on the typing topic.
type TypingEvent struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	IsHuman     bool   `json:"isHuman,omitempty"`
	IsTyping    bool   `json:"isTyping"`
}
