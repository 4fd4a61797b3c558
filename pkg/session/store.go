package session

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MergeOutcome reports which merge rule applied to an incoming message.
type MergeOutcome string

const (
	MergeAppended        MergeOutcome = "appended"
	MergeUpdatedByID     MergeOutcome = "updated_by_id"
	MergeUpdatedByTempID MergeOutcome = "updated_by_temp_id"
)

// Store is the single source of truth for one conversation's ordered message
// list and status. All three producers (optimistic insert, stream decoder,
// push subscriber) mutate messages exclusively through Merge; that single
// funnel is what keeps the dedup invariant enforceable.
type Store struct {
	mu   sync.Mutex
	conv Conversation
}

// NewStore creates a store for the given conversation id. An empty id gets a
// fresh provisional one.
func NewStore(conversationID string) *Store {
	id := strings.TrimSpace(conversationID)
	if id == "" {
		id = NewProvisionalConversationID()
	}
	return &Store{conv: Conversation{
		ID:        id,
		Status:    StatusActive,
		UpdatedAt: time.Now(),
	}}
}

// NewStoreFromSnapshot rebuilds a store from a cached conversation.
func NewStoreFromSnapshot(conv Conversation) *Store {
	s := NewStore(conv.ID)
	s.conv.Status = conv.Status
	if s.conv.Status == "" {
		s.conv.Status = StatusActive
	}
	if !conv.UpdatedAt.IsZero() {
		s.conv.UpdatedAt = conv.UpdatedAt
	}
	for _, m := range conv.Messages {
		if m == nil {
			continue
		}
		clone := *m
		s.conv.Messages = append(s.conv.Messages, &clone)
	}
	return s
}

// ConversationID returns the current (provisional or durable) conversation id.
func (s *Store) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.ID
}

// PromoteID replaces a provisional conversation id in place with the durable
// id assigned by the backend. Promoting to an empty or unchanged id is a no-op.
func (s *Store) PromoteID(durableID string) error {
	durableID = strings.TrimSpace(durableID)
	if durableID == "" {
		return errors.New("session: durable conversation id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv.ID == durableID {
		return nil
	}
	log.Info().Str("component", "session").Str("old_id", s.conv.ID).Str("new_id", durableID).Msg("conversation id promoted")
	s.conv.ID = durableID
	s.conv.UpdatedAt = time.Now()
	return nil
}

// Status returns the conversation status.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Status
}

// SetStatus records a conversation-level state transition.
func (s *Store) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv.Status == status {
		return
	}
	s.conv.Status = status
	s.conv.UpdatedAt = time.Now()
}

// Merge applies the reconciliation algorithm to one incoming message:
//
//  1. an existing entry with the same non-empty durable id is mutated in
//     place (optimistic confirmation, reaction/read updates) without moving;
//  2. else an existing entry with the same tempId is mutated in place;
//  3. else the message is appended at the end.
func (s *Store) Merge(incoming *Message) (MergeOutcome, error) {
	if s == nil {
		return "", errors.New("session: nil store")
	}
	if incoming == nil {
		return "", errors.New("session: nil message")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv.UpdatedAt = time.Now()

	if incoming.ID != "" {
		for _, existing := range s.conv.Messages {
			if existing.ID == incoming.ID {
				mergeInto(existing, incoming)
				return MergeUpdatedByID, nil
			}
		}
	}
	if incoming.TempID != "" {
		for _, existing := range s.conv.Messages {
			if existing.TempID == incoming.TempID {
				mergeInto(existing, incoming)
				return MergeUpdatedByTempID, nil
			}
		}
	}

	clone := *incoming
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	s.conv.Messages = append(s.conv.Messages, &clone)
	return MergeAppended, nil
}

// mergeInto updates an existing entry from an incoming one. Position and
// object identity are preserved; Read never reverts to false.
func mergeInto(existing, incoming *Message) {
	if incoming.ID != "" {
		existing.ID = incoming.ID
		if existing.Origin == OriginOptimistic || existing.Origin == OriginStreamed {
			existing.Origin = OriginConfirmed
		}
	}
	if incoming.Content != "" {
		existing.Content = incoming.Content
	}
	if incoming.Reaction != "" {
		existing.Reaction = incoming.Reaction
	}
	if incoming.Read {
		existing.Read = true
	}
	if incoming.IsHuman {
		existing.IsHuman = true
	}
	if incoming.Failed {
		existing.Failed = true
	}
	if len(incoming.LinkPreviews) > 0 {
		existing.LinkPreviews = incoming.LinkPreviews
	}
	if len(incoming.QuickReplies) > 0 {
		existing.QuickReplies = incoming.QuickReplies
	}
	if len(incoming.Sources) > 0 {
		existing.Sources = incoming.Sources
	}
	if incoming.ChunkTotal > 0 {
		existing.ChunkIndex = incoming.ChunkIndex
		existing.ChunkTotal = incoming.ChunkTotal
	}
	if incoming.IsLink {
		existing.IsLink = true
	}
}

// HasMessageID reports whether a message with the given durable id exists.
// The push boundary uses it to drop duplicate inserts.
func (s *Store) HasMessageID(id string) bool {
	if s == nil || id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.conv.Messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Confirm assigns the backend id to the message holding tempID.
func (s *Store) Confirm(tempID, durableID string) error {
	if strings.TrimSpace(tempID) == "" {
		return errors.New("session: tempID is empty")
	}
	if strings.TrimSpace(durableID) == "" {
		return errors.New("session: durableID is empty")
	}
	_, err := s.Merge(&Message{TempID: tempID, ID: durableID})
	return err
}

// MarkAllRead marks every message read. Read state is monotonic.
func (s *Store) MarkAllRead() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.conv.Messages {
		m.Read = true
	}
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conv.Messages)
}

// LastMessage returns a copy of the final entry, if any.
func (s *Store) LastMessage() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conv.Messages) == 0 {
		return Message{}, false
	}
	return *s.conv.Messages[len(s.conv.Messages)-1], true
}

// Messages returns a copy of the ordered message list.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.conv.Messages))
	for _, m := range s.conv.Messages {
		out = append(out, *m)
	}
	return out
}

// Snapshot returns a copy of the whole conversation, suitable for caching.
func (s *Store) Snapshot() Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := Conversation{
		ID:        s.conv.ID,
		Status:    s.conv.Status,
		UpdatedAt: s.conv.UpdatedAt,
	}
	for _, m := range s.conv.Messages {
		clone := *m
		conv.Messages = append(conv.Messages, &clone)
	}
	return conv
}
