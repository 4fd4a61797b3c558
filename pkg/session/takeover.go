package session

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AgentDirectory resolves the display identity of the human agent responsible
// for a conversation. It is a collaborator call; the engine only consumes it.
type AgentDirectory interface {
	AgentIdentity(ctx context.Context, conversationID string) (string, error)
}

const fallbackAgentName = "Support agent"

// TakeoverMachine derives {ai_active, human_takeover, closed} from status push
// events. Transitions are never inferred locally; every change arrives through
// Apply.
type TakeoverMachine struct {
	store     *Store
	directory AgentDirectory

	mu        sync.Mutex
	announced bool
}

// NewTakeoverMachine binds the machine to the conversation store it mutates
// (through the merge API only) and the directory used for the hand-over notice.
func NewTakeoverMachine(store *Store, directory AgentDirectory) *TakeoverMachine {
	return &TakeoverMachine{store: store, directory: directory}
}

// State returns the current conversation status.
func (m *TakeoverMachine) State() Status {
	if m == nil || m.store == nil {
		return StatusActive
	}
	return m.store.Status()
}

// HumanActive reports whether a human agent currently owns the conversation.
// While true, the assistant composing indicator must stay suppressed in favor
// of human typing presence.
func (m *TakeoverMachine) HumanActive() bool {
	return m.State() == StatusHumanTakeover
}

// Apply drives one status push event through the machine. Illegal transitions
// and duplicate deliveries are absorbed silently; entering human_takeover for
// the first time in the session synthesizes exactly one system notice.
func (m *TakeoverMachine) Apply(ctx context.Context, next Status) error {
	if m == nil || m.store == nil {
		return errors.New("session: takeover machine is not initialized")
	}
	current := m.store.Status()
	if current == next {
		// Duplicate delivery of the same status event.
		return nil
	}
	if !legalTransition(current, next) {
		log.Warn().Str("component", "session").Str("from", string(current)).Str("to", string(next)).Msg("ignoring illegal status transition")
		return nil
	}

	m.store.SetStatus(next)
	log.Info().Str("component", "session").Str("from", string(current)).Str("to", string(next)).Msg("conversation status changed")

	if next == StatusHumanTakeover {
		m.announceTakeover(ctx)
	}
	return nil
}

func legalTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusHumanTakeover
	case StatusHumanTakeover:
		return to == StatusClosed || to == StatusActive
	case StatusClosed:
		return false
	}
	return false
}

// announceTakeover inserts the one hand-over system notice. Guards twice:
// a session-scoped flag, and a check that no system notice already trails the
// message list (covers duplicate delivery racing the flag).
func (m *TakeoverMachine) announceTakeover(ctx context.Context) {
	m.mu.Lock()
	if m.announced {
		m.mu.Unlock()
		return
	}
	m.announced = true
	m.mu.Unlock()

	if last, ok := m.store.LastMessage(); ok && last.IsSystemNotice {
		return
	}

	name := fallbackAgentName
	if m.directory != nil {
		resolved, err := m.directory.AgentIdentity(ctx, m.store.ConversationID())
		if err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("agent identity lookup failed; using fallback name")
		} else if strings.TrimSpace(resolved) != "" {
			name = strings.TrimSpace(resolved)
		}
	}

	_, err := m.store.Merge(&Message{
		TempID:         NewTempID(),
		Role:           RoleAssistant,
		Content:        name + " joined the conversation",
		Origin:         OriginPushed,
		IsHuman:        true,
		IsSystemNotice: true,
	})
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("failed to insert takeover notice")
	}
}
