package push

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/chatrail/chatrail/pkg/session"
)

// Subscriber manages the three push subscription kinds for one conversation:
// message rows, status transitions, and typing presence. All three share one
// lifecycle: a Handle owns their cancellation, and retargeting to a new
// conversation id tears the previous handle down before opening the new one.
type Subscriber struct {
	source   message.Subscriber
	store    *session.Store
	takeover *session.TakeoverMachine
	typing   *Presence

	mu      sync.Mutex
	current *Handle
}

// Handle identifies one live (or no-op) subscription set.
type Handle struct {
	conversationID string
	cancel         context.CancelFunc
	done           chan struct{}
	noop           bool
}

// ConversationID returns the durable id this handle is bound to; empty for a
// no-op handle.
func (h *Handle) ConversationID() string {
	if h == nil || h.noop {
		return ""
	}
	return h.conversationID
}

// Unsubscribe tears down all three subscription kinds and waits for their
// consumer loops to drain.
func (h *Handle) Unsubscribe() {
	if h == nil || h.noop {
		return
	}
	h.cancel()
	<-h.done
}

// NewSubscriber builds a subscriber over any watermill source (Redis Streams,
// websocket, in-memory). Incoming events mutate the store exclusively through
// its merge API and drive the takeover machine.
func NewSubscriber(source message.Subscriber, store *session.Store, takeover *session.TakeoverMachine) (*Subscriber, error) {
	if source == nil {
		return nil, errors.New("push: source subscriber is nil")
	}
	if store == nil {
		return nil, errors.New("push: session store is nil")
	}
	return &Subscriber{
		source:   source,
		store:    store,
		takeover: takeover,
		typing:   NewPresence(),
	}, nil
}

// Typing exposes the presence set synchronized by the typing topic.
func (s *Subscriber) Typing() *Presence {
	if s == nil {
		return nil
	}
	return s.typing
}

// Subscribe opens the three subscription kinds for conversationID.
//
// Precondition: the id must be durable. A provisional id returns a no-op
// handle immediately without opening any channel; such a channel would never
// receive anything and would only leak a connection.
//
// If a subscription for a previous id is live, it is torn down first; there is
// never more than one live subscription of a kind per logical conversation.
func (s *Subscriber) Subscribe(ctx context.Context, conversationID string) (*Handle, error) {
	if s == nil || s.source == nil {
		return nil, errors.New("push: subscriber is not initialized")
	}
	conversationID = strings.TrimSpace(conversationID)
	if !session.IsDurableID(conversationID) {
		log.Debug().Str("component", "push").Str("conv_id", conversationID).Msg("refusing to subscribe to non-durable conversation id")
		return &Handle{noop: true}, nil
	}

	s.mu.Lock()
	previous := s.current
	s.mu.Unlock()
	if previous != nil {
		previous.Unsubscribe()
	}
	s.typing.Reset()

	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)

	msgCh, err := s.source.Subscribe(runCtx, TopicMessages(conversationID))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "push: subscribe messages")
	}
	statusCh, err := s.source.Subscribe(runCtx, TopicStatus(conversationID))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "push: subscribe status")
	}
	typingCh, err := s.source.Subscribe(runCtx, TopicTyping(conversationID))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "push: subscribe typing")
	}

	h := &Handle{conversationID: conversationID, cancel: cancel, done: make(chan struct{})}

	eg, egCtx := errgroup.WithContext(runCtx)
	eg.Go(func() error { s.consumeMessages(egCtx, msgCh); return nil })
	eg.Go(func() error { s.consumeStatus(egCtx, statusCh); return nil })
	eg.Go(func() error { s.consumeTyping(egCtx, typingCh); return nil })
	go func() {
		_ = eg.Wait()
		close(h.done)
		log.Info().Str("component", "push").Str("conv_id", conversationID).Msg("push subscriptions stopped")
	}()

	s.mu.Lock()
	s.current = h
	s.mu.Unlock()
	log.Info().Str("component", "push").Str("conv_id", conversationID).Msg("push subscriptions started")
	return h, nil
}

// Close tears down the live handle, if any.
func (s *Subscriber) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	current := s.current
	s.current = nil
	s.mu.Unlock()
	if current != nil {
		current.Unsubscribe()
	}
}

func (s *Subscriber) consumeMessages(ctx context.Context, ch <-chan *message.Message) {
	for msg := range ch {
		var ev MessageEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			log.Warn().Err(err).Str("component", "push").Msg("failed to decode message event")
			msg.Ack()
			continue
		}
		s.applyMessageEvent(ev)
		msg.Ack()
	}
	_ = ctx
}

// applyMessageEvent enforces the boundary rules: user-authored rows are never
// surfaced back to their author, duplicate inserts are dropped, and updates to
// unknown rows are ignored.
func (s *Subscriber) applyMessageEvent(ev MessageEvent) {
	if ev.Message.ID == "" {
		return
	}
	if ev.Message.Role != session.RoleAssistant {
		return
	}

	switch ev.Kind {
	case MessageInsert:
		if s.store.HasMessageID(ev.Message.ID) {
			log.Debug().Str("component", "push").Str("message_id", ev.Message.ID).Msg("dropping duplicate pushed message")
			return
		}
	case MessageUpdate:
		if !s.store.HasMessageID(ev.Message.ID) {
			log.Debug().Str("component", "push").Str("message_id", ev.Message.ID).Msg("dropping update for unknown message")
			return
		}
	default:
		return
	}

	_, err := s.store.Merge(&session.Message{
		ID:        ev.Message.ID,
		Role:      ev.Message.Role,
		Content:   ev.Message.Content,
		Origin:    session.OriginPushed,
		IsHuman:   ev.Message.IsHuman,
		Reaction:  ev.Message.Reaction,
		Read:      ev.Message.Read,
		CreatedAt: ev.Message.CreatedAt,
	})
	if err != nil {
		log.Warn().Err(err).Str("component", "push").Str("message_id", ev.Message.ID).Msg("failed to merge pushed message")
	}
}

func (s *Subscriber) consumeStatus(ctx context.Context, ch <-chan *message.Message) {
	for msg := range ch {
		var ev StatusEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			log.Warn().Err(err).Str("component", "push").Msg("failed to decode status event")
			msg.Ack()
			continue
		}
		if s.takeover != nil {
			if err := s.takeover.Apply(ctx, ev.Status); err != nil {
				log.Warn().Err(err).Str("component", "push").Msg("failed to apply status event")
			}
		}
		msg.Ack()
	}
}

func (s *Subscriber) consumeTyping(ctx context.Context, ch <-chan *message.Message) {
	for msg := range ch {
		var ev TypingEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			log.Warn().Err(err).Str("component", "push").Msg("failed to decode typing event")
			msg.Ack()
			continue
		}
		s.typing.Apply(ev)
		msg.Ack()
	}
	_ = ctx
}
