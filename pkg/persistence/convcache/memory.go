package convcache

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/chatrail/chatrail/pkg/session"
)

// MemoryCache keeps snapshots for the lifetime of the process. It is the
// default when no cache path is configured, and what tests use.
type MemoryCache struct {
	mu    sync.Mutex
	convs map[string]session.Conversation
}

var _ Cache = &MemoryCache{}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{convs: map[string]session.Conversation{}}
}

func (c *MemoryCache) Save(_ context.Context, conv session.Conversation) error {
	if !session.IsDurableID(conv.ID) {
		log.Debug().Str("component", "convcache").Str("conv_id", conv.ID).Msg("skipping snapshot for non-durable conversation id")
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convs[conv.ID] = cloneConversation(conv)
	return nil
}

func (c *MemoryCache) Load(_ context.Context, conversationID string) (session.Conversation, bool, error) {
	if !session.IsDurableID(conversationID) {
		return session.Conversation{}, false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[conversationID]
	if !ok {
		return session.Conversation{}, false, nil
	}
	return cloneConversation(conv), true, nil
}

func (c *MemoryCache) Delete(_ context.Context, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.convs, conversationID)
	return nil
}

func (c *MemoryCache) Close() error { return nil }

func cloneConversation(conv session.Conversation) session.Conversation {
	out := session.Conversation{
		ID:        conv.ID,
		Status:    conv.Status,
		UpdatedAt: conv.UpdatedAt,
	}
	for _, m := range conv.Messages {
		if m == nil {
			continue
		}
		clone := *m
		out.Messages = append(out.Messages, &clone)
	}
	return out
}
