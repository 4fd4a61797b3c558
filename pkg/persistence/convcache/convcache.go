// Package convcache persists conversation snapshots across widget reloads.
// Only conversations with a durable backend-assigned id are cached: a
// provisional id is meaningless to the backend, so a snapshot carrying one
// would resurrect a conversation the server never heard of.
package convcache

import (
	"context"

	"github.com/chatrail/chatrail/pkg/session"
)

// Cache stores one snapshot per conversation id.
type Cache interface {
	Save(ctx context.Context, conv session.Conversation) error
	// Load returns the cached snapshot, or ok=false if none exists or the id
	// is not durable.
	Load(ctx context.Context, conversationID string) (session.Conversation, bool, error)
	Delete(ctx context.Context, conversationID string) error
	Close() error
}
