package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeAppendsNewMessages(t *testing.T) {
	s := NewStore("")

	out, err := s.Merge(&Message{TempID: "t1", Role: RoleUser, Content: "Hello", Origin: OriginOptimistic})
	require.NoError(t, err)
	require.Equal(t, MergeAppended, out)

	out, err = s.Merge(&Message{ID: "m1", Role: RoleAssistant, Content: "Hi", Origin: OriginPushed})
	require.NoError(t, err)
	require.Equal(t, MergeAppended, out)
	require.Equal(t, 2, s.Len())
}

func TestMergeByIDIsIdempotent(t *testing.T) {
	s := NewStore("")

	_, err := s.Merge(&Message{ID: "m1", Role: RoleAssistant, Content: "Hi", Origin: OriginPushed})
	require.NoError(t, err)

	out, err := s.Merge(&Message{ID: "m1", Role: RoleAssistant, Content: "Hi", Origin: OriginPushed})
	require.NoError(t, err)
	require.Equal(t, MergeUpdatedByID, out)
	require.Equal(t, 1, s.Len())
}

func TestMergeConfirmsOptimisticByTempID(t *testing.T) {
	s := NewStore("")

	_, err := s.Merge(&Message{TempID: "t1", Role: RoleUser, Content: "Hello", Origin: OriginOptimistic})
	require.NoError(t, err)

	require.NoError(t, s.Confirm("t1", "u1"))
	require.Equal(t, 1, s.Len())

	msgs := s.Messages()
	require.Equal(t, "u1", msgs[0].ID)
	require.Equal(t, "t1", msgs[0].TempID)
	require.Equal(t, OriginConfirmed, msgs[0].Origin)
	require.Equal(t, "Hello", msgs[0].Content)
}

func TestMergeUpdatesInPlaceWithoutReordering(t *testing.T) {
	s := NewStore("")

	_, err := s.Merge(&Message{ID: "m1", Role: RoleAssistant, Content: "first", Origin: OriginPushed})
	require.NoError(t, err)
	_, err = s.Merge(&Message{ID: "m2", Role: RoleAssistant, Content: "second", Origin: OriginPushed})
	require.NoError(t, err)

	// Reaction update arrives for the earlier row.
	_, err = s.Merge(&Message{ID: "m1", Reaction: "thumbs_up"})
	require.NoError(t, err)

	msgs := s.Messages()
	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, "thumbs_up", msgs[0].Reaction)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, "m2", msgs[1].ID)
}

func TestMergeReadIsMonotonic(t *testing.T) {
	s := NewStore("")

	_, err := s.Merge(&Message{ID: "m1", Role: RoleAssistant, Content: "Hi", Read: true})
	require.NoError(t, err)

	_, err = s.Merge(&Message{ID: "m1", Content: "Hi (edited)"})
	require.NoError(t, err)

	msgs := s.Messages()
	require.True(t, msgs[0].Read)
	require.Equal(t, "Hi (edited)", msgs[0].Content)
}

func TestMergeRejectsNil(t *testing.T) {
	s := NewStore("")
	_, err := s.Merge(nil)
	require.Error(t, err)
}

func TestPromoteIDReplacesProvisionalInPlace(t *testing.T) {
	s := NewStore("")
	provisional := s.ConversationID()
	require.False(t, IsDurableID(provisional))
	require.True(t, strings.HasPrefix(provisional, "local-"))

	durable := "0123456789abcdef01234567"
	require.NoError(t, s.PromoteID(durable))
	require.Equal(t, durable, s.ConversationID())

	// Promoting to the same id again is a no-op.
	require.NoError(t, s.PromoteID(durable))
	require.Equal(t, durable, s.ConversationID())
}

func TestIsDurableID(t *testing.T) {
	require.True(t, IsDurableID("0123456789abcdef01234567"))
	require.False(t, IsDurableID(""))
	require.False(t, IsDurableID("local-something"))
	require.False(t, IsDurableID("0123456789abcdef0123456"))    // too short
	require.False(t, IsDurableID("0123456789abcdef012345678")) // too long
	require.False(t, IsDurableID("0123456789ABCDEF01234567"))  // uppercase
	require.False(t, IsDurableID("0123456789abcdef0123456z"))  // non-hex
}

func TestMarkAllRead(t *testing.T) {
	s := NewStore("")
	_, err := s.Merge(&Message{ID: "m1", Role: RoleAssistant, Content: "a"})
	require.NoError(t, err)
	_, err = s.Merge(&Message{ID: "m2", Role: RoleAssistant, Content: "b"})
	require.NoError(t, err)

	s.MarkAllRead()
	for _, m := range s.Messages() {
		require.True(t, m.Read)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewStore("")
	_, err := s.Merge(&Message{ID: "m1", Role: RoleAssistant, Content: "a"})
	require.NoError(t, err)

	snap := s.Snapshot()
	snap.Messages[0].Content = "mutated"

	require.Equal(t, "a", s.Messages()[0].Content)
}

func TestNewStoreFromSnapshot(t *testing.T) {
	s := NewStore("0123456789abcdef01234567")
	_, err := s.Merge(&Message{ID: "m1", Role: RoleAssistant, Content: "a"})
	require.NoError(t, err)
	s.SetStatus(StatusHumanTakeover)

	restored := NewStoreFromSnapshot(s.Snapshot())
	require.Equal(t, "0123456789abcdef01234567", restored.ConversationID())
	require.Equal(t, StatusHumanTakeover, restored.Status())
	require.Equal(t, 1, restored.Len())
	require.True(t, restored.HasMessageID("m1"))
}
