package chat

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatview/chatview/store"
)

func newTestConversations(t *testing.T) (*Conversations, *store.BoltStore) {
	t.Helper()
	s, err := store.OpenBolt(filepath.Join(t.TempDir(), "chatview.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewConversations(s), s
}

func TestConversationOrdering(t *testing.T) {
	c, s := newTestConversations(t)
	ctx := context.Background()

	for id, ts := range map[string]string{
		"wamid.1": "2024-01-03T10:00:00Z",
		"wamid.2": "2024-01-01T10:00:00Z",
		"wamid.3": "2024-01-02T10:00:00Z",
	} {
		require.NoError(t, s.Insert(ctx, &store.Record{ID: id, From: "A", To: "B", Timestamp: ts}))
	}

	recs, err := c.Conversation(ctx, "A")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "wamid.2", recs[0].ID)
	assert.Equal(t, "wamid.3", recs[1].ID)
	assert.Equal(t, "wamid.1", recs[2].ID)
}

func TestConversationMissingTimestampSortsFirst(t *testing.T) {
	c, s := newTestConversations(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, &store.Record{ID: "wamid.1", From: "A", Timestamp: "1700000001"}))
	require.NoError(t, s.Insert(ctx, &store.Record{ID: "wamid.2", To: "A"}))

	recs, err := c.Conversation(ctx, "A")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "wamid.2", recs[0].ID)
}

func TestConversationNotFound(t *testing.T) {
	c, _ := newTestConversations(t)
	_, err := c.Conversation(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNoConversation)
}

func TestParticipantsSorted(t *testing.T) {
	c, s := newTestConversations(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, &store.Record{ID: "wamid.1", From: "C", To: "A"}))
	require.NoError(t, s.Insert(ctx, &store.Record{ID: "wamid.2", From: "B", To: "A"}))

	phones, err := c.Participants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, phones)
}
