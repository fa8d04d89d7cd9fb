package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revgate/claude-gateway/internal/claude"
	"github.com/revgate/claude-gateway/internal/store"
)

func testRequest(conversationID string) Request {
	return Request{
		APIKey:         "sj-test",
		ClientIdx:      42,
		Tier:           claude.TierPlus,
		ConversationID: conversationID,
		Model:          claude.ModelSonnet35,
	}
}

func newTestManager() (*Manager, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	m := NewManager(store.NewMemory()).WithClock(func() time.Time { return now })
	return m, &now
}

func TestKeyNormalizesTier(t *testing.T) {
	r := testRequest("c1")
	r.Tier = claude.Tier("normal")
	assert.Equal(t, "conversation_history-sj-test-42-basic", Key(r))

	r.Tier = claude.TierPlus
	assert.Equal(t, "conversation_history-sj-test-42-plus", Key(r))
}

func TestPushStampsMissingTimestamps(t *testing.T) {
	ctx := context.Background()
	m, nowPtr := newTestManager()
	r := testRequest("c1")

	require.NoError(t, m.Push(ctx, r, []Message{
		{Content: "hello", Role: RoleUser},
		{Content: "hi there", Role: RoleAssistant},
	}))

	conversations, err := m.List(ctx, r)
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	require.Len(t, conversations[0].Messages, 2)
	for _, msg := range conversations[0].Messages {
		require.NotNil(t, msg.Timestamp)
		assert.Equal(t, nowPtr.Unix(), msg.Timestamp.Unix())
	}
	assert.Equal(t, claude.ModelSonnet35, conversations[0].Model)
}

func TestPushAppendsToExistingConversation(t *testing.T) {
	ctx := context.Background()
	m, nowPtr := newTestManager()
	r := testRequest("c1")

	require.NoError(t, m.Push(ctx, r, []Message{{Content: "first", Role: RoleUser}}))
	*nowPtr = nowPtr.Add(time.Minute)
	require.NoError(t, m.Push(ctx, r, []Message{{Content: "second", Role: RoleUser}}))

	conversations, err := m.List(ctx, r)
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	msgs := conversations[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.True(t, msgs[0].Timestamp.Before(*msgs[1].Timestamp))
}

func TestListSortsByLastMessageTimestamp(t *testing.T) {
	ctx := context.Background()
	m, nowPtr := newTestManager()

	older := testRequest("older")
	newer := testRequest("newer")

	require.NoError(t, m.Push(ctx, newer, []Message{{Content: "b", Role: RoleUser}}))
	*nowPtr = nowPtr.Add(-time.Hour)
	require.NoError(t, m.Push(ctx, older, []Message{{Content: "a", Role: RoleUser}}))

	conversations, err := m.List(ctx, testRequest(""))
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	assert.Equal(t, "older", conversations[0].ConversationID)
	assert.Equal(t, "newer", conversations[1].ConversationID)
}

func TestListBackfillsNilTimestamps(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	m := NewManager(mem)
	r := testRequest("legacy")

	// A transcript written before timestamps existed.
	raw := `{"conversation_id":"legacy","model":"claude-3-5-sonnet-20240620",` +
		`"messages":[{"content":"a","role":"user","timestamp":null},` +
		`{"content":"b","role":"assistant","timestamp":null}]}`
	require.NoError(t, mem.HSet(ctx, Key(r), "legacy", raw))

	conversations, err := m.List(ctx, r)
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	msgs := conversations[0].Messages
	require.NotNil(t, msgs[0].Timestamp)
	require.NotNil(t, msgs[1].Timestamp)
	assert.True(t, msgs[0].Timestamp.Before(*msgs[1].Timestamp), "backfill keeps order deterministic")
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()
	r := testRequest("c1")

	require.NoError(t, m.Push(ctx, r, []Message{{Content: "x", Role: RoleUser}}))
	require.NoError(t, m.DeleteAll(ctx, r))

	conversations, err := m.List(ctx, r)
	require.NoError(t, err)
	assert.Empty(t, conversations)
}
