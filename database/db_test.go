package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmsync/models"
)

func openCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func msg(id, sender int64, content string) models.Message {
	return models.Message{
		ID:             models.ConfirmedID(id),
		ConversationID: 7,
		SenderID:       sender,
		Content:        content,
		Timestamp:      time.Date(2024, 1, 1, 12, 0, int(id), 0, time.UTC),
	}
}

func TestConversationCache(t *testing.T) {
	c := openCache(t)

	_, ok, err := c.ConversationFor(1, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.RememberConversation(1, 2, 7))
	id, ok, err := c.ConversationFor(1, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)

	require.NoError(t, c.RememberConversation(1, 2, 9))
	id, _, _ = c.ConversationFor(1, 2)
	assert.Equal(t, int64(9), id)

	_, ok, _ = c.ConversationFor(2, 1)
	assert.False(t, ok, "cache is keyed by the viewing user")
}

func TestSaveMessagesUpserts(t *testing.T) {
	c := openCache(t)

	pending := msg(0, 1, "pending")
	pending.ID = models.OptimisticID("tmp-1")
	require.NoError(t, c.SaveMessages([]models.Message{msg(2, 1, "b"), msg(1, 2, "a"), pending}))

	deleted := msg(2, 1, models.DeletedPlaceholder)
	deleted.Deleted = true
	read := msg(1, 2, "a")
	read.Read = true
	require.NoError(t, c.SaveMessages([]models.Message{deleted, read}))

	got, err := c.Messages(7, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.ConfirmedID(1), got[0].ID)
	assert.True(t, got[0].Read)
	assert.Equal(t, models.DeletedPlaceholder, got[1].Content)
	assert.True(t, got[1].Deleted)
	assert.True(t, got[1].Timestamp.Equal(msg(2, 1, "").Timestamp))
}

func TestSaveMessagesNeverClearsFlags(t *testing.T) {
	c := openCache(t)

	deleted := msg(1, 1, models.DeletedPlaceholder)
	deleted.Deleted = true
	read := msg(2, 2, "seen")
	read.Read = true
	require.NoError(t, c.SaveMessages([]models.Message{deleted, read}))

	require.NoError(t, c.SaveMessages([]models.Message{msg(1, 1, "original"), msg(2, 2, "seen")}))

	got, err := c.Messages(7, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Deleted)
	assert.Equal(t, models.DeletedPlaceholder, got[0].Content)
	assert.True(t, got[1].Read)
}

func TestMessagesKeepsNewest(t *testing.T) {
	c := openCache(t)
	var batch []models.Message
	for i := int64(1); i <= 5; i++ {
		batch = append(batch, msg(i, 1, "m"))
	}
	require.NoError(t, c.SaveMessages(batch))

	got, err := c.Messages(7, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].ID.Server)
	assert.Equal(t, int64(5), got[1].ID.Server)

	other, err := c.Messages(8, 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestOpenInMemory(t *testing.T) {
	c, err := Open(":memory:")
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.RememberConversation(1, 2, 3))
	id, ok, err := c.ConversationFor(1, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), id)
}
