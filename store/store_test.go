package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmsync/models"
)

const (
	me   int64 = 1
	peer int64 = 2
)

func msg(id, sender int64, content string) models.Message {
	return models.Message{
		ID:             models.ConfirmedID(id),
		ConversationID: 10,
		SenderID:       sender,
		Content:        content,
		Timestamp:      time.Unix(1700000000+id, 0).UTC(),
	}
}

func tmp(temp, content string) models.Message {
	return models.Message{
		ID:             models.OptimisticID(temp),
		ConversationID: 10,
		SenderID:       me,
		Content:        content,
		Timestamp:      time.Unix(1700000100, 0).UTC(),
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID.String())
	}
	return out
}

func TestAppendDeduplicatesWithinBatch(t *testing.T) {
	s := New(me)
	added := s.Append(msg(1, peer, "a"), msg(1, peer, "a again"))

	require.Len(t, added, 1)
	assert.Equal(t, []string{"1"}, ids(s.Messages()))
	assert.Equal(t, "a", s.Messages()[0].Content)
}

func TestAppendOverlappingBatchesKeepsFirstSeenOrder(t *testing.T) {
	s := New(me)
	s.Append(msg(1, peer, "a"), msg(2, me, "b"))
	added := s.Append(msg(2, me, "b"), msg(3, peer, "c"), msg(1, peer, "a"))
	s.Append(msg(4, peer, "d"), msg(3, peer, "c"))

	assert.Equal(t, []string{"3"}, ids(added))
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids(s.Messages()))
}

func TestTempIDsNeverCollideWithServerIDs(t *testing.T) {
	s := New(me)
	require.True(t, s.AddOptimistic(tmp("tmp-1", "hi")))
	s.Append(msg(1, peer, "a"))

	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Has(1))
	assert.False(t, s.AddOptimistic(tmp("tmp-1", "dup")))
	assert.False(t, s.AddOptimistic(msg(7, me, "not optimistic")))
}

func TestReplaceOptimisticKeepsPosition(t *testing.T) {
	s := New(me)
	s.Append(msg(1, peer, "a"))
	s.AddOptimistic(tmp("tmp-x", "hi"))
	s.Append(msg(3, peer, "c"))

	s.ReplaceOptimistic("tmp-x", msg(5, me, "hi"))

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"1", "5", "3"}, ids(s.Messages()))
	got, ok := s.Get(5)
	require.True(t, ok)
	assert.Equal(t, models.OriginConfirmed, got.Origin())
	assert.False(t, s.RemoveOptimistic("tmp-x"))
}

func TestReplaceOptimisticAppendsWhenTempMissing(t *testing.T) {
	s := New(me)
	s.Append(msg(1, peer, "a"))

	assert.NotPanics(t, func() { s.ReplaceOptimistic("tmp-gone", msg(5, me, "hi")) })
	assert.Equal(t, []string{"1", "5"}, ids(s.Messages()))
}

func TestReplaceOptimisticAfterPushRaceKeepsSingleEntry(t *testing.T) {
	s := New(me)
	s.AddOptimistic(tmp("tmp-x", "hi"))
	s.Append(msg(5, me, "hi"))

	s.ReplaceOptimistic("tmp-x", msg(5, me, "hi"))

	assert.Equal(t, []string{"5"}, ids(s.Messages()))
	s.Append(msg(6, peer, "next"))
	got, ok := s.Get(6)
	require.True(t, ok)
	assert.Equal(t, "next", got.Content)
}

func TestRemoveOptimisticReindexes(t *testing.T) {
	s := New(me)
	s.Append(msg(1, peer, "a"))
	s.AddOptimistic(tmp("tmp-x", "hi"))
	s.Append(msg(2, peer, "b"))

	require.True(t, s.RemoveOptimistic("tmp-x"))

	assert.Equal(t, []string{"1", "2"}, ids(s.Messages()))
	require.True(t, s.SoftDelete(2))
	assert.Equal(t, models.DeletedPlaceholder, s.Messages()[1].Content)
}

func TestMarkReadOnlyTouchesPeerMessages(t *testing.T) {
	s := New(me)
	s.Append(msg(1, peer, "a"), msg(2, me, "b"), msg(3, peer, "c"))

	n := s.MarkRead([]int64{1, 2, 3, 99})

	assert.Equal(t, 2, n)
	msgs := s.Messages()
	assert.True(t, msgs[0].Read)
	assert.False(t, msgs[1].Read)
	assert.True(t, msgs[2].Read)
}

func TestReadNeverReverts(t *testing.T) {
	s := New(me)
	s.Append(msg(1, peer, "a"), msg(2, me, "b"))
	s.MarkRead([]int64{1})
	s.AcknowledgeRead(2)

	unread := msg(1, peer, "a")
	s.Append(unread)
	s.SoftDelete(1)
	s.AddOptimistic(tmp("tmp-1", "x"))
	s.ReplaceOptimistic("tmp-1", msg(3, me, "x"))

	for _, m := range s.Messages()[:2] {
		assert.True(t, m.Read, "message %s", m.ID)
	}
	assert.False(t, s.MarkRead([]int64{1}) > 0)
}

func TestAcknowledgeReadOnlyOwnMessages(t *testing.T) {
	s := New(me)
	s.Append(msg(1, peer, "a"), msg(2, me, "b"))

	assert.False(t, s.AcknowledgeRead(1))
	assert.True(t, s.AcknowledgeRead(2))
	assert.False(t, s.AcknowledgeRead(2))
	assert.False(t, s.AcknowledgeRead(42))
}

func TestSoftDeletePreservesPosition(t *testing.T) {
	s := New(me)
	s.Append(msg(5, peer, "a"), msg(6, me, "b"), msg(7, me, "c"), msg(8, peer, "d"), msg(9, me, "e"))
	before, _ := s.Get(7)

	require.True(t, s.SoftDelete(7))

	assert.Equal(t, 5, s.Len())
	assert.Equal(t, []string{"5", "6", "7", "8", "9"}, ids(s.Messages()))
	after, _ := s.Get(7)
	assert.True(t, after.Deleted)
	assert.Equal(t, "message supprimé", after.Content)
	assert.Equal(t, before.SenderID, after.SenderID)
	assert.Equal(t, before.Timestamp, after.Timestamp)
	assert.False(t, s.SoftDelete(7))
	assert.False(t, s.SoftDelete(100))
}

func TestWatermarkIgnoresOptimistic(t *testing.T) {
	s := New(me)
	assert.Zero(t, s.Watermark())

	s.Append(msg(3, peer, "a"), msg(9, peer, "b"), msg(4, me, "c"))
	s.AddOptimistic(tmp("tmp-99", "x"))

	assert.Equal(t, int64(9), s.Watermark())
}

func TestResetReplacesSequence(t *testing.T) {
	s := New(me)
	s.Append(msg(1, peer, "a"))
	s.AddOptimistic(tmp("tmp-1", "x"))

	s.Reset([]models.Message{msg(4, peer, "d"), msg(4, peer, "d"), msg(5, me, "e")})

	assert.Equal(t, []string{"4", "5"}, ids(s.Messages()))
	assert.False(t, s.Has(1))
	assert.False(t, s.RemoveOptimistic("tmp-1"))
}

func TestUnreadFrom(t *testing.T) {
	s := New(me)
	read := msg(3, peer, "c")
	read.Read = true
	batch := []models.Message{msg(1, peer, "a"), msg(2, me, "b"), read, tmp("tmp-1", "x")}

	assert.Equal(t, []int64{1}, s.UnreadFrom(batch))
}
