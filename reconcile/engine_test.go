package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmsync/metrics"
	"dmsync/models"
	"dmsync/store"
)

const (
	me   int64 = 1
	peer int64 = 2
	conv int64 = 10
)

type fakeReads struct {
	calls [][]int64
	err   error
}

func (f *fakeReads) MarkRead(_ context.Context, conversationID int64, ids []int64) error {
	if conversationID != conv {
		return errors.New("wrong conversation")
	}
	f.calls = append(f.calls, ids)
	return f.err
}

// queued collects tasks so tests decide when async work completes.
type queued struct {
	tasks []Task
}

func (q *queued) async(t Task) { q.tasks = append(q.tasks, t) }

func (q *queued) drain() {
	tasks := q.tasks
	q.tasks = nil
	for _, t := range tasks {
		if next := t(context.Background()); next != nil {
			next()
		}
	}
}

func msg(id, sender int64, content string) models.Message {
	return models.Message{
		ID:             models.ConfirmedID(id),
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		Timestamp:      time.Unix(1700000000+id, 0).UTC(),
	}
}

func newEngine(t *testing.T, reads ReadMarker, q *queued) (*Engine, *metrics.Sync) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	temp := 0
	return New(Config{
		Store:          store.New(me),
		ConversationID: conv,
		SelfID:         me,
		Reads:          reads,
		Async:          q.async,
		Metrics:        m,
		Now:            func() time.Time { return time.Unix(1700000500, 0).UTC() },
		NewTempID: func() string {
			temp++
			return models.TempIDPrefix + string(rune('a'+temp-1))
		},
	}), m
}

func TestIngestFiltersKnownAndMarksPeerMessagesRead(t *testing.T) {
	reads := &fakeReads{}
	q := &queued{}
	e, m := newEngine(t, reads, q)

	e.Ingest([]models.Message{msg(1, peer, "a"), msg(2, me, "b")})
	added := e.Ingest([]models.Message{msg(2, me, "b"), msg(3, peer, "c")})

	require.Len(t, added, 1)
	assert.Equal(t, int64(3), added[0].ID.Server)
	assert.Equal(t, 3, e.Store().Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Duplicates))

	msgs := e.Store().Messages()
	assert.False(t, msgs[0].Read, "read flag waits for the endpoint")

	q.drain()
	assert.Equal(t, [][]int64{{1}, {3}}, reads.calls)
	msgs = e.Store().Messages()
	assert.True(t, msgs[0].Read)
	assert.False(t, msgs[1].Read)
	assert.True(t, msgs[2].Read)
}

func TestMarkReadFailureDoesNotBlockDisplay(t *testing.T) {
	reads := &fakeReads{err: errors.New("boom")}
	q := &queued{}
	e, m := newEngine(t, reads, q)

	e.Ingest([]models.Message{msg(1, peer, "a")})
	q.drain()

	require.Equal(t, 1, e.Store().Len())
	assert.False(t, e.Store().Messages()[0].Read)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReadMarkFailures))
}

func TestOptimisticSendConfirmed(t *testing.T) {
	q := &queued{}
	e, _ := newEngine(t, nil, q)
	e.Ingest([]models.Message{msg(1, peer, "a")})

	pending := e.BeginSend("  hi  ")
	require.True(t, pending.ID.IsOptimistic())
	assert.Equal(t, "hi", pending.Content)
	e.Ingest([]models.Message{msg(3, peer, "c")})

	confirmed := msg(5, me, "hi")
	confirmed.ConversationID = 0
	e.ConfirmSend(pending.ID.Temp, confirmed)

	msgs := e.Store().Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(5), msgs[1].ID.Server)
	assert.Equal(t, conv, msgs[1].ConversationID)
	assert.Equal(t, models.OriginConfirmed, msgs[1].Origin())
}

func TestOptimisticSendRolledBack(t *testing.T) {
	q := &queued{}
	e, m := newEngine(t, nil, q)

	pending := e.BeginSend("hi")
	assert.Equal(t, 1, e.Store().Len())

	e.AbortSend(pending.ID.Temp)
	assert.Zero(t, e.Store().Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OptimisticRollback))
}

func TestHandleEvents(t *testing.T) {
	reads := &fakeReads{}
	q := &queued{}
	e, _ := newEngine(t, reads, q)
	e.Load([]models.Message{msg(1, me, "mine"), msg(2, peer, "theirs")})
	q.drain()

	pushed := msg(3, peer, "pushed")
	assert.True(t, e.HandleEvent(models.Event{Type: models.EventChatMessage, Message: &pushed}))
	assert.False(t, e.HandleEvent(models.Event{Type: models.EventChatMessage, Message: &pushed}))
	assert.False(t, e.HandleEvent(models.Event{Type: models.EventChatMessage}))
	assert.True(t, e.HandleEvent(models.Event{Type: models.EventReadReceipt, MessageID: 1}))
	assert.False(t, e.HandleEvent(models.Event{Type: models.EventReadReceipt, MessageID: 2}))
	assert.True(t, e.HandleEvent(models.Event{Type: models.EventMessageDeleted, MessageID: 2}))
	assert.False(t, e.HandleEvent(models.Event{Type: models.EventTyping, Typing: true}))

	msgs := e.Store().Messages()
	require.Len(t, msgs, 3)
	assert.True(t, msgs[0].Read)
	assert.True(t, msgs[1].Deleted)
	assert.Equal(t, models.DeletedPlaceholder, msgs[1].Content)
	assert.Equal(t, [][]int64{{2}}, reads.calls)
}

func TestLoadReplacesAndWatermark(t *testing.T) {
	q := &queued{}
	e, _ := newEngine(t, nil, q)
	e.Ingest([]models.Message{msg(40, peer, "old")})
	e.BeginSend("pending")

	e.Load([]models.Message{msg(7, peer, "a"), msg(8, me, "b")})

	assert.Equal(t, 2, e.Store().Len())
	assert.Equal(t, int64(8), e.Watermark())
	e.BeginSend("later")
	assert.Equal(t, int64(8), e.Watermark())
}

func TestDefaultAsyncRunsInline(t *testing.T) {
	reads := &fakeReads{}
	e := New(Config{ConversationID: conv, SelfID: me, Reads: reads})

	e.Ingest([]models.Message{msg(1, peer, "a")})

	assert.Len(t, reads.calls, 1)
	assert.True(t, e.Store().Messages()[0].Read)
}

func TestReadReceiptBeforeConfirmation(t *testing.T) {
	q := &queued{}
	e, _ := newEngine(t, nil, q)
	pending := e.BeginSend("hi")

	assert.False(t, e.HandleEvent(models.Event{Type: models.EventReadReceipt, MessageID: 6}))
	e.ConfirmSend(pending.ID.Temp, msg(6, me, "hi"))

	msgs := e.Store().Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Read)
}

func TestEarlyReceiptsOnlyKeptWhileSending(t *testing.T) {
	q := &queued{}
	e, _ := newEngine(t, nil, q)
	e.Load([]models.Message{msg(1, me, "a")})

	e.HandleEvent(models.Event{Type: models.EventReadReceipt, MessageID: 99})
	assert.Empty(t, e.early, "no send pending")

	first := e.BeginSend("b")
	second := e.BeginSend("c")
	e.HandleEvent(models.Event{Type: models.EventReadReceipt, MessageID: 50})
	e.HandleEvent(models.Event{Type: models.EventReadReceipt, MessageID: 51})
	e.ConfirmSend(first.ID.Temp, msg(2, me, "b"))
	assert.Len(t, e.early, 2)

	e.AbortSend(second.ID.Temp)
	assert.Empty(t, e.early)

	e.HandleEvent(models.Event{Type: models.EventReadReceipt, MessageID: 3})
	e.BeginSend("d")
	e.HandleEvent(models.Event{Type: models.EventReadReceipt, MessageID: 4})
	e.Load(nil)
	assert.Empty(t, e.early)
}

func TestConfirmDelete(t *testing.T) {
	q := &queued{}
	e, _ := newEngine(t, nil, q)
	e.Load([]models.Message{msg(1, me, "a"), msg(2, me, "b")})

	assert.True(t, e.ConfirmDelete(2))
	assert.False(t, e.ConfirmDelete(2))
	assert.False(t, e.ConfirmDelete(3))

	msgs := e.Store().Messages()
	assert.Equal(t, "a", msgs[0].Content)
	assert.Equal(t, models.DeletedPlaceholder, msgs[1].Content)
}
