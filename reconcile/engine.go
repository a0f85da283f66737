// Package reconcile decides how inbound batches, send confirmations and
// channel events change the message store of the active conversation.
//
// An Engine runs on the session loop. The only way it leaves the loop is
// through Async: the task runs elsewhere and the continuation it returns is
// applied back on the loop.
package reconcile

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"dmsync/logger"
	"dmsync/metrics"
	"dmsync/models"
	"dmsync/store"
)

// ReadMarker is the read-receipt endpoint
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID int64, ids []int64) error
}

// Task runs off the loop. The returned continuation, if any, is applied on
// the loop afterwards.
type Task func(ctx context.Context) func()

// Async schedules a Task
type Async func(Task)

// Config wires an Engine
type Config struct {
	Store          *store.Store
	ConversationID int64
	SelfID         int64
	Reads          ReadMarker
	Async          Async
	Logger         *zap.Logger
	Metrics        *metrics.Sync
	Now            func() time.Time
	NewTempID      func() string
}

// Engine is the single authority over store mutations for one conversation
type Engine struct {
	store     *store.Store
	conv      int64
	self      int64
	reads     ReadMarker
	async     Async
	log       *zap.Logger
	metrics   *metrics.Sync
	now       func() time.Time
	newTempID func() string

	// sends awaiting confirmation
	sending int
	// receipts that arrived before the send they acknowledge was confirmed;
	// only kept while sending > 0
	early   map[int64]struct{}
}

func New(cfg Config) *Engine {
	e := &Engine{
		store:     cfg.Store,
		conv:      cfg.ConversationID,
		self:      cfg.SelfID,
		reads:     cfg.Reads,
		async:     cfg.Async,
		log:       logger.OrNop(cfg.Logger).With(zap.Int64("conversation_id", cfg.ConversationID)),
		metrics:   cfg.Metrics,
		now:       cfg.Now,
		newTempID: cfg.NewTempID,
	}
	if e.store == nil {
		e.store = store.New(cfg.SelfID)
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newTempID == nil {
		e.newTempID = models.NewTempID
	}
	if e.async == nil {
		e.async = func(t Task) {
			if next := t(context.Background()); next != nil {
				next()
			}
		}
	}
	return e
}

// Store returns the store the engine writes to
func (e *Engine) Store() *store.Store {
	return e.store
}

// ConversationID returns the conversation this engine reconciles
func (e *Engine) ConversationID() int64 {
	return e.conv
}

// Load replaces the store contents with history and marks the peer's
// unread messages as read.
func (e *Engine) Load(history []models.Message) {
	e.early, e.sending = nil, 0
	e.store.Reset(history)
	e.metrics.SetStoreSize(e.store.Len())
	e.markRead(e.store.UnreadFrom(e.store.Messages()))
}

// Ingest applies a pushed or polled batch and returns the messages that were
// new.
func (e *Engine) Ingest(batch []models.Message) []models.Message {
	if len(batch) == 0 {
		return nil
	}
	added := e.store.Append(batch...)
	e.metrics.MessagesAppended(len(added))
	e.metrics.DuplicatesDropped(len(batch) - len(added))
	e.metrics.SetStoreSize(e.store.Len())
	if len(added) > 0 {
		e.log.Debug("ingested messages",
			zap.Int("received", len(batch)),
			zap.Int("appended", len(added)),
			zap.Int64("watermark", e.store.Watermark()))
	}
	e.markRead(e.store.UnreadFrom(added))
	return added
}

// HandleEvent applies one real-time event and reports whether the store
// changed. Typing events are not store state and are ignored here.
func (e *Engine) HandleEvent(ev models.Event) bool {
	switch ev.Type {
	case models.EventChatMessage:
		if ev.Message == nil {
			return false
		}
		return len(e.Ingest([]models.Message{*ev.Message})) > 0
	case models.EventReadReceipt:
		if !e.store.Has(ev.MessageID) {
			if e.sending == 0 {
				return false
			}
			if e.early == nil {
				e.early = make(map[int64]struct{})
			}
			e.early[ev.MessageID] = struct{}{}
			return false
		}
		return e.store.AcknowledgeRead(ev.MessageID)
	case models.EventMessageDeleted:
		return e.store.SoftDelete(ev.MessageID)
	}
	return false
}

// BeginSend inserts an optimistic message for content and returns it.
func (e *Engine) BeginSend(content string) models.Message {
	m := models.Message{
		ID:             models.OptimisticID(e.newTempID()),
		ConversationID: e.conv,
		SenderID:       e.self,
		Content:        strings.TrimSpace(content),
		Timestamp:      e.now(),
	}
	if e.store.AddOptimistic(m) {
		e.sending++
	}
	e.metrics.SetStoreSize(e.store.Len())
	return m
}

// ConfirmSend replaces the optimistic entry with the record the server
// returned.
func (e *Engine) ConfirmSend(tempID string, confirmed models.Message) {
	if confirmed.ConversationID == 0 {
		confirmed.ConversationID = e.conv
	}
	e.store.ReplaceOptimistic(tempID, confirmed)
	if _, ok := e.early[confirmed.ID.Server]; ok {
		delete(e.early, confirmed.ID.Server)
		e.store.AcknowledgeRead(confirmed.ID.Server)
	}
	e.settle()
	e.metrics.Confirmed()
	e.metrics.SetStoreSize(e.store.Len())
}

// AbortSend removes the optimistic entry of a failed send
func (e *Engine) AbortSend(tempID string) {
	e.settle()
	if e.store.RemoveOptimistic(tempID) {
		e.metrics.RolledBack()
		e.metrics.SetStoreSize(e.store.Len())
	}
}

// ConfirmDelete soft-deletes one of our messages after the server accepted
// the deletion.
func (e *Engine) ConfirmDelete(id int64) bool {
	return e.store.SoftDelete(id)
}

// Watermark is the highest confirmed id held; polls ask for newer messages
// only.
func (e *Engine) Watermark() int64 {
	return e.store.Watermark()
}

// settle ends one pending send. Early receipts cannot match anything once
// no send is pending.
func (e *Engine) settle() {
	if e.sending > 0 {
		e.sending--
	}
	if e.sending == 0 {
		e.early = nil
	}
}

func (e *Engine) markRead(ids []int64) {
	if len(ids) == 0 || e.reads == nil {
		return
	}
	e.async(func(ctx context.Context) func() {
		if err := e.reads.MarkRead(ctx, e.conv, ids); err != nil {
			if ctx.Err() == nil {
				e.log.Warn("mark read failed", zap.Int64s("message_ids", ids), zap.Error(err))
				e.metrics.ReadMarkFailed()
			}
			return nil
		}
		return func() {
			e.store.MarkRead(ids)
		}
	})
}
