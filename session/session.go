// Package session owns the active conversation of one user: which peer is
// selected, the message store of that conversation, its transport and the
// commands issued against it.
//
// Everything that mutates session state runs on a single loop goroutine.
// Network calls happen off the loop and hand their results back tagged with
// the epoch that started them; results of an older epoch are dropped.
package session

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"dmsync/logger"
	"dmsync/metrics"
	"dmsync/models"
	"dmsync/reconcile"
	"dmsync/transport"
)

// State of the controller
type State string

const (
	StateIdle      State = "idle"
	StateResolving State = "resolving"
	StateActive    State = "active"
)

// ErrClosed is returned by commands issued after Close
var ErrClosed = errors.New("session: closed")

// API is the REST surface the controller needs
type API interface {
	ResolveConversation(ctx context.Context, peerID int64) (models.Conversation, error)
	FetchHistory(ctx context.Context, conversationID, sinceID int64) ([]models.Message, error)
	SendMessage(ctx context.Context, conversationID int64, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID int64) error
	MarkRead(ctx context.Context, conversationID int64, ids []int64) error
}

// Cache remembers resolved conversations and confirmed messages locally.
// It is optional.
type Cache interface {
	ConversationFor(userID, peerID int64) (int64, bool, error)
	RememberConversation(userID, peerID, conversationID int64) error
	SaveMessages(msgs []models.Message) error
	Messages(conversationID int64, limit int) ([]models.Message, error)
}

// Options wires a Controller
type Options struct {
	Identity models.Identity
	API      API
	// Transport builds a fresh adapter for every selected conversation
	Transport func() transport.Adapter
	Cache     Cache
	Logger    *zap.Logger
	Metrics   *metrics.Sync
	Now       func() time.Time
	NewTempID func() string
}

// Snapshot is a copy of the controller state for rendering
type Snapshot struct {
	State          State
	PeerID         int64
	ConversationID int64
	Messages       []models.Message
	Status         models.ConnectionStatus
	PendingDeletes []int64
	PeerTyping     bool
	LastError      error
}

// DeletePending reports whether a delete of id is in flight
func (s Snapshot) DeletePending(id int64) bool {
	for _, p := range s.PendingDeletes {
		if p == id {
			return true
		}
	}
	return false
}

// Controller is the conversation session controller
type Controller struct {
	opts Options
	log  *zap.Logger

	inbox     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	tasks     sync.WaitGroup
	changes   chan struct{}

	snapMu sync.RWMutex
	snap   Snapshot

	// owned by the loop
	state       State
	peerID      int64
	convID      int64
	epoch       uint64
	epochCtx    context.Context
	cancelEpoch context.CancelFunc
	engine      *reconcile.Engine
	adapter     transport.Adapter
	status      models.ConnectionStatus
	pending     map[int64]struct{}
	peerTyping  bool
	lastErr     error
	// cached history shown while resolving
	preview     []models.Message
}

// New starts a controller in the Idle state
func New(opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewTempID == nil {
		opts.NewTempID = models.NewTempID
	}
	c := &Controller{
		opts:    opts,
		log:     logger.OrNop(opts.Logger).With(zap.Int64("user_id", opts.Identity.UserID)),
		inbox:   make(chan func()),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		changes: make(chan struct{}, 1),
		state:   StateIdle,
		pending: make(map[int64]struct{}),
	}
	c.publish()
	go c.loop()
	return c
}

// Identity returns the user this controller acts for
func (c *Controller) Identity() models.Identity {
	return c.opts.Identity
}

// Snapshot returns the state as of the last loop step
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// Changes signals after state changed. Signals are coalesced; read Snapshot
// after receiving one.
func (c *Controller) Changes() <-chan struct{} {
	return c.changes
}

// Close tears down the active conversation and stops the loop. Pending
// completions are dropped.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
	})
	<-c.done
	c.tasks.Wait()
}

// SelectPeer switches the session to the conversation with peerID. The
// previous conversation is torn down before this returns its first result;
// nothing it still has in flight reaches the new store.
func (c *Controller) SelectPeer(ctx context.Context, peerID int64) error {
	var (
		epoch uint64
		ectx  context.Context
	)
	err := c.exec(ctx, func() {
		c.teardown(transport.CloseIntentional)
		c.epoch++
		epoch = c.epoch
		c.epochCtx, c.cancelEpoch = context.WithCancel(context.Background())
		ectx = c.epochCtx
		c.state = StateResolving
		c.peerID = peerID
		c.status = models.ConnectionStatus{State: models.StateConnecting}
	})
	if err != nil {
		return err
	}
	c.log.Info("selecting peer", zap.Int64("peer_id", peerID), zap.Uint64("epoch", epoch))

	rctx, cancel := scoped(ctx, ectx)
	defer cancel()

	convID, history, err := c.resolve(rctx, epoch, peerID)

	var result error
	execErr := c.exec(context.Background(), func() {
		if c.epoch != epoch {
			result = models.ErrSuperseded
			return
		}
		if err != nil {
			c.log.Warn("conversation resolution failed", zap.Int64("peer_id", peerID), zap.Error(err))
			c.teardown(transport.CloseIntentional)
			c.lastErr = err
			if models.IsAuthError(err) {
				c.status = models.ConnectionStatus{State: models.StateAuthFailed}
			} else {
				c.status = models.ConnectionStatus{State: models.StateError}
			}
			result = err
			return
		}
		c.activate(epoch, ectx, convID, history)
	})
	if execErr != nil {
		return execErr
	}
	if result == nil {
		c.persist(history)
	}
	return result
}

// SendText sends content in the active conversation. The message appears
// immediately as optimistic and is confirmed or rolled back when the server
// answers.
func (c *Controller) SendText(ctx context.Context, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, models.ErrEmptyMessage
	}

	var (
		pendingMsg models.Message
		epoch      uint64
		convID     int64
		ectx       context.Context
		engine     *reconcile.Engine
	)
	err := c.exec(ctx, func() {
		if c.state != StateActive {
			return
		}
		engine = c.engine
		epoch, convID, ectx = c.epoch, c.convID, c.epochCtx
		pendingMsg = engine.BeginSend(content)
	})
	if err != nil {
		return models.Message{}, err
	}
	if engine == nil {
		return models.Message{}, models.ErrNoActiveConversation
	}

	sctx, cancel := scoped(ctx, ectx)
	confirmed, sendErr := c.opts.API.SendMessage(sctx, convID, content)
	cancel()
	if sendErr == nil {
		c.persist([]models.Message{confirmed})
	}

	err = c.exec(context.Background(), func() {
		if c.epoch != epoch {
			return
		}
		if sendErr != nil {
			engine.AbortSend(pendingMsg.ID.Temp)
			c.lastErr = sendErr
			return
		}
		engine.ConfirmSend(pendingMsg.ID.Temp, confirmed)
	})
	if sendErr != nil {
		c.log.Warn("send failed", zap.Int64("conversation_id", convID), zap.Error(sendErr))
		return models.Message{}, sendErr
	}
	return confirmed, err
}

// DeleteMessage deletes one of our own confirmed messages. Messages of the
// peer are refused before any request is made, and a second delete of the
// same message while the first is in flight returns ErrDeleteInFlight.
func (c *Controller) DeleteMessage(ctx context.Context, id int64) error {
	var (
		epoch  uint64
		convID int64
		ectx   context.Context
		check  error
		done   bool
	)
	err := c.exec(ctx, func() {
		if c.state != StateActive {
			check = models.ErrNoActiveConversation
			return
		}
		m, ok := c.engine.Store().Get(id)
		switch {
		case !ok:
			check = models.ErrMessageNotFound
		case !c.opts.Identity.Owns(m):
			check = models.ErrOwnershipViolation
		case m.Deleted:
			done = true
		default:
			if _, inFlight := c.pending[id]; inFlight {
				check = models.ErrDeleteInFlight
				return
			}
			c.pending[id] = struct{}{}
			c.opts.Metrics.SetPendingDeletes(len(c.pending))
			epoch, convID, ectx = c.epoch, c.convID, c.epochCtx
		}
	})
	if err != nil {
		return err
	}
	if check != nil || done {
		return check
	}

	dctx, cancel := scoped(ctx, ectx)
	delErr := c.opts.API.DeleteMessage(dctx, convID, id)
	cancel()

	var deleted models.Message
	err = c.exec(context.Background(), func() {
		if c.epoch != epoch {
			return
		}
		delete(c.pending, id)
		c.opts.Metrics.SetPendingDeletes(len(c.pending))
		if delErr != nil {
			c.lastErr = delErr
			return
		}
		c.engine.ConfirmDelete(id)
		deleted, _ = c.engine.Store().Get(id)
	})
	if delErr != nil {
		c.log.Warn("delete failed", zap.Int64("message_id", id), zap.Error(delErr))
		return delErr
	}
	if deleted.Deleted {
		c.persist([]models.Message{deleted})
	}
	return err
}

// SetTyping tells the peer whether we are typing. Transports without an
// upstream channel ignore it.
func (c *Controller) SetTyping(ctx context.Context, typing bool) error {
	var (
		adapter transport.Adapter
		ectx    context.Context
	)
	err := c.exec(ctx, func() {
		if c.state == StateActive {
			adapter, ectx = c.adapter, c.epochCtx
		}
	})
	if err != nil {
		return err
	}
	if adapter == nil {
		return models.ErrNoActiveConversation
	}
	tctx, cancel := scoped(ctx, ectx)
	defer cancel()
	err = adapter.Send(tctx, models.Event{
		Type:   models.EventTyping,
		UserID: c.opts.Identity.UserID,
		Typing: typing,
	})
	if errors.Is(err, transport.ErrUnsupported) {
		return nil
	}
	return err
}

func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.inbox:
			fn()
			c.publish()
		case <-c.quit:
			c.teardown(transport.CloseUnmount)
			c.peerID = 0
			c.status = models.ConnectionStatus{State: models.StateIdle}
			c.publish()
			return
		}
	}
}

// exec runs fn on the loop and waits for it
func (c *Controller) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.inbox <- func() { defer close(done); fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrClosed
	}
	<-done
	return nil
}

// post queues fn on the loop unless ctx ends first
func (c *Controller) post(ctx context.Context, fn func()) bool {
	select {
	case c.inbox <- fn:
		return true
	case <-ctx.Done():
		return false
	case <-c.quit:
		return false
	}
}

// teardown ends the current epoch. Must run on the loop.
func (c *Controller) teardown(reason transport.CloseReason) {
	if c.cancelEpoch != nil {
		c.cancelEpoch()
		c.cancelEpoch = nil
	}
	if c.adapter != nil {
		if err := c.adapter.Close(reason); err != nil {
			c.log.Debug("transport close failed", zap.Error(err))
		}
		c.adapter = nil
	}
	c.engine = nil
	c.convID = 0
	c.state = StateIdle
	c.peerTyping = false
	c.lastErr = nil
	c.preview = nil
	c.status = models.ConnectionStatus{State: models.StateIdle}
	if len(c.pending) > 0 {
		c.pending = make(map[int64]struct{})
		c.opts.Metrics.SetPendingDeletes(0)
	}
}

// activate installs the resolved conversation. Must run on the loop.
func (c *Controller) activate(epoch uint64, ectx context.Context, convID int64, history []models.Message) {
	c.convID = convID
	c.preview = nil
	c.engine = reconcile.New(reconcile.Config{
		ConversationID: convID,
		SelfID:         c.opts.Identity.UserID,
		Reads:          c.opts.API,
		Async:          c.async(epoch, ectx),
		Logger:         c.log,
		Metrics:        c.opts.Metrics,
		Now:            c.opts.Now,
		NewTempID:      c.opts.NewTempID,
	})
	c.engine.Load(history)
	c.state = StateActive
	c.log.Info("conversation active",
		zap.Int64("peer_id", c.peerID),
		zap.Int64("conversation_id", convID),
		zap.Int("messages", len(history)))

	if c.opts.Transport == nil {
		return
	}
	adapter := c.opts.Transport()
	if err := adapter.Open(ectx, convID, &sink{c: c, epoch: epoch, ctx: ectx}); err != nil {
		c.log.Warn("transport open failed", zap.Error(err))
		c.lastErr = err
		c.status = models.ConnectionStatus{State: models.StateError}
		return
	}
	c.adapter = adapter
}

// resolve finds the conversation id, from the cache when possible, and
// loads its history. While the history request is out, the cached copy is
// shown. A cached id the server no longer accepts is resolved again over the
// network.
func (c *Controller) resolve(ctx context.Context, epoch uint64, peerID int64) (int64, []models.Message, error) {
	self := c.opts.Identity.UserID
	if c.opts.Cache != nil {
		id, ok, err := c.opts.Cache.ConversationFor(self, peerID)
		if err != nil {
			c.log.Warn("conversation cache lookup failed", zap.Error(err))
		}
		if ok {
			c.showCached(ctx, epoch, id)
			history, err := c.opts.API.FetchHistory(ctx, id, 0)
			if err == nil {
				return id, history, nil
			}
			if !staleConversation(err) {
				return 0, nil, err
			}
			c.log.Info("cached conversation rejected", zap.Int64("conversation_id", id), zap.Error(err))
			c.post(ctx, func() {
				if c.epoch == epoch {
					c.preview = nil
				}
			})
		}
	}

	conv, err := c.opts.API.ResolveConversation(ctx, peerID)
	if err != nil {
		return 0, nil, err
	}
	if c.opts.Cache != nil {
		if err := c.opts.Cache.RememberConversation(self, peerID, conv.ID); err != nil {
			c.log.Warn("conversation cache write failed", zap.Error(err))
		}
	}
	history, err := c.opts.API.FetchHistory(ctx, conv.ID, 0)
	if err != nil {
		return 0, nil, err
	}
	return conv.ID, history, nil
}

// showCached publishes the cached messages of conversationID as the preview
// of a selection that is still resolving.
func (c *Controller) showCached(ctx context.Context, epoch uint64, conversationID int64) {
	msgs, err := c.opts.Cache.Messages(conversationID, 0)
	if err != nil {
		c.log.Warn("message cache read failed", zap.Error(err))
		return
	}
	if len(msgs) == 0 {
		return
	}
	c.post(ctx, func() {
		if c.epoch == epoch && c.state == StateResolving {
			c.preview = msgs
		}
	})
}

// async runs engine tasks in their own goroutine and applies their
// continuation on the loop while epoch is current.
func (c *Controller) async(epoch uint64, ectx context.Context) reconcile.Async {
	return func(t reconcile.Task) {
		c.tasks.Add(1)
		go func() {
			defer c.tasks.Done()
			next := t(ectx)
			if next == nil {
				return
			}
			c.post(ectx, func() {
				if c.epoch == epoch {
					next()
				}
			})
		}()
	}
}

// staleConversation reports whether err means the conversation id is not
// valid for us anymore, as opposed to a network or credential failure.
func staleConversation(err error) bool {
	var rf *models.RequestFailed
	if errors.As(err, &rf) {
		return true
	}
	var ae *models.AuthError
	return errors.As(err, &ae) && ae.Code == http.StatusForbidden
}

func (c *Controller) persist(msgs []models.Message) {
	if c.opts.Cache == nil || len(msgs) == 0 {
		return
	}
	if err := c.opts.Cache.SaveMessages(msgs); err != nil {
		c.log.Warn("message cache write failed", zap.Error(err))
	}
}

// publish refreshes the snapshot. Must run on the loop.
func (c *Controller) publish() {
	snap := Snapshot{
		State:          c.state,
		PeerID:         c.peerID,
		ConversationID: c.convID,
		Status:         c.status,
		PeerTyping:     c.peerTyping,
		LastError:      c.lastErr,
	}
	if c.engine != nil {
		snap.Messages = c.engine.Store().Messages()
	} else if c.state == StateResolving && len(c.preview) > 0 {
		snap.Messages = append([]models.Message(nil), c.preview...)
	}
	for id := range c.pending {
		snap.PendingDeletes = append(snap.PendingDeletes, id)
	}
	sort.Slice(snap.PendingDeletes, func(i, j int) bool { return snap.PendingDeletes[i] < snap.PendingDeletes[j] })

	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()

	select {
	case c.changes <- struct{}{}:
	default:
	}
}

// scoped returns a context that ends with either parent
func scoped(ctx, epoch context.Context) (context.Context, context.CancelFunc) {
	sctx, cancel := context.WithCancel(ctx)
	if epoch == nil {
		return sctx, cancel
	}
	stop := context.AfterFunc(epoch, cancel)
	return sctx, func() {
		stop()
		cancel()
	}
}
