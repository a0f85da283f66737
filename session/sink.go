package session

import (
	"context"

	"go.uber.org/zap"

	"dmsync/models"
)

// sink hands transport output to the loop for one epoch. Once the epoch
// ends every call returns without waiting on the loop.
type sink struct {
	c     *Controller
	epoch uint64
	ctx   context.Context
}

func (s *sink) Deliver(batch []models.Message) {
	s.c.persist(batch)
	s.c.post(s.ctx, func() {
		if s.current() {
			s.c.engine.Ingest(batch)
		}
	})
}

func (s *sink) Event(ev models.Event) {
	switch ev.Type {
	case models.EventChatMessage:
		if ev.Message != nil {
			s.c.persist([]models.Message{*ev.Message})
		}
	}
	s.c.post(s.ctx, func() {
		if !s.current() {
			return
		}
		if ev.Type == models.EventTyping {
			if ev.UserID != s.c.opts.Identity.UserID {
				s.c.peerTyping = ev.Typing
			}
			return
		}
		s.c.engine.HandleEvent(ev)
	})
}

func (s *sink) Status(st models.ConnectionStatus) {
	s.c.post(s.ctx, func() {
		if !s.current() {
			return
		}
		if st != s.c.status {
			s.c.log.Info("connection status",
				zap.Int64("conversation_id", s.c.convID),
				zap.String("state", string(st.State)),
				zap.Int("attempt", st.Attempt))
		}
		s.c.status = st
		if st.State == models.StateAuthFailed {
			s.c.lastErr = &models.AuthError{Message: "transport rejected credentials"}
		}
	})
}

func (s *sink) Watermark(ctx context.Context) (int64, error) {
	ch := make(chan int64, 1)
	if !s.c.post(s.ctx, func() {
		if s.current() {
			ch <- s.c.engine.Watermark()
		}
	}) {
		return 0, context.Canceled
	}
	select {
	case w := <-ch:
		return w, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.ctx.Done():
		return 0, s.ctx.Err()
	}
}

// current reports whether the sink's epoch is still active. Loop only.
func (s *sink) current() bool {
	return s.c.epoch == s.epoch && s.c.engine != nil
}
