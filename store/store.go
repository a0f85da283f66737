// Package store holds the ordered message sequence of the active
// conversation. A Store has exactly one writer and is not safe for
// concurrent use.
package store

import (
	"dmsync/models"
)

// Store is the in-memory, arrival-ordered list of messages
type Store struct {
	self      int64
	msgs      []models.Message
	confirmed map[int64]int  // server id -> position
	temps     map[string]int // temp id -> position
}

// New creates an empty store for the user selfID
func New(selfID int64) *Store {
	return &Store{
		self:      selfID,
		confirmed: make(map[int64]int),
		temps:     make(map[string]int),
	}
}

// Len returns the number of held messages
func (s *Store) Len() int {
	return len(s.msgs)
}

// Has reports whether a confirmed id is held
func (s *Store) Has(id int64) bool {
	_, ok := s.confirmed[id]
	return ok
}

// Get returns the confirmed message with the given id
func (s *Store) Get(id int64) (models.Message, bool) {
	pos, ok := s.confirmed[id]
	if !ok {
		return models.Message{}, false
	}
	return s.msgs[pos], true
}

// Messages returns a copy of the sequence
func (s *Store) Messages() []models.Message {
	out := make([]models.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Reset replaces the whole sequence, keeping the first occurrence of
// every id.
func (s *Store) Reset(msgs []models.Message) {
	s.msgs = nil
	s.confirmed = make(map[int64]int, len(msgs))
	s.temps = make(map[string]int)
	s.Append(msgs...)
}

// Append adds the messages whose id is not held yet and returns the ones
// that were added. Duplicates inside msgs are dropped too. Confirmed ids are
// only compared with confirmed ids and temporary ids with temporary ids.
func (s *Store) Append(msgs ...models.Message) []models.Message {
	var added []models.Message
	for _, m := range msgs {
		if s.contains(m.ID) {
			continue
		}
		s.push(m)
		added = append(added, m)
	}
	return added
}

// AddOptimistic appends a locally created message at the tail. It returns
// false when the temporary id is already held.
func (s *Store) AddOptimistic(m models.Message) bool {
	if !m.ID.IsOptimistic() || s.contains(m.ID) {
		return false
	}
	s.push(m)
	return true
}

// ReplaceOptimistic swaps the temporary entry for its confirmed record at
// the same position. When the temporary entry is gone the confirmed record
// is appended. When the confirmed id is already held, the temporary entry is
// dropped so the sequence keeps one entry per id.
func (s *Store) ReplaceOptimistic(tempID string, confirmed models.Message) {
	pos, hasTemp := s.temps[tempID]
	if s.contains(confirmed.ID) {
		if hasTemp {
			s.removeAt(pos)
		}
		return
	}
	if !hasTemp {
		s.push(confirmed)
		return
	}
	delete(s.temps, tempID)
	s.msgs[pos] = confirmed
	s.index(pos)
}

// RemoveOptimistic drops a temporary entry entirely
func (s *Store) RemoveOptimistic(tempID string) bool {
	pos, ok := s.temps[tempID]
	if !ok {
		return false
	}
	s.removeAt(pos)
	return true
}

// MarkRead flags the given messages as read. Only messages sent by the
// other participant are touched; it returns how many changed.
func (s *Store) MarkRead(ids []int64) int {
	n := 0
	for _, id := range ids {
		pos, ok := s.confirmed[id]
		if !ok {
			continue
		}
		m := &s.msgs[pos]
		if m.SenderID == s.self || m.Read {
			continue
		}
		m.Read = true
		n++
	}
	return n
}

// AcknowledgeRead applies a read receipt from the peer to one of our own
// outgoing messages.
func (s *Store) AcknowledgeRead(id int64) bool {
	pos, ok := s.confirmed[id]
	if !ok {
		return false
	}
	m := &s.msgs[pos]
	if m.SenderID != s.self || m.Read {
		return false
	}
	m.Read = true
	return true
}

// SoftDelete marks the message deleted and replaces its content with the
// placeholder. Id, sender, timestamp and position are kept.
func (s *Store) SoftDelete(id int64) bool {
	pos, ok := s.confirmed[id]
	if !ok {
		return false
	}
	m := &s.msgs[pos]
	if m.Deleted {
		return false
	}
	m.Deleted = true
	m.Content = models.DeletedPlaceholder
	return true
}

// Watermark returns the highest confirmed id held, or 0.
func (s *Store) Watermark() int64 {
	var max int64
	for id := range s.confirmed {
		if id > max {
			max = id
		}
	}
	return max
}

// UnreadFrom returns the confirmed ids of unread messages not sent by self.
func (s *Store) UnreadFrom(msgs []models.Message) []int64 {
	var ids []int64
	for _, m := range msgs {
		if m.ID.IsOptimistic() || m.SenderID == s.self || m.Read {
			continue
		}
		ids = append(ids, m.ID.Server)
	}
	return ids
}

func (s *Store) contains(id models.MessageID) bool {
	if id.IsOptimistic() {
		_, ok := s.temps[id.Temp]
		return ok
	}
	_, ok := s.confirmed[id.Server]
	return ok
}

func (s *Store) push(m models.Message) {
	s.msgs = append(s.msgs, m)
	s.index(len(s.msgs) - 1)
}

func (s *Store) index(pos int) {
	id := s.msgs[pos].ID
	if id.IsOptimistic() {
		s.temps[id.Temp] = pos
		return
	}
	s.confirmed[id.Server] = pos
}

func (s *Store) removeAt(pos int) {
	id := s.msgs[pos].ID
	if id.IsOptimistic() {
		delete(s.temps, id.Temp)
	} else {
		delete(s.confirmed, id.Server)
	}
	s.msgs = append(s.msgs[:pos], s.msgs[pos+1:]...)
	for i := pos; i < len(s.msgs); i++ {
		s.index(i)
	}
}
