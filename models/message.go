package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeletedPlaceholder replaces the content of a soft-deleted message.
const DeletedPlaceholder = "message supprimé"

// TempIDPrefix tags client-local identifiers
const TempIDPrefix = "tmp-"

// IDKind tells confirmed server ids apart from client-local ones
type IDKind uint8

const (
	KindConfirmed IDKind = iota
	KindOptimistic
)

// MessageID is either a server-assigned id or a temporary id handed out
// before the server confirmed the message. The two namespaces never mix.
type MessageID struct {
	Kind   IDKind
	Server int64
	Temp   string
}

// ConfirmedID wraps a server-assigned id
func ConfirmedID(id int64) MessageID {
	return MessageID{Kind: KindConfirmed, Server: id}
}

// OptimisticID wraps a temporary id
func OptimisticID(temp string) MessageID {
	return MessageID{Kind: KindOptimistic, Temp: temp}
}

// NewTempID returns a fresh temporary id
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

func (id MessageID) IsOptimistic() bool {
	return id.Kind == KindOptimistic
}

func (id MessageID) String() string {
	if id.IsOptimistic() {
		return id.Temp
	}
	return strconv.FormatInt(id.Server, 10)
}

// MarshalJSON encodes confirmed ids as numbers and temporary ids as strings.
func (id MessageID) MarshalJSON() ([]byte, error) {
	if id.IsOptimistic() {
		return json.Marshal(id.Temp)
	}
	return []byte(strconv.FormatInt(id.Server, 10)), nil
}

// UnmarshalJSON accepts a number (confirmed) or a string. Strings that parse
// as integers are treated as confirmed ids as well.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("message id is empty")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			*id = ConfirmedID(n)
			return nil
		}
		if !strings.HasPrefix(s, TempIDPrefix) {
			return fmt.Errorf("invalid message id %q", s)
		}
		*id = OptimisticID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid message id %s: %w", data, err)
	}
	*id = ConfirmedID(n)
	return nil
}

// Origin of a message in the local sequence
type Origin string

const (
	OriginConfirmed  Origin = "confirmed"
	OriginOptimistic Origin = "optimistic"
)

// Message represents one chat line of a conversation
type Message struct {
	ID             MessageID `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Read           bool      `json:"read"`
	Deleted        bool      `json:"deleted"`
}

// Origin reports whether the message is still waiting for confirmation.
func (m Message) Origin() Origin {
	if m.ID.IsOptimistic() {
		return OriginOptimistic
	}
	return OriginConfirmed
}

// Conversation binds the current user and one peer
type Conversation struct {
	ID     int64 `json:"conversation_id"`
	PeerID int64 `json:"peer_id"`
}

// EventType is the discriminator of real-time channel events
type EventType string

const (
	EventChatMessage    EventType = "chat_message"
	EventReadReceipt    EventType = "read_receipt"
	EventMessageDeleted EventType = "message_deleted"
	EventTyping         EventType = "typing"
)

// Event is the format for real-time messages
type Event struct {
	Type      EventType `json:"type"`
	Message   *Message  `json:"message,omitempty"`
	MessageID int64     `json:"message_id,omitempty"`
	UserID    int64     `json:"user_id,omitempty"`
	Typing    bool      `json:"typing,omitempty"`
}
