package testutil

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"dmsync/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsClient is one connected WebSocket
type wsClient struct {
	conn           *websocket.Conn
	send           chan []byte
	userID         int64
	conversationID int64
}

// hub keeps the connected clients per conversation
type hub struct {
	mu      sync.RWMutex
	clients map[int64]map[*wsClient]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[int64]map[*wsClient]struct{})}
}

func (h *hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.clients[c.conversationID]
	if !ok {
		room = make(map[*wsClient]struct{})
		h.clients[c.conversationID] = room
	}
	room[c] = struct{}{}
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.clients[c.conversationID]; ok {
		if _, ok := room[c]; ok {
			delete(room, c)
			close(c.send)
		}
	}
}

func (h *hub) count(conversationID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[conversationID])
}

// online reports whether the user has any WebSocket open
func (h *hub) online(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, room := range h.clients {
		for c := range room {
			if c.userID == userID {
				return true
			}
		}
	}
	return false
}

// broadcast sends ev to every client of the conversation except the user
// skip (0 skips nobody).
func (h *hub) broadcast(conversationID, skip int64, ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[conversationID] {
		if skip != 0 && c.userID == skip {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

// closeAll closes every connection of a conversation with code
func (h *hub) closeAll(conversationID int64, code int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[conversationID] {
		msg := websocket.FormatCloseMessage(code, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.conn.Close()
	}
}

func (b *Backend) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r)
	convID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || !b.isMember(convID, userID) {
		writeError(w, http.StatusForbidden, "Not a member of this conversation")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsClient{
		conn:           conn,
		send:           make(chan []byte, 256),
		userID:         userID,
		conversationID: convID,
	}
	b.hub.register(c)
	b.count("ws")

	go c.writePump()
	go b.readPump(c)
}

func (b *Backend) readPump(c *wsClient) {
	defer func() {
		b.hub.unregister(c)
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		// Forward typing indicators to the other participant
		if ev.Type == models.EventTyping {
			b.hub.broadcast(c.conversationID, c.userID, models.Event{
				Type:   models.EventTyping,
				UserID: c.userID,
				Typing: ev.Typing,
			})
		}
	}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
