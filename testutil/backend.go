// Package testutil runs an in-process chat backend for tests: the REST
// conversation endpoints, a WebSocket hub per conversation and bearer-token
// authentication.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"dmsync/models"
)

type pair struct{ a, b int64 }

func pairOf(x, y int64) pair {
	if x > y {
		x, y = y, x
	}
	return pair{x, y}
}

// Backend is a fake chat server
type Backend struct {
	Server *httptest.Server

	mu       sync.Mutex
	tokens   map[string]int64
	names    map[int64]string
	convs    map[pair]int64
	members  map[int64]pair
	messages map[int64][]models.Message
	nextConv int64
	nextMsg  int64
	calls    map[string]int
	failures map[string]int
	gates    map[string]chan struct{}
	clock    time.Time

	hub *hub
}

type resolveRequest struct {
	PeerID int64 `json:"peer_id"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type markReadRequest struct {
	MessageIDs []int64 `json:"message_ids"`
}

// NewBackend starts a backend that is closed when the test ends
func NewBackend(t testing.TB) *Backend {
	b := &Backend{
		tokens:   make(map[string]int64),
		names:    make(map[int64]string),
		convs:    make(map[pair]int64),
		members:  make(map[int64]pair),
		messages: make(map[int64][]models.Message),
		calls:    make(map[string]int),
		failures: make(map[string]int),
		gates:    make(map[string]chan struct{}),
		clock:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		nextConv: 100,
		hub:      newHub(),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(b.auth)
	api.HandleFunc("/users/", b.listUsers).Methods(http.MethodGet)
	api.HandleFunc("/conversations/", b.resolveConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id:[0-9]+}/messages/", b.getMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id:[0-9]+}/messages/", b.sendMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id:[0-9]+}/messages/{mid:[0-9]+}/", b.deleteMessage).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id:[0-9]+}/read/", b.markRead).Methods(http.MethodPost)

	ws := r.PathPrefix("/ws").Subrouter()
	ws.Use(b.auth)
	ws.HandleFunc("/conversations/{id:[0-9]+}/", b.handleWebSocket)

	b.Server = httptest.NewServer(r)
	t.Cleanup(b.Server.Close)
	return b
}

// APIURL is the REST base URL
func (b *Backend) APIURL() string {
	return b.Server.URL + "/api"
}

// WSURL is the WebSocket base URL
func (b *Backend) WSURL() string {
	return "ws" + strings.TrimPrefix(b.Server.URL, "http")
}

// AddUser registers a user and its token. The username defaults to
// "user<id>".
func (b *Backend) AddUser(id int64, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[token] = id
	if _, ok := b.names[id]; !ok {
		b.names[id] = "user" + strconv.FormatInt(id, 10)
	}
}

// SetUsername renames a registered user
func (b *Backend) SetUsername(id int64, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.names[id] = name
}

// Calls returns how many requests an operation received: "users", "resolve",
// "history", "send", "delete", "read", "ws".
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Fail makes every following request of op answer status. Zero clears it.
func (b *Backend) Fail(op string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if status == 0 {
		delete(b.failures, op)
		return
	}
	b.failures[op] = status
}

// Hold blocks requests of op until the returned release func is called.
func (b *Backend) Hold(op string) (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.gates[op] = ch
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.gates, op)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Conversation returns the conversation of two users, creating it.
func (b *Backend) Conversation(userA, userB int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conversationLocked(userA, userB)
}

// Post stores a message as if senderID had sent it and pushes it to the
// other connected participant.
func (b *Backend) Post(conversationID, senderID int64, content string) models.Message {
	b.mu.Lock()
	msg := b.createLocked(conversationID, senderID, content)
	b.mu.Unlock()
	b.hub.broadcast(conversationID, senderID, models.Event{Type: models.EventChatMessage, Message: &msg})
	return msg
}

// Messages returns the stored messages of a conversation
func (b *Backend) Messages(conversationID int64) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Message, len(b.messages[conversationID]))
	copy(out, b.messages[conversationID])
	return out
}

// Connected returns how many WebSockets are open on a conversation
func (b *Backend) Connected(conversationID int64) int {
	return b.hub.count(conversationID)
}

// Disconnect drops every WebSocket of the conversation with a close code
func (b *Backend) Disconnect(conversationID int64, code int) {
	b.hub.closeAll(conversationID, code)
}

func (b *Backend) conversationLocked(userA, userB int64) int64 {
	key := pairOf(userA, userB)
	if id, ok := b.convs[key]; ok {
		return id
	}
	b.nextConv++
	b.convs[key] = b.nextConv
	b.members[b.nextConv] = key
	return b.nextConv
}

func (b *Backend) createLocked(conversationID, senderID int64, content string) models.Message {
	b.nextMsg++
	b.clock = b.clock.Add(time.Second)
	msg := models.Message{
		ID:             models.ConfirmedID(b.nextMsg),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Timestamp:      b.clock,
	}
	b.messages[conversationID] = append(b.messages[conversationID], msg)
	return msg
}

func (b *Backend) isMember(conversationID, userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.members[conversationID]
	return ok && (p.a == userID || p.b == userID)
}

// enter counts the call, waits on a gate and reports an injected failure.
func (b *Backend) enter(w http.ResponseWriter, r *http.Request, op string) bool {
	b.count(op)
	b.mu.Lock()
	gate := b.gates[op]
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return false
		}
	}
	b.mu.Lock()
	status := b.failures[op]
	b.mu.Unlock()
	if status != 0 {
		writeError(w, status, "injected failure")
		return false
	}
	return true
}

func (b *Backend) count(op string) {
	b.mu.Lock()
	b.calls[op]++
	b.mu.Unlock()
}

func (b *Backend) conversationParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	convID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid conversation ID")
		return 0, false
	}
	if !b.isMember(convID, userFromContext(r)) {
		writeError(w, http.StatusForbidden, "Not a member of this conversation")
		return 0, false
	}
	return convID, true
}

// listUsers returns everyone but the caller, with their presence
func (b *Backend) listUsers(w http.ResponseWriter, r *http.Request) {
	if !b.enter(w, r, "users") {
		return
	}
	self := userFromContext(r)

	users := []models.UserResponse{}
	b.mu.Lock()
	for id, name := range b.names {
		if id == self {
			continue
		}
		users = append(users, models.UserResponse{ID: id, Username: name})
	}
	b.mu.Unlock()
	for i := range users {
		users[i].Online = b.hub.online(users[i].ID)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	writeJSON(w, http.StatusOK, users)
}

func (b *Backend) resolveConversation(w http.ResponseWriter, r *http.Request) {
	if !b.enter(w, r, "resolve") {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == 0 {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	id := b.Conversation(userFromContext(r), req.PeerID)
	writeJSON(w, http.StatusOK, models.Conversation{ID: id, PeerID: req.PeerID})
}

func (b *Backend) getMessages(w http.ResponseWriter, r *http.Request) {
	if !b.enter(w, r, "history") {
		return
	}
	convID, ok := b.conversationParam(w, r)
	if !ok {
		return
	}
	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since")
			return
		}
		since = parsed
	}

	out := []models.Message{}
	for _, m := range b.Messages(convID) {
		if m.ID.Server > since {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID.Server < out[j].ID.Server })
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) sendMessage(w http.ResponseWriter, r *http.Request) {
	if !b.enter(w, r, "send") {
		return
	}
	convID, ok := b.conversationParam(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "Message content is required")
		return
	}
	msg := b.Post(convID, userFromContext(r), req.Content)
	writeJSON(w, http.StatusCreated, msg)
}

func (b *Backend) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if !b.enter(w, r, "delete") {
		return
	}
	convID, ok := b.conversationParam(w, r)
	if !ok {
		return
	}
	msgID, _ := strconv.ParseInt(mux.Vars(r)["mid"], 10, 64)
	userID := userFromContext(r)

	b.mu.Lock()
	found := -1
	msgs := b.messages[convID]
	for i := range msgs {
		if msgs[i].ID.Server == msgID {
			found = i
			break
		}
	}
	if found < 0 {
		b.mu.Unlock()
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	if msgs[found].SenderID != userID {
		b.mu.Unlock()
		writeError(w, http.StatusForbidden, "You can only delete your own messages")
		return
	}
	msgs[found].Deleted = true
	msgs[found].Content = models.DeletedPlaceholder
	b.mu.Unlock()

	b.hub.broadcast(convID, userID, models.Event{Type: models.EventMessageDeleted, MessageID: msgID})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (b *Backend) markRead(w http.ResponseWriter, r *http.Request) {
	if !b.enter(w, r, "read") {
		return
	}
	convID, ok := b.conversationParam(w, r)
	if !ok {
		return
	}
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	userID := userFromContext(r)

	var receipts []int64
	b.mu.Lock()
	msgs := b.messages[convID]
	for _, id := range req.MessageIDs {
		for i := range msgs {
			if msgs[i].ID.Server == id && msgs[i].SenderID != userID && !msgs[i].Read {
				msgs[i].Read = true
				receipts = append(receipts, id)
			}
		}
	}
	b.mu.Unlock()

	// Notify the sender that their messages were read
	for _, id := range receipts {
		b.hub.broadcast(convID, userID, models.Event{Type: models.EventReadReceipt, MessageID: id})
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
