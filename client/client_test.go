package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmsync/models"
	"dmsync/testutil"
)

const (
	alice int64 = 1
	bob   int64 = 2
)

func setup(t *testing.T) (*testutil.Backend, *Client) {
	t.Helper()
	b := testutil.NewBackend(t)
	b.AddUser(alice, "alice-token")
	b.AddUser(bob, "bob-token")
	return b, New(Config{BaseURL: b.APIURL(), Token: "alice-token"})
}

func TestResolveConversationIsIdempotent(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()

	first, err := c.ResolveConversation(ctx, bob)
	require.NoError(t, err)
	second, err := c.ResolveConversation(ctx, bob)
	require.NoError(t, err)

	assert.NotZero(t, first.ID)
	assert.Equal(t, first, second)
	assert.Equal(t, bob, first.PeerID)
}

func TestListUsers(t *testing.T) {
	b, c := setup(t)
	b.AddUser(3, "carol-token")
	b.SetUsername(bob, "bob")
	conv := b.Conversation(alice, bob)

	url := b.WSURL() + "/ws/conversations/" + strconv.FormatInt(conv, 10) + "/?token=bob-token"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return b.Connected(conv) == 1 }, 3*time.Second, 5*time.Millisecond)

	users, err := c.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.UserResponse{
		{ID: bob, Username: "bob", Online: true},
		{ID: 3, Username: "user3", Online: false},
	}, users)
	assert.Equal(t, 1, b.Calls("users"))

	bad := New(Config{BaseURL: b.APIURL(), Token: "nope"})
	_, err = bad.ListUsers(context.Background())
	assert.True(t, models.IsAuthError(err))
}

func TestSendAndFetchHistory(t *testing.T) {
	b, c := setup(t)
	ctx := context.Background()
	conv, err := c.ResolveConversation(ctx, bob)
	require.NoError(t, err)

	b.Post(conv.ID, bob, "hello")
	sent, err := c.SendMessage(ctx, conv.ID, "hi back")
	require.NoError(t, err)
	assert.Equal(t, models.OriginConfirmed, sent.Origin())
	assert.Equal(t, alice, sent.SenderID)
	assert.False(t, sent.Read)

	all, err := c.FetchHistory(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "hello", all[0].Content)
	assert.Equal(t, sent.ID, all[1].ID)

	newer, err := c.FetchHistory(ctx, conv.ID, all[0].ID.Server)
	require.NoError(t, err)
	require.Len(t, newer, 1)
	assert.Equal(t, sent.ID, newer[0].ID)
}

func TestDeleteMessage(t *testing.T) {
	b, c := setup(t)
	ctx := context.Background()
	conv, _ := c.ResolveConversation(ctx, bob)
	mine, err := c.SendMessage(ctx, conv.ID, "oops")
	require.NoError(t, err)
	theirs := b.Post(conv.ID, bob, "keep")

	require.NoError(t, c.DeleteMessage(ctx, conv.ID, mine.ID.Server))

	err = c.DeleteMessage(ctx, conv.ID, theirs.ID.Server)
	var auth *models.AuthError
	require.ErrorAs(t, err, &auth)
	assert.Equal(t, http.StatusForbidden, auth.Code)

	stored := b.Messages(conv.ID)
	assert.True(t, stored[0].Deleted)
	assert.Equal(t, models.DeletedPlaceholder, stored[0].Content)
	assert.False(t, stored[1].Deleted)
}

func TestMarkRead(t *testing.T) {
	b, c := setup(t)
	ctx := context.Background()
	conv, _ := c.ResolveConversation(ctx, bob)
	m := b.Post(conv.ID, bob, "unread")

	require.NoError(t, c.MarkRead(ctx, conv.ID, []int64{m.ID.Server}))

	assert.True(t, b.Messages(conv.ID)[0].Read)
	assert.Equal(t, 1, b.Calls("read"))
}

func TestErrorTaxonomy(t *testing.T) {
	b, c := setup(t)
	ctx := context.Background()
	conv, _ := c.ResolveConversation(ctx, bob)

	b.Fail("send", http.StatusInternalServerError)
	_, err := c.SendMessage(ctx, conv.ID, "hi")
	var rf *models.RequestFailed
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, http.StatusInternalServerError, rf.Code)
	assert.Equal(t, "injected failure", rf.Message)

	bad := New(Config{BaseURL: b.APIURL(), Token: "nope"})
	_, err = bad.ResolveConversation(ctx, bob)
	assert.True(t, models.IsAuthError(err))

	b.Server.Close()
	_, err = c.FetchHistory(ctx, conv.ID, 0)
	var te *models.TransportError
	assert.ErrorAs(t, err, &te)
}

func TestContextCancellationIsReturnedAsIs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.FetchHistory(ctx, 1, 0)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSendRejectsResponseWithoutID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 0, "content": "hi"}`))
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL})

	_, err := c.SendMessage(context.Background(), 1, "hi")
	var rf *models.RequestFailed
	assert.ErrorAs(t, err, &rf)
}

func TestReadErrorFallsBackToBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail": "bad things"}`))
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL + "/"})

	err := c.DeleteMessage(context.Background(), 1, 2)
	var rf *models.RequestFailed
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, "bad things", rf.Message)
}
