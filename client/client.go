// Package client talks to the chat REST API on behalf of one identity.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"dmsync/logger"
	"dmsync/models"
)

const DefaultTimeout = 10 * time.Second

// Config holds the REST endpoint and credentials
type Config struct {
	// BaseURL is the API root, e.g. http://127.0.0.1:8000/api
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client implements the conversation endpoints
type Client struct {
	base  string
	token string
	http  *http.Client
	log   *zap.Logger
}

type resolveRequest struct {
	PeerID int64 `json:"peer_id"`
}

type sendRequest struct {
	Content string `json:"content"`
}

type markReadRequest struct {
	MessageIDs []int64 `json:"message_ids"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		token: cfg.Token,
		http:  hc,
		log:   logger.OrNop(cfg.Logger),
	}
}

// ListUsers returns the users the caller can start a conversation with
func (c *Client) ListUsers(ctx context.Context) ([]models.UserResponse, error) {
	var users []models.UserResponse
	if err := c.do(ctx, "list users", http.MethodGet, "/users/", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// ResolveConversation returns the conversation with peerID, creating it on
// first use. The server answers the same conversation for the same peer.
func (c *Client) ResolveConversation(ctx context.Context, peerID int64) (models.Conversation, error) {
	var conv models.Conversation
	err := c.do(ctx, "resolve conversation", http.MethodPost, "/conversations/", resolveRequest{PeerID: peerID}, &conv)
	if err != nil {
		return models.Conversation{}, err
	}
	if conv.PeerID == 0 {
		conv.PeerID = peerID
	}
	return conv, nil
}

// FetchHistory returns the messages newer than sinceID, oldest first.
func (c *Client) FetchHistory(ctx context.Context, conversationID, sinceID int64) ([]models.Message, error) {
	path := fmt.Sprintf("/conversations/%d/messages/", conversationID)
	if sinceID > 0 {
		path += "?" + url.Values{"since": {strconv.FormatInt(sinceID, 10)}}.Encode()
	}
	var msgs []models.Message
	if err := c.do(ctx, "fetch history", http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].ConversationID == 0 {
			msgs[i].ConversationID = conversationID
		}
	}
	return msgs, nil
}

// SendMessage posts content and returns the confirmed record
func (c *Client) SendMessage(ctx context.Context, conversationID int64, content string) (models.Message, error) {
	var msg models.Message
	path := fmt.Sprintf("/conversations/%d/messages/", conversationID)
	if err := c.do(ctx, "send message", http.MethodPost, path, sendRequest{Content: content}, &msg); err != nil {
		return models.Message{}, err
	}
	if msg.ID.IsOptimistic() || msg.ID.Server == 0 {
		return models.Message{}, &models.RequestFailed{Op: "send message", Code: http.StatusOK, Message: "response carries no message id"}
	}
	if msg.ConversationID == 0 {
		msg.ConversationID = conversationID
	}
	return msg, nil
}

// DeleteMessage asks the server to delete one of our messages
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID int64) error {
	path := fmt.Sprintf("/conversations/%d/messages/%d/", conversationID, messageID)
	return c.do(ctx, "delete message", http.MethodDelete, path, nil, nil)
}

// MarkRead flags the given peer messages as read
func (c *Client) MarkRead(ctx context.Context, conversationID int64, ids []int64) error {
	path := fmt.Sprintf("/conversations/%d/read/", conversationID)
	return c.do(ctx, "mark read", http.MethodPost, path, markReadRequest{MessageIDs: ids}, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &models.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readError(resp.Body)
		c.log.Debug("request rejected",
			zap.String("op", op),
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return &models.AuthError{Code: resp.StatusCode, Message: msg}
		}
		return &models.RequestFailed{Op: op, Code: resp.StatusCode, Message: msg}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return &models.RequestFailed{Op: op, Code: resp.StatusCode, Message: "empty response body"}
		}
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func readError(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var er errorResponse
	if json.Unmarshal(data, &er) == nil {
		switch {
		case er.Error != "":
			return er.Error
		case er.Detail != "":
			return er.Detail
		case er.Message != "":
			return er.Message
		}
	}
	return strings.TrimSpace(string(data))
}
