package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dmsync/logger"
	"dmsync/metrics"
	"dmsync/models"
)

// CloseAuthFailed is the close code the server uses for rejected tokens
const CloseAuthFailed = 4001

const writeWait = 10 * time.Second

// PushConfig configures a WebSocket transport
type PushConfig struct {
	// URL is the WebSocket base, e.g. ws://127.0.0.1:8000
	URL     string
	Token   string
	Backoff Backoff
	// Fetcher, when set, is asked for the messages stored since the
	// watermark every time a connection is established.
	Fetcher HistoryFetcher
	Dialer  *websocket.Dialer
	// After replaces time.After in tests
	After   func(time.Duration) <-chan time.Time
	Logger  *zap.Logger
	Metrics *metrics.Sync
}

// Push keeps a WebSocket open to one conversation and reconnects with
// exponential backoff after unexpected closures.
type Push struct {
	cfg     PushConfig
	log     *zap.Logger
	backoff Backoff

	conv   int64
	sink   Sink
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	opened  bool
	closed  bool
	writeMu sync.Mutex
}

// NewPush creates an unopened push transport
func NewPush(cfg PushConfig) *Push {
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	return &Push{
		cfg:     cfg,
		log:     logger.OrNop(cfg.Logger),
		backoff: cfg.Backoff.withDefaults(),
		done:    make(chan struct{}),
	}
}

func (p *Push) Mode() Mode { return ModePush }

// Open starts connecting in the background. Status changes are reported to
// the sink.
func (p *Push) Open(ctx context.Context, conversationID int64, sink Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.opened {
		return errors.New("transport: already open")
	}
	p.opened = true
	p.conv = conversationID
	p.sink = sink
	p.log = p.log.With(zap.Int64("conversation_id", conversationID))
	p.ctx, p.cancel = context.WithCancel(ctx)
	go p.run()
	return nil
}

// Send writes an event to the server, e.g. a typing notification.
func (p *Push) Send(ctx context.Context, ev models.Event) error {
	p.mu.Lock()
	conn := p.conn
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return &models.TransportError{Op: "send", Err: errors.New("not connected")}
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(ev); err != nil {
		return &models.TransportError{Op: "send", Err: err}
	}
	return nil
}

// Close sends a normal closure, which the server and this adapter treat as
// intentional: no reconnect follows. It waits for the read loop to exit.
func (p *Push) Close(reason CloseReason) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	opened := p.opened
	conn := p.conn
	p.conn = nil
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	if conn != nil {
		p.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(reason))
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		p.writeMu.Unlock()
		_ = conn.Close()
	}
	if opened {
		<-p.done
	}
	return nil
}

func (p *Push) endpoint() (string, error) {
	base := strings.TrimRight(p.cfg.URL, "/")
	u, err := url.Parse(fmt.Sprintf("%s/ws/conversations/%d/", base, p.conv))
	if err != nil {
		return "", err
	}
	q := u.Query()
	if p.cfg.Token != "" {
		q.Set("token", p.cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *Push) run() {
	defer close(p.done)

	attempt := 0
	status := models.ConnectionStatus{State: models.StateConnecting}
	for {
		p.sink.Status(status)

		conn, err := p.dial()
		if p.ctx.Err() != nil {
			return
		}
		if err != nil {
			if models.IsAuthError(err) {
				p.log.Warn("websocket rejected credentials", zap.Error(err))
				p.sink.Status(models.ConnectionStatus{State: models.StateAuthFailed})
				return
			}
			p.log.Info("websocket dial failed", zap.Int("attempt", attempt), zap.Error(err))
			p.sink.Status(models.ConnectionStatus{State: models.StateError})
		} else {
			attempt = 0
			p.log.Info("websocket connection established")
			p.sink.Status(models.ConnectionStatus{State: models.StateConnected})
			p.catchUp()

			code := p.readPump(conn)
			p.dropConn(conn)
			if p.ctx.Err() != nil {
				return
			}
			p.log.Info("websocket closed", zap.Int("code", code))
			switch code {
			case websocket.CloseNormalClosure:
				p.sink.Status(models.ConnectionStatus{State: models.StateDisconnected})
				return
			case CloseAuthFailed:
				p.sink.Status(models.ConnectionStatus{State: models.StateAuthFailed})
				return
			}
			p.sink.Status(models.ConnectionStatus{State: models.StateDisconnected})
		}

		delay, ok := p.backoff.Delay(attempt)
		if !ok {
			p.log.Warn("websocket reconnect attempts exhausted", zap.Int("max_attempts", p.backoff.MaxAttempts))
			p.sink.Status(models.ConnectionStatus{State: models.StateFailed})
			return
		}
		attempt++
		select {
		case <-p.ctx.Done():
			return
		case <-p.cfg.After(delay):
		}
		p.cfg.Metrics.Reconnect()
		status = models.ConnectionStatus{
			State:       models.StateReconnecting,
			Attempt:     attempt,
			MaxAttempts: p.backoff.MaxAttempts,
		}
	}
}

// catchUp delivers what the server stored while no connection was open.
// Overlap with pushed events is dropped by the store.
func (p *Push) catchUp() {
	if p.cfg.Fetcher == nil {
		return
	}
	since, err := p.sink.Watermark(p.ctx)
	if err != nil {
		return
	}
	batch, err := p.cfg.Fetcher.FetchHistory(p.ctx, p.conv, since)
	if err != nil {
		if p.ctx.Err() == nil {
			p.log.Warn("catch-up fetch failed", zap.Int64("since", since), zap.Error(err))
		}
		return
	}
	if len(batch) > 0 {
		p.log.Debug("caught up", zap.Int64("since", since), zap.Int("messages", len(batch)))
		p.sink.Deliver(batch)
	}
}

func (p *Push) dial() (*websocket.Conn, error) {
	endpoint, err := p.endpoint()
	if err != nil {
		return nil, &models.TransportError{Op: "dial", Err: err}
	}
	header := http.Header{}
	if p.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+p.cfg.Token)
	}
	conn, resp, err := p.cfg.Dialer.DialContext(p.ctx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &models.AuthError{Code: resp.StatusCode, Message: "websocket handshake rejected"}
		}
		return nil, &models.TransportError{Op: "dial", Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		conn.Close()
		return nil, ErrClosed
	}
	p.conn = conn
	return conn, nil
}

func (p *Push) dropConn(conn *websocket.Conn) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
	conn.Close()
}

// readPump forwards events until the connection ends and returns the close
// code, or CloseAbnormalClosure when the peer vanished without one.
func (p *Push) readPump(conn *websocket.Conn) int {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code
			}
			return websocket.CloseAbnormalClosure
		}

		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			p.log.Debug("invalid event", zap.Error(err))
			continue
		}
		if ev.Message != nil && ev.Message.ConversationID != 0 && ev.Message.ConversationID != p.conv {
			continue
		}
		p.sink.Event(ev)
	}
}
