// Package transport delivers inbound messages and events of one
// conversation, either pushed over a WebSocket or polled over REST.
package transport

import (
	"context"
	"errors"

	"dmsync/models"
)

// Mode names a transport strategy
type Mode string

const (
	ModePush Mode = "push"
	ModePull Mode = "pull"
)

// CloseReason tells the adapter why it is being closed. Every reason is an
// intentional close (code 1000) and travels in the close frame.
type CloseReason string

const (
	CloseIntentional CloseReason = "peer changed"
	CloseUnmount     CloseReason = "session closed"
)

// ErrUnsupported is returned by Send on transports without an upstream channel
var ErrUnsupported = errors.New("transport: send not supported")

// ErrClosed is returned when using a closed adapter
var ErrClosed = errors.New("transport: closed")

// Sink receives everything a transport reads. Implementations hand the data
// to the reconciliation engine; transports never touch the store.
type Sink interface {
	Deliver(batch []models.Message)
	Event(ev models.Event)
	Status(st models.ConnectionStatus)
	// Watermark returns the highest confirmed id held locally.
	Watermark(ctx context.Context) (int64, error)
}

// Adapter is one conversation's connection. An adapter is opened once and
// closed once; sessions build a new one per conversation.
type Adapter interface {
	Open(ctx context.Context, conversationID int64, sink Sink) error
	Send(ctx context.Context, ev models.Event) error
	Close(reason CloseReason) error
	Mode() Mode
}

// HistoryFetcher is the REST call pull transports poll
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID, sinceID int64) ([]models.Message, error)
}
