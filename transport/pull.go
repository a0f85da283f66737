package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dmsync/logger"
	"dmsync/metrics"
	"dmsync/models"
)

// Polling defaults
const (
	DefaultPollInterval    = 3 * time.Second
	DefaultMinPollInterval = 2 * time.Second
)

// PullConfig configures a polling transport
type PullConfig struct {
	Fetcher HistoryFetcher
	// Interval between scheduled polls
	Interval time.Duration
	// MinInterval is the smallest gap allowed between two fetches, however
	// often polls are triggered.
	MinInterval time.Duration
	Now         func() time.Time
	// NewTicker replaces time.NewTicker in tests
	NewTicker func(time.Duration) (<-chan time.Time, func())
	Logger    *zap.Logger
	Metrics   *metrics.Sync
}

// Pull polls "messages since the watermark" on a fixed cadence
type Pull struct {
	cfg     PullConfig
	log     *zap.Logger
	limiter *rate.Limiter

	conv    int64
	sink    Sink
	cancel  context.CancelFunc
	trigger chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	opened bool
	closed bool

	// owned by the poll goroutine
	failing bool
}

// NewPull creates an unopened polling transport
func NewPull(cfg PullConfig) *Pull {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		}
	}
	return &Pull{
		cfg:     cfg,
		log:     logger.OrNop(cfg.Logger),
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (p *Pull) Mode() Mode { return ModePull }

// Open starts the poll loop
func (p *Pull) Open(ctx context.Context, conversationID int64, sink Sink) error {
	if p.cfg.Fetcher == nil {
		return errors.New("transport: pull requires a fetcher")
	}
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

	ctx, p.cancel = context.WithCancel(ctx)
	ticks, stop := p.cfg.NewTicker(p.cfg.Interval)
	go p.run(ctx, ticks, stop)
	return nil
}

// Send is not available on a polling transport
func (p *Pull) Send(context.Context, models.Event) error {
	return ErrUnsupported
}

// Trigger asks for a poll now. It still goes through the throttle.
func (p *Pull) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Close stops the poll loop and waits for it to exit
func (p *Pull) Close(CloseReason) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	opened := p.opened
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
	if opened {
		<-p.done
	}
	return nil
}

func (p *Pull) run(ctx context.Context, ticks <-chan time.Time, stop func()) {
	defer close(p.done)
	defer stop()
	p.sink.Status(models.ConnectionStatus{State: models.StateConnected})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
		case <-p.trigger:
		}
		if !p.poll(ctx) {
			return
		}
	}
}

// poll performs one throttled fetch. It returns false when polling must
// stop for good.
func (p *Pull) poll(ctx context.Context) bool {
	if !p.limiter.AllowN(p.cfg.Now(), 1) {
		p.cfg.Metrics.Poll(metrics.PollThrottled)
		return true
	}

	since, err := p.sink.Watermark(ctx)
	if err != nil {
		return ctx.Err() == nil
	}
	batch, err := p.cfg.Fetcher.FetchHistory(ctx, p.conv, since)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		p.cfg.Metrics.Poll(metrics.PollError)
		if models.IsAuthError(err) {
			p.log.Warn("poll rejected credentials", zap.Error(err))
			p.sink.Status(models.ConnectionStatus{State: models.StateAuthFailed})
			return false
		}
		p.log.Info("poll failed", zap.Int64("since", since), zap.Error(err))
		if !p.failing {
			p.failing = true
			p.sink.Status(models.ConnectionStatus{State: models.StateError})
		}
		return true
	}

	p.cfg.Metrics.Poll(metrics.PollFetched)
	if p.failing {
		p.failing = false
		p.sink.Status(models.ConnectionStatus{State: models.StateConnected})
	}
	if len(batch) > 0 {
		p.sink.Deliver(batch)
	}
	return true
}
