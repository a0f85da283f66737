package main

import (
	"fmt"

	"go.uber.org/zap"

	"dmsync/client"
	"dmsync/database"
	"dmsync/session"
	"dmsync/transport"
)

// openSession wires the REST client, cache and transport into a controller
// for the configured identity.
func openSession(l *zap.Logger) (*session.Controller, *database.Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	api := newAPI(l)

	var cache *database.Cache
	if cfg.Cache.Path != "" {
		c, err := database.Open(cfg.Cache.Path)
		if err != nil {
			return nil, nil, err
		}
		cache = c
	}

	opts := session.Options{
		Identity:  cfg.Auth,
		API:       api,
		Transport: transportFactory(api, l),
		Logger:    l,
		Metrics:   syncMet,
	}
	if cache != nil {
		opts.Cache = cache
	}
	return session.New(opts), cache, nil
}

func newAPI(l *zap.Logger) *client.Client {
	return client.New(client.Config{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.Auth.Token,
		Timeout: cfg.API.Timeout.Duration(),
		Logger:  l,
	})
}

func transportFactory(api *client.Client, l *zap.Logger) func() transport.Adapter {
	switch transport.Mode(cfg.Transport.Mode) {
	case transport.ModePush:
		return func() transport.Adapter {
			return transport.NewPush(transport.PushConfig{
				URL:     cfg.WebSocketURL(),
				Token:   cfg.Auth.Token,
				Backoff: cfg.Backoff(),
				Fetcher: api,
				Logger:  l,
				Metrics: syncMet,
			})
		}
	default:
		return func() transport.Adapter {
			return transport.NewPull(transport.PullConfig{
				Fetcher:     api,
				Interval:    cfg.Transport.PollInterval.Duration(),
				MinInterval: cfg.Transport.MinPollInterval.Duration(),
				Logger:      l,
				Metrics:     syncMet,
			})
		}
	}
}

func peerLabel(peer int64) string {
	return fmt.Sprintf("user %d", peer)
}
