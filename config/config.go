// Package config loads the dmchat client configuration from a YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dmsync/models"
	"dmsync/transport"
)

// Config is the main configuration struct.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Auth      models.Identity `yaml:"auth"`
	Transport TransportConfig `yaml:"transport"`
	Cache     struct {
		Path string `yaml:"path"`
	} `yaml:"cache"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// APIConfig holds the chat server endpoints.
type APIConfig struct {
	BaseURL string   `yaml:"base_url"`
	WSURL   string   `yaml:"ws_url"`
	Timeout Duration `yaml:"timeout"`
}

// TransportConfig picks and tunes the message transport.
type TransportConfig struct {
	Mode            string          `yaml:"mode"` // pull | push
	PollInterval    Duration        `yaml:"poll_interval"`
	MinPollInterval Duration        `yaml:"min_poll_interval"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig holds push reconnection backoff.
type ReconnectConfig struct {
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// Duration accepts Go duration strings or numeric seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the built-in settings
func Default() *Config {
	cfg := &Config{}
	cfg.API.BaseURL = "http://127.0.0.1:8000/api"
	cfg.API.Timeout = Duration(10 * time.Second)
	cfg.Transport.Mode = string(transport.ModePull)
	cfg.Transport.PollInterval = Duration(transport.DefaultPollInterval)
	cfg.Transport.MinPollInterval = Duration(transport.DefaultMinPollInterval)
	b := transport.DefaultBackoff()
	cfg.Transport.Reconnect = ReconnectConfig{
		BaseDelay:   Duration(b.Base),
		MaxDelay:    Duration(b.Max),
		MaxAttempts: b.MaxAttempts,
	}
	cfg.Cache.Path = "dmchat.db"
	cfg.Log.Level = "info"
	return cfg
}

// Load reads path over the defaults and applies environment overrides. An
// empty path or a missing file leaves only defaults and environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with DMCHAT_* environment variables.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv("DMCHAT_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("DMCHAT_WS_URL"); v != "" {
		cfg.API.WSURL = v
	}
	if v := os.Getenv("DMCHAT_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("DMCHAT_USER_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("DMCHAT_USER_ID: %w", err)
		}
		cfg.Auth.UserID = id
	}
	if v := os.Getenv("DMCHAT_USERNAME"); v != "" {
		cfg.Auth.Username = v
	}
	if v := os.Getenv("DMCHAT_TRANSPORT"); v != "" {
		cfg.Transport.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("DMCHAT_CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv("DMCHAT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DMCHAT_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	return nil
}

// Validate reports the first setting that cannot work
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.Auth.UserID <= 0 {
		return errors.New("auth.user_id is required")
	}
	switch transport.Mode(c.Transport.Mode) {
	case transport.ModePull:
	case transport.ModePush:
		if c.WebSocketURL() == "" {
			return errors.New("api.ws_url is required for push transport")
		}
	default:
		return fmt.Errorf("unknown transport mode %q", c.Transport.Mode)
	}
	if c.Transport.Reconnect.MaxAttempts < 0 {
		return errors.New("transport.reconnect.max_attempts must not be negative")
	}
	return nil
}

// WebSocketURL returns api.ws_url, or the API host with a ws scheme.
func (c *Config) WebSocketURL() string {
	if c.API.WSURL != "" {
		return c.API.WSURL
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return ""
	}
	u.Path, u.RawQuery = "", ""
	return u.String()
}

// Backoff converts the reconnect settings
func (c *Config) Backoff() transport.Backoff {
	return transport.Backoff{
		Base:        c.Transport.Reconnect.BaseDelay.Duration(),
		Max:         c.Transport.Reconnect.MaxDelay.Duration(),
		MaxAttempts: c.Transport.Reconnect.MaxAttempts,
	}
}
