package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Session store backends.
const (
	SessionBackendMemory = "memory"
	SessionBackendSQLite = "sqlite"
	SessionBackendRedis  = "redis"
)

// Config holds client configuration values.
type Config struct {
	API      APIConfig      `mapstructure:"api" yaml:"api"`
	Realtime RealtimeConfig `mapstructure:"realtime" yaml:"realtime"`
	Chat     ChatConfig     `mapstructure:"chat" yaml:"chat"`
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	LogLevel string         `mapstructure:"log_level" yaml:"log_level"`
}

// APIConfig points the REST client at a backend deployment.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Prefix  string        `mapstructure:"prefix" yaml:"prefix"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// RealtimeConfig configures the STOMP-over-WebSocket transport.
type RealtimeConfig struct {
	// URL is the WebSocket endpoint. Derived from api.base_url when empty.
	URL                string          `mapstructure:"url" yaml:"url"`
	SubscribePrefix    string          `mapstructure:"subscribe_prefix" yaml:"subscribe_prefix"`
	PublishDestination string          `mapstructure:"publish_destination" yaml:"publish_destination"`
	HandshakeTimeout   time.Duration   `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	HeartBeat          time.Duration   `mapstructure:"heartbeat" yaml:"heartbeat"`
	PublishRate        float64         `mapstructure:"publish_rate" yaml:"publish_rate"`
	PublishBurst       int             `mapstructure:"publish_burst" yaml:"publish_burst"`
	Reconnect          ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
}

// ReconnectConfig describes the reconnect backoff. Multiplier 1 with
// max_attempts 0 retries at a fixed delay forever.
type ReconnectConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Jitter       float64       `mapstructure:"jitter" yaml:"jitter"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// ChatConfig holds chat view settings.
type ChatConfig struct {
	PageSize int `mapstructure:"page_size" yaml:"page_size"`
}

// SessionConfig selects where the signed-in identity is persisted.
type SessionConfig struct {
	Backend       string `mapstructure:"backend" yaml:"backend"`
	Key           string `mapstructure:"key" yaml:"key"`
	Path          string `mapstructure:"path" yaml:"path"`
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix" yaml:"redis_prefix"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL: "http://localhost:8080",
			Prefix:  "/api/v1",
			Timeout: 10 * time.Second,
		},
		Realtime: RealtimeConfig{
			SubscribePrefix:    "/sub/chats/",
			PublishDestination: "/pub/chats/messages",
			HandshakeTimeout:   5 * time.Second,
			HeartBeat:          4 * time.Second,
			PublishBurst:       5,
			Reconnect: ReconnectConfig{
				InitialDelay: 5 * time.Second,
				MaxDelay:     time.Minute,
				Multiplier:   2,
				MaxAttempts:  10,
			},
		},
		Chat: ChatConfig{
			PageSize: 20,
		},
		Session: SessionConfig{
			Backend:     SessionBackendSQLite,
			Key:         "userInfo",
			Path:        "marketchat.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "marketchat:",
		},
		LogLevel: "info",
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
// Only the settings exposed as CLI flags are merged.
func (c *Config) UpdateFrom(other Config) {
	if other.API.BaseURL != "" {
		c.API.BaseURL = other.API.BaseURL
	}
	if other.Realtime.URL != "" {
		c.Realtime.URL = other.Realtime.URL
	}
	if other.Chat.PageSize != 0 {
		c.Chat.PageSize = other.Chat.PageSize
	}
	if other.Session.Backend != "" {
		c.Session.Backend = other.Session.Backend
	}
	if other.Session.Path != "" {
		c.Session.Path = other.Session.Path
	}
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
}

// RealtimeURL returns the configured WebSocket endpoint, deriving
// ws(s)://<api host>/ws from the API base URL when none is set.
func (c *Config) RealtimeURL() (string, error) {
	if c.Realtime.URL != "" {
		return c.Realtime.URL, nil
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse api base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// Validate rejects configurations the client cannot run with.
func (c *Config) Validate() error {
	var errs []error

	base, err := url.Parse(c.API.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		errs = append(errs, fmt.Errorf("api.base_url must be an absolute http(s) URL, got %q", c.API.BaseURL))
	}

	if rt, err := c.RealtimeURL(); err == nil {
		u, perr := url.Parse(rt)
		if perr != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("realtime.url must be a ws(s) URL, got %q", rt))
		}
	}

	if c.Chat.PageSize <= 0 || c.Chat.PageSize > 200 {
		errs = append(errs, fmt.Errorf("chat.page_size must be in [1, 200], got %d", c.Chat.PageSize))
	}
	if c.Realtime.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("realtime.handshake_timeout must be positive"))
	}
	if c.Realtime.PublishRate < 0 {
		errs = append(errs, errors.New("realtime.publish_rate must not be negative"))
	}
	if c.Realtime.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("realtime.reconnect.max_attempts must not be negative"))
	}

	switch c.Session.Backend {
	case SessionBackendMemory, SessionBackendRedis:
	case SessionBackendSQLite:
		if c.Session.Path == "" {
			errs = append(errs, errors.New("session.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session.backend %q", c.Session.Backend))
	}

	return errors.Join(errs...)
}
