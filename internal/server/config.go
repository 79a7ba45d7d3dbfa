// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay service.
package server

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/Tyrowin/gorelay/internal/broker"
	"github.com/Tyrowin/gorelay/internal/relay"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// StoreConfig selects the message database.
type StoreConfig struct {
	Driver        string
	DSN           string
	EncryptionKey string
}

// RelayConfig tunes the relay engine.
type RelayConfig struct {
	Topic               string
	RegistrationTimeout time.Duration
	EchoToSender        bool
	ValidateMembership  bool
	StoreRetries        int
	StoreTimeout        time.Duration
	DedupWindow         int
}

// Config holds the process configuration. Port, AllowedOrigins,
// MaxMessageSize and RateLimit are applied to the WebSocket transport
// through SetConfig.
type Config struct {
	Port            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	RateLimit       RateLimitConfig
	ShutdownTimeout time.Duration

	LogLevel        string
	LogFormat       string
	InstanceID      string
	TracingEndpoint string

	Store  StoreConfig
	Broker broker.Config
	Relay  RelayConfig
}

// seconds decodes either a bare number of seconds or a Go duration string.
type seconds time.Duration

func (s *seconds) Decode(value string) error {
	value = strings.TrimSpace(value)
	if n, err := strconv.Atoi(value); err == nil {
		if n <= 0 {
			return fmt.Errorf("duration must be positive: %q", value)
		}
		*s = seconds(time.Duration(n) * time.Second)
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*s = seconds(d)
	return nil
}

// envSpec mirrors the environment variables read by NewConfigFromEnv.
type envSpec struct {
	Port            string   `envconfig:"SERVER_PORT" default:":8080"`
	AllowedOrigins  []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	MaxMessageSize  int64    `envconfig:"MAX_MESSAGE_SIZE" default:"4096"`
	RateLimitBurst  int      `envconfig:"RATE_LIMIT_BURST" default:"5"`
	RateLimitRefill seconds  `envconfig:"RATE_LIMIT_REFILL_INTERVAL" default:"1"`
	ShutdownTimeout seconds  `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	LogLevel        string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string `envconfig:"LOG_FORMAT" default:"json"`
	InstanceID      string `envconfig:"INSTANCE_ID"`
	TracingEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	StoreDriver   string `envconfig:"STORE_DRIVER" default:"sqlite"`
	StoreDSN      string `envconfig:"STORE_DSN" default:"file:gorelay.db?_busy_timeout=5000&_journal_mode=WAL"`
	EncryptionKey string `envconfig:"RELAY_ENCRYPTION_KEY"`

	BrokerKind        string `envconfig:"BROKER_KIND" default:"memory"`
	BrokerRedisAddr   string `envconfig:"BROKER_REDIS_ADDR" default:"localhost:6379"`
	BrokerPostgresDSN string `envconfig:"BROKER_POSTGRES_DSN"`
	BrokerTopic       string `envconfig:"BROKER_TOPIC" default:"relay.messages"`

	RegistrationTimeout seconds `envconfig:"RELAY_REGISTRATION_TIMEOUT" default:"10s"`
	EchoToSender        bool    `envconfig:"RELAY_ECHO_TO_SENDER" default:"false"`
	ValidateMembership  bool    `envconfig:"RELAY_VALIDATE_MEMBERSHIP" default:"false"`
	StoreRetries        int     `envconfig:"RELAY_STORE_RETRIES" default:"3"`
	StoreTimeout        seconds `envconfig:"RELAY_STORE_TIMEOUT" default:"5s"`
	DedupWindow         int     `envconfig:"RELAY_DEDUP_WINDOW" default:"4096"`
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "file:gorelay.db?_busy_timeout=5000&_journal_mode=WAL",
		},
		Broker: broker.Config{Kind: broker.KindMemory},
		Relay: RelayConfig{
			Topic:               relay.DefaultTopic,
			RegistrationTimeout: relay.DefaultRegistrationTimeout,
			StoreRetries:        relay.DefaultStoreRetries,
			StoreTimeout:        relay.DefaultStoreTimeout,
			DedupWindow:         relay.DefaultDedupWindow,
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		sanitizeConfig(defaultConfig())
		return
	}

	copied := *cfg
	copied.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	sanitizeConfig(copied)
}

// CurrentConfig returns a copy of the active configuration.
func CurrentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from environment variables, falling back
// to defaults for unset keys. Malformed values are reported as errors.
func NewConfigFromEnv() (*Config, error) {
	var env envSpec
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &Config{
		Port:           env.Port,
		AllowedOrigins: trimAll(env.AllowedOrigins),
		MaxMessageSize: env.MaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          env.RateLimitBurst,
			RefillInterval: time.Duration(env.RateLimitRefill),
		},
		ShutdownTimeout: time.Duration(env.ShutdownTimeout),
		LogLevel:        env.LogLevel,
		LogFormat:       env.LogFormat,
		InstanceID:      env.InstanceID,
		TracingEndpoint: env.TracingEndpoint,
		Store: StoreConfig{
			Driver:        env.StoreDriver,
			DSN:           env.StoreDSN,
			EncryptionKey: env.EncryptionKey,
		},
		Broker: broker.Config{
			Kind:        env.BrokerKind,
			RedisAddr:   env.BrokerRedisAddr,
			PostgresDSN: env.BrokerPostgresDSN,
		},
		Relay: RelayConfig{
			Topic:               env.BrokerTopic,
			RegistrationTimeout: time.Duration(env.RegistrationTimeout),
			EchoToSender:        env.EchoToSender,
			ValidateMembership:  env.ValidateMembership,
			StoreRetries:        env.StoreRetries,
			StoreTimeout:        time.Duration(env.StoreTimeout),
			DedupWindow:         env.DedupWindow,
		},
	}, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
