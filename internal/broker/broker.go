// Package broker propagates relay messages between process instances over a
// publish/subscribe channel. Delivery is at-least-once and unordered across
// publishers; subscribers are expected to tolerate duplicates.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker: closed")

// ErrPayloadTooLarge is returned by Publish when the transport cannot carry
// the payload.
var ErrPayloadTooLarge = errors.New("broker: payload too large")

// Handler receives one published payload. Handlers for a subscription are
// invoked sequentially.
type Handler func(payload []byte)

// Subscription is an active subscription to a topic.
type Subscription interface {
	Unsubscribe() error
}

// Broker publishes payloads to topics and fans them out to subscribers.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns once the subscription is active, so nothing published
	// after it returns is missed.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
	Close() error
}

// Supported broker kinds.
const (
	KindMemory   = "memory"
	KindRedis    = "redis"
	KindPostgres = "postgres"
)

// Config selects and configures a broker implementation.
type Config struct {
	Kind        string
	RedisAddr   string
	PostgresDSN string
}

// New builds the broker described by cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Kind) {
	case KindMemory, "":
		return NewMemory(logger), nil
	case KindRedis:
		return NewRedis(ctx, cfg.RedisAddr, logger)
	case KindPostgres:
		return NewPostgres(ctx, cfg.PostgresDSN, logger)
	default:
		return nil, fmt.Errorf("broker: unsupported kind %q", cfg.Kind)
	}
}
