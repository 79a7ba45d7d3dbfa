package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Redis publishes over Redis PUBLISH/SUBSCRIBE.
type Redis struct {
	client *redis.Client
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

type redisSub struct {
	owner   *Redis
	pubsub  *redis.PubSub
	stopped chan struct{}
	once    sync.Once
}

// NewRedis connects to the Redis server at addr.
func NewRedis(ctx context.Context, addr string, logger *zap.Logger) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("broker: connect to redis %s: %w", addr, err)
	}
	return NewRedisFromClient(client, logger), nil
}

// NewRedisFromClient wraps an existing client. The broker owns the client
// and closes it on Close.
func NewRedisFromClient(client *redis.Client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client: client,
		logger: logger.With(zap.String("component", "broker"), zap.String("kind", KindRedis)),
		subs:   make(map[*redisSub]struct{}),
	}
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("broker: redis publish to %s: %w", topic, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	pubsub := r.client.Subscribe(ctx, topic)
	// wait for the subscription confirmation before reporting success
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("broker: redis subscribe to %s: %w", topic, err)
	}

	sub := &redisSub{owner: r, pubsub: pubsub, stopped: make(chan struct{})}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	ch := pubsub.Channel()
	go func() {
		defer close(sub.stopped)
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	r.logger.Info("subscribed", zap.String("topic", topic))
	return sub, nil
}

func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
		err = s.pubsub.Close()
	})
	<-s.stopped
	return err
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*redisSub, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Warn("unsubscribe failed", zap.Error(err))
		}
	}
	return r.client.Close()
}
