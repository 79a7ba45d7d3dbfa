package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Postgres uses LISTEN/NOTIFY. Payloads are limited to the server's NOTIFY
// payload size (8000 bytes by default).
type Postgres struct {
	pool   *pgxpool.Pool
	dsn    string
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*pgSub]struct{}
	closed bool
}

type pgSub struct {
	owner   *Postgres
	topic   string
	handler Handler
	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once
}

// NewPostgres opens a publishing pool for dsn. Each subscription holds its
// own dedicated connection.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("broker: open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("broker: ping postgres: %w", err)
	}
	return &Postgres{
		pool:   pool,
		dsn:    dsn,
		logger: logger.With(zap.String("component", "broker"), zap.String("kind", KindPostgres)),
		subs:   make(map[*pgSub]struct{}),
	}, nil
}

// maxNotifyPayload is the largest payload pg_notify accepts.
const maxNotifyPayload = 7999

func (p *Postgres) Publish(ctx context.Context, topic string, payload []byte) error {
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("%w: %d bytes exceeds the %d byte NOTIFY limit", ErrPayloadTooLarge, len(payload), maxNotifyPayload)
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", topic, string(payload)); err != nil {
		return fmt.Errorf("broker: notify %s: %w", topic, err)
	}
	return nil
}

func (p *Postgres) listen(ctx context.Context, topic string) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{topic}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, err
	}
	return conn, nil
}

func (p *Postgres) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	conn, err := p.listen(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("broker: listen %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &pgSub{owner: p, topic: topic, handler: handler, cancel: cancel, stopped: make(chan struct{})}
	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	go sub.run(subCtx, conn)
	p.logger.Info("subscribed", zap.String("topic", topic))
	return sub, nil
}

func (s *pgSub) run(ctx context.Context, conn *pgx.Conn) {
	defer close(s.stopped)
	defer func() {
		if conn != nil {
			_ = conn.Close(context.Background())
		}
	}()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err == nil {
			s.handler([]byte(n.Payload))
			continue
		}
		if ctx.Err() != nil {
			return
		}

		s.owner.logger.Warn("listen connection lost, reconnecting", zap.String("topic", s.topic), zap.Error(err))
		_ = conn.Close(context.Background())
		conn = nil

		b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		err = backoff.Retry(func() error {
			c, err := s.owner.listen(ctx, s.topic)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}, b)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.owner.logger.Error("giving up on listen connection", zap.String("topic", s.topic), zap.Error(err))
			}
			return
		}
	}
}

func (s *pgSub) Unsubscribe() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
		s.cancel()
	})
	select {
	case <-s.stopped:
	case <-time.After(5 * time.Second):
		return errors.New("broker: timed out stopping listener")
	}
	return nil
}

func (p *Postgres) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	subs := make([]*pgSub, 0, len(p.subs))
	for sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	p.pool.Close()
	return errors.Join(errs...)
}
