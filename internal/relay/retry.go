package relay

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/store"
	"github.com/Tyrowin/gorelay/internal/telemetry"
)

func (e *Engine) withRetry(op string, fn func(ctx context.Context) error) error {
	return e.withRetryCtx(e.ctx, op, fn)
}

// withRetryCtx calls fn until it succeeds, fails permanently or the retry
// budget is spent. Each attempt gets its own store timeout.
func (e *Engine) withRetryCtx(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.opts.StoreRetries)), ctx)
	return backoff.RetryNotify(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
		defer cancel()
		err := fn(attemptCtx)
		if err != nil && !store.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		telemetry.Inc(telemetry.StoreRetries)
		e.logger.Warn("store call failed, retrying", zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
	})
}
