package relay

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/store"
	"github.com/Tyrowin/gorelay/internal/telemetry"
)

// Sweep replays the undelivered direct messages of userID to its current
// connection and returns how many were sent. It is a no-op when the user is
// not connected to this instance.
func (e *Engine) Sweep(userID string) (int, error) {
	sess, ok := e.registry.LookupUser(userID)
	if !ok {
		return 0, nil
	}
	sess.beginSweep()
	n, err := e.replay(sess)
	sess.endSweep(e.ctx, nil)
	return n, err
}

// replay sends the backlog oldest first. The caller holds the session's
// sweep gate, so live messages queue behind the backlog.
func (e *Engine) replay(sess *session) (int, error) {
	ctx, span := telemetry.StartSpan(e.ctx, "relay.sweep", attribute.String("user.id", sess.userID))
	defer span.End()

	var backlog []store.Message
	err := e.withRetryCtx(ctx, "find undelivered", func(ctx context.Context) error {
		var err error
		backlog, err = e.opts.Store.FindUndelivered(ctx, sess.userID)
		return err
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, err
	}

	sent := 0
	for _, msg := range backlog {
		if !sess.claim(msg.ID) {
			continue
		}
		if err := sess.sendWait(ctx, encodeMessage(msg)); err != nil {
			telemetry.RecordError(span, err)
			return sent, fmt.Errorf("relay: replay %s: %w", msg.ID, err)
		}
		sent++
		telemetry.Inc(telemetry.MessagesSwept)
		telemetry.Delivered(telemetry.RouteSweep)
		if err := e.markDelivered(msg.ID); err != nil {
			e.logger.Warn("replayed message not marked delivered",
				zap.String("message_id", msg.ID), zap.String("user", sess.userID), zap.Error(err))
		}
	}
	span.SetAttributes(attribute.Int("sweep.sent", sent))
	return sent, nil
}
