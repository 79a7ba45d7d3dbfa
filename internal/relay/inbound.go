package relay

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/store"
	"github.com/Tyrowin/gorelay/internal/telemetry"
)

func (e *Engine) handleFrame(sess *session, raw []byte, log *zap.Logger) {
	f, err := decodeFrame(raw)
	if err != nil {
		e.reject(sess, err.Error())
		return
	}
	switch f.Type {
	case TypeRegister:
		e.reject(sess, errAlreadyRegister.Error())
	case TypeMessage:
		if !e.track() {
			sess.conn.Send(ErrorFrame("server is shutting down"))
			return
		}
		defer e.inflight.Done()
		e.handleMessage(sess, f, log)
	}
}

func (e *Engine) reject(sess *session, reason string) {
	telemetry.Inc(telemetry.ProtocolErrors)
	sess.conn.Send(ErrorFrame(reason))
}

func (e *Engine) handleMessage(sess *session, f inboundFrame, log *zap.Logger) {
	f.RecipientID = strings.TrimSpace(f.RecipientID)
	f.GroupID = strings.TrimSpace(f.GroupID)
	if (f.RecipientID == "") == (f.GroupID == "") {
		e.reject(sess, errNoTarget.Error())
		return
	}
	if f.SenderID != "" && f.SenderID != sess.userID {
		e.reject(sess, errSenderMismatch.Error())
		return
	}
	if f.GroupID != "" && !lo.Contains(e.registry.Groups(sess), f.GroupID) {
		e.reject(sess, errNotGroupMember.Error())
		return
	}

	msg := store.Message{
		ID:          uuid.NewString(),
		SenderID:    sess.userID,
		SenderName:  sess.userName,
		Content:     f.Content,
		RecipientID: f.RecipientID,
		GroupID:     f.GroupID,
	}

	ctx, span := telemetry.StartSpan(e.ctx, "relay.message",
		attribute.String("message.id", msg.ID),
		attribute.Bool("message.direct", msg.IsDirect()))
	defer span.End()

	if err := e.persist(ctx, &msg); err != nil {
		telemetry.RecordError(span, err)
		log.Error("failed to persist message", zap.String("message_id", msg.ID), zap.Error(err))
		if errors.Is(err, store.ErrInvalidMessage) {
			sess.conn.Send(ErrorFrame("invalid message"))
		} else {
			sess.conn.Send(ErrorFrame("message could not be stored, please retry"))
		}
		return
	}
	telemetry.Inc(telemetry.MessagesPersisted)
	e.seen.Add(msg.ID, struct{}{})

	delivered := e.deliverLocal(msg)
	e.enqueuePublish(ctx, msg)

	switch {
	case msg.IsDirect() && delivered > 0:
		sess.conn.Send(InfoFrame(NoticeDelivered))
	case msg.IsDirect():
		sess.conn.Send(InfoFrame(NoticeOffline))
	default:
		sess.conn.Send(InfoFrame(NoticeGroupSent))
	}
	log.Debug("message relayed", zap.String("message_id", msg.ID), zap.Int("local_recipients", delivered))
}

func (e *Engine) persist(ctx context.Context, msg *store.Message) error {
	ctx, span := telemetry.StartSpan(ctx, "relay.persist")
	defer span.End()

	err := e.withRetryCtx(ctx, "create message", func(ctx context.Context) error {
		_, err := e.opts.Store.Create(ctx, msg)
		return err
	})
	telemetry.RecordError(span, err)
	return err
}
