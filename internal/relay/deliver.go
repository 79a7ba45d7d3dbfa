package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/broker"
	"github.com/Tyrowin/gorelay/internal/store"
	"github.com/Tyrowin/gorelay/internal/telemetry"
)

// envelope wraps a message published to other instances. Messages too large
// for the broker travel by reference: Ref carries the id and receivers load
// the message from the shared store.
type envelope struct {
	Origin  string        `json:"origin"`
	Message *MessageFrame `json:"message,omitempty"`
	Ref     string        `json:"ref,omitempty"`
}

func (env envelope) messageID() string {
	if env.Message != nil {
		return env.Message.ID
	}
	return env.Ref
}

// marshalEnvelope encodes env without HTML escaping, which would otherwise
// grow each of <, > and & to six bytes.
func marshalEnvelope(env envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

type pendingPublish struct {
	parent trace.SpanContext
	msg    store.Message
}

// enqueuePublish hands msg to the publisher goroutine without waiting for the
// broker. The caller must hold an in-flight slot.
func (e *Engine) enqueuePublish(ctx context.Context, msg store.Message) {
	e.inflight.Add(1)
	select {
	case e.outbox <- pendingPublish{parent: trace.SpanContextFromContext(ctx), msg: msg}:
	default:
		e.inflight.Done()
		telemetry.Inc(telemetry.BrokerPublishFailures)
		e.logger.Warn("publish queue full, message not forwarded to other instances",
			zap.String("message_id", msg.ID))
	}
}

// runPublisher publishes queued messages in order until the engine stops.
func (e *Engine) runPublisher() {
	for {
		select {
		case p := <-e.outbox:
			e.publish(trace.ContextWithSpanContext(e.ctx, p.parent), p.msg)
			e.inflight.Done()
		case <-e.ctx.Done():
			for {
				select {
				case <-e.outbox:
					e.inflight.Done()
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) publish(ctx context.Context, msg store.Message) {
	ctx, span := telemetry.StartSpan(ctx, "relay.publish")
	defer span.End()

	frame := NewMessageFrame(msg)
	err := e.send(ctx, envelope{Origin: e.opts.InstanceID, Message: &frame})
	if errors.Is(err, broker.ErrPayloadTooLarge) {
		e.logger.Debug("publishing message by reference", zap.String("message_id", msg.ID), zap.Error(err))
		err = e.send(ctx, envelope{Origin: e.opts.InstanceID, Ref: msg.ID})
	}
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.Inc(telemetry.BrokerPublishFailures)
		e.logger.Warn("failed to publish message", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (e *Engine) send(ctx context.Context, env envelope) error {
	payload, err := marshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("relay: encode envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.PublishTimeout)
	defer cancel()
	return e.opts.Broker.Publish(ctx, e.opts.Topic, payload)
}

// handleEnvelope delivers a message published by another instance.
func (e *Engine) handleEnvelope(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		e.logger.Warn("dropping malformed envelope", zap.Error(err))
		return
	}
	id := env.messageID()
	if env.Origin == e.opts.InstanceID || id == "" {
		return
	}
	if seen, _ := e.seen.ContainsOrAdd(id, struct{}{}); seen {
		telemetry.Inc(telemetry.DuplicatesDropped)
		return
	}
	if !e.track() {
		return
	}
	defer e.inflight.Done()

	msg, err := e.resolve(env)
	if err != nil {
		e.logger.Warn("dropping envelope", zap.String("message_id", id), zap.Error(err))
		return
	}
	n := e.deliverLocal(msg)
	e.logger.Debug("delivered remote message",
		zap.String("message_id", id), zap.String("origin", env.Origin), zap.Int("local_recipients", n))
}

// resolve returns the message an envelope carries or refers to.
func (e *Engine) resolve(env envelope) (store.Message, error) {
	if env.Message != nil {
		return env.Message.message(), nil
	}
	var msg store.Message
	err := e.withRetry("load message", func(ctx context.Context) error {
		m, err := e.opts.Store.Get(ctx, env.Ref)
		msg = m
		return err
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("relay: load %s: %w", env.Ref, err)
	}
	return msg, nil
}

// deliverLocal sends msg to the matching connections of this instance and
// returns how many received it. Direct messages handed to a connection are
// marked delivered.
func (e *Engine) deliverLocal(msg store.Message) int {
	frame := encodeMessage(msg)

	if msg.IsDirect() {
		sess, ok := e.registry.LookupUser(msg.RecipientID)
		if !ok || !sess.deliver(msg.ID, frame) {
			return 0
		}
		telemetry.Delivered(telemetry.RouteDirect)
		if err := e.markDelivered(msg.ID); err != nil {
			e.logger.Warn("failed to mark message delivered", zap.String("message_id", msg.ID), zap.Error(err))
		}
		return 1
	}

	count := 0
	for _, member := range e.registry.LookupGroup(msg.GroupID) {
		if !e.opts.EchoToSender && member.userID == msg.SenderID {
			continue
		}
		if member.deliver(msg.ID, frame) {
			telemetry.Delivered(telemetry.RouteGroup)
			count++
		} else {
			e.logger.Warn("dropping group message for slow connection",
				zap.String("message_id", msg.ID), zap.String("conn", member.ID()))
		}
	}
	return count
}

func (e *Engine) markDelivered(id string) error {
	err := e.withRetry("mark delivered", func(ctx context.Context) error {
		return e.opts.Store.MarkDelivered(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("relay: mark %s delivered: %w", id, err)
	}
	return nil
}
