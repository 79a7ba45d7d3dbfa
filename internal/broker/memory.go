package broker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const memoryQueueSize = 1024

// Memory is an in-process broker. Several engines sharing one Memory behave
// like instances sharing a real pub/sub backbone.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
	logger *zap.Logger
}

type memorySub struct {
	broker  *Memory
	topic   string
	queue   chan []byte
	handler Handler
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewMemory returns an empty in-process broker.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		subs:   make(map[string]map[*memorySub]struct{}),
		logger: logger.With(zap.String("component", "broker"), zap.String("kind", KindMemory)),
	}
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySub, 0, len(m.subs[topic]))
	for sub := range m.subs[topic] {
		targets = append(targets, sub)
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		msg := append([]byte(nil), payload...)
		select {
		case sub.queue <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, topic string, handler Handler) (Subscription, error) {
	sub := &memorySub{
		broker:  m,
		topic:   topic,
		queue:   make(chan []byte, memoryQueueSize),
		handler: handler,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*memorySub]struct{})
	}
	m.subs[topic][sub] = struct{}{}
	m.mu.Unlock()

	go sub.run()
	m.logger.Debug("subscribed", zap.String("topic", topic))
	return sub, nil
}

func (s *memorySub) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.queue:
			s.handler(payload)
		}
	}
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs[s.topic], s)
		if len(s.broker.subs[s.topic]) == 0 {
			delete(s.broker.subs, s.topic)
		}
		s.broker.mu.Unlock()
		close(s.done)
	})
	<-s.stopped
	return nil
}

// Close unsubscribes everyone and rejects further use.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*memorySub
	for _, subs := range m.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range all {
		_ = sub.Unsubscribe()
	}
	return nil
}
