package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/broker"
	"github.com/Tyrowin/gorelay/internal/store"
)

const waitFor = 2 * time.Second

type fakeConn struct {
	id   string
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	deadline time.Time
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		id:   uuid.NewString(),
		in:   make(chan []byte, 64),
		out:  make(chan []byte, 1024),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) ID() string            { return c.id }
func (c *fakeConn) RemoteAddr() string    { return "pipe:" + c.id[:8] }
func (c *fakeConn) Done() <-chan struct{} { return c.done }
func (c *fakeConn) Close()                { c.once.Do(func() { close(c.done) }) }

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.done:
		return nil, io.EOF
	case <-expired:
		return nil, os.ErrDeadlineExceeded
	}
}

func (c *fakeConn) Send(frame []byte) bool {
	if c.closed() {
		return false
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *fakeConn) write(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	c.in <- b
}

func (c *fakeConn) writeRaw(raw string) { c.in <- []byte(raw) }

// received is a decoded server frame of any type.
type received struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName"`
	Content     string `json:"content"`
	GroupID     string `json:"groupId"`
	RecipientID string `json:"recipientId"`
	Message     string `json:"message"`
}

func (c *fakeConn) next(t *testing.T) received {
	t.Helper()
	select {
	case raw := <-c.out:
		var r received
		require.NoError(t, json.Unmarshal(raw, &r))
		return r
	case <-time.After(waitFor):
		t.Fatalf("connection %s: no frame within %s", c.id, waitFor)
		return received{}
	}
}

func (c *fakeConn) expectInfo(t *testing.T, message string) {
	t.Helper()
	r := c.next(t)
	require.Equal(t, TypeInfo, r.Type, "frame: %+v", r)
	require.Equal(t, message, r.Message)
}

func (c *fakeConn) expectError(t *testing.T, contains string) {
	t.Helper()
	r := c.next(t)
	require.Equal(t, TypeError, r.Type, "frame: %+v", r)
	require.Contains(t, r.Message, contains)
}

func (c *fakeConn) expectMessage(t *testing.T) received {
	t.Helper()
	r := c.next(t)
	require.Equal(t, TypeMessage, r.Type, "frame: %+v", r)
	return r
}

func (c *fakeConn) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case raw := <-c.out:
		t.Fatalf("connection %s: unexpected frame %s", c.id, raw)
	case <-time.After(d):
	}
}

type harness struct {
	engine *Engine
	store  *store.GormStore
	broker broker.Broker
	done   sync.WaitGroup
	errs   chan error

	mu    sync.Mutex
	conns []*fakeConn
}

func newStore(t *testing.T) *store.GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := store.Open(store.DriverSQLite, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return store.NewGormStore(db, nil, zap.NewNop())
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	s := newStore(t)
	b := broker.NewMemory(nil)
	t.Cleanup(func() { _ = b.Close() })
	return newHarnessWith(t, s, b, configure)
}

func newHarnessWith(t *testing.T, s *store.GormStore, b broker.Broker, configure func(*Options)) *harness {
	t.Helper()
	opts := Options{
		Store:               s,
		Members:             s,
		Broker:              b,
		InstanceID:          uuid.NewString(),
		RegistrationTimeout: time.Second,
		StoreRetries:        2,
		StoreTimeout:        time.Second,
	}
	if configure != nil {
		configure(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	h := &harness{engine: e, store: s, broker: b, errs: make(chan error, 256)}
	t.Cleanup(func() {
		h.mu.Lock()
		for _, conn := range h.conns {
			conn.Close()
		}
		h.mu.Unlock()
		h.done.Wait()
		_ = e.Stop(time.Second)
	})
	return h
}

// serve runs Serve in the background.
func (h *harness) serve(conn *fakeConn, reg *Registration) {
	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()
	h.done.Add(1)
	go func() {
		defer h.done.Done()
		h.errs <- h.engine.Serve(conn, reg)
	}()
}

// connect registers userID through query-style registration and waits for
// the ready notice.
func (h *harness) connect(t *testing.T, userID string, groups ...string) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	h.serve(conn, &Registration{UserID: userID, GroupIDs: groups})
	conn.expectInfo(t, NoticeReady)
	return conn
}

func (h *harness) disconnect(t *testing.T, conn *fakeConn, userID string) {
	t.Helper()
	conn.Close()
	require.Eventually(t, func() bool {
		sess, ok := h.engine.registry.LookupUser(userID)
		return !ok || sess.conn != conn
	}, waitFor, 5*time.Millisecond)
}

func (h *harness) undelivered(t *testing.T, userID string) []store.Message {
	t.Helper()
	msgs, err := h.store.FindUndelivered(context.Background(), userID)
	require.NoError(t, err)
	return msgs
}

type outgoing struct {
	Type        string `json:"type"`
	SenderID    string `json:"senderId,omitempty"`
	Content     string `json:"content,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
	UserID      string `json:"userId,omitempty"`
}

func direct(to, content string) outgoing {
	return outgoing{Type: TypeMessage, RecipientID: to, Content: content}
}

func toGroup(group, content string) outgoing {
	return outgoing{Type: TypeMessage, GroupID: group, Content: content}
}

// failingStore fails Create with err and counts the attempts.
type failingStore struct {
	store.Store
	err      error
	mu       sync.Mutex
	attempts int
}

func (f *failingStore) Create(context.Context, *store.Message) (string, error) {
	f.mu.Lock()
	f.attempts++
	f.mu.Unlock()
	return "", f.err
}

func (f *failingStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// failingBroker subscribes normally but never publishes.
type failingBroker struct {
	broker.Broker
	mu        sync.Mutex
	published int
}

func (f *failingBroker) Publish(context.Context, string, []byte) error {
	f.mu.Lock()
	f.published++
	f.mu.Unlock()
	return errors.New("broker unreachable")
}

// countingStore counts successful creates.
type countingStore struct {
	store.Store
	mu      sync.Mutex
	created int
}

func (c *countingStore) Create(ctx context.Context, msg *store.Message) (string, error) {
	id, err := c.Store.Create(ctx, msg)
	if err == nil {
		c.mu.Lock()
		c.created++
		c.mu.Unlock()
	}
	return id, err
}

func (c *countingStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}

// recordingBroker counts publishes before forwarding them.
type recordingBroker struct {
	broker.Broker
	mu        sync.Mutex
	published int
}

func (r *recordingBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	r.published++
	r.mu.Unlock()
	return r.Broker.Publish(ctx, topic, payload)
}

func (r *recordingBroker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.published
}

// hangingBroker subscribes normally but every publish blocks until its
// context ends.
type hangingBroker struct {
	broker.Broker
	mu    sync.Mutex
	calls int
}

func (h *hangingBroker) Publish(ctx context.Context, _ string, _ []byte) error {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (h *hangingBroker) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// limitedBroker refuses payloads over limit, like a NOTIFY based transport.
type limitedBroker struct {
	broker.Broker
	limit int

	mu      sync.Mutex
	refusal int
}

func (l *limitedBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if len(payload) > l.limit {
		l.mu.Lock()
		l.refusal++
		l.mu.Unlock()
		return fmt.Errorf("%w: %d bytes", broker.ErrPayloadTooLarge, len(payload))
	}
	return l.Broker.Publish(ctx, topic, payload)
}

func (l *limitedBroker) refused() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refusal
}
