// Package testhelpers provides common utilities for the gorelay integration
// tests.
//
// It assembles a complete relay stack (message store, broker, relay engine,
// hub and HTTP routes) behind an httptest server, and offers small helpers
// for dialing WebSocket clients and reading the JSON frames they receive.
package testhelpers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/broker"
	"github.com/Tyrowin/gorelay/internal/relay"
	"github.com/Tyrowin/gorelay/internal/server"
	"github.com/Tyrowin/gorelay/internal/store"
	"github.com/Tyrowin/gorelay/internal/telemetry"
)

// DefaultTimeout bounds every blocking read in the helpers.
const DefaultTimeout = 5 * time.Second

// Stack is a relay server wired the same way cmd/server wires it.
type Stack struct {
	Server *httptest.Server
	Store  *store.GormStore
	Broker broker.Broker
	Engine *relay.Engine
	Hub    *server.Hub
}

type stackOptions struct {
	store      *store.GormStore
	broker     broker.Broker
	instanceID string
	relay      func(*relay.Options)
}

// StackOption customizes NewStack.
type StackOption func(*stackOptions)

// WithStore shares an existing store between stacks.
func WithStore(s *store.GormStore) StackOption {
	return func(o *stackOptions) { o.store = s }
}

// WithBroker replaces the in-process broker. The caller owns b.
func WithBroker(b broker.Broker) StackOption {
	return func(o *stackOptions) { o.broker = b }
}

// WithInstanceID names the relay instance.
func WithInstanceID(id string) StackOption {
	return func(o *stackOptions) { o.instanceID = id }
}

// WithRelayOptions adjusts the relay engine options before it is created.
func WithRelayOptions(fn func(*relay.Options)) StackOption {
	return func(o *stackOptions) { o.relay = fn }
}

// NewStore opens a private in-memory SQLite message store.
func NewStore(t *testing.T) *store.GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := store.Open(store.DriverSQLite, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return store.NewGormStore(db, nil, zap.NewNop())
}

// NewStack starts a relay stack and registers its shutdown with t.Cleanup.
// Cleanup shuts the hub down before stopping the engine, as main does.
func NewStack(t *testing.T, opts ...StackOption) *Stack {
	t.Helper()
	telemetry.Init()

	o := stackOptions{instanceID: "test-" + uuid.NewString()[:8]}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = NewStore(t)
	}
	logger := zap.NewNop()
	if o.broker == nil {
		mem := broker.NewMemory(logger)
		t.Cleanup(func() { _ = mem.Close() })
		o.broker = mem
	}

	relayOpts := relay.Options{
		Store:      o.store,
		Members:    o.store,
		Broker:     o.broker,
		Logger:     logger,
		InstanceID: o.instanceID,
	}
	if o.relay != nil {
		o.relay(&relayOpts)
	}
	engine, err := relay.New(relayOpts)
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Stop(DefaultTimeout) })

	hub := server.NewHub(engine, logger)
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(DefaultTimeout) })

	handlers := server.NewHandlers(hub, o.store, o.store, logger)
	ts := httptest.NewServer(server.SetupRoutes(handlers))
	t.Cleanup(ts.Close)

	return &Stack{Server: ts, Store: o.store, Broker: o.broker, Engine: engine, Hub: hub}
}

// URL returns the base HTTP URL of the stack.
func (s *Stack) URL() string { return s.Server.URL }

// WebSocketURL returns the ws:// URL of the relay endpoint with query
// appended.
func (s *Stack) WebSocketURL(query url.Values) string {
	u := "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/ws"
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// UserQuery builds the query string that registers userID on connect.
func UserQuery(userID string, groups ...string) url.Values {
	q := url.Values{"userId": {userID}}
	for _, g := range groups {
		q.Add("groupId", g)
	}
	return q
}

// NewOriginHeader returns a header carrying origin, or an empty header.
func NewOriginHeader(origin string) http.Header {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return header
}

// Dial opens a WebSocket connection with the given Origin header. The
// connection is closed when the test ends.
func Dial(t *testing.T, wsURL, origin string) *websocket.Conn {
	t.Helper()
	conn, err := TryDial(wsURL, origin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// TryDial opens a WebSocket connection and returns the handshake error, if
// any, together with the HTTP status in the error text.
func TryDial(wsURL, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: DefaultTimeout}
	conn, resp, err := dialer.Dial(wsURL, NewOriginHeader(origin))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// Connect dials the stack as userID in groups and waits for the ready notice.
func (s *Stack) Connect(t *testing.T, userID string, groups ...string) *websocket.Conn {
	t.Helper()
	conn := Dial(t, s.WebSocketURL(UserQuery(userID, groups...)), s.URL())
	ExpectInfo(t, conn, relay.NoticeReady)
	return conn
}

// Frame is any server to client frame.
type Frame struct {
	Type        string    `json:"type"`
	Message     string    `json:"message,omitempty"`
	ID          string    `json:"id,omitempty"`
	SenderID    string    `json:"senderId,omitempty"`
	SenderName  string    `json:"senderName,omitempty"`
	Content     string    `json:"content,omitempty"`
	GroupID     string    `json:"groupId,omitempty"`
	RecipientID string    `json:"recipientId,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

// ReadFrame reads and decodes the next frame.
func ReadFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(DefaultTimeout)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f), "frame %s", raw)
	return f
}

// ExpectInfo reads the next frame and requires it to be the given notice.
func ExpectInfo(t *testing.T, conn *websocket.Conn, notice string) {
	t.Helper()
	f := ReadFrame(t, conn)
	require.Equal(t, relay.TypeInfo, f.Type, "frame %+v", f)
	require.Equal(t, notice, f.Message)
}

// ExpectError reads the next frame, requires it to be an error and returns
// its message.
func ExpectError(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	f := ReadFrame(t, conn)
	require.Equal(t, relay.TypeError, f.Type, "frame %+v", f)
	return f.Message
}

// ExpectMessage reads the next frame and requires it to be a message.
func ExpectMessage(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	f := ReadFrame(t, conn)
	require.Equal(t, relay.TypeMessage, f.Type, "frame %+v", f)
	return f
}

// ExpectNoFrame requires that nothing arrives within timeout. A timed out
// read leaves the connection unusable, so call it last.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame, got %s", raw)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("unexpected error while waiting for silence: %v", err)
}

// ExpectClosed requires the server to close the connection.
func ExpectClosed(t *testing.T, conn *websocket.Conn) error {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(DefaultTimeout)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatalf("connection was not closed within %s", DefaultTimeout)
		}
		return err
	}
}

// Send writes v as a JSON text frame.
func Send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// Direct builds a message frame addressed to recipientID.
func Direct(recipientID, content string) map[string]string {
	return map[string]string{"type": relay.TypeMessage, "recipientId": recipientID, "content": content}
}

// ToGroup builds a message frame addressed to groupID.
func ToGroup(groupID, content string) map[string]string {
	return map[string]string{"type": relay.TypeMessage, "groupId": groupID, "content": content}
}

// MakeRequest executes an HTTP request with a 5-second timeout. The response
// body is closed when the test ends.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()
	return do(t, method, url, http.NoBody)
}

// PostJSON posts v encoded as JSON to url.
func PostJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return do(t, http.MethodPost, url, bytes.NewReader(body))
}

func do(t *testing.T, method, url string, body io.Reader) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: DefaultTimeout}
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if body != http.NoBody {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// AssertStatusCode checks the status code of resp.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	require.Equal(t, expected, resp.StatusCode, "unexpected status for %s", resp.Request.URL)
}

// AssertContentType checks the media type of resp, ignoring parameters.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	require.Equal(t, expected, strings.TrimSpace(contentType))
}
