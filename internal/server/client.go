// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/gorelay/internal/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// Client is one WebSocket connection. It implements relay.Conn: the relay
// engine reads frames through ReadFrame and queues outbound frames with Send,
// which the write pump drains.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	registration   *relay.Registration
	maxMessageSize int64
	rateLimiter    *rate.Limiter
	rateLimit      RateLimitConfig
	logger         *zap.Logger

	// readCap is a deadline (unix nanos) that pongs may not extend past.
	readCap atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

var _ relay.Conn = (*Client)(nil)

// NewClient creates a Client for conn. reg carries an identity taken from the
// upgrade request; when nil the client must register with a frame.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, reg *relay.Registration) *Client {
	cfg := CurrentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	id := uuid.NewString()

	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		addr:           addr,
		registration:   reg,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		logger:         zap.L().With(zap.String("conn", id), zap.String("addr", addr)),
		done:           make(chan struct{}),
	}
}

func (c *Client) ID() string            { return c.id }
func (c *Client) RemoteAddr() string    { return c.addr }
func (c *Client) Done() <-chan struct{} { return c.done }

// Send queues frame for the write pump. A full buffer drops the frame.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn("send buffer full, dropping frame", zap.Int("buffered", len(c.send)))
		return false
	}
}

// Close stops the write pump, which sends a close frame and closes the socket.
// It is safe to call more than once and never blocks.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// SetReadDeadline bounds the next reads. Until the zero time restores the
// pong driven idle deadline, pongs cannot push the deadline past t.
func (c *Client) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		c.readCap.Store(0)
		t = time.Now().Add(pongWait)
	} else {
		c.readCap.Store(t.UnixNano())
	}
	return c.conn.SetReadDeadline(t)
}

// idleDeadline is the read deadline a pong extends to.
func (c *Client) idleDeadline() time.Time {
	deadline := time.Now().Add(pongWait)
	if limit := c.readCap.Load(); limit != 0 && limit < deadline.UnixNano() {
		return time.Unix(0, limit)
	}
	return deadline
}

// ReadFrame returns the next inbound frame that passes the rate limit.
// Frames over the limit are answered with an error frame and skipped.
func (c *Client) ReadFrame() ([]byte, error) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return nil, err
		}
		if !c.checkRateLimit() {
			c.Send(relay.ErrorFrame("rate limit exceeded"))
			continue
		}
		return raw, nil
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("failed to set initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(c.idleDeadline()); err != nil {
			c.logger.Warn("failed to extend read deadline", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs the reason a read loop is ending.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", zap.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected WebSocket close", zap.Error(err))
	default:
		c.logger.Warn("WebSocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether the next frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		c.logger.Warn("rate limit exceeded, discarding frame",
			zap.Int("burst", c.rateLimit.Burst), zap.Duration("interval", c.rateLimit.RefillInterval))
		return false
	}
	return true
}

func (c *Client) readPump(engine Relay) {
	defer func() {
		c.hub.remove(c)
		c.Close()
	}()

	c.setupReadConnection()

	if err := engine.Serve(c, c.registration); err != nil {
		if errors.Is(err, relay.ErrRegistrationTimeout) {
			c.logger.Info("closing connection without registration")
		} else {
			c.logger.Warn("relay session ended with error", zap.Error(err))
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message := <-c.send:
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.handlePing()
	case <-c.done:
		c.flushQueued()
		c.writeCloseMessage()
		return false
	}
}

// flushQueued writes frames that were queued before Close, such as a final
// error frame.
func (c *Client) flushQueued() {
	for {
		select {
		case message := <-c.send:
			if !c.writeTextMessage(message) {
				return
			}
		default:
			return
		}
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	c.Close()
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error closing connection", zap.Error(err))
	}
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error writing close message", zap.Error(err))
	}
}

// writeTextMessage writes one frame as a single WebSocket text message.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("failed to set write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("failed to set write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn("error writing ping", zap.Error(err))
		return false
	}
	return true
}
