// Package server tracks live WebSocket clients and their pump goroutines via
// the Hub type, and closes them all on shutdown.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/relay"
	"github.com/Tyrowin/gorelay/internal/telemetry"
)

// Relay serves one registered connection until it closes.
type Relay interface {
	Serve(conn relay.Conn, reg *relay.Registration) error
}

// Hub owns the set of open clients. It starts the pumps of every registered
// client and closes all of them on shutdown. Message routing is the relay
// engine's job.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	relay      Relay
	logger     *zap.Logger
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub that hands every client to r.
func NewHub(r Relay, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		relay:      r,
		logger:     logger.With(zap.String("component", "hub")),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Register hands client to the hub, which launches its pumps. It reports
// false once the hub is shutting down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// remove is called by a client's read pump when it exits.
func (h *Hub) remove(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of open clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Run starts the hub's event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("received nil client registration; skipping")
				continue
			}
			h.start(client)

		case client := <-h.unregister:
			h.drop(client)
		}
	}
}

// start records client and launches its pumps.
func (h *Hub) start(client *Client) {
	h.mutex.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mutex.Unlock()

	telemetry.SetConnections(n)
	h.logger.Info("client connected", zap.String("conn", client.ID()),
		zap.String("addr", client.addr), zap.Int("clients", n))

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump(h.relay)
	}()
}

func (h *Hub) drop(client *Client) {
	h.mutex.Lock()
	_, known := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mutex.Unlock()

	if !known {
		return
	}
	telemetry.SetConnections(n)
	h.logger.Info("client disconnected", zap.String("conn", client.ID()), zap.Int("clients", n))
}

// shutdownClients closes every open client.
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := lo.Keys(h.clients)
	h.clients = make(map[*Client]struct{})
	h.mutex.Unlock()
	telemetry.SetConnections(0)

	for _, client := range clients {
		client.Close()
	}
	h.logger.Info("closed client connections", zap.Int("count", len(clients)))
}

// Shutdown closes all clients and waits for their goroutines to finish, or
// for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
