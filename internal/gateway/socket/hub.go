// Package socket is the WebSocket surface of the gateway: a gorilla hub of
// connected clients speaking JSON-RPC 2.0. Requests go through a method
// table to the orchestration core; core and bus events come back as
// notifications.
package socket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/pkg/jsonrpc"
)

// Hub manages all WebSocket client connections.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	rpc *Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub dispatching requests through the given method table.
func NewHub(rpc *Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		rpc:        rpc,
		logger:     log.WithFields(zap.String("component", "socket-hub")),
	}
}

// Run starts the hub's main processing loop. It returns when ctx is done,
// after closing every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("socket hub started")
	defer h.logger.Info("socket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case data := <-h.broadcast:
			h.broadcastFrame(data)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) broadcastFrame(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Buffer full; the write pump will clean the client up.
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Notify broadcasts a JSON-RPC notification to every connected client.
func (h *Hub) Notify(method string, params interface{}) {
	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		h.logger.Error("failed to build notification",
			zap.String("method", method), zap.Error(err))
		return
	}
	data, err := json.Marshal(note)
	if err != nil {
		h.logger.Error("failed to marshal notification",
			zap.String("method", method), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("notification dropped, broadcast buffer full",
			zap.String("method", method))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
