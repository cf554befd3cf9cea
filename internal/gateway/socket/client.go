package socket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/pkg/jsonrpc"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from the peer.
	maxMessageSize = 512 * 1024
)

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	logger *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump reads JSON-RPC frames from the connection and dispatches them.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var req jsonrpc.Request
		if err := json.Unmarshal(frame, &req); err != nil {
			c.respond(jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError, "invalid JSON-RPC frame"))
			continue
		}
		c.handleRequest(ctx, &req)
	}
}

func (c *Client) handleRequest(ctx context.Context, req *jsonrpc.Request) {
	c.logger.Debug("request received", zap.String("method", req.Method))

	resp := c.hub.rpc.Dispatch(ctx, req)
	if req.IsNotification() {
		return
	}
	c.respond(resp)
}

func (c *Client) respond(resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("failed to marshal response", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full")
	}
}

// WritePump writes queued frames to the connection and keeps it alive with
// pings. One JSON-RPC frame per WebSocket message.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
