// Package gateway serves the operator-facing HTTP surface: a health
// endpoint and the WebSocket mount for the JSON-RPC socket provider.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/config"
	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/gateway/socket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway binds to loopback by default; origin checks are
		// deferred to deployments that expose it.
		return true
	},
}

// Gateway is the HTTP server hosting the socket surface.
type Gateway struct {
	cfg        config.ServerConfig
	hub        *socket.Hub
	router     *gin.Engine
	httpServer *http.Server
	cancelHub  context.CancelFunc
	mu         sync.Mutex
	running    bool
	logger     *logger.Logger
}

// New builds the gateway over a socket hub.
func New(cfg config.ServerConfig, hub *socket.Hub, log *logger.Logger) *Gateway {
	gin.SetMode(gin.ReleaseMode)

	g := &Gateway{
		cfg:    cfg,
		hub:    hub,
		router: gin.New(),
		logger: log.WithFields(zap.String("component", "gateway")),
	}

	g.router.Use(gin.Recovery())
	g.router.Use(corsMiddleware())

	g.router.GET("/healthz", g.handleHealth)
	g.router.GET("/ws", g.handleWS)

	return g
}

// Router returns the HTTP handler, for tests.
func (g *Gateway) Router() http.Handler {
	return g.router
}

// Start begins serving and returns once the listener is accepting. Port 0
// binds an ephemeral port, readable via Port afterwards.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return fmt.Errorf("gateway already running")
	}
	g.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		g.cfg.Port = tcpAddr.Port
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	g.cancelHub = cancel
	go g.hub.Run(hubCtx)

	g.httpServer = &http.Server{
		Handler:      g.router,
		ReadTimeout:  g.cfg.ReadTimeoutDuration(),
		WriteTimeout: g.cfg.WriteTimeoutDuration(),
	}

	ready := make(chan struct{})

	go func() {
		g.mu.Lock()
		g.running = true
		g.mu.Unlock()

		close(ready)

		g.logger.Info("gateway listening", zap.Int("port", g.cfg.Port))

		if err := g.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway error", zap.Error(err))
		}

		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Stop drains clients and shuts the server down.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	running := g.running
	g.mu.Unlock()

	if !running {
		return nil
	}

	if g.cancelHub != nil {
		g.cancelHub()
	}
	if g.httpServer != nil {
		if err := g.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown gateway: %w", err)
		}
	}
	return nil
}

// Port returns the bound port. Valid after Start.
func (g *Gateway) Port() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.Port
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "collabot",
		"clients": g.hub.ClientCount(),
	})
}

func (g *Gateway) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := socket.NewClient(uuid.New().String(), conn, g.hub, g.logger)
	g.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// corsMiddleware allows cross-origin HTTP and WebSocket connections.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
