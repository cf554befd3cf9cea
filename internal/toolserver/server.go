// Package toolserver exposes orchestration tools to running agents over MCP.
// Two streamable HTTP endpoints share one listener: /rpc/full carries the
// complete tool set for roles allowed to draft agents, /rpc/read carries the
// read-only subset every role gets. The runtime selects the endpoint when it
// builds the agent's MCP config and appends the dispatch id as a query
// parameter so tool calls can be attributed to their caller.
package toolserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/config"
	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/orchestrator"
)

// PathFull and PathRead are the endpoint paths agents connect to.
const (
	PathFull = "/rpc/full"
	PathRead = "/rpc/read"
)

type dispatchKey struct{}

// withDispatch copies the caller's dispatch id from the request URL into the
// handler context. Agents receive the id pre-bound in their MCP config URL.
func withDispatch(ctx context.Context, r *http.Request) context.Context {
	if id := r.URL.Query().Get("dispatch"); id != "" {
		ctx = context.WithValue(ctx, dispatchKey{}, id)
	}
	return ctx
}

// DispatchFromContext returns the dispatch id of the calling agent, if the
// request carried one.
func DispatchFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(dispatchKey{}).(string)
	return id, ok
}

// Server hosts the agent-facing MCP tool servers.
type Server struct {
	cfg        config.ToolServerConfig
	svc        *orchestrator.Service
	fullServer *server.StreamableHTTPServer
	readServer *server.StreamableHTTPServer
	httpServer *http.Server
	mu         sync.Mutex
	running    bool
	logger     *logger.Logger
}

// New creates a tool server bound to the orchestration service.
func New(cfg config.ToolServerConfig, svc *orchestrator.Service, log *logger.Logger) *Server {
	return &Server{
		cfg:    cfg,
		svc:    svc,
		logger: log.WithFields(zap.String("component", "toolserver")),
	}
}

// Start begins serving both endpoints and returns once the listener is
// accepting. Port 0 binds an ephemeral port, readable via Port afterwards.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("tool server already running")
	}
	s.mu.Unlock()

	full := server.NewMCPServer(
		"collabot",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerFullTools(full, s.svc, s.logger)

	read := server.NewMCPServer(
		"collabot",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerReadTools(read, s.svc, s.logger)

	s.fullServer = server.NewStreamableHTTPServer(full,
		server.WithEndpointPath(PathFull),
		server.WithHTTPContextFunc(withDispatch),
	)
	s.readServer = server.NewStreamableHTTPServer(read,
		server.WithEndpointPath(PathRead),
		server.WithHTTPContextFunc(withDispatch),
	)

	mux := http.NewServeMux()
	mux.Handle(PathFull, s.fullServer)
	mux.Handle(PathRead, s.readServer)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{
		Handler: mux,
	}

	ready := make(chan struct{})

	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()

		close(ready)

		s.logger.Info("tool server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("full_endpoint", PathFull),
			zap.String("read_endpoint", PathRead))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("tool server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	if s.fullServer != nil {
		if err := s.fullServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown full tool endpoint", zap.Error(err))
		}
	}
	if s.readServer != nil {
		if err := s.readServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown read tool endpoint", zap.Error(err))
		}
	}

	return nil
}

// Port returns the bound port. Valid after Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Port
}
