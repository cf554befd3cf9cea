// Package main is the collabot entry point. One binary runs the whole
// instance: the orchestrator, the chat providers, the local control
// socket and the agent-facing tool server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/collabot/collabot/internal/common/config"
	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/comms"
	"github.com/collabot/collabot/internal/comms/telegram"
	"github.com/collabot/collabot/internal/comms/terminal"
	"github.com/collabot/collabot/internal/events"
	"github.com/collabot/collabot/internal/gateway"
	"github.com/collabot/collabot/internal/gateway/socket"
	"github.com/collabot/collabot/internal/orchestrator"
	"github.com/collabot/collabot/internal/storage/archive"
	"github.com/collabot/collabot/internal/toolserver"
	"github.com/collabot/collabot/internal/tracing"
	"github.com/collabot/collabot/pkg/agentstream"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadWithPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting collabot...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory by default, NATS when a URL is configured.
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// Chat providers. Registration happens before the service starts so
	// StartAll and the inbound handler cover every provider.
	registry := comms.NewRegistry(log)
	if cfg.Providers.Terminal.Enabled {
		if err := registry.Register(terminal.New()); err != nil {
			log.Fatal("Failed to register terminal provider", zap.Error(err))
		}
	}
	if cfg.Providers.Telegram.Enabled {
		if err := registry.Register(telegram.New(cfg.Providers.Telegram, log)); err != nil {
			log.Fatal("Failed to register telegram provider", zap.Error(err))
		}
	}

	launcher := agentstream.NewCLILauncher(cfg.Agent, log)
	svc := orchestrator.NewService(cfg, launcher, registry, eventBus, log)

	// Local control socket: JSON-RPC over WebSocket, mirrored into the
	// provider registry so channel traffic reaches connected frontends.
	hub := socket.NewHub(socket.NewDispatcher(svc, log), log)
	sockProvider := socket.NewProvider(hub, log)
	if err := registry.Register(sockProvider); err != nil {
		log.Fatal("Failed to register socket provider", zap.Error(err))
	}
	if err := sockProvider.Attach(eventBus); err != nil {
		log.Fatal("Failed to attach socket provider to event bus", zap.Error(err))
	}

	// Dispatch archive, disabled unless configured.
	arc, err := archive.Open(cfg.Archive, log)
	if err != nil {
		log.Fatal("Failed to open dispatch archive", zap.Error(err))
	}
	if arc != nil {
		if err := arc.Attach(eventBus); err != nil {
			log.Fatal("Failed to attach archive to event bus", zap.Error(err))
		}
		log.Info("Dispatch archive enabled", zap.String("driver", cfg.Archive.Driver))
	}

	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	gw := gateway.New(cfg.Server, hub, log)
	toolSrv := toolserver.New(cfg.ToolServer, svc, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Start(gctx) })
	g.Go(func() error { return toolSrv.Start(gctx) })
	if err := g.Wait(); err != nil {
		log.Fatal("Failed to start servers", zap.Error(err))
	}

	log.Info("collabot ready",
		zap.Int("gateway_port", gw.Port()),
		zap.Int("tool_server_port", toolSrv.Port()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down collabot...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		log.Error("Gateway shutdown error", zap.Error(err))
	}
	if err := toolSrv.Stop(shutdownCtx); err != nil {
		log.Error("Tool server shutdown error", zap.Error(err))
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error("Orchestrator stop error", zap.Error(err))
	}
	if arc != nil {
		if err := arc.Close(); err != nil {
			log.Error("Archive close error", zap.Error(err))
		}
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("collabot stopped")
}
