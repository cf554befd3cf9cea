// Package events selects the event bus implementation from config.
package events

import (
	"fmt"
	"strings"

	"github.com/collabot/collabot/internal/common/config"
	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/events/bus"
)

// Provide builds the configured event bus and returns it with its
// cleanup. An empty NATS URL selects the in-memory bus, which is the
// single-process default.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.Bus.NatsURL) == "" {
		memBus := bus.NewMemoryEventBus(log)
		return memBus, memBus.Close, nil
	}

	natsBus, err := bus.NewNATSEventBus(cfg.Bus, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
	}
	return natsBus, natsBus.Close, nil
}
