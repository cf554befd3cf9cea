package socket

import (
	"context"

	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/comms"
	"github.com/collabot/collabot/internal/events/bus"
	"github.com/collabot/collabot/pkg/jsonrpc"
)

// Provider exposes the hub as a communication provider: outbound channel
// messages and status updates become JSON-RPC notifications, and bus-driven
// pool/draft events are forwarded to connected clients. Inbound prompts
// arrive as submit_prompt requests, not through OnInbound.
type Provider struct {
	comms.Stateless

	hub    *Hub
	subs   []bus.Subscription
	logger *logger.Logger
}

// NewProvider creates the socket provider over a hub.
func NewProvider(hub *Hub, log *logger.Logger) *Provider {
	return &Provider{
		hub:    hub,
		logger: log.WithProvider("socket"),
	}
}

func (p *Provider) Name() string { return "socket" }

func (p *Provider) Manifest() comms.Manifest {
	return comms.Manifest{
		ID:          "socket",
		Version:     "1.0.0",
		DisplayName: "WebSocket",
		Description: "JSON-RPC 2.0 over the gateway WebSocket",
		Type:        "socket",
	}
}

// AcceptedTypes is empty: clients see the full channel stream.
func (p *Provider) AcceptedTypes() []comms.MessageType { return nil }

// Attach subscribes the provider to the bus subjects clients care about.
// Called once before the provider registry starts.
func (p *Provider) Attach(eventBus bus.EventBus) error {
	forward := func(subject, method string) error {
		sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
			p.hub.Notify(method, event.Data)
			return nil
		})
		if err != nil {
			return err
		}
		p.subs = append(p.subs, sub)
		return nil
	}

	if err := forward(bus.SubjectPoolChanged, jsonrpc.NotifyPoolStatus); err != nil {
		return err
	}
	if err := forward(bus.SubjectDraftUpdated, jsonrpc.NotifyDraftStatus); err != nil {
		return err
	}
	return forward(bus.SubjectDraftCompacted, jsonrpc.NotifyContextCompacted)
}

// Stop detaches the bus subscriptions.
func (p *Provider) Stop(ctx context.Context) error {
	for _, sub := range p.subs {
		if err := sub.Unsubscribe(); err != nil {
			p.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
	p.subs = nil
	return nil
}

// Send broadcasts one channel message as a notification.
func (p *Provider) Send(ctx context.Context, msg comms.Message) error {
	p.hub.Notify(jsonrpc.NotifyChannelMessage, msg)
	return nil
}

// SetStatus broadcasts a status update for a channel.
func (p *Provider) SetStatus(ctx context.Context, channel, status string) error {
	p.hub.Notify(jsonrpc.NotifyStatusUpdate, map[string]string{
		"channel": channel,
		"status":  status,
	})
	return nil
}

// OnInbound is a no-op: prompts arrive as submit_prompt requests.
func (p *Provider) OnInbound(handler comms.InboundHandler) {}
