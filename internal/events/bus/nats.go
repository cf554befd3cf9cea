package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/config"
	"github.com/collabot/collabot/internal/common/logger"
)

const (
	natsReconnectWait = 2 * time.Second
	natsReconnectBuf  = 5 * 1024 * 1024
)

// NATSEventBus is the multi-process EventBus. Events cross the wire as
// JSON, so handlers must tolerate the usual type loosening (ints arrive
// as float64).
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger
	cfg    config.BusConfig
}

// NewNATSEventBus connects to the configured NATS server. The connection
// reconnects on its own; events published while disconnected are buffered
// up to natsReconnectBuf bytes.
func NewNATSEventBus(cfg config.BusConfig, log *logger.Logger) (*NATSEventBus, error) {
	conn, err := nats.Connect(cfg.NatsURL, natsOptions(cfg, log)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("connected to NATS", zap.String("url", cfg.NatsURL))

	return &NATSEventBus{conn: conn, logger: log, cfg: cfg}, nil
}

func natsOptions(cfg config.BusConfig, log *logger.Logger) []nats.Option {
	return []nats.Option{
		nats.Name("collabot"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.ReconnectBufSize(natsReconnectBuf),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.String("subject", sub.Subject), zap.Error(err))
		}),
	}
}

func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, b.msgHandler(subject, handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, b.msgHandler(subject, handler))
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// msgHandler decodes the wire event and invokes the handler. Handler
// errors are logged, not redelivered: the bus is fire and forget.
func (b *NATSEventBus) msgHandler(subject string, handler EventHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("dropping undecodable event",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}
}

// Close drains the connection so in-flight messages finish delivery.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
}

func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
