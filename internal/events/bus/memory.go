package bus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/logger"
)

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("event bus is closed")

// MemoryEventBus is the single-process EventBus. Handlers run on their
// own goroutines so a slow subscriber never blocks the publisher, same
// as the NATS delivery model.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	queues map[string]*queueGroup
	closed bool
	logger *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryEventBus
	pattern string
	handler EventHandler
	queue   string

	mu     sync.Mutex
	active bool
}

// queueGroup round-robins deliveries across its members so only one
// handler in the group sees each event.
type queueGroup struct {
	mu      sync.Mutex
	members []*memorySubscription
	next    int
}

func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		queues: make(map[string]*queueGroup),
		logger: log,
	}
}

func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	seenQueues := make(map[string]bool)
	for _, sub := range b.subs {
		if !sub.IsValid() || !subjectMatches(sub.pattern, subject) {
			continue
		}
		if sub.queue != "" {
			key := sub.queue + ":" + sub.pattern
			if !seenQueues[key] {
				seenQueues[key] = true
				b.deliverToQueue(ctx, key, subject, event)
			}
			continue
		}
		go b.deliver(ctx, sub, subject, event)
	}
	return nil
}

func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryEventBus) subscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: subject,
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subs = append(b.subs, sub)

	if queue != "" {
		key := queue + ":" + subject
		qg, ok := b.queues[key]
		if !ok {
			qg = &queueGroup{}
			b.queues[key] = qg
		}
		qg.members = append(qg.members, sub)
	}
	return sub, nil
}

// Close deactivates every subscription. In-flight handler goroutines are
// left to finish on their own.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.deactivate()
	}
	b.subs = nil
	b.queues = make(map[string]*queueGroup)
}

func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryEventBus) deliver(ctx context.Context, sub *memorySubscription, subject string, event *Event) {
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("event handler failed",
			zap.String("subject", subject),
			zap.String("event_id", event.ID),
			zap.Error(err))
	}
}

func (b *MemoryEventBus) deliverToQueue(ctx context.Context, key, subject string, event *Event) {
	qg, ok := b.queues[key]
	if !ok {
		return
	}

	qg.mu.Lock()
	defer qg.mu.Unlock()

	for i := 0; i < len(qg.members); i++ {
		idx := (qg.next + i) % len(qg.members)
		sub := qg.members[idx]
		if !sub.IsValid() {
			continue
		}
		qg.next = (idx + 1) % len(qg.members)
		go b.deliver(ctx, sub, subject, event)
		return
	}
}

func (s *memorySubscription) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	if s.queue != "" {
		if qg, ok := s.bus.queues[s.queue+":"+s.pattern]; ok {
			qg.mu.Lock()
			for i, sub := range qg.members {
				if sub == s {
					qg.members = append(qg.members[:i], qg.members[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// subjectMatches walks the dot-separated tokens of a NATS-style pattern.
// "*" matches exactly one token, a trailing ">" matches one or more.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if !strings.ContainsAny(pattern, "*>") {
		return false
	}

	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
