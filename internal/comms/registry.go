package comms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/logger"
)

// ErrDuplicateProvider is returned when registering a name twice.
var ErrDuplicateProvider = errors.New("provider already registered")

// Registry holds every communication provider and implements best-effort
// fan-out. The provider list is frozen once StartAll has run.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	byName    map[string]Provider
	ready     map[string]bool
	started   bool
	logger    *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		byName: make(map[string]Provider),
		ready:  make(map[string]bool),
		logger: log.WithFields(zap.String("component", "comms-registry")),
	}
}

// Register adds a provider. Fails on duplicate names and after StartAll.
func (r *Registry) Register(p Provider) error {
	name := p.Name()
	if name == "" {
		return fmt.Errorf("register provider: empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("register provider %q: registry already started", name)
	}
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateProvider, name)
	}
	r.byName[name] = p
	r.providers = append(r.providers, p)
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// Has reports whether a provider is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Providers returns the providers in registration order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// OnInbound installs the handler on every registered provider.
func (r *Registry) OnInbound(handler InboundHandler) {
	for _, p := range r.Providers() {
		p.OnInbound(handler)
	}
}

// StartAll starts every provider in registration order. A provider whose
// Start fails is logged and left not-ready; the rest still start.
func (r *Registry) StartAll(ctx context.Context) {
	providers := r.Providers()

	for _, p := range providers {
		name := p.Name()
		if err := r.guard(name, "start", func() error { return p.Start(ctx) }); err != nil {
			r.logger.Error("provider failed to start",
				zap.String("provider", name), zap.Error(err))
			continue
		}
		r.mu.Lock()
		r.ready[name] = true
		r.mu.Unlock()
		r.logger.Info("provider started",
			zap.String("provider", name),
			zap.String("type", p.Manifest().Type))
	}

	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
}

// StopAll stops every provider in reverse registration order. Failures are
// logged and never propagate.
func (r *Registry) StopAll(ctx context.Context) {
	providers := r.Providers()

	for i := len(providers) - 1; i >= 0; i-- {
		p := providers[i]
		name := p.Name()
		if err := r.guard(name, "stop", func() error { return p.Stop(ctx) }); err != nil {
			r.logger.Warn("provider failed to stop",
				zap.String("provider", name), zap.Error(err))
		}
		r.mu.Lock()
		delete(r.ready, name)
		r.mu.Unlock()
	}
}

// Broadcast delivers the message to every ready provider that accepts its
// type. Per-provider failures are logged and do not stop the fan-out.
func (r *Registry) Broadcast(ctx context.Context, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	for _, p := range r.Providers() {
		name := p.Name()
		if !r.isReady(name) || !p.Ready() || !Accepts(p, msg.Type) {
			continue
		}
		if err := r.guard(name, "send", func() error { return p.Send(ctx, msg) }); err != nil {
			r.logger.Warn("provider send failed",
				zap.String("provider", name),
				zap.String("message_type", string(msg.Type)),
				zap.Error(err))
		}
	}
}

// BroadcastStatus updates the channel status on every ready provider.
func (r *Registry) BroadcastStatus(ctx context.Context, channel, status string) {
	for _, p := range r.Providers() {
		name := p.Name()
		if !r.isReady(name) || !p.Ready() {
			continue
		}
		if err := r.guard(name, "set status", func() error { return p.SetStatus(ctx, channel, status) }); err != nil {
			r.logger.Warn("provider status update failed",
				zap.String("provider", name),
				zap.String("status", status),
				zap.Error(err))
		}
	}
}

func (r *Registry) isReady(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready[name]
}

// guard runs one provider call, converting a panic into an error so a
// misbehaving provider cannot take down a dispatch loop.
func (r *Registry) guard(name, op string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("provider %s %s panicked: %v", name, op, rec)
		}
	}()
	return fn()
}
