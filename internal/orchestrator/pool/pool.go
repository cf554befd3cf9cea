// Package pool tracks in-flight dispatches and enforces the concurrency
// limit. Every running agent occupies one slot from Register until Release;
// the pool is the single place that can answer "what is running right now"
// and the handle registry used to cancel an agent from the outside.
package pool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/dispatch"
)

// ErrAtCapacity is returned by Register when the configured concurrency
// limit has been reached.
var ErrAtCapacity = errors.New("agent pool at capacity")

// Entry describes one running dispatch.
type Entry struct {
	DispatchID string
	Role       string
	TaskSlug   string
	Project    string
	StartedAt  time.Time
	Handle     *dispatch.Handle
}

// ChangeFunc observes pool membership. It receives the full list after every
// register and release. Callbacks run synchronously on the mutating
// goroutine and must not block.
type ChangeFunc func(agents []Entry)

// Pool is a bounded registry of running dispatches.
type Pool struct {
	mu        sync.RWMutex
	max       int
	agents    map[string]Entry
	observers []ChangeFunc
	logger    *logger.Logger
}

// New creates a pool. maxConcurrent of 0 means unbounded.
func New(maxConcurrent int, log *logger.Logger) *Pool {
	return &Pool{
		max:    maxConcurrent,
		agents: make(map[string]Entry),
		logger: log.WithFields(zap.String("component", "agent-pool")),
	}
}

// Register adds a running dispatch to the pool. Fails when the pool is at
// capacity or the id is already present.
func (p *Pool) Register(e Entry) error {
	if e.DispatchID == "" {
		return fmt.Errorf("pool register: empty dispatch id")
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}

	p.mu.Lock()
	if p.max > 0 && len(p.agents) >= p.max {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d running", ErrAtCapacity, p.max)
	}
	if _, exists := p.agents[e.DispatchID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("pool register: dispatch %s already registered", e.DispatchID)
	}
	p.agents[e.DispatchID] = e
	agents, observers := p.snapshotLocked()
	p.mu.Unlock()

	p.logger.Info("agent registered",
		zap.String("dispatch_id", e.DispatchID),
		zap.String("role", e.Role),
		zap.String("task_slug", e.TaskSlug),
		zap.Int("pool_size", len(agents)))
	notify(observers, agents)
	return nil
}

// Release removes a dispatch from the pool. Returns false when the id was
// not registered.
func (p *Pool) Release(id string) bool {
	p.mu.Lock()
	_, exists := p.agents[id]
	if !exists {
		p.mu.Unlock()
		return false
	}
	delete(p.agents, id)
	agents, observers := p.snapshotLocked()
	p.mu.Unlock()

	p.logger.Info("agent released",
		zap.String("dispatch_id", id),
		zap.Int("pool_size", len(agents)))
	notify(observers, agents)
	return true
}

// Kill requests cancellation of a running dispatch. The entry stays in the
// pool until the runtime finalizes and releases it. Returns false when the
// id is not registered.
func (p *Pool) Kill(id string, reason dispatch.AbortReason) bool {
	p.mu.RLock()
	e, exists := p.agents[id]
	p.mu.RUnlock()
	if !exists {
		return false
	}
	if e.Handle == nil {
		p.logger.Warn("kill requested for agent without cancellation handle",
			zap.String("dispatch_id", id))
		return true
	}

	p.logger.Info("killing agent",
		zap.String("dispatch_id", id),
		zap.String("reason", string(reason)))
	e.Handle.Cancel(reason)
	return true
}

// Get returns the entry for a dispatch id.
func (p *Pool) Get(id string) (Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.agents[id]
	return e, ok
}

// List returns a snapshot of running dispatches, oldest first.
func (p *Pool) List() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.listLocked()
}

// Size returns the number of running dispatches.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.agents)
}

// OnChange registers a membership observer.
func (p *Pool) OnChange(cb ChangeFunc) {
	if cb == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, cb)
}

func (p *Pool) listLocked() []Entry {
	agents := make([]Entry, 0, len(p.agents))
	for _, e := range p.agents {
		agents = append(agents, e)
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].StartedAt.Equal(agents[j].StartedAt) {
			return agents[i].DispatchID < agents[j].DispatchID
		}
		return agents[i].StartedAt.Before(agents[j].StartedAt)
	})
	return agents
}

func (p *Pool) snapshotLocked() ([]Entry, []ChangeFunc) {
	observers := make([]ChangeFunc, len(p.observers))
	copy(observers, p.observers)
	return p.listLocked(), observers
}

func notify(observers []ChangeFunc, agents []Entry) {
	for _, cb := range observers {
		cb(agents)
	}
}
