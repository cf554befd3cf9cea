// Package tracker correlates asynchronously started dispatches with later
// await calls. A parent agent drafts a child through the RPC tools, receives
// the child's dispatch id immediately, and awaits the outcome whenever it
// chooses; the tracker holds the promise in between.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/dispatch"
)

// ErrUnknownDispatch is returned by Await for ids that were never tracked.
var ErrUnknownDispatch = errors.New("unknown dispatch")

// Promise settles exactly once with a dispatch outcome. Settling twice is a
// no-op on the later call.
type Promise struct {
	once    sync.Once
	done    chan struct{}
	outcome dispatch.Outcome
}

// NewPromise returns an unsettled promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Settle records the outcome and releases every waiter.
func (p *Promise) Settle(o dispatch.Outcome) {
	p.once.Do(func() {
		p.outcome = o
		close(p.done)
	})
}

// Done returns a channel closed once the promise settles.
func (p *Promise) Done() <-chan struct{} { return p.done }

// Outcome returns the settled outcome. ok is false while pending.
func (p *Promise) Outcome() (dispatch.Outcome, bool) {
	select {
	case <-p.done:
		return p.outcome, true
	default:
		return dispatch.Outcome{}, false
	}
}

type entry struct {
	role    string
	promise *Promise
	addedAt time.Time
}

// Tracker maps dispatch ids to completion promises.
type Tracker struct {
	mu      sync.RWMutex
	pending map[string]*entry
	logger  *logger.Logger
}

// New creates an empty tracker.
func New(log *logger.Logger) *Tracker {
	return &Tracker{
		pending: make(map[string]*entry),
		logger:  log.WithFields(zap.String("component", "dispatch-tracker")),
	}
}

// Track registers a pending dispatch. Fails on duplicate ids.
func (t *Tracker) Track(id, role string, p *Promise) error {
	if id == "" {
		return fmt.Errorf("track: empty dispatch id")
	}
	if p == nil {
		return fmt.Errorf("track: nil promise for dispatch %s", id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[id]; exists {
		return fmt.Errorf("track: dispatch %s already tracked", id)
	}
	t.pending[id] = &entry{role: role, promise: p, addedAt: time.Now().UTC()}
	return nil
}

// Await blocks until the dispatch settles or the context ends. Settled
// dispatches stay awaitable until pruned, so awaiting after completion
// returns immediately.
func (t *Tracker) Await(ctx context.Context, id string) (dispatch.Outcome, error) {
	t.mu.RLock()
	e, ok := t.pending[id]
	t.mu.RUnlock()
	if !ok {
		return dispatch.Outcome{}, fmt.Errorf("%w: %s", ErrUnknownDispatch, id)
	}

	select {
	case <-e.promise.Done():
		o, _ := e.promise.Outcome()
		return o, nil
	case <-ctx.Done():
		return dispatch.Outcome{}, ctx.Err()
	}
}

// Has reports whether the id is tracked, settled or not.
func (t *Tracker) Has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.pending[id]
	return ok
}

// Prune drops settled entries and returns how many were removed.
func (t *Tracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, e := range t.pending {
		if _, settled := e.promise.Outcome(); settled {
			delete(t.pending, id)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Debug("pruned settled dispatches", zap.Int("count", removed))
	}
	return removed
}
