package analysis

import (
	"sync"
	"time"
)

// StallTimer fires when no stream activity is observed for a fixed duration.
// It is armed once per dispatch, reset on every event, and fires at most
// once; Reset after firing or after Stop is a no-op, so a dispatch that is
// already being cancelled cannot be stalled a second time.
type StallTimer struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	fired   chan struct{}
	stopped bool
}

// NewStallTimer arms a timer for the given duration. A non-positive duration
// returns a timer that never fires, which disables stall detection.
func NewStallTimer(timeout time.Duration) *StallTimer {
	s := &StallTimer{timeout: timeout, fired: make(chan struct{})}
	if timeout <= 0 {
		s.stopped = true
		return s
	}
	s.timer = time.AfterFunc(timeout, s.fire)
	return s
}

func (s *StallTimer) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.fired)
}

// Reset pushes the deadline out by the full timeout. No-op once the timer
// has fired or been stopped.
func (s *StallTimer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.timer.Reset(s.timeout)
}

// Stop disarms the timer. Safe to call multiple times and after firing.
func (s *StallTimer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.timer.Stop()
}

// Fired returns a channel that is closed when the stall deadline passes.
func (s *StallTimer) Fired() <-chan struct{} { return s.fired }
