// Package dispatch defines the core data model for agent dispatches: the
// envelope persisted per invocation, the captured event sequence, the
// structured agent result, and the cancellation handle shared between the
// runtime, the pool, and the trackers.
package dispatch

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a dispatch envelope.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusCrashed   Status = "crashed"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusCrashed
}

// AbortReason records why a dispatch was cancelled.
type AbortReason string

const (
	ReasonErrorLoop         AbortReason = "error_loop"
	ReasonNonRetryableError AbortReason = "non_retryable_error"
	ReasonExternal          AbortReason = "external"
	ReasonStall             AbortReason = "stall"
	ReasonRestart           AbortReason = "restart"
)

// Usage captures token accounting reported by the agent for one dispatch.
type Usage struct {
	InputTokens         int `json:"inputTokens"`
	OutputTokens        int `json:"outputTokens"`
	CacheReadTokens     int `json:"cacheReadTokens,omitempty"`
	CacheCreationTokens int `json:"cacheCreationTokens,omitempty"`
	ContextWindow       int `json:"contextWindow,omitempty"`
	MaxOutputTokens     int `json:"maxOutputTokens,omitempty"`
}

// ContextPct returns how full the model context is, in percent. Cache reads
// and cache writes occupy the window just like fresh input, so they count.
// Returns 0 when the context window is unknown.
func (u Usage) ContextPct() float64 {
	if u.ContextWindow <= 0 {
		return 0
	}
	used := u.InputTokens + u.CacheReadTokens + u.CacheCreationTokens
	return 100 * float64(used) / float64(u.ContextWindow)
}

// Envelope is the metadata record for one invocation of the agent.
// CompletedAt and a terminal status are always written together; a running
// envelope carries neither.
type Envelope struct {
	DispatchID       string       `json:"dispatchId"`
	TaskSlug         string       `json:"taskSlug"`
	Role             string       `json:"role"`
	Model            string       `json:"model"`
	WorkDir          string       `json:"workDir"`
	StartedAt        time.Time    `json:"startedAt"`
	CompletedAt      *time.Time   `json:"completedAt,omitempty"`
	Status           Status       `json:"status"`
	Reason           AbortReason  `json:"reason,omitempty"`
	CostUSD          float64      `json:"costUsd,omitempty"`
	Usage            *Usage       `json:"usage,omitempty"`
	Result           *AgentResult `json:"result,omitempty"`
	ResultText       string       `json:"resultText,omitempty"`
	Error            string       `json:"error,omitempty"`
	SessionID        string       `json:"sessionId,omitempty"`
	ParentDispatchID string       `json:"parentDispatchId,omitempty"`
	BotID            string       `json:"botId,omitempty"` // reserved
}

// IndexEntry is the lightweight per-dispatch record kept in the task
// manifest, derived from the dispatch file.
type IndexEntry struct {
	DispatchID       string    `json:"dispatchId"`
	Role             string    `json:"role"`
	Status           Status    `json:"status"`
	CostUSD          float64   `json:"cost,omitempty"`
	StartedAt        time.Time `json:"startedAt"`
	ParentDispatchID string    `json:"parentDispatchId,omitempty"`
}

// IndexEntryFromEnvelope derives the manifest index entry for an envelope.
func IndexEntryFromEnvelope(env *Envelope) IndexEntry {
	return IndexEntry{
		DispatchID:       env.DispatchID,
		Role:             env.Role,
		Status:           env.Status,
		CostUSD:          env.CostUSD,
		StartedAt:        env.StartedAt,
		ParentDispatchID: env.ParentDispatchID,
	}
}

// Outcome is what the dispatch runtime returns to its caller.
type Outcome struct {
	DispatchID string
	Status     Status // completed, aborted, or crashed
	Reason     AbortReason
	Result     *AgentResult
	ResultText string
	CostUSD    float64
	Duration   time.Duration
	Usage      *Usage
	SessionID  string
	Error      string
}

// Summary returns the best human-readable one-liner for the outcome.
func (o *Outcome) Summary() string {
	if o.Result != nil && o.Result.Summary != "" {
		return o.Result.Summary
	}
	if o.ResultText != "" {
		return o.ResultText
	}
	if o.Error != "" {
		return o.Error
	}
	return string(o.Status)
}

// Handle is the cancellation handle bound to a running dispatch. Cancel is
// idempotent; the first caller's reason wins.
type Handle struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason AbortReason
}

// NewHandle returns an armed cancellation handle.
func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Cancel requests cancellation with the given reason. Later calls are no-ops.
func (h *Handle) Cancel(reason AbortReason) {
	h.once.Do(func() {
		h.mu.Lock()
		h.reason = reason
		h.mu.Unlock()
		close(h.done)
	})
}

// Done returns a channel closed when cancellation has been requested.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancelled reports whether cancellation has been requested.
func (h *Handle) Cancelled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Reason returns the cancellation reason, empty while the handle is armed.
func (h *Handle) Reason() AbortReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}
