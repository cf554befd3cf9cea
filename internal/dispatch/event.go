package dispatch

import (
	"time"

	"github.com/collabot/collabot/internal/common/identity"
)

// EventType identifies one kind of captured event. The set is closed and
// spans five categories: agent activity, session lifecycle, harness
// interventions, user interaction, and system observations.
type EventType string

const (
	// Agent activity
	EventAgentText       EventType = "agent:text"
	EventAgentThinking   EventType = "agent:thinking"
	EventAgentToolCall   EventType = "agent:tool_call"
	EventAgentToolResult EventType = "agent:tool_result"

	// Session lifecycle
	EventSessionInit       EventType = "session:init"
	EventSessionComplete   EventType = "session:complete"
	EventSessionCompaction EventType = "session:compaction"
	EventSessionRateLimit  EventType = "session:rate_limit"

	// Harness interventions
	EventHarnessWarning EventType = "harness:warning"
	EventHarnessKill    EventType = "harness:kill"

	// User interaction
	EventUserMessage EventType = "user:message"

	// System observations
	EventSystemFilesPersisted EventType = "system:files_persisted"
	EventSystemHook           EventType = "system:hook"
	EventSystemStatus         EventType = "system:status"
)

// Event is one captured observation within a dispatch. Events are
// append-only and ordered by timestamp; tool-call and tool-result events
// share a correlation id in their data under "callId".
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh time-sortable id.
func NewEvent(eventType EventType, data map[string]interface{}) Event {
	return Event{
		ID:        identity.NewEventID(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
