// Package bus defines the event bus the core publishes on. Two
// implementations exist: the in-memory bus for the single-process
// default and a NATS-backed bus for multi-process deployments.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the core. Subscribers may use NATS-style wildcards
// ("dispatch.*", "draft.>").
const (
	SubjectDispatchStarted   = "dispatch.started"
	SubjectDispatchCompleted = "dispatch.completed"
	SubjectPoolChanged       = "pool.changed"
	SubjectDraftUpdated      = "draft.updated"
	SubjectDraftCompacted    = "draft.compacted"
)

// Event is one message on the bus. Data must stay JSON-encodable: the
// NATS bus serializes it on the wire.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes one delivered event. Returning an error only
// logs it; the bus never redelivers.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live handler registration.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish side plus subscription management.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe delivers each event to exactly one member of the
	// named queue group.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	Close()
	IsConnected() bool
}
