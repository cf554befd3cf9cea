// Package comms defines the communication provider contract and the
// registry that fans dispatch activity out to every connected transport.
// Providers are transports (terminal, telegram, websocket clients) that
// carry channel messages outward and user prompts inward; the core never
// talks to a transport directly, only through the registry.
package comms

import (
	"context"
	"time"
)

// MessageType classifies outbound channel messages.
type MessageType string

const (
	TypeChat    MessageType = "chat"
	TypeResult  MessageType = "result"
	TypeWarning MessageType = "warning"
	TypeToolUse MessageType = "tool_use"
)

// Channel status values used with SetStatus and BroadcastStatus.
const (
	StatusWorking   = "working"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Message is one outbound channel message.
type Message struct {
	Type       MessageType `json:"type"`
	Channel    string      `json:"channel,omitempty"`
	Project    string      `json:"project,omitempty"`
	TaskSlug   string      `json:"taskSlug,omitempty"`
	DispatchID string      `json:"dispatchId,omitempty"`
	Role       string      `json:"role,omitempty"`
	Text       string      `json:"text"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Manifest identifies a provider implementation.
type Manifest struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	Type        string `json:"type"`
}

// InboundMessage is a prompt arriving from a provider's channel.
type InboundMessage struct {
	Content  string
	Role     string
	TaskSlug string
	Project  string
	Channel  string
	Sender   string
}

// InboundResult is what the inbound handler reports back to the provider
// once the prompt has been dispatched to completion.
type InboundResult struct {
	Status  string
	Summary string
}

// InboundHandler processes one inbound prompt. Implementations never panic
// and never return an error; failures are reported through the result
// status.
type InboundHandler func(ctx context.Context, msg InboundMessage) InboundResult

// Provider is the uniform transport contract. Implementations with no
// connection state can embed Stateless for the lifecycle methods.
type Provider interface {
	// Name is the stable registry key.
	Name() string
	Manifest() Manifest

	// AcceptedTypes returns the message types the provider wants.
	// Empty means accept everything.
	AcceptedTypes() []MessageType

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ready() bool

	// Send delivers one outbound message.
	Send(ctx context.Context, msg Message) error

	// SetStatus updates the working indicator for a channel.
	SetStatus(ctx context.Context, channel, status string) error

	// OnInbound installs the prompt handler. Called once at startup,
	// after every provider has been registered.
	OnInbound(handler InboundHandler)
}

// Stateless supplies no-op lifecycle methods for providers that are ready
// the moment they are constructed.
type Stateless struct{}

func (Stateless) Start(context.Context) error { return nil }
func (Stateless) Stop(context.Context) error  { return nil }
func (Stateless) Ready() bool                 { return true }

// Accepts reports whether a provider wants messages of the given type.
func Accepts(p Provider, t MessageType) bool {
	accepted := p.AcceptedTypes()
	if len(accepted) == 0 {
		return true
	}
	for _, a := range accepted {
		if a == t {
			return true
		}
	}
	return false
}
