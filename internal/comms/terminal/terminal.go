// Package terminal implements a communication provider that writes
// channel traffic to standard output. It is the default transport for
// running collabot interactively in a shell.
package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/collabot/collabot/internal/comms"
)

const timeFormat = "15:04:05"

// Provider prints messages and status lines to a writer, one line per
// message. It holds no connection state and is ready immediately.
type Provider struct {
	comms.Stateless

	mu  sync.Mutex
	out io.Writer
}

// New returns a terminal provider writing to stdout.
func New() *Provider {
	return &Provider{out: os.Stdout}
}

// NewWithWriter returns a terminal provider writing to w.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{out: w}
}

func (p *Provider) Name() string { return "terminal" }

func (p *Provider) Manifest() comms.Manifest {
	return comms.Manifest{
		ID:          "terminal",
		Version:     "1.0.0",
		DisplayName: "Terminal",
		Description: "Prints channel messages and status lines to stdout",
		Type:        "terminal",
	}
}

// AcceptedTypes is empty: the terminal shows everything.
func (p *Provider) AcceptedTypes() []comms.MessageType { return nil }

// OnInbound is a no-op; the terminal provider is outbound only. Prompts
// typed into a shell arrive through the gateway, not here.
func (p *Provider) OnInbound(comms.InboundHandler) {}

func (p *Provider) Send(ctx context.Context, msg comms.Message) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintf(p.out, "[%s] %s %s%s %s\n",
		ts.Format(timeFormat), label(msg.Type), scope(msg), agent(msg), msg.Text)
	return err
}

func (p *Provider) SetStatus(ctx context.Context, channel, status string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintf(p.out, "[%s] status  %s: %s\n",
		time.Now().Format(timeFormat), channel, status)
	return err
}

func label(t comms.MessageType) string {
	switch t {
	case comms.TypeResult:
		return "result "
	case comms.TypeWarning:
		return "warning"
	case comms.TypeToolUse:
		return "tool   "
	default:
		return "chat   "
	}
}

func scope(msg comms.Message) string {
	switch {
	case msg.Project != "" && msg.TaskSlug != "":
		return msg.Project + "/" + msg.TaskSlug
	case msg.Project != "":
		return msg.Project
	default:
		return msg.Channel
	}
}

func agent(msg comms.Message) string {
	if msg.Role == "" {
		return ""
	}
	return " (" + msg.Role + ")"
}
