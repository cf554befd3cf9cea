// Package telegram bridges a Telegram chat to the orchestrator. It long
// polls the Bot API for incoming messages and relays outbound channel
// traffic to a single configured chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/config"
	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/comms"
)

const (
	apiBase = "https://api.telegram.org"

	// Telegram rejects messages over 4096 characters.
	maxMessageRunes = 4096

	defaultPollTimeout = 30 * time.Second
)

// Provider is a long-polling Telegram Bot API bridge. One provider talks
// to one bot token and one chat id.
type Provider struct {
	token       string
	chatID      int64
	pollTimeout time.Duration
	apiURL      string
	client      *http.Client
	log         *logger.Logger

	mu      sync.Mutex
	handler comms.InboundHandler
	cancel  context.CancelFunc
	done    chan struct{}
	ready   bool
}

// New builds a provider from configuration. The caller only constructs
// one when cfg.Enabled is true.
func New(cfg config.TelegramProviderConfig, log *logger.Logger) *Provider {
	timeout := defaultPollTimeout
	if cfg.PollTimeout > 0 {
		timeout = time.Duration(cfg.PollTimeout) * time.Second
	}
	return &Provider{
		token:       cfg.Token,
		chatID:      cfg.ChatID,
		pollTimeout: timeout,
		apiURL:      apiBase,
		// The poll request itself blocks for pollTimeout server-side;
		// give the client a margin on top of it.
		client: &http.Client{Timeout: timeout + 15*time.Second},
		log:    log.WithProvider("telegram"),
	}
}

func (p *Provider) Name() string { return "telegram" }

func (p *Provider) Manifest() comms.Manifest {
	return comms.Manifest{
		ID:          "telegram",
		Version:     "1.0.0",
		DisplayName: "Telegram",
		Description: "Bridges a Telegram chat through the Bot API",
		Type:        "chat",
	}
}

// AcceptedTypes excludes tool_use: per-call traffic is too chatty for a
// phone notification stream.
func (p *Provider) AcceptedTypes() []comms.MessageType {
	return []comms.MessageType{comms.TypeChat, comms.TypeResult, comms.TypeWarning}
}

func (p *Provider) OnInbound(handler comms.InboundHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

func (p *Provider) Start(ctx context.Context) error {
	if _, err := p.getMe(ctx); err != nil {
		return fmt.Errorf("telegram auth check failed: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.done = make(chan struct{})
	p.ready = true
	p.mu.Unlock()

	go p.pollLoop(pollCtx)
	p.log.Info("telegram bridge started", zap.Int64("chat_id", p.chatID))
	return nil
}

func (p *Provider) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.ready = false
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Provider) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Send relays one outbound message, splitting it when it exceeds the
// Bot API message limit.
func (p *Provider) Send(ctx context.Context, msg comms.Message) error {
	for _, chunk := range splitMessage(format(msg), maxMessageRunes) {
		if err := p.sendMessage(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// SetStatus maps the working indicator onto a "typing" chat action.
// Completed and failed states are already visible from result messages.
func (p *Provider) SetStatus(ctx context.Context, channel, status string) error {
	if status != comms.StatusWorking {
		return nil
	}
	return p.call(ctx, "sendChatAction", map[string]any{
		"chat_id": p.chatID,
		"action":  "typing",
	}, nil)
}

func format(msg comms.Message) string {
	prefix := ""
	switch msg.Type {
	case comms.TypeWarning:
		prefix = "⚠️ "
	case comms.TypeResult:
		prefix = "✅ "
	}
	if msg.Role != "" {
		prefix += "[" + msg.Role + "] "
	}
	return prefix + msg.Text
}

// splitMessage cuts text into chunks of at most limit runes, preferring
// newline boundaries in the tail half of each chunk.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var parts []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			parts = append(parts, string(runes))
			break
		}
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	return parts
}

func (p *Provider) pollLoop(ctx context.Context) {
	defer close(p.done)

	var offset int64
	for {
		updates, err := p.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("telegram poll failed, backing off", zap.Error(err))
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, u := range updates {
			offset = u.UpdateID + 1
			p.handleUpdate(ctx, u)
		}
	}
}

func (p *Provider) handleUpdate(ctx context.Context, u update) {
	if u.Message == nil || u.Message.Text == "" {
		return
	}
	if u.Message.Chat.ID != p.chatID {
		p.log.Debug("ignoring message from unconfigured chat", zap.Int64("chat_id", u.Message.Chat.ID))
		return
	}

	p.mu.Lock()
	handler := p.handler
	p.mu.Unlock()
	if handler == nil {
		return
	}

	sender := u.Message.From.Username
	if sender == "" {
		sender = strconv.FormatInt(u.Message.From.ID, 10)
	}
	result := handler(ctx, comms.InboundMessage{
		Content: u.Message.Text,
		Channel: strconv.FormatInt(p.chatID, 10),
		Sender:  sender,
	})
	if result.Summary != "" {
		for _, chunk := range splitMessage(result.Summary, maxMessageRunes) {
			if err := p.sendMessage(ctx, chunk); err != nil {
				p.log.Warn("failed to reply", zap.Error(err))
				return
			}
		}
	}
}

// Bot API wire types, reduced to the fields the bridge reads.

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
	} `json:"message"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (p *Provider) getMe(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := p.call(ctx, "getMe", nil, &out)
	return out, err
}

func (p *Provider) getUpdates(ctx context.Context, offset int64) ([]update, error) {
	var updates []update
	err := p.call(ctx, "getUpdates", map[string]any{
		"offset":  offset,
		"timeout": int(p.pollTimeout.Seconds()),
	}, &updates)
	return updates, err
}

func (p *Provider) sendMessage(ctx context.Context, text string) error {
	return p.call(ctx, "sendMessage", map[string]any{
		"chat_id": p.chatID,
		"text":    text,
	}, nil)
}

func (p *Provider) call(ctx context.Context, method string, params map[string]any, out any) error {
	url := fmt.Sprintf("%s/bot%s/%s", p.apiURL, p.token, method)

	var body io.Reader
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	if params != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if !apiResp.OK {
		return fmt.Errorf("%s: api error: %s", method, apiResp.Description)
	}
	if out != nil && apiResp.Result != nil {
		if err := json.Unmarshal(apiResp.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}
