package runtime

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/common/stringutil"
	"github.com/collabot/collabot/internal/comms"
	"github.com/collabot/collabot/internal/dispatch"
	"github.com/collabot/collabot/internal/orchestrator/analysis"
	"github.com/collabot/collabot/internal/roles"
	"github.com/collabot/collabot/pkg/agentstream"
)

// pendingCall correlates a tool result back to its call.
type pendingCall struct {
	tool   string
	target string
	at     time.Time
}

type consumerConfig struct {
	dispatchID string
	taskDir    string
	project    string
	taskSlug   string
	channel    string
	role       *roles.Role
	model      string
	handle     *dispatch.Handle
	stall      *analysis.StallTimer
	// onCompaction fires for each compact boundary; used by draft sessions
	// to notify clients out of band.
	onCompaction func(trigger string, preTokens int64)
	log          *logger.Logger
}

// consumer holds per-stream classification state: the loop and error
// detection windows, the call correlation map, and whatever the result
// message reported. It is confined to the goroutine running the loop.
type consumer struct {
	r *Runtime
	consumerConfig

	window    *analysis.Window
	errWindow *analysis.ErrorWindow
	warned    map[analysis.Pattern]bool
	calls     map[string]pendingCall

	sessionID   string
	lastUsage   *agentstream.Usage
	result      *agentstream.Message
	compactions int
	draining    bool
}

func (r *Runtime) newConsumer(cfg consumerConfig) *consumer {
	return &consumer{
		r:              r,
		consumerConfig: cfg,
		window:         analysis.NewWindow(analysis.ToolWindowSize),
		errWindow:      analysis.NewErrorWindow(analysis.ErrorWindowSize),
		warned:         make(map[analysis.Pattern]bool),
		calls:          make(map[string]pendingCall),
	}
}

func (c *consumer) roleName() string {
	if c.role == nil {
		return ""
	}
	return c.role.Name
}

// consumeAll drains the stream until stdout closes. Cancellation, stall
// fires, and loop kills all funnel through the handle: the first Cancel
// starts process teardown, and the loop keeps draining so a result message
// already in flight is still captured.
func (r *Runtime) consumeAll(ctx context.Context, stream agentstream.Stream, c *consumer) {
	defer c.stall.Stop()

	msgs := stream.Messages()
	stallC := c.stall.Fired()
	done := c.handle.Done()
	ctxDone := ctx.Done()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			c.stall.Reset()
			if c.draining {
				if msg.Type == agentstream.MessageTypeResult {
					c.result = msg
				}
				continue
			}
			c.handleMessage(ctx, msg)
			if msg.Type == agentstream.MessageTypeResult {
				// Single-turn dispatch: the result ends the conversation,
				// but the process idles on stdin until told to go.
				c.beginDrain(stream)
			}
		case <-done:
			done = nil
			c.log.Info("dispatch cancelled", zap.String("reason", string(c.handle.Reason())))
			c.beginDrain(stream)
		case <-stallC:
			stallC = nil
			// A fire that raced drain entry is stale: the dispatch is
			// already terminating for its real reason.
			if !c.draining {
				c.stalled()
			}
		case <-ctxDone:
			ctxDone = nil
			c.handle.Cancel(dispatch.ReasonExternal)
		}
	}
}

// beginDrain starts process teardown without blocking the loop. From here
// on messages are ignored except for a late result.
func (c *consumer) beginDrain(stream agentstream.Stream) {
	if c.draining {
		return
	}
	c.draining = true
	// The stall watchdog only guards an active conversation. Once the
	// stream is being torn down, a quiet wire is expected.
	c.stall.Stop()
	go closeStream(stream)
}

func (c *consumer) stalled() {
	timeout := c.r.analysis.StallTimeout(string(c.role.Category))
	c.log.Warn("agent stalled, aborting dispatch", zap.Duration("stall_timeout", timeout))
	c.append(dispatch.NewEvent(dispatch.EventHarnessKill, map[string]interface{}{
		"reason":      string(dispatch.ReasonStall),
		"idleSeconds": int(timeout.Seconds()),
	}))
	c.handle.Cancel(dispatch.ReasonStall)
}

func (c *consumer) handleMessage(ctx context.Context, msg *agentstream.Message) {
	switch msg.Type {
	case agentstream.MessageTypeSystem:
		c.handleSystem(msg)
	case agentstream.MessageTypeAssistant:
		c.handleAssistant(ctx, msg)
	case agentstream.MessageTypeUser:
		c.handleToolResults(msg)
	case agentstream.MessageTypeResult:
		c.result = msg
	}
}

func (c *consumer) handleSystem(msg *agentstream.Message) {
	switch msg.Subtype {
	case agentstream.SystemSubtypeInit:
		c.sessionID = msg.SessionID
		c.log.Debug("agent session initialized",
			zap.String("session_id", msg.SessionID),
			zap.String("agent_model", msg.Model))
	case agentstream.SystemSubtypeCompactBoundary:
		c.compactions++
		data := map[string]interface{}{}
		var trigger string
		var preTokens int64
		if msg.CompactMetadata != nil {
			trigger = msg.CompactMetadata.Trigger
			preTokens = msg.CompactMetadata.PreTokens
			data["trigger"] = trigger
			data["preTokens"] = preTokens
		}
		c.append(dispatch.NewEvent(dispatch.EventSessionCompaction, data))
		c.log.Info("agent context compacted",
			zap.String("trigger", trigger),
			zap.Int64("pre_tokens", preTokens))
		if c.onCompaction != nil {
			c.onCompaction(trigger, preTokens)
		}
	case agentstream.SystemSubtypeRateLimit:
		data := map[string]interface{}{}
		if msg.RateLimit != nil {
			data["status"] = msg.RateLimit.Status
			if msg.RateLimit.ResetsAt > 0 {
				data["resetsAt"] = msg.RateLimit.ResetsAt
			}
		}
		c.append(dispatch.NewEvent(dispatch.EventSessionRateLimit, data))
	default:
		c.append(dispatch.NewEvent(systemEventType(msg.Subtype), map[string]interface{}{
			"subtype": msg.Subtype,
		}))
	}
}

// systemEventType maps unrecognized system subtypes onto the closed event
// vocabulary instead of dropping them.
func systemEventType(subtype string) dispatch.EventType {
	switch {
	case subtype == "files_persisted":
		return dispatch.EventSystemFilesPersisted
	case strings.HasPrefix(subtype, "hook"):
		return dispatch.EventSystemHook
	default:
		return dispatch.EventSystemStatus
	}
}

func (c *consumer) handleAssistant(ctx context.Context, msg *agentstream.Message) {
	if msg.Message == nil {
		return
	}
	if msg.Message.Usage != nil {
		c.lastUsage = msg.Message.Usage
	}
	for i := range msg.Message.Content {
		block := &msg.Message.Content[i]
		switch block.Type {
		case agentstream.BlockTypeText:
			if strings.TrimSpace(block.Text) == "" {
				continue
			}
			text := stringutil.TruncateRunes(block.Text, displayTruncateRunes)
			c.append(dispatch.NewEvent(dispatch.EventAgentText, map[string]interface{}{
				"text": text,
			}))
			c.broadcast(ctx, comms.TypeChat, text)
		case agentstream.BlockTypeThinking:
			if block.Thinking == "" {
				continue
			}
			c.append(dispatch.NewEvent(dispatch.EventAgentThinking, map[string]interface{}{
				"text": stringutil.TruncateRunes(block.Thinking, displayTruncateRunes),
			}))
		case agentstream.BlockTypeToolUse:
			c.handleToolUse(ctx, block)
		}
	}
}

func (c *consumer) handleToolUse(ctx context.Context, block *agentstream.ContentBlock) {
	target := toolTarget(block.Input)
	c.append(dispatch.NewEvent(dispatch.EventAgentToolCall, map[string]interface{}{
		"callId": block.ID,
		"tool":   block.Name,
		"target": target,
	}))
	c.calls[block.ID] = pendingCall{tool: block.Name, target: target, at: time.Now()}
	c.broadcast(ctx, comms.TypeToolUse, callText(block.Name, target))

	c.window.Push(analysis.ToolCall{Tool: block.Name, Target: target, At: time.Now()})
	if v := analysis.DetectRepetition(c.window.Calls()); v != nil {
		c.applyVerdict(ctx, v)
	}
}

func (c *consumer) applyVerdict(ctx context.Context, v *analysis.Verdict) {
	switch v.Action {
	case analysis.ActionWarn:
		// One channel warning per pattern per dispatch; the windows keep
		// re-reporting the same loop on every call.
		if c.warned[v.Pattern] {
			return
		}
		c.warned[v.Pattern] = true
		c.append(dispatch.NewEvent(dispatch.EventHarnessWarning, map[string]interface{}{
			"pattern": string(v.Pattern),
			"tool":    v.Tool,
			"target":  v.Target,
			"count":   v.Count,
		}))
		c.log.Warn("repetitive tool use detected",
			zap.String("pattern", string(v.Pattern)),
			zap.String("tool", v.Tool),
			zap.Int("count", v.Count))
		c.broadcast(ctx, comms.TypeWarning, "Loop warning: "+v.Describe())
	case analysis.ActionKill:
		c.append(dispatch.NewEvent(dispatch.EventHarnessKill, map[string]interface{}{
			"pattern": string(v.Pattern),
			"tool":    v.Tool,
			"target":  v.Target,
			"count":   v.Count,
			"reason":  string(dispatch.ReasonErrorLoop),
		}))
		c.log.Warn("agent is stuck in a loop, aborting dispatch",
			zap.String("pattern", string(v.Pattern)),
			zap.String("tool", v.Tool),
			zap.Int("count", v.Count))
		c.handle.Cancel(dispatch.ReasonErrorLoop)
	}
}

func (c *consumer) handleToolResults(msg *agentstream.Message) {
	if msg.Message == nil {
		return
	}
	for i := range msg.Message.Content {
		block := &msg.Message.Content[i]
		if block.Type != agentstream.BlockTypeToolResult {
			continue
		}
		ref, known := c.calls[block.ToolUseID]
		if known {
			delete(c.calls, block.ToolUseID)
		}

		data := map[string]interface{}{
			"callId": block.ToolUseID,
			"status": "completed",
		}
		if known {
			data["tool"] = ref.tool
			if ref.target != "" {
				data["target"] = ref.target
			}
			data["durationMs"] = time.Since(ref.at).Milliseconds()
		}
		if block.IsError {
			data["status"] = "error"
			text := block.ContentText()
			if snippet := stringutil.Snippet(text, analysis.SnippetLen); snippet != "" {
				data["error"] = snippet
			}
			c.append(dispatch.NewEvent(dispatch.EventAgentToolResult, data))
			if known {
				c.errWindow.Push(analysis.NewErrorRecord(ref.tool, ref.target, text))
				if rec := analysis.DetectNonRetryable(c.errWindow.Records()); rec != nil {
					c.killNonRetryable(rec)
				}
			}
			continue
		}
		c.append(dispatch.NewEvent(dispatch.EventAgentToolResult, data))
	}
}

func (c *consumer) killNonRetryable(rec *analysis.ErrorRecord) {
	c.append(dispatch.NewEvent(dispatch.EventHarnessKill, map[string]interface{}{
		"tool":   rec.Tool,
		"target": rec.Target,
		"error":  rec.Snippet,
		"reason": string(dispatch.ReasonNonRetryableError),
	}))
	c.log.Warn("repeated non-retryable failure, aborting dispatch",
		zap.String("tool", rec.Tool),
		zap.String("target", rec.Target))
	c.handle.Cancel(dispatch.ReasonNonRetryableError)
}

func (c *consumer) append(event dispatch.Event) {
	c.r.appendEvent(c.taskDir, c.dispatchID, event)
}

func (c *consumer) broadcast(ctx context.Context, t comms.MessageType, text string) {
	if c.channel == "" || c.r.comms == nil {
		return
	}
	c.r.comms.Broadcast(ctx, comms.Message{
		Type:       t,
		Channel:    c.channel,
		Project:    c.project,
		TaskSlug:   c.taskSlug,
		DispatchID: c.dispatchID,
		Role:       c.roleName(),
		Text:       text,
	})
}

// buildUsage folds the result totals and the last assistant usage block
// into envelope usage. Cache tokens only appear on assistant messages.
func (c *consumer) buildUsage() *dispatch.Usage {
	if c.result == nil && c.lastUsage == nil {
		return nil
	}
	u := &dispatch.Usage{}
	if c.result != nil {
		u.InputTokens = int(c.result.TotalInputTokens)
		u.OutputTokens = int(c.result.TotalOutputTokens)
		u.ContextWindow = int(c.result.ContextWindow(c.model))
	}
	if c.lastUsage != nil {
		u.CacheReadTokens = int(c.lastUsage.CacheReadInputTokens)
		u.CacheCreationTokens = int(c.lastUsage.CacheCreationInputTokens)
		if u.InputTokens == 0 {
			u.InputTokens = int(c.lastUsage.InputTokens)
		}
		if u.OutputTokens == 0 {
			u.OutputTokens = int(c.lastUsage.OutputTokens)
		}
	}
	return u
}

// toolTarget extracts the primary argument of a tool call for loop
// detection and display. Commands and patterns are whitespace-normalized so
// reformatted variants of the same call still match.
func toolTarget(input map[string]any) string {
	for _, key := range []string{"file_path", "path", "command", "pattern", "url", "query", "id"} {
		v, ok := input[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		return stringutil.Snippet(s, analysis.SnippetLen)
	}
	return ""
}

func callText(tool, target string) string {
	if target == "" {
		return tool
	}
	return tool + "(" + target + ")"
}
