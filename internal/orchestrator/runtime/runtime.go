// Package runtime executes dispatches. It launches the agent subprocess,
// classifies every stream message into durable events, runs the loop and
// stall detectors, mirrors progress to the communication providers, and
// finalizes the dispatch envelope exactly once with the structured result.
//
// Run covers the one-shot lifecycle used for task dispatches. OpenSession
// exposes the same machinery turn by turn for interactive draft sessions.
package runtime

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/config"
	"github.com/collabot/collabot/internal/common/identity"
	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/common/stringutil"
	"github.com/collabot/collabot/internal/comms"
	"github.com/collabot/collabot/internal/dispatch"
	"github.com/collabot/collabot/internal/events/bus"
	"github.com/collabot/collabot/internal/orchestrator/analysis"
	"github.com/collabot/collabot/internal/roles"
	"github.com/collabot/collabot/internal/storage/fsstore"
	"github.com/collabot/collabot/internal/tracing"
	"github.com/collabot/collabot/pkg/agentstream"
)

const (
	// displayTruncateRunes caps text carried in events and channel messages.
	// Full output stays in the agent's own transcript; the event log is for
	// humans skimming a dispatch.
	displayTruncateRunes = 2000

	// closeTimeout bounds process teardown. It must outlast the stream's
	// stdin-close and SIGTERM grace periods.
	closeTimeout = 15 * time.Second

	// Terminal envelope writes are retried; losing the terminal state would
	// leave a dispatch running forever in every listing.
	terminalUpdateRetries = 3
	terminalUpdateBackoff = 200 * time.Millisecond
)

// Runtime owns the message loop for agent subprocesses. One Runtime serves
// all dispatches; per-dispatch state lives in the consumer.
type Runtime struct {
	launcher   agentstream.Launcher
	store      *fsstore.Store
	comms      *comms.Registry
	bus        bus.EventBus
	agent      config.AgentConfig
	analysis   config.AnalysisConfig
	toolServer config.ToolServerConfig
	logger     *logger.Logger
	tracer     trace.Tracer
}

// New creates a dispatch runtime. The comms registry and event bus may be
// nil; progress mirroring is then skipped.
func New(launcher agentstream.Launcher, store *fsstore.Store, registry *comms.Registry, eventBus bus.EventBus, cfg *config.Config, log *logger.Logger) *Runtime {
	return &Runtime{
		launcher:   launcher,
		store:      store,
		comms:      registry,
		bus:        eventBus,
		agent:      cfg.Agent,
		analysis:   cfg.Analysis,
		toolServer: cfg.ToolServer,
		logger:     log.WithFields(zap.String("component", "dispatch-runtime")),
		tracer:     tracing.Tracer("collabot/dispatch"),
	}
}

// Request describes one one-shot dispatch.
type Request struct {
	// DispatchID is allocated when empty.
	DispatchID string
	// Prompt is the task prompt delivered as the first user message.
	Prompt string
	// Role shapes the system prompt, tool access, and stall timeout.
	Role *roles.Role
	// Model is the resolved model identifier. Empty falls back to the
	// configured default.
	Model string
	// Project and TaskSlug locate the dispatch for events and messages.
	Project  string
	TaskSlug string
	// TaskDir is the task directory envelopes and events are written to.
	TaskDir string
	// WorkDir is the agent process working directory.
	WorkDir string
	// Channel receives progress messages. Empty disables broadcasting.
	Channel string
	// ParentDispatchID links agent-drafted dispatches to their drafter.
	ParentDispatchID string
	// ProjectContext and TaskContext are prepended system prompt layers.
	ProjectContext string
	TaskContext    string
	// MaxTurns caps agent turns. Zero uses the configured default.
	MaxTurns int
	// Handle carries cancellation into the running dispatch. Allocated
	// when nil; callers that want to kill the dispatch must provide it.
	Handle *dispatch.Handle
}

func (req *Request) validate() error {
	if req.Role == nil {
		return fmt.Errorf("dispatch request missing role")
	}
if req.TaskDir == "" {
		return fmt.Errorf("dispatch request missing task dir")
	}
	if req.WorkDir == "" {
		return fmt.Errorf("dispatch request missing work dir")
	}
	return nil
}

// Run executes one dispatch to completion and returns its outcome. The
// returned error covers request and persistence failures before launch;
// agent failures after launch are reported through the outcome status, and
// the terminal envelope is persisted in every path.
func (r *Runtime) Run(ctx context.Context, req Request) (*dispatch.Outcome, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.DispatchID == "" {
		req.DispatchID = identity.NewDispatchID()
	}
	if req.Model == "" {
		req.Model = r.agent.DefaultModel
	}
	if req.Handle == nil {
		req.Handle = dispatch.NewHandle()
	}

	started := time.Now().UTC()
	env := &dispatch.Envelope{
		DispatchID:       req.DispatchID,
		TaskSlug:         req.TaskSlug,
		Role:             req.Role.Name,
		Model:            req.Model,
		WorkDir:          req.WorkDir,
		StartedAt:        started,
		Status:           dispatch.StatusRunning,
		ParentDispatchID: req.ParentDispatchID,
	}
	if err := r.store.CreateDispatch(req.TaskDir, env); err != nil {
		return nil, fmt.Errorf("failed to create dispatch record: %w", err)
	}

	ctx, span := r.tracer.Start(ctx, "dispatch.run", trace.WithAttributes(
		attribute.String("dispatch.id", req.DispatchID),
		attribute.String("dispatch.role", req.Role.Name),
		attribute.String("dispatch.task", req.TaskSlug),
		attribute.String("dispatch.model", req.Model),
	))
	defer span.End()

	log := r.logger.WithFields(
		zap.String("dispatch_id", req.DispatchID),
		zap.String("role", req.Role.Name),
		zap.String("task_slug", req.TaskSlug),
	)
	log.Info("dispatch starting",
		zap.String("model", req.Model),
		zap.String("work_dir", req.WorkDir),
		zap.String("parent_dispatch_id", req.ParentDispatchID))

	r.appendEvent(req.TaskDir, req.DispatchID, dispatch.NewEvent(dispatch.EventSessionInit, map[string]interface{}{
		"role":    req.Role.Name,
		"model":   req.Model,
		"project": req.Project,
	}))
	r.appendEvent(req.TaskDir, req.DispatchID, dispatch.NewEvent(dispatch.EventUserMessage, map[string]interface{}{
		"text": stringutil.TruncateRunes(req.Prompt, displayTruncateRunes),
	}))
	r.publishBus(ctx, bus.SubjectDispatchStarted, map[string]interface{}{
		"dispatchId": req.DispatchID,
		"project":    req.Project,
		"taskSlug":   req.TaskSlug,
		"role":       req.Role.Name,
		"model":      req.Model,
	})

	c := r.newConsumer(consumerConfig{
		dispatchID: req.DispatchID,
		taskDir:    req.TaskDir,
		project:    req.Project,
		taskSlug:   req.TaskSlug,
		channel:    req.Channel,
		role:       req.Role,
		model:      req.Model,
		handle:     req.Handle,
		stall:      analysis.NewStallTimer(r.analysis.StallTimeout(string(req.Role.Category))),
		log:        log,
	})

	// Teardown is driven through Close so that cancelling the caller's
	// context still gives the process its stdin-close and SIGTERM grace.
	stream, err := r.launcher.Open(context.WithoutCancel(ctx), agentstream.OpenRequest{
		WorkDir:      req.WorkDir,
		Model:        req.Model,
		SystemPrompt: r.systemPrompt(req.Role, req.ProjectContext, req.TaskContext),
		MaxTurns:     req.MaxTurns,
		MCPServers:   r.mcpServers(req.Role, req.DispatchID),
		Env:          agentEnv(req.DispatchID, req.Project, req.TaskSlug, req.Channel),
	})
	if err != nil {
		out := r.finalize(req.TaskDir, req.DispatchID, started, nil, c, fmt.Sprintf("failed to start agent: %v", err))
		r.announce(ctx, span, c, out)
		return out, nil
	}

	if err := stream.Send(req.Prompt); err != nil {
		closeStream(stream)
		out := r.finalize(req.TaskDir, req.DispatchID, started, stream, c, fmt.Sprintf("failed to deliver prompt: %v", err))
		r.announce(ctx, span, c, out)
		return out, nil
	}

	out := r.runLoop(ctx, req.TaskDir, req.DispatchID, started, stream, c)
	r.announce(ctx, span, c, out)

	log.Info("dispatch finished",
		zap.String("status", string(out.Status)),
		zap.String("reason", string(out.Reason)),
		zap.Float64("cost_usd", out.CostUSD),
		zap.Duration("duration", out.Duration))
	return out, nil
}

// runLoop consumes the stream to exhaustion and finalizes. A panic anywhere
// in classification still produces a terminal envelope.
func (r *Runtime) runLoop(ctx context.Context, taskDir, id string, started time.Time, stream agentstream.Stream, c *consumer) (out *dispatch.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error("dispatch runtime panicked", zap.Any("panic", rec))
			closeStream(stream)
			out = r.finalize(taskDir, id, started, stream, c, fmt.Sprintf("runtime failure: %v", rec))
		}
	}()

	r.consumeAll(ctx, stream, c)
	closeStream(stream)
	return r.finalize(taskDir, id, started, stream, c, "")
}

// finalize decides the terminal status, persists the envelope, and appends
// the session:complete event. failure forces a crashed status and is used
// for launch errors and runtime panics; stream may be nil in that path.
func (r *Runtime) finalize(taskDir, id string, started time.Time, stream agentstream.Stream, c *consumer, failure string) *dispatch.Outcome {
	now := time.Now().UTC()
	out := &dispatch.Outcome{
		DispatchID: id,
		Duration:   now.Sub(started),
		SessionID:  c.sessionID,
	}

	switch {
	case failure != "":
		out.Status = dispatch.StatusCrashed
		out.Error = failure
	case c.handle.Cancelled():
		out.Status = dispatch.StatusAborted
		out.Reason = c.handle.Reason()
	case c.result == nil:
		out.Status = dispatch.StatusCrashed
		out.Error = crashMessage(stream)
	case c.result.Subtype == agentstream.ResultSubtypeErrorDuringExecution:
		out.Status = dispatch.StatusCrashed
		out.Error = firstNonEmpty(stringutil.Snippet(c.result.ResultText(), analysis.SnippetLen), "agent reported an execution error")
	default:
		out.Status = dispatch.StatusCompleted
	}

	// A result captured while draining still carries cost and usage even
	// when the dispatch was aborted.
	if c.result != nil {
		out.ResultText = c.result.ResultText()
		out.CostUSD = c.result.CostUSD
		out.Usage = c.buildUsage()
		if parsed, err := dispatch.ParseAgentResult(out.ResultText); err == nil {
			out.Result = parsed
		} else if out.Status == dispatch.StatusCompleted {
			c.log.Debug("result text is not a structured result", zap.Error(err))
		}
	} else if c.lastUsage != nil {
		out.Usage = c.buildUsage()
	}

	patch := func(env *dispatch.Envelope) {
		env.Status = out.Status
		env.Reason = out.Reason
		env.CompletedAt = &now
		env.CostUSD = out.CostUSD
		env.Usage = out.Usage
		env.Result = out.Result
		env.ResultText = out.ResultText
		env.Error = out.Error
		if out.SessionID != "" {
			env.SessionID = out.SessionID
		}
	}
	_ = r.persistTerminal(taskDir, id, c.log, patch)

	completeData := map[string]interface{}{
		"status":     string(out.Status),
		"costUsd":    out.CostUSD,
		"durationMs": out.Duration.Milliseconds(),
	}
	if out.Reason != "" {
		completeData["reason"] = string(out.Reason)
	}
	if out.Error != "" {
		completeData["error"] = out.Error
	}
	if c.result != nil && c.result.NumTurns > 0 {
		completeData["numTurns"] = c.result.NumTurns
	}
	r.appendEvent(taskDir, id, dispatch.NewEvent(dispatch.EventSessionComplete, completeData))
	return out
}

// persistTerminal writes a terminal envelope patch with retries. Losing a
// terminal write would leave the dispatch running in every listing, so the
// failure is logged loudly.
func (r *Runtime) persistTerminal(taskDir, id string, log *logger.Logger, patch func(*dispatch.Envelope)) error {
	var err error
	for attempt := 0; attempt < terminalUpdateRetries; attempt++ {
		if err = r.store.UpdateDispatch(taskDir, id, patch); err == nil {
			return nil
		}
		time.Sleep(terminalUpdateBackoff)
	}
	log.Error("failed to persist terminal dispatch state", zap.Error(err))
	return err
}

// announce mirrors the outcome to the channel and the event bus and closes
// out the trace span.
func (r *Runtime) announce(ctx context.Context, span trace.Span, c *consumer, out *dispatch.Outcome) {
	span.SetAttributes(
		attribute.String("dispatch.status", string(out.Status)),
		attribute.Float64("dispatch.cost_usd", out.CostUSD),
	)
	if out.Status == dispatch.StatusCompleted {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(out.Status))
	}

	c.broadcast(ctx, comms.TypeResult, outcomeText(out))
	status := comms.StatusCompleted
	if out.Status != dispatch.StatusCompleted {
		status = comms.StatusFailed
	}
	if c.channel != "" && r.comms != nil {
		r.comms.BroadcastStatus(ctx, c.channel, status)
	}

	data := map[string]interface{}{
		"dispatchId": out.DispatchID,
		"project":    c.project,
		"taskSlug":   c.taskSlug,
		"role":       c.roleName(),
		"model":      c.model,
		"status":     string(out.Status),
		"costUsd":    out.CostUSD,
		"durationMs": out.Duration.Milliseconds(),
		"summary":    out.Summary(),
	}
	if out.Reason != "" {
		data["reason"] = string(out.Reason)
	}
	if out.SessionID != "" {
		data["sessionId"] = out.SessionID
	}
	if out.Result != nil {
		data["resultStatus"] = string(out.Result.Status)
		if out.Result.PRURL != "" {
			data["prUrl"] = out.Result.PRURL
		}
	}
	if out.Usage != nil {
		data["inputTokens"] = out.Usage.InputTokens
		data["outputTokens"] = out.Usage.OutputTokens
	}
	r.publishBus(ctx, bus.SubjectDispatchCompleted, data)
}

// outcomeText renders the channel result message for an outcome.
func outcomeText(out *dispatch.Outcome) string {
	switch out.Status {
	case dispatch.StatusCompleted:
		text := out.Summary()
		if out.Result != nil && out.Result.PRURL != "" {
			text += "\nPR: " + out.Result.PRURL
		}
		return text
	case dispatch.StatusAborted:
		return fmt.Sprintf("Dispatch aborted (%s).", out.Reason)
	default:
		if out.Error != "" {
			return "Dispatch crashed: " + out.Error
		}
		return "Dispatch crashed."
	}
}

// crashMessage builds the error for a stream that ended without a result.
func crashMessage(stream agentstream.Stream) string {
	msg := "agent exited without a result"
	if stream == nil {
		return msg
	}
	if err := stream.Err(); err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	if tail := stream.Stderr(); tail != "" {
		msg = fmt.Sprintf("%s (stderr: %s)", msg, stringutil.Snippet(tail, analysis.SnippetLen))
	}
	return msg
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// closeStream tears the process down with a bounded grace period. Safe to
// call more than once; the stream serializes shutdown internally.
func closeStream(stream agentstream.Stream) {
	if stream == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = stream.Close(ctx)
}

// mcpServers exposes the collabot tool server to the agent. Roles with the
// draft permission get the full surface; everyone else gets read-only. The
// dispatch id rides the URL so the tool server can attribute calls.
func (r *Runtime) mcpServers(role *roles.Role, dispatchID string) map[string]agentstream.MCPServerConfig {
	if r.toolServer.Port == 0 {
		return nil
	}
	path := "/rpc/read"
	if role.Can(roles.PermissionDraftAgents) {
		path = "/rpc/full"
	}
	return map[string]agentstream.MCPServerConfig{
		"collabot": {
			Type: "http",
			URL:  r.toolServer.BaseURL() + path + "?dispatch=" + url.QueryEscape(dispatchID),
		},
	}
}

// agentEnv identifies the dispatch to shell tools and hooks inside the
// agent process.
func agentEnv(dispatchID, project, taskSlug, channel string) map[string]string {
	env := map[string]string{
		"COLLABOT_DISPATCH_ID": dispatchID,
		"COLLABOT_PROJECT":     project,
	}
	if taskSlug != "" {
		env["COLLABOT_TASK_SLUG"] = taskSlug
	}
	if channel != "" {
		env["COLLABOT_CHANNEL"] = channel
	}
	return env
}

func (r *Runtime) appendEvent(taskDir, id string, event dispatch.Event) {
	if err := r.store.AppendEvent(taskDir, id, event); err != nil {
		r.logger.Warn("failed to append dispatch event",
			zap.String("dispatch_id", id),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}

func (r *Runtime) publishBus(ctx context.Context, subject string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, subject, bus.NewEvent(subject, "dispatch-runtime", data)); err != nil {
		r.logger.Warn("failed to publish bus event", zap.String("subject", subject), zap.Error(err))
	}
}
