package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/identity"
	"github.com/collabot/collabot/internal/common/stringutil"
	"github.com/collabot/collabot/internal/dispatch"
	"github.com/collabot/collabot/internal/events/bus"
	"github.com/collabot/collabot/internal/orchestrator/analysis"
	"github.com/collabot/collabot/internal/roles"
	"github.com/collabot/collabot/pkg/agentstream"
)

// ErrSessionEnded is returned by Prompt once the agent process is gone.
var ErrSessionEnded = errors.New("agent session has ended")

// SessionRequest describes an interactive agent session. Draft sessions
// keep one process alive across turns instead of running to completion.
type SessionRequest struct {
	// DispatchID is allocated when empty. Resuming requires the id of the
	// dispatch being resumed.
	DispatchID string
	Role       *roles.Role
	Model      string
	Project    string
	TaskSlug   string
	TaskDir    string
	WorkDir    string
	Channel    string
	// ProjectContext and TaskContext are prepended system prompt layers.
	ProjectContext string
	TaskContext    string
	// ResumeSession restores a prior agent conversation by its session id.
	// The dispatch envelope must already exist.
	ResumeSession string
	Handle        *dispatch.Handle
	// OnCompaction fires when the agent compacts its context mid-turn.
	OnCompaction func(trigger string, preTokens int64)
}

func (req *SessionRequest) validate() error {
	if req.Role == nil {
		return fmt.Errorf("session request missing role")
	}
	if req.TaskDir == "" {
		return fmt.Errorf("session request missing task dir")
	}
	if req.WorkDir == "" {
		return fmt.Errorf("session request missing work dir")
	}
	if req.ResumeSession != "" && req.DispatchID == "" {
		return fmt.Errorf("resume requires the original dispatch id")
	}
	return nil
}

// TurnOutcome summarizes one prompt/result cycle on a live session.
type TurnOutcome struct {
	// ResultText is the agent's final text for the turn.
	ResultText string
	// CostUSD is the cumulative session cost as reported by the agent.
	CostUSD    float64
	DurationMS int64
	NumTurns   int
	Usage      *dispatch.Usage
	// Compacted reports a context compaction during this turn.
	Compacted bool
	// Aborted reports the turn was cancelled through the handle.
	Aborted bool
	// Ended reports the agent process exited; the session is unusable.
	Ended bool
}

// Session is a live agent process accepting prompts turn by turn. Prompt
// and Close serialize internally; the loop detection windows and the event
// log span the whole session.
type Session struct {
	r       *Runtime
	stream  agentstream.Stream
	c       *consumer
	started time.Time

	mu     sync.Mutex
	closed bool
}

// OpenSession launches (or resumes) an interactive agent session. A fresh
// session creates the dispatch envelope; the envelope stays running until
// Close persists the terminal state.
func (r *Runtime) OpenSession(ctx context.Context, req SessionRequest) (*Session, error) {
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
	if req.ResumeSession == "" {
		env := &dispatch.Envelope{
			DispatchID: req.DispatchID,
			TaskSlug:   req.TaskSlug,
			Role:       req.Role.Name,
			Model:      req.Model,
			WorkDir:    req.WorkDir,
			StartedAt:  started,
			Status:     dispatch.StatusRunning,
		}
		if err := r.store.CreateDispatch(req.TaskDir, env); err != nil {
			return nil, fmt.Errorf("failed to create dispatch record: %w", err)
		}
		r.appendEvent(req.TaskDir, req.DispatchID, dispatch.NewEvent(dispatch.EventSessionInit, map[string]interface{}{
			"role":    req.Role.Name,
			"model":   req.Model,
			"project": req.Project,
		}))
		r.publishBus(ctx, bus.SubjectDispatchStarted, map[string]interface{}{
			"dispatchId": req.DispatchID,
			"project":    req.Project,
			"taskSlug":   req.TaskSlug,
			"role":       req.Role.Name,
			"model":      req.Model,
		})
	} else {
		env, err := r.store.GetDispatchEnvelope(req.TaskDir, req.DispatchID)
		if err != nil {
			return nil, fmt.Errorf("cannot resume dispatch %s: %w", req.DispatchID, err)
		}
		started = env.StartedAt
		r.appendEvent(req.TaskDir, req.DispatchID, dispatch.NewEvent(dispatch.EventSystemStatus, map[string]interface{}{
			"subtype": "session_resumed",
		}))
	}

	log := r.logger.WithFields(
		zap.String("dispatch_id", req.DispatchID),
		zap.String("role", req.Role.Name),
		zap.String("task_slug", req.TaskSlug),
	)

	c := r.newConsumer(consumerConfig{
		dispatchID:   req.DispatchID,
		taskDir:      req.TaskDir,
		project:      req.Project,
		taskSlug:     req.TaskSlug,
		channel:      req.Channel,
		role:         req.Role,
		model:        req.Model,
		handle:       req.Handle,
		stall:        analysis.NewStallTimer(0),
		onCompaction: req.OnCompaction,
		log:          log,
	})
	c.sessionID = req.ResumeSession

	// Conversations have no natural turn budget; the cap is disabled
	// rather than inherited from the task default.
	stream, err := r.launcher.Open(context.WithoutCancel(ctx), agentstream.OpenRequest{
		WorkDir:       req.WorkDir,
		Model:         req.Model,
		ResumeSession: req.ResumeSession,
		SystemPrompt:  r.systemPrompt(req.Role, req.ProjectContext, req.TaskContext),
		MaxTurns:      -1,
		MCPServers:    r.mcpServers(req.Role, req.DispatchID),
		Env:           agentEnv(req.DispatchID, req.Project, req.TaskSlug, req.Channel),
	})
	if err != nil {
		if req.ResumeSession == "" {
			now := time.Now().UTC()
			r.persistTerminal(req.TaskDir, req.DispatchID, log, func(env *dispatch.Envelope) {
				env.Status = dispatch.StatusCrashed
				env.CompletedAt = &now
				env.Error = fmt.Sprintf("failed to start agent: %v", err)
			})
		}
		return nil, fmt.Errorf("failed to start agent session: %w", err)
	}

	log.Info("agent session opened",
		zap.String("model", req.Model),
		zap.Bool("resumed", req.ResumeSession != ""))
	return &Session{r: r, stream: stream, c: c, started: started}, nil
}

// DispatchID returns the dispatch this session writes to.
func (s *Session) DispatchID() string { return s.c.dispatchID }

// AgentSessionID returns the agent-side session id, available once the
// first turn has started.
func (s *Session) AgentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.sessionID
}

// Handle returns the cancellation handle bound to the session.
func (s *Session) Handle() *dispatch.Handle { return s.c.handle }

// Done is closed when the agent process has exited.
func (s *Session) Done() <-chan struct{} { return s.stream.Done() }

// Prompt sends one user message and consumes the stream until the agent's
// result for the turn. Turns run one at a time.
func (s *Session) Prompt(ctx context.Context, text string) (*TurnOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.c.draining {
		return nil, ErrSessionEnded
	}

	s.r.appendEvent(s.c.taskDir, s.c.dispatchID, dispatch.NewEvent(dispatch.EventUserMessage, map[string]interface{}{
		"text": stringutil.TruncateRunes(text, displayTruncateRunes),
	}))
	if err := s.stream.Send(text); err != nil {
		return nil, fmt.Errorf("failed to deliver prompt: %w", err)
	}

	s.c.stall = analysis.NewStallTimer(s.r.analysis.StallTimeout(string(s.c.role.Category)))
	s.c.result = nil
	compactionsBefore := s.c.compactions
	turnStart := time.Now()

	ended := s.r.consumeTurn(ctx, s.stream, s.c)

	out := &TurnOutcome{
		Compacted: s.c.compactions > compactionsBefore,
		Aborted:   s.c.handle.Cancelled(),
		Ended:     ended,
	}
	if res := s.c.result; res != nil {
		out.ResultText = res.ResultText()
		out.CostUSD = res.CostUSD
		out.DurationMS = res.DurationMS
		out.NumTurns = res.NumTurns
		out.Usage = s.c.buildUsage()
	} else {
		out.DurationMS = time.Since(turnStart).Milliseconds()
		out.Usage = s.c.buildUsage()
	}
	return out, nil
}

// consumeTurn processes messages until the turn's result message, leaving
// the process alive for the next prompt. Cancellation drains the stream to
// exhaustion instead; the returned flag reports process exit.
func (r *Runtime) consumeTurn(ctx context.Context, stream agentstream.Stream, c *consumer) (ended bool) {
	defer c.stall.Stop()

	msgs := stream.Messages()
	stallC := c.stall.Fired()
	done := c.handle.Done()
	ctxDone := ctx.Done()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return true
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
				return false
			}
		case <-done:
			done = nil
			c.log.Info("session cancelled", zap.String("reason", string(c.handle.Reason())))
			c.beginDrain(stream)
		case <-stallC:
			stallC = nil
			c.stalled()
		case <-ctxDone:
			ctxDone = nil
			c.handle.Cancel(dispatch.ReasonExternal)
		}
	}
}

// Close shuts the agent down and persists the terminal envelope with the
// caller's status. Idempotent; only the first call writes. Close waits for
// an in-flight turn; cancel through the Handle first to interrupt one.
func (s *Session) Close(ctx context.Context, status dispatch.Status, reason dispatch.AbortReason) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	closeStream(s.stream)

	now := time.Now().UTC()
	c := s.c
	usage := c.buildUsage()
	var cost float64
	var resultText string
	if c.result != nil {
		cost = c.result.CostUSD
		resultText = c.result.ResultText()
	}
	err := s.r.persistTerminal(c.taskDir, c.dispatchID, c.log, func(env *dispatch.Envelope) {
		env.Status = status
		env.Reason = reason
		env.CompletedAt = &now
		env.CostUSD = cost
		env.Usage = usage
		env.ResultText = resultText
		if c.sessionID != "" {
			env.SessionID = c.sessionID
		}
	})

	s.r.appendEvent(c.taskDir, c.dispatchID, dispatch.NewEvent(dispatch.EventSessionComplete, map[string]interface{}{
		"status":     string(status),
		"costUsd":    cost,
		"durationMs": now.Sub(s.started).Milliseconds(),
	}))
	data := map[string]interface{}{
		"dispatchId": c.dispatchID,
		"project":    c.project,
		"taskSlug":   c.taskSlug,
		"role":       c.roleName(),
		"model":      c.model,
		"status":     string(status),
		"costUsd":    cost,
		"durationMs": now.Sub(s.started).Milliseconds(),
		"summary":    stringutil.Snippet(resultText, analysis.SnippetLen),
	}
	if reason != "" {
		data["reason"] = string(reason)
	}
	if c.sessionID != "" {
		data["sessionId"] = c.sessionID
	}
	s.r.publishBus(ctx, bus.SubjectDispatchCompleted, data)

	c.log.Info("agent session closed", zap.String("status", string(status)))
	return err
}
