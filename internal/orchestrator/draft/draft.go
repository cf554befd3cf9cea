// Package draft manages the draft session: a single long-lived
// conversational dispatch that resumes across turns and survives process
// restart. At most one draft is active per instance; its state is
// persisted as draft.json in the task directory so a restarted process
// can pick the conversation back up through the agent's session-resume
// facility.
package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/identity"
	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/dispatch"
	"github.com/collabot/collabot/internal/events/bus"
	"github.com/collabot/collabot/internal/orchestrator/pool"
	"github.com/collabot/collabot/internal/orchestrator/runtime"
	"github.com/collabot/collabot/internal/projects"
	"github.com/collabot/collabot/internal/roles"
	"github.com/collabot/collabot/internal/storage/fsstore"
)

// FileName is the per-task draft persistence file.
const FileName = "draft.json"

// Draft session statuses.
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

var (
	ErrDraftAlreadyActive = errors.New("a draft session is already active")
	ErrNoActiveDraft      = errors.New("no active draft session")
)

// Session is the persisted draft record. One session maps to exactly one
// dispatch; successive turns append to the same dispatch file.
type Session struct {
	SessionID      string `json:"sessionId"`
	DispatchID     string `json:"dispatchId"`
	AgentSessionID string `json:"agentSessionId,omitempty"`

	Role      string `json:"role"`
	Project   string `json:"project"`
	TaskSlug  string `json:"taskSlug"`
	ChannelID string `json:"channelId"`

	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	TurnCount      int       `json:"turnCount"`
	Status         string    `json:"status"`

	CumulativeCostUSD float64 `json:"cumulativeCostUsd"`
	LastInputTokens   int     `json:"lastInputTokens"`
	LastOutputTokens  int     `json:"lastOutputTokens"`
	ContextWindow     int     `json:"contextWindow"`
	MaxOutputTokens   int     `json:"maxOutputTokens"`
}

// ContextPct reports how full the agent's context is, in percent.
func (s *Session) ContextPct() float64 {
	if s.ContextWindow <= 0 {
		return 0
	}
	return 100 * float64(s.LastInputTokens) / float64(s.ContextWindow)
}

// Turn is the outcome of one Resume call.
type Turn struct {
	ResultText string
	CostUSD    float64
	Compacted  bool
	Aborted    bool
	Ended      bool
	Session    Session
}

// Summary is returned by Close.
type Summary struct {
	SessionID string
	TaskSlug  string
	Turns     int
	CostUSD   float64
	Duration  time.Duration
}

// activeDraft pairs the persisted session with the live agent process.
// agent is nil after a restart until the next Resume reopens it.
type activeDraft struct {
	session Session
	agent   *runtime.Session

	// costBase is the cumulative cost persisted before the current agent
	// process opened. The agent reports cost cumulatively per process, so
	// the session total is costBase plus the latest per-process figure.
	costBase float64
}

// Manager owns the single active draft session.
type Manager struct {
	rt       *runtime.Runtime
	store    *fsstore.Store
	projects *projects.Store
	roles    *roles.Registry
	pool     *pool.Pool
	bus      bus.EventBus
	logger   *logger.Logger

	// turnMu serializes Create/Resume/Close against each other; mu guards
	// the active pointer so Status never blocks behind a running turn.
	turnMu sync.Mutex
	mu     sync.Mutex
	active *activeDraft
}

func NewManager(rt *runtime.Runtime, store *fsstore.Store, ps *projects.Store, roleLib *roles.Registry, agentPool *pool.Pool, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		rt:       rt,
		store:    store,
		projects: ps,
		roles:    roleLib,
		pool:     agentPool,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "draft")),
	}
}

// Path returns the draft file location for a task directory.
func Path(taskDir string) string {
	return filepath.Join(taskDir, FileName)
}

// Create opens a new draft session against the given task. The agent
// process starts immediately so the first Resume does not pay launch
// latency. Fails when any draft is already active.
func (m *Manager) Create(ctx context.Context, role *roles.Role, project *projects.Project, task *projects.Task, channel string) (Session, error) {
	m.turnMu.Lock()
	defer m.turnMu.Unlock()

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return Session{}, ErrDraftAlreadyActive
	}
	m.mu.Unlock()

	dispatchID := identity.NewDispatchID()
	handle := dispatch.NewHandle()
	if err := m.pool.Register(pool.Entry{
		DispatchID: dispatchID,
		Role:       role.Name,
		TaskSlug:   task.Slug,
		Project:    project.Name,
		StartedAt:  time.Now().UTC(),
		Handle:     handle,
	}); err != nil {
		return Session{}, err
	}

	agent, err := m.rt.OpenSession(ctx, runtime.SessionRequest{
		DispatchID:   dispatchID,
		Role:         role,
		Model:        role.Model,
		Project:      project.Name,
		TaskSlug:     task.Slug,
		TaskDir:      m.projects.TaskDir(project.Name, task.Slug),
		WorkDir:      project.WorkDir(),
		Channel:      channel,
		Handle:       handle,
		OnCompaction: m.onCompaction,
	})
	if err != nil {
		m.pool.Release(dispatchID)
		return Session{}, fmt.Errorf("failed to open draft session: %w", err)
	}

	now := time.Now().UTC()
	session := Session{
		SessionID:      identity.NewSessionID(),
		DispatchID:     dispatchID,
		Role:           role.Name,
		Project:        project.Name,
		TaskSlug:       task.Slug,
		ChannelID:      channel,
		StartedAt:      now,
		LastActivityAt: now,
		Status:         StatusActive,
	}
	if err := m.persist(session); err != nil {
		_ = agent.Close(ctx, dispatch.StatusCrashed, "")
		m.pool.Release(dispatchID)
		return Session{}, err
	}

	m.mu.Lock()
	m.active = &activeDraft{session: session, agent: agent}
	m.mu.Unlock()

	m.logger.Info("draft session created",
		zap.String("session_id", session.SessionID),
		zap.String("dispatch_id", dispatchID),
		zap.String("task_slug", task.Slug))
	m.publishUpdated(ctx, session)
	return session, nil
}

// Resume runs one turn on the active draft. After a restart the agent
// process is reopened with the recorded agent session id before the
// prompt is sent.
func (m *Manager) Resume(ctx context.Context, sessionID, prompt string) (*Turn, error) {
	m.turnMu.Lock()
	defer m.turnMu.Unlock()

	m.mu.Lock()
	a := m.active
	m.mu.Unlock()
	if a == nil {
		return nil, ErrNoActiveDraft
	}
	if sessionID != "" && sessionID != a.session.SessionID {
		return nil, fmt.Errorf("%w: unknown session %s", ErrNoActiveDraft, sessionID)
	}

	if a.agent == nil {
		if err := m.reopen(ctx, a); err != nil {
			return nil, err
		}
	}

	out, err := a.agent.Prompt(ctx, prompt)
	if errors.Is(err, runtime.ErrSessionEnded) {
		a.agent = nil
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	a.session.TurnCount++
	a.session.LastActivityAt = time.Now().UTC()
	a.session.CumulativeCostUSD = a.costBase + out.CostUSD
	if id := a.agent.AgentSessionID(); id != "" {
		a.session.AgentSessionID = id
	}
	if u := out.Usage; u != nil {
		// Cache reads and writes occupy the window like fresh input.
		a.session.LastInputTokens = u.InputTokens + u.CacheReadTokens + u.CacheCreationTokens
		a.session.LastOutputTokens = u.OutputTokens
		if u.ContextWindow > 0 {
			a.session.ContextWindow = u.ContextWindow
		}
		if u.MaxOutputTokens > 0 {
			a.session.MaxOutputTokens = u.MaxOutputTokens
		}
	}
	snapshot := a.session
	if out.Ended {
		// Process exited; the next Resume reopens it via session resume.
		a.agent = nil
		a.costBase = snapshot.CumulativeCostUSD
	}
	m.mu.Unlock()

	if err := m.persist(snapshot); err != nil {
		m.logger.Error("failed to persist draft state", zap.Error(err))
	}
	m.publishUpdated(ctx, snapshot)

	return &Turn{
		ResultText: out.ResultText,
		CostUSD:    snapshot.CumulativeCostUSD,
		Compacted:  out.Compacted,
		Aborted:    out.Aborted,
		Ended:      out.Ended,
		Session:    snapshot,
	}, nil
}

// Close ends the active draft, finalizes its dispatch, and releases the
// pool slot. A draft never resumed still closes cleanly with zero turns.
func (m *Manager) Close(ctx context.Context, sessionID string) (Summary, error) {
	m.turnMu.Lock()
	defer m.turnMu.Unlock()

	m.mu.Lock()
	a := m.active
	m.mu.Unlock()
	if a == nil {
		return Summary{}, ErrNoActiveDraft
	}
	if sessionID != "" && sessionID != a.session.SessionID {
		return Summary{}, fmt.Errorf("%w: unknown session %s", ErrNoActiveDraft, sessionID)
	}

	if a.agent != nil {
		if err := a.agent.Close(ctx, dispatch.StatusCompleted, ""); err != nil {
			m.logger.Warn("draft agent close failed", zap.Error(err))
		}
	} else {
		// Restarted instance with no live process: finalize the envelope
		// directly.
		taskDir := m.projects.TaskDir(a.session.Project, a.session.TaskSlug)
		now := time.Now().UTC()
		err := m.store.UpdateDispatch(taskDir, a.session.DispatchID, func(env *dispatch.Envelope) {
			env.Status = dispatch.StatusCompleted
			env.CompletedAt = &now
			env.CostUSD = a.session.CumulativeCostUSD
		})
		if err != nil {
			m.logger.Warn("failed to finalize draft dispatch", zap.Error(err))
		}
	}
	m.pool.Release(a.session.DispatchID)

	m.mu.Lock()
	a.session.Status = StatusClosed
	a.session.LastActivityAt = time.Now().UTC()
	snapshot := a.session
	m.active = nil
	m.mu.Unlock()

	if err := m.persist(snapshot); err != nil {
		m.logger.Error("failed to persist closed draft", zap.Error(err))
	}
	m.publishUpdated(ctx, snapshot)

	m.logger.Info("draft session closed",
		zap.String("session_id", snapshot.SessionID),
		zap.Int("turns", snapshot.TurnCount))
	return Summary{
		SessionID: snapshot.SessionID,
		TaskSlug:  snapshot.TaskSlug,
		Turns:     snapshot.TurnCount,
		CostUSD:   snapshot.CumulativeCostUSD,
		Duration:  snapshot.LastActivityAt.Sub(snapshot.StartedAt),
	}, nil
}

// Status returns a snapshot of the active session, if any.
func (m *Manager) Status() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Session{}, false
	}
	return m.active.session, true
}

// LoadActiveDraft scans every task for an active draft.json and adopts
// it. Finding more than one is a hard error: the one-active-draft
// invariant was violated on disk and needs operator attention.
func (m *Manager) LoadActiveDraft(ctx context.Context) (*Session, error) {
	m.turnMu.Lock()
	defer m.turnMu.Unlock()

	var found []Session
	projectList, err := m.projects.ListProjects()
	if err != nil {
		return nil, fmt.Errorf("failed to scan projects for drafts: %w", err)
	}
	for _, p := range projectList {
		tasks, err := m.projects.ListTasks(p.Name)
		if err != nil {
			m.logger.Warn("failed to list tasks", zap.String("project", p.Name), zap.Error(err))
			continue
		}
		for _, t := range tasks {
			s, err := read(Path(m.projects.TaskDir(p.Name, t.Slug)))
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					m.logger.Warn("unreadable draft file",
						zap.String("project", p.Name), zap.String("task_slug", t.Slug), zap.Error(err))
				}
				continue
			}
			if s.Status == StatusActive {
				found = append(found, s)
			}
		}
	}

	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		session := found[0]
		m.mu.Lock()
		m.active = &activeDraft{session: session, costBase: session.CumulativeCostUSD}
		m.mu.Unlock()
		m.logger.Info("recovered active draft session",
			zap.String("session_id", session.SessionID),
			zap.String("task_slug", session.TaskSlug),
			zap.Int("turns", session.TurnCount))
		return &session, nil
	default:
		return nil, fmt.Errorf("found %d active draft sessions, expected at most one", len(found))
	}
}

// reopen restarts the agent process for a recovered draft, registering a
// fresh pool entry and resuming the recorded agent conversation.
func (m *Manager) reopen(ctx context.Context, a *activeDraft) error {
	role, err := m.roles.Get(a.session.Role)
	if err != nil {
		return fmt.Errorf("draft role %q no longer exists: %w", a.session.Role, err)
	}
	project, err := m.projects.GetProject(a.session.Project)
	if err != nil {
		return fmt.Errorf("draft project %q no longer exists: %w", a.session.Project, err)
	}

	var handle *dispatch.Handle
	if entry, ok := m.pool.Get(a.session.DispatchID); ok {
		handle = entry.Handle
	} else {
		handle = dispatch.NewHandle()
		if err := m.pool.Register(pool.Entry{
			DispatchID: a.session.DispatchID,
			Role:       a.session.Role,
			TaskSlug:   a.session.TaskSlug,
			Project:    a.session.Project,
			StartedAt:  time.Now().UTC(),
			Handle:     handle,
		}); err != nil {
			return err
		}
	}

	agent, err := m.rt.OpenSession(ctx, runtime.SessionRequest{
		DispatchID:    a.session.DispatchID,
		Role:          role,
		Model:         role.Model,
		Project:       a.session.Project,
		TaskSlug:      a.session.TaskSlug,
		TaskDir:       m.projects.TaskDir(a.session.Project, a.session.TaskSlug),
		WorkDir:       project.WorkDir(),
		Channel:       a.session.ChannelID,
		ResumeSession: a.session.AgentSessionID,
		Handle:        handle,
		OnCompaction:  m.onCompaction,
	})
	if err != nil {
		m.pool.Release(a.session.DispatchID)
		return fmt.Errorf("failed to reopen draft session: %w", err)
	}
	a.agent = agent
	a.costBase = a.session.CumulativeCostUSD
	return nil
}

func (m *Manager) onCompaction(trigger string, preTokens int64) {
	m.mu.Lock()
	var sessionID, taskSlug string
	if m.active != nil {
		sessionID = m.active.session.SessionID
		taskSlug = m.active.session.TaskSlug
	}
	m.mu.Unlock()

	err := m.bus.Publish(context.Background(), bus.SubjectDraftCompacted,
		bus.NewEvent(bus.SubjectDraftCompacted, "draft", map[string]interface{}{
			"sessionId": sessionID,
			"taskSlug":  taskSlug,
			"trigger":   trigger,
			"preTokens": preTokens,
		}))
	if err != nil {
		m.logger.Warn("failed to publish compaction event", zap.Error(err))
	}
}

func (m *Manager) persist(s Session) error {
	taskDir := m.projects.TaskDir(s.Project, s.TaskSlug)
	data, err := json.MarshalIndent(&s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode draft state: %w", err)
	}
	if err := fsstore.WriteFileAtomic(Path(taskDir), data); err != nil {
		return fmt.Errorf("failed to write draft state: %w", err)
	}
	return nil
}

func (m *Manager) publishUpdated(ctx context.Context, s Session) {
	err := m.bus.Publish(ctx, bus.SubjectDraftUpdated,
		bus.NewEvent(bus.SubjectDraftUpdated, "draft", map[string]interface{}{
			"sessionId":         s.SessionID,
			"taskSlug":          s.TaskSlug,
			"project":           s.Project,
			"status":            s.Status,
			"turnCount":         s.TurnCount,
			"cumulativeCostUsd": s.CumulativeCostUSD,
			"contextPct":        s.ContextPct(),
		}))
	if err != nil {
		m.logger.Warn("failed to publish draft update", zap.Error(err))
	}
}

func read(path string) (Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("corrupt draft file %s: %w", path, err)
	}
	return s, nil
}
