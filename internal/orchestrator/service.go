// Package orchestrator wires the core service: inbound prompts become
// dispatches, running agents draft further dispatches through the tool
// surface, and the draft manager carries the long-lived conversational
// session. The service owns the pool, the tracker, the provider
// registry's inbound handler, and startup reconciliation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/config"
	"github.com/collabot/collabot/internal/common/identity"
	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/comms"
	"github.com/collabot/collabot/internal/dispatch"
	"github.com/collabot/collabot/internal/events/bus"
	"github.com/collabot/collabot/internal/orchestrator/draft"
	"github.com/collabot/collabot/internal/orchestrator/pool"
	"github.com/collabot/collabot/internal/orchestrator/runtime"
	"github.com/collabot/collabot/internal/orchestrator/taskcontext"
	"github.com/collabot/collabot/internal/orchestrator/tracker"
	"github.com/collabot/collabot/internal/projects"
	"github.com/collabot/collabot/internal/roles"
	"github.com/collabot/collabot/internal/storage/fsstore"
	"github.com/collabot/collabot/pkg/agentstream"
)

var (
	ErrServiceAlreadyRunning = errors.New("service is already running")
	ErrServiceNotRunning     = errors.New("service is not running")

	// ErrRoleNotAllowed reports a role the target project does not permit.
	ErrRoleNotAllowed = errors.New("role not allowed on this project")
)

// Service is the orchestrator core. One instance serves the gateway, the
// tool servers, and every communication provider.
type Service struct {
	cfg      *config.Config
	projects *projects.Store
	store    *fsstore.Store
	roles    *roles.Registry
	pool     *pool.Pool
	tracker  *tracker.Tracker
	registry *comms.Registry
	runtime  *runtime.Runtime
	drafts   *draft.Manager
	context  *taskcontext.Builder
	bus      bus.EventBus
	logger   *logger.Logger

	mu      sync.Mutex
	running bool
}

// NewService assembles the core from its external dependencies. The
// launcher is injectable so tests can script agent streams.
func NewService(cfg *config.Config, launcher agentstream.Launcher, registry *comms.Registry, eventBus bus.EventBus, log *logger.Logger) *Service {
	ps := projects.NewStore(cfg.Orchestrator.ProjectsDir, log)
	store := fsstore.NewStore(ps, log)
	roleLib := roles.NewRegistry(log)
	agentPool := pool.New(cfg.Pool.MaxConcurrent, log)
	rt := runtime.New(launcher, store, registry, eventBus, cfg, log)

	return &Service{
		cfg:      cfg,
		projects: ps,
		store:    store,
		roles:    roleLib,
		pool:     agentPool,
		tracker:  tracker.New(log),
		registry: registry,
		runtime:  rt,
		drafts:   draft.NewManager(rt, store, ps, roleLib, agentPool, eventBus, log),
		context:  taskcontext.NewBuilder(ps, store, log),
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
	}
}

// Accessors for the gateway and tool servers.

func (s *Service) Pool() *pool.Pool          { return s.pool }
func (s *Service) Tracker() *tracker.Tracker { return s.tracker }
func (s *Service) Projects() *projects.Store { return s.projects }
func (s *Service) Roles() *roles.Registry    { return s.roles }
func (s *Service) Drafts() *draft.Manager    { return s.drafts }
func (s *Service) Store() *fsstore.Store     { return s.store }

// Start prepares storage, reconciles dispatches left running by a dead
// process, recovers the active draft, and wires the provider registry.
// Providers must be registered before Start; StartAll freezes the set.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServiceAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	if err := s.projects.Init(); err != nil {
		return fmt.Errorf("failed to initialize projects dir: %w", err)
	}
	if s.cfg.Orchestrator.RolesDir != "" {
		if err := s.roles.LoadDir(s.cfg.Orchestrator.RolesDir); err != nil {
			s.logger.Warn("failed to load role overrides", zap.Error(err))
		}
	}
	if s.cfg.Orchestrator.DefaultProject != "" {
		if _, err := s.projects.EnsureProject(s.cfg.Orchestrator.DefaultProject); err != nil {
			return fmt.Errorf("failed to ensure default project: %w", err)
		}
	}

	if err := s.reconcile(ctx); err != nil {
		return err
	}

	s.pool.OnChange(s.publishPoolChanged)
	s.registry.OnInbound(s.handleInbound)
	s.registry.StartAll(ctx)

	s.logger.Info("orchestrator started",
		zap.String("projects_dir", s.cfg.Orchestrator.ProjectsDir),
		zap.Int("max_concurrent", s.cfg.Pool.MaxConcurrent))
	return nil
}

// Stop cancels every running dispatch with the restart reason and stops
// the providers. Dispatch goroutines finalize their envelopes on the way
// out; Stop waits for the pool to drain up to the context deadline.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServiceNotRunning
	}
	s.running = false
	s.mu.Unlock()

	for _, e := range s.pool.List() {
		e.Handle.Cancel(dispatch.ReasonRestart)
	}
	for s.pool.Size() > 0 {
		select {
		case <-ctx.Done():
			s.logger.Warn("shutdown deadline reached with dispatches still draining",
				zap.Int("remaining", s.pool.Size()))
			s.registry.StopAll(ctx)
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	s.registry.StopAll(ctx)
	s.logger.Info("orchestrator stopped")
	return nil
}

// reconcile recovers the active draft first, then finalizes every other
// dispatch stuck in running as crashed. The draft's own dispatch is
// spared: it is legitimately resumable across restarts.
func (s *Service) reconcile(ctx context.Context) error {
	session, err := s.drafts.LoadActiveDraft(ctx)
	if err != nil {
		return fmt.Errorf("draft recovery failed: %w", err)
	}
	var draftDispatch string
	if session != nil {
		draftDispatch = session.DispatchID
	}

	projectList, err := s.projects.ListProjects()
	if err != nil {
		return fmt.Errorf("failed to list projects during reconciliation: %w", err)
	}
	fixed := 0
	for _, p := range projectList {
		tasks, err := s.projects.ListTasks(p.Name)
		if err != nil {
			s.logger.Warn("failed to list tasks during reconciliation",
				zap.String("project", p.Name), zap.Error(err))
			continue
		}
		for _, t := range tasks {
			taskDir := s.projects.TaskDir(p.Name, t.Slug)
			envelopes, err := s.store.GetDispatchEnvelopes(taskDir)
			if err != nil {
				continue
			}
			for _, env := range envelopes {
				if env.Status != dispatch.StatusRunning || env.DispatchID == draftDispatch {
					continue
				}
				now := time.Now().UTC()
				err := s.store.UpdateDispatch(taskDir, env.DispatchID, func(e *dispatch.Envelope) {
					e.Status = dispatch.StatusCrashed
					e.CompletedAt = &now
					e.Error = "process restarted while dispatch was running"
				})
				if err != nil {
					s.logger.Warn("failed to finalize stale dispatch",
						zap.String("dispatch_id", env.DispatchID), zap.Error(err))
					continue
				}
				fixed++
			}
		}
	}
	if fixed > 0 {
		s.logger.Info("reconciled stale dispatches", zap.Int("count", fixed))
	}
	return nil
}

// TaskResult is the well-typed outcome of HandleTask. It never carries a
// Go error: failures are reported through Status and Summary so every
// provider can relay them verbatim.
type TaskResult struct {
	Status     string `json:"status"`
	Summary    string `json:"summary"`
	DispatchID string `json:"dispatchId,omitempty"`
	Project    string `json:"project,omitempty"`
	TaskSlug   string `json:"taskSlug,omitempty"`
}

// HandleTask resolves an inbound prompt to a project, task, and role,
// dispatches an agent, and blocks until the dispatch settles.
func (s *Service) HandleTask(ctx context.Context, msg comms.InboundMessage) TaskResult {
	projectName := msg.Project
	if projectName == "" {
		projectName = s.cfg.Orchestrator.DefaultProject
	}
	roleName := msg.Role
	if roleName == "" {
		roleName = s.cfg.Orchestrator.DefaultRole
	}

	project, err := s.projects.EnsureProject(projectName)
	if err != nil {
		return failed(fmt.Sprintf("cannot resolve project %q: %v", projectName, err))
	}

	slug := msg.TaskSlug
	if slug == "" {
		slug = projects.NewTaskSlug(msg.Content)
	}
	task, err := s.projects.EnsureTask(project.Name, slug, projects.TaskName(msg.Content), msg.Content)
	if err != nil {
		return failed(fmt.Sprintf("cannot resolve task %q: %v", slug, err))
	}

	id, err := s.DispatchAgent(ctx, DispatchRequest{
		Role:     roleName,
		Prompt:   msg.Content,
		Project:  project.Name,
		TaskSlug: task.Slug,
		Channel:  msg.Channel,
	})
	if err != nil {
		return TaskResult{
			Status:   comms.StatusFailed,
			Summary:  err.Error(),
			Project:  project.Name,
			TaskSlug: task.Slug,
		}
	}

	out, err := s.tracker.Await(ctx, id)
	if err != nil {
		return TaskResult{
			Status:     comms.StatusFailed,
			Summary:    fmt.Sprintf("dispatch %s: %v", id, err),
			DispatchID: id,
			Project:    project.Name,
			TaskSlug:   task.Slug,
		}
	}

	status := comms.StatusFailed
	if out.Status == dispatch.StatusCompleted {
		status = comms.StatusCompleted
	}
	return TaskResult{
		Status:     status,
		Summary:    out.Summary(),
		DispatchID: id,
		Project:    project.Name,
		TaskSlug:   task.Slug,
	}
}

func failed(summary string) TaskResult {
	return TaskResult{Status: comms.StatusFailed, Summary: summary}
}

// DispatchRequest names an agent dispatch against an existing task.
type DispatchRequest struct {
	Role             string
	Prompt           string
	Project          string
	TaskSlug         string
	Channel          string
	Model            string
	ParentDispatchID string
}

// DispatchAgent starts a dispatch asynchronously and returns its id. The
// completion promise is registered with the tracker before the agent
// launches, so Await never races the dispatch.
func (s *Service) DispatchAgent(ctx context.Context, req DispatchRequest) (string, error) {
	role, err := s.roles.Get(req.Role)
	if err != nil {
		return "", err
	}
	project, err := s.projects.GetProject(req.Project)
	if err != nil {
		return "", err
	}
	if !project.AllowsRole(role.Name) {
		return "", fmt.Errorf("%w: %s on %s", ErrRoleNotAllowed, role.Name, project.Name)
	}
	task, err := s.projects.GetTask(project.Name, req.TaskSlug)
	if err != nil {
		return "", err
	}

	taskDir := s.projects.TaskDir(project.Name, task.Slug)
	taskContext := ""
	if len(task.Dispatches) > 0 {
		taskContext, err = s.context.BuildForTask(project.Name, task.Slug)
		if err != nil {
			s.logger.Warn("failed to build task context",
				zap.String("task_slug", task.Slug), zap.Error(err))
		}
	}

	id := identity.NewDispatchID()
	handle := dispatch.NewHandle()
	if err := s.pool.Register(pool.Entry{
		DispatchID: id,
		Role:       role.Name,
		TaskSlug:   task.Slug,
		Project:    project.Name,
		StartedAt:  time.Now().UTC(),
		Handle:     handle,
	}); err != nil {
		return "", err
	}
	promise := tracker.NewPromise()
	if err := s.tracker.Track(id, role.Name, promise); err != nil {
		s.pool.Release(id)
		return "", err
	}

	runReq := runtime.Request{
		DispatchID:       id,
		Prompt:           req.Prompt,
		Role:             role,
		Model:            s.resolveModel(req.Model, role),
		Project:          project.Name,
		TaskSlug:         task.Slug,
		TaskDir:          taskDir,
		WorkDir:          project.WorkDir(),
		Channel:          req.Channel,
		ParentDispatchID: req.ParentDispatchID,
		ProjectContext:   projectContext(project),
		TaskContext:      taskContext,
		Handle:           handle,
	}

	go func() {
		// The dispatch outlives the caller's request context; only the
		// handle cancels it.
		out, err := s.runtime.Run(context.WithoutCancel(ctx), runReq)
		if err != nil {
			s.logger.Error("dispatch failed before launch",
				zap.String("dispatch_id", id), zap.Error(err))
			out = &dispatch.Outcome{
				DispatchID: id,
				Status:     dispatch.StatusCrashed,
				Error:      err.Error(),
			}
		}
		// Release before settling so awaiters observe the freed slot.
		s.pool.Release(id)
		promise.Settle(*out)
	}()
	return id, nil
}

// resolveModel applies the resolution order: explicit override, then the
// role's model hint, then the instance default. Aliases from the model
// table resolve at each step; unknown names pass through as-is.
func (s *Service) resolveModel(override string, role *roles.Role) string {
	for _, name := range []string{override, role.Model} {
		if name == "" {
			continue
		}
		if resolved, ok := s.cfg.Agent.Models[name]; ok {
			return resolved
		}
		return name
	}
	return s.cfg.Agent.DefaultModel
}

func projectContext(p *projects.Project) string {
	if p.Description == "" {
		return ""
	}
	return fmt.Sprintf("Project %s: %s", p.Name, p.Description)
}

// KillAgent cancels a running dispatch. Returns false for unknown ids.
func (s *Service) KillAgent(id string) bool {
	return s.pool.Kill(id, dispatch.ReasonExternal)
}

// AwaitAgent blocks until the dispatch settles.
func (s *Service) AwaitAgent(ctx context.Context, id string) (dispatch.Outcome, error) {
	return s.tracker.Await(ctx, id)
}

// ListAgents snapshots the pool.
func (s *Service) ListAgents() []pool.Entry {
	return s.pool.List()
}

// ListTasks lists tasks in a project, defaulting to the instance project.
func (s *Service) ListTasks(project string) ([]*projects.Task, error) {
	if project == "" {
		project = s.cfg.Orchestrator.DefaultProject
	}
	return s.projects.ListTasks(project)
}

// TaskContext reconstructs what prior agents produced on a task.
func (s *Service) TaskContext(project, slug string) (string, error) {
	if project == "" {
		project = s.cfg.Orchestrator.DefaultProject
	}
	return s.context.BuildForTask(project, slug)
}

// ListProjects returns every project.
func (s *Service) ListProjects() ([]*projects.Project, error) {
	return s.projects.ListProjects()
}

// CreateProject creates a new project container.
func (s *Service) CreateProject(name, description string, roleNames []string) (*projects.Project, error) {
	return s.projects.CreateProject(name, description, roleNames)
}

// StartDraft opens a draft session on the named task, creating the task
// when the slug is empty.
func (s *Service) StartDraft(ctx context.Context, roleName, projectName, taskSlug, channel string) (draft.Session, error) {
	if roleName == "" {
		roleName = s.cfg.Orchestrator.DefaultRole
	}
	if projectName == "" {
		projectName = s.cfg.Orchestrator.DefaultProject
	}
	role, err := s.roles.Get(roleName)
	if err != nil {
		return draft.Session{}, err
	}
	project, err := s.projects.EnsureProject(projectName)
	if err != nil {
		return draft.Session{}, err
	}
	if !project.AllowsRole(role.Name) {
		return draft.Session{}, fmt.Errorf("%w: %s on %s", ErrRoleNotAllowed, role.Name, project.Name)
	}
	if taskSlug == "" {
		taskSlug = projects.NewTaskSlug("draft with " + role.Name)
	}
	task, err := s.projects.EnsureTask(project.Name, taskSlug, projects.TaskName("Draft with "+role.Name), "")
	if err != nil {
		return draft.Session{}, err
	}
	return s.drafts.Create(ctx, role, project, task, channel)
}

// ResumeDraft runs one turn on the active draft session.
func (s *Service) ResumeDraft(ctx context.Context, sessionID, prompt string) (*draft.Turn, error) {
	return s.drafts.Resume(ctx, sessionID, prompt)
}

// CloseDraft ends the active draft session.
func (s *Service) CloseDraft(ctx context.Context, sessionID string) (draft.Summary, error) {
	return s.drafts.Close(ctx, sessionID)
}

// DraftStatus snapshots the active draft session, if any.
func (s *Service) DraftStatus() (draft.Session, bool) {
	return s.drafts.Status()
}

// handleInbound is the single handler installed on every provider. It
// never panics and never fails: the result status carries failures back.
func (s *Service) handleInbound(ctx context.Context, msg comms.InboundMessage) (result comms.InboundResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling inbound prompt", zap.Any("panic", r))
			result = comms.InboundResult{Status: comms.StatusFailed, Summary: "internal error"}
		}
	}()
	res := s.HandleTask(ctx, msg)
	return comms.InboundResult{Status: res.Status, Summary: res.Summary}
}

func (s *Service) publishPoolChanged(agents []pool.Entry) {
	list := make([]map[string]interface{}, 0, len(agents))
	for _, a := range agents {
		list = append(list, map[string]interface{}{
			"dispatchId": a.DispatchID,
			"role":       a.Role,
			"taskSlug":   a.TaskSlug,
			"project":    a.Project,
			"startedAt":  a.StartedAt,
		})
	}
	err := s.bus.Publish(context.Background(), bus.SubjectPoolChanged,
		bus.NewEvent(bus.SubjectPoolChanged, "orchestrator", map[string]interface{}{
			"agents": list,
			"size":   len(list),
		}))
	if err != nil {
		s.logger.Warn("failed to publish pool change", zap.Error(err))
	}
}
