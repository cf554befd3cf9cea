package socket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/comms"
	"github.com/collabot/collabot/internal/orchestrator"
	"github.com/collabot/collabot/internal/orchestrator/draft"
	"github.com/collabot/collabot/internal/orchestrator/pool"
	"github.com/collabot/collabot/internal/orchestrator/tracker"
	"github.com/collabot/collabot/internal/projects"
	"github.com/collabot/collabot/internal/roles"
	"github.com/collabot/collabot/pkg/jsonrpc"
)

// handlerFunc processes one decoded request. A returned error is translated
// to a JSON-RPC error response with an application code where one applies.
type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Dispatcher routes JSON-RPC requests to the orchestration core.
type Dispatcher struct {
	svc      *orchestrator.Service
	handlers map[string]handlerFunc
	logger   *logger.Logger
}

// NewDispatcher builds the method table over the core service.
func NewDispatcher(svc *orchestrator.Service, log *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		svc:    svc,
		logger: log.WithFields(zap.String("component", "socket-rpc")),
	}
	d.handlers = map[string]handlerFunc{
		jsonrpc.MethodSubmitPrompt:   d.submitPrompt,
		jsonrpc.MethodDraft:          d.draft,
		jsonrpc.MethodUndraft:        d.undraft,
		jsonrpc.MethodGetDraftStatus: d.getDraftStatus,
		jsonrpc.MethodKillAgent:      d.killAgent,
		jsonrpc.MethodListAgents:     d.listAgents,
		jsonrpc.MethodListTasks:      d.listTasks,
		jsonrpc.MethodGetTaskContext: d.getTaskContext,
		jsonrpc.MethodListProjects:   d.listProjects,
		jsonrpc.MethodCreateProject:  d.createProject,
	}
	return d
}

// Dispatch runs one request and builds its response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	handler, ok := d.handlers[req.Method]
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound, "unknown method: "+req.Method)
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		d.logger.Debug("request failed",
			zap.String("method", req.Method), zap.Error(err))
		return jsonrpc.NewErrorResponse(req.ID, errorCode(err), err.Error())
	}

	resp, err := jsonrpc.NewResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, err.Error())
	}
	return resp
}

// errorCode maps core sentinels to the application error codes.
func errorCode(err error) int {
	switch {
	case errors.Is(err, projects.ErrTaskNotFound), errors.Is(err, projects.ErrProjectNotFound):
		return jsonrpc.CodeTaskNotFound
	case errors.Is(err, tracker.ErrUnknownDispatch):
		return jsonrpc.CodeAgentNotFound
	case errors.Is(err, roles.ErrRoleNotFound):
		return jsonrpc.CodeRoleNotFound
	case errors.Is(err, pool.ErrAtCapacity):
		return jsonrpc.CodePoolAtCapacity
	case errors.Is(err, draft.ErrDraftAlreadyActive):
		return jsonrpc.CodeDraftActive
	case errors.Is(err, draft.ErrNoActiveDraft):
		return jsonrpc.CodeNoActiveDraft
	default:
		return jsonrpc.InternalError
	}
}

func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, v)
}

type submitPromptParams struct {
	Content  string `json:"content"`
	Role     string `json:"role,omitempty"`
	TaskSlug string `json:"taskSlug,omitempty"`
	Project  string `json:"project,omitempty"`
}

// submitPrompt runs a prompt to completion. While a draft session is
// active the prompt becomes a turn of that session instead of a one-shot
// dispatch.
func (d *Dispatcher) submitPrompt(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p submitPromptParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	if session, active := d.svc.DraftStatus(); active {
		turn, err := d.svc.ResumeDraft(ctx, session.SessionID, p.Content)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"threadId": turn.Session.DispatchID,
			"taskSlug": turn.Session.TaskSlug,
			"status":   string(comms.StatusCompleted),
			"summary":  turn.ResultText,
		}, nil
	}

	res := d.svc.HandleTask(ctx, comms.InboundMessage{
		Content:  p.Content,
		Role:     p.Role,
		TaskSlug: p.TaskSlug,
		Project:  p.Project,
		Channel:  "socket",
	})
	return map[string]interface{}{
		"threadId": res.DispatchID,
		"taskSlug": res.TaskSlug,
		"status":   string(res.Status),
		"summary":  res.Summary,
	}, nil
}

type draftParams struct {
	Role    string `json:"role"`
	Project string `json:"project,omitempty"`
	Task    string `json:"task,omitempty"`
}

func (d *Dispatcher) draft(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p draftParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	session, err := d.svc.StartDraft(ctx, p.Role, p.Project, p.Task, "socket")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sessionId": session.SessionID,
		"taskSlug":  session.TaskSlug,
		"project":   session.Project,
	}, nil
}

func (d *Dispatcher) undraft(ctx context.Context, params json.RawMessage) (interface{}, error) {
	session, active := d.svc.DraftStatus()
	if !active {
		return nil, draft.ErrNoActiveDraft
	}

	summary, err := d.svc.CloseDraft(ctx, session.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sessionId":  summary.SessionID,
		"taskSlug":   summary.TaskSlug,
		"turns":      summary.Turns,
		"cost":       summary.CostUSD,
		"durationMs": summary.Duration.Milliseconds(),
	}, nil
}

func (d *Dispatcher) getDraftStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	session, active := d.svc.DraftStatus()
	result := map[string]interface{}{"active": active}
	if active {
		result["session"] = session
		result["contextPct"] = session.ContextPct()
	}
	return result, nil
}

type killAgentParams struct {
	AgentID string `json:"agentId"`
}

func (d *Dispatcher) killAgent(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p killAgentParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	if d.svc.KillAgent(p.AgentID) {
		return map[string]interface{}{"success": true, "message": "agent aborted"}, nil
	}
	return map[string]interface{}{"success": false, "message": "no running agent with id " + p.AgentID}, nil
}

// agentInfo is the wire projection of a pool entry.
type agentInfo struct {
	AgentID   string    `json:"agentId"`
	Role      string    `json:"role"`
	Project   string    `json:"project"`
	TaskSlug  string    `json:"taskSlug,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

func (d *Dispatcher) listAgents(ctx context.Context, params json.RawMessage) (interface{}, error) {
	entries := d.svc.ListAgents()
	agents := make([]agentInfo, 0, len(entries))
	for _, e := range entries {
		agents = append(agents, agentInfo{
			AgentID:   e.DispatchID,
			Role:      e.Role,
			Project:   e.Project,
			TaskSlug:  e.TaskSlug,
			StartedAt: e.StartedAt,
		})
	}
	return map[string]interface{}{"agents": agents}, nil
}

type listTasksParams struct {
	Project string `json:"project,omitempty"`
}

func (d *Dispatcher) listTasks(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p listTasksParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	tasks, err := d.svc.ListTasks(p.Project)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tasks": tasks}, nil
}

type taskContextParams struct {
	Slug    string `json:"slug"`
	Project string `json:"project,omitempty"`
}

func (d *Dispatcher) getTaskContext(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p taskContextParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	text, err := d.svc.TaskContext(p.Project, p.Slug)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"context": text}, nil
}

func (d *Dispatcher) listProjects(ctx context.Context, params json.RawMessage) (interface{}, error) {
	list, err := d.svc.ListProjects()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"projects": list}, nil
}

type createProjectParams struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

func (d *Dispatcher) createProject(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p createProjectParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	project, err := d.svc.CreateProject(p.Name, p.Description, p.Roles)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"name":  project.Name,
		"roles": project.Roles,
	}, nil
}
