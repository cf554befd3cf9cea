package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/orchestrator"
)

// registerReadTools installs the tool subset every role receives.
func registerReadTools(s *server.MCPServer, svc *orchestrator.Service, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List the agents currently running, with their dispatch id, role, project, and task."),
		),
		listAgentsHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List tasks in a project. Defaults to your current project."),
			mcp.WithString("project",
				mcp.Description("Project name (optional)"),
			),
		),
		listTasksHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("get_task_context",
			mcp.WithDescription("Get a summary of what prior agents have done on a task."),
			mcp.WithString("task_slug",
				mcp.Required(),
				mcp.Description("The task slug to summarize"),
			),
			mcp.WithString("project",
				mcp.Description("Project name (optional)"),
			),
		),
		getTaskContextHandler(svc),
	)
}

// registerFullTools installs the read set plus the agent-drafting tools.
// Only roles with the draft permission are routed to this endpoint.
func registerFullTools(s *server.MCPServer, svc *orchestrator.Service, log *logger.Logger) {
	registerReadTools(s, svc, log)

	s.AddTool(
		mcp.NewTool("draft_agent",
			mcp.WithDescription("Start a new agent on a task and return its dispatch id immediately. "+
				"Use await_agent to collect the result. The agent works on your current task unless task_slug says otherwise."),
			mcp.WithString("role",
				mcp.Required(),
				mcp.Description("The role to run the agent as (e.g. worker, reviewer)"),
			),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The instruction for the agent"),
			),
			mcp.WithString("task_slug",
				mcp.Description("Task to dispatch against (optional, defaults to your task)"),
			),
			mcp.WithString("model",
				mcp.Description("Model override: fast, balanced, smart, or a concrete model name (optional)"),
			),
		),
		draftAgentHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("await_agent",
			mcp.WithDescription("Wait for a drafted agent to finish and return its result."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The dispatch id returned by draft_agent"),
			),
		),
		awaitAgentHandler(svc),
	)

	s.AddTool(
		mcp.NewTool("kill_agent",
			mcp.WithDescription("Abort a running agent."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The dispatch id of the agent to abort"),
			),
		),
		killAgentHandler(svc, log),
	)
}

func draftAgentHandler(svc *orchestrator.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		role, err := req.RequireString("role")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		callerID, ok := DispatchFromContext(ctx)
		if !ok {
			return mcp.NewToolResultError("caller dispatch unknown; cannot draft agents"), nil
		}
		caller, ok := svc.Pool().Get(callerID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("caller dispatch %s is no longer running", callerID)), nil
		}

		taskSlug := req.GetString("task_slug", "")
		if taskSlug == "" {
			taskSlug = caller.TaskSlug
		}
		if taskSlug == "" {
			return mcp.NewToolResultError("task_slug is required when the caller has no task"), nil
		}

		id, err := svc.DispatchAgent(ctx, orchestrator.DispatchRequest{
			Role:             role,
			Prompt:           prompt,
			Project:          caller.Project,
			TaskSlug:         taskSlug,
			Model:            req.GetString("model", ""),
			ParentDispatchID: callerID,
		})
		if err != nil {
			log.Warn("draft_agent failed",
				zap.String("caller", callerID), zap.String("role", role), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to draft agent: %v", err)), nil
		}

		log.Info("agent drafted via tool",
			zap.String("dispatch_id", id),
			zap.String("parent", callerID),
			zap.String("role", role))
		out, _ := json.Marshal(map[string]string{"agent_id": id})
		return mcp.NewToolResultText(string(out)), nil
	}
}

// outcomeView is the agent-facing projection of a finished dispatch.
type outcomeView struct {
	AgentID    string   `json:"agent_id"`
	Status     string   `json:"status"`
	Reason     string   `json:"reason,omitempty"`
	Summary    string   `json:"summary,omitempty"`
	Changes    []string `json:"changes,omitempty"`
	CostUSD    float64  `json:"cost_usd"`
	DurationMS int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

func awaitAgentHandler(svc *orchestrator.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		out, err := svc.AwaitAgent(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to await agent: %v", err)), nil
		}

		view := outcomeView{
			AgentID:    out.DispatchID,
			Status:     string(out.Status),
			Reason:     string(out.Reason),
			Summary:    out.Summary(),
			CostUSD:    out.CostUSD,
			DurationMS: out.Duration.Milliseconds(),
			Error:      out.Error,
		}
		if out.Result != nil {
			view.Changes = out.Result.Changes
		}
		formatted, _ := json.MarshalIndent(view, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func killAgentHandler(svc *orchestrator.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if !svc.KillAgent(id) {
			return mcp.NewToolResultError(fmt.Sprintf("no running agent with id %s", id)), nil
		}
		if caller, ok := DispatchFromContext(ctx); ok {
			log.Info("agent killed via tool",
				zap.String("dispatch_id", id), zap.String("caller", caller))
		}
		return mcp.NewToolResultText(fmt.Sprintf("agent %s aborted", id)), nil
	}
}

// agentView is the agent-facing projection of a pool entry. The dispatch
// handle stays internal.
type agentView struct {
	AgentID        string `json:"agent_id"`
	Role           string `json:"role"`
	Project        string `json:"project"`
	TaskSlug       string `json:"task_slug,omitempty"`
	StartedAt      string `json:"started_at"`
	RunningSeconds int64  `json:"running_seconds"`
}

func listAgentsHandler(svc *orchestrator.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		now := time.Now().UTC()
		views := make([]agentView, 0)
		for _, e := range svc.ListAgents() {
			views = append(views, agentView{
				AgentID:        e.DispatchID,
				Role:           e.Role,
				Project:        e.Project,
				TaskSlug:       e.TaskSlug,
				StartedAt:      e.StartedAt.Format(time.RFC3339),
				RunningSeconds: int64(now.Sub(e.StartedAt).Seconds()),
			})
		}
		formatted, _ := json.MarshalIndent(views, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

// taskView summarizes a task for listing.
type taskView struct {
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Dispatches int    `json:"dispatches"`
	Created    string `json:"created"`
}

func listTasksHandler(svc *orchestrator.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		project := req.GetString("project", "")
		if project == "" {
			project = callerProject(ctx, svc)
		}

		tasks, err := svc.ListTasks(project)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
		}

		views := make([]taskView, 0, len(tasks))
		for _, t := range tasks {
			views = append(views, taskView{
				Slug:       t.Slug,
				Name:       t.Name,
				Status:     string(t.Status),
				Dispatches: len(t.Dispatches),
				Created:    t.Created.Format(time.RFC3339),
			})
		}
		formatted, _ := json.MarshalIndent(views, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func getTaskContextHandler(svc *orchestrator.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		slug, err := req.RequireString("task_slug")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		project := req.GetString("project", "")
		if project == "" {
			project = callerProject(ctx, svc)
		}

		summary, err := svc.TaskContext(project, slug)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to build task context: %v", err)), nil
		}
		if summary == "" {
			return mcp.NewToolResultText("No prior work recorded on this task."), nil
		}
		return mcp.NewToolResultText(summary), nil
	}
}

// callerProject resolves the project of the calling dispatch, empty when the
// caller is unknown or already gone. Empty falls through to the instance
// default downstream.
func callerProject(ctx context.Context, svc *orchestrator.Service) string {
	id, ok := DispatchFromContext(ctx)
	if !ok {
		return ""
	}
	entry, ok := svc.Pool().Get(id)
	if !ok {
		return ""
	}
	return entry.Project
}
