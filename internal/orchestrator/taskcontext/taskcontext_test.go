package taskcontext

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/dispatch"
	"github.com/collabot/collabot/internal/projects"
	"github.com/collabot/collabot/internal/storage/fsstore"
)

func testTask() *projects.Task {
	return &projects.Task{
		Slug:        "fix-login-123456",
		Name:        "Fix the login bug",
		Project:     "webapp",
		Description: "Users report the login form rejects valid passwords.",
	}
}

func resultEnvelope(id, role string, result *dispatch.AgentResult) *dispatch.Envelope {
	return &dispatch.Envelope{
		DispatchID: id,
		Role:       role,
		Status:     dispatch.StatusCompleted,
		StartedAt:  time.Now().UTC(),
		Result:     result,
	}
}

func TestBuildNoDispatches(t *testing.T) {
	out := Build(testTask(), nil)

	assert.Contains(t, out, "# Task: Fix the login bug")
	assert.Contains(t, out, "rejects valid passwords")
	assert.NotContains(t, out, "Previous work")
	assert.NotContains(t, out, "###")
}

func TestBuildSkipsDispatchesWithoutResults(t *testing.T) {
	envelopes := []*dispatch.Envelope{
		{DispatchID: "d-1", Role: "worker", Status: dispatch.StatusCrashed},
		resultEnvelope("d-2", "worker", &dispatch.AgentResult{
			Status:  dispatch.ResultSuccess,
			Summary: "Fixed the password comparison.",
			Changes: []string{"auth/login.go: use constant-time compare"},
		}),
		{DispatchID: "d-3", Role: "reviewer", Status: dispatch.StatusRunning},
	}

	out := Build(testTask(), envelopes)

	assert.Contains(t, out, "## Previous work on this task")
	assert.Contains(t, out, "### worker (success)")
	assert.Contains(t, out, "Fixed the password comparison.")
	assert.Contains(t, out, "- auth/login.go: use constant-time compare")
	assert.NotContains(t, out, "reviewer")
	assert.Equal(t, 1, strings.Count(out, "### "))
}

func TestBuildRendersAllResultLists(t *testing.T) {
	env := resultEnvelope("d-1", "worker", &dispatch.AgentResult{
		Status:    dispatch.ResultPartial,
		Summary:   "Patched the handler, tests still red.",
		Changes:   []string{"handler.go", "handler_test.go"},
		Issues:    []string{"flaky TestSession"},
		Questions: []string{"should legacy tokens keep working?"},
		PRURL:     "https://example.com/pr/7",
	})

	out := Build(testTask(), []*dispatch.Envelope{env})

	assert.Contains(t, out, "**Changes:**\n- handler.go\n- handler_test.go\n")
	assert.Contains(t, out, "**Issues:**\n- flaky TestSession\n")
	assert.Contains(t, out, "**Questions:**\n- should legacy tokens keep working?\n")
	assert.Contains(t, out, "PR: https://example.com/pr/7")
}

func TestBuildShowsAbortedEnvelopeStatus(t *testing.T) {
	env := resultEnvelope("d-1", "worker", &dispatch.AgentResult{
		Status:  dispatch.ResultPartial,
		Summary: "Got halfway before being stopped.",
	})
	env.Status = dispatch.StatusAborted
	env.Reason = dispatch.ReasonExternal

	out := Build(testTask(), []*dispatch.Envelope{env})
	assert.Contains(t, out, "### worker (partial, aborted)")
}

func TestBuildPreservesEnvelopeOrder(t *testing.T) {
	envelopes := []*dispatch.Envelope{
		resultEnvelope("d-1", "planner", &dispatch.AgentResult{Status: dispatch.ResultSuccess, Summary: "Plan written."}),
		resultEnvelope("d-2", "worker", &dispatch.AgentResult{Status: dispatch.ResultSuccess, Summary: "Plan executed."}),
	}

	out := Build(testTask(), envelopes)
	planner := strings.Index(out, "### planner")
	worker := strings.Index(out, "### worker")
	require.GreaterOrEqual(t, planner, 0)
	require.GreaterOrEqual(t, worker, 0)
	assert.Less(t, planner, worker)
}

func TestBuildForTask(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	ps := projects.NewStore(t.TempDir(), log)
	require.NoError(t, ps.Init())
	_, err = ps.CreateProject("webapp", "the web app", nil)
	require.NoError(t, err)
	_, err = ps.EnsureTask("webapp", "fix-login-123456", "Fix the login bug", "Login form rejects valid passwords.")
	require.NoError(t, err)

	fs := fsstore.NewStore(ps, log)
	taskDir := ps.TaskDir("webapp", "fix-login-123456")

	env := resultEnvelope("d-000001", "worker", nil)
	env.TaskSlug = "fix-login-123456"
	env.Status = dispatch.StatusRunning
	require.NoError(t, fs.CreateDispatch(taskDir, env))
	require.NoError(t, fs.UpdateDispatch(taskDir, "d-000001", func(e *dispatch.Envelope) {
		e.Status = dispatch.StatusCompleted
		e.Result = &dispatch.AgentResult{Status: dispatch.ResultSuccess, Summary: "Done."}
	}))

	b := NewBuilder(ps, fs, log)
	out, err := b.BuildForTask("webapp", "fix-login-123456")
	require.NoError(t, err)
	assert.Contains(t, out, "Login form rejects valid passwords.")
	assert.Contains(t, out, "### worker (success)")

	_, err = b.BuildForTask("webapp", "missing-task")
	require.ErrorIs(t, err, projects.ErrTaskNotFound)
}
