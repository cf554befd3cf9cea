package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabot/collabot/internal/common/config"
	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/comms"
	"github.com/collabot/collabot/internal/dispatch"
	"github.com/collabot/collabot/internal/events/bus"
	"github.com/collabot/collabot/pkg/agentstream"
)

// replyLauncher scripts one result per opened agent, in open order. An
// empty script entry produces an agent that never answers, for
// cancellation tests.
type replyLauncher struct {
	mu      sync.Mutex
	scripts []string
	reqs    []agentstream.OpenRequest
}

func (l *replyLauncher) script(results ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scripts = append(l.scripts, results...)
}

func (l *replyLauncher) Open(ctx context.Context, req agentstream.OpenRequest) (agentstream.Stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, req)
	if len(l.scripts) == 0 {
		return nil, fmt.Errorf("no scripted agent available")
	}
	result := l.scripts[0]
	l.scripts = l.scripts[1:]
	return &replyStream{
		msgs:   make(chan *agentstream.Message, 16),
		done:   make(chan struct{}),
		result: result,
		seq:    len(l.reqs),
	}, nil
}

func (l *replyLauncher) lastRequest() agentstream.OpenRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reqs[len(l.reqs)-1]
}

type replyStream struct {
	mu     sync.Mutex
	msgs   chan *agentstream.Message
	done   chan struct{}
	closed bool
	result string
	seq    int
}

func (s *replyStream) Messages() <-chan *agentstream.Message { return s.msgs }

func (s *replyStream) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	s.msgs <- &agentstream.Message{
		Type:      agentstream.MessageTypeSystem,
		Subtype:   agentstream.SystemSubtypeInit,
		SessionID: fmt.Sprintf("sess-%d", s.seq),
	}
	if s.result == "" {
		return nil // silent agent, waits to be killed
	}
	raw, _ := json.Marshal(s.result)
	s.msgs <- &agentstream.Message{
		Type:     agentstream.MessageTypeResult,
		Subtype:  agentstream.ResultSubtypeSuccess,
		Result:   raw,
		CostUSD:  0.08,
		NumTurns: 2,
	}
	return nil
}

func (s *replyStream) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.msgs)
		close(s.done)
	}
	return nil
}

func (s *replyStream) Done() <-chan struct{} { return s.done }
func (s *replyStream) Err() error            { return nil }
func (s *replyStream) Stderr() string        { return "" }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Agent: config.AgentConfig{
			DefaultModel: "default-model",
			Models: map[string]string{
				"fast":     "small-model",
				"balanced": "mid-model",
				"smart":    "big-model",
			},
			MaxTurns: 40,
		},
		Analysis: config.AnalysisConfig{
			StallCodingSeconds:         300,
			StallConversationalSeconds: 180,
			StallResearchSeconds:       420,
		},
		Pool: config.PoolConfig{MaxConcurrent: 4},
		Orchestrator: config.OrchestratorConfig{
			ProjectsDir:    t.TempDir(),
			DefaultProject: "scratch",
			DefaultRole:    "worker",
		},
	}
}

func setupService(t *testing.T) (*Service, *replyLauncher) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	launcher := &replyLauncher{}
	registry := comms.NewRegistry(log)
	svc := NewService(testConfig(t), launcher, registry, bus.NewMemoryEventBus(log), log)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		_ = svc.Stop(context.Background())
	})
	return svc, launcher
}

func TestHandleTaskDispatchesAndSettles(t *testing.T) {
	svc, launcher := setupService(t)
	launcher.script(`{"status":"success","summary":"Renamed the config key","changes":["config.go"]}`)

	res := svc.HandleTask(context.Background(), comms.InboundMessage{
		Content: "Rename the legacy config key",
		Channel: "chan-1",
	})

	assert.Equal(t, comms.StatusCompleted, res.Status)
	assert.Equal(t, "Renamed the config key", res.Summary)
	assert.Equal(t, "scratch", res.Project)
	assert.NotEmpty(t, res.TaskSlug)
	assert.NotEmpty(t, res.DispatchID)

	// Pool slot released once the dispatch settled.
	assert.Equal(t, 0, svc.Pool().Size())

	taskDir := svc.Projects().TaskDir("scratch", res.TaskSlug)
	env, err := svc.Store().GetDispatchEnvelope(taskDir, res.DispatchID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusCompleted, env.Status)
	require.NotNil(t, env.Result)
	assert.Equal(t, "Renamed the config key", env.Result.Summary)

	// The worker role's balanced hint resolved through the alias table.
	assert.Equal(t, "mid-model", launcher.lastRequest().Model)
}

func TestHandleTaskEmptyPromptDispatches(t *testing.T) {
	svc, launcher := setupService(t)
	launcher.script(`{"status":"success","summary":"Nothing asked, nothing changed"}`)

	res := svc.HandleTask(context.Background(), comms.InboundMessage{
		Content: "",
		Channel: "chan-1",
	})

	assert.Equal(t, comms.StatusCompleted, res.Status)
	assert.Equal(t, "Nothing asked, nothing changed", res.Summary)
	assert.NotEmpty(t, res.DispatchID)
	// The slug falls back to the generic stem when there is no content
	// to derive it from.
	assert.True(t, strings.HasPrefix(res.TaskSlug, "task-"), "slug %q", res.TaskSlug)
}

func TestHandleTaskUnknownRoleFails(t *testing.T) {
	svc, _ := setupService(t)

	res := svc.HandleTask(context.Background(), comms.InboundMessage{
		Content: "do something",
		Role:    "nonexistent",
	})
	assert.Equal(t, comms.StatusFailed, res.Status)
	assert.Contains(t, res.Summary, "nonexistent")
}

func TestDispatchAgentRecordsParent(t *testing.T) {
	svc, launcher := setupService(t)
	launcher.script(`{"status":"success","summary":"child done"}`)

	_, err := svc.Projects().EnsureTask("scratch", "parent-task-111111", "Parent task", "")
	require.NoError(t, err)

	id, err := svc.DispatchAgent(context.Background(), DispatchRequest{
		Role:             "worker",
		Prompt:           "subtask",
		Project:          "scratch",
		TaskSlug:         "parent-task-111111",
		ParentDispatchID: "d-parent",
	})
	require.NoError(t, err)

	out, err := svc.AwaitAgent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusCompleted, out.Status)

	taskDir := svc.Projects().TaskDir("scratch", "parent-task-111111")
	env, err := svc.Store().GetDispatchEnvelope(taskDir, id)
	require.NoError(t, err)
	assert.Equal(t, "d-parent", env.ParentDispatchID)
}

func TestKillAgentAbortsDispatch(t *testing.T) {
	svc, launcher := setupService(t)
	launcher.script("") // agent that never answers

	_, err := svc.Projects().EnsureTask("scratch", "stuck-task-222222", "Stuck task", "")
	require.NoError(t, err)

	id, err := svc.DispatchAgent(context.Background(), DispatchRequest{
		Role:     "worker",
		Prompt:   "spin forever",
		Project:  "scratch",
		TaskSlug: "stuck-task-222222",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := svc.Pool().Get(id)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, svc.KillAgent(id))
	assert.False(t, svc.KillAgent("d-unknown"))

	// A kill is still a settled outcome, not an await error.
	out, err := svc.AwaitAgent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusAborted, out.Status)
	assert.Equal(t, dispatch.ReasonExternal, out.Reason)
}

func TestDispatchAgentAtCapacity(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	cfg := testConfig(t)
	cfg.Pool.MaxConcurrent = 1

	launcher := &replyLauncher{}
	launcher.script("", "")
	svc := NewService(cfg, launcher, comms.NewRegistry(log), bus.NewMemoryEventBus(log), log)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	_, err = svc.Projects().EnsureTask("scratch", "cap-task-333333", "Capacity task", "")
	require.NoError(t, err)

	req := DispatchRequest{Role: "worker", Prompt: "hold the slot", Project: "scratch", TaskSlug: "cap-task-333333"}
	first, err := svc.DispatchAgent(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.DispatchAgent(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capacity")

	svc.KillAgent(first)
	_, err = svc.AwaitAgent(context.Background(), first)
	require.NoError(t, err)
}

func TestFollowUpDispatchCarriesTaskContext(t *testing.T) {
	svc, launcher := setupService(t)
	launcher.script(
		`{"status":"partial","summary":"Got halfway through the migration"}`,
		`{"status":"success","summary":"Finished the migration"}`,
	)

	first := svc.HandleTask(context.Background(), comms.InboundMessage{
		Content: "Migrate the settings table",
	})
	require.NotEmpty(t, first.TaskSlug)

	second := svc.HandleTask(context.Background(), comms.InboundMessage{
		Content:  "Continue the migration",
		TaskSlug: first.TaskSlug,
	})
	assert.Equal(t, comms.StatusCompleted, second.Status)

	// The second agent sees the first agent's result in its prompt.
	prompt := launcher.lastRequest().SystemPrompt
	assert.Contains(t, prompt, "Got halfway through the migration")
}

func TestStartStopGuards(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	svc := NewService(testConfig(t), &replyLauncher{}, comms.NewRegistry(log), bus.NewMemoryEventBus(log), log)

	require.NoError(t, svc.Start(context.Background()))
	require.ErrorIs(t, svc.Start(context.Background()), ErrServiceAlreadyRunning)
	require.NoError(t, svc.Stop(context.Background()))
	require.ErrorIs(t, svc.Stop(context.Background()), ErrServiceNotRunning)
}

func TestReconcileFinalizesStuckDispatches(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	cfg := testConfig(t)

	// First instance: leave a running dispatch behind.
	svc := NewService(cfg, &replyLauncher{}, comms.NewRegistry(log), bus.NewMemoryEventBus(log), log)
	require.NoError(t, svc.Projects().Init())
	_, err = svc.Projects().EnsureProject("scratch")
	require.NoError(t, err)
	_, err = svc.Projects().EnsureTask("scratch", "stale-task-444444", "Stale task", "")
	require.NoError(t, err)
	taskDir := svc.Projects().TaskDir("scratch", "stale-task-444444")
	require.NoError(t, svc.Store().CreateDispatch(taskDir, &dispatch.Envelope{
		DispatchID: "d-stale",
		TaskSlug:   "stale-task-444444",
		Role:       "worker",
		Model:      "mid-model",
		WorkDir:    "/tmp/work",
		StartedAt:  time.Now().UTC().Add(-time.Hour),
		Status:     dispatch.StatusRunning,
	}))

	// Second instance over the same projects dir.
	restarted := NewService(cfg, &replyLauncher{}, comms.NewRegistry(log), bus.NewMemoryEventBus(log), log)
	require.NoError(t, restarted.Start(context.Background()))
	defer restarted.Stop(context.Background())

	env, err := restarted.Store().GetDispatchEnvelope(taskDir, "d-stale")
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusCrashed, env.Status)
	require.NotNil(t, env.CompletedAt)
	assert.Contains(t, env.Error, "restarted")

	task, err := restarted.Projects().GetTask("scratch", "stale-task-444444")
	require.NoError(t, err)
	require.Len(t, task.Dispatches, 1)
	assert.Equal(t, dispatch.StatusCrashed, task.Dispatches[0].Status)
}

func TestResolveModel(t *testing.T) {
	svc, _ := setupService(t)
	worker, err := svc.Roles().Get("worker")
	require.NoError(t, err)
	chat, err := svc.Roles().Get("chat")
	require.NoError(t, err)

	tests := []struct {
		name     string
		override string
		role     string
		want     string
	}{
		{"explicit alias wins", "smart", "worker", "big-model"},
		{"explicit literal passes through", "some-exact-model", "worker", "some-exact-model"},
		{"role hint resolves", "", "worker", "mid-model"},
		{"chat role uses fast", "", "chat", "small-model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role := worker
			if tt.role == "chat" {
				role = chat
			}
			assert.Equal(t, tt.want, svc.resolveModel(tt.override, role))
		})
	}
}
