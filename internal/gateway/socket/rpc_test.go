package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabot/collabot/internal/common/config"
	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/comms"
	"github.com/collabot/collabot/internal/events/bus"
	"github.com/collabot/collabot/internal/orchestrator"
	"github.com/collabot/collabot/pkg/agentstream"
	"github.com/collabot/collabot/pkg/jsonrpc"
)

// scriptedLauncher hands out one scripted result per opened agent.
type scriptedLauncher struct {
	mu      sync.Mutex
	scripts []string
	opened  int
}

func (l *scriptedLauncher) script(results ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scripts = append(l.scripts, results...)
}

func (l *scriptedLauncher) Open(ctx context.Context, req agentstream.OpenRequest) (agentstream.Stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.scripts) == 0 {
		return nil, fmt.Errorf("no scripted agent available")
	}
	result := l.scripts[0]
	l.scripts = l.scripts[1:]
	l.opened++
	return &scriptedStream{
		msgs:   make(chan *agentstream.Message, 16),
		done:   make(chan struct{}),
		result: result,
		seq:    l.opened,
	}, nil
}

type scriptedStream struct {
	mu     sync.Mutex
	msgs   chan *agentstream.Message
	done   chan struct{}
	closed bool
	result string
	seq    int
}

func (s *scriptedStream) Messages() <-chan *agentstream.Message { return s.msgs }

func (s *scriptedStream) Send(text string) error {
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
		return nil
	}
	raw, _ := json.Marshal(s.result)
	s.msgs <- &agentstream.Message{
		Type:     agentstream.MessageTypeResult,
		Subtype:  agentstream.ResultSubtypeSuccess,
		Result:   raw,
		CostUSD:  0.04,
		NumTurns: 1,
	}
	return nil
}

func (s *scriptedStream) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.msgs)
		close(s.done)
	}
	return nil
}

func (s *scriptedStream) Done() <-chan struct{} { return s.done }
func (s *scriptedStream) Err() error            { return nil }
func (s *scriptedStream) Stderr() string        { return "" }

func setupDispatcher(t *testing.T) (*Dispatcher, *scriptedLauncher) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	cfg := &config.Config{
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

	launcher := &scriptedLauncher{}
	svc := orchestrator.NewService(cfg, launcher, comms.NewRegistry(log), bus.NewMemoryEventBus(log), log)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	return NewDispatcher(svc, log), launcher
}

func call(t *testing.T, d *Dispatcher, method string, params interface{}) *jsonrpc.Response {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		raw = data
	}
	return d.Dispatch(context.Background(), &jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      1,
		Method:  method,
		Params:  raw,
	})
}

func decodeResult(t *testing.T, resp *jsonrpc.Response, v interface{}) {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected rpc error: %+v", resp.Error)
	require.NoError(t, json.Unmarshal(resp.Result, v))
}

func TestSubmitPromptRunsDispatch(t *testing.T) {
	d, launcher := setupDispatcher(t)
	launcher.script(`{"status":"success","summary":"Renamed the flag"}`)

	resp := call(t, d, jsonrpc.MethodSubmitPrompt, map[string]string{
		"content": "Rename the legacy flag",
	})

	var result struct {
		ThreadID string `json:"threadId"`
		TaskSlug string `json:"taskSlug"`
		Status   string `json:"status"`
		Summary  string `json:"summary"`
	}
	decodeResult(t, resp, &result)
	assert.NotEmpty(t, result.ThreadID)
	assert.NotEmpty(t, result.TaskSlug)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, "Renamed the flag", result.Summary)
}

func TestUnknownMethod(t *testing.T) {
	d, _ := setupDispatcher(t)

	resp := call(t, d, "frobnicate", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.MethodNotFound, resp.Error.Code)
}

func TestKillAgentUnknownID(t *testing.T) {
	d, _ := setupDispatcher(t)

	resp := call(t, d, jsonrpc.MethodKillAgent, map[string]string{"agentId": "d-missing"})

	var result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	decodeResult(t, resp, &result)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "d-missing")
}

func TestErrorCodes(t *testing.T) {
	d, _ := setupDispatcher(t)

	resp := call(t, d, jsonrpc.MethodUndraft, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeNoActiveDraft, resp.Error.Code)

	resp = call(t, d, jsonrpc.MethodDraft, map[string]string{"role": "nonexistent"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeRoleNotFound, resp.Error.Code)

	resp = call(t, d, jsonrpc.MethodListTasks, map[string]string{"project": "no-such-project"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeTaskNotFound, resp.Error.Code)

	resp = call(t, d, jsonrpc.MethodGetTaskContext, map[string]string{
		"slug": "no-such-task", "project": "scratch",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeTaskNotFound, resp.Error.Code)
}

func TestDraftLifecycleOverRPC(t *testing.T) {
	d, launcher := setupDispatcher(t)
	launcher.script("") // the draft agent idles until closed

	resp := call(t, d, jsonrpc.MethodDraft, map[string]string{"role": "chat"})
	var drafted struct {
		SessionID string `json:"sessionId"`
		TaskSlug  string `json:"taskSlug"`
		Project   string `json:"project"`
	}
	decodeResult(t, resp, &drafted)
	require.NotEmpty(t, drafted.SessionID)
	assert.Equal(t, "scratch", drafted.Project)

	resp = call(t, d, jsonrpc.MethodGetDraftStatus, nil)
	var status struct {
		Active  bool `json:"active"`
		Session struct {
			SessionID string `json:"sessionId"`
		} `json:"session"`
	}
	decodeResult(t, resp, &status)
	assert.True(t, status.Active)
	assert.Equal(t, drafted.SessionID, status.Session.SessionID)

	// A second draft while one is active is rejected.
	resp = call(t, d, jsonrpc.MethodDraft, map[string]string{"role": "chat"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeDraftActive, resp.Error.Code)

	resp = call(t, d, jsonrpc.MethodUndraft, nil)
	var closed struct {
		SessionID string  `json:"sessionId"`
		Turns     int     `json:"turns"`
		Cost      float64 `json:"cost"`
	}
	decodeResult(t, resp, &closed)
	assert.Equal(t, drafted.SessionID, closed.SessionID)
	assert.Equal(t, 0, closed.Turns)

	resp = call(t, d, jsonrpc.MethodGetDraftStatus, nil)
	var after struct {
		Active bool `json:"active"`
	}
	decodeResult(t, resp, &after)
	assert.False(t, after.Active)
}

func TestProjectMethods(t *testing.T) {
	d, _ := setupDispatcher(t)

	resp := call(t, d, jsonrpc.MethodCreateProject, map[string]interface{}{
		"name":        "alpha",
		"description": "The alpha project",
		"roles":       []string{"worker"},
	})
	var created struct {
		Name  string   `json:"name"`
		Roles []string `json:"roles"`
	}
	decodeResult(t, resp, &created)
	assert.Equal(t, "alpha", created.Name)
	assert.Equal(t, []string{"worker"}, created.Roles)

	resp = call(t, d, jsonrpc.MethodListProjects, nil)
	var listed struct {
		Projects []struct {
			Name string `json:"name"`
		} `json:"projects"`
	}
	decodeResult(t, resp, &listed)
	names := make([]string, 0, len(listed.Projects))
	for _, p := range listed.Projects {
		names = append(names, p.Name)
	}
	assert.Contains(t, names, "alpha")
	assert.Contains(t, names, "scratch")
}
