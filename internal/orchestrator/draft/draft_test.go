package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabot/collabot/internal/common/config"
	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/comms"
	"github.com/collabot/collabot/internal/dispatch"
	"github.com/collabot/collabot/internal/events/bus"
	"github.com/collabot/collabot/internal/orchestrator/pool"
	"github.com/collabot/collabot/internal/orchestrator/runtime"
	"github.com/collabot/collabot/internal/projects"
	"github.com/collabot/collabot/internal/roles"
	"github.com/collabot/collabot/internal/storage/fsstore"
	"github.com/collabot/collabot/pkg/agentstream"
)

// scriptedLauncher hands each Open call a stream that answers every
// prompt with a fixed per-process cost progression.
type scriptedLauncher struct {
	mu       sync.Mutex
	reqs     []agentstream.OpenRequest
	turnCost float64
}

func (l *scriptedLauncher) Open(ctx context.Context, req agentstream.OpenRequest) (agentstream.Stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, req)
	s := &scriptedStream{
		msgs:      make(chan *agentstream.Message, 64),
		done:      make(chan struct{}),
		turnCost:  l.turnCost,
		sessionID: fmt.Sprintf("agent-sess-%d", len(l.reqs)),
		resumed:   req.ResumeSession != "",
	}
	return s, nil
}

func (l *scriptedLauncher) lastRequest() agentstream.OpenRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reqs[len(l.reqs)-1]
}

type scriptedStream struct {
	mu        sync.Mutex
	msgs      chan *agentstream.Message
	done      chan struct{}
	closed    bool
	turns     int
	turnCost  float64
	sessionID string
	resumed   bool
}

func (s *scriptedStream) Messages() <-chan *agentstream.Message { return s.msgs }

func (s *scriptedStream) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	s.turns++
	if s.turns == 1 && !s.resumed {
		s.msgs <- &agentstream.Message{
			Type:      agentstream.MessageTypeSystem,
			Subtype:   agentstream.SystemSubtypeInit,
			SessionID: s.sessionID,
		}
	}
	reply := fmt.Sprintf("turn %d reply", s.turns)
	raw, _ := json.Marshal(reply)
	s.msgs <- &agentstream.Message{
		Type: agentstream.MessageTypeAssistant,
		Message: &agentstream.ChatMessage{
			Role:    "assistant",
			Content: []agentstream.ContentBlock{{Type: agentstream.BlockTypeText, Text: reply}},
		},
	}
	s.msgs <- &agentstream.Message{
		Type:              agentstream.MessageTypeResult,
		Subtype:           agentstream.ResultSubtypeSuccess,
		Result:            raw,
		CostUSD:           s.turnCost * float64(s.turns),
		NumTurns:          s.turns,
		TotalInputTokens:  40000,
		TotalOutputTokens: 800,
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

type draftFixture struct {
	mgr      *Manager
	launcher *scriptedLauncher
	ps       *projects.Store
	store    *fsstore.Store
	pool     *pool.Pool
	role     *roles.Role
	project  *projects.Project
	task     *projects.Task
	taskDir  string
}

func setupDraft(t *testing.T, root string) *draftFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	ps := projects.NewStore(root, log)
	require.NoError(t, ps.Init())
	project, err := ps.EnsureProject("webapp")
	require.NoError(t, err)
	task, err := ps.EnsureTask("webapp", "fix-login-123456", "Fix login", "Login is broken.")
	require.NoError(t, err)

	roleLib := roles.NewRegistry(log)
	role, err := roleLib.Get("chat")
	require.NoError(t, err)

	store := fsstore.NewStore(ps, log)
	registry := comms.NewRegistry(log)
	registry.StartAll(context.Background())
	membus := bus.NewMemoryEventBus(log)
	launcher := &scriptedLauncher{turnCost: 0.05}
	cfg := &config.Config{Agent: config.AgentConfig{DefaultModel: "test-model", MaxTurns: 40}}
	rt := runtime.New(launcher, store, registry, membus, cfg, log)
	agentPool := pool.New(8, log)

	return &draftFixture{
		mgr:      NewManager(rt, store, ps, roleLib, agentPool, membus, log),
		launcher: launcher,
		ps:       ps,
		store:    store,
		pool:     agentPool,
		role:     role,
		project:  project,
		task:     task,
		taskDir:  ps.TaskDir("webapp", "fix-login-123456"),
	}
}

func readDraftFile(t *testing.T, taskDir string) Session {
	t.Helper()
	s, err := read(Path(taskDir))
	require.NoError(t, err)
	return s
}

func TestCreateResumeClose(t *testing.T) {
	f := setupDraft(t, t.TempDir())
	ctx := context.Background()

	session, err := f.mgr.Create(ctx, f.role, f.project, f.task, "chan-1")
	require.NoError(t, err)
	assert.NotEmpty(t, session.SessionID)
	assert.NotEmpty(t, session.DispatchID)
	assert.Equal(t, StatusActive, session.Status)
	assert.Equal(t, 1, f.pool.Size())

	onDisk := readDraftFile(t, f.taskDir)
	assert.Equal(t, session.SessionID, onDisk.SessionID)
	assert.Equal(t, StatusActive, onDisk.Status)

	turn, err := f.mgr.Resume(ctx, session.SessionID, "hello")
	require.NoError(t, err)
	assert.Equal(t, "turn 1 reply", turn.ResultText)
	assert.InDelta(t, 0.05, turn.CostUSD, 1e-9)
	assert.Equal(t, 1, turn.Session.TurnCount)
	assert.Equal(t, "agent-sess-1", turn.Session.AgentSessionID)
	assert.Equal(t, 40000, turn.Session.LastInputTokens)

	turn, err = f.mgr.Resume(ctx, session.SessionID, "keep going")
	require.NoError(t, err)
	assert.Equal(t, 2, turn.Session.TurnCount)
	assert.InDelta(t, 0.10, turn.CostUSD, 1e-9)

	summary, err := f.mgr.Close(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Turns)
	assert.InDelta(t, 0.10, summary.CostUSD, 1e-9)
	assert.Equal(t, 0, f.pool.Size())

	onDisk = readDraftFile(t, f.taskDir)
	assert.Equal(t, StatusClosed, onDisk.Status)

	env, err := f.store.GetDispatchEnvelope(f.taskDir, session.DispatchID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusCompleted, env.Status)
	require.NotNil(t, env.CompletedAt)
}

func TestOnlyOneActiveDraft(t *testing.T) {
	f := setupDraft(t, t.TempDir())
	ctx := context.Background()

	session, err := f.mgr.Create(ctx, f.role, f.project, f.task, "chan-1")
	require.NoError(t, err)

	_, err = f.mgr.Create(ctx, f.role, f.project, f.task, "chan-2")
	require.ErrorIs(t, err, ErrDraftAlreadyActive)

	// Closing frees the slot for a new draft.
	_, err = f.mgr.Close(ctx, session.SessionID)
	require.NoError(t, err)
	_, err = f.mgr.Create(ctx, f.role, f.project, f.task, "chan-2")
	require.NoError(t, err)
}

func TestCloseWithoutTurns(t *testing.T) {
	f := setupDraft(t, t.TempDir())
	ctx := context.Background()

	session, err := f.mgr.Create(ctx, f.role, f.project, f.task, "chan-1")
	require.NoError(t, err)

	summary, err := f.mgr.Close(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Turns)
	assert.Zero(t, summary.CostUSD)
}

func TestResumeRejectsUnknownSession(t *testing.T) {
	f := setupDraft(t, t.TempDir())
	ctx := context.Background()

	_, err := f.mgr.Resume(ctx, "nope", "hello")
	require.ErrorIs(t, err, ErrNoActiveDraft)

	_, err = f.mgr.Create(ctx, f.role, f.project, f.task, "chan-1")
	require.NoError(t, err)
	_, err = f.mgr.Resume(ctx, "nope", "hello")
	require.ErrorIs(t, err, ErrNoActiveDraft)
}

func TestLoadActiveDraftFindsNothing(t *testing.T) {
	f := setupDraft(t, t.TempDir())
	session, err := f.mgr.LoadActiveDraft(context.Background())
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestRestartRecovery(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	first := setupDraft(t, root)
	created, err := first.mgr.Create(ctx, first.role, first.project, first.task, "chan-1")
	require.NoError(t, err)
	_, err = first.mgr.Resume(ctx, created.SessionID, "turn one")
	require.NoError(t, err)
	_, err = first.mgr.Resume(ctx, created.SessionID, "turn two")
	require.NoError(t, err)
	// The process dies here without closeDraft.

	second := setupDraft(t, root)
	recovered, err := second.mgr.LoadActiveDraft(ctx)
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Equal(t, created.SessionID, recovered.SessionID)
	assert.Equal(t, 2, recovered.TurnCount)
	assert.InDelta(t, 0.10, recovered.CumulativeCostUSD, 1e-9)

	active, ok := second.mgr.Status()
	require.True(t, ok)
	assert.Equal(t, created.SessionID, active.SessionID)

	turn, err := second.mgr.Resume(ctx, created.SessionID, "next")
	require.NoError(t, err)
	assert.Equal(t, 3, turn.Session.TurnCount)
	// Cost accumulates across the restart: 0.10 persisted plus the new
	// process's first-turn cost.
	assert.InDelta(t, 0.15, turn.CostUSD, 1e-9)
	assert.Equal(t, "agent-sess-1", second.launcher.lastRequest().ResumeSession)

	// Both turns before and after restart live in the same dispatch file.
	events, err := second.store.GetDispatchEvents(second.taskDir, created.DispatchID)
	require.NoError(t, err)
	userMessages := 0
	for _, e := range events {
		if e.Type == dispatch.EventUserMessage {
			userMessages++
		}
	}
	assert.Equal(t, 3, userMessages)
}

func TestLoadActiveDraftRejectsTwoActives(t *testing.T) {
	root := t.TempDir()
	f := setupDraft(t, root)
	ctx := context.Background()

	_, err := f.ps.EnsureTask("webapp", "other-task-654321", "Other", "Another task.")
	require.NoError(t, err)

	session, err := f.mgr.Create(ctx, f.role, f.project, f.task, "chan-1")
	require.NoError(t, err)

	// Forge a second active draft file by hand.
	forged := session
	forged.SessionID = "forged"
	forged.TaskSlug = "other-task-654321"
	data, err := json.Marshal(&forged)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(Path(f.ps.TaskDir("webapp", "other-task-654321")), data, 0o644))

	fresh := setupDraft(t, root)
	_, err = fresh.mgr.LoadActiveDraft(ctx)
	require.Error(t, err)
}
