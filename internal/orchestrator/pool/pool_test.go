package pool

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/dispatch"
)

func newTestPool(t *testing.T, max int) *Pool {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return New(max, log)
}

func entry(id, role string) Entry {
	return Entry{
		DispatchID: id,
		Role:       role,
		TaskSlug:   "fix-login",
		Project:    "webapp",
		Handle:     dispatch.NewHandle(),
	}
}

func TestRegisterAndRelease(t *testing.T) {
	p := newTestPool(t, 0)

	require.NoError(t, p.Register(entry("d-1", "worker")))
	require.Equal(t, 1, p.Size())

	got, ok := p.Get("d-1")
	require.True(t, ok)
	assert.Equal(t, "worker", got.Role)
	assert.False(t, got.StartedAt.IsZero())

	assert.True(t, p.Release("d-1"))
	assert.Equal(t, 0, p.Size())
	assert.False(t, p.Release("d-1"), "second release must report missing")
}

func TestRegisterDuplicate(t *testing.T) {
	p := newTestPool(t, 0)

	require.NoError(t, p.Register(entry("d-1", "worker")))
	err := p.Register(entry("d-1", "reviewer"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegisterAtCapacity(t *testing.T) {
	p := newTestPool(t, 2)

	require.NoError(t, p.Register(entry("d-1", "worker")))
	require.NoError(t, p.Register(entry("d-2", "worker")))

	err := p.Register(entry("d-3", "worker"))
	require.ErrorIs(t, err, ErrAtCapacity)

	// A slot opens up once a dispatch finishes.
	p.Release("d-1")
	require.NoError(t, p.Register(entry("d-3", "worker")))
}

func TestKillCancelsHandle(t *testing.T) {
	p := newTestPool(t, 0)
	e := entry("d-1", "worker")
	require.NoError(t, p.Register(e))

	require.True(t, p.Kill("d-1", dispatch.ReasonExternal))

	select {
	case <-e.Handle.Done():
	default:
		t.Fatal("kill did not cancel the handle")
	}
	assert.Equal(t, dispatch.ReasonExternal, e.Handle.Reason())

	// The entry stays registered until the runtime releases it.
	assert.Equal(t, 1, p.Size())
	assert.True(t, p.Release("d-1"))
	assert.Equal(t, 0, p.Size())
}

func TestKillUnknownAgent(t *testing.T) {
	p := newTestPool(t, 0)
	assert.False(t, p.Kill("nope", dispatch.ReasonExternal))
}

func TestKillThenReleaseEndsEmpty(t *testing.T) {
	p := newTestPool(t, 0)

	require.NoError(t, p.Register(entry("d-1", "worker")))
	p.Kill("d-1", dispatch.ReasonExternal)
	p.Release("d-1")

	require.NoError(t, p.Register(entry("d-2", "worker")))
	p.Release("d-2")

	assert.Equal(t, 0, p.Size())
	assert.Empty(t, p.List())
}

func TestListOrderedByStart(t *testing.T) {
	p := newTestPool(t, 0)
	base := time.Now().UTC()

	for i := 3; i >= 1; i-- {
		e := entry(fmt.Sprintf("d-%d", i), "worker")
		e.StartedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, p.Register(e))
	}

	list := p.List()
	require.Len(t, list, 3)
	assert.Equal(t, "d-1", list[0].DispatchID)
	assert.Equal(t, "d-3", list[2].DispatchID)
}

func TestOnChangeObservesMutations(t *testing.T) {
	p := newTestPool(t, 0)

	var snapshots [][]Entry
	p.OnChange(func(agents []Entry) {
		snapshots = append(snapshots, agents)
	})

	require.NoError(t, p.Register(entry("d-1", "worker")))
	require.NoError(t, p.Register(entry("d-2", "reviewer")))
	p.Release("d-1")

	require.Len(t, snapshots, 3)
	assert.Len(t, snapshots[0], 1)
	assert.Len(t, snapshots[1], 2)
	require.Len(t, snapshots[2], 1)
	assert.Equal(t, "d-2", snapshots[2][0].DispatchID)
}
