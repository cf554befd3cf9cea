package tracker

import (
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/dispatch"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return New(log)
}

func TestAwaitUnknownDispatch(t *testing.T) {
	tr := newTestTracker(t)

	_, err := tr.Await(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownDispatch)
}

func TestAwaitBlocksUntilSettled(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newTestTracker(t)
		p := NewPromise()
		require.NoError(t, tr.Track("d-1", "worker", p))

		got := make(chan dispatch.Outcome, 1)
		go func() {
			o, err := tr.Await(context.Background(), "d-1")
			if err != nil {
				t.Error(err)
				return
			}
			got <- o
		}()

		synctest.Wait()
		select {
		case <-got:
			t.Fatal("await returned before the promise settled")
		default:
		}

		p.Settle(dispatch.Outcome{DispatchID: "d-1", Status: dispatch.StatusCompleted})
		synctest.Wait()

		select {
		case o := <-got:
			assert.Equal(t, dispatch.StatusCompleted, o.Status)
		default:
			t.Fatal("await did not return after settle")
		}
	})
}

func TestAwaitAfterSettleReturnsImmediately(t *testing.T) {
	tr := newTestTracker(t)
	p := NewPromise()
	require.NoError(t, tr.Track("d-1", "worker", p))
	p.Settle(dispatch.Outcome{DispatchID: "d-1", Status: dispatch.StatusAborted, Reason: dispatch.ReasonExternal})

	o, err := tr.Await(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusAborted, o.Status)
	assert.Equal(t, dispatch.ReasonExternal, o.Reason)
}

func TestAwaitHonorsContext(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.Track("d-1", "worker", NewPromise()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Await(ctx, "d-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTrackDuplicate(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.Track("d-1", "worker", NewPromise()))

	err := tr.Track("d-1", "reviewer", NewPromise())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already tracked")
}

func TestSettleTwiceKeepsFirstOutcome(t *testing.T) {
	p := NewPromise()
	p.Settle(dispatch.Outcome{Status: dispatch.StatusCompleted})
	p.Settle(dispatch.Outcome{Status: dispatch.StatusCrashed})

	o, ok := p.Outcome()
	require.True(t, ok)
	assert.Equal(t, dispatch.StatusCompleted, o.Status)
}

func TestPruneDropsOnlySettled(t *testing.T) {
	tr := newTestTracker(t)

	settled := NewPromise()
	require.NoError(t, tr.Track("d-1", "worker", settled))
	require.NoError(t, tr.Track("d-2", "worker", NewPromise()))
	settled.Settle(dispatch.Outcome{Status: dispatch.StatusCompleted})

	assert.Equal(t, 1, tr.Prune())
	assert.False(t, tr.Has("d-1"))
	assert.True(t, tr.Has("d-2"))
	assert.Equal(t, 0, tr.Prune())
}
