package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAgentResult(t *testing.T) {
	t.Run("plain json", func(t *testing.T) {
		r, err := ParseAgentResult(`{"status":"success","summary":"done","changes":["a.go"]}`)
		require.NoError(t, err)
		assert.Equal(t, ResultSuccess, r.Status)
		assert.Equal(t, "done", r.Summary)
		assert.Equal(t, []string{"a.go"}, r.Changes)
	})

	t.Run("json wrapped in prose", func(t *testing.T) {
		text := "Here is my final report:\n```json\n{\"status\":\"partial\",\"summary\":\"half done\",\"issues\":[\"tests missing\"]}\n```\nThanks!"
		r, err := ParseAgentResult(text)
		require.NoError(t, err)
		assert.Equal(t, ResultPartial, r.Status)
		assert.Equal(t, []string{"tests missing"}, r.Issues)
	})

	t.Run("invalid status rejected", func(t *testing.T) {
		_, err := ParseAgentResult(`{"status":"great","summary":"x"}`)
		require.Error(t, err)
	})

	t.Run("missing summary rejected", func(t *testing.T) {
		_, err := ParseAgentResult(`{"status":"success"}`)
		require.Error(t, err)
	})

	t.Run("plain prose has no result", func(t *testing.T) {
		_, err := ParseAgentResult("I finished the task, everything went fine.")
		require.Error(t, err)
	})

	t.Run("empty text", func(t *testing.T) {
		_, err := ParseAgentResult("   ")
		require.Error(t, err)
	})
}

func TestHandleCancelIdempotent(t *testing.T) {
	h := NewHandle()
	assert.False(t, h.Cancelled())
	assert.Empty(t, string(h.Reason()))

	h.Cancel(ReasonStall)
	h.Cancel(ReasonExternal) // second cancel must not override the reason

	assert.True(t, h.Cancelled())
	assert.Equal(t, ReasonStall, h.Reason())

	select {
	case <-h.Done():
	default:
		t.Fatal("Done channel should be closed after cancel")
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusAborted.Terminal())
	assert.True(t, StatusCrashed.Terminal())
}

func TestOutcomeSummary(t *testing.T) {
	o := &Outcome{Status: StatusCompleted, Result: &AgentResult{Status: ResultSuccess, Summary: "built it"}}
	assert.Equal(t, "built it", o.Summary())

	o = &Outcome{Status: StatusCompleted, ResultText: "raw text"}
	assert.Equal(t, "raw text", o.Summary())

	o = &Outcome{Status: StatusAborted, Error: "cancelled by stall timer"}
	assert.Equal(t, "cancelled by stall timer", o.Summary())

	o = &Outcome{Status: StatusCrashed}
	assert.Equal(t, "crashed", o.Summary())
}

func TestIndexEntryFromEnvelope(t *testing.T) {
	env := &Envelope{
		DispatchID:       "d-1",
		TaskSlug:         "fix-build",
		Role:             "worker",
		Status:           StatusRunning,
		CostUSD:          0.42,
		ParentDispatchID: "d-0",
	}
	entry := IndexEntryFromEnvelope(env)
	assert.Equal(t, "d-1", entry.DispatchID)
	assert.Equal(t, "worker", entry.Role)
	assert.Equal(t, StatusRunning, entry.Status)
	assert.Equal(t, 0.42, entry.CostUSD)
	assert.Equal(t, "d-0", entry.ParentDispatchID)
}
