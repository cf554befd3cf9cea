// Package analysis contains the detectors that watch a running dispatch for
// pathological behavior. The repetition and non-retryable detectors are pure
// functions over bounded windows of recent activity; the stall timer is the
// only stateful piece. The dispatch runtime invokes them synchronously after
// each classified stream message.
package analysis

import (
	"fmt"
	"time"

	"github.com/collabot/collabot/internal/common/stringutil"
)

const (
	// ToolWindowSize bounds the sliding window of recent tool calls.
	ToolWindowSize = 10
	// ErrorWindowSize bounds the sliding window of recent tool errors.
	ErrorWindowSize = 20
	// SnippetLen bounds normalized error snippets.
	SnippetLen = 200
)

// Detection thresholds. A pair repeated five times in the window is beyond
// saving; a strict two-pair alternation has to run longer before it counts,
// since legitimate edit/test cycles alternate for a while.
const (
	repeatWarnCount   = 3
	repeatKillCount   = 5
	pingPongWarnRun   = 6
	pingPongKillRun   = 8
	nonRetryableCount = 2
)

// Action is the severity of a verdict.
type Action string

const (
	ActionWarn Action = "warning"
	ActionKill Action = "kill"
)

// Pattern names the detected loop shape.
type Pattern string

const (
	PatternRepeat   Pattern = "repeat"
	PatternPingPong Pattern = "pingPong"
)

// ToolCall is one entry in the repetition window.
type ToolCall struct {
	Tool   string
	Target string
	At     time.Time
}

// Verdict is the outcome of a repetition check. Tool and Target identify the
// offending call (for ping-pong, the most recent of the two alternating
// calls); Count is the pair count for repeats and the run length for
// ping-pongs.
type Verdict struct {
	Action  Action
	Pattern Pattern
	Tool    string
	Target  string
	Count   int
}

// Describe renders the verdict for channel warnings and abort messages.
func (v *Verdict) Describe() string {
	if v.Pattern == PatternPingPong {
		return fmt.Sprintf("alternating between the same two tool calls for %d rounds, most recently %s", v.Count, callLabel(v.Tool, v.Target))
	}
	return fmt.Sprintf("%s called %d times", callLabel(v.Tool, v.Target), v.Count)
}

func callLabel(tool, target string) string {
	if target == "" {
		return tool
	}
	return fmt.Sprintf("%s(%s)", tool, target)
}

type pairKey struct {
	tool   string
	target string
}

// Window holds the most recent tool calls, oldest first.
type Window struct {
	limit int
	calls []ToolCall
}

// NewWindow returns a bounded window. A non-positive limit falls back to
// ToolWindowSize.
func NewWindow(limit int) *Window {
	if limit <= 0 {
		limit = ToolWindowSize
	}
	return &Window{limit: limit, calls: make([]ToolCall, 0, limit)}
}

// Push appends a call, evicting the oldest entry once the window is full.
func (w *Window) Push(c ToolCall) {
	if len(w.calls) == w.limit {
		copy(w.calls, w.calls[1:])
		w.calls[len(w.calls)-1] = c
		return
	}
	w.calls = append(w.calls, c)
}

// Calls returns a snapshot of the window, oldest first.
func (w *Window) Calls() []ToolCall {
	out := make([]ToolCall, len(w.calls))
	copy(out, w.calls)
	return out
}

// Len reports the number of calls currently held.
func (w *Window) Len() int { return len(w.calls) }

// DetectRepetition inspects recent tool calls for loop behavior and returns
// the strongest finding, or nil when the window looks healthy. Checks run in
// severity order: a pair repeated to the kill threshold wins over everything,
// then long alternations, then the warning tiers. A plain repeat at its kill
// count therefore outranks a ping-pong that covers the same calls.
func DetectRepetition(calls []ToolCall) *Verdict {
	if len(calls) == 0 {
		return nil
	}
	top, count := dominantPair(calls)
	if count >= repeatKillCount {
		return &Verdict{Action: ActionKill, Pattern: PatternRepeat, Tool: top.tool, Target: top.target, Count: count}
	}
	if run := alternatingRun(calls); run >= pingPongWarnRun {
		last := calls[len(calls)-1]
		action := ActionWarn
		if run >= pingPongKillRun {
			action = ActionKill
		}
		return &Verdict{Action: action, Pattern: PatternPingPong, Tool: last.Tool, Target: last.Target, Count: run}
	}
	if count >= repeatWarnCount {
		return &Verdict{Action: ActionWarn, Pattern: PatternRepeat, Tool: top.tool, Target: top.target, Count: count}
	}
	return nil
}

// dominantPair returns the most frequent (tool, target) pair and its count.
// Ties keep the pair that reached the count first.
func dominantPair(calls []ToolCall) (pairKey, int) {
	counts := make(map[pairKey]int, len(calls))
	var top pairKey
	max := 0
	for _, c := range calls {
		k := pairKey{tool: c.Tool, target: c.Target}
		counts[k]++
		if counts[k] > max {
			max = counts[k]
			top = k
		}
	}
	return top, max
}

// alternatingRun measures the longest suffix that strictly alternates
// between exactly two distinct pairs (…, A, B, A, B). Returns 0 when the
// last two calls are identical or the window is too short.
func alternatingRun(calls []ToolCall) int {
	n := len(calls)
	if n < 2 {
		return 0
	}
	a := pairKey{tool: calls[n-1].Tool, target: calls[n-1].Target}
	b := pairKey{tool: calls[n-2].Tool, target: calls[n-2].Target}
	if a == b {
		return 0
	}
	run := 2
	for i := n - 3; i >= 0; i-- {
		want := a
		if run%2 == 1 {
			want = b
		}
		if (pairKey{tool: calls[i].Tool, target: calls[i].Target}) != want {
			break
		}
		run++
	}
	return run
}

// ErrorRecord is one failed tool invocation with its message reduced to a
// stable snippet, so the same underlying failure compares equal across runs.
type ErrorRecord struct {
	Tool    string
	Target  string
	Snippet string
}

// NewErrorRecord builds a record with the message normalized and truncated.
func NewErrorRecord(tool, target, message string) ErrorRecord {
	return ErrorRecord{Tool: tool, Target: target, Snippet: stringutil.Snippet(message, SnippetLen)}
}

// Describe renders the record for abort messages.
func (r ErrorRecord) Describe() string {
	if r.Snippet == "" {
		return fmt.Sprintf("%s failed the same way twice", callLabel(r.Tool, r.Target))
	}
	return fmt.Sprintf("%s failed the same way twice: %s", callLabel(r.Tool, r.Target), r.Snippet)
}

// ErrorWindow holds the most recent error records, oldest first.
type ErrorWindow struct {
	limit   int
	records []ErrorRecord
}

// NewErrorWindow returns a bounded window. A non-positive limit falls back
// to ErrorWindowSize.
func NewErrorWindow(limit int) *ErrorWindow {
	if limit <= 0 {
		limit = ErrorWindowSize
	}
	return &ErrorWindow{limit: limit, records: make([]ErrorRecord, 0, limit)}
}

// Push appends a record, evicting the oldest entry once the window is full.
func (w *ErrorWindow) Push(r ErrorRecord) {
	if len(w.records) == w.limit {
		copy(w.records, w.records[1:])
		w.records[len(w.records)-1] = r
		return
	}
	w.records = append(w.records, r)
}

// Records returns a snapshot of the window, oldest first.
func (w *ErrorWindow) Records() []ErrorRecord {
	out := make([]ErrorRecord, len(w.records))
	copy(out, w.records)
	return out
}

// Len reports the number of records currently held.
func (w *ErrorWindow) Len() int { return len(w.records) }

// DetectNonRetryable reports a record that occurs at least twice in the
// window, preferring the most recent duplicate. Returns nil when every
// failure in the window is unique.
func DetectNonRetryable(records []ErrorRecord) *ErrorRecord {
	counts := make(map[ErrorRecord]int, len(records))
	for _, r := range records {
		counts[r]++
	}
	for i := len(records) - 1; i >= 0; i-- {
		if counts[records[i]] >= nonRetryableCount {
			r := records[i]
			return &r
		}
	}
	return nil
}
