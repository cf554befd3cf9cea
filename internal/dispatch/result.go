package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResultStatus is the agent's self-reported outcome inside a structured
// result.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultPartial ResultStatus = "partial"
	ResultFailed  ResultStatus = "failed"
	ResultBlocked ResultStatus = "blocked"
)

// AgentResult is the structured result the agent is instructed to emit as
// its final message.
type AgentResult struct {
	Status    ResultStatus `json:"status"`
	Summary   string       `json:"summary"`
	Changes   []string     `json:"changes,omitempty"`
	Issues    []string     `json:"issues,omitempty"`
	Questions []string     `json:"questions,omitempty"`
	PRURL     string       `json:"pr_url,omitempty"`
}

var validResultStatus = map[ResultStatus]bool{
	ResultSuccess: true,
	ResultPartial: true,
	ResultFailed:  true,
	ResultBlocked: true,
}

// ParseAgentResult attempts to extract a structured result from the agent's
// final result text. Agents wrap the JSON in prose or markdown fences often
// enough that a failed strict parse falls back to the outermost brace pair.
// Returns an error when no valid structured result can be recovered; callers
// keep the raw text in that case.
func ParseAgentResult(text string) (*AgentResult, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("empty result text")
	}

	if r, err := decodeResult(trimmed); err == nil {
		return r, nil
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in result text")
	}

	r, err := decodeResult(trimmed[start : end+1])
	if err != nil {
		return nil, fmt.Errorf("parse structured result: %w", err)
	}
	return r, nil
}

func decodeResult(s string) (*AgentResult, error) {
	var r AgentResult
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, err
	}
	if !validResultStatus[r.Status] {
		return nil, fmt.Errorf("invalid result status %q", r.Status)
	}
	if r.Summary == "" {
		return nil, fmt.Errorf("missing result summary")
	}
	return &r, nil
}
