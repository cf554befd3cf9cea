// Package agentstream provides types and process plumbing for the coding
// agent CLI stream-json protocol. The agent runs as a subprocess emitting one
// JSON message per stdout line; prompts are written to stdin in the same
// framing, which keeps a single process usable across multiple turns.
package agentstream

import "encoding/json"

// Message types from the agent CLI
const (
	// MessageTypeSystem is a harness-level message (session init, compaction)
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking, or tool calls from the model
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool results echoed back through the transcript
	MessageTypeUser = "user"
	// MessageTypeResult is the final per-turn result message
	MessageTypeResult = "result"
)

// System message subtypes
const (
	// SystemSubtypeInit announces the session id and model at startup
	SystemSubtypeInit = "init"
	// SystemSubtypeCompactBoundary marks a context compaction
	SystemSubtypeCompactBoundary = "compact_boundary"
	// SystemSubtypeRateLimit reports the provider rate-limit state
	SystemSubtypeRateLimit = "rate_limit"
)

// Result message subtypes
const (
	ResultSubtypeSuccess              = "success"
	ResultSubtypeErrorMaxTurns        = "error_max_turns"
	ResultSubtypeErrorDuringExecution = "error_during_execution"
)

// Content block types
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// Message represents one line of agent CLI stdout.
// The message type determines which fields are populated.
type Message struct {
	// Type is the message type (system, assistant, user, result)
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system messages
	SessionID       string           `json:"session_id,omitempty"`
	Model           string           `json:"model,omitempty"`
	CompactMetadata *CompactMetadata `json:"compact_metadata,omitempty"`
	RateLimit       *RateLimitInfo   `json:"rate_limit,omitempty"`

	// For assistant and user messages
	Message *ChatMessage `json:"message,omitempty"`

	// For result messages
	// Result can be either a string or an object with a text field
	Result            json.RawMessage            `json:"result,omitempty"`
	CostUSD           float64                    `json:"cost_usd,omitempty"`
	DurationMS        int64                      `json:"duration_ms,omitempty"`
	DurationAPIMS     int64                      `json:"duration_api_ms,omitempty"`
	IsError           bool                       `json:"is_error,omitempty"`
	NumTurns          int                        `json:"num_turns,omitempty"`
	TotalInputTokens  int64                      `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64                      `json:"total_output_tokens,omitempty"`
	ModelUsage        map[string]ModelUsageStats `json:"model_usage,omitempty"`

	// Raw line for archival
	Raw json.RawMessage `json:"-"`
}

// ChatMessage is the transcript message nested inside assistant and user
// envelopes. Tool results arrive with role "user".
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// UnmarshalJSON accepts both content encodings the protocol uses: a plain
// string (prompts) and a block list (everything else). String content is
// normalized to a single text block.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias ChatMessage
	aux := struct {
		Content json.RawMessage `json:"content,omitempty"`
		*alias
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Content) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(aux.Content, &s); err == nil {
		m.Content = []ContentBlock{{Type: BlockTypeText, Text: s}}
		return nil
	}
	return json.Unmarshal(aux.Content, &m.Content)
}

// ContentBlock represents a block of content in a transcript message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	// Content can be a plain string or a nested block list
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ContentText flattens a tool_result content payload to plain text. The
// protocol sends either a bare string or a list of blocks whose text fields
// are concatenated.
func (b *ContentBlock) ContentText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		out := ""
		for _, blk := range blocks {
			if blk.Text != "" {
				if out != "" {
					out += "\n"
				}
				out += blk.Text
			}
		}
		return out
	}
	return string(b.Content)
}

// Usage contains token usage information for one turn.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// CompactMetadata describes a context compaction boundary.
type CompactMetadata struct {
	// Trigger is "auto" or "manual"
	Trigger   string `json:"trigger,omitempty"`
	PreTokens int64  `json:"pre_tokens,omitempty"`
}

// RateLimitInfo reports the provider rate-limit state.
type RateLimitInfo struct {
	Status   string `json:"status,omitempty"`
	ResetsAt int64  `json:"resetsAt,omitempty"`
}

// ModelUsageStats contains per-model usage statistics from the result message.
// The context_window field provides the actual model context window size.
type ModelUsageStats struct {
	ContextWindow *int64 `json:"context_window,omitempty"`
}

// ResultData is the object form of a result payload.
type ResultData struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// ResultText returns the result payload as plain text, handling both the
// string and object encodings. Returns "" when there is no result.
func (m *Message) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s
	}
	var data ResultData
	if err := json.Unmarshal(m.Result, &data); err == nil && data.Text != "" {
		return data.Text
	}
	return ""
}

// ContextWindow returns the context window reported for the given model, or 0
// when the result carried no usable model_usage entry. When the model is not
// present but exactly one entry exists, that entry is used.
func (m *Message) ContextWindow(model string) int64 {
	if len(m.ModelUsage) == 0 {
		return 0
	}
	if stats, ok := m.ModelUsage[model]; ok && stats.ContextWindow != nil {
		return *stats.ContextWindow
	}
	if len(m.ModelUsage) == 1 {
		for _, stats := range m.ModelUsage {
			if stats.ContextWindow != nil {
				return *stats.ContextWindow
			}
		}
	}
	return 0
}

// UserMessage is sent on stdin to provide a prompt to the agent.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}
