// Package jsonrpc implements the JSON-RPC 2.0 framing used by the Collabot
// socket surface.
package jsonrpc

import "encoding/json"

// Version is the protocol version carried by every frame.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`      // Always "2.0"
	ID      interface{}     `json:"id,omitempty"` // Request ID (int or string), omit for notifications
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string          `json:"jsonrpc"` // Always "2.0"
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Notification represents a JSON-RPC 2.0 notification (no ID, no response expected)
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Collabot application error codes
const (
	CodeTaskNotFound   = -32000
	CodeAgentNotFound  = -32001
	CodeRoleNotFound   = -32002
	CodePoolAtCapacity = -32003
	CodeDraftActive    = -32004
	CodeNoActiveDraft  = -32005
)

// Client -> server methods
const (
	MethodSubmitPrompt   = "submit_prompt"
	MethodDraft          = "draft"
	MethodUndraft        = "undraft"
	MethodGetDraftStatus = "get_draft_status"
	MethodKillAgent      = "kill_agent"
	MethodListAgents     = "list_agents"
	MethodListTasks      = "list_tasks"
	MethodGetTaskContext = "get_task_context"
	MethodListProjects   = "list_projects"
	MethodCreateProject  = "create_project"
)

// Server -> client notifications
const (
	NotifyChannelMessage   = "channel_message"
	NotifyStatusUpdate     = "status_update"
	NotifyPoolStatus       = "pool_status"
	NotifyDraftStatus      = "draft_status"
	NotifyContextCompacted = "context_compacted"
)

// NewResponse builds a success response, marshaling the result value.
func NewResponse(id interface{}, result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id interface{}, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// NewNotification builds a server-initiated notification, marshaling params.
func NewNotification(method string, params interface{}) (*Notification, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: Version, Method: method, Params: raw}, nil
}
