package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestDecoding(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":7,"method":"submit_prompt","params":{"content":"hi"}}`

	var req Request
	require.NoError(t, json.Unmarshal([]byte(raw), &req))

	assert.Equal(t, Version, req.JSONRPC)
	assert.Equal(t, float64(7), req.ID)
	assert.Equal(t, MethodSubmitPrompt, req.Method)
	assert.False(t, req.IsNotification())

	var params struct {
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, "hi", params.Content)
}

func TestRequestWithoutIDIsNotification(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"ping"}`), &req))
	assert.True(t, req.IsNotification())
}

func TestNewResponse(t *testing.T) {
	resp, err := NewResponse("abc", map[string]string{"taskSlug": "fix-build"})
	require.NoError(t, err)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"abc","result":{"taskSlug":"fix-build"}}`, string(data))
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(3, CodePoolAtCapacity, "agent pool at capacity")

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":3,"error":{"code":-32003,"message":"agent pool at capacity"}}`, string(data))
}

func TestNewNotification(t *testing.T) {
	n, err := NewNotification(NotifyPoolStatus, map[string]int{"size": 2})
	require.NoError(t, err)

	data, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"pool_status","params":{"size":2}}`, string(data))
}
