package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabot/collabot/internal/common/config"
	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/comms"
)

// fakeBotAPI implements just enough of the Bot API for the bridge:
// getMe, getUpdates (draining a queue), sendMessage, sendChatAction.
type fakeBotAPI struct {
	mu      sync.Mutex
	updates []update
	sent    []string
	actions []string
}

func (f *fakeBotAPI) queue(u update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
}

func (f *fakeBotAPI) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeBotAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		var params map[string]any
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&params)
		}

		reply := func(result any) {
			raw, _ := json.Marshal(result)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": json.RawMessage(raw)})
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		switch method {
		case "getMe":
			reply(map[string]any{"id": 1, "is_bot": true, "username": "collabot_bot"})
		case "getUpdates":
			offset := int64(0)
			if v, ok := params["offset"].(float64); ok {
				offset = int64(v)
			}
			var pending []update
			for _, u := range f.updates {
				if u.UpdateID >= offset {
					pending = append(pending, u)
				}
			}
			reply(pending)
		case "sendMessage":
			f.sent = append(f.sent, params["text"].(string))
			reply(map[string]any{"message_id": len(f.sent)})
		case "sendChatAction":
			f.actions = append(f.actions, params["action"].(string))
			reply(true)
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "unknown method " + method})
		}
	}
}

func newTestBridge(t *testing.T) (*Provider, *fakeBotAPI) {
	t.Helper()
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	p := New(config.TelegramProviderConfig{
		Token:       "123:abc",
		ChatID:      42,
		PollTimeout: 1,
	}, log)
	p.apiURL = srv.URL
	return p, api
}

func chatUpdate(id, chatID int64, from, text string) update {
	var u update
	raw := fmt.Sprintf(`{"update_id":%d,"message":{"text":%q,"chat":{"id":%d},"from":{"id":7,"username":%q}}}`,
		id, text, chatID, from)
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		panic(err)
	}
	return u
}

func TestInboundPromptReachesHandlerAndReplies(t *testing.T) {
	p, api := newTestBridge(t)

	prompts := make(chan comms.InboundMessage, 1)
	p.OnInbound(func(ctx context.Context, msg comms.InboundMessage) comms.InboundResult {
		prompts <- msg
		return comms.InboundResult{Status: "completed", Summary: "Fixed the login bug"}
	})

	api.queue(chatUpdate(1, 42, "alice", "please fix the login bug"))
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	select {
	case msg := <-prompts:
		assert.Equal(t, "please fix the login bug", msg.Content)
		assert.Equal(t, "alice", msg.Sender)
		assert.Equal(t, "42", msg.Channel)
	case <-time.After(5 * time.Second):
		t.Fatal("inbound prompt never reached the handler")
	}

	assert.Eventually(t, func() bool {
		sent := api.sentMessages()
		return len(sent) == 1 && sent[0] == "Fixed the login bug"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestIgnoresOtherChats(t *testing.T) {
	p, api := newTestBridge(t)

	var calls int
	var mu sync.Mutex
	p.OnInbound(func(ctx context.Context, msg comms.InboundMessage) comms.InboundResult {
		mu.Lock()
		calls++
		mu.Unlock()
		return comms.InboundResult{}
	})

	api.queue(chatUpdate(1, 999, "mallory", "hello?"))
	api.queue(chatUpdate(2, 42, "alice", "hi"))
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSendSplitsLongMessages(t *testing.T) {
	p, api := newTestBridge(t)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	long := strings.Repeat("line of output\n", 600) // ~9000 chars
	require.NoError(t, p.Send(context.Background(), comms.Message{
		Type: comms.TypeResult,
		Text: long,
	}))

	sent := api.sentMessages()
	require.GreaterOrEqual(t, len(sent), 3)
	var rejoined strings.Builder
	for _, chunk := range sent {
		assert.LessOrEqual(t, len([]rune(chunk)), maxMessageRunes)
		rejoined.WriteString(chunk)
	}
	assert.Contains(t, rejoined.String(), "line of output")
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	text := strings.Repeat("a", 90) + "\n" + strings.Repeat("b", 90)
	parts := splitMessage(text, 100)
	require.Len(t, parts, 2)
	assert.Equal(t, strings.Repeat("a", 90)+"\n", parts[0])
	assert.Equal(t, strings.Repeat("b", 90), parts[1])

	assert.Equal(t, []string{"short"}, splitMessage("short", 100))
}

func TestAcceptedTypesExcludeToolUse(t *testing.T) {
	p, _ := newTestBridge(t)
	assert.False(t, comms.Accepts(p, comms.TypeToolUse))
	assert.True(t, comms.Accepts(p, comms.TypeChat))
	assert.True(t, comms.Accepts(p, comms.TypeResult))
	assert.True(t, comms.Accepts(p, comms.TypeWarning))
}

func TestStartFailsOnBadToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "Unauthorized"})
	}))
	defer srv.Close()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	p := New(config.TelegramProviderConfig{Token: "bad", ChatID: 42}, log)
	p.apiURL = srv.URL

	require.Error(t, p.Start(context.Background()))
	assert.False(t, p.Ready())
}
