package agentstream

import (
	"context"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabot/collabot/internal/common/config"
	"github.com/collabot/collabot/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func startShellStream(t *testing.T, script string) *processStream {
	t.Helper()
	cmd := exec.Command("sh", "-c", script)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	stderr, err := cmd.StderrPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	return newProcessStream(cmd, stdin, stdout, stderr, newTestLogger(t))
}

func collectMessages(t *testing.T, s Stream) []*Message {
	t.Helper()
	var msgs []*Message
	timeout := time.After(10 * time.Second)
	for {
		select {
		case msg, ok := <-s.Messages():
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		case <-timeout:
			t.Fatal("timed out waiting for stream to close")
		}
	}
}

func TestProcessStreamReadsMessages(t *testing.T) {
	script := `printf '%s\n' \
'{"type":"system","subtype":"init","session_id":"sess-1","model":"claude-sonnet-4-5"}' \
'not json at all' \
'' \
'{"type":"result","subtype":"success","result":"done","cost_usd":0.12,"num_turns":3}'`
	s := startShellStream(t, script)

	msgs := collectMessages(t, s)
	require.Len(t, msgs, 2, "garbage and blank lines should be skipped")

	assert.Equal(t, MessageTypeSystem, msgs[0].Type)
	assert.Equal(t, SystemSubtypeInit, msgs[0].Subtype)
	assert.Equal(t, "sess-1", msgs[0].SessionID)
	assert.Equal(t, "claude-sonnet-4-5", msgs[0].Model)

	assert.Equal(t, MessageTypeResult, msgs[1].Type)
	assert.Equal(t, "done", msgs[1].ResultText())
	assert.InDelta(t, 0.12, msgs[1].CostUSD, 1e-9)
	assert.Equal(t, 3, msgs[1].NumTurns)
	assert.NotEmpty(t, msgs[1].Raw)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.NoError(t, s.Err())
}

func TestProcessStreamSendRoundTrip(t *testing.T) {
	// cat echoes the user message line straight back to stdout.
	s := startShellStream(t, "cat")

	require.NoError(t, s.Send("hello agent"))

	select {
	case msg, ok := <-s.Messages():
		require.True(t, ok)
		assert.Equal(t, MessageTypeUser, msg.Type)
		require.NotNil(t, msg.Message)
		require.Len(t, msg.Message.Content, 1)
		assert.Equal(t, "hello agent", msg.Message.Content[0].Text)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed message")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
}

func TestProcessStreamCloseKillsStuckProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping signal escalation test in short mode")
	}
	// sleep never reads stdin, so Close has to escalate to SIGTERM.
	s := startShellStream(t, "sleep 60")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, s.Close(ctx))
	assert.Less(t, time.Since(start), 10*time.Second)

	collectMessages(t, s)
	assert.Error(t, s.Err(), "killed process should report a non-zero exit")
}

func TestProcessStreamCapturesStderr(t *testing.T) {
	s := startShellStream(t, "echo 'boom: missing credential' 1>&2")

	collectMessages(t, s)
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Contains(t, s.Stderr(), "boom: missing credential")
}

func TestTailBufferKeepsTail(t *testing.T) {
	b := newTailBuffer(8)
	_, err := b.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, "89abcdef", b.String())

	_, err = b.Write([]byte("XY"))
	require.NoError(t, err)
	assert.Equal(t, "abcdefXY", b.String())
}

func TestBuildArgs(t *testing.T) {
	l := NewCLILauncher(config.AgentConfig{
		Command:         "claude",
		MaxTurns:        40,
		SkipPermissions: true,
		ExtraArgs:       []string{"--fallback-model", "claude-haiku-4-5"},
	}, newTestLogger(t))

	args := l.buildArgs(OpenRequest{
		Model:         "claude-opus-4-5",
		ResumeSession: "sess-9",
		SystemPrompt:  "You are the worker.",
		MCPServers: map[string]MCPServerConfig{
			"collabot": {Type: "http", URL: "http://127.0.0.1:7701/rpc/full"},
		},
	})

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-p --output-format=stream-json --input-format=stream-json --verbose")
	assert.Contains(t, joined, "--model claude-opus-4-5")
	assert.Contains(t, joined, "--resume sess-9")
	assert.Contains(t, joined, "--max-turns 40")
	assert.Contains(t, joined, "--append-system-prompt You are the worker.")
	assert.Contains(t, joined, "--dangerously-skip-permissions")
	assert.Contains(t, joined, "--strict-mcp-config")
	assert.Contains(t, joined, `"collabot":{"type":"http","url":"http://127.0.0.1:7701/rpc/full"}`)
	assert.Contains(t, joined, "--fallback-model claude-haiku-4-5")
}

func TestBuildArgsMaxTurnsOverride(t *testing.T) {
	l := NewCLILauncher(config.AgentConfig{Command: "claude", MaxTurns: 40}, newTestLogger(t))

	args := l.buildArgs(OpenRequest{MaxTurns: -1})
	assert.NotContains(t, strings.Join(args, " "), "--max-turns")

	args = l.buildArgs(OpenRequest{MaxTurns: 5})
	assert.Contains(t, strings.Join(args, " "), "--max-turns 5")
}
