package agentstream

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/collabot/collabot/internal/common/config"
	"github.com/collabot/collabot/internal/common/logger"
	"go.uber.org/zap"
)

// Launcher opens agent processes. The dispatch runtime depends on this
// interface so tests can substitute scripted streams for real subprocesses.
type Launcher interface {
	Open(ctx context.Context, req OpenRequest) (Stream, error)
}

// MCPServerConfig declares one MCP server the agent should connect to.
type MCPServerConfig struct {
	Type string `json:"type"` // "http"
	URL  string `json:"url"`
}

// OpenRequest describes one agent invocation.
type OpenRequest struct {
	// WorkDir is the working directory for the process.
	WorkDir string
	// Model is passed via --model when non-empty.
	Model string
	// ResumeSession resumes a prior agent session by its session id.
	ResumeSession string
	// SystemPrompt is appended to the agent's base system prompt.
	SystemPrompt string
	// MaxTurns caps agentic turns per prompt. Zero uses the configured
	// default; negative disables the cap.
	MaxTurns int
	// MCPServers are exposed to the agent through an inline MCP config.
	MCPServers map[string]MCPServerConfig
	// Env is merged over the parent environment.
	Env map[string]string
}

type mcpConfig struct {
	Servers map[string]MCPServerConfig `json:"mcpServers"`
}

// CLILauncher spawns the agent CLI in stream-json mode.
type CLILauncher struct {
	cfg    config.AgentConfig
	logger *logger.Logger
}

// NewCLILauncher creates a launcher for the configured agent command.
func NewCLILauncher(cfg config.AgentConfig, log *logger.Logger) *CLILauncher {
	return &CLILauncher{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "agent-launcher")),
	}
}

// Open spawns the agent process and returns its stream. The process is
// placed in its own process group so that Close can tear down the agent
// together with any tool subprocesses it spawned.
func (l *CLILauncher) Open(ctx context.Context, req OpenRequest) (Stream, error) {
	args := l.buildArgs(req)

	cmd := exec.CommandContext(ctx, l.cfg.Command, args...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	cmd.Env = mergeEnv(req.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	l.logger.Debug("agent process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("command", l.cfg.Command),
		zap.String("work_dir", req.WorkDir),
		zap.String("model", req.Model),
		zap.Bool("resume", req.ResumeSession != ""))

	return newProcessStream(cmd, stdin, stdout, stderr, l.logger), nil
}

func (l *CLILauncher) buildArgs(req OpenRequest) []string {
	args := []string{"-p", "--output-format=stream-json", "--input-format=stream-json", "--verbose"}

	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeSession != "" {
		args = append(args, "--resume", req.ResumeSession)
	}
	maxTurns := req.MaxTurns
	if maxTurns == 0 {
		maxTurns = l.cfg.MaxTurns
	}
	if maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(maxTurns))
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if l.cfg.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if len(req.MCPServers) > 0 {
		// Inline JSON config; --strict-mcp-config keeps the agent from also
		// loading user-level MCP servers into orchestrated sessions.
		data, _ := json.Marshal(mcpConfig{Servers: req.MCPServers})
		args = append(args, "--mcp-config", string(data), "--strict-mcp-config")
	}

	args = append(args, l.cfg.ExtraArgs...)
	return args
}

// mergeEnv merges extra variables over the parent process environment.
func mergeEnv(env map[string]string) []string {
	if len(env) == 0 {
		return os.Environ()
	}
	base := make(map[string]string, len(os.Environ())+len(env))
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}
	for k, v := range env {
		base[k] = v
	}
	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, k+"="+v)
	}
	return merged
}
