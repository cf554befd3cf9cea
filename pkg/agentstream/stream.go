package agentstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/collabot/collabot/internal/common/logger"
	"go.uber.org/zap"
)

const (
	// stdinGrace is how long Close waits for the process to exit on its own
	// after stdin closes before sending SIGTERM.
	stdinGrace = 2 * time.Second
	// killGrace is how long Close waits after SIGTERM before SIGKILL.
	killGrace = 2 * time.Second
	// messageBuffer smooths bursts without letting the reader run far ahead
	// of the consumer.
	messageBuffer = 64
)

// Stream is a live connection to a running agent process. Callers must drain
// Messages until it is closed, even after requesting Close, or the read loop
// can block on a full channel.
type Stream interface {
	// Messages returns decoded protocol messages in arrival order. The
	// channel is closed when the process's stdout reaches EOF.
	Messages() <-chan *Message
	// Send delivers a user prompt to the agent over stdin.
	Send(text string) error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Err reports the process exit error. Valid only after Done is closed.
	Err() error
	// Stderr returns the tail of the process's stderr output.
	Stderr() string
	// Close shuts the agent down: stdin close first, then SIGTERM to the
	// process group, then SIGKILL. Blocks until exit or ctx expiry.
	Close(ctx context.Context) error
}

// processStream is the subprocess-backed Stream produced by CLILauncher.
type processStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *logger.Logger

	msgs       chan *Message
	done       chan struct{}
	stderrTail *tailBuffer

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu      sync.Mutex
	exitErr error
}

func newProcessStream(cmd *exec.Cmd, stdin io.WriteCloser, stdout, stderr io.ReadCloser, log *logger.Logger) *processStream {
	s := &processStream{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		logger:     log,
		msgs:       make(chan *Message, messageBuffer),
		done:       make(chan struct{}),
		stderrTail: newTailBuffer(8 * 1024),
	}
	go s.run()
	return s
}

func (s *processStream) Messages() <-chan *Message { return s.msgs }

func (s *processStream) Done() <-chan struct{} { return s.done }

func (s *processStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

func (s *processStream) Stderr() string { return s.stderrTail.String() }

// Send writes a user message line to the agent's stdin.
func (s *processStream) Send(text string) error {
	msg := UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: text,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal user message: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write user message: %w", err)
	}
	return nil
}

// run drains stdout and stderr, then reaps the process. Wait must not be
// called before both pipes reach EOF.
func (s *processStream) run() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(s.stderrTail, s.stderr)
	}()

	s.readLoop()
	wg.Wait()

	err := s.cmd.Wait()
	s.mu.Lock()
	s.exitErr = err
	s.mu.Unlock()
	close(s.done)
}

func (s *processStream) readLoop() {
	defer close(s.msgs)

	scanner := bufio.NewScanner(s.stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("agentstream: skipping unparseable line",
				zap.Error(err),
				zap.Int("bytes", len(line)))
			continue
		}
		msg.Raw = append(json.RawMessage(nil), line...)
		s.msgs <- &msg
	}

	if err := scanner.Err(); err != nil {
		s.logger.Warn("agentstream: read loop ended", zap.Error(err))
	}
}

// Close performs the staged shutdown. Closing stdin lets a healthy agent
// finish its current write and exit; the signal path covers wedged ones.
// Signals go to the process group so tool subprocesses die with the agent.
func (s *processStream) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.stdin.Close()
		s.writeMu.Unlock()

		select {
		case <-s.done:
			return
		case <-time.After(stdinGrace):
		case <-ctx.Done():
		}

		s.signal(syscall.SIGTERM)

		select {
		case <-s.done:
			return
		case <-time.After(killGrace):
		case <-ctx.Done():
		}

		s.signal(syscall.SIGKILL)
	})

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *processStream) signal(sig syscall.Signal) {
	if s.cmd.Process == nil {
		return
	}
	// Kill the entire process group (negative PGID); fall back to the main
	// process if the group lookup fails.
	if pgid, err := syscall.Getpgid(s.cmd.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, sig)
	} else {
		_ = s.cmd.Process.Signal(sig)
	}
}

// tailBuffer keeps the most recent maxBytes written to it. Used to retain a
// useful stderr excerpt without unbounded memory on chatty processes.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(maxBytes int) *tailBuffer {
	return &tailBuffer{max: maxBytes}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
