package engine

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Local runs the engine CLI as a subprocess, one process per call.
type Local struct {
	binary        string
	timeout       time.Duration
	mcpConfigPath string
	logger        *slog.Logger

	mu      sync.Mutex
	running map[string]*exec.Cmd // thread_ts → in-flight process
}

// NewLocal creates a subprocess runner for the given engine binary.
func NewLocal(binary string, timeout time.Duration, mcpConfigPath string, logger *slog.Logger) *Local {
	return &Local{
		binary:        binary,
		timeout:       timeout,
		mcpConfigPath: mcpConfigPath,
		logger:        logger,
		running:       make(map[string]*exec.Cmd),
	}
}

// buildArgs assembles the engine CLI invocation for one request.
func (l *Local) buildArgs(req Request) []string {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	switch req.Role {
	case RoleAdmin:
		if l.mcpConfigPath != "" {
			args = append(args, "--mcp-config", l.mcpConfigPath)
		}
	default:
		args = append(args,
			"--allowedTools", strings.Join(viewerAllowedTools, ","),
			"--disallowedTools", strings.Join(viewerDeniedTools, ","),
		)
	}
	return args
}

// Run spawns the engine process and consumes its event stream.
func (l *Local) Run(ctx context.Context, req Request) (*Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if l.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, l.binary, l.buildArgs(req)...)
	// SIGINT first so the engine can emit a final interrupted result;
	// CommandContext's default SIGKILL would swallow it.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}
	cmd.WaitDelay = 10 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	l.mu.Lock()
	l.running[req.ThreadTS] = cmd
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		if l.running[req.ThreadTS] == cmd {
			delete(l.running, req.ThreadTS)
		}
		l.mu.Unlock()
	}()

	res := consumeStream(stdout, req)
	waitErr := cmd.Wait()

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, ErrTimeout
	}
	if waitErr != nil && !res.Interrupted {
		// Interrupted runs exit non-zero after SIGINT; that is not a failure.
		l.logger.Warn("engine process exited non-zero", "thread_ts", req.ThreadTS, "error", waitErr)
	}
	return res, nil
}

// Interrupt sends SIGINT to the process bound to threadTS, if any.
// Best-effort: a missed interrupt just means the call finishes naturally.
func (l *Local) Interrupt(threadTS string) {
	l.mu.Lock()
	cmd := l.running[threadTS]
	l.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		l.logger.Debug("engine interrupt signal failed", "thread_ts", threadTS, "error", err)
	}
}

var _ Runner = (*Local)(nil)
