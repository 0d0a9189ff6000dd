// Package lifecycle turns engine-requested updates and restarts into a clean
// process exit. A supervisor (systemd unit, wrapper script) distinguishes the
// two by exit code: 42 means pull the new build first, 43 means plain restart.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Supervisor-visible exit codes.
const (
	ExitUpdate  = 42
	ExitRestart = 43
)

// Kind names a lifecycle request.
type Kind string

const (
	KindUpdate  Kind = "update"
	KindRestart Kind = "restart"
)

// Manager gates lifecycle requests on session activity and triggers
// shutdown. A request is refused while other sessions have engine calls in
// flight; the caller surfaces a confirmation prompt instead.
type Manager struct {
	cancel       context.CancelFunc
	runningCount func() int
	logger       *slog.Logger

	mu       sync.Mutex
	exitCode int
}

// New creates a manager. cancel stops the service main; runningCount reports
// threads with an engine call in flight (including the requester's own).
func New(cancel context.CancelFunc, runningCount func() int, logger *slog.Logger) *Manager {
	return &Manager{cancel: cancel, runningCount: runningCount, logger: logger}
}

// Request initiates an update or restart. force skips the other-sessions
// check (used after the user confirmed). The requesting session's own engine
// call counts as one running session and is always tolerated.
func (m *Manager) Request(kind Kind, force bool) error {
	if others := m.runningCount() - 1; others > 0 && !force {
		return fmt.Errorf("%d other session(s) still running", others)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exitCode != 0 {
		return fmt.Errorf("shutdown already in progress")
	}
	switch kind {
	case KindUpdate:
		m.exitCode = ExitUpdate
	case KindRestart:
		m.exitCode = ExitRestart
	default:
		return fmt.Errorf("unknown lifecycle request %q", kind)
	}

	m.logger.Info("lifecycle request accepted", "kind", kind, "exit_code", m.exitCode)
	go m.cancel()
	return nil
}

// ExitCode returns the code main should exit with: 0 for a normal shutdown,
// 42/43 for an accepted update/restart.
func (m *Manager) ExitCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitCode
}
