package executor

import "sync"

// InterventionManager holds at most one pending prompt per thread and fires
// best-effort interrupts at the in-flight engine call. A newer arrival
// overwrites an older pending entry: when a user sends A, B, C in quick
// succession, only C runs after A is interrupted.
type InterventionManager struct {
	interrupt func(threadTS string)

	mu      sync.Mutex
	pending map[string]Task
}

// NewInterventionManager creates a manager delivering interrupts through
// interrupt (typically engine.Runner.Interrupt).
func NewInterventionManager(interrupt func(threadTS string)) *InterventionManager {
	return &InterventionManager{
		interrupt: interrupt,
		pending:   make(map[string]Task),
	}
}

// SavePending stores the task as the thread's pending prompt, replacing any
// prior one.
func (m *InterventionManager) SavePending(task Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[task.ThreadTS] = task
}

// PopPending removes and returns the thread's pending prompt.
func (m *InterventionManager) PopPending(threadTS string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.pending[threadTS]
	if ok {
		delete(m.pending, threadTS)
	}
	return task, ok
}

// FireInterrupt asks the running engine call on the thread to stop.
// Fire-and-forget: an uninterruptible call still finishes naturally, and the
// pending entry guarantees the newer prompt runs right after.
func (m *InterventionManager) FireInterrupt(threadTS string) {
	go m.interrupt(threadTS)
}
