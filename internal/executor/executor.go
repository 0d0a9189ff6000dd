// Package executor serializes engine calls per thread and implements the
// intervention path: a prompt arriving while the thread is busy interrupts
// the running call and executes right after it.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"lookout/bot/internal/engine"
)

// Task is one prompt to run on a thread, together with the callbacks that
// belong to the triggering message.
type Task struct {
	ThreadTS    string
	Prompt      string
	MsgTS       string
	SessionID   string
	Role        engine.Role
	UserMessage string

	// OnProgress and OnCompact are forwarded to the engine call.
	OnProgress func(text string)
	OnCompact  func(trigger, message string)

	// OnResult observes the outcome before presentation (memory pipeline,
	// session bookkeeping). Optional.
	OnResult func(res *engine.Result)

	// Present renders the outcome to the transport. Optional.
	Present func(ctx context.Context, res *engine.Result)
}

// Executor runs tasks against the engine, strictly serial per thread.
type Executor struct {
	runner        engine.Runner
	interventions *InterventionManager
	logger        *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	running map[string]bool
}

// New creates an executor over the given engine runner.
func New(runner engine.Runner, interventions *InterventionManager, logger *slog.Logger) *Executor {
	return &Executor{
		runner:        runner,
		interventions: interventions,
		logger:        logger,
		locks:         make(map[string]*sync.Mutex),
		running:       make(map[string]bool),
	}
}

func (e *Executor) threadLock(threadTS string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.locks[threadTS]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[threadTS] = mu
	}
	return mu
}

// Run executes the task, or parks it as the thread's pending prompt when the
// thread is already busy. Never returns an error: failures are rendered into
// the Result handed to the task's callbacks.
func (e *Executor) Run(ctx context.Context, task Task) {
	mu := e.threadLock(task.ThreadTS)
	if !mu.TryLock() {
		// Busy: the newest prompt wins. Park it and nudge the running call.
		e.interventions.SavePending(task)
		e.interventions.FireInterrupt(task.ThreadTS)
		e.logger.Info("prompt parked for intervention", "thread_ts", task.ThreadTS, "msg_ts", task.MsgTS)
		// The holder may have drained its queue and started exiting between
		// our TryLock and the save; take over if the lock is free again.
		if !mu.TryLock() {
			return
		}
		next, ok := e.interventions.PopPending(task.ThreadTS)
		if !ok {
			mu.Unlock()
			return
		}
		task = next
	}

	for {
		e.setRunning(task.ThreadTS, true)
		cur := task
		for {
			res := e.invoke(ctx, cur)
			if cur.OnResult != nil {
				cur.OnResult(res)
			}
			if cur.Present != nil {
				cur.Present(ctx, res)
			}

			next, ok := e.interventions.PopPending(cur.ThreadTS)
			if !ok {
				break
			}
			// The popped prompt carries its own callbacks; the interrupted
			// message's placeholder was already resolved above.
			cur = next
		}
		e.setRunning(task.ThreadTS, false)
		mu.Unlock()

		// A prompt parked between the final pop above and the unlock would
		// otherwise sit unowned until an unrelated message arrived. Re-check;
		// a failed TryLock means a newer call owns the thread and will drain.
		if !mu.TryLock() {
			return
		}
		next, ok := e.interventions.PopPending(task.ThreadTS)
		if !ok {
			mu.Unlock()
			return
		}
		task = next
	}
}

// invoke performs one engine call, translating transport errors into failed
// Results so callers never see an error value.
func (e *Executor) invoke(ctx context.Context, task Task) *engine.Result {
	res, err := e.runner.Run(ctx, engine.Request{
		ThreadTS:   task.ThreadTS,
		Prompt:     task.Prompt,
		SessionID:  task.SessionID,
		Role:       task.Role,
		OnProgress: task.OnProgress,
		OnCompact:  task.OnCompact,
	})
	if err == nil {
		return res
	}

	e.logger.Error("engine call failed", "thread_ts", task.ThreadTS, "error", err)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return &engine.Result{Error: "engine not found"}
	case errors.Is(err, engine.ErrTimeout):
		return &engine.Result{Error: "timeout"}
	case errors.Is(err, context.Canceled):
		return &engine.Result{Interrupted: true}
	default:
		return &engine.Result{Error: err.Error()}
	}
}

func (e *Executor) setRunning(threadTS string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.running[threadTS] = true
	} else {
		delete(e.running, threadTS)
	}
}

// busy reports whether the thread currently holds the execution lock.
func (e *Executor) busy(threadTS string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[threadTS]
}

// RunningCount returns the number of threads with an engine call in flight.
// The lifecycle manager refuses restarts while other sessions are running.
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}
