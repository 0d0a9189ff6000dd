// Package engine adapts the code-executing LLM engine behind a streaming
// NDJSON protocol.
//
// Two runners are provided:
//   - Local — spawns the engine CLI as a subprocess per call
//   - Remote — POSTs to an engine HTTP service, streaming the response body
//
// Both speak the same line protocol: one JSON object per line, with init,
// assistant, result, and compact events. Non-JSON lines are collected into a
// debug trace and otherwise ignored.
package engine

import (
	"context"
	"errors"
)

// Errors surfaced by runners. Callers translate these into user-visible
// Result errors; they never propagate past the executor.
var (
	// ErrNotFound means the engine binary or service is unreachable.
	ErrNotFound = errors.New("engine not found")

	// ErrTimeout means the wait deadline expired and the engine call was
	// terminated.
	ErrTimeout = errors.New("engine call timed out")
)

// Role controls the tool surface exposed to the engine.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// viewerAllowedTools is the read-only tool surface for viewer sessions.
var viewerAllowedTools = []string{"Read", "Grep", "Glob", "WebSearch", "WebFetch"}

// viewerDeniedTools are explicitly denied for viewers even if an allowlist
// entry would cover them transitively.
var viewerDeniedTools = []string{"Bash", "Write", "Edit"}

// Usage carries the engine's token accounting for one call.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// ContextTokens returns the total context consumption for gauge rendering.
// Cache-only usage (no plain input tokens) still yields a sane value.
func (u *Usage) ContextTokens() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// Request is a single engine invocation.
type Request struct {
	ThreadTS  string // keys the call for interrupt addressing
	Prompt    string
	SessionID string // resume token; empty starts a fresh engine session
	Role      Role

	// OnProgress receives accumulated assistant text, throttled by the
	// runner to at most once per progress interval.
	OnProgress func(text string)

	// OnCompact is invoked when the engine reports a context compaction.
	// trigger is "auto" or "manual".
	OnCompact func(trigger, message string)
}

// Result is the application-level outcome of one engine call.
type Result struct {
	Success     bool
	Output      string // canonical final output, markers included
	Clean       string // Output with markers stripped
	Error       string
	SessionID   string
	Usage       *Usage
	Interrupted bool

	// Marker side effects, in source order within each kind.
	Files           []string
	Attachments     []string
	ImageGenPrompts []string
	ListRun         string
	UpdateRequested  bool
	RestartRequested bool

	// Presentation hints.
	Summary string
	Details string

	// Markers preserves source order across kinds for debugging.
	Markers []Marker

	// DebugTrace holds non-JSON stream lines, useful when the engine CLI
	// prints warnings before the first event.
	DebugTrace []string
}

// Runner executes engine calls and delivers best-effort interrupts.
type Runner interface {
	// Run executes one engine call. It returns an error only for
	// transport-level failures (ErrNotFound, ErrTimeout, context
	// cancellation); protocol-level failures come back inside Result.
	Run(ctx context.Context, req Request) (*Result, error)

	// Interrupt asks the in-flight call keyed by threadTS to stop.
	// Fire-and-forget: no error, no promptness guarantee.
	Interrupt(threadTS string)
}
