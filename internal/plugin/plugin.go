// Package plugin hosts compiled-in extensions and dispatches lifecycle hooks
// to them. Plugins intercept messages, reactions, and commands; a handler can
// pass a value down the chain, skip itself, or stop the chain entirely.
package plugin

import (
	"context"
	"log/slog"
)

// Hook names dispatched by the core.
const (
	HookStartup  = "on_startup"
	HookShutdown = "on_shutdown"
	HookMessage  = "on_message"
	HookReaction = "on_reaction"
	HookCommand  = "on_command"
)

// Result signals the dispatcher what to do after a handler executes.
type Result int

const (
	// Continue appends the handler's value and proceeds down the chain.
	Continue Result = iota

	// Skip omits this handler's value and proceeds down the chain.
	Skip

	// Stop halts the chain and marks the dispatch stopped.
	Stop
)

// Event carries the data a hook sees. Metadata is shared across the whole
// chain so handlers can communicate through a single dispatch.
type Event struct {
	Hook      string
	ChannelID string
	ThreadTS  string
	UserID    string
	Text      string

	// Command and Args are set for on_command events.
	Command string
	Args    []string

	// Reaction is set for on_reaction events (emoji name, ":"-stripped).
	Reaction string

	Metadata map[string]any
	Logger   *slog.Logger
}

// Handler is one plugin's response to one hook.
type Handler func(ctx context.Context, ev *Event) (Result, any, error)

// Meta describes a plugin.
type Meta struct {
	Name        string
	Version     string
	Description string

	// Priority orders handlers within a hook. Higher runs first.
	Priority int
}

// Plugin is the extension point. OnLoad receives the plugin's config map;
// RegisterHooks is called once after a successful OnLoad.
type Plugin interface {
	Meta() Meta
	OnLoad(ctx context.Context, config map[string]any) error
	OnUnload(ctx context.Context) error
	RegisterHooks() map[string]Handler
}

// Factory constructs a fresh plugin instance. Reload discards the old
// instance and builds a new one, so top-level state starts over.
type Factory func() Plugin
