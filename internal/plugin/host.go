package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Notifier observes plugin lifecycle events ("loaded", "unloaded"). Used by
// the transport layer to announce changes; it must never be able to crash a
// load or unload, so panics inside it are recovered.
type Notifier func(event, name string)

type loaded struct {
	plugin Plugin
	hooks  map[string]Handler
}

// Host manages plugin instances and dispatches hooks to them.
type Host struct {
	logger   *slog.Logger
	notifier Notifier

	mu        sync.RWMutex
	factories map[string]Factory
	plugins   map[string]*loaded
}

// NewHost creates an empty host. notifier may be nil.
func NewHost(logger *slog.Logger, notifier Notifier) *Host {
	return &Host{
		logger:    logger,
		notifier:  notifier,
		factories: make(map[string]Factory),
		plugins:   make(map[string]*loaded),
	}
}

// Register makes a plugin loadable by name. Registration is not loading.
func (h *Host) Register(name string, factory Factory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.factories[name] = factory
}

// Load instantiates and activates a registered plugin.
func (h *Host) Load(ctx context.Context, name string, config map[string]any) error {
	h.mu.Lock()
	factory, ok := h.factories[name]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("plugin %q is not registered", name)
	}
	if _, active := h.plugins[name]; active {
		h.mu.Unlock()
		return fmt.Errorf("plugin %q is already loaded", name)
	}
	h.mu.Unlock()

	p := factory()
	if err := p.OnLoad(ctx, config); err != nil {
		return fmt.Errorf("load plugin %q: %w", name, err)
	}

	h.mu.Lock()
	h.plugins[name] = &loaded{plugin: p, hooks: p.RegisterHooks()}
	h.mu.Unlock()

	h.logger.Info("plugin loaded", "plugin", name)
	h.notify("loaded", name)
	return nil
}

// Unload deactivates a loaded plugin. OnUnload errors are logged; the plugin
// is removed either way.
func (h *Host) Unload(ctx context.Context, name string) error {
	h.mu.Lock()
	l, ok := h.plugins[name]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("plugin %q is not loaded", name)
	}
	delete(h.plugins, name)
	h.mu.Unlock()

	if err := l.plugin.OnUnload(ctx); err != nil {
		h.logger.Warn("plugin unload hook failed", "plugin", name, "error", err)
	}
	h.logger.Info("plugin unloaded", "plugin", name)
	h.notify("unloaded", name)
	return nil
}

// Reload unloads then loads the plugin, giving it a fresh instance.
func (h *Host) Reload(ctx context.Context, name string, config map[string]any) error {
	if err := h.Unload(ctx, name); err != nil {
		return err
	}
	return h.Load(ctx, name, config)
}

// Loaded returns metadata for active plugins, sorted by name.
func (h *Host) Loaded() []Meta {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Meta, 0, len(h.plugins))
	for _, l := range h.plugins {
		out = append(out, l.plugin.Meta())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Registered returns the names of all loadable plugins, sorted.
func (h *Host) Registered() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.factories))
	for name := range h.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DispatchResult aggregates one hook chain's output.
type DispatchResult struct {
	// Values holds the Continue handlers' values in execution order.
	Values []any

	// Stopped is true when a handler returned Stop; later handlers did not
	// run.
	Stopped bool
}

// Dispatch runs every loaded plugin's handler for the hook, descending
// priority order (name-ascending tiebreak). A handler error or panic is
// logged and the chain continues.
func (h *Host) Dispatch(ctx context.Context, hook string, ev *Event) DispatchResult {
	type entry struct {
		name     string
		priority int
		handler  Handler
	}
	h.mu.RLock()
	var chain []entry
	for name, l := range h.plugins {
		if handler, ok := l.hooks[hook]; ok {
			chain = append(chain, entry{name: name, priority: l.plugin.Meta().Priority, handler: handler})
		}
	}
	h.mu.RUnlock()

	sort.Slice(chain, func(i, j int) bool {
		if chain[i].priority != chain[j].priority {
			return chain[i].priority > chain[j].priority
		}
		return chain[i].name < chain[j].name
	})

	ev.Hook = hook
	if ev.Metadata == nil {
		ev.Metadata = make(map[string]any)
	}
	if ev.Logger == nil {
		ev.Logger = h.logger
	}

	var res DispatchResult
	for _, e := range chain {
		result, value, err := h.call(ctx, e.name, e.handler, ev)
		if err != nil {
			h.logger.Warn("hook handler failed", "plugin", e.name, "hook", hook, "error", err)
			continue
		}
		switch result {
		case Stop:
			res.Stopped = true
			return res
		case Skip:
		default:
			res.Values = append(res.Values, value)
		}
	}
	return res
}

func (h *Host) call(ctx context.Context, name string, handler Handler, ev *Event) (result Result, value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, ev)
}

func (h *Host) notify(event, name string) {
	if h.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("plugin notifier panicked", "event", event, "plugin", name, "panic", r)
		}
	}()
	h.notifier(event, name)
}

// Shutdown dispatches on_shutdown and unloads everything.
func (h *Host) Shutdown(ctx context.Context) {
	h.Dispatch(ctx, HookShutdown, &Event{})
	for _, meta := range h.Loaded() {
		if err := h.Unload(ctx, meta.Name); err != nil {
			h.logger.Warn("shutdown unload failed", "plugin", meta.Name, "error", err)
		}
	}
}
