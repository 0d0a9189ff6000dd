package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ListRun is the built-in plugin behind the LIST_RUN marker: named prompt
// sequences the engine can ask to run. The `on_command` handler resolves a
// run name to its prompts; the caller queues them.
type ListRun struct {
	mu   sync.RWMutex
	runs map[string][]string
}

// NewListRun constructs an unloaded instance.
func NewListRun() Plugin { return &ListRun{} }

// Meta implements Plugin.
func (l *ListRun) Meta() Meta {
	return Meta{
		Name:        "listrun",
		Version:     "1.0.0",
		Description: "named prompt sequences triggered from engine output",
		Priority:    10,
	}
}

// OnLoad reads the "runs" config entry: run name → prompt list.
func (l *ListRun) OnLoad(_ context.Context, config map[string]any) error {
	runs := make(map[string][]string)
	raw, ok := config["runs"].(map[string]any)
	if !ok && config["runs"] != nil {
		return fmt.Errorf("listrun config: runs must be a map, got %T", config["runs"])
	}
	for name, v := range raw {
		list, ok := v.([]any)
		if !ok {
			return fmt.Errorf("listrun config: run %q must be a list, got %T", name, v)
		}
		prompts := make([]string, 0, len(list))
		for _, p := range list {
			s, ok := p.(string)
			if !ok {
				return fmt.Errorf("listrun config: run %q has a non-string prompt", name)
			}
			prompts = append(prompts, s)
		}
		runs[name] = prompts
	}
	l.mu.Lock()
	l.runs = runs
	l.mu.Unlock()
	return nil
}

// OnUnload implements Plugin.
func (l *ListRun) OnUnload(context.Context) error { return nil }

// RegisterHooks implements Plugin.
func (l *ListRun) RegisterHooks() map[string]Handler {
	return map[string]Handler{
		HookCommand: l.onCommand,
	}
}

func (l *ListRun) onCommand(_ context.Context, ev *Event) (Result, any, error) {
	if ev.Command != "listrun" {
		return Skip, nil, nil
	}
	if len(ev.Args) == 0 {
		return Continue, l.Names(), nil
	}
	name := ev.Args[0]
	l.mu.RLock()
	prompts, ok := l.runs[name]
	l.mu.RUnlock()
	if !ok {
		return Skip, nil, fmt.Errorf("unknown list run %q", name)
	}
	return Continue, prompts, nil
}

// Names returns the configured run names, sorted.
func (l *ListRun) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.runs))
	for name := range l.runs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
