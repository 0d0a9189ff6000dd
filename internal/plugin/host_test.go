package plugin

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
)

type testPlugin struct {
	meta      Meta
	hooks     map[string]Handler
	loadErr   error
	loads     int
	unloads   int
	unloadErr error
}

func (p *testPlugin) Meta() Meta { return p.meta }

func (p *testPlugin) OnLoad(context.Context, map[string]any) error {
	p.loads++
	return p.loadErr
}

func (p *testPlugin) OnUnload(context.Context) error {
	p.unloads++
	return p.unloadErr
}

func (p *testPlugin) RegisterHooks() map[string]Handler { return p.hooks }

func newTestHost(t *testing.T, notifier Notifier) *Host {
	t.Helper()
	return NewHost(slog.New(slog.NewTextHandler(os.Stderr, nil)), notifier)
}

func handlerReturning(result Result, value any) Handler {
	return func(context.Context, *Event) (Result, any, error) {
		return result, value, nil
	}
}

func TestLoadUnloadLifecycle(t *testing.T) {
	var events []string
	h := newTestHost(t, func(event, name string) {
		events = append(events, event+":"+name)
	})
	p := &testPlugin{meta: Meta{Name: "demo"}}
	h.Register("demo", func() Plugin { return p })

	if err := h.Load(context.Background(), "demo", nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.loads != 1 {
		t.Errorf("loads = %d", p.loads)
	}
	if err := h.Load(context.Background(), "demo", nil); err == nil {
		t.Error("double load should fail")
	}
	if got := h.Loaded(); len(got) != 1 || got[0].Name != "demo" {
		t.Errorf("Loaded = %+v", got)
	}

	if err := h.Unload(context.Background(), "demo"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if p.unloads != 1 {
		t.Errorf("unloads = %d", p.unloads)
	}
	if len(events) != 2 || events[0] != "loaded:demo" || events[1] != "unloaded:demo" {
		t.Errorf("notifier events = %v", events)
	}
}

func TestLoadUnregisteredFails(t *testing.T) {
	h := newTestHost(t, nil)
	if err := h.Load(context.Background(), "ghost", nil); err == nil {
		t.Error("loading an unregistered plugin should fail")
	}
}

func TestLoadErrorKeepsPluginInactive(t *testing.T) {
	h := newTestHost(t, nil)
	h.Register("bad", func() Plugin { return &testPlugin{meta: Meta{Name: "bad"}, loadErr: errors.New("nope")} })
	if err := h.Load(context.Background(), "bad", nil); err == nil {
		t.Fatal("expected load error")
	}
	if got := h.Loaded(); len(got) != 0 {
		t.Errorf("Loaded = %+v, want empty", got)
	}
}

func TestReloadBuildsFreshInstance(t *testing.T) {
	h := newTestHost(t, nil)
	instances := 0
	h.Register("demo", func() Plugin {
		instances++
		return &testPlugin{meta: Meta{Name: "demo"}}
	})
	if err := h.Load(context.Background(), "demo", nil); err != nil {
		t.Fatal(err)
	}
	if err := h.Reload(context.Background(), "demo", nil); err != nil {
		t.Fatal(err)
	}
	if instances != 2 {
		t.Errorf("factory calls = %d, want 2", instances)
	}
}

func TestDispatchPriorityOrderAndValues(t *testing.T) {
	h := newTestHost(t, nil)
	var order []string
	mk := func(name string, priority int) {
		h.Register(name, func() Plugin {
			return &testPlugin{
				meta: Meta{Name: name, Priority: priority},
				hooks: map[string]Handler{
					HookMessage: func(context.Context, *Event) (Result, any, error) {
						order = append(order, name)
						return Continue, name, nil
					},
				},
			}
		})
		if err := h.Load(context.Background(), name, nil); err != nil {
			t.Fatal(err)
		}
	}
	mk("low", 1)
	mk("high", 9)
	mk("mid", 5)

	res := h.Dispatch(context.Background(), HookMessage, &Event{})
	if len(order) != 3 || order[0] != "high" || order[1] != "mid" || order[2] != "low" {
		t.Errorf("execution order = %v", order)
	}
	if len(res.Values) != 3 || res.Values[0] != "high" {
		t.Errorf("values = %v", res.Values)
	}
}

func TestDispatchStopHaltsChain(t *testing.T) {
	h := newTestHost(t, nil)
	ran := false
	h.Register("stopper", func() Plugin {
		return &testPlugin{
			meta:  Meta{Name: "stopper", Priority: 9},
			hooks: map[string]Handler{HookMessage: handlerReturning(Stop, nil)},
		}
	})
	h.Register("after", func() Plugin {
		return &testPlugin{
			meta: Meta{Name: "after", Priority: 1},
			hooks: map[string]Handler{
				HookMessage: func(context.Context, *Event) (Result, any, error) {
					ran = true
					return Continue, nil, nil
				},
			},
		}
	})
	for _, name := range []string{"stopper", "after"} {
		if err := h.Load(context.Background(), name, nil); err != nil {
			t.Fatal(err)
		}
	}

	res := h.Dispatch(context.Background(), HookMessage, &Event{})
	if !res.Stopped {
		t.Error("Stopped should be set")
	}
	if ran {
		t.Error("handlers after Stop must not run")
	}
}

func TestDispatchSkipOmitsValue(t *testing.T) {
	h := newTestHost(t, nil)
	h.Register("skipper", func() Plugin {
		return &testPlugin{
			meta:  Meta{Name: "skipper", Priority: 9},
			hooks: map[string]Handler{HookMessage: handlerReturning(Skip, "hidden")},
		}
	})
	h.Register("normal", func() Plugin {
		return &testPlugin{
			meta:  Meta{Name: "normal", Priority: 1},
			hooks: map[string]Handler{HookMessage: handlerReturning(Continue, "seen")},
		}
	})
	for _, name := range []string{"skipper", "normal"} {
		if err := h.Load(context.Background(), name, nil); err != nil {
			t.Fatal(err)
		}
	}

	res := h.Dispatch(context.Background(), HookMessage, &Event{})
	if len(res.Values) != 1 || res.Values[0] != "seen" {
		t.Errorf("values = %v", res.Values)
	}
}

func TestDispatchSurvivesPanicAndError(t *testing.T) {
	h := newTestHost(t, nil)
	h.Register("panics", func() Plugin {
		return &testPlugin{
			meta: Meta{Name: "panics", Priority: 9},
			hooks: map[string]Handler{
				HookMessage: func(context.Context, *Event) (Result, any, error) {
					panic("boom")
				},
			},
		}
	})
	h.Register("errors", func() Plugin {
		return &testPlugin{
			meta: Meta{Name: "errors", Priority: 5},
			hooks: map[string]Handler{
				HookMessage: func(context.Context, *Event) (Result, any, error) {
					return Continue, nil, errors.New("bad")
				},
			},
		}
	})
	h.Register("healthy", func() Plugin {
		return &testPlugin{
			meta:  Meta{Name: "healthy", Priority: 1},
			hooks: map[string]Handler{HookMessage: handlerReturning(Continue, "ok")},
		}
	})
	for _, name := range []string{"panics", "errors", "healthy"} {
		if err := h.Load(context.Background(), name, nil); err != nil {
			t.Fatal(err)
		}
	}

	res := h.Dispatch(context.Background(), HookMessage, &Event{})
	if len(res.Values) != 1 || res.Values[0] != "ok" {
		t.Errorf("values = %v, a panic or error must not abort other handlers", res.Values)
	}
}

func TestNotifierPanicDoesNotCrashLoad(t *testing.T) {
	h := newTestHost(t, func(string, string) { panic("notifier bug") })
	h.Register("demo", func() Plugin { return &testPlugin{meta: Meta{Name: "demo"}} })
	if err := h.Load(context.Background(), "demo", nil); err != nil {
		t.Fatalf("Load must survive a panicking notifier: %v", err)
	}
	if err := h.Unload(context.Background(), "demo"); err != nil {
		t.Fatalf("Unload must survive a panicking notifier: %v", err)
	}
}

func TestShutdownUnloadsEverything(t *testing.T) {
	h := newTestHost(t, nil)
	p := &testPlugin{meta: Meta{Name: "demo"}}
	h.Register("demo", func() Plugin { return p })
	if err := h.Load(context.Background(), "demo", nil); err != nil {
		t.Fatal(err)
	}
	h.Shutdown(context.Background())
	if p.unloads != 1 {
		t.Errorf("unloads = %d", p.unloads)
	}
	if got := h.Loaded(); len(got) != 0 {
		t.Errorf("Loaded = %+v", got)
	}
}

func TestListRunResolvesPrompts(t *testing.T) {
	p := NewListRun()
	config := map[string]any{
		"runs": map[string]any{
			"deploy": []any{"run the deploy checklist", "report the result"},
		},
	}
	if err := p.OnLoad(context.Background(), config); err != nil {
		t.Fatalf("OnLoad: %v", err)
	}
	handler := p.RegisterHooks()[HookCommand]

	result, value, err := handler(context.Background(), &Event{Command: "listrun", Args: []string{"deploy"}})
	if err != nil || result != Continue {
		t.Fatalf("result = %v, err = %v", result, err)
	}
	prompts, ok := value.([]string)
	if !ok || len(prompts) != 2 || prompts[0] != "run the deploy checklist" {
		t.Errorf("prompts = %v", value)
	}

	if result, _, err := handler(context.Background(), &Event{Command: "listrun", Args: []string{"ghost"}}); result != Skip || err == nil {
		t.Errorf("unknown run: result = %v, err = %v", result, err)
	}
	if result, _, _ := handler(context.Background(), &Event{Command: "other"}); result != Skip {
		t.Errorf("unrelated command: result = %v", result)
	}
}
