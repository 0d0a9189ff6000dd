package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// CommandRequest carries the parsed invocation of a "!" command.
type CommandRequest struct {
	ChannelID string
	ThreadTS  string
	UserID    string
	IsAdmin   bool
	Args      []string
}

// CommandFunc handles one command and returns the reply text.
type CommandFunc func(ctx context.Context, req CommandRequest) string

type command struct {
	handler   CommandFunc
	adminOnly bool
	help      string
}

// Router dispatches "!"-prefixed admin commands from messages addressed to
// the bot.
type Router struct {
	mu       sync.RWMutex
	commands map[string]command
}

// NewRouter creates an empty command router with a built-in !help.
func NewRouter() *Router {
	r := &Router{commands: make(map[string]command)}
	r.Register("help", false, "show available commands", r.helpCommand)
	return r
}

// Register adds a command. Name is matched without the "!" prefix.
func (r *Router) Register(name string, adminOnly bool, help string, fn CommandFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[name] = command{handler: fn, adminOnly: adminOnly, help: help}
}

// Dispatch parses text and runs the matching command. handled is false when
// the text is not a command at all, so the caller falls through to the
// normal prompt path.
func (r *Router) Dispatch(ctx context.Context, text string, req CommandRequest) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "!") {
		return "", false
	}
	fields := strings.Fields(strings.TrimPrefix(text, "!"))
	if len(fields) == 0 {
		return "", false
	}
	name := strings.ToLower(fields[0])
	req.Args = fields[1:]

	r.mu.RLock()
	cmd, ok := r.commands[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("알 수 없는 명령어: `!%s` — `!help` 참고", name), true
	}
	if cmd.adminOnly && !req.IsAdmin {
		return "관리자 전용 명령어입니다.", true
	}
	return cmd.handler(ctx, req), true
}

func (r *Router) helpCommand(_ context.Context, req CommandRequest) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name, cmd := range r.commands {
		if cmd.adminOnly && !req.IsAdmin {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("사용 가능한 명령어:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "• `!%s` — %s\n", name, r.commands[name].help)
	}
	return strings.TrimRight(b.String(), "\n")
}
