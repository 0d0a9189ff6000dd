package bridge

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"lookout/bot/internal/engine"
	"lookout/bot/internal/executor"
	"lookout/bot/internal/lifecycle"
	"lookout/bot/internal/observer"
	"lookout/bot/internal/plugin"
	"lookout/bot/internal/session"
)

var mentionRe = regexp.MustCompile(`<@[A-Z0-9]+>`)

// stripMention removes user mentions from the message text.
func stripMention(text string) string {
	return strings.TrimSpace(mentionRe.ReplaceAllString(text, ""))
}

// handleAppMention routes a direct mention into the session path.
func (b *Bot) handleAppMention(ctx context.Context, ev *slackevents.AppMentionEvent) {
	if ev.User == b.botUserID || ev.User == "" {
		return
	}
	if b.dedup.Seen("mention:" + ev.Channel + ":" + ev.TimeStamp) {
		return
	}

	threadTS := ev.ThreadTimeStamp
	isRoot := threadTS == ""
	if isRoot {
		threadTS = ev.TimeStamp
	}
	b.channels.MarkHandled(threadTS)

	text := stripMention(ev.Text)
	if b.dispatchCommand(ctx, text, ev.Channel, threadTS, ev.User) {
		return
	}

	res := b.plugins.Dispatch(ctx, plugin.HookMessage, &plugin.Event{
		ChannelID: ev.Channel,
		ThreadTS:  threadTS,
		UserID:    ev.User,
		Text:      text,
	})
	if res.Stopped {
		return
	}

	b.runPrompt(ctx, promptArgs{
		channelID: ev.Channel,
		threadTS:  threadTS,
		replyTS:   threadTS,
		msgTS:     ev.TimeStamp,
		userID:    ev.User,
		text:      text,
		isRoot:    isRoot,
		source:    session.SourceThread,
	})
}

// handleMessage routes non-mention messages: DMs into the session path,
// session-thread replies into their session, watched-channel chatter into
// the observer.
func (b *Bot) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.User == b.botUserID || ev.BotID != "" {
		// The bot's own channel posts are still observable context, but they
		// never route to sessions or commands.
		return
	}
	if ev.SubType == "message_changed" {
		b.handleMessageChanged(ctx, ev)
		return
	}
	if ev.User == "" || ev.SubType != "" {
		return
	}
	if b.dedup.Seen("message:" + ev.Channel + ":" + ev.TimeStamp) {
		return
	}

	// DMs run sessions directly; the "thread" is the DM conversation.
	if ev.ChannelType == "im" {
		b.handleDirectMessage(ctx, ev)
		return
	}

	// A reply inside a thread that already has a session continues it,
	// promoting a plain thread session to hybrid.
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		if sess := b.sessions.Get(ev.ThreadTimeStamp); sess != nil {
			b.sessions.UpdateLastSeenTS(ev.ThreadTimeStamp, ev.TimeStamp)
			b.channels.MarkHandled(ev.ThreadTimeStamp)
			b.runPrompt(ctx, promptArgs{
				channelID: ev.Channel,
				threadTS:  ev.ThreadTimeStamp,
				replyTS:   ev.ThreadTimeStamp,
				msgTS:     ev.TimeStamp,
				userID:    ev.User,
				text:      ev.Text,
				source:    session.SourceHybrid,
			})
			return
		}
	}

	b.collectForObserver(ctx, ev.Channel, observer.Message{
		TS:       ev.TimeStamp,
		User:     ev.User,
		Text:     ev.Text,
		ThreadTS: ev.ThreadTimeStamp,
	})
}

func (b *Bot) handleDirectMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	// A plain DM continues the conversation-wide session keyed by the DM
	// channel; only explicit thread replies inside the DM get their own.
	threadTS := ev.ThreadTimeStamp
	replyTS := threadTS
	if threadTS == "" {
		threadTS = ev.Channel
	}
	text := strings.TrimSpace(ev.Text)
	if b.dispatchCommand(ctx, text, ev.Channel, replyTS, ev.User) {
		return
	}
	res := b.plugins.Dispatch(ctx, plugin.HookMessage, &plugin.Event{
		ChannelID: ev.Channel,
		ThreadTS:  threadTS,
		UserID:    ev.User,
		Text:      text,
	})
	if res.Stopped {
		return
	}
	b.runPrompt(ctx, promptArgs{
		channelID: ev.Channel,
		threadTS:  threadTS,
		replyTS:   replyTS,
		msgTS:     ev.TimeStamp,
		userID:    ev.User,
		text:      text,
		source:    session.SourceHybrid,
	})
}

// handleMessageChanged re-collects an edited message for the observer; the
// session path never re-runs on edits.
func (b *Bot) handleMessageChanged(ctx context.Context, ev *slackevents.MessageEvent) {
	inner := ev.Message
	if inner == nil || inner.User == "" || inner.User == b.botUserID {
		return
	}
	if b.dedup.Seen("changed:" + ev.Channel + ":" + inner.Timestamp + ":" + ev.EventTimeStamp) {
		return
	}
	b.collectForObserver(ctx, ev.Channel, observer.Message{
		TS:       inner.Timestamp,
		User:     inner.User,
		Text:     inner.Text,
		ThreadTS: inner.ThreadTimestamp,
	})
}

func (b *Bot) collectForObserver(ctx context.Context, channelID string, msg observer.Message) {
	if !b.observing.Load() || !b.cfg.IsWatched(channelID) {
		return
	}
	due, err := b.channels.Collect(channelID, msg)
	if err != nil {
		b.logger.Error("observer collect failed", "channel", channelID, "error", err)
		return
	}
	if due {
		b.pool.Submit(func() {
			b.channels.Run(context.WithoutCancel(ctx), channelID)
		})
	}
}

func (b *Bot) dispatchCommand(ctx context.Context, text, channelID, threadTS, userID string) bool {
	reply, handled := b.router.Dispatch(ctx, text, CommandRequest{
		ChannelID: channelID,
		ThreadTS:  threadTS,
		UserID:    userID,
		IsAdmin:   b.cfg.IsAdmin(userID),
	})
	if !handled {
		return false
	}
	b.plugins.Dispatch(ctx, plugin.HookCommand, &plugin.Event{
		ChannelID: channelID,
		ThreadTS:  threadTS,
		UserID:    userID,
		Text:      text,
	})
	if reply != "" {
		if _, err := b.PostMessage(channelID, threadTS, reply); err != nil {
			b.logger.Error("command reply failed", "thread_ts", threadTS, "error", err)
		}
	}
	return true
}

type promptArgs struct {
	channelID string
	threadTS  string // session and executor key
	replyTS   string // thread to post under; empty posts at the channel top
	msgTS     string
	userID    string
	text      string
	isRoot    bool
	source    session.SourceType
}

// runPrompt creates or resumes the thread's session and hands the prompt to
// the executor. The engine call runs on its own goroutine; ordering per
// thread is the executor's job.
func (b *Bot) runPrompt(ctx context.Context, args promptArgs) {
	role := "viewer"
	if b.cfg.IsAdmin(args.userID) {
		role = "admin"
	}

	sess := b.sessions.Get(args.threadTS)
	if sess == nil {
		username := b.userName(ctx, args.userID)
		created, err := b.sessions.Create(args.threadTS, args.channelID, args.userID, username, role, args.source)
		if err != nil {
			b.logger.Error("session create failed", "thread_ts", args.threadTS, "error", err)
			return
		}
		sess = created
	} else if sess.UserID != args.userID || sess.Role != role {
		b.sessions.UpdateUser(args.threadTS, args.userID, b.userName(ctx, args.userID), role)
		sess = b.sessions.Get(args.threadTS)
	}

	opts := []slack.MsgOption{slack.MsgOptionText("🤔 생각 중…", false)}
	if args.replyTS != "" {
		opts = append(opts, slack.MsgOptionTS(args.replyTS))
	}
	_, placeholderTS, err := b.api.PostMessageContext(ctx, args.channelID, opts...)
	if err != nil {
		b.logger.Error("placeholder post failed", "thread_ts", args.threadTS, "error", err)
		return
	}

	pres := &Presentation{
		ChannelID:     args.channelID,
		ThreadTS:      args.replyTS,
		MsgTS:         args.msgTS,
		LastMsgTS:     placeholderTS,
		IsChannelRoot: args.isRoot,
	}

	inject := b.injector.Build(args.threadTS, b.channels.Context(args.channelID, args.threadTS))
	prompt := args.text
	if inject != "" {
		prompt = inject + "\n\n" + args.text
	}

	threadTS := args.threadTS
	userID := args.userID
	userMessage := args.text
	task := executor.Task{
		ThreadTS:    threadTS,
		Prompt:      prompt,
		MsgTS:       args.msgTS,
		SessionID:   sess.SessionID,
		Role:        engine.Role(sess.Role),
		UserMessage: userMessage,
		OnProgress: func(text string) {
			b.presenter.Progress(ctx, pres, text)
		},
		OnCompact: func(trigger, message string) {
			b.presenter.Compacting(ctx, pres, trigger, message)
		},
		OnResult: func(res *engine.Result) {
			b.afterResult(ctx, threadTS, userID, userMessage, pres, res)
		},
		Present: func(ctx context.Context, res *engine.Result) {
			b.presenter.Process(ctx, pres, res)
		},
	}
	go b.exec.Run(context.WithoutCancel(ctx), task)
}

// AdoptInterventionThread opens a channel-sourced session for a thread the
// observer just spoke in, so replies there continue through the session path
// instead of the judge. Wired as the observer pipeline's OnIntervention hook.
func (b *Bot) AdoptInterventionThread(channelID, threadTS, userID string) {
	if b.sessions.Get(threadTS) != nil {
		return
	}
	ctx := context.Background()
	username := userID
	if userID != "" {
		username = b.userName(ctx, userID)
	}
	if _, err := b.sessions.Create(threadTS, channelID, userID, username, "viewer", session.SourceChannel); err != nil {
		b.logger.Error("failed to adopt intervention thread", "thread_ts", threadTS, "error", err)
		return
	}
	b.channels.MarkHandled(threadTS)
	b.logger.Info("intervention thread adopted as session", "channel", channelID, "thread_ts", threadTS)
}

// afterResult updates session bookkeeping and feeds the memory pipeline.
func (b *Bot) afterResult(ctx context.Context, threadTS, userID, userMessage string, pres *Presentation, res *engine.Result) {
	if res.SessionID != "" {
		b.sessions.UpdateSessionID(threadTS, res.SessionID)
	}
	if res.Success {
		b.sessions.IncrementMessageCount(threadTS)
	}
	pres.ContextTokens = res.Usage.ContextTokens()

	if res.Success && !res.Interrupted {
		assistant := res.Clean
		b.pool.Submit(func() {
			b.mem.ObserveTurn(context.WithoutCancel(ctx), threadTS, userID, userMessage, assistant)
		})
	}
}

// registerCommands wires the built-in "!" commands.
func (b *Bot) registerCommands() {
	b.router.Register("status", false, "bot 상태 요약", func(_ context.Context, _ CommandRequest) string {
		return fmt.Sprintf("세션 %d개 활성, 연결 상태: %v, 관찰: %v",
			b.sessions.Count(), b.IsConnected(), b.observing.Load())
	})

	b.router.Register("sessions", true, "활성 세션 목록", func(_ context.Context, _ CommandRequest) string {
		active := b.sessions.ListActive()
		if len(active) == 0 {
			return "활성 세션이 없습니다."
		}
		var sb strings.Builder
		for _, s := range active {
			fmt.Fprintf(&sb, "• `%s` %s (%s, %d회, %s)\n", s.ThreadTS, s.Username, s.Role, s.MessageCount, s.SourceType)
		}
		return strings.TrimRight(sb.String(), "\n")
	})

	b.router.Register("memory", true, "장기 기억 통계", func(_ context.Context, _ CommandRequest) string {
		items, tokens := b.mem.PersistentStats()
		return fmt.Sprintf("장기 기억 %d건, 약 %d 토큰", items, tokens)
	})

	b.router.Register("plugins", true, "플러그인 관리: list | load <name> | unload <name> | reload <name>", func(ctx context.Context, req CommandRequest) string {
		if len(req.Args) == 0 || req.Args[0] == "list" {
			var sb strings.Builder
			sb.WriteString("플러그인:\n")
			loaded := make(map[string]bool)
			for _, m := range b.plugins.Loaded() {
				loaded[m.Name] = true
				fmt.Fprintf(&sb, "• %s v%s (loaded) — %s\n", m.Name, m.Version, m.Description)
			}
			for _, name := range b.plugins.Registered() {
				if !loaded[name] {
					fmt.Fprintf(&sb, "• %s (available)\n", name)
				}
			}
			return strings.TrimRight(sb.String(), "\n")
		}
		if len(req.Args) < 2 {
			return "사용법: `!plugins <load|unload|reload> <name>`"
		}
		verb, name := req.Args[0], req.Args[1]
		var err error
		switch verb {
		case "load":
			err = b.plugins.Load(ctx, name, nil)
		case "unload":
			err = b.plugins.Unload(ctx, name)
		case "reload":
			err = b.plugins.Reload(ctx, name, nil)
		default:
			return "사용법: `!plugins <load|unload|reload> <name>`"
		}
		if err != nil {
			return "❌ " + err.Error()
		}
		return fmt.Sprintf("플러그인 %s %s 완료", name, verb)
	})

	b.router.Register("observer", true, "채널 관찰 on/off", func(_ context.Context, req CommandRequest) string {
		if len(req.Args) == 0 {
			return fmt.Sprintf("관찰 상태: %v", b.observing.Load())
		}
		switch req.Args[0] {
		case "on":
			b.observing.Store(true)
			return "채널 관찰을 켰습니다."
		case "off":
			b.observing.Store(false)
			return "채널 관찰을 껐습니다."
		default:
			return "사용법: `!observer <on|off>`"
		}
	})

	b.router.Register("cleanup", true, "오래된 세션 정리", func(_ context.Context, _ CommandRequest) string {
		removed := b.sessions.CleanupOld(b.cfg.SessionMaxAgeHours)
		return fmt.Sprintf("세션 %d개 정리됨", removed)
	})

	lifecycleCmd := func(kind lifecycle.Kind, accepted string) CommandFunc {
		return func(_ context.Context, req CommandRequest) string {
			if b.lifecycle == nil {
				return "재시작 관리자가 설정되지 않았습니다."
			}
			force := len(req.Args) > 0 && req.Args[0] == "force"
			if err := b.lifecycle.Request(kind, force); err != nil {
				return fmt.Sprintf("⚠️ %s 보류: %s — `!%s force`로 강제 실행", kind, err.Error(), kind)
			}
			return accepted
		}
	}
	b.router.Register("update", true, "새 빌드로 업데이트 후 재시작 (`force`로 강제)",
		lifecycleCmd(lifecycle.KindUpdate, "업데이트 후 재시작합니다…"))
	b.router.Register("restart", true, "봇 재시작 (`force`로 강제)",
		lifecycleCmd(lifecycle.KindRestart, "재시작합니다…"))
}
