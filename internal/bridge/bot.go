// Package bridge provides the Slack Socket Mode front of the bot.
//
// Bot receives transport events and routes them: mentions and DMs into
// engine sessions via the executor, channel chatter into the observer
// pipeline, reactions and commands into plugin hooks. Presentation of engine
// results lives in Presenter.
//
// The implementation is split across several files:
//   - bot.go — core struct, Socket Mode event dispatch, helpers
//   - ingress.go — mention/DM/channel routing and the session prompt path
//   - commands.go — the "!" command router
//   - present.go — result presentation (placeholders, pagination, markers)
//   - reporter.go — debug channel reporter
//   - dedup.go — transport event deduplication
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"lookout/bot/internal/config"
	"lookout/bot/internal/executor"
	"lookout/bot/internal/lifecycle"
	"lookout/bot/internal/memory"
	"lookout/bot/internal/observer"
	"lookout/bot/internal/plugin"
	"lookout/bot/internal/session"
)

// Bot is the Slack Socket Mode bot.
type Bot struct {
	api    SlackAPI
	socket *socketmode.Client
	cfg    *config.Config
	logger *slog.Logger

	sessions  *session.Store
	exec      *executor.Executor
	channels  *observer.Pipeline
	mem       *memory.Pipeline
	injector  *memory.ContextBuilder
	plugins   *plugin.Host
	presenter *Presenter
	lifecycle *lifecycle.Manager
	router    *Router
	dedup     *Dedup
	clock     clockwork.Clock

	// pool bounds observer fan-out so a bursty channel cannot starve the
	// ingress loop.
	pool pond.Pool

	botUserID string
	connected atomic.Bool
	observing atomic.Bool
}

// BotConfig wires the bot's collaborators.
type BotConfig struct {
	API       SlackAPI
	Socket    *socketmode.Client
	Config    *config.Config
	Sessions  *session.Store
	Executor  *executor.Executor
	Channels  *observer.Pipeline
	Memory    *memory.Pipeline
	Injector  *memory.ContextBuilder
	Plugins   *plugin.Host
	Presenter *Presenter
	Lifecycle *lifecycle.Manager
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// NewBot creates the bot and registers its built-in commands.
func NewBot(cfg BotConfig) *Bot {
	b := &Bot{
		api:       cfg.API,
		socket:    cfg.Socket,
		cfg:       cfg.Config,
		logger:    cfg.Logger,
		sessions:  cfg.Sessions,
		exec:      cfg.Executor,
		channels:  cfg.Channels,
		mem:       cfg.Memory,
		injector:  cfg.Injector,
		plugins:   cfg.Plugins,
		presenter: cfg.Presenter,
		lifecycle: cfg.Lifecycle,
		router:    NewRouter(),
		dedup:     NewDedup(),
		clock:     cfg.Clock,
		pool:      pond.NewPool(8),
	}
	b.observing.Store(true)
	b.registerCommands()
	return b
}

// IsConnected reports the Socket Mode connection status.
func (b *Bot) IsConnected() bool {
	return b.connected.Load()
}

// Run starts the Socket Mode event loop. Blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	auth, err := b.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	b.botUserID = auth.UserID
	b.logger.Info("slack bot authenticated", "user_id", b.botUserID, "team", auth.Team)

	b.plugins.Dispatch(ctx, plugin.HookStartup, &plugin.Event{})

	go b.handleEvents(ctx)

	err = b.socket.RunContext(ctx)
	b.connected.Store(false)
	b.pool.StopAndWait()
	b.plugins.Shutdown(context.WithoutCancel(ctx))
	return err
}

func (b *Bot) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.socket.Events:
			if !ok {
				return
			}
			b.handleEvent(ctx, evt)
		}
	}
}

func (b *Bot) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.logger.Info("slack socket mode connecting")

	case socketmode.EventTypeConnected:
		b.connected.Store(true)
		b.logger.Info("slack socket mode connected")

	case socketmode.EventTypeConnectionError:
		b.connected.Store(false)
		b.logger.Error("slack socket mode connection error")

	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		b.socket.Ack(*evt.Request)
		b.handleEventsAPI(ctx, apiEvent)
	}
}

func (b *Bot) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		b.handleAppMention(ctx, ev)
	case *slackevents.MessageEvent:
		b.handleMessage(ctx, ev)
	case *slackevents.ReactionAddedEvent:
		b.handleReaction(ctx, "added", ev.User, ev.Reaction, ev.Item.Channel, ev.Item.Timestamp)
	case *slackevents.ReactionRemovedEvent:
		b.handleReaction(ctx, "removed", ev.User, ev.Reaction, ev.Item.Channel, ev.Item.Timestamp)
	}
}

func (b *Bot) handleReaction(ctx context.Context, change, user, reaction, channelID, ts string) {
	if user == b.botUserID {
		return
	}
	if b.dedup.Seen(fmt.Sprintf("reaction:%s:%s:%s:%s", change, user, reaction, ts)) {
		return
	}
	b.plugins.Dispatch(ctx, plugin.HookReaction, &plugin.Event{
		ChannelID: channelID,
		ThreadTS:  ts,
		UserID:    user,
		Reaction:  reaction,
		Metadata:  map[string]any{"change": change},
	})
}

// userName resolves a display name, falling back to the raw ID.
func (b *Bot) userName(ctx context.Context, userID string) string {
	user, err := b.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return userID
	}
	if user.RealName != "" {
		return user.RealName
	}
	if user.Name != "" {
		return user.Name
	}
	return userID
}

// PostMessage posts text, threaded when threadTS is set.
func (b *Bot) PostMessage(channelID, threadTS, text string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := b.api.PostMessageContext(context.Background(), channelID, opts...)
	return ts, err
}
