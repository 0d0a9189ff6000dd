// Command lookout is a Slack-resident conversational agent. It brokers
// between Slack users and a code-executing LLM engine: mentions and DMs
// become engine sessions, watched channels are summarized and occasionally
// answered autonomously, and long-term memory accumulates across sessions.
//
// The process is supervised: exit code 42 asks the supervisor to pull a new
// build before restarting, 43 asks for a plain restart.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"github.com/spf13/cobra"

	"lookout/bot/internal/bridge"
	"lookout/bot/internal/config"
	"lookout/bot/internal/engine"
	"lookout/bot/internal/executor"
	"lookout/bot/internal/lifecycle"
	"lookout/bot/internal/llm"
	"lookout/bot/internal/memory"
	"lookout/bot/internal/observer"
	"lookout/bot/internal/plugin"
	"lookout/bot/internal/session"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "lookout <command>",
	Short: "Slack-resident conversational agent",
	Long: `lookout bridges Slack and a code-executing LLM engine.

Mentions and DMs open engine sessions, watched channels feed an observation
pipeline that reacts and occasionally intervenes, and a memory pipeline
carries user facts across sessions.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBot()
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Parse()
		logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
		store, err := session.NewStore(filepath.Join(cfg.DataDir, "sessions"), logger)
		if err != nil {
			return err
		}
		for _, s := range store.ListActive() {
			fmt.Printf("%s  %-20s %-7s %-7s msgs=%d  updated=%s\n",
				s.ThreadTS, s.Username, s.Role, s.SourceType, s.MessageCount,
				s.UpdatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lookout %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBot() error {
	cfg := config.Parse()
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting lookout", "version", version, "data_dir", cfg.DataDir,
		"watch_channels", len(cfg.WatchChannels))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	api := slack.New(cfg.SlackBotToken, slack.OptionAppLevelToken(cfg.SlackAppToken))
	socket := socketmode.New(api)

	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}

	clock := clockwork.NewRealClock()
	llmClient := llm.New(cfg.AnthropicAPIKey, cfg.JudgeModel, cfg.CompressModel, logger)

	sessions, err := session.NewStore(filepath.Join(cfg.DataDir, "sessions"), logger)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	obsStore, err := observer.NewStore(filepath.Join(cfg.DataDir, "channel"), logger)
	if err != nil {
		return fmt.Errorf("channel store: %w", err)
	}
	memStore, err := memory.NewStore(filepath.Join(cfg.DataDir, "memory"), logger)
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}

	mentions := observer.NewMentionTracker(cfg.MentionTTL)
	defer mentions.Stop()
	cooldown := observer.NewCooldown(obsStore, clock, cfg.InterventionCooldown, cfg.InterventionThreshold, logger)
	reporter := bridge.NewDebugReporter(api, cfg.DebugChannel, logger)
	channels := observer.NewPipeline(obsStore, llmClient, bridge.NewSlackTransport(api),
		cooldown, mentions, reporter, observer.Config{
			PendingThreshold:    cfg.PendingThreshold,
			DigestFoldThreshold: cfg.DigestFoldThreshold,
			DigestMaxTokens:     cfg.DigestMaxTokens,
			DigestTargetTokens:  cfg.DigestTargetTokens,
			TriggerWords:        cfg.TriggerWords,
			BotUserID:           auth.UserID,
		}, clock, logger)

	var runner engine.Runner
	if cfg.EngineURL != "" {
		runner = engine.NewRemote(cfg.EngineURL, cfg.EngineTimeout, logger)
	} else {
		runner = engine.NewLocal(cfg.EngineBinary, cfg.EngineTimeout, cfg.MCPConfigPath, logger)
	}
	exec := executor.New(runner, executor.NewInterventionManager(runner.Interrupt), logger)
	lc := lifecycle.New(cancel, exec.RunningCount, logger)

	plugins := plugin.NewHost(logger, func(event, name string) {
		logger.Info("plugin event", "event", event, "plugin", name)
	})
	plugins.Register("listrun", plugin.NewListRun)
	if err := plugins.Load(ctx, "listrun", nil); err != nil {
		logger.Warn("failed to load listrun plugin", "error", err)
	}

	mem := memory.NewPipeline(memStore, llmClient, memory.PipelineConfig{
		MinTurnTokens:       cfg.MinTurnTokens,
		ReflectionThreshold: cfg.ReflectionThreshold,
		PromotionThreshold:  cfg.PromotionThreshold,
		CompactionThreshold: cfg.CompactionThreshold,
	}, logger)
	injector := memory.NewContextBuilder(memStore, cfg.InjectionBudget)

	presenter := bridge.NewPresenter(api, clock, lc, plugins, logger)

	bot := bridge.NewBot(bridge.BotConfig{
		API:       api,
		Socket:    socket,
		Config:    cfg,
		Sessions:  sessions,
		Executor:  exec,
		Channels:  channels,
		Memory:    mem,
		Injector:  injector,
		Plugins:   plugins,
		Presenter: presenter,
		Lifecycle: lc,
		Clock:     clock,
		Logger:    logger,
	})
	channels.OnIntervention = bot.AdoptInterventionThread

	startHealthServer(cfg.ListenAddr, logger)
	go runStaleSweep(ctx, channels, logger)

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bot stopped", "error", err)
		return err
	}

	if code := lc.ExitCode(); code != 0 {
		logger.Info("exiting for supervisor", "exit_code", code)
		os.Exit(code)
	}
	logger.Info("shutdown complete")
	return nil
}

// runStaleSweep periodically drains channels whose pending buffer stopped
// growing before reaching the run threshold.
func runStaleSweep(ctx context.Context, channels *observer.Pipeline, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, channelID := range channels.Stale(5 * time.Minute) {
				logger.Debug("running stale channel sweep", "channel", channelID)
				channels.Run(ctx, channelID)
			}
		case <-ctx.Done():
			return
		}
	}
}

func startHealthServer(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version": version,
			"commit":  commit,
		})
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting health server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", "error", err)
		}
	}()
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if format == "text" {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
