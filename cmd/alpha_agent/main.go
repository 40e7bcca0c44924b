package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/smilior/alpaca-trading/internal/ai"
	"github.com/smilior/alpaca-trading/internal/config"
	"github.com/smilior/alpaca-trading/internal/lock"
	"github.com/smilior/alpaca-trading/internal/logger"
	"github.com/smilior/alpaca-trading/internal/market/alpaca"
	"github.com/smilior/alpaca-trading/internal/metrics"
	"github.com/smilior/alpaca-trading/internal/orchestrator"
	"github.com/smilior/alpaca-trading/internal/storage"
	"github.com/smilior/alpaca-trading/internal/telegram"

	"github.com/spf13/cobra"
)

const LogFile = "agent.log"
const VersionFile = "version.latest"

// main is the entry point of the application. Each invocation runs one
// cycle and exits; scheduling is left to cron or systemd timers.
func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "alpha_agent",
		Short:         "Alpha Agent - scheduled LLM trading cycles on Alpaca paper",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/agent.yaml", "Configuration file path")

	for _, mode := range []struct{ name, short string }{
		{orchestrator.ModeEntry, "Analyze the market and open new positions"},
		{orchestrator.ModeMonitoring, "Repair stops and close expired positions"},
		{orchestrator.ModeClose, "Archive the day, back up the database and send the close report"},
	} {
		mode := mode
		rootCmd.AddCommand(&cobra.Command{
			Use:   mode.name,
			Short: mode.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCycle(configPath, mode.name)
			},
		})
	}
	rootCmd.AddCommand(newHealthCmd(&configPath))
	rootCmd.AddCommand(newResolveCmd(&configPath))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newHealthCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   orchestrator.ModeHealth,
		Short: "Check connectivity, database, disk and recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(*configPath, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				report, err := o.HealthCheck(ctx)
				if err != nil {
					return err
				}
				fmt.Println(report.Summary())
				if !report.AllOK() {
					return fmt.Errorf("%d health check(s) failed", len(report.Failed()))
				}
				return nil
			})
		},
	}
}

func newResolveCmd(configPath *string) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "resolve-breaker",
		Short: "Clear the active circuit breaker after review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(*configPath, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				n, err := o.ResolveBreaker(ctx, note)
				if err != nil {
					return err
				}
				fmt.Printf("Resolved %d breaker level(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "Why trading may resume (required)")
	cmd.MarkFlagRequired("note")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Alpha Agent %s\n", readVersion())
		},
	}
}

// runCycle runs one scheduled cycle. Cycle failures are already recorded
// and alerted, so only startup and database errors reach the exit code.
func runCycle(configPath, mode string) error {
	return withAgent(configPath, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		res, err := o.Run(ctx, mode)
		if err != nil {
			return err
		}
		if res.Reason != "" {
			log.Printf("%s finished: %s (%s)", res.ExecutionID, res.Status, res.Reason)
		} else {
			log.Printf("%s finished: %s in %s", res.ExecutionID, res.Status, res.Elapsed.Round(time.Millisecond))
		}
		return nil
	})
}

// withAgent builds every dependency from configuration, runs fn and tears
// everything down again.
func withAgent(configPath string, fn func(ctx context.Context, o *orchestrator.Orchestrator) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	rotator, err := logger.Setup(cfg.System.LogDir, LogFile, cfg.System.MaxLogSizeMB, cfg.System.MaxLogBackups)
	if err == nil {
		defer rotator.Close()
	}
	log.Printf("Alpha Agent %s starting", readVersion())

	store, err := storage.Open(storage.Options{
		Path:          cfg.System.DBPath,
		BusyTimeoutMs: cfg.System.BusyTimeoutMs,
		LogLevel:      gormLevel(cfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer store.Close()

	procLock, err := lock.New(lock.Config{
		Backend:   cfg.Lock.Backend,
		FilePath:  cfg.System.LockFilePath,
		RedisAddr: cfg.Lock.RedisAddr,
		RedisPass: os.Getenv("REDIS_PASSWORD"),
		RedisDB:   cfg.Lock.RedisDB,
		Key:       cfg.Lock.Key,
		TTL:       time.Duration(cfg.Lock.TTLSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("process lock: %w", err)
	}
	if c, ok := procLock.(io.Closer); ok {
		defer c.Close()
	}

	provider := alpaca.NewProvider(alpaca.Options{
		APIKey:             cfg.APIKeyID,
		APISecret:          cfg.APISecretKey,
		BaseURL:            cfg.APIBaseURL,
		RateLimitPerMinute: cfg.Alpaca.RateLimitPerMinute,
		RetryLimit:         cfg.Alpaca.RetryLimit,
		Timeout:            time.Duration(cfg.Alpaca.TimeoutSeconds) * time.Second,
	})

	bot := telegram.NewClient(cfg.TelegramBotToken, cfg.TelegramChatID, 0)
	deps := orchestrator.Deps{
		Config:  cfg,
		Broker:  provider,
		Data:    provider,
		Store:   store,
		Lock:    procLock,
		Alerts:  bot,
		Metrics: metrics.New(),
	}
	if bot.Configured() {
		deps.Reports = bot
	}
	if cfg.GeminiAPIKey != "" {
		deps.Engine = ai.NewClient(cfg.GeminiAPIKey, cfg.LLM.BaseURL, cfg.LLM.Model,
			ai.LoadSystemInstruction(cfg.LLM.PromptFile),
			time.Duration(cfg.System.LLMTimeoutSeconds)*time.Second)
	} else {
		log.Println("Warning: GEMINI_API_KEY not set, entry cycles will not analyze")
	}

	// Setup Signal Handling (Graceful Shutdown)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fn(ctx, orchestrator.New(deps))
}

func gormLevel(level string) string {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return "info"
	case "ERROR":
		return "error"
	}
	return "warn"
}

func readVersion() string {
	version, err := os.ReadFile(VersionFile)
	if err != nil {
		return "v0.0.0-dev"
	}
	return strings.TrimSpace(string(version))
}
