package main

import (
	"context"
	"equity-signal-bot-go/internal/bot"
	"equity-signal-bot-go/internal/config"
	"equity-signal-bot-go/internal/exchange"
	"equity-signal-bot-go/internal/ledger"
	"equity-signal-bot-go/internal/logger"
	"equity-signal-bot-go/internal/metrics"
	"equity-signal-bot-go/internal/models"
	"equity-signal-bot-go/internal/persistence"
	"equity-signal-bot-go/internal/reporter"
	"equity-signal-bot-go/internal/scheduler"
	"equity-signal-bot-go/internal/statemanager"
	"equity-signal-bot-go/internal/storage"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "bot",
		Short:         "RSI/MACD signal bot for US equities",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath, envFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the scan and monitor cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			// console logger until the config says otherwise
			logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}

			log := logger.InitLogger(cfg.LogConfig)
			defer log.Sync()
			return run(cfg, log)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.json", "path to the config file (.json, .yaml)")
	cmd.Flags().StringVar(&envFile, "env", ".env", "file with APCA_API_KEY_ID / APCA_API_SECRET_KEY")
	return cmd
}

func statusCmd() *cobra.Command {
	var snapshotPath string
	var recent int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the last persisted state",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := persistence.ReadSnapshot(snapshotPath)
			if err != nil {
				return err
			}
			if state == nil {
				return fmt.Errorf("no snapshot at %s", snapshotPath)
			}
			return reporter.Render(cmd.OutOrStdout(), state, recent)
		},
	}
	cmd.Flags().StringVarP(&snapshotPath, "snapshot", "s", models.DefaultConfig().SnapshotPath, "path to the JSON state snapshot")
	cmd.Flags().IntVarP(&recent, "trades", "n", 10, "number of recent trades to list")
	return cmd
}

func run(cfg *models.Config, log *zap.Logger) error {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return errors.New("APCA_API_KEY_ID and APCA_API_SECRET_KEY must be set (market data comes from Alpaca for every venue)")
	}
	for _, p := range []string{cfg.DBPath, filepath.Dir(cfg.SnapshotPath), filepath.Dir(cfg.JournalPath)} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", p, err)
		}
	}

	// --- state ---
	primary, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return err
	}
	snapshot, err := persistence.NewFileRepository(cfg.SnapshotPath)
	if err != nil {
		primary.Close()
		return err
	}
	repo := persistence.NewMultiRepository(primary, snapshot)
	defer repo.Close()

	initial, restored, err := statemanager.LoadOrInit(repo, cfg, newBotID, log)
	if err != nil {
		return err
	}
	state := statemanager.NewStateManager(initial, repo, ledger.LimitsFromConfig(cfg), log.Named("state"))
	// write the starting point so readers see it before the first cycle
	if err := state.Commit(func(*ledger.Ledger) error { return nil }); err != nil {
		return fmt.Errorf("persist initial state: %w", err)
	}

	journal, err := storage.Open(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	// --- observability ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		m.Serve(ctx, cfg.MetricsAddr, log)
	}

	// --- venue ---
	venue := newVenue(cfg, state.GetStateSnapshot(), log)
	retrying := exchange.NewRetryingExchange(venue, exchange.RetryPolicy{
		Attempts:     cfg.RetryAttempts,
		InitialDelay: time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
		CallTimeout:  cfg.CallTimeout(),
	}, log.Named("venue"), m)

	clk := clockwork.NewRealClock()
	engine := bot.New(cfg, state, retrying, log.Named("engine"), bot.Options{
		Journal:  journal,
		Recorder: m,
		Clock:    clk,
	})

	// a fill the venue made but the state never recorded only shows up here
	if lister, ok := venue.(exchange.PositionLister); ok && restored {
		reconcileCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout())
		_, err := engine.Reconcile(reconcileCtx, lister)
		cancel()
		if err != nil {
			return err
		}
	}

	sched := scheduler.New(scheduler.Config{
		ScanInterval:    cfg.ScanInterval(),
		MonitorInterval: cfg.MonitorInterval(),
		RunOnStart:      cfg.RunScanOnStart,
	}, engine.ScanCycle, engine.MonitorCycle, clk, log.Named("scheduler"), m)

	log.Info("bot starting",
		zap.String("bot_id", initial.BotID),
		zap.Bool("restored", restored),
		zap.String("venue", cfg.Venue),
		zap.Strings("symbols", cfg.Symbols()),
	)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutdown requested, waiting for the running cycle")
	sched.Stop()
	<-sched.Done()

	final := state.GetStateSnapshot()
	s := reporter.Summarize(final)
	log.Info("bot stopped",
		zap.Int("open_positions", s.OpenPositions),
		zap.Float64("capital", s.CapitalAvailable),
		zap.Int("closed_trades", s.TotalTrades),
		zap.Bool("halted", state.Halted()),
	)
	if state.Halted() {
		return statemanager.ErrHalted
	}
	return nil
}

func newVenue(cfg *models.Config, state *models.BotState, log *zap.Logger) exchange.Exchange {
	if cfg.Venue == "alpaca" {
		log.Info("using Alpaca trading", zap.String("base_url", cfg.AlpacaBaseURL))
		return exchange.NewAlpacaExchange(cfg.APIKey, cfg.APISecret, cfg.AlpacaBaseURL, cfg.DataFeed, log.Named("alpaca"))
	}

	holdings := make(map[string]int, len(state.OpenPositions))
	for symbol, pos := range state.OpenPositions {
		holdings[symbol] = pos.Quantity
	}
	log.Info("using paper venue", zap.Float64("cash", state.CapitalAvailable), zap.Int("holdings", len(holdings)))
	data := exchange.NewAlpacaMarketData(cfg.APIKey, cfg.APISecret, cfg.DataFeed)
	return exchange.NewPaperExchange(data, cfg.BarSize, state.CapitalAvailable, holdings)
}

func newBotID() string {
	return "bot-" + uuid.NewString()
}
