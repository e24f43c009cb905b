// Package main is the entry point for the orreryd daemon.
// orreryd runs the automation core: the event bus with its archive, the
// frame scheduler, the rule engine, and the routine scheduler, with an
// optional Prometheus metrics endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/orrery-sim/orrery/internal/bus"
	"github.com/orrery-sim/orrery/internal/config"
	"github.com/orrery-sim/orrery/internal/db"
	"github.com/orrery-sim/orrery/internal/eval"
	"github.com/orrery-sim/orrery/internal/logging"
	"github.com/orrery-sim/orrery/internal/models"
	"github.com/orrery-sim/orrery/internal/routines"
	"github.com/orrery-sim/orrery/internal/rules"
	"github.com/orrery-sim/orrery/internal/scheduler"
	"github.com/orrery-sim/orrery/internal/sim"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	flagConfigFile  string
	flagLogLevel    string
	flagLogFormat   string
	flagMetricsAddr string
	flagNoArchive   bool
)

var rootCmd = &cobra.Command{
	Use:   "orreryd",
	Short: "Orrery automation daemon",
	Long:  "orreryd runs the Orrery event bus, frame scheduler, rule engine, and routine scheduler.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfigFile, "config", "", "config file (default is $HOME/.config/orrery/config.yaml)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "override logging level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&flagLogFormat, "log-format", "", "override logging format (json, console)")
	rootCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "enable the Prometheus endpoint on this address")
	rootCmd.Flags().BoolVar(&flagNoArchive, "no-archive", false, "disable the SQLite event archive")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Logging.Format = flagLogFormat
	}
	if flagMetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = flagMetricsAddr
	}

	logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		EnableCaller: cfg.Logging.EnableCaller,
	})
	logger := logging.Component("orreryd")

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Msg("orreryd starting")

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Warn().Err(err).Msg("failed to create directories")
	}

	busOpts := []bus.Option{
		bus.WithCapacity(cfg.History.Capacity),
		bus.WithIndexThreshold(cfg.History.IndexThreshold),
	}

	var database *db.DB
	if !flagNoArchive {
		database, err = db.Open(ctx, cfg.DatabasePath(), cfg.Database.BusyTimeoutMs)
		if err != nil {
			return fmt.Errorf("failed to open event archive: %w", err)
		}
		defer database.Close()
		busOpts = append(busOpts, bus.WithArchiver(db.NewEventRepository(database)))
		logger.Info().Str("path", cfg.DatabasePath()).Msg("event archive enabled")
	}

	eventBus := bus.New(busOpts...)
	world := sim.NewWorld(eventBus)

	evaluator := eval.NewEvaluator(world.Resource, world.Entity, eventBus)
	executor, err := eval.NewExecutor(world.Apply, eventBus, evaluator)
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	frames := scheduler.New(scheduler.Config{
		TickInterval:   cfg.Scheduler.TickInterval,
		MaxDelta:       cfg.Scheduler.MaxDelta,
		StatsInterval:  cfg.Scheduler.StatsInterval,
		ThrottledBands: throttledBands(cfg.Scheduler.ThrottledBands),
	}, eventBus)

	engine := rules.New(eventBus, evaluator, executor, world.Entity)
	if err := engine.Attach(frames); err != nil {
		return fmt.Errorf("failed to attach rule engine: %w", err)
	}
	defer engine.Close()

	routineSched := routines.New(eventBus, evaluator, executor,
		routines.WithStabilizationDelay(cfg.Routines.StabilizationDelay))
	if err := routineSched.Initialize(frames); err != nil {
		return fmt.Errorf("failed to initialize routine scheduler: %w", err)
	}
	defer routineSched.Close()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics endpoint listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	if err := frames.Start(ctx); err != nil {
		return fmt.Errorf("failed to start frame scheduler: %w", err)
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	if err := frames.Stop(); err != nil {
		logger.Warn().Err(err).Msg("frame scheduler stop failed")
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics endpoint shutdown failed")
		}
	}

	logger.Info().Msg("orreryd stopped")
	return nil
}

func loadConfig() (*config.Config, error) {
	if flagConfigFile != "" {
		return config.LoadFromFile(flagConfigFile)
	}
	return config.LoadDefault()
}

func throttledBands(bands []int) []models.Priority {
	out := make([]models.Priority, 0, len(bands))
	for _, band := range bands {
		out = append(out, models.Priority(band))
	}
	return out
}
