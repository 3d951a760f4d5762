package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mynte/vsyncctl/internal/config"
	"codeberg.org/mynte/vsyncctl/internal/logger"
	"codeberg.org/mynte/vsyncctl/internal/pid"
	"codeberg.org/mynte/vsyncctl/internal/pipeline"
	"codeberg.org/mynte/vsyncctl/internal/telemetry"
	"codeberg.org/mynte/vsyncctl/internal/vsync"
)

var (
	cfg       *config.Config
	counters  *telemetry.Counters
	collector telemetry.Collector
	driver    *pipeline.Driver
)

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := pid.Write(); err != nil {
		logger.Fatal().Err(err).Msg("failed to write PID file")
	}

	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = cfg.Telemetry
	if cfg.TelemetryDB != "" {
		telemetryCfg.DBPath = cfg.TelemetryDB
	}

	var err error
	collector, err = telemetry.NewService(telemetryCfg, logger.Default())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}

	counters = telemetry.NewCounters()
	workload := pipeline.NewSimWorkload(cfg.Seed)

	driver, err = pipeline.NewDriver(configSet(), cfg.RefreshRate, workload, counters, collector)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize pipeline driver")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Duration)*time.Second)
		defer cancel()
	}
	go handleSignals(cancel)

	if err := driver.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("error in refresh loop")
	}
	cleanup()
}

func configSet() vsync.ConfigSet {
	return vsync.ConfigSet{
		Early: vsync.Config{
			AppOffset:        cfg.Offsets.Early.App,
			CompositorOffset: cfg.Offsets.Early.Compositor,
		},
		EarlyGpu: vsync.Config{
			AppOffset:        cfg.Offsets.EarlyGpu.App,
			CompositorOffset: cfg.Offsets.EarlyGpu.Compositor,
		},
		Late: vsync.Config{
			AppOffset:        cfg.Offsets.Late.App,
			CompositorOffset: cfg.Offsets.Late.Compositor,
		},
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func cleanup() {
	snapshot := counters.Snapshot(time.Now())
	logger.Info().
		Str("config_type", snapshot.Config.String()).
		Int("pending_wakeups", snapshot.PendingWakeups).
		Uint64("updates", snapshot.Updates).
		Msg("Final modulator state")

	if err := collector.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close telemetry")
	}
	if err := pid.Remove(); err != nil {
		logger.Error().Err(err).Msg("failed to remove PID file")
	}
	logger.Info().Msg("Exiting...")
}
