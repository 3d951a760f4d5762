// Package pipeline drives the refresh loop that consumes the vsync
// modulator. The driver owns the modulator instance and hands it to all
// collaborators; there is no ambient global.
package pipeline

import (
	"context"
	"time"

	"codeberg.org/mynte/vsyncctl/internal/errors"
	"codeberg.org/mynte/vsyncctl/internal/liveness"
	"codeberg.org/mynte/vsyncctl/internal/logger"
	"codeberg.org/mynte/vsyncctl/internal/telemetry"
	"codeberg.org/mynte/vsyncctl/internal/vsync"
)

// Workload produces the per-frame activity the driver feeds the modulator:
// client transactions, refresh rate switches, GPU composition fallbacks.
type Workload interface {
	// Step advances the workload by one refresh cycle and reports whether
	// the frame used GPU composition.
	Step(mod *vsync.Modulator, registry *liveness.Registry) bool
}

type Driver struct {
	refreshRate int
	period      time.Duration
	registry    *liveness.Registry
	mod         *vsync.Modulator
	counters    *telemetry.Counters
	collector   telemetry.Collector
	workload    Workload
}

func NewDriver(
	set vsync.ConfigSet,
	refreshRate int,
	workload Workload,
	counters *telemetry.Counters,
	collector telemetry.Collector,
) (*Driver, error) {
	errFactory := errors.New()

	if refreshRate <= 0 {
		return nil, errFactory.WithData(errors.ErrInvalidRefreshRate, refreshRate)
	}

	registry := liveness.NewRegistry()
	mod := vsync.NewModulator(set, registry, vsync.WithTracer(counters))

	return &Driver{
		refreshRate: refreshRate,
		period:      time.Second / time.Duration(refreshRate),
		registry:    registry,
		mod:         mod,
		counters:    counters,
		collector:   collector,
		workload:    workload,
	}, nil
}

// Modulator exposes the owned modulator to callers that issue transaction
// schedules directly.
func (d *Driver) Modulator() *vsync.Modulator {
	return d.mod
}

// Registry exposes the client liveness registry.
func (d *Driver) Registry() *liveness.Registry {
	return d.registry
}

// Run executes the refresh loop until the context is cancelled. One telemetry
// snapshot is recorded per second of simulated refreshes; recording is
// best-effort and never stops the loop.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	logger.Info().
		Int("refresh_rate", d.refreshRate).
		Dur("period", d.period).
		Msg("Refresh loop started")

	var frame uint64
	for {
		select {
		case <-ctx.Done():
			logger.Info().Uint64("frames", frame).Msg("Refresh loop stopped")
			return nil
		case <-ticker.C:
			usedGpuComposition := d.workload.Step(d.mod, d.registry)

			if cfg, changed := d.mod.OnDisplayRefresh(usedGpuComposition); changed {
				logger.Debug().
					Dur("app_offset", cfg.AppOffset).
					Dur("compositor_offset", cfg.CompositorOffset).
					Bool("gpu_composition", usedGpuComposition).
					Msg("Vsync config updated")
			}

			frame++
			if frame%uint64(d.refreshRate) == 0 {
				snapshot := d.counters.Snapshot(time.Now())
				if err := d.collector.Record(ctx, snapshot); err != nil {
					logger.Error().Err(err).Msg("Failed to record telemetry snapshot")
				}
			}
		}
	}
}
