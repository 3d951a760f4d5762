package telemetry

import (
	"sync/atomic"
	"time"

	"codeberg.org/mynte/vsyncctl/internal/vsync"
)

// Counters is the hot-path trace sink for the modulator. Every field is
// updated with atomic stores so Trace never blocks the per-frame path; a
// concurrent Snapshot may observe the gauges mid-update, which is acceptable
// for diagnostics.
type Counters struct {
	configType               atomic.Int64
	pendingWakeups           atomic.Int64
	earlyTransactionFrames   atomic.Int64
	earlyGpuFrames           atomic.Int64
	refreshRateChangePending atomic.Bool
	updates                  atomic.Uint64
}

func NewCounters() *Counters {
	c := &Counters{}
	c.configType.Store(int64(vsync.ConfigLate))

	return c
}

// Trace implements vsync.Tracer.
func (c *Counters) Trace(ev vsync.TraceEvent) {
	c.configType.Store(int64(ev.Config))
	c.pendingWakeups.Store(int64(ev.PendingWakeups))
	c.earlyTransactionFrames.Store(int64(ev.EarlyTransactionFrames))
	c.earlyGpuFrames.Store(int64(ev.EarlyGpuFrames))
	c.refreshRateChangePending.Store(ev.RefreshRateChangePending)
	c.updates.Add(1)
}

// Updates returns the number of reclassifications recorded so far.
func (c *Counters) Updates() uint64 {
	return c.updates.Load()
}

// Snapshot copies the current gauge values.
func (c *Counters) Snapshot(now time.Time) *Snapshot {
	return &Snapshot{
		Timestamp:                now,
		Config:                   vsync.ConfigType(c.configType.Load()),
		PendingWakeups:           int(c.pendingWakeups.Load()),
		EarlyTransactionFrames:   int(c.earlyTransactionFrames.Load()),
		EarlyGpuFrames:           int(c.earlyGpuFrames.Load()),
		RefreshRateChangePending: c.refreshRateChangePending.Load(),
		Updates:                  c.updates.Load(),
	}
}
