package telemetry

import (
	"context"
	"time"

	"codeberg.org/mynte/vsyncctl/internal/vsync"
)

// Collector defines the core domain interface
type Collector interface {
	Record(ctx context.Context, snapshot *Snapshot) error
	Close() error
}

// Snapshot is one sampled view of the modulator's decision state.
type Snapshot struct {
	Timestamp                time.Time
	Config                   vsync.ConfigType
	PendingWakeups           int
	EarlyTransactionFrames   int
	EarlyGpuFrames           int
	RefreshRateChangePending bool
	Updates                  uint64
}
