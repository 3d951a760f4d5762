// Package vsync selects which vsync offset profile the display pipeline
// schedules against. The modulator tracks transient urgency signals (client
// early-wakeup requests, in-flight transactions, refresh rate switches, GPU
// composition fallback) and resolves them into one of three profiles on every
// relevant event.
package vsync

import "time"

const (
	// MinEarlyTransactionFrames is the number of refresh cycles the early
	// profile stays active after the last early transaction finished queuing.
	MinEarlyTransactionFrames = 2

	// MinEarlyGpuFrames is the number of refresh cycles the early GPU profile
	// stays active after a GPU-composited frame.
	MinEarlyGpuFrames = 2

	// MinEarlyTransactionTime is how much real time must pass between the
	// start of the early transaction window and a transaction commit before
	// the window starts decaying.
	MinEarlyTransactionTime = time.Millisecond
)

// Config is one vsync offset profile. The modulator never interprets the
// offsets; it only picks which profile is active.
type Config struct {
	AppOffset        time.Duration
	CompositorOffset time.Duration
}

// ConfigSet holds the three profiles the modulator chooses between.
type ConfigSet struct {
	Early    Config
	EarlyGpu Config
	Late     Config
}

// ConfigType identifies which member of a ConfigSet is active.
type ConfigType int

const (
	ConfigEarly ConfigType = iota
	ConfigEarlyGpu
	ConfigLate
)

func (t ConfigType) String() string {
	switch t {
	case ConfigEarly:
		return "early"
	case ConfigEarlyGpu:
		return "early_gpu"
	case ConfigLate:
		return "late"
	default:
		return "unknown"
	}
}

// TransactionSchedule is a client-declared urgency request for a batch of
// pending display state changes.
type TransactionSchedule int

const (
	// ScheduleLate is the default, non-urgent state.
	ScheduleLate TransactionSchedule = iota
	// ScheduleEarlyStart marks the beginning of an urgent window.
	ScheduleEarlyStart
	// ScheduleEarlyEnd marks that the urgent batch has been fully queued,
	// though not yet committed to hardware.
	ScheduleEarlyEnd
)

func (s TransactionSchedule) String() string {
	switch s {
	case ScheduleLate:
		return "late"
	case ScheduleEarlyStart:
		return "early_start"
	case ScheduleEarlyEnd:
		return "early_end"
	default:
		return "unknown"
	}
}

// Clock supplies the current time. Injected so tests can simulate time.
type Clock func() time.Time

// TraceEvent is a snapshot of the modulator's decision signals, emitted on
// every reclassification.
type TraceEvent struct {
	Config                   ConfigType
	PendingWakeups           int
	EarlyTransactionFrames   int
	EarlyGpuFrames           int
	RefreshRateChangePending bool
}

// Tracer receives TraceEvents as a side effect of classification.
// Implementations must be cheap and must not block; events carry no
// functional guarantees.
type Tracer interface {
	Trace(TraceEvent)
}

// NopTracer discards all events.
type NopTracer struct{}

func (NopTracer) Trace(TraceEvent) {}
