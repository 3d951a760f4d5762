package vsync

import (
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mynte/vsyncctl/internal/liveness"
	"codeberg.org/mynte/vsyncctl/internal/logger"
)

// Modulator owns the active vsync offset profile for one display pipeline.
// It is safe for concurrent use; every operation is serialized by one lock
// held only for the duration of the call. The two transaction timestamps are
// kept outside the lock (see OnDisplayRefresh).
type Modulator struct {
	now      Clock
	tracer   Tracer
	registry *liveness.Registry

	mu           sync.Mutex
	configSet    ConfigSet
	config       Config
	schedule     TransactionSchedule
	earlyWakeups map[liveness.Token]*liveness.Subscription

	earlyTransactionFrames   int
	earlyGpuFrames           int
	refreshRateChangePending bool

	// Written and read with atomic operations, deliberately outside mu.
	// The hot-path refresh callback compares the pair without locking; a
	// torn read against a concurrent writer can only delay the decay of the
	// early transaction window by a frame, never misclassify urgency.
	earlyTransactionStartTime atomic.Int64
	lastTransactionCommitTime atomic.Int64
}

// Option configures a Modulator at construction.
type Option func(*Modulator)

// WithClock replaces the monotonic time source. Tests use this to
// simulate time.
func WithClock(now Clock) Option {
	return func(m *Modulator) {
		m.now = now
	}
}

// WithTracer installs a trace sink for classification snapshots.
func WithTracer(tracer Tracer) Option {
	return func(m *Modulator) {
		m.tracer = tracer
	}
}

// NewModulator creates a modulator with the given profiles. The registry is
// used to watch the liveness of clients that request early wakeups.
func NewModulator(set ConfigSet, registry *liveness.Registry, opts ...Option) *Modulator {
	m := &Modulator{
		now:          time.Now,
		tracer:       NopTracer{},
		registry:     registry,
		configSet:    set,
		earlyWakeups: make(map[liveness.Token]*liveness.Subscription),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.mu.Lock()
	m.updateConfigLocked()
	m.mu.Unlock()

	return m
}

// SetConfigSet replaces the three stored profiles and returns the newly
// active one.
func (m *Modulator) SetConfigSet(set ConfigSet) Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.configSet = set

	return m.updateConfigLocked()
}

// SetTransactionSchedule applies a client urgency request. An EarlyStart adds
// the token to the pending early-wakeup set and watches its liveness; an
// EarlyEnd removes it. Requests without a valid token, and EarlyEnds for
// tokens that are not pending, are logged and otherwise ignored.
//
// Returns the new active profile and true if the request caused a
// reclassification. Once the stored schedule is EarlyEnd it stays EarlyEnd
// until OnTransactionCommit observes the hardware commit; intervening
// requests cannot mask a still-pending urgent transaction.
func (m *Modulator) SetTransactionSchedule(schedule TransactionSchedule, token liveness.Token) (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch schedule {
	case ScheduleEarlyStart:
		if !token.Valid() {
			logger.Warn().Msg("EarlyStart requested without a valid token")
			break
		}
		if _, ok := m.earlyWakeups[token]; ok {
			break
		}
		sub, err := m.registry.Watch(token, m.onTokenLost)
		if err != nil {
			logger.Warn().Str("token", token.String()).Err(err).Msg("EarlyStart requested for untracked client")
			break
		}
		m.earlyWakeups[token] = sub
	case ScheduleEarlyEnd:
		if sub, ok := m.earlyWakeups[token]; token.Valid() && ok {
			sub.Cancel()
			delete(m.earlyWakeups, token)
		} else {
			logger.Warn().Str("token", token.String()).Msg("Unexpected EarlyEnd")
		}
	case ScheduleLate:
		// No change to the pending set for non-explicit states.
	}

	if len(m.earlyWakeups) == 0 && schedule == ScheduleEarlyEnd {
		m.earlyTransactionFrames = MinEarlyTransactionFrames
		m.earlyTransactionStartTime.Store(m.now().UnixNano())
	}

	// An early transaction stays an early transaction.
	if schedule == m.schedule || m.schedule == ScheduleEarlyEnd {
		return Config{}, false
	}
	m.schedule = schedule

	return m.updateConfigLocked(), true
}

// OnTransactionCommit records that a transaction batch reached the hardware.
// This is the only path that clears a sticky EarlyEnd schedule.
func (m *Modulator) OnTransactionCommit() (Config, bool) {
	m.lastTransactionCommitTime.Store(m.now().UnixNano())

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.schedule == ScheduleLate {
		return Config{}, false
	}
	m.schedule = ScheduleLate

	return m.updateConfigLocked(), true
}

// OnRefreshRateChangeInitiated marks a display mode switch as in flight.
// Idempotent.
func (m *Modulator) OnRefreshRateChangeInitiated() (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refreshRateChangePending {
		return Config{}, false
	}
	m.refreshRateChangePending = true

	return m.updateConfigLocked(), true
}

// OnRefreshRateChangeCompleted clears the in-flight mode switch. Idempotent.
func (m *Modulator) OnRefreshRateChangeCompleted() (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.refreshRateChangePending {
		return Config{}, false
	}
	m.refreshRateChangePending = false

	return m.updateConfigLocked(), true
}

// OnDisplayRefresh advances the decay counters by one refresh cycle. Called
// once per vsync on the hot path.
//
// The timestamp comparison is intentionally unsynchronized with the writers:
// the early transaction window only starts decaying once a commit has been
// observed after the window began, and reading a slightly stale pair merely
// postpones the first decrement. Do not move the stamps under the lock; that
// would put the hot path behind callers performing liveness subscriptions.
func (m *Modulator) OnDisplayRefresh(usedGpuComposition bool) (Config, bool) {
	commitSeen := m.earlyTransactionStartTime.Load()+int64(MinEarlyTransactionTime) <=
		m.lastTransactionCommitTime.Load()

	m.mu.Lock()
	defer m.mu.Unlock()

	update := false
	if commitSeen && m.earlyTransactionFrames > 0 {
		m.earlyTransactionFrames--
		update = true
	}
	if usedGpuComposition {
		m.earlyGpuFrames = MinEarlyGpuFrames
		update = true
	} else if m.earlyGpuFrames > 0 {
		m.earlyGpuFrames--
		update = true
	}

	if !update {
		return Config{}, false
	}

	return m.updateConfigLocked(), true
}

// CurrentConfig returns the last computed active profile without
// reclassifying.
func (m *Modulator) CurrentConfig() Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.config
}

// IsEarly recomputes the classification without mutating any counters and
// reports whether it resolves to anything other than the late profile.
func (m *Modulator) IsEarly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.nextConfigTypeLocked() != ConfigLate
}

// onTokenLost is the liveness callback for a client that died without an
// explicit EarlyEnd. Runs on the registry notifier's goroutine.
func (m *Modulator) onTokenLost(token liveness.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.earlyWakeups[token]; !ok {
		return
	}
	delete(m.earlyWakeups, token)
	logger.Debug().Str("token", token.String()).Msg("Client lost with pending early wakeup request")

	m.updateConfigLocked()
}

// nextConfigTypeLocked classifies the current state. Any live urgency signal
// outranks the GPU composition signal, which outranks the default.
func (m *Modulator) nextConfigTypeLocked() ConfigType {
	switch {
	case len(m.earlyWakeups) > 0,
		m.schedule == ScheduleEarlyEnd,
		m.earlyTransactionFrames > 0,
		m.refreshRateChangePending:
		return ConfigEarly
	case m.earlyGpuFrames > 0:
		return ConfigEarlyGpu
	default:
		return ConfigLate
	}
}

func (m *Modulator) updateConfigLocked() Config {
	kind := m.nextConfigTypeLocked()
	switch kind {
	case ConfigEarly:
		m.config = m.configSet.Early
	case ConfigEarlyGpu:
		m.config = m.configSet.EarlyGpu
	case ConfigLate:
		m.config = m.configSet.Late
	}

	m.tracer.Trace(TraceEvent{
		Config:                   kind,
		PendingWakeups:           len(m.earlyWakeups),
		EarlyTransactionFrames:   m.earlyTransactionFrames,
		EarlyGpuFrames:           m.earlyGpuFrames,
		RefreshRateChangePending: m.refreshRateChangePending,
	})

	return m.config
}
