package vsync_test

import (
	"sync"
	"testing"
	"time"

	"codeberg.org/mynte/vsyncctl/internal/liveness"
	"codeberg.org/mynte/vsyncctl/internal/vsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingTracer struct {
	mu     sync.Mutex
	events []vsync.TraceEvent
}

func (t *recordingTracer) Trace(ev vsync.TraceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
}

func (t *recordingTracer) last() vsync.TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events[len(t.events)-1]
}

func testConfigSet() vsync.ConfigSet {
	return vsync.ConfigSet{
		Early:    vsync.Config{AppOffset: 5 * time.Millisecond, CompositorOffset: 4 * time.Millisecond},
		EarlyGpu: vsync.Config{AppOffset: 4 * time.Millisecond, CompositorOffset: 4 * time.Millisecond},
		Late:     vsync.Config{AppOffset: 2 * time.Millisecond, CompositorOffset: time.Millisecond},
	}
}

type fixture struct {
	clock    *fakeClock
	tracer   *recordingTracer
	registry *liveness.Registry
	mod      *vsync.Modulator
	set      vsync.ConfigSet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		clock:    newFakeClock(),
		tracer:   &recordingTracer{},
		registry: liveness.NewRegistry(),
		set:      testConfigSet(),
	}
	f.mod = vsync.NewModulator(f.set, f.registry,
		vsync.WithClock(f.clock.Now),
		vsync.WithTracer(f.tracer),
	)

	return f
}

func TestInitialStateIsLate(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, f.set.Late, f.mod.CurrentConfig())
	assert.False(t, f.mod.IsEarly())
}

func TestEarlyStartActivatesEarlyProfile(t *testing.T) {
	f := newFixture(t)
	token := f.registry.Register()

	cfg, changed := f.mod.SetTransactionSchedule(vsync.ScheduleEarlyStart, token)
	require.True(t, changed)
	assert.Equal(t, f.set.Early, cfg)
	assert.True(t, f.mod.IsEarly())
	assert.Equal(t, 1, f.tracer.last().PendingWakeups)
}

func TestEarlyStartIsIdempotentPerToken(t *testing.T) {
	f := newFixture(t)
	token := f.registry.Register()

	f.mod.SetTransactionSchedule(vsync.ScheduleEarlyStart, token)
	_, changed := f.mod.SetTransactionSchedule(vsync.ScheduleEarlyStart, token)
	assert.False(t, changed, "repeated EarlyStart with same schedule produces no change")
	assert.Equal(t, 1, f.tracer.last().PendingWakeups)

	// A single EarlyEnd clears the only entry.
	f.mod.SetTransactionSchedule(vsync.ScheduleEarlyEnd, token)
	assert.Equal(t, 0, f.tracer.last().PendingWakeups)
}

func TestEarlyStartWithoutTokenDoesNotTrack(t *testing.T) {
	f := newFixture(t)

	_, changed := f.mod.SetTransactionSchedule(vsync.ScheduleEarlyStart, liveness.Token{})
	assert.True(t, changed, "schedule still transitions to EarlyStart")
	assert.False(t, f.mod.IsEarly(), "EarlyStart alone is not an urgency signal")
	assert.Equal(t, 0, f.tracer.last().PendingWakeups)
}

// Scenario: a client starts and ends an urgent transaction. The classification
// must stay early through the EarlyEnd grace period and only drop back to late
// once the hardware commit is observed.
func TestEarlyEndStickyUntilCommit(t *testing.T) {
	f := newFixture(t)
	token := f.registry.Register()

	f.mod.SetTransactionSchedule(vsync.ScheduleEarlyStart, token)
	cfg, changed := f.mod.SetTransactionSchedule(vsync.ScheduleEarlyEnd, token)
	require.True(t, changed)
	assert.Equal(t, f.set.Early, cfg)

	// Neither a Late nor a new EarlyStart request may mask the pending commit.
	_, changed = f.mod.SetTransactionSchedule(vsync.ScheduleLate, liveness.Token{})
	assert.False(t, changed)
	_, changed = f.mod.SetTransactionSchedule(vsync.ScheduleEarlyStart, liveness.Token{})
	assert.False(t, changed)
	assert.True(t, f.mod.IsEarly())

	cfg, changed = f.mod.OnTransactionCommit()
	require.True(t, changed)
	// The grace window keeps the early profile for a few more frames.
	assert.Equal(t, f.set.Early, cfg)
	assert.True(t, f.mod.IsEarly())
}

func TestTransactionCommitIdempotent(t *testing.T) {
	f := newFixture(t)
	token := f.registry.Register()

	f.mod.SetTransactionSchedule(vsync.ScheduleEarlyStart, token)
	f.mod.SetTransactionSchedule(vsync.ScheduleEarlyEnd, token)

	_, changed := f.mod.OnTransactionCommit()
	assert.True(t, changed)
	_, changed = f.mod.OnTransactionCommit()
	assert.False(t, changed, "second commit with schedule already late is a no-op")
}

func TestEarlyTransactionWindowDecays(t *testing.T) {
	f := newFixture(t)
	token := f.registry.Register()

	f.mod.SetTransactionSchedule(vsync.ScheduleEarlyStart, token)
	f.mod.SetTransactionSchedule(vsync.ScheduleEarlyEnd, token)

	// Before any commit the window must not decay, regardless of refreshes.
	for i := 0; i < 5; i++ {
		_, changed := f.mod.OnDisplayRefresh(false)
		assert.False(t, changed)
	}
	assert.True(t, f.mod.IsEarly())

	f.clock.Advance(2 * vsync.MinEarlyTransactionTime)
	f.mod.OnTransactionCommit()

	for i := 0; i < vsync.MinEarlyTransactionFrames; i++ {
		assert.True(t, f.mod.IsEarly(), "window still open at frame %d", i)
		_, changed := f.mod.OnDisplayRefresh(false)
		assert.True(t, changed)
	}
	assert.False(t, f.mod.IsEarly())
	assert.Equal(t, f.set.Late, f.mod.CurrentConfig())

	// Exhausted window: no further changes, counter never goes negative.
	_, changed := f.mod.OnDisplayRefresh(false)
	assert.False(t, changed)
	assert.Equal(t, 0, f.tracer.last().EarlyTransactionFrames)
}

// Scenario: a GPU-composited frame switches to the early GPU profile, which
// decays back to late over MinEarlyGpuFrames non-GPU frames.
func TestGpuCompositionDecay(t *testing.T) {
	f := newFixture(t)

	cfg, changed := f.mod.OnDisplayRefresh(true)
	require.True(t, changed)
	assert.Equal(t, f.set.EarlyGpu, cfg)
	assert.Equal(t, vsync.MinEarlyGpuFrames, f.tracer.last().EarlyGpuFrames)

	for i := 0; i < vsync.MinEarlyGpuFrames; i++ {
		cfg, changed = f.mod.OnDisplayRefresh(false)
		require.True(t, changed)
	}
	assert.Equal(t, f.set.Late, cfg)
	assert.Equal(t, 0, f.tracer.last().EarlyGpuFrames)

	_, changed = f.mod.OnDisplayRefresh(false)
	assert.False(t, changed)
}

func TestGpuFramesResetOnEveryGpuFrame(t *testing.T) {
	f := newFixture(t)

	f.mod.OnDisplayRefresh(true)
	f.mod.OnDisplayRefresh(false)
	f.mod.OnDisplayRefresh(true)

	assert.Equal(t, vsync.MinEarlyGpuFrames, f.tracer.last().EarlyGpuFrames)
	assert.Equal(t, f.set.EarlyGpu, f.mod.CurrentConfig())
}

func TestPendingWakeupOutranksGpuSignal(t *testing.T) {
	f := newFixture(t)
	token := f.registry.Register()

	f.mod.SetTransactionSchedule(vsync.ScheduleEarlyStart, token)
	cfg, changed := f.mod.OnDisplayRefresh(true)
	require.True(t, changed)
	assert.Equal(t, f.set.Early, cfg, "urgency outranks GPU composition")
	assert.Equal(t, vsync.ConfigEarly, f.tracer.last().Config)
}

func TestRefreshRateChange(t *testing.T) {
	f := newFixture(t)

	cfg, changed := f.mod.OnRefreshRateChangeInitiated()
	require.True(t, changed)
	assert.Equal(t, f.set.Early, cfg)

	_, changed = f.mod.OnRefreshRateChangeInitiated()
	assert.False(t, changed, "initiated is idempotent")

	cfg, changed = f.mod.OnRefreshRateChangeCompleted()
	require.True(t, changed)
	assert.Equal(t, f.set.Late, cfg)

	_, changed = f.mod.OnRefreshRateChangeCompleted()
	assert.False(t, changed, "completed is idempotent")
}

// Scenario: the only requesting client dies without an EarlyEnd. The pending
// set is cleaned up but no grace window is granted.
func TestClientDeathCleansUpWithoutGraceWindow(t *testing.T) {
	f := newFixture(t)
	token := f.registry.Register()

	f.mod.SetTransactionSchedule(vsync.ScheduleEarlyStart, token)
	require.True(t, f.mod.IsEarly())

	f.registry.Kill(token)

	assert.Equal(t, 0, f.tracer.last().PendingWakeups)
	assert.Equal(t, 0, f.tracer.last().EarlyTransactionFrames, "death grants no grace window")
	// Schedule is still EarlyStart, which by itself is not urgent.
	assert.False(t, f.mod.IsEarly())
	assert.Equal(t, f.set.Late, f.mod.CurrentConfig())
}

func TestClientDeathAfterEarlyEndIsNoOp(t *testing.T) {
	f := newFixture(t)
	token := f.registry.Register()

	f.mod.SetTransactionSchedule(vsync.ScheduleEarlyStart, token)
	f.mod.SetTransactionSchedule(vsync.ScheduleEarlyEnd, token)
	events := len(f.tracer.events)

	// The watch was cancelled by the EarlyEnd; killing the registry entry
	// must not reach the modulator.
	f.registry.Kill(token)
	assert.Len(t, f.tracer.events, events)
}

func TestUnexpectedEarlyEndStillStartsGraceWindow(t *testing.T) {
	f := newFixture(t)

	// No token pending: the erase is a no-op, but the set is empty and the
	// request was EarlyEnd, so the grace window logic still applies and the
	// schedule becomes sticky until a commit.
	cfg, changed := f.mod.SetTransactionSchedule(vsync.ScheduleEarlyEnd, liveness.Token{})
	require.True(t, changed)
	assert.Equal(t, f.set.Early, cfg)
	assert.Equal(t, vsync.MinEarlyTransactionFrames, f.tracer.last().EarlyTransactionFrames)

	f.mod.OnTransactionCommit()
	f.clock.Advance(2 * vsync.MinEarlyTransactionTime)
	f.mod.OnTransactionCommit() // commit time now past the window start
	for i := 0; i < vsync.MinEarlyTransactionFrames; i++ {
		f.mod.OnDisplayRefresh(false)
	}
	assert.False(t, f.mod.IsEarly())
}

func TestEarlyEndForUnknownTokenKeepsOtherRequests(t *testing.T) {
	f := newFixture(t)
	pending := f.registry.Register()
	stranger := f.registry.Register()

	f.mod.SetTransactionSchedule(vsync.ScheduleEarlyStart, pending)
	f.mod.SetTransactionSchedule(vsync.ScheduleEarlyEnd, stranger)

	assert.Equal(t, 1, f.tracer.last().PendingWakeups, "pending request survives stranger's EarlyEnd")
	assert.True(t, f.mod.IsEarly())
	assert.Equal(t, 0, f.tracer.last().EarlyTransactionFrames, "set not empty, no grace window")
}

func TestSetConfigSetReclassifies(t *testing.T) {
	f := newFixture(t)
	token := f.registry.Register()
	f.mod.SetTransactionSchedule(vsync.ScheduleEarlyStart, token)

	swapped := vsync.ConfigSet{
		Early:    vsync.Config{AppOffset: 9 * time.Millisecond, CompositorOffset: 8 * time.Millisecond},
		EarlyGpu: vsync.Config{AppOffset: 7 * time.Millisecond, CompositorOffset: 6 * time.Millisecond},
		Late:     vsync.Config{AppOffset: 3 * time.Millisecond, CompositorOffset: 2 * time.Millisecond},
	}

	cfg := f.mod.SetConfigSet(swapped)
	assert.Equal(t, swapped.Early, cfg, "active profile follows the new set")
	assert.Equal(t, swapped.Early, f.mod.CurrentConfig())
}

func TestCountersNeverNegative(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 20; i++ {
		f.mod.OnDisplayRefresh(false)
	}
	f.mod.OnDisplayRefresh(true)
	for i := 0; i < 20; i++ {
		f.mod.OnDisplayRefresh(false)
		ev := f.tracer.last()
		assert.GreaterOrEqual(t, ev.EarlyGpuFrames, 0)
		assert.GreaterOrEqual(t, ev.EarlyTransactionFrames, 0)
	}
}

func TestConcurrentCallers(t *testing.T) {
	registry := liveness.NewRegistry()
	mod := vsync.NewModulator(testConfigSet(), registry)

	var wg sync.WaitGroup
	wg.Add(4)

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			mod.OnDisplayRefresh(i%3 == 0)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			token := registry.Register()
			mod.SetTransactionSchedule(vsync.ScheduleEarlyStart, token)
			if i%2 == 0 {
				mod.SetTransactionSchedule(vsync.ScheduleEarlyEnd, token)
			} else {
				registry.Kill(token)
			}
			mod.OnTransactionCommit()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			mod.OnRefreshRateChangeInitiated()
			mod.OnRefreshRateChangeCompleted()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			mod.CurrentConfig()
			mod.IsEarly()
		}
	}()

	wg.Wait()
}
