package pipeline

import (
	"math/rand"
	"time"

	"codeberg.org/mynte/vsyncctl/internal/liveness"
	"codeberg.org/mynte/vsyncctl/internal/vsync"
)

const (
	spawnChance      = 0.08
	vanishChance     = 0.05
	gpuBurstChance   = 0.03
	rateSwitchChance = 0.005
)

// simClient is one in-flight client transaction. It queues its batch for a few
// frames (EarlyStart..EarlyEnd), then commits a few frames later. A small
// fraction of clients vanish mid-transaction to exercise the liveness path.
type simClient struct {
	token             liveness.Token
	framesUntilQueued int
	framesUntilCommit int
	vanishes          bool
}

// SimWorkload is a seeded synthetic compositor workload. The same seed
// produces the same event sequence, which makes soak runs reproducible.
type SimWorkload struct {
	rng              *rand.Rand
	clients          []*simClient
	gpuBurst         int
	rateSwitchFrames int
}

func NewSimWorkload(seed int64) *SimWorkload {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &SimWorkload{rng: rand.New(rand.NewSource(seed))}
}

// Step implements Workload.
func (w *SimWorkload) Step(mod *vsync.Modulator, registry *liveness.Registry) bool {
	if w.rng.Float64() < spawnChance {
		client := &simClient{
			token:             registry.Register(),
			framesUntilQueued: 1 + w.rng.Intn(4),
			framesUntilCommit: 1 + w.rng.Intn(3),
			vanishes:          w.rng.Float64() < vanishChance,
		}
		mod.SetTransactionSchedule(vsync.ScheduleEarlyStart, client.token)
		w.clients = append(w.clients, client)
	}

	kept := w.clients[:0]
	for _, client := range w.clients {
		if client.framesUntilQueued > 0 {
			client.framesUntilQueued--
			if client.framesUntilQueued > 0 {
				kept = append(kept, client)
				continue
			}
			if client.vanishes {
				registry.Kill(client.token)
				continue
			}
			mod.SetTransactionSchedule(vsync.ScheduleEarlyEnd, client.token)
			kept = append(kept, client)
			continue
		}

		client.framesUntilCommit--
		if client.framesUntilCommit > 0 {
			kept = append(kept, client)
			continue
		}
		mod.OnTransactionCommit()
		registry.Unregister(client.token)
	}
	w.clients = kept

	if w.rateSwitchFrames > 0 {
		w.rateSwitchFrames--
		if w.rateSwitchFrames == 0 {
			mod.OnRefreshRateChangeCompleted()
		}
	} else if w.rng.Float64() < rateSwitchChance {
		mod.OnRefreshRateChangeInitiated()
		w.rateSwitchFrames = 1 + w.rng.Intn(3)
	}

	if w.gpuBurst > 0 {
		w.gpuBurst--
		return true
	}
	if w.rng.Float64() < gpuBurstChance {
		w.gpuBurst = 3 + w.rng.Intn(27)
		return true
	}

	return false
}
