package governor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTickInterval is the epoch granularity used when none is configured.
const DefaultTickInterval = 10 * time.Millisecond

// EpochTicker is the process-wide epoch source. Every tick advances the epoch
// and trips armed governors whose deadline has been reached, independent of
// how much fuel they have left.
type EpochTicker struct {
	interval time.Duration
	epoch    atomic.Uint64

	mu    sync.Mutex
	armed map[*Governor]uint64
}

// NewEpochTicker returns a ticker advancing every interval.
func NewEpochTicker(interval time.Duration) *EpochTicker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &EpochTicker{
		interval: interval,
		armed:    make(map[*Governor]uint64),
	}
}

// Interval returns the tick period.
func (t *EpochTicker) Interval() time.Duration {
	return t.interval
}

// Current returns the current epoch.
func (t *EpochTicker) Current() uint64 {
	return t.epoch.Load()
}

// Armed returns the number of governors waiting on a deadline.
func (t *EpochTicker) Armed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.armed)
}

// Tick advances the epoch once and returns the new value.
func (t *EpochTicker) Tick() uint64 {
	now := t.epoch.Add(1)
	var expired []*Governor
	t.mu.Lock()
	for g, deadline := range t.armed {
		if now >= deadline {
			expired = append(expired, g)
			delete(t.armed, g)
		}
	}
	t.mu.Unlock()
	for _, g := range expired {
		g.Trip(ReasonEpoch)
	}
	return now
}

// Run ticks until ctx is done.
func (t *EpochTicker) Run(ctx context.Context) {
	tk := time.NewTicker(t.interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			t.Tick()
		}
	}
}

func (t *EpochTicker) ticksFor(d time.Duration) uint64 {
	ticks := uint64((d + t.interval - 1) / t.interval)
	if ticks == 0 {
		ticks = 1
	}
	return ticks
}

func (t *EpochTicker) arm(g *Governor, ticks uint64) {
	t.mu.Lock()
	t.armed[g] = t.epoch.Load() + ticks
	t.mu.Unlock()
}

func (t *EpochTicker) disarm(g *Governor) {
	t.mu.Lock()
	delete(t.armed, g)
	t.mu.Unlock()
}
