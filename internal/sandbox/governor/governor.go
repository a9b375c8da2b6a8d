package governor

import (
	"math"
	"sync"
	"sync/atomic"
)

// Governor holds the counters of a single sandboxed call. It is created
// fresh for every execution context and never reused.
type Governor struct {
	limits Limits

	pages        atomic.Uint32
	peakPages    atomic.Uint32
	growFailures atomic.Uint64
	fuelUsed     atomic.Uint64
	table        atomic.Uint32
	instances    atomic.Int32

	reason atomic.Int32
	fired  atomic.Bool

	mu     sync.Mutex
	hook   func(Reason)
	ticker *EpochTicker
}

// Usage is a point-in-time copy of a governor's counters.
type Usage struct {
	PagesUsed     uint32 `json:"pages_used"`
	PeakPages     uint32 `json:"peak_pages"`
	GrowFailures  uint64 `json:"grow_failures"`
	FuelUsed      uint64 `json:"fuel_used"`
	FuelRemaining uint64 `json:"fuel_remaining"`
	TableElements uint32 `json:"table_elements"`
	Reason        Reason `json:"reason"`
}

// New returns a governor enforcing limits.
func New(limits Limits) *Governor {
	return &Governor{limits: limits}
}

// Limits returns the envelope the governor enforces.
func (g *Governor) Limits() Limits {
	return g.limits
}

// CheckAndRecord allows a growth from current to desired pages iff desired
// stays within the ceiling, and records it when allowed. The desired-current
// pages are applied atomically on top of the live counter, so concurrent
// requests made against the same current value serialize. desired ==
// current always succeeds; desired < current is not a growth and is denied.
func (g *Governor) CheckAndRecord(current, desired uint64) bool {
	if desired < current {
		g.growFailures.Add(1)
		return false
	}
	_, ok := g.GrowMemory(desired - current)
	return ok
}

// GrowMemory grows the page counter by delta and returns the previous size.
// A zero delta always succeeds. Growth past the ceiling, or past what the
// counter can represent, is denied without aborting the call.
func (g *Governor) GrowMemory(delta uint64) (uint32, bool) {
	for {
		cur := g.pages.Load()
		if delta == 0 {
			return cur, true
		}
		if delta > uint64(math.MaxUint32-cur) {
			g.growFailures.Add(1)
			return cur, false
		}
		next := cur + uint32(delta)
		if next > g.limits.MemoryPages {
			g.growFailures.Add(1)
			return cur, false
		}
		if g.pages.CompareAndSwap(cur, next) {
			g.raisePeak(next)
			return cur, true
		}
	}
}

func (g *Governor) raisePeak(pages uint32) {
	for {
		peak := g.peakPages.Load()
		if pages <= peak || g.peakPages.CompareAndSwap(peak, pages) {
			return
		}
	}
}

// Pages returns the current page count.
func (g *Governor) Pages() uint32 {
	return g.pages.Load()
}

// GrowTable grows the guest handle table by delta elements.
func (g *Governor) GrowTable(delta uint64) (uint32, bool) {
	for {
		cur := g.table.Load()
		if delta == 0 {
			return cur, true
		}
		if delta > uint64(math.MaxUint32-cur) || cur+uint32(delta) > g.limits.MaxTableElements {
			return cur, false
		}
		if g.table.CompareAndSwap(cur, cur+uint32(delta)) {
			return cur, true
		}
	}
}

// AcquireInstance counts one more component instance living in the context.
func (g *Governor) AcquireInstance() error {
	for {
		cur := g.instances.Load()
		if cur >= 0 && uint32(cur) >= g.limits.MaxInstances {
			g.Trip(ReasonInstances)
			return ErrInstanceLimit
		}
		if g.instances.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// ReleaseInstance undoes AcquireInstance.
func (g *Governor) ReleaseInstance() {
	if g.instances.Add(-1) < 0 {
		panic("governor: instance counter underflow")
	}
}

// Consume charges units of fuel. A charge that brings the remaining budget to
// zero, or that it cannot cover, trips the governor with ReasonFuel. Once
// tripped for any reason, Consume keeps returning that reason's error.
func (g *Governor) Consume(units uint64) error {
	if r := g.Tripped(); r != ReasonNone {
		return r.Err()
	}
	for {
		used := g.fuelUsed.Load()
		remaining := g.limits.Fuel - used
		if units > 0 && units >= remaining {
			g.fuelUsed.CompareAndSwap(used, g.limits.Fuel)
			g.Trip(ReasonFuel)
			return g.Tripped().Err()
		}
		if g.fuelUsed.CompareAndSwap(used, used+units) {
			return nil
		}
	}
}

// Remaining returns the unspent fuel.
func (g *Governor) Remaining() uint64 {
	return g.limits.Fuel - g.fuelUsed.Load()
}

// Trip records reason as the cause of the abort. Only the first trip counts.
func (g *Governor) Trip(reason Reason) {
	if reason == ReasonNone {
		return
	}
	if !g.reason.CompareAndSwap(int32(ReasonNone), int32(reason)) {
		return
	}
	g.mu.Lock()
	hook := g.hook
	g.mu.Unlock()
	g.fire(hook, reason)
}

// Tripped returns the reason the governor tripped, or ReasonNone.
func (g *Governor) Tripped() Reason {
	return Reason(g.reason.Load())
}

// OnTrip registers fn to be called once when the governor trips. If it has
// already tripped, fn runs immediately.
func (g *Governor) OnTrip(fn func(Reason)) {
	g.mu.Lock()
	g.hook = fn
	g.mu.Unlock()
	if r := g.Tripped(); r != ReasonNone {
		g.fire(fn, r)
	}
}

func (g *Governor) fire(fn func(Reason), r Reason) {
	if fn != nil && g.fired.CompareAndSwap(false, true) {
		fn(r)
	}
}

// Arm registers the governor's deadline with the ticker.
func (g *Governor) Arm(t *EpochTicker) {
	if t == nil {
		return
	}
	g.mu.Lock()
	g.ticker = t
	g.mu.Unlock()
	t.arm(g, t.ticksFor(g.limits.EpochDeadline))
}

// Disarm removes the governor from its ticker. It is safe to call more than
// once.
func (g *Governor) Disarm() {
	g.mu.Lock()
	t := g.ticker
	g.ticker = nil
	g.mu.Unlock()
	if t != nil {
		t.disarm(g)
	}
}

// Usage snapshots the counters.
func (g *Governor) Usage() Usage {
	return Usage{
		PagesUsed:     g.pages.Load(),
		PeakPages:     g.peakPages.Load(),
		GrowFailures:  g.growFailures.Load(),
		FuelUsed:      g.fuelUsed.Load(),
		FuelRemaining: g.Remaining(),
		TableElements: g.table.Load(),
		Reason:        g.Tripped(),
	}
}
