package governor

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLimits() Limits {
	l := DefaultLimits()
	l.MemoryPages = 10
	l.Fuel = 100
	l.MaxTableElements = 4
	return l
}

func TestGrowMemoryBoundary(t *testing.T) {
	t.Parallel()

	g := New(testLimits())
	prev, ok := g.GrowMemory(10)
	require.True(t, ok, "growth to exactly the ceiling must succeed")
	require.Equal(t, uint32(0), prev)

	prev, ok = g.GrowMemory(1)
	require.False(t, ok, "one page beyond the ceiling must be denied")
	require.Equal(t, uint32(10), prev)
	require.Equal(t, uint32(10), g.Pages())
	require.Equal(t, uint64(1), g.Usage().GrowFailures)
	require.Equal(t, ReasonNone, g.Tripped(), "denied growth does not abort the call")
}

func TestGrowMemoryZeroPagesAlwaysSucceeds(t *testing.T) {
	t.Parallel()

	g := New(testLimits())
	_, ok := g.GrowMemory(10)
	require.True(t, ok)
	prev, ok := g.GrowMemory(0)
	require.True(t, ok)
	require.Equal(t, uint32(10), prev)
	require.True(t, g.CheckAndRecord(10, 10))
}

func TestCheckAndRecord(t *testing.T) {
	t.Parallel()

	limits := testLimits()
	limits.MemoryPages = 16
	g := New(limits)

	require.True(t, g.CheckAndRecord(0, 10))
	require.Equal(t, uint32(10), g.Pages())
	require.True(t, g.CheckAndRecord(10, 16), "growing exactly to the ceiling is allowed")
	require.False(t, g.CheckAndRecord(16, 17))
	require.False(t, g.CheckAndRecord(16, 8), "shrinking is not a growth")
	require.Equal(t, uint32(16), g.Pages())
	require.Equal(t, uint64(2), g.Usage().GrowFailures)
	require.Equal(t, ReasonNone, g.Tripped(), "denied growth never aborts the call")
}

func TestGrowMemoryOverflowIsDenied(t *testing.T) {
	t.Parallel()

	limits := testLimits()
	limits.MemoryPages = math.MaxUint32
	g := New(limits)
	_, ok := g.GrowMemory(5)
	require.True(t, ok)

	_, ok = g.GrowMemory(math.MaxUint32)
	require.False(t, ok)
	_, ok = g.GrowMemory(math.MaxUint64)
	require.False(t, ok)
	require.Equal(t, uint32(5), g.Pages())
	require.Equal(t, uint64(2), g.Usage().GrowFailures)
}

func TestGrowMemoryConcurrentNeverExceedsCeiling(t *testing.T) {
	t.Parallel()

	limits := testLimits()
	limits.MemoryPages = 64
	g := New(limits)

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cur := uint64(g.Pages())
			if g.CheckAndRecord(cur, cur+1) {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(64), granted.Load())
	require.Equal(t, uint32(64), g.Pages())
	require.Equal(t, uint32(64), g.Usage().PeakPages)
}

func TestConsumeTripsOnExhaustion(t *testing.T) {
	t.Parallel()

	g := New(testLimits())
	var fired []Reason
	g.OnTrip(func(r Reason) { fired = append(fired, r) })

	require.NoError(t, g.Consume(60))
	require.Equal(t, uint64(40), g.Remaining())

	err := g.Consume(41)
	require.ErrorIs(t, err, ErrFuelExhausted)
	require.ErrorIs(t, err, ErrResourceLimit)
	require.Equal(t, ReasonFuel, g.Tripped())
	require.Equal(t, uint64(0), g.Remaining())
	require.Equal(t, []Reason{ReasonFuel}, fired)

	require.ErrorIs(t, g.Consume(1), ErrFuelExhausted)
}

func TestConsumeTripsWhenFuelReachesZero(t *testing.T) {
	t.Parallel()

	g := New(testLimits())
	require.NoError(t, g.Consume(0))
	require.Equal(t, ReasonNone, g.Tripped())

	err := g.Consume(g.Remaining())
	require.ErrorIs(t, err, ErrFuelExhausted)
	require.Equal(t, ReasonFuel, g.Tripped())
	require.Equal(t, uint64(0), g.Remaining())
}

func TestFirstTripWins(t *testing.T) {
	t.Parallel()

	g := New(testLimits())
	var calls atomic.Int32
	g.OnTrip(func(Reason) { calls.Add(1) })

	g.Trip(ReasonEpoch)
	g.Trip(ReasonFuel)
	g.Trip(ReasonMemory)

	require.Equal(t, ReasonEpoch, g.Tripped())
	require.Equal(t, int32(1), calls.Load())
	require.ErrorIs(t, g.Consume(1), ErrEpochDeadline, "fuel charges report the original reason")
}

func TestOnTripAfterTripFiresImmediately(t *testing.T) {
	t.Parallel()

	g := New(testLimits())
	g.Trip(ReasonStack)

	var got Reason
	g.OnTrip(func(r Reason) { got = r })
	require.Equal(t, ReasonStack, got)
}

func TestGrowTable(t *testing.T) {
	t.Parallel()

	g := New(testLimits())
	_, ok := g.GrowTable(4)
	require.True(t, ok)
	prev, ok := g.GrowTable(1)
	require.False(t, ok)
	require.Equal(t, uint32(4), prev)
	require.Equal(t, ReasonNone, g.Tripped())
}

func TestInstanceCounter(t *testing.T) {
	t.Parallel()

	g := New(testLimits())
	require.NoError(t, g.AcquireInstance())
	err := g.AcquireInstance()
	require.True(t, errors.Is(err, ErrInstanceLimit))
	require.Equal(t, ReasonInstances, g.Tripped())

	g.ReleaseInstance()
	require.Panics(t, g.ReleaseInstance)
}

func TestEpochTickerTripsArmedGovernor(t *testing.T) {
	t.Parallel()

	ticker := NewEpochTicker(10 * time.Millisecond)
	limits := testLimits()
	limits.EpochDeadline = 25 * time.Millisecond
	g := New(limits)

	tripped := make(chan Reason, 1)
	g.OnTrip(func(r Reason) { tripped <- r })
	g.Arm(ticker)
	require.Equal(t, 1, ticker.Armed())

	ticker.Tick()
	ticker.Tick()
	require.Equal(t, ReasonNone, g.Tripped())
	ticker.Tick()

	require.Equal(t, ReasonEpoch, <-tripped)
	require.Equal(t, 0, ticker.Armed())
	require.NoError(t, New(limits).Consume(1), "fresh governors are unaffected")
}

func TestEpochIgnoresRemainingFuel(t *testing.T) {
	t.Parallel()

	ticker := NewEpochTicker(time.Millisecond)
	limits := testLimits()
	limits.Fuel = math.MaxUint64
	limits.EpochDeadline = time.Millisecond
	g := New(limits)
	g.Arm(ticker)
	ticker.Tick()

	require.Equal(t, ReasonEpoch, g.Tripped())
	require.Equal(t, uint64(math.MaxUint64), g.Remaining())
}

func TestDisarmPreventsTrip(t *testing.T) {
	t.Parallel()

	ticker := NewEpochTicker(time.Millisecond)
	limits := testLimits()
	limits.EpochDeadline = time.Millisecond
	g := New(limits)
	g.Arm(ticker)
	g.Disarm()
	g.Disarm()
	ticker.Tick()
	ticker.Tick()

	require.Equal(t, ReasonNone, g.Tripped())
}

func TestLimitsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultLimits().Validate())

	tests := []struct {
		name   string
		mutate func(*Limits)
		want   string
	}{
		{"pages", func(l *Limits) { l.MemoryPages = 0 }, "memory_pages"},
		{"fuel", func(l *Limits) { l.Fuel = 0 }, "fuel"},
		{"epoch", func(l *Limits) { l.EpochDeadline = 0 }, "epoch_deadline"},
		{"instances", func(l *Limits) { l.MaxInstances = 0 }, "max_instances"},
		{"stack", func(l *Limits) { l.MaxStackBytes = 1 }, "max_stack_bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l := DefaultLimits()
			tt.mutate(&l)
			require.ErrorContains(t, l.Validate(), tt.want)
		})
	}
}

func TestPagesFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint64(0), PagesFor(0))
	require.Equal(t, uint64(1), PagesFor(1))
	require.Equal(t, uint64(1), PagesFor(PageSize))
	require.Equal(t, uint64(2), PagesFor(PageSize+1))
}
