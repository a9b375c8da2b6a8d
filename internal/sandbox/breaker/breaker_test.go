package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T) (*Breaker, *fakeClock, *[]Transition) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var seen []Transition
	b, err := New(DefaultConfig(),
		WithClock(clock.Now),
		WithTransitionHook(func(tr Transition) { seen = append(seen, tr) }),
	)
	require.NoError(t, err)
	return b, clock, &seen
}

func fail(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for range n {
		tk, err := b.Allow()
		require.NoError(t, err)
		b.Record(tk, Failure)
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b, _, seen := newTestBreaker(t)
	fail(t, b, 4)
	require.Equal(t, Closed, b.State())

	fail(t, b, 1)
	require.Equal(t, Open, b.State())
	require.Len(t, *seen, 1)
	require.Equal(t, Transition{From: Closed, To: Open, At: (*seen)[0].At}, (*seen)[0])

	_, err := b.Allow()
	require.ErrorIs(t, err, ErrOpen)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBreaker(t)
	fail(t, b, 4)
	tk, err := b.Allow()
	require.NoError(t, err)
	b.Record(tk, Success)
	fail(t, b, 4)
	require.Equal(t, Closed, b.State())
}

func TestHalfOpenProbeAfterCooldown(t *testing.T) {
	t.Parallel()

	b, clock, _ := newTestBreaker(t)
	fail(t, b, 5)

	clock.Advance(29 * time.Second)
	_, err := b.Allow()
	require.ErrorIs(t, err, ErrOpen)

	clock.Advance(time.Second)
	tk, err := b.Allow()
	require.NoError(t, err)
	require.True(t, tk.Probe())
	require.Equal(t, HalfOpen, b.State())
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()

	b, clock, _ := newTestBreaker(t)
	fail(t, b, 5)
	clock.Advance(30 * time.Second)

	tickets := make([]Ticket, 0, 3)
	for range 3 {
		tk, err := b.Allow()
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}
	_, err := b.Allow()
	require.ErrorIs(t, err, ErrOpen)

	b.Record(tickets[0], Ignored)
	tk, err := b.Allow()
	require.NoError(t, err, "an ignored probe frees its slot")
	require.True(t, tk.Probe())
}

func TestHalfOpenClosesAfterSuccesses(t *testing.T) {
	t.Parallel()

	b, clock, seen := newTestBreaker(t)
	fail(t, b, 5)
	clock.Advance(30 * time.Second)

	for range 3 {
		tk, err := b.Allow()
		require.NoError(t, err)
		b.Record(tk, Success)
	}
	require.Equal(t, Closed, b.State())

	states := make([]State, 0, len(*seen))
	for _, tr := range *seen {
		states = append(states, tr.To)
	}
	require.Equal(t, []State{Open, HalfOpen, Closed}, states)
}

func TestHalfOpenFailureReopensAndRestartsCooldown(t *testing.T) {
	t.Parallel()

	b, clock, _ := newTestBreaker(t)
	fail(t, b, 5)
	clock.Advance(30 * time.Second)

	tk, err := b.Allow()
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	b.Record(tk, Failure)
	require.Equal(t, Open, b.State())

	clock.Advance(29 * time.Second)
	_, err = b.Allow()
	require.ErrorIs(t, err, ErrOpen, "cool-down restarts from the half-open failure")
	clock.Advance(time.Second)
	_, err = b.Allow()
	require.NoError(t, err)
}

func TestStaleTicketsAreIgnored(t *testing.T) {
	t.Parallel()

	b, clock, _ := newTestBreaker(t)
	stale, err := b.Allow()
	require.NoError(t, err)
	fail(t, b, 5)
	clock.Advance(30 * time.Second)

	probe, err := b.Allow()
	require.NoError(t, err)
	b.Record(stale, Failure)
	require.Equal(t, HalfOpen, b.State(), "a ticket from the closed generation cannot reopen")

	b.Record(probe, Success)
	require.Equal(t, 1, b.Snapshot().ConsecutiveSuccesses)
}

func TestResetForcesClosed(t *testing.T) {
	t.Parallel()

	b, _, seen := newTestBreaker(t)
	fail(t, b, 5)
	b.Reset()
	require.Equal(t, Closed, b.State())
	require.Equal(t, Closed, (*seen)[len(*seen)-1].To)

	_, err := b.Allow()
	require.NoError(t, err)
	require.Zero(t, b.Snapshot().ConsecutiveFailures)
}

func TestConcurrentRecordIsConsistent(t *testing.T) {
	t.Parallel()

	b, err := New(Config{FailureThreshold: 1000, SuccessThreshold: 1, Cooldown: time.Second, HalfOpenMaxProbes: 1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 999 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := b.Allow()
			if err == nil {
				b.Record(tk, Failure)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, Closed, b.State())
	require.Equal(t, 999, b.Snapshot().ConsecutiveFailures)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.HalfOpenMaxProbes = 0
	_, err := New(cfg)
	require.EqualError(t, err, "half_open_max_probes must be > 0")
}
