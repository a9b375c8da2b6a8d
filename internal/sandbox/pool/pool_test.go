package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/health"
)

type fakeSandbox struct {
	id     string
	closed atomic.Bool
}

func (f *fakeSandbox) ID() string { return f.id }

func (f *fakeSandbox) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeFactory struct {
	n    atomic.Int64
	fail atomic.Bool
}

func (f *fakeFactory) New(context.Context) (*fakeSandbox, error) {
	if f.fail.Load() {
		return nil, errors.New("factory down")
	}
	return &fakeSandbox{id: fmt.Sprintf("sb-%d", f.n.Add(1))}, nil
}

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

func testConfig() Config {
	return Config{
		MaxConcurrency:    2,
		MaxInstances:      4,
		MaxIdle:           4,
		MinWarm:           0,
		CheckoutTimeout:   50 * time.Millisecond,
		MaxIdleTime:       time.Minute,
		EvictionThreshold: 50,
	}
}

func newTestPool(t *testing.T, cfg Config, opts ...Option) (*Pool[*fakeSandbox], *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	p, err := New[*fakeSandbox](cfg, f.New, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, f
}

func TestCheckoutReusesIdleFIFO(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig())
	ctx := context.Background()

	a, err := p.Checkout(ctx)
	require.NoError(t, err)
	b, err := p.Checkout(ctx)
	require.NoError(t, err)
	p.Return(a, health.Success)
	p.Return(b, health.Success)

	got, err := p.Checkout(ctx)
	require.NoError(t, err)
	require.Equal(t, a.ID(), got.ID(), "oldest idle instance is reused first")
	p.Return(got, health.Success)

	stats := p.Stats()
	require.Equal(t, 2, stats.Size)
	require.Equal(t, uint64(2), stats.Created)
	require.Equal(t, uint64(1), stats.Reused)
}

func TestCapacityExceededAfterTimeout(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig())
	ctx := context.Background()

	a, err := p.Checkout(ctx)
	require.NoError(t, err)
	b, err := p.Checkout(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Checkout(ctx)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	p.Return(a, health.Success)
	c, err := p.Checkout(ctx)
	require.NoError(t, err, "a returned slot is available again")
	p.Return(b, health.Success)
	p.Return(c, health.Success)
}

func TestCheckedOutNeverExceedsMaxConcurrency(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxConcurrency = 3
	cfg.CheckoutTimeout = 5 * time.Second
	p, _ := newTestPool(t, cfg)

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := p.Checkout(context.Background())
			if err != nil {
				t.Errorf("checkout: %v", err)
				return
			}
			n := inFlight.Add(1)
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			p.Return(inst, health.Success)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int64(3))
	require.LessOrEqual(t, p.Stats().Size, 4)
	require.Zero(t, p.Stats().InUse)
}

func TestPoisonedInstanceIsEvicted(t *testing.T) {
	t.Parallel()

	var evicted []EvictReason
	var mu sync.Mutex
	p, _ := newTestPool(t, testConfig(), WithHooks(Hooks{
		OnEvict: func(_ string, reason EvictReason, _ health.Score) {
			mu.Lock()
			evicted = append(evicted, reason)
			mu.Unlock()
		},
	}))

	inst, err := p.Checkout(context.Background())
	require.NoError(t, err)
	_, reason := p.Return(inst, health.Poisoned)
	require.Equal(t, EvictPoisoned, reason)
	require.True(t, inst.Sandbox().closed.Load())

	stats := p.Stats()
	require.Zero(t, stats.Size)
	require.Equal(t, uint64(1), stats.Evicted)
	mu.Lock()
	require.Equal(t, []EvictReason{EvictPoisoned}, evicted)
	mu.Unlock()
}

func TestUnhealthyInstanceIsEvicted(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig())
	inst, err := p.Checkout(context.Background())
	require.NoError(t, err)
	score, reason := p.Return(inst, health.Failure)
	require.Equal(t, 80, score.Value)
	require.Empty(t, reason)

	for _, want := range []int{60, 40} {
		inst, err = p.Checkout(context.Background())
		require.NoError(t, err)
		score, reason = p.Return(inst, health.Failure)
		require.Equal(t, want, score.Value)
	}
	require.Equal(t, EvictUnhealthy, reason)
	require.Zero(t, p.Stats().Size)
}

func TestDoubleReturnIsHarmless(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig())
	inst, err := p.Checkout(context.Background())
	require.NoError(t, err)
	p.Return(inst, health.Success)
	p.Return(inst, health.Success)

	a, err := p.Checkout(context.Background())
	require.NoError(t, err)
	b, err := p.Checkout(context.Background())
	require.NoError(t, err)
	_, err = p.Checkout(context.Background())
	require.ErrorIs(t, err, ErrCapacityExceeded, "the second return must not free an extra slot")
	p.Return(a, health.Success)
	p.Return(b, health.Success)
}

func TestIdleExpiry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	p, _ := newTestPool(t, testConfig(), WithClock(clock.Now))

	inst, err := p.Checkout(context.Background())
	require.NoError(t, err)
	first := inst.ID()
	p.Return(inst, health.Success)

	clock.Advance(2 * time.Minute)
	inst, err = p.Checkout(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first, inst.ID(), "expired instance is replaced")
	p.Return(inst, health.Success)
	require.Equal(t, uint64(1), p.Stats().Evicted)
}

func TestWarmAndReplenish(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinWarm = 2
	p, _ := newTestPool(t, cfg)

	require.NoError(t, p.Warm(context.Background()))
	require.Equal(t, 2, p.Stats().Idle)

	inst, err := p.Checkout(context.Background())
	require.NoError(t, err)
	p.Return(inst, health.Poisoned)

	require.Eventually(t, func() bool {
		return p.Stats().Size == 2
	}, time.Second, 5*time.Millisecond, "evictions below min_warm are replenished")
}

func TestWarmReportsFactoryErrors(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinWarm = 2
	p, f := newTestPool(t, cfg)
	f.fail.Store(true)

	require.ErrorIs(t, p.Warm(context.Background()), ErrCreate)
	require.Zero(t, p.Stats().Size)

	_, err := p.Checkout(context.Background())
	require.ErrorIs(t, err, ErrCreate)
	require.ErrorContains(t, err, "factory down")
	require.NotErrorIs(t, err, ErrCapacityExceeded)

	_, err = p.TryCheckout(context.Background())
	require.ErrorIs(t, err, ErrCreate)
	require.Zero(t, p.Stats().InUse)
}

func TestSweepEvaluatesSnapshot(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig())
	a, err := p.Checkout(context.Background())
	require.NoError(t, err)
	b, err := p.Checkout(context.Background())
	require.NoError(t, err)
	p.Return(a, health.Failure)
	p.Return(b, health.Success)

	n := p.Sweep(func(c health.Candidate) bool {
		// The predicate may re-enter the pool without deadlocking.
		_ = p.Stats()
		return c.Score.Value < 100
	})
	require.Equal(t, 1, n)
	require.Equal(t, 1, p.Stats().Idle)
}

func TestResetHealth(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig())
	inst, err := p.Checkout(context.Background())
	require.NoError(t, err)
	p.Return(inst, health.Failure)
	require.Equal(t, 80.0, p.Stats().AverageHealth)

	p.ResetHealth()
	require.Equal(t, 100.0, p.Stats().AverageHealth)
}

func TestCloseDestroysIdleAndRejects(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig())
	a, err := p.Checkout(context.Background())
	require.NoError(t, err)
	b, err := p.Checkout(context.Background())
	require.NoError(t, err)
	p.Return(a, health.Success)

	require.NoError(t, p.Close(context.Background()))
	require.True(t, a.Sandbox().closed.Load())

	_, err = p.Checkout(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	_, reason := p.Return(b, health.Success)
	require.Equal(t, EvictClosed, reason)
	require.True(t, b.Sandbox().closed.Load())
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.MaxInstances = cfg.MaxConcurrency - 1
	require.EqualError(t, cfg.Validate(), "max_instances must be >= max_concurrency")
	cfg = DefaultConfig()
	cfg.MinWarm = cfg.MaxIdle + 1
	require.Error(t, cfg.Validate())
}

func TestTryCheckoutDoesNotWait(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.CheckoutTimeout = time.Minute
	p, _ := newTestPool(t, cfg)
	a, err := p.Checkout(context.Background())
	require.NoError(t, err)
	b, err := p.TryCheckout(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.TryCheckout(context.Background())
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.Less(t, time.Since(start), time.Second)
	p.Return(a, health.Success)
	p.Return(b, health.Neutral)
}
