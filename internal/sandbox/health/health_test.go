package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScoreClamps(t *testing.T) {
	t.Parallel()

	s := NewScore()
	s.Record(Success)
	require.Equal(t, MaxScore, s.Value, "success never exceeds the cap")

	for range 10 {
		s.Record(Failure)
	}
	require.Equal(t, 0, s.Value, "failures never go below zero")
	require.Equal(t, 10, s.ConsecutiveFailures)

	s.Record(Success)
	require.Equal(t, SuccessBonus, s.Value)
	require.Zero(t, s.ConsecutiveFailures)
}

func TestScoreEviction(t *testing.T) {
	t.Parallel()

	s := NewScore()
	s.Record(Failure)
	s.Record(Failure)
	require.Equal(t, 60, s.Value)
	require.False(t, s.Evict(50))

	s.Record(Failure)
	require.Equal(t, 40, s.Value)
	require.True(t, s.Evict(50))

	s.Reset()
	require.False(t, s.Evict(50))
}

func TestPoisonedAlwaysEvicts(t *testing.T) {
	t.Parallel()

	s := NewScore()
	s.Record(Poisoned)
	require.Equal(t, 80, s.Value)
	require.True(t, s.Evict(0))
	s.Reset()
	require.True(t, s.Evict(0), "reset does not cure poison")
}

func TestNeutralLeavesScore(t *testing.T) {
	t.Parallel()

	s := NewScore()
	s.Record(Failure)
	s.Record(Neutral)
	require.Equal(t, 80, s.Value)
	require.Equal(t, 1, s.ConsecutiveFailures)
}

func TestLevelOf(t *testing.T) {
	t.Parallel()

	cases := map[int]Level{
		100: Healthy, 80: Healthy, 79: Degraded, 50: Degraded,
		49: Unhealthy, 20: Unhealthy, 19: Critical, 0: Critical,
	}
	for value, want := range cases {
		require.Equal(t, want, LevelOf(value), "value %d", value)
	}
	require.Equal(t, "degraded", Degraded.String())
}

type fakeSweeper struct {
	mu         sync.Mutex
	candidates []Candidate
	evicted    []string
}

func (f *fakeSweeper) Sweep(evict func(Candidate) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.candidates[:0]
	n := 0
	for _, c := range f.candidates {
		if evict(c) {
			f.evicted = append(f.evicted, c.ID)
			n++
			continue
		}
		kept = append(kept, c)
	}
	f.candidates = kept
	return n
}

func TestMonitorSweepOnce(t *testing.T) {
	t.Parallel()

	low := NewScore()
	low.Value = 30
	sweeper := &fakeSweeper{candidates: []Candidate{
		{ID: "fresh", Score: NewScore(), IdleFor: time.Second},
		{ID: "sick", Score: low, IdleFor: time.Second},
		{ID: "stale", Score: NewScore(), IdleFor: time.Hour},
	}}
	m, err := NewMonitor(MonitorConfig{
		Interval:          time.Minute,
		EvictionThreshold: 50,
		MaxIdleTime:       10 * time.Minute,
	}, sweeper, nil)
	require.NoError(t, err)

	require.Equal(t, 2, m.SweepOnce())
	require.ElementsMatch(t, []string{"sick", "stale"}, sweeper.evicted)
	require.Zero(t, m.SweepOnce())
}

func TestNewMonitorValidates(t *testing.T) {
	t.Parallel()

	_, err := NewMonitor(MonitorConfig{Interval: time.Second}, nil, nil)
	require.Error(t, err)
	_, err = NewMonitor(MonitorConfig{}, &fakeSweeper{}, nil)
	require.Error(t, err)
}

func TestFaultWindowDistinctInstances(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewFaultWindow(time.Minute, 3, func() time.Time { return now })

	_, alarm := w.Record("a")
	require.False(t, alarm)
	_, alarm = w.Record("a")
	require.False(t, alarm, "repeat faults on one instance do not count twice")
	_, alarm = w.Record("b")
	require.False(t, alarm)

	distinct, alarm := w.Record("c")
	require.Equal(t, 3, distinct)
	require.True(t, alarm)

	_, alarm = w.Record("d")
	require.False(t, alarm, "alarm fires once per crossing")

	now = now.Add(2 * time.Minute)
	require.Zero(t, w.Distinct())
	w.Record("x")
	w.Record("y")
	_, alarm = w.Record("z")
	require.True(t, alarm, "window re-arms after draining")
}
