package health

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Candidate describes an idle instance offered to the eviction predicate.
type Candidate struct {
	ID      string
	Score   Score
	IdleFor time.Duration
	Age     time.Duration
}

// Sweeper is implemented by the instance pool.
type Sweeper interface {
	Sweep(evict func(Candidate) bool) int
}

// MonitorConfig tunes the periodic sweep.
type MonitorConfig struct {
	Interval          time.Duration
	EvictionThreshold int
	MaxIdleTime       time.Duration
}

// Monitor periodically evicts idle instances that fell below the threshold
// or sat idle too long.
type Monitor struct {
	cfg     MonitorConfig
	sweeper Sweeper
	logger  *zap.Logger
}

// NewMonitor builds a monitor over sweeper.
func NewMonitor(cfg MonitorConfig, sweeper Sweeper, logger *zap.Logger) (*Monitor, error) {
	if sweeper == nil {
		return nil, errors.New("sweeper is required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{cfg: cfg, sweeper: sweeper, logger: logger.Named("health")}, nil
}

// ShouldEvict is the predicate the monitor applies to each idle instance.
func (m *Monitor) ShouldEvict(c Candidate) bool {
	if c.Score.Evict(m.cfg.EvictionThreshold) {
		return true
	}
	return m.cfg.MaxIdleTime > 0 && c.IdleFor > m.cfg.MaxIdleTime
}

// SweepOnce runs a single sweep and returns the number of evictions.
func (m *Monitor) SweepOnce() int {
	n := m.sweeper.Sweep(m.ShouldEvict)
	if n > 0 {
		m.logger.Info("Evicted idle instances", zap.Int("count", n))
	}
	return n
}

// Run sweeps every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepOnce()
		}
	}
}
