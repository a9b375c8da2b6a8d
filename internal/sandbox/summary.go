package sandbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/breaker"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/health"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/pool"
)

// Summary is the runtime health report.
type Summary struct {
	Status        string        `json:"status"`
	Ready         bool          `json:"ready"`
	Circuit       string        `json:"circuit"`
	Level         string        `json:"level"`
	Pool          pool.Stats    `json:"pool"`
	Breaker       BreakerReport `json:"breaker"`
	Guest         *GuestReport  `json:"guest,omitempty"`
	EventsDropped int64         `json:"events_dropped,omitempty"`
}

// BreakerReport is the serializable form of a breaker snapshot.
type BreakerReport struct {
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	InFlightProbes       int        `json:"in_flight_probes"`
	Transitions          uint64     `json:"transitions"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
}

// GuestReport is what the guest health_check export said about itself.
// Error is set instead when the probe ran but failed.
type GuestReport struct {
	InstanceID  string `json:"instance_id"`
	Status      string `json:"status,omitempty"`
	Version     string `json:"version,omitempty"`
	MemoryUsage *int   `json:"memory_usage,omitempty"`
	Error       string `json:"error,omitempty"`
}

type dropCounter interface {
	Dropped() int64
}

// HealthCheck reports pool and circuit state. When an instance is free right
// now it also runs the guest health_check on it; the probe never queues
// behind real calls and does not touch the breaker.
func (r *Runtime) HealthCheck(ctx context.Context) Summary {
	stats := r.pool.Stats()
	snap := r.breaker.Snapshot()
	level := health.LevelOf(int(stats.AverageHealth))

	s := Summary{
		Status:  level.String(),
		Ready:   r.Ready(),
		Circuit: snap.State.String(),
		Level:   level.String(),
		Pool:    stats,
		Breaker: BreakerReport{
			ConsecutiveFailures:  snap.ConsecutiveFailures,
			ConsecutiveSuccesses: snap.ConsecutiveSuccesses,
			InFlightProbes:       snap.InFlightProbes,
			Transitions:          snap.Transitions,
		},
	}
	if !snap.OpenedAt.IsZero() {
		at := snap.OpenedAt
		s.Breaker.OpenedAt = &at
	}
	if snap.State == breaker.Open {
		s.Status = "unavailable"
	}
	if d, ok := r.emitter.(dropCounter); ok {
		s.EventsDropped = d.Dropped()
	}
	if r.usable() == nil {
		s.Guest = r.probe(ctx)
	}
	return s
}

func (r *Runtime) probe(ctx context.Context) *GuestReport {
	inst, err := r.pool.TryCheckout(ctx)
	if err != nil {
		return nil
	}
	report := &GuestReport{InstanceID: inst.ID()}
	outcome := health.Poisoned
	defer func() { r.pool.Return(inst, outcome) }()

	c, err := inst.Sandbox().NewContext()
	if err != nil {
		report.Error = err.Error()
		outcome = abortVerdict(err).health
		return report
	}
	defer c.Discard()

	status, err := c.HealthCheck()
	if err != nil {
		report.Error = err.Error()
		outcome = abortVerdict(err).health
		r.logger.Warn("Guest health probe failed", zap.String("instance_id", inst.ID()), zap.Error(err))
		return report
	}
	report.Status = status.Status
	report.Version = status.Version
	report.MemoryUsage = status.MemoryUsage
	outcome = health.Neutral
	return report
}
