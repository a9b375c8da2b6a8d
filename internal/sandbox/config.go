// Package sandbox is the runtime facade: it gates every extraction through
// the circuit breaker, checks an instance out of the pool, runs the guest in
// a fresh governed context, converts the result at the type boundary and
// accounts the outcome against breaker and instance health.
package sandbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/breaker"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/governor"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/pool"
)

// Config is the read-only configuration of a Runtime.
type Config struct {
	Limits  governor.Limits
	Pool    pool.Config
	Breaker breaker.Config
	// EpochTick is the period of the deadline ticker.
	EpochTick time.Duration
	// HealthInterval is the period of the idle sweep; zero disables it.
	HealthInterval time.Duration
	// MaxInputBytes bounds the HTML accepted before any checkout.
	MaxInputBytes int
	// AlarmWindow and AlarmInstances raise an alarm when sandbox faults hit
	// AlarmInstances distinct instances within AlarmWindow.
	AlarmWindow    time.Duration
	AlarmInstances int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Limits:         governor.DefaultLimits(),
		Pool:           pool.DefaultConfig(),
		Breaker:        breaker.DefaultConfig(),
		EpochTick:      governor.DefaultTickInterval,
		HealthInterval: 30 * time.Second,
		MaxInputBytes:  16 << 20,
		AlarmWindow:    5 * time.Minute,
		AlarmInstances: 3,
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("sandbox limits: %w", err)
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if err := c.Breaker.Validate(); err != nil {
		return fmt.Errorf("breaker: %w", err)
	}
	if c.EpochTick <= 0 {
		return errors.New("epoch_tick must be > 0")
	}
	if c.EpochTick > c.Limits.EpochDeadline {
		return errors.New("epoch_tick must not exceed epoch_deadline")
	}
	if c.HealthInterval < 0 {
		return errors.New("health_interval must be >= 0")
	}
	if c.MaxInputBytes <= 0 {
		return errors.New("max_input_bytes must be > 0")
	}
	if c.AlarmWindow <= 0 {
		return errors.New("alarm_window must be > 0")
	}
	if c.AlarmInstances <= 0 {
		return errors.New("alarm_instances must be > 0")
	}
	return nil
}
