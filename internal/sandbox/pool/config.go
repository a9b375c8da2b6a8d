package pool

import (
	"errors"
	"time"
)

// Config sizes the pool.
type Config struct {
	// MaxConcurrency bounds the number of instances checked out at once.
	MaxConcurrency int `json:"max_concurrency"`
	// MaxInstances bounds live instances, idle or in use.
	MaxInstances int `json:"max_instances"`
	// MaxIdle bounds the idle list; extra returns are destroyed.
	MaxIdle int `json:"max_idle"`
	// MinWarm is the number of instances kept ready ahead of demand.
	MinWarm int `json:"min_warm"`
	// CheckoutTimeout bounds the wait for a concurrency slot.
	CheckoutTimeout time.Duration `json:"checkout_timeout"`
	// MaxIdleTime expires idle instances; zero disables expiry.
	MaxIdleTime time.Duration `json:"max_idle_time"`
	// EvictionThreshold is the health score below which an instance is
	// destroyed on return.
	EvictionThreshold int `json:"eviction_threshold"`
}

// DefaultConfig returns production pool sizing.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:    8,
		MaxInstances:      8,
		MaxIdle:           8,
		MinWarm:           2,
		CheckoutTimeout:   5 * time.Second,
		MaxIdleTime:       5 * time.Minute,
		EvictionThreshold: 50,
	}
}

// Validate checks the sizing. MaxInstances may not be smaller than
// MaxConcurrency, so a caller holding a slot can always get an instance.
func (c Config) Validate() error {
	switch {
	case c.MaxConcurrency <= 0:
		return errors.New("max_concurrency must be > 0")
	case c.MaxInstances < c.MaxConcurrency:
		return errors.New("max_instances must be >= max_concurrency")
	case c.MaxIdle < 0 || c.MaxIdle > c.MaxInstances:
		return errors.New("max_idle must be between 0 and max_instances")
	case c.MinWarm < 0 || c.MinWarm > c.MaxIdle:
		return errors.New("min_warm must be between 0 and max_idle")
	case c.CheckoutTimeout <= 0:
		return errors.New("checkout_timeout must be > 0")
	case c.MaxIdleTime < 0:
		return errors.New("max_idle_time must be >= 0")
	case c.EvictionThreshold < 0 || c.EvictionThreshold > 100:
		return errors.New("eviction_threshold must be between 0 and 100")
	}
	return nil
}
