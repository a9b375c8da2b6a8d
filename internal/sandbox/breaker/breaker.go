// Package breaker implements the circuit breaker that gates every sandboxed
// call. All state lives behind one mutex so transitions are totally ordered.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the circuit rejects calls.
var ErrOpen = errors.New("circuit open")

// State is the breaker state.
type State int

// Breaker states.
const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is what a gated call reports back.
type Result int

// Call results. Ignored releases the ticket without moving the state.
const (
	Success Result = iota
	Failure
	Ignored
)

// Config tunes the breaker.
type Config struct {
	FailureThreshold  int           `json:"failure_threshold"`
	SuccessThreshold  int           `json:"success_threshold"`
	Cooldown          time.Duration `json:"cooldown"`
	HalfOpenMaxProbes int           `json:"half_open_max_probes"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		SuccessThreshold:  3,
		Cooldown:          30 * time.Second,
		HalfOpenMaxProbes: 3,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return errors.New("failure_threshold must be > 0")
	}
	if c.SuccessThreshold <= 0 {
		return errors.New("success_threshold must be > 0")
	}
	if c.Cooldown <= 0 {
		return errors.New("cooldown must be > 0")
	}
	if c.HalfOpenMaxProbes <= 0 {
		return errors.New("half_open_max_probes must be > 0")
	}
	return nil
}

// Ticket is issued by Allow and must be handed back to Record exactly once.
type Ticket struct {
	generation uint64
	probe      bool
}

// Probe reports whether the ticket admitted a half-open probe.
func (t Ticket) Probe() bool { return t.probe }

// Transition describes a state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Snapshot is a consistent copy of the breaker state.
type Snapshot struct {
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	InFlightProbes       int       `json:"in_flight_probes"`
	OpenedAt             time.Time `json:"opened_at"`
	Transitions          uint64    `json:"transitions"`
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithTransitionHook registers fn to run on every transition. It runs under
// the breaker lock and must not call back into the breaker.
func WithTransitionHook(fn func(Transition)) Option {
	return func(b *Breaker) {
		b.onTransition = fn
	}
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	mu           sync.Mutex
	cfg          Config
	now          func() time.Time
	onTransition func(Transition)

	state       State
	failures    int
	successes   int
	probes      int
	openedAt    time.Time
	generation  uint64
	transitions uint64
}

// New returns a closed breaker.
func New(cfg Config, opts ...Option) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Allow is the single gate in front of a call. It returns ErrOpen while the
// circuit is open and cooling down, or when every half-open probe slot is
// taken. Once the cool-down has elapsed the first caller moves the breaker
// to HalfOpen and becomes a probe.
func (b *Breaker) Allow() (Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return Ticket{generation: b.generation}, nil
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return Ticket{}, ErrOpen
		}
		b.transition(HalfOpen)
	}
	if b.probes >= b.cfg.HalfOpenMaxProbes {
		return Ticket{}, ErrOpen
	}
	b.probes++
	return Ticket{generation: b.generation, probe: true}, nil
}

// Record reports the result of a call admitted by t. Tickets issued before
// the latest transition are stale and ignored.
func (b *Breaker) Record(t Ticket, r Result) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.generation != b.generation {
		return
	}
	if t.probe && b.probes > 0 {
		b.probes--
	}
	switch r {
	case Success:
		switch b.state {
		case Closed:
			b.failures = 0
		case HalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.transition(Closed)
			}
		}
	case Failure:
		switch b.state {
		case Closed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.transition(Open)
			}
		case HalfOpen:
			b.transition(Open)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		InFlightProbes:       b.probes,
		OpenedAt:             b.openedAt,
		Transitions:          b.transitions,
	}
}

// Reset forces the breaker Closed and clears its counters. Outstanding
// tickets become stale.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Closed {
		b.transition(Closed)
		return
	}
	b.failures, b.successes, b.probes = 0, 0, 0
	b.generation++
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.failures, b.successes, b.probes = 0, 0, 0
	b.generation++
	b.transitions++
	now := b.now()
	if to == Open {
		b.openedAt = now
	}
	if b.onTransition != nil {
		b.onTransition(Transition{From: from, To: to, At: now})
	}
}
