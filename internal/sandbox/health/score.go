// Package health scores sandbox instances and decides when they should be
// evicted from the pool.
package health

import "fmt"

// Outcome is the health-relevant result of one call on an instance.
type Outcome int

// Outcomes recorded against an instance.
const (
	// Success raises the score.
	Success Outcome = iota
	// Failure lowers the score.
	Failure
	// Poisoned lowers the score like Failure and forces eviction.
	Poisoned
	// Neutral leaves the score untouched.
	Neutral
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Poisoned:
		return "poisoned"
	case Neutral:
		return "neutral"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Score bounds.
const (
	MaxScore       = 100
	SuccessBonus   = 10
	FailurePenalty = 20
)

// Score is an instance's health. The zero value is not valid; use NewScore.
type Score struct {
	Value               int  `json:"value"`
	ConsecutiveFailures int  `json:"consecutive_failures"`
	Poisoned            bool `json:"poisoned"`
}

// NewScore returns a perfect score.
func NewScore() Score {
	return Score{Value: MaxScore}
}

// Record applies one outcome. The value stays within [0, MaxScore].
func (s *Score) Record(o Outcome) {
	switch o {
	case Success:
		s.Value = min(s.Value+SuccessBonus, MaxScore)
		s.ConsecutiveFailures = 0
	case Failure, Poisoned:
		s.Value = max(s.Value-FailurePenalty, 0)
		s.ConsecutiveFailures++
		if o == Poisoned {
			s.Poisoned = true
		}
	}
}

// Evict reports whether the instance must leave the pool.
func (s Score) Evict(threshold int) bool {
	return s.Poisoned || s.Value < threshold
}

// Reset restores a perfect score. A poisoned instance stays poisoned.
func (s *Score) Reset() {
	s.Value = MaxScore
	s.ConsecutiveFailures = 0
}

// Level is a coarse classification of a score for summaries.
type Level int

// Levels from best to worst.
const (
	Healthy Level = iota
	Degraded
	Unhealthy
	Critical
)

// LevelOf classifies a score value.
func LevelOf(value int) Level {
	switch {
	case value >= 80:
		return Healthy
	case value >= 50:
		return Degraded
	case value >= 20:
		return Unhealthy
	default:
		return Critical
	}
}

func (l Level) String() string {
	switch l {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}
