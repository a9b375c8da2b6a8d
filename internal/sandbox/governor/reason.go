package governor

import (
	"errors"
	"fmt"
)

// Reason identifies which limit aborted a call.
type Reason int32

// Trip reasons. ReasonNone means the governor has not tripped.
const (
	ReasonNone Reason = iota
	ReasonMemory
	ReasonFuel
	ReasonEpoch
	ReasonStack
	ReasonTable
	ReasonInstances
)

// ErrResourceLimit is the parent of every governor error.
var ErrResourceLimit = errors.New("resource limit exceeded")

// Limit-specific errors; all of them wrap ErrResourceLimit.
var (
	ErrMemoryLimit    = fmt.Errorf("%w: memory page ceiling reached", ErrResourceLimit)
	ErrFuelExhausted  = fmt.Errorf("%w: fuel exhausted", ErrResourceLimit)
	ErrEpochDeadline  = fmt.Errorf("%w: epoch deadline passed", ErrResourceLimit)
	ErrStackOverflow  = fmt.Errorf("%w: call stack exhausted", ErrResourceLimit)
	ErrTableLimit     = fmt.Errorf("%w: table element ceiling reached", ErrResourceLimit)
	ErrInstanceLimit  = fmt.Errorf("%w: instance ceiling reached", ErrResourceLimit)
	errUnknownTripped = fmt.Errorf("%w: unknown reason", ErrResourceLimit)
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonMemory:
		return "memory"
	case ReasonFuel:
		return "fuel"
	case ReasonEpoch:
		return "epoch"
	case ReasonStack:
		return "stack"
	case ReasonTable:
		return "table"
	case ReasonInstances:
		return "instances"
	default:
		return fmt.Sprintf("reason(%d)", int32(r))
	}
}

// Err returns the sentinel error for the reason, or nil for ReasonNone.
func (r Reason) Err() error {
	switch r {
	case ReasonNone:
		return nil
	case ReasonMemory:
		return ErrMemoryLimit
	case ReasonFuel:
		return ErrFuelExhausted
	case ReasonEpoch:
		return ErrEpochDeadline
	case ReasonStack:
		return ErrStackOverflow
	case ReasonTable:
		return ErrTableLimit
	case ReasonInstances:
		return ErrInstanceLimit
	default:
		return errUnknownTripped
	}
}
