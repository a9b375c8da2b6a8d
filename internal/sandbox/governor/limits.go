// Package governor enforces the per-call resource envelope of a sandboxed
// execution: a memory page ceiling, a fuel budget, and an epoch deadline
// driven by an external ticker. The first limit to trip decides the reason a
// call was aborted.
package governor

import (
	"errors"
	"fmt"
	"time"
)

// PageSize is the size of one memory page charged against MemoryPages.
const PageSize = 64 * 1024

// Limits is the immutable resource envelope applied to every call.
type Limits struct {
	MemoryPages      uint32        `json:"memory_pages"`
	Fuel             uint64        `json:"fuel"`
	EpochDeadline    time.Duration `json:"epoch_deadline"`
	MaxTableElements uint32        `json:"max_table_elements"`
	MaxInstances     uint32        `json:"max_instances"`
	MaxStackBytes    uint32        `json:"max_stack_bytes"`
}

// DefaultLimits mirrors the production extractor envelope: 512 MiB of pages,
// one million fuel units, and a 30 second deadline.
func DefaultLimits() Limits {
	return Limits{
		MemoryPages:      8192,
		Fuel:             1_000_000,
		EpochDeadline:    30 * time.Second,
		MaxTableElements: 10_000,
		MaxInstances:     1,
		MaxStackBytes:    1 << 20,
	}
}

// Validate rejects envelopes that would make every call fail.
func (l Limits) Validate() error {
	if l.MemoryPages == 0 {
		return errors.New("memory_pages must be > 0")
	}
	if l.Fuel == 0 {
		return errors.New("fuel must be > 0")
	}
	if l.EpochDeadline <= 0 {
		return errors.New("epoch_deadline must be > 0")
	}
	if l.MaxInstances == 0 {
		return errors.New("max_instances must be > 0")
	}
	if l.MaxStackBytes < MinStackBytes {
		return fmt.Errorf("max_stack_bytes must be >= %d", MinStackBytes)
	}
	return nil
}

// StackFrameBytes is the nominal cost of one guest call frame used to turn
// MaxStackBytes into a call depth.
const StackFrameBytes = 1024

// MinStackBytes is the smallest stack that still allows a handful of frames.
const MinStackBytes = 16 * StackFrameBytes

// MaxCallDepth converts the stack budget into guest call frames.
func (l Limits) MaxCallDepth() int {
	return int(l.MaxStackBytes / StackFrameBytes)
}

// PagesFor returns the number of pages needed to hold n bytes.
func PagesFor(n int) uint64 {
	if n <= 0 {
		return 0
	}
	return (uint64(n) + PageSize - 1) / PageSize
}
