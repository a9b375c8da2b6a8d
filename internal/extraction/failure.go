package extraction

import (
	"errors"
	"fmt"
)

// Kind is one member of the closed failure taxonomy.
type Kind string

// Failure kinds surfaced by the runtime.
const (
	KindInvalidInput     Kind = "invalid_input"
	KindResourceLimit    Kind = "resource_limit"
	KindSandboxFault     Kind = "sandbox_fault"
	KindCircuitOpen      Kind = "circuit_open"
	KindCapacityExceeded Kind = "capacity_exceeded"
	KindConversion       Kind = "conversion_error"
	KindUnsupported      Kind = "unsupported"
)

// Sentinel errors, one per Kind, for errors.Is checks.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrResourceLimit    = errors.New("resource limit exceeded")
	ErrSandboxFault     = errors.New("sandbox fault")
	ErrCircuitOpen      = errors.New("circuit open")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrConversion       = errors.New("conversion error")
	ErrUnsupported      = errors.New("unsupported guest variant")
)

var sentinels = map[Kind]error{
	KindInvalidInput:     ErrInvalidInput,
	KindResourceLimit:    ErrResourceLimit,
	KindSandboxFault:     ErrSandboxFault,
	KindCircuitOpen:      ErrCircuitOpen,
	KindCapacityExceeded: ErrCapacityExceeded,
	KindConversion:       ErrConversion,
	KindUnsupported:      ErrUnsupported,
}

// Failure is the error half of an Outcome.
type Failure struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	// Variant is the guest error variant, when the guest reported one.
	Variant string `json:"variant,omitempty"`
	// Err is the underlying cause; it is not serialized.
	Err error `json:"-"`
}

// NewFailure builds a Failure with a formatted message.
func NewFailure(kind Kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a Failure of the given kind around err.
func Wrap(kind Kind, err error) *Failure {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Failure{Kind: kind, Message: msg, Err: err}
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap exposes the underlying cause.
func (f *Failure) Unwrap() error {
	return f.Err
}

// Is matches the sentinel for the failure's Kind.
func (f *Failure) Is(target error) bool {
	s, ok := sentinels[f.Kind]
	return ok && s == target
}

// Retryable reports whether a caller may retry the same input later.
func (k Kind) Retryable() bool {
	switch k {
	case KindSandboxFault, KindCapacityExceeded, KindCircuitOpen, KindResourceLimit:
		return true
	default:
		return false
	}
}

// Alarming reports whether a single failure of this kind warrants an
// operator alarm.
func (k Kind) Alarming() bool {
	return k == KindConversion || k == KindUnsupported
}
