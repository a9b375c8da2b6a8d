package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
)

// Kind denotes what happened.
type Kind string

// Supported event kinds.
const (
	KindCheckout          Kind = "CHECKOUT"
	KindCheckoutRejected  Kind = "CHECKOUT_REJECTED"
	KindInstanceCreated   Kind = "INSTANCE_CREATED"
	KindInstanceEvicted   Kind = "INSTANCE_EVICTED"
	KindCircuitTransition Kind = "CIRCUIT_TRANSITION"
	KindCallCompleted     Kind = "CALL_COMPLETED"
	KindAlarm             Kind = "ALARM"
)

// OutcomeOK is the Outcome of a call that produced a result.
const OutcomeOK = "ok"

// Event is a single runtime occurrence.
type Event struct {
	// Kind says what happened.
	Kind Kind `json:"kind"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// InstanceID identifies the pooled instance involved, if any.
	InstanceID string `json:"instance_id,omitempty"`
	// ContextID identifies the execution context of a completed call.
	ContextID string `json:"context_id,omitempty"`
	// Operation is the guest export that ran (extract, validate_input, ...).
	Operation string `json:"operation,omitempty"`
	// URL is the document URL of a call; it should not contain credentials.
	URL string `json:"url,omitempty"`
	// Outcome is OutcomeOK or the failure kind of a call.
	Outcome string `json:"outcome,omitempty"`
	// Reason carries the eviction reason, trip reason, rejection cause or
	// alarm name.
	Reason string `json:"reason,omitempty"`
	// From and To are the circuit states of a transition.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	// Health is the instance score after the event.
	Health int `json:"health,omitempty"`
	// Usage is the resource consumption of a completed call.
	Usage extraction.Usage `json:"usage"`
	// Dur is the end-to-end latency of a call, including checkout.
	Dur time.Duration `json:"dur"`
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindCheckout:
		if e.InstanceID == "" {
			return errors.New("checkout requires instance id")
		}
	case KindCheckoutRejected:
		if e.Reason == "" {
			return errors.New("checkout rejection requires reason")
		}
	case KindInstanceCreated, KindInstanceEvicted:
		if e.InstanceID == "" {
			return fmt.Errorf("%s requires instance id", e.Kind)
		}
	case KindCircuitTransition:
		if e.From == "" || e.To == "" {
			return errors.New("circuit transition requires from and to")
		}
	case KindCallCompleted:
		if e.Operation == "" || e.Outcome == "" {
			return errors.New("call completion requires operation and outcome")
		}
	case KindAlarm:
		if e.Reason == "" {
			return errors.New("alarm requires reason")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// CallRecord converts a completed-call event into its audit row.
func (e Event) CallRecord() extraction.CallRecord {
	return extraction.CallRecord{
		ContextID:   e.ContextID,
		InstanceID:  e.InstanceID,
		Operation:   e.Operation,
		URL:         e.URL,
		Outcome:     e.Outcome,
		Reason:      e.Reason,
		CompletedAt: e.TS,
		Usage:       e.Usage,
	}
}
