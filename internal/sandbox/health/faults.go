package health

import (
	"sync"
	"time"
)

type fault struct {
	instance string
	at       time.Time
}

// FaultWindow counts sandbox faults across distinct instances within a
// sliding window. Faults spread over many instances point at the component
// or the host rather than at one bad instance.
type FaultWindow struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	now       func() time.Time
	faults    []fault
	raised    bool
}

// NewFaultWindow returns a window that alarms once threshold distinct
// instances have faulted within window. now defaults to time.Now.
func NewFaultWindow(window time.Duration, threshold int, now func() time.Time) *FaultWindow {
	if now == nil {
		now = time.Now
	}
	return &FaultWindow{window: window, threshold: threshold, now: now}
}

// Record notes a fault on instance and returns the number of distinct
// faulting instances in the window. alarm is true only on the fault that
// crosses the threshold; it re-arms once the count drops below it.
func (w *FaultWindow) Record(instance string) (distinct int, alarm bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)
	w.faults = append(w.faults, fault{instance: instance, at: now})
	distinct = w.distinct()
	if w.threshold > 0 && distinct >= w.threshold && !w.raised {
		w.raised = true
		return distinct, true
	}
	return distinct, false
}

// Distinct returns the number of distinct faulting instances in the window.
func (w *FaultWindow) Distinct() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return w.distinct()
}

func (w *FaultWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.faults) && !w.faults[i].at.After(cutoff) {
		i++
	}
	w.faults = w.faults[i:]
	if w.distinct() < w.threshold {
		w.raised = false
	}
}

func (w *FaultWindow) distinct() int {
	seen := make(map[string]struct{}, len(w.faults))
	for _, f := range w.faults {
		seen[f.instance] = struct{}{}
	}
	return len(seen)
}
