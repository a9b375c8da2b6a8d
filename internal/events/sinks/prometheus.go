package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/events"
)

// circuit state gauge values.
var circuitStates = map[string]float64{"closed": 0, "half_open": 1, "open": 2}

// PrometheusSink exports runtime metrics. It owns all collectors.
type PrometheusSink struct {
	checkouts          prometheus.Counter
	checkoutRejections *prometheus.CounterVec
	instancesCreated   prometheus.Counter
	instancesEvicted   *prometheus.CounterVec
	instancesLive      prometheus.Gauge
	circuitTransitions *prometheus.CounterVec
	circuitState       prometheus.Gauge
	calls              *prometheus.CounterVec
	callDuration       *prometheus.HistogramVec
	fuelUsed           prometheus.Histogram
	peakPages          prometheus.Histogram
	alarms             *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		checkouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_checkouts_total",
			Help: "Instances checked out of the pool.",
		}),
		checkoutRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_checkout_rejections_total",
			Help: "Calls rejected before reaching an instance, by reason.",
		}, []string{"reason"}),
		instancesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_instances_created_total",
			Help: "Sandbox instances created.",
		}),
		instancesEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_instances_evicted_total",
			Help: "Sandbox instances destroyed, by reason.",
		}, []string{"reason"}),
		instancesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_instances_live",
			Help: "Sandbox instances currently alive.",
		}),
		circuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_circuit_transitions_total",
			Help: "Circuit breaker transitions by target state.",
		}, []string{"to"}),
		circuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_calls_total",
			Help: "Completed sandbox calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sandbox_call_duration_seconds",
			Help:    "End-to-end sandbox call latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"operation"}),
		fuelUsed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sandbox_call_fuel_used",
			Help:    "Fuel consumed per call.",
			Buckets: prometheus.ExponentialBuckets(10, 4, 10),
		}),
		peakPages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sandbox_call_peak_pages",
			Help:    "Peak memory pages per call.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		alarms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_alarms_total",
			Help: "Operator alarms raised by the runtime.",
		}, []string{"reason"}),
	}
	for _, collector := range []prometheus.Collector{
		s.checkouts,
		s.checkoutRejections,
		s.instancesCreated,
		s.instancesEvicted,
		s.instancesLive,
		s.circuitTransitions,
		s.circuitState,
		s.calls,
		s.callDuration,
		s.fuelUsed,
		s.peakPages,
		s.alarms,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register runtime collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Kind {
	case events.KindCheckout:
		s.checkouts.Inc()
	case events.KindCheckoutRejected:
		s.checkoutRejections.WithLabelValues(evt.Reason).Inc()
	case events.KindInstanceCreated:
		s.instancesCreated.Inc()
		s.instancesLive.Inc()
	case events.KindInstanceEvicted:
		s.instancesEvicted.WithLabelValues(evt.Reason).Inc()
		s.instancesLive.Dec()
	case events.KindCircuitTransition:
		s.circuitTransitions.WithLabelValues(evt.To).Inc()
		if v, ok := circuitStates[evt.To]; ok {
			s.circuitState.Set(v)
		}
	case events.KindCallCompleted:
		s.calls.WithLabelValues(evt.Operation, evt.Outcome).Inc()
		if evt.Dur > 0 {
			s.callDuration.WithLabelValues(evt.Operation).Observe(evt.Dur.Seconds())
		}
		if evt.Usage.FuelUsed > 0 {
			s.fuelUsed.Observe(float64(evt.Usage.FuelUsed))
		}
		if evt.Usage.PeakPages > 0 {
			s.peakPages.Observe(float64(evt.Usage.PeakPages))
		}
	case events.KindAlarm:
		s.alarms.WithLabelValues(evt.Reason).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
