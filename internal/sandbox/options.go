package sandbox

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/clock/system"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/events"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/id/uuid"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/engine"
)

const tracerName = "github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox"

// Option customizes a Runtime.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	emitter events.Emitter
	clock   extraction.Clock
	ids     engine.IDGenerator
	tracer  trace.Tracer
}

func defaultOptions() options {
	return options{
		logger:  zap.NewNop(),
		emitter: events.Nop{},
		clock:   system.New(),
		ids:     uuid.NewUUIDGenerator(),
		tracer:  otel.Tracer(tracerName),
	}
}

// WithLogger sets the runtime logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEmitter sends runtime events to e.
func WithEmitter(e events.Emitter) Option {
	return func(o *options) {
		if e != nil {
			o.emitter = e
		}
	}
}

// WithClock overrides the time source for breaker cool-downs, idle expiry
// and fault windows.
func WithClock(c extraction.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithIDGenerator sets the generator for instance and context ids.
func WithIDGenerator(g engine.IDGenerator) Option {
	return func(o *options) {
		if g != nil {
			o.ids = g
		}
	}
}

// WithTracer sets the tracer used for call spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}
