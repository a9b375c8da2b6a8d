package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/events"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/boundary"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/breaker"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/contract"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/engine"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/governor"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/health"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/pool"
)

var (
	// ErrNotStarted is returned by calls made before Start.
	ErrNotStarted = errors.New("runtime not started")
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("runtime closed")
)

// Alarm names carried in the Reason of ALARM events.
const (
	AlarmConversion   = "conversion_error"
	AlarmUnsupported  = "unsupported_variant"
	AlarmRepeatFaults = "repeated_sandbox_faults"
)

// Runtime runs extraction calls inside pooled, governed sandbox instances.
// It is safe for concurrent use.
type Runtime struct {
	cfg     Config
	image   *engine.Image
	info    extraction.ComponentInfo
	ticker  *governor.EpochTicker
	factory *engine.Factory
	pool    *pool.Pool[*engine.Instance]
	breaker *breaker.Breaker
	monitor *health.Monitor
	faults  *health.FaultWindow

	logger  *zap.Logger
	emitter events.Emitter
	clock   extraction.Clock
	tracer  trace.Tracer

	mu      sync.Mutex
	started bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a runtime serving image. Nothing runs until Start.
func New(cfg Config, image *engine.Image, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sandbox config: %w", err)
	}
	if image == nil {
		return nil, errors.New("component image is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r := &Runtime{
		cfg:     cfg,
		image:   image,
		info:    boundary.FromGuestInfo(image.Info(), image.Digest()),
		ticker:  governor.NewEpochTicker(cfg.EpochTick),
		logger:  o.logger.Named("sandbox"),
		emitter: o.emitter,
		clock:   o.clock,
		tracer:  o.tracer,
	}
	r.faults = health.NewFaultWindow(cfg.AlarmWindow, cfg.AlarmInstances, r.clock.Now)

	factory, err := engine.NewFactory(image, cfg.Limits, r.ticker, o.ids, r.logger)
	if err != nil {
		return nil, err
	}
	r.factory = factory

	r.breaker, err = breaker.New(cfg.Breaker,
		breaker.WithClock(r.clock.Now),
		breaker.WithTransitionHook(r.onTransition),
	)
	if err != nil {
		return nil, err
	}

	r.pool, err = pool.New[*engine.Instance](cfg.Pool, factory.NewInstance,
		pool.WithLogger(r.logger),
		pool.WithClock(r.clock.Now),
		pool.WithHooks(pool.Hooks{OnCreate: r.onCreate, OnEvict: r.onEvict}),
	)
	if err != nil {
		return nil, err
	}

	if cfg.HealthInterval > 0 {
		r.monitor, err = health.NewMonitor(health.MonitorConfig{
			Interval:          cfg.HealthInterval,
			EvictionThreshold: cfg.Pool.EvictionThreshold,
			MaxIdleTime:       cfg.Pool.MaxIdleTime,
		}, r.pool, r.logger)
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Start runs the epoch ticker and the health monitor, then warms the pool.
// Background work stops when ctx is done or on Close.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.started {
		r.mu.Unlock()
		return errors.New("runtime already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.started = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.ticker.Run(runCtx)
	}()
	if r.monitor != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.monitor.Run(runCtx)
		}()
	}
	r.mu.Unlock()

	if err := r.pool.Warm(ctx); err != nil {
		return fmt.Errorf("warm pool: %w", err)
	}
	r.logger.Info("Sandbox runtime started",
		zap.String("component", r.info.Name),
		zap.String("version", r.info.Version),
		zap.String("digest", r.info.Digest),
		zap.Int("max_concurrency", r.cfg.Pool.MaxConcurrency),
		zap.Int("min_warm", r.cfg.Pool.MinWarm),
	)
	return nil
}

// Extract runs the guest extract export for req.
func (r *Runtime) Extract(ctx context.Context, req extraction.Request, mode extraction.Mode) extraction.Outcome {
	ctx, span := r.tracer.Start(ctx, "sandbox.extract", trace.WithAttributes(
		attribute.String("url.full", req.URL),
		attribute.String("extraction.mode", string(mode.Kind)),
		attribute.Int("extraction.html_bytes", len(req.HTML)),
	))
	defer span.End()

	if f := r.precheck(req.HTML); f != nil {
		return r.reject(span, contract.ExportExtract, req.URL, f)
	}
	if f := checkURL(req.URL); f != nil {
		return r.reject(span, contract.ExportExtract, req.URL, f)
	}
	if err := mode.Validate(); err != nil {
		return r.reject(span, contract.ExportExtract, req.URL, extraction.Wrap(extraction.KindInvalidInput, err))
	}
	guestReq, err := boundary.ToGuestRequest(req, mode)
	if err != nil {
		return r.reject(span, contract.ExportExtract, req.URL, extraction.Wrap(extraction.KindConversion, err))
	}

	var doc extraction.Document
	res := r.execute(ctx, contract.ExportExtract, req.URL, func(c *engine.Context) verdict {
		result, err := c.Extract(guestReq)
		if err != nil {
			return abortVerdict(err)
		}
		d, f := boundary.FromGuestResult(result)
		if f != nil {
			return guestVerdict(f)
		}
		doc = d
		return verdict{health: health.Success, result: breaker.Success}
	})
	annotate(span, res)

	out := extraction.Outcome{InstanceID: res.instanceID, ContextID: res.contextID, Usage: res.usage}
	if res.failure != nil {
		out.Failure = res.failure
		return out
	}
	out.Document = &doc
	return out
}

// ValidateInput asks the guest whether html is something it can extract.
func (r *Runtime) ValidateInput(ctx context.Context, html string) (bool, *extraction.Failure) {
	ctx, span := r.tracer.Start(ctx, "sandbox.validate_input",
		trace.WithAttributes(attribute.Int("extraction.html_bytes", len(html))))
	defer span.End()

	if f := r.precheck(html); f != nil {
		r.reject(span, contract.ExportValidateInput, "", f)
		return false, f
	}
	var valid bool
	res := r.execute(ctx, contract.ExportValidateInput, "", func(c *engine.Context) verdict {
		v, err := c.ValidateInput(html)
		if err != nil {
			return abortVerdict(err)
		}
		ok, f := boundary.FromGuestValidation(v)
		if f != nil {
			return guestVerdict(f)
		}
		valid = ok
		return verdict{health: health.Success, result: breaker.Success}
	})
	annotate(span, res)
	if res.failure != nil {
		return false, res.failure
	}
	return valid, nil
}

// Info describes the loaded component.
func (r *Runtime) Info() extraction.ComponentInfo {
	info := r.info
	info.Features = append([]string(nil), r.info.Features...)
	info.SupportedModes = append([]string(nil), r.info.SupportedModes...)
	return info
}

// Ready reports whether the runtime is serving calls: started, not closed and
// the circuit is not open.
func (r *Runtime) Ready() bool {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	return started && !r.closed.Load() && r.breaker.State() != breaker.Open
}

// Reset forces the circuit closed and restores every instance to full health.
func (r *Runtime) Reset() {
	r.breaker.Reset()
	r.pool.ResetHealth()
	r.logger.Warn("Sandbox runtime reset", zap.String("circuit", r.breaker.State().String()))
}

// Close stops background work and destroys every instance.
func (r *Runtime) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := r.pool.Close(ctx)
	r.wg.Wait()
	r.logger.Info("Sandbox runtime closed")
	return err
}

// verdict is how one call is accounted against the breaker and the instance.
type verdict struct {
	failure *extraction.Failure
	health  health.Outcome
	result  breaker.Result
}

type callResult struct {
	instanceID string
	contextID  string
	usage      extraction.Usage
	failure    *extraction.Failure
}

// execute runs fn through breaker gate, pool checkout and a fresh context.
// Cleanup always runs: the context is discarded, the instance returned with
// its health outcome and the breaker ticket recorded. Only the checkout wait
// observes ctx; once admitted the call runs to completion or its deadline.
func (r *Runtime) execute(ctx context.Context, op, target string, fn func(*engine.Context) verdict) (res callResult) {
	started := time.Now()
	defer func() { r.complete(op, target, started, res) }()

	if err := r.usable(); err != nil {
		res.failure = extraction.Wrap(extraction.KindCapacityExceeded, err)
		return res
	}

	ticket, err := r.breaker.Allow()
	if err != nil {
		r.emit(events.Event{Kind: events.KindCheckoutRejected, Operation: op, URL: target, Reason: string(extraction.KindCircuitOpen)})
		res.failure = extraction.Wrap(extraction.KindCircuitOpen, err)
		return res
	}

	inst, err := r.pool.Checkout(ctx)
	if errors.Is(err, pool.ErrCreate) {
		// The component cannot be instantiated: count it against the
		// circuit like any other sandbox fault.
		var ie *engine.InstantiateError
		if errors.As(err, &ie) {
			res.instanceID = ie.InstanceID
		}
		r.breaker.Record(ticket, breaker.Failure)
		r.logger.Warn("Instance creation failed", zap.String("operation", op), zap.Error(err))
		res.failure = extraction.Wrap(extraction.KindSandboxFault, err)
		return res
	}
	if err != nil {
		r.breaker.Record(ticket, breaker.Ignored)
		r.emit(events.Event{Kind: events.KindCheckoutRejected, Operation: op, URL: target, Reason: string(extraction.KindCapacityExceeded), Note: err.Error()})
		res.failure = extraction.Wrap(extraction.KindCapacityExceeded, err)
		return res
	}
	res.instanceID = inst.ID()
	r.emit(events.Event{Kind: events.KindCheckout, InstanceID: inst.ID(), Operation: op, Note: probeNote(ticket)})

	v := verdict{health: health.Poisoned, result: breaker.Failure}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Sandboxed call panicked",
				zap.String("instance_id", inst.ID()),
				zap.String("operation", op),
				zap.Any("panic", p),
			)
			v = verdict{
				failure: extraction.NewFailure(extraction.KindSandboxFault, "sandboxed call panicked: %v", p),
				health:  health.Poisoned,
				result:  breaker.Failure,
			}
			res.failure = v.failure
		}
		r.pool.Return(inst, v.health)
		r.breaker.Record(ticket, v.result)
	}()

	c, err := inst.Sandbox().NewContext()
	if err != nil {
		v = abortVerdict(err)
		res.failure = v.failure
		return res
	}
	res.contextID = c.ID()
	defer func() {
		c.Discard()
		res.usage = usageOf(c)
	}()

	v = fn(c)
	res.failure = v.failure
	return res
}

// complete emits the call record and any alarm it warrants.
func (r *Runtime) complete(op, target string, started time.Time, res callResult) {
	dur := time.Since(started)
	outcome := events.OutcomeOK
	evt := events.Event{
		Kind:       events.KindCallCompleted,
		InstanceID: res.instanceID,
		ContextID:  res.contextID,
		Operation:  op,
		URL:        target,
		Usage:      res.usage,
		Dur:        dur,
	}
	if f := res.failure; f != nil {
		outcome = string(f.Kind)
		evt.Reason = f.Variant
		evt.Note = f.Message
		r.alarmOn(f, res.instanceID, op)
	}
	evt.Outcome = outcome
	r.emit(evt)

	if res.contextID != "" {
		r.logger.Debug("Sandboxed call completed",
			zap.String("operation", op),
			zap.String("instance_id", res.instanceID),
			zap.String("context_id", res.contextID),
			zap.String("outcome", outcome),
			zap.Uint64("fuel_used", res.usage.FuelUsed),
			zap.Uint32("peak_pages", res.usage.PeakPages),
			zap.Duration("duration", dur),
		)
	}
}

func (r *Runtime) alarmOn(f *extraction.Failure, instanceID, op string) {
	switch {
	case f.Kind == extraction.KindConversion:
		r.alarm(AlarmConversion, instanceID, op, f.Message)
	case f.Kind == extraction.KindUnsupported:
		r.alarm(AlarmUnsupported, instanceID, op, f.Message)
	case f.Kind == extraction.KindSandboxFault && instanceID != "":
		if distinct, alarm := r.faults.Record(instanceID); alarm {
			r.alarm(AlarmRepeatFaults, instanceID, op,
				fmt.Sprintf("sandbox faults on %d distinct instances within %s", distinct, r.cfg.AlarmWindow))
		}
	}
}

func (r *Runtime) alarm(name, instanceID, op, note string) {
	r.logger.Error("Sandbox alarm",
		zap.String("alarm", name),
		zap.String("instance_id", instanceID),
		zap.String("operation", op),
		zap.String("detail", note),
	)
	r.emit(events.Event{Kind: events.KindAlarm, InstanceID: instanceID, Operation: op, Reason: name, Note: note})
}

// reject completes a call refused before checkout.
func (r *Runtime) reject(span trace.Span, op, target string, f *extraction.Failure) extraction.Outcome {
	res := callResult{failure: f}
	r.complete(op, target, time.Now(), res)
	annotate(span, res)
	return extraction.Failed(f)
}

func (r *Runtime) precheck(html string) *extraction.Failure {
	if strings.TrimSpace(html) == "" {
		return extraction.NewFailure(extraction.KindInvalidInput, "html is empty")
	}
	if len(html) > r.cfg.MaxInputBytes {
		return extraction.NewFailure(extraction.KindInvalidInput,
			"html is %d bytes; limit is %d", len(html), r.cfg.MaxInputBytes)
	}
	return nil
}

func checkURL(raw string) *extraction.Failure {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return extraction.NewFailure(extraction.KindInvalidInput, "url %q must be an absolute http(s) URL", raw)
	}
	return nil
}

func (r *Runtime) usable() error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return ErrNotStarted
	}
	return nil
}

// abortVerdict classifies an error raised by the context itself, as opposed
// to an error the guest returned.
func abortVerdict(err error) verdict {
	switch {
	case errors.Is(err, governor.ErrResourceLimit):
		return verdict{failure: extraction.Wrap(extraction.KindResourceLimit, err), health: health.Poisoned, result: breaker.Failure}
	case errors.Is(err, contract.ErrSchemaMismatch):
		return verdict{failure: extraction.Wrap(extraction.KindConversion, err), health: health.Failure, result: breaker.Failure}
	default:
		return verdict{failure: extraction.Wrap(extraction.KindSandboxFault, err), health: health.Poisoned, result: breaker.Failure}
	}
}

// guestVerdict classifies an error the guest returned. A rejected input
// means the sandbox worked.
func guestVerdict(f *extraction.Failure) verdict {
	if f.Kind == extraction.KindInvalidInput {
		return verdict{failure: f, health: health.Success, result: breaker.Success}
	}
	return verdict{failure: f, health: health.Failure, result: breaker.Failure}
}

func usageOf(c *engine.Context) extraction.Usage {
	u := c.Usage()
	return extraction.Usage{
		PagesUsed:    u.PagesUsed,
		PeakPages:    u.PeakPages,
		GrowFailures: u.GrowFailures,
		FuelUsed:     u.FuelUsed,
		WallTime:     c.Elapsed(),
	}
}

func annotate(span trace.Span, res callResult) {
	if res.instanceID != "" {
		span.SetAttributes(
			attribute.String("sandbox.instance_id", res.instanceID),
			attribute.String("sandbox.context_id", res.contextID),
			attribute.Int64("sandbox.fuel_used", int64(res.usage.FuelUsed)),
		)
	}
	if res.failure != nil {
		span.SetAttributes(attribute.String("extraction.failure", string(res.failure.Kind)))
		span.SetStatus(codes.Error, res.failure.Message)
	}
}

func probeNote(t breaker.Ticket) string {
	if t.Probe() {
		return "half_open_probe"
	}
	return ""
}

func (r *Runtime) emit(evt events.Event) {
	if evt.TS.IsZero() {
		evt.TS = r.clock.Now().UTC()
	}
	r.emitter.Emit(evt)
}

func (r *Runtime) onCreate(id string) {
	r.emit(events.Event{Kind: events.KindInstanceCreated, InstanceID: id, Health: health.MaxScore})
}

func (r *Runtime) onEvict(id string, reason pool.EvictReason, score health.Score) {
	r.logger.Info("Instance evicted",
		zap.String("instance_id", id),
		zap.String("reason", string(reason)),
		zap.Int("health", score.Value),
	)
	r.emit(events.Event{Kind: events.KindInstanceEvicted, InstanceID: id, Reason: string(reason), Health: score.Value})
}

// onTransition runs under the breaker lock; it must not call back into the
// breaker.
func (r *Runtime) onTransition(t breaker.Transition) {
	log := r.logger.Info
	if t.To == breaker.Open {
		log = r.logger.Warn
	}
	log("Circuit transition",
		zap.String("from", t.From.String()),
		zap.String("to", t.To.String()),
	)
	r.emit(events.Event{Kind: events.KindCircuitTransition, From: t.From.String(), To: t.To.String(), TS: t.At.UTC()})
}
