package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/contract"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/governor"
)

var (
	// ErrGuestTrap reports an uncaught exception raised by guest code.
	ErrGuestTrap = errors.New("guest trapped")
	// ErrDiscarded is returned by every call on a discarded context.
	ErrDiscarded = errors.New("execution context discarded")
)

// Fuel prices charged at the boundary.
const (
	HostCallFuel       = 10
	BoundaryFuelPerKiB = 1
)

// Context is a single-use execution of an image. It owns a fresh runtime and
// governor and must be discarded after use; it is not safe for concurrent
// calls.
type Context struct {
	id         string
	instanceID string
	image      *Image
	vm         *goja.Runtime
	gov        *governor.Governor
	logger     *zap.Logger

	parse     goja.Callable
	stringify goja.Callable
	exports   map[string]goja.Callable

	elapsed   time.Duration
	discarded atomic.Bool
	once      sync.Once
}

func newContext(
	img *Image,
	limits governor.Limits,
	ticker *governor.EpochTicker,
	id, instanceID string,
	logger *zap.Logger,
) (*Context, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(limits.MaxCallDepth())

	gov := governor.New(limits)
	if err := gov.AcquireInstance(); err != nil {
		return nil, err
	}
	c := &Context{
		id:         id,
		instanceID: instanceID,
		image:      img,
		vm:         vm,
		gov:        gov,
		logger:     logger.With(zap.String("context_id", id)),
		exports:    make(map[string]goja.Callable, len(contract.Exports)),
	}
	gov.OnTrip(func(r governor.Reason) {
		vm.Interrupt(r.Err())
	})
	gov.Arm(ticker)

	// Captured before guest code runs so the guest cannot replace them.
	codec := vm.Get("JSON").ToObject(vm)
	c.parse, _ = goja.AssertFunction(codec.Get("parse"))
	c.stringify, _ = goja.AssertFunction(codec.Get("stringify"))

	if err := c.installHost(); err != nil {
		c.Discard()
		return nil, fmt.Errorf("install host api: %w", err)
	}
	if err := c.charge(img.size); err != nil {
		c.Discard()
		return nil, fmt.Errorf("instantiate %s: %w", img.name, err)
	}
	if _, err := vm.RunProgram(img.program); err != nil {
		c.Discard()
		return nil, fmt.Errorf("instantiate %s: %w", img.name, c.classify(err))
	}
	for _, name := range contract.Exports {
		fn, ok := goja.AssertFunction(vm.Get(name))
		if !ok {
			c.Discard()
			return nil, fmt.Errorf("%w: %s", ErrMissingExport, name)
		}
		c.exports[name] = fn
	}
	return c, nil
}

// ID returns the context's unique identifier.
func (c *Context) ID() string { return c.id }

// InstanceID returns the id of the instance the context was created for.
func (c *Context) InstanceID() string { return c.instanceID }

// Extract runs the guest extract export.
func (c *Context) Extract(req contract.Request) (contract.Result, error) {
	raw, err := c.call(contract.ExportExtract, req)
	if err != nil {
		return contract.Result{}, err
	}
	return contract.Decode[contract.Result](raw)
}

// ValidateInput runs the guest validate_input export.
func (c *Context) ValidateInput(html string) (contract.Validation, error) {
	raw, err := c.call(contract.ExportValidateInput, html)
	if err != nil {
		return contract.Validation{}, err
	}
	return contract.Decode[contract.Validation](raw)
}

// HealthCheck runs the guest health_check export.
func (c *Context) HealthCheck() (contract.HealthStatus, error) {
	raw, err := c.call(contract.ExportHealthCheck, nil)
	if err != nil {
		return contract.HealthStatus{}, err
	}
	return contract.Decode[contract.HealthStatus](raw)
}

// Info runs the guest get_info export.
func (c *Context) Info() (contract.ComponentInfo, error) {
	raw, err := c.call(contract.ExportGetInfo, nil)
	if err != nil {
		return contract.ComponentInfo{}, err
	}
	return contract.Decode[contract.ComponentInfo](raw)
}

// Usage snapshots the governor counters.
func (c *Context) Usage() governor.Usage {
	return c.gov.Usage()
}

// Tripped reports which limit aborted the context, if any.
func (c *Context) Tripped() governor.Reason {
	return c.gov.Tripped()
}

// Elapsed returns the wall time spent inside guest calls.
func (c *Context) Elapsed() time.Duration {
	return c.elapsed
}

// Discard releases the context. It is idempotent; every later call fails with
// ErrDiscarded.
func (c *Context) Discard() {
	c.once.Do(func() {
		c.discarded.Store(true)
		c.gov.Disarm()
		c.gov.ReleaseInstance()
		c.vm.Interrupt(ErrDiscarded)
	})
}

func (c *Context) call(name string, arg any) ([]byte, error) {
	if c.discarded.Load() {
		return nil, ErrDiscarded
	}
	if r := c.gov.Tripped(); r != governor.ReasonNone {
		return nil, r.Err()
	}
	fn := c.exports[name]
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingExport, name)
	}

	start := time.Now()
	defer func() { c.elapsed += time.Since(start) }()

	var args []goja.Value
	if arg != nil {
		v, err := c.lower(arg)
		if err != nil {
			return nil, fmt.Errorf("lower %s argument: %w", name, err)
		}
		args = append(args, v)
	}
	ret, err := fn(goja.Undefined(), args...)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, c.classify(err))
	}
	raw, err := c.lift(ret)
	if err != nil {
		return nil, fmt.Errorf("lift %s result: %w", name, err)
	}
	return raw, nil
}

// lower moves a host value into the guest heap as parsed JSON.
func (c *Context) lower(arg any) (goja.Value, error) {
	raw, err := json.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if err := c.charge(len(raw)); err != nil {
		return nil, err
	}
	v, err := c.parse(goja.Undefined(), c.vm.ToValue(string(raw)))
	if err != nil {
		return nil, c.classify(err)
	}
	return v, nil
}

// lift serializes a guest value back to JSON bytes.
func (c *Context) lift(v goja.Value) ([]byte, error) {
	out, err := c.stringify(goja.Undefined(), v)
	if err != nil {
		return nil, c.classify(err)
	}
	if out == nil || goja.IsUndefined(out) || goja.IsNull(out) {
		return nil, fmt.Errorf("%w: guest returned no value", contract.ErrSchemaMismatch)
	}
	s := out.String()
	if err := c.charge(len(s)); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// charge bills n bytes crossing the boundary against the page ceiling and
// the fuel budget. Boundary copies are required by the host, so a denied
// page grant aborts the call.
func (c *Context) charge(n int) error {
	if _, ok := c.gov.GrowMemory(governor.PagesFor(n)); !ok {
		c.gov.Trip(governor.ReasonMemory)
		return c.gov.Tripped().Err()
	}
	kib := (uint64(n) + 1023) / 1024
	return c.gov.Consume(kib * BoundaryFuelPerKiB)
}

func (c *Context) classify(err error) error {
	if r := c.gov.Tripped(); r != governor.ReasonNone {
		return r.Err()
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return cause
		}
		return fmt.Errorf("%w: %v", ErrGuestTrap, err)
	}
	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) || strings.Contains(strings.ToLower(err.Error()), "call stack size exceeded") {
		c.gov.Trip(governor.ReasonStack)
		return c.gov.Tripped().Err()
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return fmt.Errorf("%w: %s", ErrGuestTrap, ex.Error())
	}
	return fmt.Errorf("%w: %v", ErrGuestTrap, err)
}
