package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/governor"
)

// ErrInstanceClosed is returned when creating a context on a closed instance.
var ErrInstanceClosed = errors.New("instance closed")

// IDGenerator produces unique identifiers for instances and contexts.
type IDGenerator interface {
	NewID() (string, error)
}

// InstantiateError reports an instance that could not be brought up.
type InstantiateError struct {
	InstanceID string
	Err        error
}

func (e *InstantiateError) Error() string {
	return fmt.Sprintf("instance %s: %v", e.InstanceID, e.Err)
}

func (e *InstantiateError) Unwrap() error { return e.Err }

// Factory creates instances and their execution contexts under one resource
// envelope.
type Factory struct {
	image  *Image
	limits governor.Limits
	ticker *governor.EpochTicker
	ids    IDGenerator
	logger *zap.Logger
}

// NewFactory binds an image to the limits and ticker every context uses.
func NewFactory(image *Image, limits governor.Limits, ticker *governor.EpochTicker, ids IDGenerator, logger *zap.Logger) (*Factory, error) {
	if image == nil {
		return nil, errors.New("image is required")
	}
	if ticker == nil {
		return nil, errors.New("epoch ticker is required")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid limits: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		image:  image,
		limits: limits,
		ticker: ticker,
		ids:    ids,
		logger: logger.Named("engine"),
	}, nil
}

// Image returns the image the factory instantiates.
func (f *Factory) Image() *Image { return f.image }

// Limits returns the envelope applied to every context.
func (f *Factory) Limits() governor.Limits { return f.limits }

// NewInstance creates a pooled sandbox handle and proves it can serve calls
// by running health_check in a throwaway context.
func (f *Factory) NewInstance(ctx context.Context) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := f.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("instance id: %w", err)
	}
	inst := &Instance{id: id, factory: f, created: time.Now()}

	c, err := f.NewContext(inst)
	if err != nil {
		return nil, &InstantiateError{InstanceID: id, Err: fmt.Errorf("instantiate: %w", err)}
	}
	defer c.Discard()
	status, err := c.HealthCheck()
	if err != nil {
		return nil, &InstantiateError{InstanceID: id, Err: fmt.Errorf("health check: %w", err)}
	}
	f.logger.Debug("Instance created",
		zap.String("instance_id", id),
		zap.String("component", f.image.name),
		zap.String("guest_status", status.Status),
	)
	return inst, nil
}

// NewContext creates a fresh execution context for inst.
func (f *Factory) NewContext(inst *Instance) (*Context, error) {
	if inst.closed.Load() {
		return nil, ErrInstanceClosed
	}
	id, err := f.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("context id: %w", err)
	}
	return newContext(f.image, f.limits, f.ticker, id, inst.id, f.logger.With(zap.String("instance_id", inst.id)))
}

// Instance is a reusable sandbox handle bound to an image. The state of one
// call never survives into the next because every call gets its own Context.
type Instance struct {
	id      string
	factory *Factory
	created time.Time
	closed  atomic.Bool
}

// ID returns the instance identifier.
func (i *Instance) ID() string { return i.id }

// Created returns when the instance was created.
func (i *Instance) Created() time.Time { return i.created }

// NewContext is shorthand for the owning factory's NewContext.
func (i *Instance) NewContext() (*Context, error) {
	return i.factory.NewContext(i)
}

// Close retires the instance. Contexts already created keep running.
func (i *Instance) Close() error {
	i.closed.Store(true)
	return nil
}
