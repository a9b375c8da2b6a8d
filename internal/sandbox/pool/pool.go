// Package pool keeps reusable sandbox instances and bounds how many run at
// once. Waiting for a slot is FIFO; instances that fail health checks are
// destroyed and replaced in the background.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/health"
)

var (
	// ErrCapacityExceeded is returned when no slot frees up in time.
	ErrCapacityExceeded = errors.New("pool capacity exceeded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pool closed")
	// ErrCreate wraps factory failures. Unlike ErrCapacityExceeded it means
	// the sandbox itself is broken, not that the pool is busy.
	ErrCreate = errors.New("create instance")
)

// EvictReason says why an instance left the pool.
type EvictReason string

// Eviction reasons.
const (
	EvictPoisoned    EvictReason = "poisoned"
	EvictUnhealthy   EvictReason = "unhealthy"
	EvictIdleExpired EvictReason = "idle_expired"
	EvictIdleFull    EvictReason = "idle_full"
	EvictSweep       EvictReason = "sweep"
	EvictClosed      EvictReason = "closed"
)

// Factory creates a new sandbox.
type Factory[S Sandbox] func(ctx context.Context) (S, error)

// Hooks observe the pool's lifecycle. They run outside the pool lock.
type Hooks struct {
	OnCreate func(id string)
	OnEvict  func(id string, reason EvictReason, score health.Score)
}

// Option customizes a Pool.
type Option func(*options)

type options struct {
	logger *zap.Logger
	now    func() time.Time
	hooks  Hooks
}

// WithLogger sets the pool logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source used for idle expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithHooks registers lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(o *options) { o.hooks = h }
}

// Stats is a snapshot of the pool.
type Stats struct {
	Size           int     `json:"size"`
	Idle           int     `json:"idle"`
	InUse          int     `json:"in_use"`
	MaxConcurrency int     `json:"max_concurrency"`
	Created        uint64  `json:"created"`
	Evicted        uint64  `json:"evicted"`
	Reused         uint64  `json:"reused"`
	AverageHealth  float64 `json:"average_health"`
}

// Pool manages instances of S.
type Pool[S Sandbox] struct {
	cfg     Config
	factory Factory[S]
	sem     *semaphore.Weighted
	logger  *zap.Logger
	now     func() time.Time
	hooks   Hooks

	mu      sync.Mutex
	idle    []*Instance[S]
	active  map[*Instance[S]]struct{}
	size    int
	created uint64
	evicted uint64
	reused  uint64
	closed  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an empty pool. Call Warm to pre-create MinWarm instances.
func New[S Sandbox](cfg Config, factory Factory[S], opts ...Option) (*Pool[S], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, errors.New("factory is required")
	}
	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Pool[S]{
		cfg:     cfg,
		factory: factory,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		logger:  o.logger.Named("pool"),
		now:     o.now,
		hooks:   o.hooks,
		active:  make(map[*Instance[S]]struct{}),
		baseCtx: baseCtx,
		cancel:  cancel,
	}, nil
}

// Config returns the pool sizing.
func (p *Pool[S]) Config() Config { return p.cfg }

// Checkout waits up to CheckoutTimeout for a slot and returns the oldest
// idle healthy instance, creating one when none is idle. Every successful
// Checkout must be paired with Return.
func (p *Pool[S]) Checkout(ctx context.Context) (*Instance[S], error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.CheckoutTimeout)
	defer cancel()
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		return nil, fmt.Errorf("%w: waited %s: %v", ErrCapacityExceeded, p.cfg.CheckoutTimeout, err)
	}
	inst, err := p.take(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return inst, nil
}

// TryCheckout is Checkout without waiting: it fails with ErrCapacityExceeded
// when no slot is free right now.
func (p *Pool[S]) TryCheckout(ctx context.Context) (*Instance[S], error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	if !p.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: no free slot", ErrCapacityExceeded)
	}
	inst, err := p.take(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return inst, nil
}

func (p *Pool[S]) take(ctx context.Context) (*Instance[S], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	now := p.now()
	var expired []*Instance[S]
	for len(p.idle) > 0 {
		inst := p.idle[0]
		p.idle = p.idle[1:]
		if p.cfg.MaxIdleTime > 0 && now.Sub(inst.lastUsed) > p.cfg.MaxIdleTime {
			expired = append(expired, inst)
			p.size--
			p.evicted++
			continue
		}
		inst.out = true
		p.active[inst] = struct{}{}
		p.reused++
		p.mu.Unlock()
		p.destroyAll(expired, EvictIdleExpired)
		return inst, nil
	}
	if p.size >= p.cfg.MaxInstances {
		p.mu.Unlock()
		p.destroyAll(expired, EvictIdleExpired)
		return nil, fmt.Errorf("%w: %d instances live", ErrCapacityExceeded, p.cfg.MaxInstances)
	}
	p.size++
	p.mu.Unlock()
	p.destroyAll(expired, EvictIdleExpired)

	inst, err := p.create(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	inst.out = true
	p.active[inst] = struct{}{}
	p.mu.Unlock()
	return inst, nil
}

// create builds one instance against a size slot the caller already
// reserved.
func (p *Pool[S]) create(ctx context.Context) (*Instance[S], error) {
	sb, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.size--
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}
	now := p.now()
	inst := &Instance[S]{sandbox: sb, created: now, lastUsed: now, score: health.NewScore()}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	p.logger.Debug("Instance created", zap.String("instance_id", sb.ID()))
	if p.hooks.OnCreate != nil {
		p.hooks.OnCreate(sb.ID())
	}
	return inst, nil
}

// Return hands inst back after a call. It records outcome against the
// instance's health, then re-queues it or destroys it, and always frees the
// caller's slot. It returns the updated score and the eviction reason, which
// is empty when the instance went back to the idle list.
func (p *Pool[S]) Return(inst *Instance[S], outcome health.Outcome) (health.Score, EvictReason) {
	p.mu.Lock()
	if !inst.out {
		score := inst.score
		p.mu.Unlock()
		p.logger.Error("Instance returned twice", zap.String("instance_id", inst.ID()))
		return score, ""
	}
	defer p.sem.Release(1)

	inst.out = false
	delete(p.active, inst)
	inst.calls++
	inst.lastUsed = p.now()
	inst.score.Record(outcome)
	score := inst.score

	var reason EvictReason
	switch {
	case p.closed:
		reason = EvictClosed
	case score.Poisoned:
		reason = EvictPoisoned
	case score.Evict(p.cfg.EvictionThreshold):
		reason = EvictUnhealthy
	case len(p.idle) >= p.cfg.MaxIdle:
		reason = EvictIdleFull
	}
	if reason == "" {
		p.idle = append(p.idle, inst)
		p.mu.Unlock()
		return score, ""
	}
	p.size--
	p.evicted++
	replenish := !p.closed && p.size < p.cfg.MinWarm
	p.mu.Unlock()

	p.destroy(inst, reason)
	if replenish {
		p.replenish()
	}
	return score, reason
}

// Warm creates instances until MinWarm are live, in parallel.
func (p *Pool[S]) Warm(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	need := min(p.cfg.MinWarm-p.size, p.cfg.MaxInstances-p.size)
	if need <= 0 {
		p.mu.Unlock()
		return nil
	}
	p.size += need
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for range need {
		g.Go(func() error {
			inst, err := p.create(gctx)
			if err != nil {
				return err
			}
			p.mu.Lock()
			if p.closed {
				p.size--
				p.mu.Unlock()
				p.destroy(inst, EvictClosed)
				return nil
			}
			p.idle = append(p.idle, inst)
			p.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("warm pool: %w", err)
	}
	return nil
}

func (p *Pool[S]) replenish() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		if err := p.Warm(p.baseCtx); err != nil && !errors.Is(err, ErrClosed) {
			p.logger.Warn("Replenish failed", zap.Error(err))
		}
	}()
}

// Sweep offers every idle instance to evict and destroys those it selects.
// The predicate runs on a snapshot without holding the pool lock.
func (p *Pool[S]) Sweep(evict func(health.Candidate) bool) int {
	p.mu.Lock()
	snapshot := make([]*Instance[S], len(p.idle))
	copy(snapshot, p.idle)
	candidates := make([]health.Candidate, len(snapshot))
	now := p.now()
	for i, inst := range snapshot {
		candidates[i] = health.Candidate{
			ID:      inst.ID(),
			Score:   inst.score,
			IdleFor: now.Sub(inst.lastUsed),
			Age:     now.Sub(inst.created),
		}
	}
	p.mu.Unlock()

	selected := make(map[*Instance[S]]struct{})
	for i, c := range candidates {
		if evict(c) {
			selected[snapshot[i]] = struct{}{}
		}
	}
	if len(selected) == 0 {
		return 0
	}

	p.mu.Lock()
	kept := p.idle[:0]
	var victims []*Instance[S]
	for _, inst := range p.idle {
		if _, ok := selected[inst]; ok {
			victims = append(victims, inst)
			continue
		}
		kept = append(kept, inst)
	}
	p.idle = kept
	p.size -= len(victims)
	p.evicted += uint64(len(victims))
	replenish := !p.closed && p.size < p.cfg.MinWarm
	p.mu.Unlock()

	p.destroyAll(victims, EvictSweep)
	if replenish {
		p.replenish()
	}
	return len(victims)
}

// ResetHealth restores every live instance to a perfect score.
func (p *Pool[S]) ResetHealth() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.idle {
		inst.score.Reset()
	}
	for inst := range p.active {
		inst.score.Reset()
	}
}

// Stats returns a snapshot of the pool.
func (p *Pool[S]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Size:           p.size,
		Idle:           len(p.idle),
		InUse:          len(p.active),
		MaxConcurrency: p.cfg.MaxConcurrency,
		Created:        p.created,
		Evicted:        p.evicted,
		Reused:         p.reused,
	}
	total, n := 0, 0
	for _, inst := range p.idle {
		total += inst.score.Value
		n++
	}
	for inst := range p.active {
		total += inst.score.Value
		n++
	}
	if n > 0 {
		s.AverageHealth = float64(total) / float64(n)
	} else {
		s.AverageHealth = health.MaxScore
	}
	return s
}

// Close destroys idle instances and waits for background replenishment.
// Instances still checked out are destroyed when returned.
func (p *Pool[S]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.size -= len(idle)
	p.evicted += uint64(len(idle))
	p.mu.Unlock()

	p.cancel()
	p.destroyAll(idle, EvictClosed)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool[S]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool[S]) destroyAll(insts []*Instance[S], reason EvictReason) {
	for _, inst := range insts {
		p.destroy(inst, reason)
	}
}

func (p *Pool[S]) destroy(inst *Instance[S], reason EvictReason) {
	if err := inst.sandbox.Close(); err != nil {
		p.logger.Warn("Instance close failed", zap.String("instance_id", inst.ID()), zap.Error(err))
	}
	p.logger.Debug("Instance evicted",
		zap.String("instance_id", inst.ID()),
		zap.String("reason", string(reason)),
		zap.Int("health", inst.score.Value),
	)
	if p.hooks.OnEvict != nil {
		p.hooks.OnEvict(inst.ID(), reason, inst.score)
	}
}
