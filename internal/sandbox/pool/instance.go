package pool

import (
	"time"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/health"
)

// Sandbox is the handle a pool manages.
type Sandbox interface {
	ID() string
	Close() error
}

// Instance is a pooled sandbox with its bookkeeping. Bookkeeping fields are
// only touched under the pool lock.
type Instance[S Sandbox] struct {
	sandbox  S
	created  time.Time
	lastUsed time.Time
	calls    uint64
	score    health.Score
	out      bool
}

// Sandbox returns the managed handle.
func (i *Instance[S]) Sandbox() S { return i.sandbox }

// ID returns the sandbox identifier.
func (i *Instance[S]) ID() string { return i.sandbox.ID() }

// Created returns when the instance joined the pool.
func (i *Instance[S]) Created() time.Time { return i.created }
