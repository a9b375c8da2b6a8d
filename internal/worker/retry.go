package worker

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
)

// retryPolicy implements jittered exponential backoff for fetches and for
// extractions turned away because every sandbox instance was busy.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func newRetryPolicy(maxRetries int, base time.Duration) retryPolicy {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	return retryPolicy{maxRetries: maxRetries, baseDelay: base, maxDelay: 5 * time.Second}
}

// shouldRetry decides whether attempt (zero based) may be followed by another.
func (p retryPolicy) shouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var f *extraction.Failure
	if errors.As(err, &f) {
		return f.Kind == extraction.KindCapacityExceeded
	}
	return true
}

// backoff returns the wait before the next attempt: half the exponential
// delay plus up to the same again in jitter.
func (p retryPolicy) backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
