package concurrency

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// Metrics tracks limiter usage
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	TotalFailed     int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter bounds the number of partitions running at once. When a circuit breaker
// is attached, failing work trips it and new work is refused until it resets.
type Limiter struct {
	sem            chan struct{}
	active         int64
	metrics        Metrics
	circuitBreaker *CircuitBreaker
}

// NewLimiter creates a limiter without a circuit breaker
func NewLimiter(maxConcurrent int) *Limiter {
	return NewLimiterWithCircuitBreaker(maxConcurrent, nil)
}

// NewLimiterWithCircuitBreaker creates a limiter guarded by cb; cb may be nil
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		circuitBreaker: cb,
	}
}

// Capacity returns the maximum number of concurrent slots
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// Acquire waits for a free slot. It fails fast when the breaker is open.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.circuitBreaker != nil && l.circuitBreaker.IsOpen() {
		return errors.ErrCircuitOpen
	}

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		atomic.AddInt64(&l.metrics.TotalWaitTimeNs, time.Since(start).Nanoseconds())
		atomic.AddInt64(&l.metrics.TotalAcquired, 1)
		l.updatePeak(atomic.AddInt64(&l.active, 1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
		atomic.AddInt64(&l.metrics.TotalReleased, 1)
	default:
	}
}

// Do runs fn in the caller's goroutine once a slot is free and reports the outcome to the breaker
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	if err := fn(); err != nil {
		atomic.AddInt64(&l.metrics.TotalFailed, 1)
		if l.circuitBreaker != nil {
			l.circuitBreaker.RecordFailure()
		}
		return err
	}
	if l.circuitBreaker != nil {
		l.circuitBreaker.RecordSuccess()
	}
	return nil
}

// CurrentActive returns the number of slots in use
func (l *Limiter) CurrentActive() int64 {
	return atomic.LoadInt64(&l.active)
}

// GetMetrics returns a snapshot of the metrics
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&l.metrics.TotalAcquired),
		TotalReleased:   atomic.LoadInt64(&l.metrics.TotalReleased),
		TotalFailed:     atomic.LoadInt64(&l.metrics.TotalFailed),
		PeakConcurrent:  atomic.LoadInt64(&l.metrics.PeakConcurrent),
		TotalWaitTimeNs: atomic.LoadInt64(&l.metrics.TotalWaitTimeNs),
	}
}

// GetAverageWaitTime returns the mean time spent waiting for a slot
func (l *Limiter) GetAverageWaitTime() time.Duration {
	m := l.GetMetrics()
	if m.TotalAcquired == 0 {
		return 0
	}
	return time.Duration(m.TotalWaitTimeNs / m.TotalAcquired)
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.metrics.PeakConcurrent)
		if current <= peak {
			return
		}
		if atomic.CompareAndSwapInt64(&l.metrics.PeakConcurrent, peak, current) {
			return
		}
	}
}
