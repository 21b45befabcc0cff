// Package metrics exposes Prometheus instruments for bulk edit runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "daedalus"

// Metric names
const (
	MetricIdentifiersProcessed = "identifiers_processed_total"
	MetricRecordsMatched       = "records_matched_total"
	MetricSkipped              = "identifiers_skipped_total"
	MetricPartitionsFailed     = "partitions_failed_total"
	MetricMergeDuration        = "merge_duration_seconds"
	MetricBreakerState         = "remote_breaker_state"
)

// Pipeline holds the run pipeline instruments. A nil *Pipeline is valid and records nothing.
type Pipeline struct {
	processed        *prometheus.CounterVec
	matched          *prometheus.CounterVec
	skipped          *prometheus.CounterVec
	partitionsFailed *prometheus.CounterVec
	mergeDuration    *prometheus.HistogramVec
	breakerState     prometheus.Gauge
}

// NewPipeline creates the instruments and registers them on reg
func NewPipeline(reg prometheus.Registerer) (*Pipeline, error) {
	p := &Pipeline{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricIdentifiersProcessed,
			Help:      "Identifiers or records handled by a phase, skipped ones included.",
		}, []string{"phase", "entity_type"}),
		matched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricRecordsMatched,
			Help:      "Records written to the phase output.",
		}, []string{"phase", "entity_type"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricSkipped,
			Help:      "Skippable failures by error code.",
		}, []string{"phase", "code"}),
		partitionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricPartitionsFailed,
			Help:      "Partitions that ended with a fatal error.",
		}, []string{"phase"}),
		mergeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricMergeDuration,
			Help:      "Time spent assembling partition outputs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"phase", "outcome"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      MetricBreakerState,
			Help:      "Remote circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}),
	}

	for _, c := range []prometheus.Collector{p.processed, p.matched, p.skipped, p.partitionsFailed, p.mergeDuration, p.breakerState} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// IdentifierProcessed counts one handled input line
func (p *Pipeline) IdentifierProcessed(phase, entityType string) {
	if p == nil {
		return
	}
	p.processed.WithLabelValues(phase, entityType).Inc()
}

// RecordsMatched counts records written to the output
func (p *Pipeline) RecordsMatched(phase, entityType string, n int) {
	if p == nil || n <= 0 {
		return
	}
	p.matched.WithLabelValues(phase, entityType).Add(float64(n))
}

// Skipped counts one skippable failure
func (p *Pipeline) Skipped(phase, code string) {
	if p == nil {
		return
	}
	p.skipped.WithLabelValues(phase, code).Inc()
}

// PartitionFailed counts one fatal partition
func (p *Pipeline) PartitionFailed(phase string) {
	if p == nil {
		return
	}
	p.partitionsFailed.WithLabelValues(phase).Inc()
}

// ObserveMerge records the duration of one merge
func (p *Pipeline) ObserveMerge(phase string, d time.Duration, err error) {
	if p == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	p.mergeDuration.WithLabelValues(phase, outcome).Observe(d.Seconds())
}

// BreakerState records the current remote circuit breaker state
func (p *Pipeline) BreakerState(state int) {
	if p == nil {
		return
	}
	p.breakerState.Set(float64(state))
}
