package driftsql

import (
	"sync/atomic"
	"time"

	"github.com/driftsql/driftsql/model"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    createdCounter  prometheus.Counter
//	    runTimeHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordQueryCreated(err error) {
//	    p.createdCounter.Inc()
//	    // ... record error state, etc.
//	}
type MetricsCollector interface {
	// RecordQueryCreated is called after each admission attempt.
	// err is nil if the query was admitted.
	RecordQueryCreated(err error)

	// RecordQueryCompleted is called exactly once per query when it reaches
	// a terminal state. runTime is measured from creation to end.
	RecordQueryCompleted(state model.QueryState, runTime time.Duration)

	// RecordQueryFailed is called for each terminal failure with its code.
	RecordQueryFailed(code model.ErrorCode)

	// RecordEnforcementPass is called after each limit-enforcement pass.
	RecordEnforcementPass(duration time.Duration)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordQueryCreated(error)                             {}
func (NoopMetricsCollector) RecordQueryCompleted(model.QueryState, time.Duration) {}
func (NoopMetricsCollector) RecordQueryFailed(model.ErrorCode)                    {}
func (NoopMetricsCollector) RecordEnforcementPass(time.Duration)                  {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	CreatedCount          atomic.Int64
	CreatedErrors         atomic.Int64
	CompletedCount        atomic.Int64
	CompletedTotalNanos   atomic.Int64
	FailedCount           atomic.Int64
	CanceledCount         atomic.Int64
	EnforcementCount      atomic.Int64
	EnforcementTotalNanos atomic.Int64
}

// RecordQueryCreated implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQueryCreated(err error) {
	b.CreatedCount.Add(1)
	if err != nil {
		b.CreatedErrors.Add(1)
	}
}

// RecordQueryCompleted implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQueryCompleted(state model.QueryState, runTime time.Duration) {
	b.CompletedCount.Add(1)
	b.CompletedTotalNanos.Add(runTime.Nanoseconds())
	if state == model.StateCanceled {
		b.CanceledCount.Add(1)
	}
}

// RecordQueryFailed implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQueryFailed(code model.ErrorCode) {
	b.FailedCount.Add(1)
}

// RecordEnforcementPass implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEnforcementPass(duration time.Duration) {
	b.EnforcementCount.Add(1)
	b.EnforcementTotalNanos.Add(duration.Nanoseconds())
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		CreatedCount:        b.CreatedCount.Load(),
		CreatedErrors:       b.CreatedErrors.Load(),
		CompletedCount:      b.CompletedCount.Load(),
		CompletedAvgNanos:   b.getAvgCompletedNanos(),
		FailedCount:         b.FailedCount.Load(),
		CanceledCount:       b.CanceledCount.Load(),
		EnforcementCount:    b.EnforcementCount.Load(),
		EnforcementAvgNanos: b.getAvgEnforcementNanos(),
	}
}

func (b *BasicMetricsCollector) getAvgCompletedNanos() int64 {
	count := b.CompletedCount.Load()
	if count == 0 {
		return 0
	}
	return b.CompletedTotalNanos.Load() / count
}

func (b *BasicMetricsCollector) getAvgEnforcementNanos() int64 {
	count := b.EnforcementCount.Load()
	if count == 0 {
		return 0
	}
	return b.EnforcementTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	CreatedCount        int64
	CreatedErrors       int64
	CompletedCount      int64
	CompletedAvgNanos   int64
	FailedCount         int64
	CanceledCount       int64
	EnforcementCount    int64
	EnforcementAvgNanos int64
}
