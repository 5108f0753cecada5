// Package session holds the per-query session state consumed by the query
// core: identity, per-query limit overrides, and feature flags.
//
// The session is resolved by the surrounding server before a query reaches
// this core. Every override is optional; the zero value means "use the
// system default" and keeps the system ceiling as the attributed authority.
package session

import "time"

// Session is the session-scoped configuration attached to one query.
type Session struct {
	User   string
	Source string

	// Per-query limit overrides. Zero means unset.
	MaxRunTime                  time.Duration
	MaxQueuedTime               time.Duration
	MaxExecutionTime            time.Duration
	ClientTimeout               time.Duration
	MaxCPUTime                  time.Duration
	MaxScanBytes                int64
	MaxOutputRows               int64
	MaxOutputBytes              int64
	MaxWrittenIntermediateBytes int64

	// IntermediateMaterialization enables materializing intermediate results,
	// which activates the written-intermediate-bytes limit.
	IntermediateMaterialization bool
}

// DurationOverride reports a duration override and whether it is set.
func DurationOverride(v time.Duration) (time.Duration, bool) { return v, v > 0 }

// BytesOverride reports a byte-count override and whether it is set.
func BytesOverride(v int64) (int64, bool) { return v, v > 0 }

// ResourceGroupLimits are the optional ceilings a resource group imposes on
// a query assigned to it. Resource groups constrain only execution time and
// CPU time.
type ResourceGroupLimits struct {
	ExecutionTimeLimit time.Duration
	CPUTimeLimit       time.Duration
}

// ExecutionTime returns the execution-time ceiling and whether it is set.
func (l *ResourceGroupLimits) ExecutionTime() (time.Duration, bool) {
	if l == nil {
		return 0, false
	}
	return l.ExecutionTimeLimit, l.ExecutionTimeLimit > 0
}

// CPUTime returns the CPU-time ceiling and whether it is set.
func (l *ResourceGroupLimits) CPUTime() (time.Duration, bool) {
	if l == nil {
		return 0, false
	}
	return l.CPUTimeLimit, l.CPUTimeLimit > 0
}
