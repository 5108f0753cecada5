package tracker

import (
	"time"

	"github.com/driftsql/driftsql/model"
	"github.com/driftsql/driftsql/session"
)

// TrackedQuery is the capability surface a query execution unit must expose
// to be managed by the Tracker. It is deliberately minimal: the tracker never
// needs to know how a query runs, only its lifecycle state, its clocks, and
// how to force it into a terminal failed state.
type TrackedQuery interface {
	// QueryID returns the query's unique identifier. Immutable.
	QueryID() model.QueryID

	// State returns the current lifecycle state.
	State() model.QueryState

	// IsDone reports whether the query has reached a terminal state.
	// Once true it never becomes false.
	IsDone() bool

	// Session returns the session the query was submitted under.
	Session() *session.Session

	// ResourceGroupLimits returns the limits imposed by the query's resource
	// group, or nil when the query is not constrained by one.
	ResourceGroupLimits() *session.ResourceGroupLimits

	// CreateTime is when the query was admitted.
	CreateTime() time.Time

	// QueuedTime is how long the query spent queued before execution began,
	// or the time queued so far if it has not started.
	QueuedTime() time.Duration

	// ExecutionStartTime is when execution began. Zero until then.
	ExecutionStartTime() time.Time

	// LastHeartbeat is the last time the client checked on the query.
	LastHeartbeat() time.Time

	// EndTime is when the query reached a terminal state. Zero until then.
	// For a done query this is always set: the transition to done and the
	// end-time record happen in a single critical section.
	EndTime() time.Time

	// RunningTaskCount is the number of tasks the query is currently running
	// across the cluster.
	RunningTaskCount() int

	// Fail forces the query into a terminal failed state with the given
	// cause. Failing an already-done query is a no-op.
	Fail(cause error)

	// PruneExpiredInfo discards verbose state while keeping summary fields.
	// Invoked once the query has more than the history capacity of
	// more-recent queries ahead of it. Idempotent.
	PruneExpiredInfo()

	// PruneFinishedInfo discards all non-essential state immediately after
	// the query reaches a terminal state. Idempotent.
	PruneFinishedInfo()
}

// DurationUntilExpiration returns how long until the query would be declared
// abandoned, given the effective client timeout. Zero when already overdue.
func DurationUntilExpiration(q TrackedQuery, clientTimeout time.Duration, now time.Time) time.Duration {
	hb := q.LastHeartbeat()
	if hb.IsZero() {
		return clientTimeout
	}
	d := hb.Add(clientTimeout).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ClusterTaskCounter supplies the authoritative cluster-wide running-task
// count. When configured it supersedes the tracker's locally summed total.
type ClusterTaskCounter interface {
	RunningTaskCount() int
}
