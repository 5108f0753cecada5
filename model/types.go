package model

import (
	"time"

	"github.com/google/uuid"
)

// QueryID is the globally unique, opaque identifier for a single query.
// It is immutable for the lifetime of the query and is used as the
// registry key by the tracker.
type QueryID string

// NewQueryID returns a fresh random QueryID.
func NewQueryID() QueryID {
	return QueryID(uuid.NewString())
}

// String returns the identifier as a plain string.
func (id QueryID) String() string { return string(id) }

// QueryState is the lifecycle state of a query.
type QueryState int

const (
	// StateQueued is the initial state: admitted but not yet running.
	StateQueued QueryState = iota
	// StateRunning means the query is executing.
	StateRunning
	// StateFinishing means all work is complete and final output is draining.
	StateFinishing
	// StateFinished is the successful terminal state.
	StateFinished
	// StateFailed is the terminal state of a query that failed.
	StateFailed
	// StateCanceled is the terminal state of a query canceled by a client.
	StateCanceled
)

// IsDone reports whether the state is terminal. Terminal states are one-way:
// once a query is done it never becomes live again.
func (s QueryState) IsDone() bool {
	return s == StateFinished || s == StateFailed || s == StateCanceled
}

// String returns the canonical state name.
func (s QueryState) String() string {
	switch s {
	case StateQueued:
		return "QUEUED"
	case StateRunning:
		return "RUNNING"
	case StateFinishing:
		return "FINISHING"
	case StateFinished:
		return "FINISHED"
	case StateFailed:
		return "FAILED"
	case StateCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// BasicQueryInfo is the lightweight per-query snapshot kept for the whole
// retention window, including after verbose state has been pruned.
type BasicQueryInfo struct {
	QueryID       QueryID
	State         QueryState
	User          string
	Source        string
	Query         string
	CreateTime    time.Time
	ExecutionTime time.Time
	EndTime       time.Time

	CPUTime                  time.Duration
	RawInputBytes            int64
	WrittenIntermediateBytes int64
	OutputRows               int64
	OutputBytes              int64
	PeakMemoryBytes          int64
	RunningTasks             int

	ErrorCode ErrorCode
	ErrorText string
}

// QueryInfo is the full per-query snapshot. The verbose fields are the ones
// discarded by the pruning operations; the embedded BasicQueryInfo survives
// until the query is removed from the registry.
type QueryInfo struct {
	BasicQueryInfo

	// Verbose state, dropped by pruning.
	SQLText   string
	PlanText  string
	StageInfo []StageInfo
}

// StageInfo summarizes one execution stage of a query plan.
type StageInfo struct {
	StageID      int
	State        string
	Tasks        int
	RawInputRows int64
}
