package execution

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftsql/driftsql/model"
	"github.com/driftsql/driftsql/session"
	"github.com/driftsql/driftsql/tracker"
)

// Driver runs the physical work of a query: planning, scheduling, and result
// production are all behind this seam. The driver reports progress by
// updating the execution's resource counters and returns when the query's
// work is complete. The context is canceled when the query reaches a
// terminal state.
type Driver interface {
	Run(ctx context.Context, q *QueryExecution) error
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(ctx context.Context, q *QueryExecution) error

// Run implements Driver.
func (f DriverFunc) Run(ctx context.Context, q *QueryExecution) error { return f(ctx, q) }

// FinalInfoListener observes the final QueryInfo of a query, exactly once,
// after the query reaches a terminal state.
type FinalInfoListener func(model.QueryInfo)

// QueryExecution is the concrete query execution unit tracked by the query
// core. It owns the lifecycle state machine, the resource counters read by
// limit enforcement, and the verbose state subject to history pruning.
type QueryExecution struct {
	id       model.QueryID
	sess     *session.Session
	rgLimits *session.ResourceGroupLimits
	driver   Driver
	now      func() time.Time

	sm *StateMachine

	ctx    context.Context
	cancel context.CancelFunc

	createTime     time.Time
	executionStart atomic.Int64 // unix nanos, 0 until started
	lastHeartbeat  atomic.Int64 // unix nanos

	// Resource counters, written by the driver, read by enforcement.
	cpuNanos                 atomic.Int64
	rawInputBytes            atomic.Int64
	writtenIntermediateBytes atomic.Int64
	outputRows               atomic.Int64
	outputBytes              atomic.Int64
	peakMemoryBytes          atomic.Int64
	runningTasks             atomic.Int64

	// Verbose state, discarded by pruning.
	verboseMu sync.Mutex
	queryText string
	planText  string
	stages    []model.StageInfo

	finalOnce      sync.Once
	finalMu        sync.Mutex
	finalListeners []FinalInfoListener
	finalFired     bool
	finalInfo      model.QueryInfo
}

// Option configures a QueryExecution.
type Option func(*QueryExecution)

// WithDriver sets the driver that performs the query's work. Without a
// driver the execution only tracks state driven by external calls, which is
// how embedding servers that schedule work themselves use it.
func WithDriver(d Driver) Option {
	return func(e *QueryExecution) { e.driver = d }
}

// WithResourceGroupLimits attaches resource-group-imposed ceilings.
func WithResourceGroupLimits(l *session.ResourceGroupLimits) Option {
	return func(e *QueryExecution) { e.rgLimits = l }
}

// WithPlanText records the plan description shown in full query info.
func WithPlanText(plan string) Option {
	return func(e *QueryExecution) { e.planText = plan }
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(e *QueryExecution) { e.now = now }
}

// New creates a QueryExecution in the QUEUED state.
func New(id model.QueryID, sess *session.Session, queryText string, opts ...Option) *QueryExecution {
	e := &QueryExecution{
		id:        id,
		sess:      sess,
		queryText: queryText,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sm = NewStateMachine(e.now)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.createTime = e.now()
	e.lastHeartbeat.Store(e.createTime.UnixNano())

	// Cancel outstanding work as soon as the query is done.
	e.sm.AddStateChangeListener(func(s model.QueryState) {
		if s.IsDone() {
			e.cancel()
			e.fireFinalInfo()
		}
	})
	return e
}

// QueryID implements tracker.TrackedQuery.
func (e *QueryExecution) QueryID() model.QueryID { return e.id }

// State implements tracker.TrackedQuery.
func (e *QueryExecution) State() model.QueryState { return e.sm.State() }

// IsDone implements tracker.TrackedQuery.
func (e *QueryExecution) IsDone() bool { return e.sm.IsDone() }

// Session implements tracker.TrackedQuery.
func (e *QueryExecution) Session() *session.Session { return e.sess }

// ResourceGroupLimits implements tracker.TrackedQuery.
func (e *QueryExecution) ResourceGroupLimits() *session.ResourceGroupLimits { return e.rgLimits }

// CreateTime implements tracker.TrackedQuery.
func (e *QueryExecution) CreateTime() time.Time { return e.createTime }

// ExecutionStartTime implements tracker.TrackedQuery.
func (e *QueryExecution) ExecutionStartTime() time.Time {
	ns := e.executionStart.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// QueuedTime implements tracker.TrackedQuery.
func (e *QueryExecution) QueuedTime() time.Duration {
	if start := e.ExecutionStartTime(); !start.IsZero() {
		return start.Sub(e.createTime)
	}
	return e.now().Sub(e.createTime)
}

// LastHeartbeat implements tracker.TrackedQuery.
func (e *QueryExecution) LastHeartbeat() time.Time {
	return time.Unix(0, e.lastHeartbeat.Load())
}

// EndTime implements tracker.TrackedQuery.
func (e *QueryExecution) EndTime() time.Time { return e.sm.EndTime() }

// RunningTaskCount implements tracker.TrackedQuery.
func (e *QueryExecution) RunningTaskCount() int { return int(e.runningTasks.Load()) }

// RecordHeartbeat notes that the client checked on the query.
func (e *QueryExecution) RecordHeartbeat() {
	e.lastHeartbeat.Store(e.now().UnixNano())
}

// AddStateChangeListener registers a lifecycle listener.
func (e *QueryExecution) AddStateChangeListener(l StateChangeListener) {
	e.sm.AddStateChangeListener(l)
}

// AddFinalInfoListener registers a listener for the final query info. Each
// listener is notified exactly once, after the query reaches a terminal
// state; listeners added after that point are notified immediately.
func (e *QueryExecution) AddFinalInfoListener(l FinalInfoListener) {
	e.finalMu.Lock()
	if e.finalFired {
		info := e.finalInfo
		e.finalMu.Unlock()
		l(info)
		return
	}
	e.finalListeners = append(e.finalListeners, l)
	e.finalMu.Unlock()
}

func (e *QueryExecution) fireFinalInfo() {
	e.finalOnce.Do(func() {
		info := e.Info()

		e.finalMu.Lock()
		e.finalFired = true
		e.finalInfo = info
		listeners := e.finalListeners
		e.finalListeners = nil
		e.finalMu.Unlock()

		for _, l := range listeners {
			l(info)
		}
	})
}

// Start begins execution. The QUEUED → RUNNING transition is guarded so only
// the first call starts the query; later calls are no-ops. If a driver is
// configured it runs on the calling goroutine and the query finishes or
// fails with the driver's result.
func (e *QueryExecution) Start() {
	if !e.sm.TransitionToRunning() {
		return
	}
	e.executionStart.Store(e.now().UnixNano())

	if e.driver == nil {
		return
	}
	if err := e.driver.Run(e.ctx, e); err != nil {
		e.Fail(err)
		return
	}
	e.Finish()
}

// Finish moves the query through FINISHING to FINISHED. A query that never
// started or already ended is left alone.
func (e *QueryExecution) Finish() {
	if !e.sm.TransitionToFinishing() {
		return
	}
	e.sm.TransitionToFinished()
}

// Cancel moves the query to CANCELED from any non-terminal state.
func (e *QueryExecution) Cancel() {
	e.sm.TransitionToCanceled(model.NewQueryError(model.ErrorCodeUserCanceled, e.id, "query canceled by user"))
}

// Fail implements tracker.TrackedQuery. It is idempotent: once the query is
// done neither the end time nor the recorded cause change.
func (e *QueryExecution) Fail(cause error) {
	e.sm.TransitionToFailed(model.AsQueryError(e.id, cause))
}

// DrainListeners waits for in-flight state listener callbacks, bounded by ctx.
func (e *QueryExecution) DrainListeners(ctx context.Context) {
	e.sm.DrainListeners(ctx)
}

// AddCPUTime accumulates CPU time consumed by the query's tasks.
func (e *QueryExecution) AddCPUTime(d time.Duration) { e.cpuNanos.Add(int64(d)) }

// TotalCPUTime returns the cumulative CPU time.
func (e *QueryExecution) TotalCPUTime() time.Duration { return time.Duration(e.cpuNanos.Load()) }

// AddRawInputBytes accumulates bytes scanned from source tables.
func (e *QueryExecution) AddRawInputBytes(n int64) { e.rawInputBytes.Add(n) }

// RawInputBytes returns the cumulative scanned bytes.
func (e *QueryExecution) RawInputBytes() int64 { return e.rawInputBytes.Load() }

// AddWrittenIntermediateBytes accumulates bytes written for materialized
// intermediate results.
func (e *QueryExecution) AddWrittenIntermediateBytes(n int64) { e.writtenIntermediateBytes.Add(n) }

// WrittenIntermediateBytes returns the cumulative intermediate bytes.
func (e *QueryExecution) WrittenIntermediateBytes() int64 { return e.writtenIntermediateBytes.Load() }

// AddOutput accumulates rows and bytes produced to the client.
func (e *QueryExecution) AddOutput(rows, bytes int64) {
	e.outputRows.Add(rows)
	e.outputBytes.Add(bytes)
}

// OutputRows returns the cumulative output row count.
func (e *QueryExecution) OutputRows() int64 { return e.outputRows.Load() }

// OutputBytes returns the cumulative output byte size.
func (e *QueryExecution) OutputBytes() int64 { return e.outputBytes.Load() }

// SetPeakMemoryBytes records the high-water memory reservation.
func (e *QueryExecution) SetPeakMemoryBytes(n int64) {
	for {
		cur := e.peakMemoryBytes.Load()
		if n <= cur || e.peakMemoryBytes.CompareAndSwap(cur, n) {
			return
		}
	}
}

// PeakMemoryBytes returns the high-water memory reservation.
func (e *QueryExecution) PeakMemoryBytes() int64 { return e.peakMemoryBytes.Load() }

// SetRunningTaskCount records the current cluster-wide task count of this
// query, reported by the scheduler.
func (e *QueryExecution) SetRunningTaskCount(n int) { e.runningTasks.Store(int64(n)) }

// SetStages records per-stage progress for full query info.
func (e *QueryExecution) SetStages(stages []model.StageInfo) {
	e.verboseMu.Lock()
	e.stages = stages
	e.verboseMu.Unlock()
}

// BasicInfo returns the lightweight snapshot that survives pruning.
func (e *QueryExecution) BasicInfo() model.BasicQueryInfo {
	info := model.BasicQueryInfo{
		QueryID:       e.id,
		State:         e.sm.State(),
		CreateTime:    e.createTime,
		ExecutionTime: e.ExecutionStartTime(),
		EndTime:       e.sm.EndTime(),

		CPUTime:                  e.TotalCPUTime(),
		RawInputBytes:            e.RawInputBytes(),
		WrittenIntermediateBytes: e.WrittenIntermediateBytes(),
		OutputRows:               e.OutputRows(),
		OutputBytes:              e.OutputBytes(),
		PeakMemoryBytes:          e.PeakMemoryBytes(),
		RunningTasks:             e.RunningTaskCount(),
	}
	if e.sess != nil {
		info.User = e.sess.User
		info.Source = e.sess.Source
	}
	e.verboseMu.Lock()
	info.Query = e.queryText
	e.verboseMu.Unlock()
	if cause := e.sm.FailureCause(); cause != nil {
		info.ErrorCode = cause.Code
		info.ErrorText = cause.Message
	}
	return info
}

// Info returns the full snapshot including verbose state.
func (e *QueryExecution) Info() model.QueryInfo {
	info := model.QueryInfo{BasicQueryInfo: e.BasicInfo()}
	e.verboseMu.Lock()
	info.SQLText = e.queryText
	info.PlanText = e.planText
	info.StageInfo = append([]model.StageInfo(nil), e.stages...)
	e.verboseMu.Unlock()
	return info
}

// PruneFinishedInfo implements tracker.TrackedQuery: drop state that should
// not be kept at all once the query is done.
func (e *QueryExecution) PruneFinishedInfo() {
	e.verboseMu.Lock()
	e.stages = nil
	e.verboseMu.Unlock()
}

// PruneExpiredInfo implements tracker.TrackedQuery: drop verbose state for
// queries beyond history capacity, keeping summary fields.
func (e *QueryExecution) PruneExpiredInfo() {
	e.verboseMu.Lock()
	e.planText = ""
	e.stages = nil
	e.verboseMu.Unlock()
}

// Compile time check that QueryExecution satisfies the tracked contract.
var _ tracker.TrackedQuery = (*QueryExecution)(nil)
