package driftsql

import (
	"cmp"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/driftsql/driftsql/execution"
	"github.com/driftsql/driftsql/limit"
	"github.com/driftsql/driftsql/memory"
	"github.com/driftsql/driftsql/model"
	"github.com/driftsql/driftsql/session"
	"github.com/driftsql/driftsql/tracker"
)

// queryHandle is the concrete tracked-query type the Manager registers.
type queryHandle = *execution.QueryExecution

const (
	// enforcementInterval is the period of the consumption-limit loop.
	enforcementInterval = time.Second

	// leakAuditInterval is the period of the memory-leak audit.
	leakAuditInterval = time.Minute
)

// Manager admits queries, registers them with the Tracker, and enforces the
// resource-consumption limits that need aggregated state: CPU time, scan
// bytes, written intermediate bytes, output rows and bytes, and memory.
//
// Manager is safe for concurrent use.
type Manager struct {
	config  Config
	logger  *Logger
	metrics MetricsCollector
	tracker *tracker.Tracker[queryHandle]
	memory  memory.Manager
	monitor Monitor
	limiter *rate.Limiter

	now func() time.Time

	// loopMu guards the background loop handle.
	loopMu sync.Mutex
	loop   *loopHandle

	startedQueries   atomic.Int64
	completedQueries atomic.Int64
	failedQueries    atomic.Int64
}

type loopHandle struct {
	stop chan struct{}
	done chan struct{}
}

// New creates a Manager. Call Start to begin background enforcement.
func New(optFns ...Option) (*Manager, error) {
	o := applyOptions(optFns)

	m := &Manager{
		config:  o.config,
		logger:  o.logger,
		metrics: o.metricsCollector,
		memory:  o.memoryManager,
		monitor: o.monitor,
		now:     time.Now,
	}

	trackerOpts := append([]tracker.Option[queryHandle]{
		tracker.WithLogger[queryHandle](o.logger.Logger),
	}, o.trackerOptions...)
	m.tracker = tracker.New(o.trackerConfig, trackerOpts...)

	if o.config.QueryCreateRate > 0 {
		burst := o.config.QueryCreateBurst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(o.config.QueryCreateRate), burst)
	}

	return m, nil
}

// Start launches the Tracker's maintenance loop and the Manager's own
// enforcement and leak-audit loops.
func (m *Manager) Start() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.loop != nil {
		return
	}
	m.tracker.Start()
	h := &loopHandle{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	m.loop = h
	go m.enforcementLoop(h.stop, h.done)
}

// Stop cancels the background loops and shuts the Tracker down, failing
// every live query with a server-shutting-down condition. Callers should
// stop admitting new queries before calling Stop.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	h := m.loop
	m.loop = nil
	m.loopMu.Unlock()

	if h != nil {
		close(h.stop)
		<-h.done
	}
	m.tracker.Stop()
}

func (m *Manager) enforcementLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	enforce := time.NewTicker(enforcementInterval)
	defer enforce.Stop()
	audit := time.NewTicker(leakAuditInterval)
	defer audit.Stop()

	for {
		select {
		case <-stop:
			return
		case <-enforce.C:
			m.runEnforcement()
		case <-audit.C:
			m.runStep("leak_audit", m.auditMemoryLeaks)
		}
	}
}

// runEnforcement executes one pass of the consumption-limit checks. Each
// step is isolated so a panic in one cannot starve the others.
func (m *Manager) runEnforcement() {
	start := m.now()
	if m.memory != nil {
		m.runStep("memory", m.enforceMemoryLimits)
	}
	m.runStep("cpu", m.enforceCPULimits)
	m.runStep("scan", m.enforceScanLimits)
	m.runStep("written_intermediate", m.enforceWrittenIntermediateLimits)
	m.runStep("output_rows", m.enforceOutputRowLimits)
	m.runStep("output_size", m.enforceOutputSizeLimits)
	m.metrics.RecordEnforcementPass(m.now().Sub(start))
}

func (m *Manager) runStep(name string, step func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("enforcement step panicked",
				"step", name,
				"panic", r,
			)
		}
	}()
	step()
}

// isolated runs fn for one query, containing panics so a single query's
// failing logic cannot abort the scan of the rest.
func (m *Manager) isolated(q queryHandle, fn func(q queryHandle)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("per-query enforcement panicked",
				"query_id", q.QueryID().String(),
				"panic", r,
			)
		}
	}()
	fn(q)
}

// CreateQuery admits a query: it applies the admission rate limiter,
// registers the execution with the Tracker, installs the one-shot
// completion listener, and starts execution asynchronously.
//
// Duplicate registration is an internal error reported to the caller; the
// execution is failed as well so its listeners observe a terminal state.
func (m *Manager) CreateQuery(qe *execution.QueryExecution) error {
	id := qe.QueryID()

	if m.limiter != nil && !m.limiter.Allow() {
		cause := model.NewQueryError(model.ErrorCodeClusterOverloaded, id,
			"query rejected: too many queries submitted")
		qe.Fail(cause)
		err := &ErrQueryRejected{QueryID: id, cause: cause}
		m.metrics.RecordQueryCreated(err)
		m.logger.LogQueryCreated(context.Background(), id, qe.Session().User, err)
		return err
	}

	if !m.tracker.Add(qe) {
		cause := model.NewQueryError(model.ErrorCodeInternal, id,
			"query %s is already registered", id)
		err := &ErrDuplicateQuery{QueryID: id, cause: cause}
		m.metrics.RecordQueryCreated(err)
		m.logger.LogQueryCreated(context.Background(), id, qe.Session().User, err)
		return err
	}

	qe.AddFinalInfoListener(func(info model.QueryInfo) {
		m.queryCompleted(qe, info)
	})

	m.startedQueries.Add(1)
	m.metrics.RecordQueryCreated(nil)
	m.logger.LogQueryCreated(context.Background(), id, qe.Session().User, nil)

	go qe.Start()
	return nil
}

// queryCompleted reports final info to the monitor, then unconditionally
// hands the query to expiration. A panicking monitor must not leak the
// query, so expiration runs from a defer.
func (m *Manager) queryCompleted(qe *execution.QueryExecution, info model.QueryInfo) {
	defer m.tracker.Expire(qe.QueryID())

	m.completedQueries.Add(1)
	if info.State == model.StateFailed {
		m.failedQueries.Add(1)
		m.metrics.RecordQueryFailed(info.ErrorCode)
	}
	m.metrics.RecordQueryCompleted(info.State, info.EndTime.Sub(info.CreateTime))
	m.logger.LogQueryCompleted(context.Background(), info.BasicQueryInfo)

	if m.monitor != nil {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("completion monitor panicked",
					"query_id", qe.QueryID().String(),
					"panic", r,
				)
			}
		}()
		m.monitor.QueryCompleted(info)
	}
}

// FailQuery fails a query with the given cause. Unknown identifiers are a
// silent no-op: races between client requests and natural completion are
// expected and harmless.
func (m *Manager) FailQuery(id model.QueryID, cause error) {
	if q, ok := m.tracker.TryGet(id); ok {
		q.Fail(cause)
	}
}

// CancelQuery cancels a query on behalf of the client. Unknown identifiers
// are a silent no-op.
func (m *Manager) CancelQuery(id model.QueryID) {
	if q, ok := m.tracker.TryGet(id); ok {
		q.Cancel()
	}
}

// RecordHeartbeat refreshes a query's client heartbeat. Unknown identifiers
// are a silent no-op.
func (m *Manager) RecordHeartbeat(id model.QueryID) {
	if q, ok := m.tracker.TryGet(id); ok {
		q.RecordHeartbeat()
	}
}

// Queries returns lightweight snapshots of every tracked query. Snapshot
// failures are isolated per query so one broken entry cannot hide the rest.
func (m *Manager) Queries() []model.BasicQueryInfo {
	all := m.tracker.All()
	infos := make([]model.BasicQueryInfo, 0, len(all))
	for _, q := range all {
		m.isolated(q, func(q queryHandle) {
			infos = append(infos, q.BasicInfo())
		})
	}
	return infos
}

// QueryInfo returns the full snapshot for one query.
func (m *Manager) QueryInfo(id model.QueryID) (model.QueryInfo, error) {
	q, err := m.tracker.Get(id)
	if err != nil {
		return model.QueryInfo{}, translateError(err)
	}
	return q.Info(), nil
}

// QueryState returns the current state of one query.
func (m *Manager) QueryState(id model.QueryID) (model.QueryState, error) {
	q, err := m.tracker.Get(id)
	if err != nil {
		return 0, translateError(err)
	}
	return q.State(), nil
}

// AddStateChangeListener subscribes to a query's state transitions. If the
// query is already terminal the listener fires immediately.
func (m *Manager) AddStateChangeListener(id model.QueryID, l execution.StateChangeListener) error {
	q, err := m.tracker.Get(id)
	if err != nil {
		return translateError(err)
	}
	q.AddStateChangeListener(l)
	return nil
}

// Stats is a point-in-time summary of manager activity.
type Stats struct {
	StartedQueries   int64
	CompletedQueries int64
	FailedQueries    int64
	QueuedQueries    int64
	RunningQueries   int64
	RunningTasks     int64
	KilledForTasks   int64
	TrackedQueries   int64
}

// Stats returns current counters and gauges.
func (m *Manager) Stats() Stats {
	var queued, running int64
	all := m.tracker.All()
	for _, q := range all {
		switch q.State() {
		case model.StateQueued:
			queued++
		case model.StateRunning, model.StateFinishing:
			running++
		}
	}
	return Stats{
		StartedQueries:   m.startedQueries.Load(),
		CompletedQueries: m.completedQueries.Load(),
		FailedQueries:    m.failedQueries.Load(),
		QueuedQueries:    queued,
		RunningQueries:   running,
		RunningTasks:     m.tracker.RunningTaskCount(),
		KilledForTasks:   m.tracker.KilledForTaskCount(),
		TrackedQueries:   int64(len(all)),
	}
}

func (m *Manager) liveQueries() []queryHandle {
	all := m.tracker.All()
	live := all[:0]
	for _, q := range all {
		if !q.IsDone() {
			live = append(live, q)
		}
	}
	return live
}

// enforceMemoryLimits hands the running queries to the cluster memory
// manager, which refreshes peak usage and evicts over-limit queries.
func (m *Manager) enforceMemoryLimits() {
	var running []memory.Query
	for _, q := range m.liveQueries() {
		if q.State() == model.StateRunning {
			running = append(running, q)
		}
	}
	m.memory.Process(running)
}

// auditMemoryLeaks cross-checks the memory manager's reservations against
// the set of tracked queries.
func (m *Manager) auditMemoryLeaks() {
	if m.memory == nil {
		return
	}
	leaked := m.memory.CheckForLeaks(func() []model.QueryID {
		all := m.tracker.All()
		ids := make([]model.QueryID, 0, len(all))
		for _, q := range all {
			ids = append(ids, q.QueryID())
		}
		return ids
	})
	m.logger.LogLeakCheck(context.Background(), leaked)
}

func (m *Manager) enforceCPULimits() {
	for _, q := range m.liveQueries() {
		m.isolated(q, func(q queryHandle) {
			var candidates []limit.Limit[time.Duration]
			if m.config.MaxQueryCPUTime > 0 {
				candidates = append(candidates, limit.Of(m.config.MaxQueryCPUTime, limit.SourceSystem))
			}
			if v, ok := q.ResourceGroupLimits().CPUTime(); ok {
				candidates = append(candidates, limit.Of(v, limit.SourceResourceGroup))
			}
			if v, ok := session.DurationOverride(q.Session().MaxCPUTime); ok {
				candidates = append(candidates, limit.Of(v, limit.SourceQuery))
			}
			lim, ok := minLimit(candidates)
			if !ok {
				return
			}
			if q.TotalCPUTime() > lim.Value {
				q.Fail(model.NewQueryError(model.ErrorCodeExceededCPULimit, q.QueryID(),
					"query exceeded the maximum CPU time of %s defined at the %s level", lim.Value, lim.Source))
			}
		})
	}
}

func (m *Manager) enforceScanLimits() {
	for _, q := range m.liveQueries() {
		m.isolated(q, func(q queryHandle) {
			lim, ok := byteLimit(m.config.MaxQueryScanBytes, q.Session().MaxScanBytes)
			if !ok {
				return
			}
			if q.RawInputBytes() >= lim.Value {
				q.Fail(model.NewQueryError(model.ErrorCodeExceededScanLimit, q.QueryID(),
					"query exceeded the maximum scan size of %d bytes defined at the %s level", lim.Value, lim.Source))
			}
		})
	}
}

// enforceWrittenIntermediateLimits applies only to sessions that enabled
// intermediate materialization.
func (m *Manager) enforceWrittenIntermediateLimits() {
	for _, q := range m.liveQueries() {
		m.isolated(q, func(q queryHandle) {
			if !q.Session().IntermediateMaterialization {
				return
			}
			lim, ok := byteLimit(m.config.MaxWrittenIntermediateBytes, q.Session().MaxWrittenIntermediateBytes)
			if !ok {
				return
			}
			if q.WrittenIntermediateBytes() >= lim.Value {
				q.Fail(model.NewQueryError(model.ErrorCodeExceededWrittenIntermediateLimit, q.QueryID(),
					"query exceeded the maximum written intermediate size of %d bytes defined at the %s level", lim.Value, lim.Source))
			}
		})
	}
}

func (m *Manager) enforceOutputRowLimits() {
	for _, q := range m.liveQueries() {
		m.isolated(q, func(q queryHandle) {
			var candidates []limit.Limit[int64]
			if m.config.MaxQueryOutputRows > 0 {
				candidates = append(candidates, limit.Of(m.config.MaxQueryOutputRows, limit.SourceSystem))
			}
			if v, ok := session.BytesOverride(q.Session().MaxOutputRows); ok {
				candidates = append(candidates, limit.Of(v, limit.SourceQuery))
			}
			lim, ok := minLimit(candidates)
			if !ok {
				return
			}
			if q.OutputRows() > lim.Value {
				q.Fail(model.NewQueryError(model.ErrorCodeExceededOutputRowLimit, q.QueryID(),
					"query exceeded the maximum output row count of %d defined at the %s level", lim.Value, lim.Source))
			}
		})
	}
}

func (m *Manager) enforceOutputSizeLimits() {
	for _, q := range m.liveQueries() {
		m.isolated(q, func(q queryHandle) {
			lim, ok := byteLimit(m.config.MaxQueryOutputBytes, q.Session().MaxOutputBytes)
			if !ok {
				return
			}
			if q.OutputBytes() >= lim.Value {
				q.Fail(model.NewQueryError(model.ErrorCodeExceededOutputSizeLimit, q.QueryID(),
					"query exceeded the maximum output size of %d bytes defined at the %s level", lim.Value, lim.Source))
			}
		})
	}
}

// byteLimit folds the system ceiling and a session override into one limit.
func byteLimit(system, override int64) (limit.Limit[int64], bool) {
	var candidates []limit.Limit[int64]
	if system > 0 {
		candidates = append(candidates, limit.Of(system, limit.SourceSystem))
	}
	if v, ok := session.BytesOverride(override); ok {
		candidates = append(candidates, limit.Of(v, limit.SourceQuery))
	}
	return minLimit(candidates)
}

func minLimit[T cmp.Ordered](candidates []limit.Limit[T]) (limit.Limit[T], bool) {
	if len(candidates) == 0 {
		var zero limit.Limit[T]
		return zero, false
	}
	return limit.Minimum(candidates[0], candidates[1:]...), true
}
