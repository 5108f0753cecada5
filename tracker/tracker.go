// Package tracker implements the registry of all in-flight and recently
// finished queries, the background maintenance loop that enforces time and
// task-count limits, and the expiration policy that bounds history retention.
//
// The Tracker is the single source of truth for which queries exist. Entries
// are registered exactly once, mutated in place by their own execution logic
// and by enforcement calls to Fail, moved to the expiration queue when done,
// and removed only by the history pruning policy.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftsql/driftsql/limit"
	"github.com/driftsql/driftsql/model"
	"github.com/driftsql/driftsql/queue"
	"github.com/driftsql/driftsql/session"
)

const (
	// maintenanceInterval is the period of the background maintenance loop.
	maintenanceInterval = time.Second

	// stopGracePeriod bounds how long Stop waits for in-flight failure
	// callbacks after marking all live queries failed.
	stopGracePeriod = 5 * time.Second
)

// Config carries the tracker's retention policy and the system-level default
// ceilings for the limits it enforces.
type Config struct {
	// MaxQueryHistory is the number of done queries retained in full detail.
	MaxQueryHistory int

	// MinExpireAge is the minimum time a done query is kept around after
	// completion, so clients can come back asking for status.
	MinExpireAge time.Duration

	// MaxQueuedTime, MaxRunTime, and MaxExecutionTime are the system-level
	// time ceilings. Sessions and resource groups may tighten them.
	MaxQueuedTime    time.Duration
	MaxRunTime       time.Duration
	MaxExecutionTime time.Duration

	// ClientTimeout is how long a query survives without a client heartbeat.
	ClientTimeout time.Duration

	// MaxTotalRunningTaskCount is the cluster-wide task ceiling above which
	// the kill policy evicts queries. Zero disables the policy.
	MaxTotalRunningTaskCount int

	// MaxQueryRunningTaskCount is the per-query task ceiling that makes a
	// query a kill candidate. Zero disables the policy.
	MaxQueryRunningTaskCount int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueryHistory:  100,
		MinExpireAge:     15 * time.Minute,
		MaxQueuedTime:    100 * 24 * time.Hour,
		MaxRunTime:       100 * 24 * time.Hour,
		MaxExecutionTime: 100 * 24 * time.Hour,
		ClientTimeout:    5 * time.Minute,
	}
}

// listenerDrainer is an optional capability of tracked queries whose Fail
// dispatches listener callbacks asynchronously. Stop uses it to give
// callbacks a bounded chance to run before returning.
type listenerDrainer interface {
	DrainListeners(ctx context.Context)
}

// Tracker is the concurrent registry of tracked queries.
//
// All methods are safe for concurrent use. Enforcement scans iterate a
// point-in-time snapshot and never hold the registry lock while calling
// into a query.
type Tracker[T TrackedQuery] struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	queries map[model.QueryID]T

	// expirationQueue is FIFO by completion time. expired guards against a
	// query being enqueued twice when completion paths race.
	expMu           sync.Mutex
	expirationQueue []T
	expired         map[model.QueryID]struct{}

	taskCounter ClusterTaskCounter

	runningTaskCount   atomic.Int64
	killedForTaskCount atomic.Int64

	// loopMu guards only the background task handle.
	loopMu   sync.Mutex
	loopStop chan struct{}
	loopDone chan struct{}
}

// Option configures a Tracker.
type Option[T TrackedQuery] func(*Tracker[T])

// WithLogger sets the structured logger. The default discards nothing and
// writes to slog.Default().
func WithLogger[T TrackedQuery](logger *slog.Logger) Option[T] {
	return func(t *Tracker[T]) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClusterTaskCounter attaches the optional cluster-wide task-count
// service. When present, its total supersedes the locally summed one in the
// task-kill policy.
func WithClusterTaskCounter[T TrackedQuery](c ClusterTaskCounter) Option[T] {
	return func(t *Tracker[T]) { t.taskCounter = c }
}

// New creates a Tracker with the given config.
func New[T TrackedQuery](cfg Config, opts ...Option[T]) *Tracker[T] {
	t := &Tracker[T]{
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		queries: make(map[model.QueryID]T),
		expired: make(map[model.QueryID]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the background maintenance loop. It must be called at most
// once before Stop.
func (t *Tracker[T]) Start() {
	t.loopMu.Lock()
	defer t.loopMu.Unlock()
	if t.loopStop != nil {
		panic("tracker already started")
	}
	t.loopStop = make(chan struct{})
	t.loopDone = make(chan struct{})
	go t.maintenanceLoop(t.loopStop, t.loopDone)
}

func (t *Tracker[T]) maintenanceLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.runMaintenance()
		}
	}
}

// runMaintenance executes one pass of the five maintenance steps, in order.
// Each step is isolated so a failure in one cannot block the others; passes
// are not mutually excluded, so every step must be reentrant-safe.
func (t *Tracker[T]) runMaintenance() {
	t.runStep("fail abandoned queries", t.failAbandonedQueries)
	t.runStep("enforce time limits", t.enforceTimeLimits)
	if t.cfg.MaxTotalRunningTaskCount > 0 && t.cfg.MaxQueryRunningTaskCount > 0 {
		t.runStep("enforce task limits", t.enforceTaskLimits)
	}
	t.runStep("remove expired queries", t.removeExpiredQueries)
	t.runStep("prune expired queries", t.pruneExpiredQueries)
}

func (t *Tracker[T]) runStep(name string, step func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("maintenance step failed", "step", name, "error", fmt.Sprint(r))
		}
	}()
	step()
}

// Stop cancels the background loop, then synchronously fails every live
// query with a server-shutting-down condition. It waits up to a fixed grace
// period for in-flight failure callbacks before returning; callers must not
// assume all listeners have drained, only that every query is marked failed.
func (t *Tracker[T]) Stop() {
	t.loopMu.Lock()
	if t.loopStop != nil {
		close(t.loopStop)
		<-t.loopDone
		t.loopStop = nil
		t.loopDone = nil
	}
	t.loopMu.Unlock()

	var failed []T
	for _, q := range t.All() {
		if q.IsDone() {
			continue
		}
		t.logger.Info("server shutting down, query canceled", "queryID", q.QueryID())
		q.Fail(model.NewQueryError(model.ErrorCodeServerShuttingDown, q.QueryID(),
			"server is shutting down; query %s has been canceled", q.QueryID()))
		failed = append(failed, q)
	}
	if len(failed) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopGracePeriod)
	defer cancel()
	for _, q := range failed {
		if d, ok := any(q).(listenerDrainer); ok {
			d.DrainListeners(ctx)
		}
	}
}

// Add registers a query under its identifier. It returns false, leaving the
// existing entry untouched, if the identifier is already registered. Callers
// must treat a false return as a logic error on their side, not a normal
// outcome.
func (t *Tracker[T]) Add(q T) bool {
	id := q.QueryID()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.queries[id]; exists {
		return false
	}
	t.queries[id] = q
	return true
}

// Get returns the query with the given id, or model.ErrQueryNotFound.
func (t *Tracker[T]) Get(id model.QueryID) (T, error) {
	q, ok := t.TryGet(id)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s", model.ErrQueryNotFound, id)
	}
	return q, nil
}

// TryGet returns the query with the given id, if present.
func (t *Tracker[T]) TryGet(id model.QueryID) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.queries[id]
	return q, ok
}

// All returns a point-in-time snapshot of all registered queries, live and
// done. The returned slice is a copy and is safe to iterate without locks.
func (t *Tracker[T]) All() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]T, 0, len(t.queries))
	for _, q := range t.queries {
		out = append(out, q)
	}
	return out
}

// Expire marks a done query for eventual removal: it prunes the query's
// non-essential state and appends it to the expiration queue. Calling Expire
// more than once for the same identifier enqueues it exactly once.
func (t *Tracker[T]) Expire(id model.QueryID) {
	q, ok := t.TryGet(id)
	if !ok {
		return
	}

	t.expMu.Lock()
	if _, already := t.expired[id]; already {
		t.expMu.Unlock()
		return
	}
	t.expired[id] = struct{}{}
	t.expirationQueue = append(t.expirationQueue, q)
	t.expMu.Unlock()

	q.PruneFinishedInfo()
}

// RunningTaskCount returns the most recent cluster-wide running-task total
// observed by the task-kill policy.
func (t *Tracker[T]) RunningTaskCount() int64 { return t.runningTaskCount.Load() }

// KilledForTaskCount returns how many queries the task-kill policy evicted.
func (t *Tracker[T]) KilledForTaskCount() int64 { return t.killedForTaskCount.Load() }

// failAbandonedQueries fails every live query whose client has gone silent
// beyond the effective client timeout.
func (t *Tracker[T]) failAbandonedQueries() {
	now := t.now()
	for _, q := range t.All() {
		t.isolated(q, func(q T) {
			if q.IsDone() {
				return
			}
			timeout := t.clientTimeout(q.Session())
			hb := q.LastHeartbeat()
			if hb.IsZero() || !hb.Before(now.Add(-timeout)) {
				return
			}
			t.logger.Info("failing abandoned query", "queryID", q.QueryID(), "lastHeartbeat", hb)
			q.Fail(model.NewQueryError(model.ErrorCodeAbandonedQuery, q.QueryID(),
				"query has not been accessed since %s (client timeout %s)", hb.Format(time.RFC3339), timeout))
		})
	}
}

func (t *Tracker[T]) clientTimeout(s *session.Session) time.Duration {
	if s != nil {
		if v, ok := session.DurationOverride(s.ClientTimeout); ok {
			return v
		}
	}
	return t.cfg.ClientTimeout
}

// enforceTimeLimits applies the queued-time, execution-time, and total
// run-time ceilings to every live query. Each check uses the minimum of the
// system default, the session override, and (for execution time) the
// resource-group limit, and each violation independently fails the query
// with a message naming the limit's source.
func (t *Tracker[T]) enforceTimeLimits() {
	now := t.now()
	for _, q := range t.All() {
		t.isolated(q, func(q T) {
			if q.IsDone() {
				return
			}
			s := q.Session()

			maxQueued := limit.Of(t.cfg.MaxQueuedTime, limit.SourceSystem)
			if v, ok := session.DurationOverride(sessionMaxQueuedTime(s)); ok {
				maxQueued = limit.Minimum(maxQueued, limit.Of(v, limit.SourceQuery))
			}
			if q.QueuedTime() > maxQueued.Value {
				q.Fail(model.NewQueryError(model.ErrorCodeExceededTimeLimit, q.QueryID(),
					"query exceeded maximum queued time limit of %s defined at the %s level",
					maxQueued.Value, maxQueued.Source))
			}

			maxExecution := limit.Of(t.cfg.MaxExecutionTime, limit.SourceSystem)
			if v, ok := session.DurationOverride(sessionMaxExecutionTime(s)); ok {
				maxExecution = limit.Minimum(maxExecution, limit.Of(v, limit.SourceQuery))
			}
			if v, ok := q.ResourceGroupLimits().ExecutionTime(); ok {
				maxExecution = limit.Minimum(maxExecution, limit.Of(v, limit.SourceResourceGroup))
			}
			if start := q.ExecutionStartTime(); !start.IsZero() && now.Sub(start) > maxExecution.Value {
				q.Fail(model.NewQueryError(model.ErrorCodeExceededTimeLimit, q.QueryID(),
					"query exceeded the maximum execution time limit of %s defined at the %s level",
					maxExecution.Value, maxExecution.Source))
			}

			maxRun := limit.Of(t.cfg.MaxRunTime, limit.SourceSystem)
			if v, ok := session.DurationOverride(sessionMaxRunTime(s)); ok {
				maxRun = limit.Minimum(maxRun, limit.Of(v, limit.SourceQuery))
			}
			if now.Sub(q.CreateTime()) > maxRun.Value {
				q.Fail(model.NewQueryError(model.ErrorCodeExceededTimeLimit, q.QueryID(),
					"query exceeded maximum time limit of %s defined at the %s level",
					maxRun.Value, maxRun.Source))
			}
		})
	}
}

type taskCountCandidate[T TrackedQuery] struct {
	query T
	tasks int
}

// enforceTaskLimits kills the worst task-count offenders while the cluster
// is above its task ceiling. Only queries above the per-query ceiling are
// candidates; the policy greedily evicts the largest first and stops as soon
// as the running total drops back under the cluster ceiling.
func (t *Tracker[T]) enforceTaskLimits() {
	total := 0
	candidates := queue.New(func(a, b taskCountCandidate[T]) bool { return a.tasks > b.tasks })

	for _, q := range t.All() {
		if q.IsDone() {
			continue
		}
		tasks := q.RunningTaskCount()
		total += tasks
		if tasks > t.cfg.MaxQueryRunningTaskCount {
			candidates.Push(taskCountCandidate[T]{query: q, tasks: tasks})
		}
	}

	// The cluster-reported total supersedes the local sum when available.
	if t.taskCounter != nil {
		total = t.taskCounter.RunningTaskCount()
	}
	t.runningTaskCount.Store(int64(total))

	remaining := total
	for remaining > t.cfg.MaxTotalRunningTaskCount {
		c, ok := candidates.Pop()
		if !ok {
			return
		}
		c.query.Fail(model.NewQueryError(model.ErrorCodeClusterOutOfTaskSlots, c.query.QueryID(),
			"query killed because the cluster is overloaded with too many tasks (%d total) "+
				"and this query was running with the highest number of tasks (%d); please try again later",
			total, c.tasks))
		remaining -= c.tasks
		t.killedForTaskCount.Add(1)
	}
}

// removeExpiredQueries removes done queries that are both beyond history
// capacity and older than the minimum expire age. The expiration queue is
// FIFO by completion time, so the scan stops at the first entry that is too
// young: everything behind it is younger still.
func (t *Tracker[T]) removeExpiredQueries() {
	horizon := t.now().Add(-t.cfg.MinExpireAge)

	t.expMu.Lock()
	defer t.expMu.Unlock()

	for len(t.expirationQueue) > t.cfg.MaxQueryHistory {
		q := t.expirationQueue[0]
		if q.EndTime().After(horizon) {
			return
		}

		id := q.QueryID()
		t.logger.Debug("removing expired query", "queryID", id)

		t.mu.Lock()
		delete(t.queries, id)
		t.mu.Unlock()

		t.expirationQueue[0] = *new(T)
		t.expirationQueue = t.expirationQueue[1:]
		delete(t.expired, id)
	}
}

// pruneExpiredQueries walks the expiration queue from the oldest entry and
// prunes verbose state until at most MaxQueryHistory queries retain full
// detail. Entries stay registered and retrievable.
func (t *Tracker[T]) pruneExpiredQueries() {
	t.expMu.Lock()
	excess := len(t.expirationQueue) - t.cfg.MaxQueryHistory
	var toPrune []T
	if excess > 0 {
		toPrune = append(toPrune, t.expirationQueue[:excess]...)
	}
	t.expMu.Unlock()

	for _, q := range toPrune {
		q.PruneExpiredInfo()
	}
}

// isolated runs fn for a single query, recovering and logging any panic so
// one query's failing logic cannot abort the scan of the rest.
func (t *Tracker[T]) isolated(q T, fn func(q T)) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("error processing query", "queryID", q.QueryID(), "error", fmt.Sprint(r))
		}
	}()
	fn(q)
}

func sessionMaxQueuedTime(s *session.Session) time.Duration {
	if s == nil {
		return 0
	}
	return s.MaxQueuedTime
}

func sessionMaxExecutionTime(s *session.Session) time.Duration {
	if s == nil {
		return 0
	}
	return s.MaxExecutionTime
}

func sessionMaxRunTime(s *session.Session) time.Duration {
	if s == nil {
		return 0
	}
	return s.MaxRunTime
}
