package driftsql

import (
	"log/slog"
	"time"

	"github.com/driftsql/driftsql/history"
	"github.com/driftsql/driftsql/memory"
	"github.com/driftsql/driftsql/model"
	"github.com/driftsql/driftsql/tracker"
)

// Config carries the system-level resource-consumption ceilings the Manager
// enforces. Zero disables the corresponding check at the system level;
// session overrides still apply.
type Config struct {
	// MaxQueryCPUTime is the cumulative CPU ceiling per query.
	MaxQueryCPUTime time.Duration

	// MaxQueryScanBytes is the raw input scan ceiling per query.
	MaxQueryScanBytes int64

	// MaxQueryOutputRows is the output row-count ceiling per query.
	MaxQueryOutputRows int64

	// MaxQueryOutputBytes is the output size ceiling per query.
	MaxQueryOutputBytes int64

	// MaxWrittenIntermediateBytes is the ceiling on materialized intermediate
	// results, checked only for sessions with materialization enabled.
	MaxWrittenIntermediateBytes int64

	// QueryCreateRate and QueryCreateBurst shape the admission rate limiter.
	// A zero rate disables admission limiting.
	QueryCreateRate  float64
	QueryCreateBurst int
}

// DefaultConfig returns the production defaults. All consumption ceilings
// start disabled; deployments opt in per resource.
func DefaultConfig() Config {
	return Config{}
}

// Monitor is notified exactly once per query with its final info, before
// the query is handed to expiration. history.Archiver satisfies Monitor.
type Monitor interface {
	QueryCompleted(info model.QueryInfo)
}

// MonitorFunc adapts a function to the Monitor interface.
type MonitorFunc func(info model.QueryInfo)

// QueryCompleted implements Monitor.
func (f MonitorFunc) QueryCompleted(info model.QueryInfo) { f(info) }

type options struct {
	config           Config
	trackerConfig    tracker.Config
	trackerOptions   []tracker.Option[queryHandle]
	memoryManager    memory.Manager
	monitor          Monitor
	metricsCollector MetricsCollector
	logger           *Logger
}

// Option configures Manager construction.
type Option func(*options)

// WithConfig sets the Manager's system-level consumption ceilings.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// WithTrackerConfig sets the Tracker's retention policy and time/task
// ceilings. Defaults to tracker.DefaultConfig().
func WithTrackerConfig(cfg tracker.Config) Option {
	return func(o *options) {
		o.trackerConfig = cfg
	}
}

// WithClusterTaskCounter attaches the authoritative cluster-wide running
// task counter consumed by the task-kill policy. Without it the policy
// falls back to summing local task counts.
func WithClusterTaskCounter(c tracker.ClusterTaskCounter) Option {
	return func(o *options) {
		o.trackerOptions = append(o.trackerOptions, tracker.WithClusterTaskCounter[queryHandle](c))
	}
}

// WithMemoryManager attaches the cluster memory manager driven by the
// enforcement loop. Pass nil to disable memory enforcement and the
// leak audit.
//
// Example with the reference single-node pool:
//
//	pool := memory.NewPool(8 << 30)
//	mgr, _ := driftsql.New(driftsql.WithMemoryManager(pool))
func WithMemoryManager(m memory.Manager) Option {
	return func(o *options) {
		o.memoryManager = m
	}
}

// WithMonitor attaches the completion monitor. The Manager guarantees the
// monitor is called exactly once per query, and that expiration proceeds
// even if the monitor panics.
//
// Example archiving completed queries to object storage:
//
//	arch := history.NewArchiver(store, history.WithCompression(history.Zstd))
//	mgr, _ := driftsql.New(driftsql.WithMonitor(arch))
func WithMonitor(m Monitor) Option {
	return func(o *options) {
		o.monitor = m
	}
}

// WithHistoryArchiver is a convenience wrapper for WithMonitor with a
// history.Archiver.
func WithHistoryArchiver(a *history.Archiver) Option {
	return func(o *options) {
		o.monitor = a
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &driftsql.BasicMetricsCollector{}
//	mgr, _ := driftsql.New(driftsql.WithMetricsCollector(metrics))
//	// ... run queries ...
//	stats := metrics.GetStats()
//	fmt.Printf("Completed: %d, Failed: %d\n", stats.CompletedCount, stats.FailedCount)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := driftsql.NewJSONLogger(slog.LevelInfo)
//	mgr, _ := driftsql.New(driftsql.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		config:           DefaultConfig(),
		trackerConfig:    tracker.DefaultConfig(),
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}
