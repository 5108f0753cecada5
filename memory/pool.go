// Package memory implements the cluster memory collaborator consumed by the
// query manager: per-query memory reservations against a shared pool, a
// memory-pressure eviction pass, and a leak audit that cross-checks the
// pool's bookkeeping against the set of queries the manager still knows.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/driftsql/driftsql/model"
)

// Query is the slice of a query execution the memory manager needs.
type Query interface {
	QueryID() model.QueryID
	Fail(cause error)
	SetPeakMemoryBytes(n int64)
}

// Manager is the cluster memory collaborator contract. The reference
// implementation is Pool; a multi-node deployment substitutes a coordinator
// backed implementation.
type Manager interface {
	// Process applies memory-based eviction to the currently running
	// queries. Called periodically by the query manager.
	Process(running []Query)

	// CheckForLeaks audits internal bookkeeping against the supplier of all
	// queries the manager still tracks, returning identifiers whose memory
	// accounting was never cleaned up.
	CheckForLeaks(trackedIDs func() []model.QueryID) []model.QueryID
}

// Pool is a single-node memory Manager. Reservations are tracked per query
// and capped by an optional hard limit; when the pool is over its limit the
// eviction pass fails the running query holding the largest reservation.
type Pool struct {
	limitBytes int64
	sem        *semaphore.Weighted // nil if unlimited
	logger     *slog.Logger

	mu       sync.Mutex
	reserved map[model.QueryID]int64

	used        atomic.Int64
	leakedTotal atomic.Int64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a memory pool. A zero limit disables the hard cap and the
// pool only tracks usage.
func NewPool(limitBytes int64, opts ...PoolOption) *Pool {
	p := &Pool{
		limitBytes: limitBytes,
		logger:     slog.Default(),
		reserved:   make(map[model.QueryID]int64),
	}
	if limitBytes > 0 {
		p.sem = semaphore.NewWeighted(limitBytes)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reserve reserves bytes for a query, blocking while the pool is full until
// memory frees up or ctx is canceled.
func (p *Pool) Reserve(ctx context.Context, id model.QueryID, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, bytes); err != nil {
			return err
		}
	}
	p.add(id, bytes)
	return nil
}

// TryReserve reserves bytes without blocking. Returns false when the pool
// cannot satisfy the reservation.
func (p *Pool) TryReserve(id model.QueryID, bytes int64) bool {
	if bytes <= 0 {
		return true
	}
	if p.sem != nil && !p.sem.TryAcquire(bytes) {
		return false
	}
	p.add(id, bytes)
	return true
}

// Release returns bytes reserved by a query to the pool.
func (p *Pool) Release(id model.QueryID, bytes int64) {
	if bytes <= 0 {
		return
	}
	p.mu.Lock()
	cur := p.reserved[id]
	if bytes > cur {
		bytes = cur
	}
	if cur-bytes == 0 {
		delete(p.reserved, id)
	} else {
		p.reserved[id] = cur - bytes
	}
	p.mu.Unlock()

	if bytes > 0 {
		if p.sem != nil {
			p.sem.Release(bytes)
		}
		p.used.Add(-bytes)
	}
}

// ReleaseAll returns a query's entire reservation to the pool. This is the
// cleanup hook completion paths call.
func (p *Pool) ReleaseAll(id model.QueryID) {
	p.mu.Lock()
	bytes := p.reserved[id]
	delete(p.reserved, id)
	p.mu.Unlock()

	if bytes > 0 {
		if p.sem != nil {
			p.sem.Release(bytes)
		}
		p.used.Add(-bytes)
	}
}

func (p *Pool) add(id model.QueryID, bytes int64) {
	p.mu.Lock()
	p.reserved[id] += bytes
	p.mu.Unlock()
	p.used.Add(bytes)
}

// Reserved returns the bytes currently reserved by a query.
func (p *Pool) Reserved(id model.QueryID) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved[id]
}

// Used returns the total bytes currently reserved.
func (p *Pool) Used() int64 { return p.used.Load() }

// LeakedTotal returns how many leaked reservations the audit has reclaimed.
func (p *Pool) LeakedTotal() int64 { return p.leakedTotal.Load() }

// Process implements Manager. It refreshes each running query's peak memory
// and, while the pool is over its limit, fails the running query with the
// largest reservation.
func (p *Pool) Process(running []Query) {
	for _, q := range running {
		q.SetPeakMemoryBytes(p.Reserved(q.QueryID()))
	}
	if p.limitBytes <= 0 {
		return
	}

	for p.used.Load() > p.limitBytes {
		var victim Query
		var victimBytes int64
		for _, q := range running {
			if b := p.Reserved(q.QueryID()); b > victimBytes {
				victim = q
				victimBytes = b
			}
		}
		if victim == nil {
			return
		}
		p.logger.Info("failing query over cluster memory limit",
			"queryID", victim.QueryID(), "reservedBytes", victimBytes, "limitBytes", p.limitBytes)
		victim.Fail(model.NewQueryError(model.ErrorCodeExceededMemoryLimit, victim.QueryID(),
			"query exceeded cluster memory limit: holding %d of %d pool bytes", victimBytes, p.limitBytes))
		p.ReleaseAll(victim.QueryID())
		running = withoutQuery(running, victim)
	}
}

func withoutQuery(qs []Query, drop Query) []Query {
	out := qs[:0]
	for _, q := range qs {
		if q != drop {
			out = append(out, q)
		}
	}
	return out
}

// CheckForLeaks implements Manager. A reservation is leaked when its query
// is no longer tracked at all: completion should have released it. Leaked
// reservations are reclaimed so the pool does not fill with ghosts.
func (p *Pool) CheckForLeaks(trackedIDs func() []model.QueryID) []model.QueryID {
	known := make(map[model.QueryID]struct{})
	for _, id := range trackedIDs() {
		known[id] = struct{}{}
	}

	p.mu.Lock()
	var leaked []model.QueryID
	for id := range p.reserved {
		if _, ok := known[id]; !ok {
			leaked = append(leaked, id)
		}
	}
	p.mu.Unlock()

	for _, id := range leaked {
		p.logger.Warn("reclaiming leaked memory reservation", "queryID", id)
		p.ReleaseAll(id)
		p.leakedTotal.Add(1)
	}
	return leaked
}
