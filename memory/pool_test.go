package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsql/driftsql/model"
)

type poolQuery struct {
	mu     sync.Mutex
	id     model.QueryID
	failed error
	peak   int64
}

func (q *poolQuery) QueryID() model.QueryID { return q.id }

func (q *poolQuery) Fail(cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failed == nil {
		q.failed = cause
	}
}

func (q *poolQuery) SetPeakMemoryBytes(n int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > q.peak {
		q.peak = n
	}
}

func (q *poolQuery) failure() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed
}

func TestPoolReserveRelease(t *testing.T) {
	p := NewPool(100)

	require.NoError(t, p.Reserve(context.Background(), "q-1", 50))
	require.NoError(t, p.Reserve(context.Background(), "q-2", 40))
	assert.Equal(t, int64(90), p.Used())
	assert.Equal(t, int64(50), p.Reserved("q-1"))

	// TryReserve beyond the limit fails without blocking.
	assert.False(t, p.TryReserve("q-3", 20))

	// Blocking reserve times out while the pool is full.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Reserve(ctx, "q-3", 20), context.DeadlineExceeded)

	p.Release("q-1", 50)
	assert.Equal(t, int64(40), p.Used())
	assert.Zero(t, p.Reserved("q-1"))

	assert.True(t, p.TryReserve("q-3", 20))
	assert.Equal(t, int64(60), p.Used())
}

func TestPoolUnlimited(t *testing.T) {
	p := NewPool(0)
	require.NoError(t, p.Reserve(context.Background(), "q-1", 1<<40))
	assert.Equal(t, int64(1<<40), p.Used())
	p.ReleaseAll("q-1")
	assert.Zero(t, p.Used())
}

func TestPoolReleaseNeverGoesNegative(t *testing.T) {
	p := NewPool(0)
	require.NoError(t, p.Reserve(context.Background(), "q-1", 10))

	// Over-release is clamped to the outstanding reservation.
	p.Release("q-1", 100)
	assert.Zero(t, p.Used())
	assert.Zero(t, p.Reserved("q-1"))
}

func TestProcessRefreshesPeaks(t *testing.T) {
	p := NewPool(1000)
	require.NoError(t, p.Reserve(context.Background(), "q-1", 300))

	q := &poolQuery{id: "q-1"}
	p.Process([]Query{q})

	assert.Equal(t, int64(300), q.peak)
	assert.NoError(t, q.failure())
}

func TestProcessEvictsLargestFirst(t *testing.T) {
	// No semaphore so reservations can overshoot; set the limit the
	// eviction pass checks afterwards.
	p := NewPool(0)
	p.limitBytes = 100

	require.NoError(t, p.Reserve(context.Background(), "q-1", 80))
	require.NoError(t, p.Reserve(context.Background(), "q-2", 60))
	require.NoError(t, p.Reserve(context.Background(), "q-3", 10))

	q1 := &poolQuery{id: "q-1"}
	q2 := &poolQuery{id: "q-2"}
	q3 := &poolQuery{id: "q-3"}
	p.Process([]Query{q1, q2, q3})

	// 150 > 100: q-1 evicted. 70 <= 100: stop.
	require.Error(t, q1.failure())
	qe := model.AsQueryError("q-1", q1.failure())
	assert.Equal(t, model.ErrorCodeExceededMemoryLimit, qe.Code)
	assert.NoError(t, q2.failure())
	assert.NoError(t, q3.failure())
	assert.Equal(t, int64(70), p.Used())
}

func TestCheckForLeaks(t *testing.T) {
	p := NewPool(0)
	require.NoError(t, p.Reserve(context.Background(), "q-live", 10))
	require.NoError(t, p.Reserve(context.Background(), "q-gone", 20))

	leaked := p.CheckForLeaks(func() []model.QueryID {
		return []model.QueryID{"q-live"}
	})

	assert.Equal(t, []model.QueryID{"q-gone"}, leaked)
	assert.Equal(t, int64(10), p.Used())
	assert.Equal(t, int64(1), p.LeakedTotal())

	// Clean pool audits clean.
	assert.Empty(t, p.CheckForLeaks(func() []model.QueryID {
		return []model.QueryID{"q-live"}
	}))
}
