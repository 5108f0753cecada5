package execution

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsql/driftsql/model"
	"github.com/driftsql/driftsql/session"
)

func newTestExecution(id string, opts ...Option) *QueryExecution {
	sess := &session.Session{User: "alice", Source: "cli"}
	return New(model.QueryID(id), sess, "SELECT 1", opts...)
}

func TestStartRunsDriverToCompletion(t *testing.T) {
	var ran atomic.Bool
	qe := newTestExecution("q-1", WithDriver(DriverFunc(func(ctx context.Context, q *QueryExecution) error {
		ran.Store(true)
		q.AddCPUTime(100 * time.Millisecond)
		q.AddOutput(10, 1024)
		return nil
	})))

	qe.Start()

	assert.True(t, ran.Load())
	assert.Equal(t, model.StateFinished, qe.State())
	assert.False(t, qe.EndTime().IsZero())
	assert.Equal(t, 100*time.Millisecond, qe.TotalCPUTime())
	assert.Equal(t, int64(10), qe.OutputRows())
	assert.Equal(t, int64(1024), qe.OutputBytes())
}

func TestStartFailsOnDriverError(t *testing.T) {
	boom := errors.New("connector exploded")
	qe := newTestExecution("q-1", WithDriver(DriverFunc(func(ctx context.Context, q *QueryExecution) error {
		return boom
	})))

	qe.Start()

	assert.Equal(t, model.StateFailed, qe.State())
	info := qe.BasicInfo()
	assert.Equal(t, model.ErrorCodeInternal, info.ErrorCode)
	assert.Contains(t, info.ErrorText, "connector exploded")
}

func TestStartOnlyOnce(t *testing.T) {
	var runs atomic.Int32
	qe := newTestExecution("q-1", WithDriver(DriverFunc(func(ctx context.Context, q *QueryExecution) error {
		runs.Add(1)
		return nil
	})))

	qe.Start()
	qe.Start()

	assert.Equal(t, int32(1), runs.Load())
}

func TestContextCanceledOnTerminalState(t *testing.T) {
	started := make(chan struct{})
	unblocked := make(chan struct{})
	qe := newTestExecution("q-1", WithDriver(DriverFunc(func(ctx context.Context, q *QueryExecution) error {
		close(started)
		<-ctx.Done()
		close(unblocked)
		return ctx.Err()
	})))

	go qe.Start()
	<-started
	qe.Cancel()

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("driver context never canceled")
	}

	assert.Equal(t, model.StateCanceled, qe.State())
	info := qe.BasicInfo()
	assert.Equal(t, model.ErrorCodeUserCanceled, info.ErrorCode)
}

func TestFinalInfoFiredExactlyOnce(t *testing.T) {
	qe := newTestExecution("q-1")

	var calls atomic.Int32
	var got atomic.Value
	qe.AddFinalInfoListener(func(info model.QueryInfo) {
		calls.Add(1)
		got.Store(info)
	})

	qe.Fail(errors.New("boom"))
	qe.DrainListeners(context.Background())
	qe.Fail(errors.New("again"))
	qe.Cancel()
	qe.DrainListeners(context.Background())

	assert.Equal(t, int32(1), calls.Load())
	info := got.Load().(model.QueryInfo)
	assert.Equal(t, model.StateFailed, info.State)
	assert.False(t, info.EndTime.IsZero())
}

func TestFinalInfoListenerAddedLateFiresImmediately(t *testing.T) {
	qe := newTestExecution("q-1")
	qe.Fail(errors.New("boom"))
	qe.DrainListeners(context.Background())

	var calls atomic.Int32
	qe.AddFinalInfoListener(func(info model.QueryInfo) {
		calls.Add(1)
		assert.Equal(t, model.StateFailed, info.State)
	})
	assert.Equal(t, int32(1), calls.Load())
}

func TestHeartbeat(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	qe := newTestExecution("q-1", WithNowFunc(func() time.Time { return current }))

	// Creation counts as the first heartbeat.
	assert.Equal(t, base, qe.LastHeartbeat())

	current = base.Add(30 * time.Second)
	qe.RecordHeartbeat()
	assert.Equal(t, current, qe.LastHeartbeat())
}

func TestQueuedTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	qe := newTestExecution("q-1", WithNowFunc(func() time.Time { return current }))

	current = base.Add(5 * time.Second)
	assert.Equal(t, 5*time.Second, qe.QueuedTime())
	assert.True(t, qe.ExecutionStartTime().IsZero())

	qe.Start()
	current = base.Add(time.Minute)

	// Queued time freezes once execution starts.
	assert.Equal(t, 5*time.Second, qe.QueuedTime())
	assert.Equal(t, base.Add(5*time.Second), qe.ExecutionStartTime())
}

func TestPeakMemoryIsMonotonic(t *testing.T) {
	qe := newTestExecution("q-1")
	qe.SetPeakMemoryBytes(100)
	qe.SetPeakMemoryBytes(50)
	assert.Equal(t, int64(100), qe.PeakMemoryBytes())
	qe.SetPeakMemoryBytes(200)
	assert.Equal(t, int64(200), qe.PeakMemoryBytes())
}

func TestInfoAndPruning(t *testing.T) {
	qe := newTestExecution("q-1", WithPlanText("Output[1]\n  Values[1]"))
	qe.SetStages([]model.StageInfo{{StageID: 0, State: "RUNNING", Tasks: 4}})

	full := qe.Info()
	assert.Equal(t, "SELECT 1", full.SQLText)
	assert.NotEmpty(t, full.PlanText)
	assert.Len(t, full.StageInfo, 1)
	assert.Equal(t, "alice", full.User)

	qe.PruneFinishedInfo()
	afterFinished := qe.Info()
	assert.Empty(t, afterFinished.StageInfo)
	assert.NotEmpty(t, afterFinished.PlanText)

	qe.PruneExpiredInfo()
	afterExpired := qe.Info()
	assert.Empty(t, afterExpired.PlanText)
	assert.Equal(t, "SELECT 1", afterExpired.SQLText)
}

func TestFailPreservesQueryError(t *testing.T) {
	qe := newTestExecution("q-1")
	cause := model.NewQueryError(model.ErrorCodeExceededScanLimit, qe.QueryID(), "scan limit hit")
	qe.Fail(cause)

	require.Equal(t, model.StateFailed, qe.State())
	info := qe.BasicInfo()
	assert.Equal(t, model.ErrorCodeExceededScanLimit, info.ErrorCode)
	assert.Equal(t, "scan limit hit", info.ErrorText)
}
