package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsql/driftsql/model"
)

func TestStateMachineHappyPath(t *testing.T) {
	m := NewStateMachine(nil)
	assert.Equal(t, model.StateQueued, m.State())
	assert.False(t, m.IsDone())
	assert.True(t, m.EndTime().IsZero())

	require.True(t, m.TransitionToRunning())
	assert.Equal(t, model.StateRunning, m.State())

	require.True(t, m.TransitionToFinishing())
	require.True(t, m.TransitionToFinished())
	assert.Equal(t, model.StateFinished, m.State())
	assert.True(t, m.IsDone())
	assert.False(t, m.EndTime().IsZero())
	assert.Nil(t, m.FailureCause())
}

func TestTransitionToRunningSucceedsOnce(t *testing.T) {
	m := NewStateMachine(nil)
	assert.True(t, m.TransitionToRunning())
	assert.False(t, m.TransitionToRunning())
	assert.Equal(t, model.StateRunning, m.State())
}

func TestFailIsIdempotent(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	m := NewStateMachine(now)

	first := model.NewQueryError(model.ErrorCodeExceededCPULimit, "q-1", "cpu limit")
	require.True(t, m.TransitionToFailed(first))
	endTime := m.EndTime()
	require.False(t, endTime.IsZero())

	// A second fail changes neither the end time nor the cause.
	second := model.NewQueryError(model.ErrorCodeAbandonedQuery, "q-1", "abandoned")
	assert.False(t, m.TransitionToFailed(second))
	assert.Equal(t, endTime, m.EndTime())
	assert.Equal(t, model.ErrorCodeExceededCPULimit, m.FailureCause().Code)
}

func TestEndTimeSetWithTerminalTransition(t *testing.T) {
	// A done state observed by a listener always comes with a non-zero end
	// time: both are written in one critical section.
	m := NewStateMachine(nil)

	observed := make(chan time.Time, 1)
	m.AddStateChangeListener(func(s model.QueryState) {
		if s.IsDone() {
			observed <- m.EndTime()
		}
	})

	require.True(t, m.TransitionToFailed(model.NewQueryError(model.ErrorCodeInternal, "q-1", "boom")))

	select {
	case end := <-observed:
		assert.False(t, end.IsZero())
	case <-time.After(time.Second):
		t.Fatal("listener not notified")
	}
}

func TestCancelFromQueued(t *testing.T) {
	m := NewStateMachine(nil)
	require.True(t, m.TransitionToCanceled(model.NewQueryError(model.ErrorCodeUserCanceled, "q-1", "canceled")))
	assert.Equal(t, model.StateCanceled, m.State())

	// No transition escapes a terminal state.
	assert.False(t, m.TransitionToRunning())
	assert.False(t, m.TransitionToFinishing())
	assert.False(t, m.TransitionToFailed(model.NewQueryError(model.ErrorCodeInternal, "q-1", "late")))
}

func TestFinishedRequiresFinishing(t *testing.T) {
	m := NewStateMachine(nil)
	require.True(t, m.TransitionToRunning())
	assert.False(t, m.TransitionToFinished())

	require.True(t, m.TransitionToFinishing())
	assert.True(t, m.TransitionToFinished())
}

func TestListenerAddedAfterTerminalFiresImmediately(t *testing.T) {
	m := NewStateMachine(nil)
	require.True(t, m.TransitionToCanceled(model.NewQueryError(model.ErrorCodeUserCanceled, "q-1", "canceled")))

	var wg sync.WaitGroup
	wg.Add(1)
	var got model.QueryState
	m.AddStateChangeListener(func(s model.QueryState) {
		got = s
		wg.Done()
	})
	wg.Wait()
	assert.Equal(t, model.StateCanceled, got)
}

func TestDrainListeners(t *testing.T) {
	m := NewStateMachine(nil)

	release := make(chan struct{})
	m.AddStateChangeListener(func(model.QueryState) {
		<-release
	})
	require.True(t, m.TransitionToFailed(model.NewQueryError(model.ErrorCodeInternal, "q-1", "boom")))

	// Bounded wait expires while the listener is stuck.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	m.DrainListeners(ctx)
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	m.DrainListeners(context.Background())
}
