// Package execution implements the per-query lifecycle state machine and the
// concrete query execution unit managed by the tracker.
package execution

import (
	"context"
	"sync"
	"time"

	"github.com/driftsql/driftsql/model"
)

// StateChangeListener observes lifecycle state transitions. Listeners are
// invoked asynchronously; they must not rely on running before the
// transition call returns.
type StateChangeListener func(model.QueryState)

// StateMachine tracks the lifecycle state of one query.
//
//	QUEUED → RUNNING → FINISHING → FINISHED
//	any state → FAILED
//	any non-terminal state → CANCELED
//
// Terminal transitions record the end time in the same critical section that
// changes the state, so a done query always has a non-zero end time.
type StateMachine struct {
	now func() time.Time

	mu        sync.Mutex
	state     model.QueryState
	endTime   time.Time
	cause     *model.QueryError
	listeners []StateChangeListener

	// wg tracks in-flight listener notifications for bounded draining.
	wg sync.WaitGroup
}

// NewStateMachine creates a state machine in the QUEUED state.
func NewStateMachine(now func() time.Time) *StateMachine {
	if now == nil {
		now = time.Now
	}
	return &StateMachine{now: now, state: model.StateQueued}
}

// State returns the current state.
func (m *StateMachine) State() model.QueryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsDone reports whether the state is terminal.
func (m *StateMachine) IsDone() bool {
	return m.State().IsDone()
}

// EndTime returns when the query reached a terminal state, or the zero time.
func (m *StateMachine) EndTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endTime
}

// FailureCause returns the recorded failure, or nil.
func (m *StateMachine) FailureCause() *model.QueryError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

// AddStateChangeListener registers a listener for future transitions. If the
// state is already terminal the listener is notified immediately (async).
func (m *StateMachine) AddStateChangeListener(l StateChangeListener) {
	m.mu.Lock()
	state := m.state
	done := state.IsDone()
	if !done {
		m.listeners = append(m.listeners, l)
	}
	m.mu.Unlock()

	if done {
		m.notify(l, state)
	}
}

// TransitionToRunning moves QUEUED → RUNNING. It succeeds at most once;
// subsequent attempts are no-ops, covering races between client-driven start
// and internal retries.
func (m *StateMachine) TransitionToRunning() bool {
	return m.compareAndSet(model.StateQueued, model.StateRunning)
}

// TransitionToFinishing moves RUNNING → FINISHING.
func (m *StateMachine) TransitionToFinishing() bool {
	return m.compareAndSet(model.StateRunning, model.StateFinishing)
}

// TransitionToFinished moves FINISHING → FINISHED.
func (m *StateMachine) TransitionToFinished() bool {
	return m.terminal(model.StateFinished, nil, func(s model.QueryState) bool {
		return s == model.StateFinishing
	})
}

// TransitionToCanceled moves any non-terminal state to CANCELED.
func (m *StateMachine) TransitionToCanceled(cause *model.QueryError) bool {
	return m.terminal(model.StateCanceled, cause, func(model.QueryState) bool { return true })
}

// TransitionToFailed moves any non-terminal state to FAILED. Once the state
// is terminal this is a no-op: neither the end time nor the recorded cause
// change.
func (m *StateMachine) TransitionToFailed(cause *model.QueryError) bool {
	return m.terminal(model.StateFailed, cause, func(model.QueryState) bool { return true })
}

func (m *StateMachine) compareAndSet(from, to model.QueryState) bool {
	m.mu.Lock()
	if m.state != from {
		m.mu.Unlock()
		return false
	}
	m.state = to
	listeners := append([]StateChangeListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		m.notify(l, to)
	}
	return true
}

func (m *StateMachine) terminal(to model.QueryState, cause *model.QueryError, allowed func(model.QueryState) bool) bool {
	m.mu.Lock()
	if m.state.IsDone() || !allowed(m.state) {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.endTime = m.now()
	m.cause = cause
	listeners := m.listeners
	m.listeners = nil
	m.mu.Unlock()

	for _, l := range listeners {
		m.notify(l, to)
	}
	return true
}

func (m *StateMachine) notify(l StateChangeListener, state model.QueryState) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		l(state)
	}()
}

// DrainListeners blocks until all in-flight listener notifications have run,
// or ctx expires.
func (m *StateMachine) DrainListeners(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
