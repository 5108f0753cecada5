package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryErrorWrapping(t *testing.T) {
	cause := errors.New("socket closed")
	err := WrapQueryError(ErrorCodeAbandonedQuery, "q-1", cause, "client went away")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ABANDONED_QUERY")
	assert.Contains(t, err.Error(), "q-1")
}

func TestAsQueryError(t *testing.T) {
	// A QueryError anywhere in the chain is surfaced as-is.
	qe := NewQueryError(ErrorCodeExceededTimeLimit, "q-1", "too slow")
	wrapped := fmt.Errorf("enforcement: %w", qe)
	got := AsQueryError("q-1", wrapped)
	require.NotNil(t, got)
	assert.Equal(t, ErrorCodeExceededTimeLimit, got.Code)

	// A plain error becomes an internal failure carrying the original.
	plain := errors.New("nil pointer somewhere")
	got = AsQueryError("q-2", plain)
	require.NotNil(t, got)
	assert.Equal(t, ErrorCodeInternal, got.Code)
	assert.Equal(t, QueryID("q-2"), got.QueryID)
	assert.ErrorIs(t, got, plain)

	assert.Nil(t, AsQueryError("q-3", nil))
}

func TestStateIsDone(t *testing.T) {
	done := map[QueryState]bool{
		StateQueued:    false,
		StateRunning:   false,
		StateFinishing: false,
		StateFinished:  true,
		StateFailed:    true,
		StateCanceled:  true,
	}
	for state, want := range done {
		assert.Equal(t, want, state.IsDone(), state.String())
	}
}
