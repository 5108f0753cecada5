package driftsql

import (
	"errors"
	"fmt"

	"github.com/driftsql/driftsql/model"
)

var (
	// ErrQueryNotFound is returned by lookups for unknown or expired queries.
	ErrQueryNotFound = model.ErrQueryNotFound

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("manager already started")

	// ErrNotStarted is returned by operations requiring a running manager.
	ErrNotStarted = errors.New("manager not started")
)

// ErrDuplicateQuery indicates two registrations under the same identifier.
// This is an internal error: identifiers are generated, so a collision means
// a bug in identifier generation, not bad client input.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDuplicateQuery struct {
	QueryID model.QueryID
	cause   error
}

func (e *ErrDuplicateQuery) Error() string {
	return fmt.Sprintf("query %s is already registered", e.QueryID)
}

func (e *ErrDuplicateQuery) Unwrap() error { return e.cause }

// ErrQueryRejected indicates the admission limiter turned a query away.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrQueryRejected struct {
	QueryID model.QueryID
	cause   error
}

func (e *ErrQueryRejected) Error() string {
	return fmt.Sprintf("query %s rejected: cluster is overloaded", e.QueryID)
}

func (e *ErrQueryRejected) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	if errors.Is(err, model.ErrQueryNotFound) {
		return fmt.Errorf("%w: %w", ErrQueryNotFound, err)
	}

	return err
}
