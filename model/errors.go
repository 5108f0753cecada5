package model

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a user-facing query failure.
type ErrorCode int

const (
	// ErrorCodeNone marks a query without a failure condition.
	ErrorCodeNone ErrorCode = iota
	// ErrorCodeExceededTimeLimit: queued, execution, or total run time ceiling hit.
	ErrorCodeExceededTimeLimit
	// ErrorCodeExceededCPULimit: cumulative CPU time ceiling hit.
	ErrorCodeExceededCPULimit
	// ErrorCodeExceededScanLimit: raw input scan bytes ceiling hit.
	ErrorCodeExceededScanLimit
	// ErrorCodeExceededOutputSizeLimit: output byte size ceiling hit.
	ErrorCodeExceededOutputSizeLimit
	// ErrorCodeExceededOutputRowLimit: output row count ceiling hit.
	ErrorCodeExceededOutputRowLimit
	// ErrorCodeExceededWrittenIntermediateLimit: intermediate materialization bytes ceiling hit.
	ErrorCodeExceededWrittenIntermediateLimit
	// ErrorCodeExceededMemoryLimit: memory ceiling hit.
	ErrorCodeExceededMemoryLimit
	// ErrorCodeAbandonedQuery: client stopped sending heartbeats.
	ErrorCodeAbandonedQuery
	// ErrorCodeClusterOutOfTaskSlots: killed by the task-count eviction policy.
	ErrorCodeClusterOutOfTaskSlots
	// ErrorCodeClusterOverloaded: rejected at admission.
	ErrorCodeClusterOverloaded
	// ErrorCodeServerShuttingDown: failed because the server is stopping.
	ErrorCodeServerShuttingDown
	// ErrorCodeUserCanceled: canceled by a client request.
	ErrorCodeUserCanceled
	// ErrorCodeInternal: a logic error inside the engine, never user induced.
	ErrorCodeInternal
)

// String returns the canonical code name.
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeNone:
		return "NONE"
	case ErrorCodeExceededTimeLimit:
		return "EXCEEDED_TIME_LIMIT"
	case ErrorCodeExceededCPULimit:
		return "EXCEEDED_CPU_LIMIT"
	case ErrorCodeExceededScanLimit:
		return "EXCEEDED_SCAN_LIMIT"
	case ErrorCodeExceededOutputSizeLimit:
		return "EXCEEDED_OUTPUT_SIZE_LIMIT"
	case ErrorCodeExceededOutputRowLimit:
		return "EXCEEDED_OUTPUT_ROW_LIMIT"
	case ErrorCodeExceededWrittenIntermediateLimit:
		return "EXCEEDED_WRITTEN_INTERMEDIATE_LIMIT"
	case ErrorCodeExceededMemoryLimit:
		return "EXCEEDED_MEMORY_LIMIT"
	case ErrorCodeAbandonedQuery:
		return "ABANDONED_QUERY"
	case ErrorCodeClusterOutOfTaskSlots:
		return "CLUSTER_OUT_OF_TASK_SLOTS"
	case ErrorCodeClusterOverloaded:
		return "CLUSTER_OVERLOADED"
	case ErrorCodeServerShuttingDown:
		return "SERVER_SHUTTING_DOWN"
	case ErrorCodeUserCanceled:
		return "USER_CANCELED"
	case ErrorCodeInternal:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// ErrQueryNotFound is returned by lookups that require an existing query.
var ErrQueryNotFound = errors.New("query not found")

// QueryError is a user-facing query failure condition. It is what limit
// enforcement and shutdown deliver via fail, and what listeners observe.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type QueryError struct {
	Code    ErrorCode
	QueryID QueryID
	Message string
	cause   error
}

// NewQueryError creates a QueryError with the given code and message.
func NewQueryError(code ErrorCode, id QueryID, format string, args ...any) *QueryError {
	return &QueryError{
		Code:    code,
		QueryID: id,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapQueryError attaches a cause accessible via errors.Unwrap.
func WrapQueryError(code ErrorCode, id QueryID, cause error, format string, args ...any) *QueryError {
	return &QueryError{
		Code:    code,
		QueryID: id,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

func (e *QueryError) Error() string {
	if e.QueryID != "" {
		return fmt.Sprintf("%s: query %s: %s", e.Code, e.QueryID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *QueryError) Unwrap() error { return e.cause }

// AsQueryError extracts a QueryError from an error chain. A plain error is
// wrapped as an internal failure so every recorded failure carries a code.
func AsQueryError(id QueryID, err error) *QueryError {
	if err == nil {
		return nil
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe
	}
	return WrapQueryError(ErrorCodeInternal, id, err, "%s", err.Error())
}
