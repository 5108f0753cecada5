// Package limit implements the limit descriptor used to combine resource and
// time ceilings imposed by different authorities.
//
// A query can be constrained by the same resource at up to three levels:
// a process-wide system default, a resource-group policy, and a per-query
// session override. Enforcement always applies the most restrictive of the
// candidates, and failure messages cite the authority that imposed it.
package limit

import "cmp"

// Source identifies the authority that imposed a limit.
//
// The numeric order doubles as the tie-break precedence: when two candidate
// limits carry equal thresholds, the more specific scope wins so that the
// failure message blames the narrowest authority.
type Source int

const (
	// SourceSystem is a process-wide default.
	SourceSystem Source = iota
	// SourceResourceGroup is a limit imposed by resource-group policy.
	SourceResourceGroup
	// SourceQuery is a per-query session override.
	SourceQuery
)

// String returns the canonical source name.
func (s Source) String() string {
	switch s {
	case SourceSystem:
		return "SYSTEM"
	case SourceResourceGroup:
		return "RESOURCE_GROUP"
	case SourceQuery:
		return "QUERY"
	default:
		return "UNKNOWN"
	}
}

// Limit is a threshold together with the authority that imposed it.
type Limit[T cmp.Ordered] struct {
	Value  T
	Source Source
}

// Of constructs a Limit.
func Of[T cmp.Ordered](value T, source Source) Limit[T] {
	return Limit[T]{Value: value, Source: source}
}

// Minimum returns the most restrictive of the candidate limits. Thresholds
// tie-break on source specificity: Query beats ResourceGroup beats System.
// Callers pass only limits that are actually configured; absent optional
// limits are simply not appended.
func Minimum[T cmp.Ordered](first Limit[T], rest ...Limit[T]) Limit[T] {
	min := first
	for _, l := range rest {
		if l.Value < min.Value || (l.Value == min.Value && l.Source > min.Source) {
			min = l
		}
	}
	return min
}
