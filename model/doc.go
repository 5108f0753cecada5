// Package model defines core types shared across the driftsql query core.
//
// # Identity Types
//
//   - QueryID: Globally unique, opaque identifier for one query
//
// # Lifecycle Types
//
//   - QueryState: The query lifecycle state machine states
//   - BasicQueryInfo / QueryInfo: Point-in-time query snapshots
//
// # Errors
//
//   - ErrorCode: The user-facing query failure taxonomy
//   - QueryError: A typed, wrapping failure condition delivered via fail
package model
