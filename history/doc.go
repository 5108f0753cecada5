// Package history persists completed-query records beyond the tracker's
// in-memory retention window.
//
// The tracker bounds live memory by pruning and removing done queries; the
// history package is where their final snapshots go instead of vanishing.
// An Archiver receives each query's final info exactly once, encodes it
// (optionally compressed), and writes it to a Store. Stores exist for
// memory (tests), the local filesystem, S3, and MinIO; an optional Index
// answers "which archived queries belong to this user / ended in this
// state" without scanning the store.
package history
