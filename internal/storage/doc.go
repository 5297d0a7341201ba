// Package storage is the durable task store owned by the scheduler.
//
// Two drivers implement Store:
//   - "sqlite": one table, queried by status bitmask and due time (default)
//   - "file":   in-memory index backed by a JSON snapshot + append-only journal
//
// Every failure surfaces as *task.StorageError, *task.DuplicateTaskError or
// *task.NotFoundError; driver errors never leak.
package storage
