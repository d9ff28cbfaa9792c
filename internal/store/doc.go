// Package store defines interfaces for data persistence operations.
// These interfaces abstract the underlying data storage mechanism from
// the background-processing core: a key-value store for cache entries and
// actor state, a message queue, workflow instance checkpoints, and the narrow
// slice of blog content that workflows touch.
//
// Implementations live under internal/platform (memstore, postgres, sqlite).
package store
