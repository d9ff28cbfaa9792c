// Package memstore provides in-process implementations of the store
// interfaces. It backs the worker when no database is configured and gives
// tests deterministic time through an injectable clock.
package memstore
