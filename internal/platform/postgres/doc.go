// Package postgres provides PostgreSQL-specific implementations of the
// storage interfaces defined in the internal/store package: the shared
// key-value table, the message queue, workflow instance checkpoints and the
// post/comment adapters. Schema changes ship as embedded goose migrations.
package postgres
