// Package history keeps an append-only journal of task lifecycle events.
//
// The journal is a task.Listener: callbacks enqueue an event without blocking
// and a single background writer inserts them into the task_events table.
// It is an audit trail for the control API. Nothing is restored from it when
// the process restarts.
//
// Two drivers are supported. "sqlite" (modernc.org/sqlite, pure Go) is the
// default; "pgx" (jackc/pgx stdlib) targets PostgreSQL. Each driver has its own
// embedded goose migrations.
package history
