// Package queue persists pipeline state in SQLite: documents, stage jobs,
// safety flags, approval decisions, and the append-only audit log.
package queue
