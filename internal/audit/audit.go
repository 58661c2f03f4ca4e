// Package audit defines the audit-trail record consumed by the integrity
// forest and the storage collaborator that persists those records.
//
// Two implementations of the Store interface are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for production use.
package audit
