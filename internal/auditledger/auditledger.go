// Package auditledger implements the append-only governance audit ledger.
//
// Every logged AuditEvent contributes one SHA-256 leaf to a Merkle tree. The
// event carries an inclusion proof against the root at the time it was
// appended, so any later change to the stored record is detectable via
// VerifyEvent without replaying the whole ledger.
//
// Three Store implementations are provided:
//   - MemoryStore: in-process, for testing and development.
//   - SQLiteStore: single-file durable store for single-node deployments.
//   - PostgresStore: durable, for production use.
package auditledger
