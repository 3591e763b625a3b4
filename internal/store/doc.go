// Package store provides SQLite-backed persistence for the Landing domain.
//
// Two kinds of data live in the same database:
//   - Documents: JSON bodies grouped by collection, mutated only through the
//     atomic Upsert primitive (filter + set + set-on-insert + modified touch).
//   - Transactions: the domain transaction log. Each transaction is recorded
//     once (ON CONFLICT DO NOTHING) and marked applied after it succeeded;
//     entries never marked applied are picked up for resubmission.
//
// # Upsert Semantics
//
// Upsert runs inside a single write transaction. The database is opened with
// _txlock=immediate and a single connection, so the lookup and the write of
// one Upsert cannot interleave with another writer. Unique indexes declared
// with EnsureUniqueIndex are enforced by SQLite; a colliding insert returns
// ErrDuplicateKey.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
