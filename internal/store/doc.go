// Package store provides the SQLite-backed durable RecordKeeper.
//
// The store holds the change log of one installation together with the
// replication bookkeeping around it:
//   - Changes: the audit log, keyed by partitioned IDs
//   - Centers: the peers this installation synchronizes with, "Here" included
//   - Sync Records: one row per import or export attempt, linked to the
//     changes it carried through associations
//   - Watermarks: newest purged change per (origin, subject) pair, and
//     what each peer is known to hold
//   - Auto-Purge: the retention policy and its exclusions
//
// # Critical Patterns
//
// CP-1: Partitioned Identity
//   - Every center allocates IDs from [centerID*1e9, (centerID+1)*1e9)
//   - The lowest free slot at or above a persisted hint wins, so purged IDs
//     are reused before the partition grows
//
// CP-2: Strictly Increasing Change Times
//   - Local times come from keeper.Stamper, resumed from MAX(time) on open
//
// CP-3: Audit In The Same Transaction
//   - Center and auto-purge mutations write their changes in the transaction
//     that applies them; the auto-purge pass runs there too
//
// CP-4: Deterministic Query Results
//   - Searches and listings end with ORDER BY ... id ASC
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Two drivers are supported: mattn/go-sqlite3 (cgo, default) and
// modernc.org/sqlite (pure Go), selected with WithDriver.
package store
