// Package store provides SQLite-backed durable storage for the signal core.
//
// Every entity whose state decides correctness lives here: signals and their
// fingerprints, channels, live retry tasks and their leases, the execution
// attempt log, trust events and their rollups, and parser deployments with
// their rosters and acknowledgements. No in-memory structure elsewhere is
// allowed to be the sole owner of dedup, retry-count or deployment state.
//
// # Critical Patterns
//
// Atomic admission:
//   - signals.fingerprint is UNIQUE; AdmitSignal uses INSERT ... ON CONFLICT
//     DO NOTHING plus RowsAffected inside one transaction, so exactly one of
//     any number of racing callers observes admitted=true.
//
// At most one live task per signal:
//   - retry_tasks.signal_id is UNIQUE; InsertTask never overwrites.
//
// Lease-based dequeue:
//   - LeaseTask selects and claims the earliest eligible row in one
//     transaction; an expired lease makes the row eligible again.
//   - SettleLease only succeeds for the holder of the current lease token.
//
// Append-only logs:
//   - execution_attempts rejects UPDATE and DELETE via triggers.
//   - trust_events is only ever inserted into; trust_records is a rollup.
//
// Explicit values:
//   - The schema carries no column defaults. Defaults are owned by
//     internal/config so they are testable independent of storage.
//
// # Database Configuration
//
//   - WAL mode: readers never block the writer
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//   - one writer connection; a separate read-only pool serves queries
package store
