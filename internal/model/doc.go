// Package model defines the change-tracking data model shared by every
// component of the replication engine.
//
// A database taking part in replication carries, next to each tracked table,
// one tracking row per primary key. The tracking row records which peer wrote
// the row last (UpdateScopeID), the logical clock value assigned at write time
// (Timestamp) and whether the row is a tombstone.
//
// # Change Predicate
//
// A row is "changed since T, as seen by scope S" iff
//
//	timestamp > T AND (update_scope_id IS NULL OR update_scope_id != S)
//
// The second clause removes echoes: a peer never receives its own prior
// writes back from the other side.
//
// # Logical Clock
//
// Timestamps are assigned from a per-database monotonic counter, never from
// wall time. Wall time is only kept for diagnostics (LastChange, LastSync).
//
// # Error Taxonomy
//
// All engine failures are reported as *SyncError carrying an ErrorCode.
// Use the Is* predicates (IsOutOfDate, IsConstraintViolation, ...) to
// inspect wrapped errors.
package model
