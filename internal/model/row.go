package model

import (
	"fmt"
	"strings"
	"time"
)

// RowState is the state of an in-flight row.
type RowState int

const (
	// RowStateModified is an insert or update.
	RowStateModified RowState = iota + 1
	// RowStateDeleted is a delete (tombstone).
	RowStateDeleted
	// RowStateApplyModifiedFailed is a modified row that failed to apply.
	RowStateApplyModifiedFailed
	// RowStateApplyDeletedFailed is a deleted row that failed to apply.
	RowStateApplyDeletedFailed
	// RowStateRetryModifiedOnNextSync is a modified row retried on the next session.
	RowStateRetryModifiedOnNextSync
	// RowStateRetryDeletedOnNextSync is a deleted row retried on the next session.
	RowStateRetryDeletedOnNextSync
)

var rowStateNames = map[RowState]string{
	RowStateModified:                "Modified",
	RowStateDeleted:                 "Deleted",
	RowStateApplyModifiedFailed:     "ApplyModifiedFailed",
	RowStateApplyDeletedFailed:      "ApplyDeletedFailed",
	RowStateRetryModifiedOnNextSync: "RetryModifiedOnNextSync",
	RowStateRetryDeletedOnNextSync:  "RetryDeletedOnNextSync",
}

func (s RowState) String() string {
	if name, ok := rowStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RowState(%d)", int(s))
}

// IsDelete reports whether the state carries a delete, whatever its outcome.
func (s RowState) IsDelete() bool {
	return s == RowStateDeleted || s == RowStateApplyDeletedFailed || s == RowStateRetryDeletedOnNextSync
}

// IsRetry reports whether the row waits for the next session.
func (s RowState) IsRetry() bool {
	return s == RowStateRetryModifiedOnNextSync || s == RowStateRetryDeletedOnNextSync
}

// IsFailed reports whether the row failed and will not be retried.
func (s RowState) IsFailed() bool {
	return s == RowStateApplyModifiedFailed || s == RowStateApplyDeletedFailed
}

// Failed returns the terminal failure state matching s.
func (s RowState) Failed() RowState {
	if s.IsDelete() {
		return RowStateApplyDeletedFailed
	}
	return RowStateApplyModifiedFailed
}

// Retry returns the retry-on-next-sync state matching s.
func (s RowState) Retry() RowState {
	if s.IsDelete() {
		return RowStateRetryDeletedOnNextSync
	}
	return RowStateRetryModifiedOnNextSync
}

// Base returns Modified or Deleted, stripping any failure marker.
func (s RowState) Base() RowState {
	if s.IsDelete() {
		return RowStateDeleted
	}
	return RowStateModified
}

// Row holds column values keyed by column name.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Key returns a stable string identity of the row's primary key in t.
func (r Row) Key(t Table) string {
	var b strings.Builder
	for i, pk := range t.PrimaryKeys() {
		if i > 0 {
			b.WriteByte('|')
		}
		fmt.Fprintf(&b, "%v", r[pk.Name])
	}
	return b.String()
}

// PrimaryKey returns only the primary key values of the row.
func (r Row) PrimaryKey(t Table) Row {
	pks := t.PrimaryKeys()
	out := make(Row, len(pks))
	for _, pk := range pks {
		out[pk.Name] = r[pk.Name]
	}
	return out
}

// SyncRow is an in-flight unit of change: primary key and column values plus
// the state of the change.
type SyncRow struct {
	Table  string
	Values Row
	State  RowState
}

// TrackingRow is the change-tracking record of one primary key.
type TrackingRow struct {
	Table string
	Key   Row

	// UpdateScopeID is the peer that last wrote the row. Empty means the row
	// was written locally (NULL in storage).
	UpdateScopeID string

	Timestamp   int64
	IsTombstone bool
	LastChange  time.Time
}

// ChangedSince implements the change predicate: the row changed after
// watermark and was not written by scopeID.
func (t TrackingRow) ChangedSince(watermark int64, scopeID string) bool {
	if t.Timestamp <= watermark {
		return false
	}
	return t.UpdateScopeID == "" || t.UpdateScopeID != scopeID
}

// LocalRow is the current local version of a primary key, as read by the
// apply engine before writing.
type LocalRow struct {
	// Values is nil when the data row does not exist.
	Values Row

	// Tracking is nil when no tracking row exists (never tracked, or
	// garbage-collected).
	Tracking *TrackingRow
}

// Exists reports whether the data row is present.
func (l LocalRow) Exists() bool {
	return l.Values != nil
}

// IsDeleted reports whether the local row is a tracked tombstone.
func (l LocalRow) IsDeleted() bool {
	return l.Values == nil && l.Tracking != nil && l.Tracking.IsTombstone
}
