package interceptor

import (
	"time"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/model"
)

// Handlers that touch the database must use the Querier they receive; it is
// the transaction the firing step runs in.

// SessionBegin fires before a session touches the database.
type SessionBegin struct {
	Scope      string
	SyncType   model.SyncType
	Parameters map[string]any
}

// SessionEnd fires after a session, successful or not.
type SessionEnd struct {
	Scope    string
	ScopeID  string
	Started  time.Time
	Finished time.Time
	Err      error
}

// TableChangesSelecting fires before a table's changes are selected.
// Setting Skip excludes the table from this selection.
type TableChangesSelecting struct {
	Querier          adapter.Querier
	Table            model.Table
	Watermark        int64
	SessionTimestamp int64
	Initialize       bool
	Skip             bool
}

// RowSelected fires for each selected row. Row may be modified in place;
// setting Skip drops it from the batch.
type RowSelected struct {
	Querier adapter.Querier
	Table   model.Table
	Row     *model.SyncRow
	Skip    bool
}

// TableChangesSelected fires after a table's changes were selected.
type TableChangesSelected struct {
	Querier adapter.Querier
	Table   model.Table
	Count   int
}

// BatchApplying fires before the parts of a batch are applied.
type BatchApplying struct {
	Querier  adapter.Querier
	BatchID  string
	SenderID string
	Rows     int
}

// RowApplying fires before an incoming row is applied. Row may be modified
// in place; setting Skip leaves the local row untouched.
type RowApplying struct {
	Querier  adapter.Querier
	Table    model.Table
	Row      *model.SyncRow
	SenderID string
	Skip     bool
}

// ConflictOccurred fires for each detected conflict, with Resolution set to
// the policy default. Handlers may change Conflict.Resolution and, for
// MergeRow, set Conflict.FinalRow.
//
// ForceLocalOrigin, true by default, records a merged row as locally
// written so that it propagates on the next session.
type ConflictOccurred struct {
	Querier          adapter.Querier
	Table            model.Table
	Conflict         *model.Conflict
	SenderID         string
	IsServer         bool
	ForceLocalOrigin bool
}

// ApplyError fires when a row fails to apply, with Action set to the
// configured error policy. Handlers may change Action.
type ApplyError struct {
	Querier adapter.Querier
	Table   model.Table
	Row     *model.SyncRow
	Err     error
	Action  model.ErrorAction
}

// OutdatedAction is the recovery chosen for an outdated client.
type OutdatedAction string

const (
	// OutdatedRollback fails the session with OUT_OF_DATE (default).
	OutdatedRollback OutdatedAction = "rollback"

	// OutdatedReinitialize discards local unsent rows and re-seeds.
	OutdatedReinitialize OutdatedAction = "reinitialize"

	// OutdatedReinitializeWithUpload uploads local unsent rows, then re-seeds.
	OutdatedReinitializeWithUpload OutdatedAction = "reinitialize_with_upload"
)

// Outdated fires when the client's server watermark predates the server's
// last metadata cleanup.
type Outdated struct {
	Scope                   string
	ScopeID                 string
	LastServerSyncTimestamp int64
	ServerCleanupTimestamp  int64
	Action                  OutdatedAction
}

// MetadataCleaned fires after tracking rows were deleted.
type MetadataCleaned struct {
	Querier   adapter.Querier
	Scope     string
	Watermark int64
	Deleted   map[string]int64
}
