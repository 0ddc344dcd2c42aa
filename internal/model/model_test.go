package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDefinition() ScopeDefinition {
	return ScopeDefinition{
		Name:    "sales",
		Version: "1",
		Tables: []Table{
			{
				Name: "customer",
				Columns: []Column{
					{Name: "id", Type: "INTEGER", PrimaryKey: true},
					{Name: "name", Type: "TEXT"},
				},
			},
			{
				Name: "orders",
				Columns: []Column{
					{Name: "id", Type: "INTEGER", PrimaryKey: true},
					{Name: "customer_id", Type: "INTEGER"},
					{Name: "region", Type: "TEXT"},
				},
				Filter: &Filter{Column: "region", Parameter: "region"},
			},
		},
	}
}

func TestChangedSince(t *testing.T) {
	tests := []struct {
		name      string
		row       TrackingRow
		watermark int64
		scopeID   string
		want      bool
	}{
		{"older than watermark", TrackingRow{Timestamp: 5}, 5, "a", false},
		{"local write after watermark", TrackingRow{Timestamp: 6}, 5, "a", true},
		{"other peer after watermark", TrackingRow{Timestamp: 6, UpdateScopeID: "b"}, 5, "a", true},
		{"own echo", TrackingRow{Timestamp: 6, UpdateScopeID: "a"}, 5, "a", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.row.ChangedSince(tt.watermark, tt.scopeID))
		})
	}
}

func TestRowStateTransitions(t *testing.T) {
	assert.Equal(t, RowStateApplyModifiedFailed, RowStateModified.Failed())
	assert.Equal(t, RowStateApplyDeletedFailed, RowStateDeleted.Failed())
	assert.Equal(t, RowStateRetryModifiedOnNextSync, RowStateModified.Retry())
	assert.Equal(t, RowStateRetryDeletedOnNextSync, RowStateDeleted.Retry())
	assert.Equal(t, RowStateDeleted, RowStateRetryDeletedOnNextSync.Base())
	assert.Equal(t, RowStateModified, RowStateApplyModifiedFailed.Base())

	assert.True(t, RowStateRetryModifiedOnNextSync.IsRetry())
	assert.False(t, RowStateApplyModifiedFailed.IsRetry())
	assert.True(t, RowStateApplyDeletedFailed.IsFailed())
	assert.Equal(t, "RetryModifiedOnNextSync", RowStateRetryModifiedOnNextSync.String())
	assert.Equal(t, "RowState(42)", RowState(42).String())
}

func TestRowKey(t *testing.T) {
	table := Table{
		Name: "line",
		Columns: []Column{
			{Name: "order_id", PrimaryKey: true},
			{Name: "line_no", PrimaryKey: true},
			{Name: "qty"},
		},
	}
	row := Row{"order_id": int64(7), "line_no": int64(2), "qty": int64(1)}

	assert.Equal(t, "7|2", row.Key(table))
	assert.Equal(t, Row{"order_id": int64(7), "line_no": int64(2)}, row.PrimaryKey(table))

	clone := row.Clone()
	clone["qty"] = int64(9)
	assert.Equal(t, int64(1), row["qty"], "clone must not alias")
}

func TestLocalRow(t *testing.T) {
	absent := LocalRow{}
	assert.False(t, absent.Exists())
	assert.False(t, absent.IsDeleted())

	deleted := LocalRow{Tracking: &TrackingRow{IsTombstone: true}}
	assert.False(t, deleted.Exists())
	assert.True(t, deleted.IsDeleted())

	live := LocalRow{Values: Row{"id": 1}, Tracking: &TrackingRow{}}
	assert.True(t, live.Exists())
	assert.False(t, live.IsDeleted())
}

func TestScopeDefinitionValidate(t *testing.T) {
	def := sampleDefinition()
	require.NoError(t, def.Validate())
	assert.Equal(t, []string{"region"}, def.FilterParameters())

	tests := []struct {
		name   string
		mutate func(d *ScopeDefinition)
		table  string
	}{
		{"missing name", func(d *ScopeDefinition) { d.Name = "" }, ""},
		{"no tables", func(d *ScopeDefinition) { d.Tables = nil }, ""},
		{"no primary key", func(d *ScopeDefinition) { d.Tables[0].Columns[0].PrimaryKey = false }, "customer"},
		{"duplicate table", func(d *ScopeDefinition) { d.Tables[1].Name = "customer" }, "customer"},
		{"duplicate column", func(d *ScopeDefinition) { d.Tables[0].Columns[1].Name = "id" }, "customer"},
		{"bad direction", func(d *ScopeDefinition) { d.Tables[0].Direction = "sideways" }, "customer"},
		{"bad filter column", func(d *ScopeDefinition) { d.Tables[1].Filter.Column = "nope" }, "orders"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := sampleDefinition()
			tt.mutate(&d)
			err := d.Validate()
			require.Error(t, err)
			assert.True(t, IsSchemaError(err))

			var se *SyncError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.table, se.Table)
		})
	}
}

func TestSyncDirection(t *testing.T) {
	assert.True(t, DirectionBidirectional.Uploads())
	assert.True(t, DirectionBidirectional.Downloads())
	assert.True(t, DirectionUploadOnly.Uploads())
	assert.False(t, DirectionUploadOnly.Downloads())
	assert.False(t, DirectionDownloadOnly.Uploads())
	assert.False(t, DirectionNone.Uploads())
	assert.False(t, DirectionNone.Downloads())
	assert.True(t, SyncDirection("").Uploads())

	d, err := ParseSyncDirection("")
	require.NoError(t, err)
	assert.Equal(t, DirectionBidirectional, d)
}

func TestParsePolicies(t *testing.T) {
	mode, err := ParseTransactionMode("")
	require.NoError(t, err)
	assert.Equal(t, TransactionAllOrNothing, mode)
	_, err = ParseTransactionMode("sometimes")
	assert.Error(t, err)

	action, err := ParseErrorAction("retry_on_next_sync")
	require.NoError(t, err)
	assert.Equal(t, ErrorRetryOnNextSync, action)
	action, err = ParseErrorAction("")
	require.NoError(t, err)
	assert.Equal(t, ErrorThrow, action)

	policy, err := ParseConflictPolicy("client_wins")
	require.NoError(t, err)
	assert.Equal(t, PolicyClientWins, policy)
	_, err = ParseConflictPolicy("both")
	assert.Error(t, err)

	assert.True(t, SyncReinitializeWithUpload.IsReinitialize())
	assert.False(t, SyncNormal.IsReinitialize())

	st, err := ParseSyncType("")
	require.NoError(t, err)
	assert.Equal(t, SyncNormal, st)
	_, err = ParseSyncType("full")
	assert.Error(t, err)
}

func TestSyncErrorWrapping(t *testing.T) {
	cause := errors.New("UNIQUE constraint failed")
	err := fmt.Errorf("apply row: %w", NewConstraintError("customer", cause))

	assert.True(t, IsConstraintViolation(err))
	assert.False(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "CONSTRAINT_VIOLATION")
	assert.Contains(t, err.Error(), "table=customer")

	transient := NewConnectionError(true, errors.New("database is locked"))
	assert.True(t, IsTransient(transient))
	assert.Equal(t, ErrCodeConnection, CodeOf(transient))

	outdated := NewOutOfDateError(3, 10)
	assert.True(t, IsOutOfDate(outdated))
	assert.Contains(t, outdated.Error(), "client watermark 3 is older than cleanup watermark 10")

	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.True(t, IsConflictResolutionError(NewConflictResolutionError("t", cause)))
	assert.Equal(t, ErrCodeRollback, CodeOf(NewRollbackError("stop")))
}
