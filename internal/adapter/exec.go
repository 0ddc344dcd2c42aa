package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/rowsync/internal/model"
)

// Column names of the tracking record, as returned by SelectMetadata and
// the select-changes commands.
const (
	ColUpdateScopeID = "update_scope_id"
	ColTimestamp     = "timestamp"
	ColIsTombstone   = "sync_row_is_tombstone"
	ColLastChange    = "last_change_datetime"
)

// Exec builds and runs a non-query command, returning the affected row count.
func Exec(ctx context.Context, a Adapter, q Querier, kind CommandKind, t model.Table, args ...any) (int64, error) {
	cmd, err := a.Command(kind, t)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, cmd.Text, args...)
	if err != nil {
		return 0, a.ClassifyError(t.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Query builds and runs a query command. Callers close the returned rows.
func Query(ctx context.Context, a Adapter, q Querier, kind CommandKind, t model.Table, args ...any) (*sql.Rows, error) {
	cmd, err := a.Command(kind, t)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, cmd.Text, args...)
	if err != nil {
		return nil, a.ClassifyError(t.Name, err)
	}
	return rows, nil
}

// ScanRow scans the current result row into a column-name keyed map.
func ScanRow(rows *sql.Rows) (model.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	row := make(model.Row, len(cols))
	for i, c := range cols {
		row[c] = values[i]
	}
	return row, nil
}

// ReadRow returns the data row with the primary key of key, or nil when the
// row does not exist.
func ReadRow(ctx context.Context, a Adapter, q Querier, t model.Table, key model.Row) (model.Row, error) {
	rows, err := Query(ctx, a, q, SelectRow, t, KeyArgs(t, key)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, a.ClassifyError(t.Name, rows.Err())
	}
	return ScanRow(rows)
}

// ReadMetadata returns the tracking row of key, or nil when none exists.
func ReadMetadata(ctx context.Context, a Adapter, q Querier, t model.Table, key model.Row) (*model.TrackingRow, error) {
	rows, err := Query(ctx, a, q, SelectMetadata, t, KeyArgs(t, key)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, a.ClassifyError(t.Name, rows.Err())
	}
	raw, err := ScanRow(rows)
	if err != nil {
		return nil, err
	}
	return trackingFromRow(t, raw), nil
}

// ReadLocal reads both the data row and the tracking row of key.
func ReadLocal(ctx context.Context, a Adapter, q Querier, t model.Table, key model.Row) (model.LocalRow, error) {
	values, err := ReadRow(ctx, a, q, t, key)
	if err != nil {
		return model.LocalRow{}, err
	}
	tracking, err := ReadMetadata(ctx, a, q, t, key)
	if err != nil {
		return model.LocalRow{}, err
	}
	return model.LocalRow{Values: values, Tracking: tracking}, nil
}

// WriteMetadata upserts the tracking row of key. An empty scopeID records
// the write as local.
func WriteMetadata(ctx context.Context, a Adapter, q Querier, t model.Table, key model.Row, scopeID string, tombstone bool) error {
	args := KeyArgs(t, key)
	var usid any
	if scopeID != "" {
		usid = scopeID
	}
	args = append(args,
		sql.Named(ParamScopeID, usid),
		sql.Named(ParamIsTombstone, BoolInt(tombstone)),
	)
	_, err := Exec(ctx, a, q, UpdateMetadata, t, args...)
	return err
}

func trackingFromRow(t model.Table, raw model.Row) *model.TrackingRow {
	tr := &model.TrackingRow{
		Table:       t.Name,
		Key:         raw.PrimaryKey(t),
		Timestamp:   AsInt64(raw[ColTimestamp]),
		IsTombstone: AsInt64(raw[ColIsTombstone]) != 0,
		LastChange:  AsTime(raw[ColLastChange]),
	}
	switch v := raw[ColUpdateScopeID].(type) {
	case string:
		tr.UpdateScopeID = v
	case []byte:
		tr.UpdateScopeID = string(v)
	}
	return tr
}

// BoolInt renders a flag as the integer stored by SQL backends.
func BoolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// AsInt64 converts a scanned numeric value.
func AsInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case bool:
		return BoolInt(n)
	default:
		return 0
	}
}

// AsTime converts a scanned date value. Unparseable values yield the zero time.
func AsTime(v any) time.Time {
	switch tv := v.(type) {
	case time.Time:
		return tv.UTC()
	case string:
		for _, layout := range []string{"2006-01-02 15:04:05.999999999", time.RFC3339Nano} {
			if parsed, err := time.Parse(layout, tv); err == nil {
				return parsed.UTC()
			}
		}
	}
	return time.Time{}
}
