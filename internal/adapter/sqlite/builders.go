package sqlite

import (
	"fmt"
	"strings"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/model"
)

// nowExpr renders the current UTC time in a format go-sqlite3 parses back
// into time.Time for DATETIME columns.
const nowExpr = "strftime('%Y-%m-%d %H:%M:%f', 'now')"

// nextTimestampExpr reads the next logical timestamp.
const nextTimestampExpr = "(SELECT value FROM rowsync_clock WHERE id = 1) + 1"

func builders() adapter.Builders {
	return adapter.Builders{
		adapter.SelectChanges:            buildSelectChanges,
		adapter.SelectChangesWithFilter:  buildSelectChangesWithFilter,
		adapter.SelectInitializedChanges: buildSelectInitializedChanges,
		adapter.SelectRow:                buildSelectRow,
		adapter.InsertOrUpdateRow:        buildInsertOrUpdateRow,
		adapter.DeleteRow:                buildDeleteRow,
		adapter.SelectMetadata:           buildSelectMetadata,
		adapter.UpdateMetadata:           buildUpdateMetadata,
		adapter.DeleteMetadata:           buildDeleteMetadata,
		adapter.UpdateUntrackedRows:      buildUpdateUntrackedRows,
		adapter.Reset:                    buildReset,
		adapter.EnableConstraints:        constant("PRAGMA defer_foreign_keys = OFF"),
		adapter.DisableConstraints:       constant("PRAGMA defer_foreign_keys = ON"),
	}
}

func constant(text string) adapter.Builder {
	return func(model.Table) (string, error) { return text, nil }
}

// quote renders an SQLite identifier.
func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func trackingTable(table string) string {
	return table + "_tracking"
}

// keyJoin renders "l.pk1 = r.pk1 AND l.pk2 = r.pk2".
func keyJoin(t model.Table, left, right string) string {
	var parts []string
	for _, pk := range t.PrimaryKeys() {
		parts = append(parts, fmt.Sprintf("%s.%s = %s.%s", left, quote(pk.Name), right, quote(pk.Name)))
	}
	return strings.Join(parts, " AND ")
}

// keyWhere renders "pk1 = @c0 AND pk2 = @c1" with column-indexed parameters.
func keyWhere(t model.Table, alias string) string {
	var parts []string
	for i, c := range t.Columns {
		if !c.PrimaryKey {
			continue
		}
		col := quote(c.Name)
		if alias != "" {
			col = alias + "." + col
		}
		parts = append(parts, fmt.Sprintf("%s = @%s", col, adapter.ColumnParam(i)))
	}
	return strings.Join(parts, " AND ")
}

func keyColumns(t model.Table) string {
	var cols []string
	for _, pk := range t.PrimaryKeys() {
		cols = append(cols, quote(pk.Name))
	}
	return strings.Join(cols, ", ")
}

// changeColumns selects key columns from the tracking side and the others
// from the data side, so tombstones still carry their key.
func changeColumns(t model.Table) string {
	cols := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		src := "base"
		if c.PrimaryKey {
			src = "side"
		}
		cols = append(cols, fmt.Sprintf("%s.%s AS %s", src, quote(c.Name), quote(c.Name)))
	}
	cols = append(cols, "side.sync_row_is_tombstone AS "+adapter.ColIsTombstone)
	return strings.Join(cols, ", ")
}

func buildSelectChanges(t model.Table) (string, error) {
	return fmt.Sprintf(`SELECT %s
FROM %s side
LEFT JOIN %s base ON %s
WHERE side.timestamp > @%s
  AND side.timestamp <= @%s
  AND (side.update_scope_id IS NULL OR side.update_scope_id <> @%s)
ORDER BY side.timestamp`,
		changeColumns(t),
		quote(trackingTable(t.Name)),
		quote(t.Name), keyJoin(t, "base", "side"),
		adapter.ParamLastTimestamp,
		adapter.ParamSessionTimestamp,
		adapter.ParamScopeID,
	), nil
}

// buildSelectChangesWithFilter lets tombstones through regardless of the
// filter; their data row is gone.
func buildSelectChangesWithFilter(t model.Table) (string, error) {
	if t.Filter == nil {
		return "", fmt.Errorf("table %s has no filter", t.Name)
	}
	return fmt.Sprintf(`SELECT %s
FROM %s side
LEFT JOIN %s base ON %s
WHERE side.timestamp > @%s
  AND side.timestamp <= @%s
  AND (side.update_scope_id IS NULL OR side.update_scope_id <> @%s)
  AND (side.sync_row_is_tombstone = 1 OR base.%s = @%s)
ORDER BY side.timestamp`,
		changeColumns(t),
		quote(trackingTable(t.Name)),
		quote(t.Name), keyJoin(t, "base", "side"),
		adapter.ParamLastTimestamp,
		adapter.ParamSessionTimestamp,
		adapter.ParamScopeID,
		quote(t.Filter.Column), adapter.ParamFilter,
	), nil
}

// buildSelectInitializedChanges selects live rows only. Untracked rows
// (no tracking record) are included.
func buildSelectInitializedChanges(t model.Table) (string, error) {
	cols := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		cols = append(cols, "base."+quote(c.Name)+" AS "+quote(c.Name))
	}
	cols = append(cols, "0 AS "+adapter.ColIsTombstone)

	where := fmt.Sprintf("(side.timestamp IS NULL OR side.timestamp <= @%s)", adapter.ParamSessionTimestamp)
	if t.Filter != nil {
		where += fmt.Sprintf(" AND base.%s = @%s", quote(t.Filter.Column), adapter.ParamFilter)
	}
	return fmt.Sprintf(`SELECT %s
FROM %s base
LEFT JOIN %s side ON %s
WHERE %s
ORDER BY side.timestamp`,
		strings.Join(cols, ", "),
		quote(t.Name),
		quote(trackingTable(t.Name)), keyJoin(t, "side", "base"),
		where,
	), nil
}

func buildSelectRow(t model.Table) (string, error) {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = quote(c.Name)
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(cols, ", "), quote(t.Name), keyWhere(t, "")), nil
}

func buildInsertOrUpdateRow(t model.Table) (string, error) {
	cols := make([]string, len(t.Columns))
	params := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = quote(c.Name)
		params[i] = "@" + adapter.ColumnParam(i)
	}

	var sets []string
	for _, c := range t.MutableColumns() {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", quote(c.Name), quote(c.Name)))
	}
	onConflict := "DO NOTHING"
	if len(sets) > 0 {
		onConflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		quote(t.Name),
		strings.Join(cols, ", "),
		strings.Join(params, ", "),
		keyColumns(t),
		onConflict,
	), nil
}

func buildDeleteRow(t model.Table) (string, error) {
	return fmt.Sprintf("DELETE FROM %s WHERE %s", quote(t.Name), keyWhere(t, "")), nil
}

func buildSelectMetadata(t model.Table) (string, error) {
	return fmt.Sprintf("SELECT %s, %s, %s, %s, %s FROM %s WHERE %s",
		keyColumns(t),
		adapter.ColUpdateScopeID,
		adapter.ColTimestamp,
		adapter.ColIsTombstone,
		adapter.ColLastChange,
		quote(trackingTable(t.Name)),
		keyWhere(t, ""),
	), nil
}

// buildUpdateMetadata assigns the next logical timestamp. The tracking
// table's insert trigger then advances the clock.
func buildUpdateMetadata(t model.Table) (string, error) {
	var params []string
	for i, c := range t.Columns {
		if c.PrimaryKey {
			params = append(params, "@"+adapter.ColumnParam(i))
		}
	}
	return fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s, %s, %s, %s, %s)
VALUES (%s, @%s, %s, @%s, %s)`,
		quote(trackingTable(t.Name)),
		keyColumns(t),
		adapter.ColUpdateScopeID, adapter.ColTimestamp, adapter.ColIsTombstone, adapter.ColLastChange,
		strings.Join(params, ", "),
		adapter.ParamScopeID,
		nextTimestampExpr,
		adapter.ParamIsTombstone,
		nowExpr,
	), nil
}

func buildDeleteMetadata(t model.Table) (string, error) {
	return fmt.Sprintf("DELETE FROM %s WHERE timestamp < @%s AND (@%s = 0 OR sync_row_is_tombstone = 1)",
		quote(trackingTable(t.Name)),
		adapter.ParamTimestamp,
		adapter.ParamTombstonesOnly,
	), nil
}

// buildUpdateUntrackedRows gives every untracked row its own timestamp.
func buildUpdateUntrackedRows(t model.Table) (string, error) {
	var baseKeys []string
	for _, pk := range t.PrimaryKeys() {
		baseKeys = append(baseKeys, "base."+quote(pk.Name))
	}
	firstKey := quote(t.PrimaryKeys()[0].Name)
	return fmt.Sprintf(`INSERT INTO %s (%s, %s, %s, %s, %s)
SELECT %s, NULL, (SELECT value FROM rowsync_clock WHERE id = 1) + ROW_NUMBER() OVER (), 0, %s
FROM %s base
LEFT JOIN %s side ON %s
WHERE side.%s IS NULL`,
		quote(trackingTable(t.Name)),
		keyColumns(t),
		adapter.ColUpdateScopeID, adapter.ColTimestamp, adapter.ColIsTombstone, adapter.ColLastChange,
		strings.Join(baseKeys, ", "),
		nowExpr,
		quote(t.Name),
		quote(trackingTable(t.Name)), keyJoin(t, "side", "base"),
		firstKey,
	), nil
}

func buildReset(t model.Table) (string, error) {
	return fmt.Sprintf("DELETE FROM %s; DELETE FROM %s;",
		quote(t.Name), quote(trackingTable(t.Name))), nil
}
