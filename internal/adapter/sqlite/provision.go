package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/model"
)

// tableColumns returns the column names of table, or nil when it does not exist.
func (a *Adapter) tableColumns(ctx context.Context, q adapter.Querier, table string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, a.ClassifyError(table, fmt.Errorf("read table info: %w", err))
	}
	defer rows.Close()

	var cols map[string]bool
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		if cols == nil {
			cols = map[string]bool{}
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// EnsureTable implements adapter.Provisioner.
func (a *Adapter) EnsureTable(ctx context.Context, q adapter.Querier, t model.Table) error {
	existing, err := a.tableColumns(ctx, q, t.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		for _, c := range t.Columns {
			if !existing[c.Name] {
				return model.NewSchemaError(t.Name, fmt.Sprintf("column %q does not exist", c.Name))
			}
		}
		return nil
	}

	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		defs = append(defs, strings.TrimSpace(quote(c.Name)+" "+c.Type))
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", keyColumns(t)))

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)", quote(t.Name), strings.Join(defs, ",\n    "))
	if _, err := q.ExecContext(ctx, ddl); err != nil {
		return a.ClassifyError(t.Name, fmt.Errorf("create table: %w", err))
	}
	return nil
}

// ProvisionTracking implements adapter.Provisioner.
//
// Triggers are dropped and recreated so that re-provisioning an evolved
// table picks up the new column set.
func (a *Adapter) ProvisionTracking(ctx context.Context, q adapter.Querier, t model.Table) error {
	existing, err := a.tableColumns(ctx, q, t.Name)
	if err != nil {
		return err
	}
	if existing == nil {
		return model.NewSchemaError(t.Name, "table does not exist")
	}
	for _, pk := range t.PrimaryKeys() {
		if !existing[pk.Name] {
			return model.NewSchemaError(t.Name, fmt.Sprintf("primary key column %q does not exist", pk.Name))
		}
	}

	for _, stmt := range trackingDDL(t) {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return a.ClassifyError(t.Name, fmt.Errorf("provision tracking: %w", err))
		}
	}

	if _, err := adapter.Exec(ctx, a, q, adapter.UpdateUntrackedRows, t); err != nil {
		return fmt.Errorf("track existing rows: %w", err)
	}
	return nil
}

// DeprovisionTracking implements adapter.Provisioner.
func (a *Adapter) DeprovisionTracking(ctx context.Context, q adapter.Querier, table string) error {
	stmts := []string{
		"DROP TRIGGER IF EXISTS " + quote(table+"_rowsync_insert"),
		"DROP TRIGGER IF EXISTS " + quote(table+"_rowsync_update"),
		"DROP TRIGGER IF EXISTS " + quote(table+"_rowsync_rekey"),
		"DROP TRIGGER IF EXISTS " + quote(table+"_rowsync_delete"),
		"DROP TABLE IF EXISTS " + quote(trackingTable(table)),
	}
	for _, stmt := range stmts {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return a.ClassifyError(table, fmt.Errorf("deprovision tracking: %w", err))
		}
	}
	return nil
}

// trackingDDL renders the tracking table, its clock trigger and the data
// table triggers of t.
func trackingDDL(t model.Table) []string {
	tracking := quote(trackingTable(t.Name))

	var keyDefs, newKeys, oldKeys, rekeyCond []string
	for _, pk := range t.PrimaryKeys() {
		keyDefs = append(keyDefs, strings.TrimSpace(quote(pk.Name)+" "+pk.Type))
		newKeys = append(newKeys, "NEW."+quote(pk.Name))
		oldKeys = append(oldKeys, "OLD."+quote(pk.Name))
		rekeyCond = append(rekeyCond, fmt.Sprintf("OLD.%s IS NOT NEW.%s", quote(pk.Name), quote(pk.Name)))
	}

	// A conflict clause inside a trigger body is overridden by the outer
	// statement's, so the triggers use an upsert rather than OR REPLACE.
	upsert := func(keys []string, tombstone int) string {
		return fmt.Sprintf(`INSERT INTO %s (%s, update_scope_id, timestamp, sync_row_is_tombstone, last_change_datetime)
    VALUES (%s, NULL, %s, %d, %s)
    ON CONFLICT (%s) DO UPDATE SET
        update_scope_id = excluded.update_scope_id,
        timestamp = excluded.timestamp,
        sync_row_is_tombstone = excluded.sync_row_is_tombstone,
        last_change_datetime = excluded.last_change_datetime;`,
			tracking, keyColumns(t), strings.Join(keys, ", "), nextTimestampExpr, tombstone, nowExpr, keyColumns(t))
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    %s,
    update_scope_id TEXT,
    timestamp INTEGER NOT NULL,
    sync_row_is_tombstone INTEGER NOT NULL DEFAULT 0,
    last_change_datetime DATETIME,
    PRIMARY KEY (%s)
)`, tracking, strings.Join(keyDefs, ",\n    "), keyColumns(t)),

		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (timestamp)",
			quote(trackingTable(t.Name)+"_timestamp"), tracking),

		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s
BEGIN
    UPDATE rowsync_clock SET value = max(value, NEW.timestamp) WHERE id = 1;
END`, quote(trackingTable(t.Name)+"_clock"), tracking),

		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE OF timestamp ON %s
BEGIN
    UPDATE rowsync_clock SET value = max(value, NEW.timestamp) WHERE id = 1;
END`, quote(trackingTable(t.Name)+"_clock_update"), tracking),

		"DROP TRIGGER IF EXISTS " + quote(t.Name+"_rowsync_insert"),
		"DROP TRIGGER IF EXISTS " + quote(t.Name+"_rowsync_update"),
		"DROP TRIGGER IF EXISTS " + quote(t.Name+"_rowsync_rekey"),
		"DROP TRIGGER IF EXISTS " + quote(t.Name+"_rowsync_delete"),

		fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT ON %s\nBEGIN\n    %s\nEND",
			quote(t.Name+"_rowsync_insert"), quote(t.Name), upsert(newKeys, 0)),

		fmt.Sprintf("CREATE TRIGGER %s AFTER UPDATE ON %s\nBEGIN\n    %s\nEND",
			quote(t.Name+"_rowsync_update"), quote(t.Name), upsert(newKeys, 0)),

		fmt.Sprintf("CREATE TRIGGER %s AFTER UPDATE ON %s WHEN %s\nBEGIN\n    %s\nEND",
			quote(t.Name+"_rowsync_rekey"), quote(t.Name), strings.Join(rekeyCond, " OR "), upsert(oldKeys, 1)),

		fmt.Sprintf("CREATE TRIGGER %s AFTER DELETE ON %s\nBEGIN\n    %s\nEND",
			quote(t.Name+"_rowsync_delete"), quote(t.Name), upsert(oldKeys, 1)),
	}
}
