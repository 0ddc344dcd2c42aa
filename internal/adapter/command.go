package adapter

import (
	"database/sql"
	"fmt"

	"github.com/roach88/rowsync/internal/model"
)

// CommandKind identifies one of the backend commands the engine issues.
type CommandKind int

const (
	// SelectChanges selects tracked rows changed in (last_timestamp, session_timestamp]
	// that were not written by sync_scope_id.
	SelectChanges CommandKind = iota + 1

	// SelectChangesWithFilter is SelectChanges restricted by the table filter.
	SelectChangesWithFilter

	// SelectInitializedChanges selects every live row up to session_timestamp.
	SelectInitializedChanges

	// SelectRow reads the current data row for a primary key.
	SelectRow

	// InsertOrUpdateRow upserts a data row.
	InsertOrUpdateRow

	// DeleteRow deletes a data row.
	DeleteRow

	// SelectMetadata reads the tracking row for a primary key.
	SelectMetadata

	// UpdateMetadata upserts the tracking row for a primary key, assigning the
	// next logical timestamp.
	UpdateMetadata

	// DeleteMetadata deletes tracking rows below a timestamp.
	DeleteMetadata

	// UpdateUntrackedRows creates tracking rows for data rows that have none.
	UpdateUntrackedRows

	// Reset deletes all data and tracking rows of a table.
	Reset

	// EnableConstraints re-enables constraint checking.
	EnableConstraints

	// DisableConstraints suspends constraint checking until the end of the
	// enclosing transaction or until EnableConstraints.
	DisableConstraints
)

var commandKindNames = map[CommandKind]string{
	SelectChanges:            "SelectChanges",
	SelectChangesWithFilter:  "SelectChangesWithFilter",
	SelectInitializedChanges: "SelectInitializedChanges",
	SelectRow:                "SelectRow",
	InsertOrUpdateRow:        "InsertOrUpdateRow",
	DeleteRow:                "DeleteRow",
	SelectMetadata:           "SelectMetadata",
	UpdateMetadata:           "UpdateMetadata",
	DeleteMetadata:           "DeleteMetadata",
	UpdateUntrackedRows:      "UpdateUntrackedRows",
	Reset:                    "Reset",
	EnableConstraints:        "EnableConstraints",
	DisableConstraints:       "DisableConstraints",
}

func (k CommandKind) String() string {
	if name, ok := commandKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("CommandKind(%d)", int(k))
}

// Named parameters bound by the engine. Column values are bound as
// ColumnParam(i), i being the column's index in the table definition.
const (
	ParamLastTimestamp    = "last_timestamp"
	ParamSessionTimestamp = "session_timestamp"
	ParamScopeID          = "sync_scope_id"
	ParamIsTombstone      = "sync_row_is_tombstone"
	ParamFilter           = "sync_filter"
	ParamTimestamp        = "sync_timestamp"
	ParamTombstonesOnly   = "sync_tombstones_only"
)

// ColumnParam returns the parameter name bound to the i-th column.
func ColumnParam(i int) string {
	return fmt.Sprintf("c%d", i)
}

// Command is a parameterized, backend-native command for one table.
type Command struct {
	Kind  CommandKind
	Table string
	Text  string
}

// Builder renders the text of one command kind for one table.
type Builder func(t model.Table) (string, error)

// Builders is the strategy table of a backend.
type Builders map[CommandKind]Builder

// Build dispatches to the builder registered for kind.
func (b Builders) Build(kind CommandKind, t model.Table) (Command, error) {
	build, ok := b[kind]
	if !ok {
		return Command{}, fmt.Errorf("no builder for %s", kind)
	}
	text, err := build(t)
	if err != nil {
		return Command{}, fmt.Errorf("build %s for %s: %w", kind, t.Name, err)
	}
	return Command{Kind: kind, Table: t.Name, Text: text}, nil
}

// KeyArgs binds the primary key values of row.
func KeyArgs(t model.Table, row model.Row) []any {
	var args []any
	for i, c := range t.Columns {
		if c.PrimaryKey {
			args = append(args, sql.Named(ColumnParam(i), row[c.Name]))
		}
	}
	return args
}

// RowArgs binds every column value of row.
func RowArgs(t model.Table, row model.Row) []any {
	args := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		args[i] = sql.Named(ColumnParam(i), row[c.Name])
	}
	return args
}
