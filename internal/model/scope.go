package model

import (
	"fmt"
	"time"
)

// SyncDirection restricts which side of a session selects a table's changes.
type SyncDirection string

const (
	// DirectionBidirectional uploads and downloads changes (default).
	DirectionBidirectional SyncDirection = "bidirectional"

	// DirectionDownloadOnly only sends server changes to clients.
	DirectionDownloadOnly SyncDirection = "download_only"

	// DirectionUploadOnly only sends client changes to the server.
	DirectionUploadOnly SyncDirection = "upload_only"

	// DirectionNone provisions tracking but never selects changes.
	DirectionNone SyncDirection = "none"
)

// ParseSyncDirection validates a direction string. Empty means bidirectional.
func ParseSyncDirection(s string) (SyncDirection, error) {
	switch SyncDirection(s) {
	case "":
		return DirectionBidirectional, nil
	case DirectionBidirectional, DirectionDownloadOnly, DirectionUploadOnly, DirectionNone:
		return SyncDirection(s), nil
	default:
		return "", fmt.Errorf("invalid sync direction %q", s)
	}
}

// Uploads reports whether clients send this table's changes to the server.
func (d SyncDirection) Uploads() bool {
	return d == "" || d == DirectionBidirectional || d == DirectionUploadOnly
}

// Downloads reports whether the server sends this table's changes to clients.
func (d SyncDirection) Downloads() bool {
	return d == "" || d == DirectionBidirectional || d == DirectionDownloadOnly
}

// Column describes one replicated column.
type Column struct {
	Name       string `json:"name" yaml:"name"`
	Type       string `json:"type" yaml:"type"`
	PrimaryKey bool   `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
}

// Filter restricts a table's selection to rows whose Column equals the
// session parameter named Parameter. Tombstones always pass the filter.
type Filter struct {
	Column    string `json:"column" yaml:"column"`
	Parameter string `json:"parameter" yaml:"parameter"`
}

// Table is the setup of one tracked table inside a scope.
type Table struct {
	Name      string        `json:"name" yaml:"name"`
	Columns   []Column      `json:"columns" yaml:"columns"`
	Direction SyncDirection `json:"direction,omitempty" yaml:"direction,omitempty"`
	Filter    *Filter       `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// PrimaryKeys returns the primary key columns in declaration order.
func (t Table) PrimaryKeys() []Column {
	var pks []Column
	for _, c := range t.Columns {
		if c.PrimaryKey {
			pks = append(pks, c)
		}
	}
	return pks
}

// ColumnNames returns all column names in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// MutableColumns returns the non key columns.
func (t Table) MutableColumns() []Column {
	var cols []Column
	for _, c := range t.Columns {
		if !c.PrimaryKey {
			cols = append(cols, c)
		}
	}
	return cols
}

// Column looks up a column by name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ScopeDefinition is a named, versioned set of tables synchronized as one
// unit. The server owns it; clients adopt it by provisioning against it.
type ScopeDefinition struct {
	Name    string  `json:"name" yaml:"name"`
	Version string  `json:"version,omitempty" yaml:"version,omitempty"`
	Tables  []Table `json:"tables" yaml:"tables"`
}

// Table looks up a table by name.
func (d *ScopeDefinition) Table(name string) (Table, bool) {
	for _, t := range d.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Validate checks the structural invariants the engine relies on.
// Violations are reported as SCHEMA_ERROR.
func (d *ScopeDefinition) Validate() error {
	if d.Name == "" {
		return NewSchemaError("", "scope name is required")
	}
	if len(d.Tables) == 0 {
		return NewSchemaError("", fmt.Sprintf("scope %q has no tables", d.Name))
	}
	seen := make(map[string]bool, len(d.Tables))
	for _, t := range d.Tables {
		if t.Name == "" {
			return NewSchemaError("", "table name is required")
		}
		if seen[t.Name] {
			return NewSchemaError(t.Name, "duplicate table")
		}
		seen[t.Name] = true
		if len(t.PrimaryKeys()) == 0 {
			return NewSchemaError(t.Name, "table has no primary key")
		}
		cols := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			if c.Name == "" {
				return NewSchemaError(t.Name, "column name is required")
			}
			if cols[c.Name] {
				return NewSchemaError(t.Name, fmt.Sprintf("duplicate column %q", c.Name))
			}
			cols[c.Name] = true
		}
		if _, err := ParseSyncDirection(string(t.Direction)); err != nil {
			return NewSchemaError(t.Name, err.Error())
		}
		if t.Filter != nil {
			if !cols[t.Filter.Column] {
				return NewSchemaError(t.Name, fmt.Sprintf("filter column %q not found", t.Filter.Column))
			}
			if t.Filter.Parameter == "" {
				return NewSchemaError(t.Name, "filter parameter is required")
			}
		}
	}
	return nil
}

// FilterParameters lists the distinct filter parameter names used by the scope.
func (d *ScopeDefinition) FilterParameters() []string {
	var params []string
	seen := map[string]bool{}
	for _, t := range d.Tables {
		if t.Filter != nil && !seen[t.Filter.Parameter] {
			seen[t.Filter.Parameter] = true
			params = append(params, t.Filter.Parameter)
		}
	}
	return params
}

// ScopeInfo is the persisted scope record of one database.
type ScopeInfo struct {
	Definition ScopeDefinition

	// Hash is the canonical hash of Definition, used as version tag when
	// Definition.Version is empty.
	Hash string

	// OwnerID identifies this database. The server sends it to clients, who
	// record it as UpdateScopeID on rows they receive.
	OwnerID string

	// LastCleanupTimestamp is the watermark below which tracking history has
	// been deleted.
	LastCleanupTimestamp int64

	// SessionsSinceCleanup drives the "clean every N sessions" policy.
	SessionsSinceCleanup int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScopeSyncState is the per client, per scope sync-state record.
//
// On a client there is one record: its own. On the server there is one record
// per client that ever synced; LastSyncTimestamp there is the server watermark
// the client has confirmed, and drives metadata cleanup.
type ScopeSyncState struct {
	ScopeName string
	ScopeID   string

	IsNewScope bool
	LastSync   time.Time

	// LastSyncTimestamp is the local logical watermark already consumed.
	LastSyncTimestamp int64

	// LastServerSyncTimestamp is the server watermark last seen.
	LastServerSyncTimestamp int64

	LastCleanupTimestamp int64

	// Parameters are the filter values the client synchronizes with.
	Parameters map[string]any
}
