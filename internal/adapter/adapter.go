package adapter

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/rowsync/internal/model"
)

// Querier is the transaction scope threaded through the engine.
// *sql.DB, *sql.Tx and *sql.Conn satisfy it.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Adapter is the per-backend contract the engine depends on.
type Adapter interface {
	// Name identifies the backend in logs.
	Name() string

	// DB returns the underlying pool. Transactions are opened on it.
	DB() *sql.DB

	// Command returns the backend command of kind for t.
	Command(kind CommandKind, t model.Table) (Command, error)

	// ClassifyError maps a driver error into the *model.SyncError taxonomy.
	// A nil err returns nil.
	ClassifyError(table string, err error) error

	// Timestamp returns the current value of the logical clock.
	Timestamp(ctx context.Context, q Querier) (int64, error)

	// RowScope runs fn so that its writes are undone as a unit when fn fails,
	// without ending an enclosing transaction. q is a *sql.Tx or a
	// *sql.Conn that fn also writes through.
	RowScope(ctx context.Context, q Querier, fn func() error) error

	Provisioner
	ScopeStore
}

// Provisioner creates and drops the tracking infrastructure of a table.
type Provisioner interface {
	// EnsureTable creates the data table when it does not exist, and fails
	// with SCHEMA_ERROR when an existing table lacks a declared column.
	EnsureTable(ctx context.Context, q Querier, t model.Table) error

	// ProvisionTracking creates the tracking table and triggers of t, then
	// tracks existing rows. Idempotent.
	ProvisionTracking(ctx context.Context, q Querier, t model.Table) error

	// DeprovisionTracking drops the tracking table and triggers of a table.
	DeprovisionTracking(ctx context.Context, q Querier, table string) error
}

// ScopeStore persists scope definitions and sync-state records.
// Load methods return an error wrapping sql.ErrNoRows when nothing matches.
type ScopeStore interface {
	LoadScopeInfo(ctx context.Context, q Querier, name string) (*model.ScopeInfo, error)
	SaveScopeInfo(ctx context.Context, q Querier, info *model.ScopeInfo) error
	DeleteScopeInfo(ctx context.Context, q Querier, name string) error
	ListScopeInfos(ctx context.Context, q Querier) ([]model.ScopeInfo, error)

	LoadSyncState(ctx context.Context, q Querier, scopeName, scopeID string) (*model.ScopeSyncState, error)
	SaveSyncState(ctx context.Context, q Querier, state *model.ScopeSyncState) error
	ListSyncStates(ctx context.Context, q Querier, scopeName string) ([]model.ScopeSyncState, error)
	DeleteSyncStates(ctx context.Context, q Querier, scopeName string) error
}

// WithTx runs fn inside a transaction on db. The transaction commits when fn
// returns nil and rolls back otherwise.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
