package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on scope_info_client(scope_name, last_sync_timestamp)
const currentSchemaVersion = 1

// Adapter is the SQLite backend of the adapter contract.
// Uses WAL mode and a single connection; SQLite has one writer at a time.
type Adapter struct {
	db       *sql.DB
	builders adapter.Builders
}

var _ adapter.Adapter = (*Adapter)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Adapter, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Sessions thread their transaction through every call; a second
	// connection would only produce SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Adapter{db: db, builders: builders()}, nil
}

// Close closes the database connection.
func (a *Adapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Name implements adapter.Adapter.
func (a *Adapter) Name() string {
	return "sqlite"
}

// DB returns the underlying sql.DB.
func (a *Adapter) DB() *sql.DB {
	return a.db
}

// Command renders the command of kind for t from the strategy table.
func (a *Adapter) Command(kind adapter.CommandKind, t model.Table) (adapter.Command, error) {
	return a.builders.Build(kind, t)
}

// Timestamp returns the current logical clock value.
func (a *Adapter) Timestamp(ctx context.Context, q adapter.Querier) (int64, error) {
	var ts int64
	if err := q.QueryRowContext(ctx, "SELECT value FROM rowsync_clock WHERE id = 1").Scan(&ts); err != nil {
		return 0, a.ClassifyError("", fmt.Errorf("read clock: %w", err))
	}
	return ts, nil
}

// RowScope wraps fn in a savepoint. On a *sql.Conn outside any transaction
// the savepoint opens one, committed by its release. A pool is refused:
// its statements could land on different connections.
func (a *Adapter) RowScope(ctx context.Context, q adapter.Querier, fn func() error) error {
	switch q.(type) {
	case *sql.Tx, *sql.Conn:
	default:
		return &model.SyncError{Code: model.ErrCodeInternal, Message: fmt.Sprintf("row scope needs a transaction or a connection, got %T", q)}
	}
	if _, err := q.ExecContext(ctx, "SAVEPOINT rowsync_row"); err != nil {
		return a.ClassifyError("", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := q.ExecContext(ctx, "ROLLBACK TO rowsync_row"); rbErr != nil {
			return fmt.Errorf("rollback row: %w (after %v)", rbErr, err)
		}
		if _, relErr := q.ExecContext(ctx, "RELEASE rowsync_row"); relErr != nil {
			return fmt.Errorf("release row: %w (after %v)", relErr, err)
		}
		return err
	}
	if _, err := q.ExecContext(ctx, "RELEASE rowsync_row"); err != nil {
		return a.ClassifyError("", err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates the bookkeeping tables and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 indexes client watermarks, read by metadata cleanup to find
// the minimum confirmed watermark of a scope.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_scope_info_client_watermark
		ON scope_info_client(scope_name, last_sync_timestamp)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (a *Adapter) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := a.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
