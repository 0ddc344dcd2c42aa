package sqlite

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/rowsync/internal/model"
)

// ClassifyError maps go-sqlite3 errors into the sync error taxonomy.
//
//   - SQLITE_CONSTRAINT          -> CONSTRAINT_VIOLATION
//   - SQLITE_BUSY, SQLITE_LOCKED -> transient CONNECTION_ERROR
//   - SQLITE_IOERR, CANTOPEN     -> CONNECTION_ERROR
//   - "no such table/column"     -> SCHEMA_ERROR
func (a *Adapter) ClassifyError(table string, err error) error {
	if err == nil {
		return nil
	}
	var se *model.SyncError
	if errors.As(err, &se) {
		return err
	}

	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}

	switch sqliteErr.Code {
	case sqlite3.ErrConstraint:
		return model.NewConstraintError(table, err)
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return model.NewConnectionError(true, err)
	case sqlite3.ErrIoErr, sqlite3.ErrCantOpen, sqlite3.ErrNotADB, sqlite3.ErrCorrupt:
		return model.NewConnectionError(false, err)
	}

	msg := sqliteErr.Error()
	if strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "has no column named") {
		return &model.SyncError{Code: model.ErrCodeSchema, Table: table, Message: "schema mismatch", Err: err}
	}
	return &model.SyncError{Code: model.ErrCodeInternal, Table: table, Message: "store error", Err: err}
}
