package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/rowsync/internal/model"
)

// Validation error codes (E100-E199)
const (
	ErrScopeNameEmpty     = "E100" // scope name is required
	ErrScopeNoTables      = "E101" // at least one table required
	ErrTableNoPrimaryKey  = "E102" // table must have a primary key
	ErrDuplicateName      = "E103" // duplicate table/column name
	ErrInvalidDirection   = "E104" // unknown sync direction
	ErrInvalidFilter      = "E105" // filter column or parameter missing
	ErrEmptyName          = "E106" // table/column name is empty
	ErrReservedColumnName = "E107" // key column collides with tracking columns
)

// reservedColumns are the tracking columns the adapters add next to the
// primary key in tracking tables.
var reservedColumns = map[string]bool{
	"update_scope_id":       true,
	"timestamp":             true,
	"sync_row_is_tombstone": true,
	"last_change_datetime":  true,
}

// ValidationError represents a scope validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a scope definition and returns all errors found.
// ScopeDefinition.Validate stops at the first problem; this reports every
// one so an author can fix a file in one pass.
func Validate(def *model.ScopeDefinition) []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(def.Name) == "" {
		errs = append(errs, ValidationError{
			Field:   "name",
			Message: "scope name is required",
			Code:    ErrScopeNameEmpty,
		})
	}
	if len(def.Tables) == 0 {
		errs = append(errs, ValidationError{
			Field:   "tables",
			Message: "at least one table is required",
			Code:    ErrScopeNoTables,
		})
	}

	tableNames := make(map[string]bool)
	for i, table := range def.Tables {
		field := fmt.Sprintf("tables[%d]", i)
		if strings.TrimSpace(table.Name) == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: "table name is required",
				Code:    ErrEmptyName,
			})
		}
		if tableNames[table.Name] {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: fmt.Sprintf("duplicate table name: %q", table.Name),
				Code:    ErrDuplicateName,
			})
		}
		tableNames[table.Name] = true
		errs = append(errs, validateTable(field, table)...)
	}

	return errs
}

func validateTable(field string, table model.Table) []ValidationError {
	var errs []ValidationError

	if len(table.PrimaryKeys()) == 0 {
		errs = append(errs, ValidationError{
			Field:   field + ".columns",
			Message: fmt.Sprintf("table %q must declare a primary key column", table.Name),
			Code:    ErrTableNoPrimaryKey,
		})
	}

	columnNames := make(map[string]bool)
	for j, col := range table.Columns {
		colField := fmt.Sprintf("%s.columns[%d]", field, j)
		switch {
		case strings.TrimSpace(col.Name) == "":
			errs = append(errs, ValidationError{
				Field:   colField + ".name",
				Message: "column name is required",
				Code:    ErrEmptyName,
			})
		case columnNames[col.Name]:
			errs = append(errs, ValidationError{
				Field:   colField + ".name",
				Message: fmt.Sprintf("duplicate column name: %q", col.Name),
				Code:    ErrDuplicateName,
			})
		case col.PrimaryKey && reservedColumns[strings.ToLower(col.Name)]:
			errs = append(errs, ValidationError{
				Field:   colField + ".name",
				Message: fmt.Sprintf("key column %q collides with a tracking column", col.Name),
				Code:    ErrReservedColumnName,
			})
		}
		columnNames[col.Name] = true
	}

	if _, err := model.ParseSyncDirection(string(table.Direction)); err != nil {
		errs = append(errs, ValidationError{
			Field:   field + ".direction",
			Message: err.Error(),
			Code:    ErrInvalidDirection,
		})
	}

	if f := table.Filter; f != nil {
		if !columnNames[f.Column] {
			errs = append(errs, ValidationError{
				Field:   field + ".filter.column",
				Message: fmt.Sprintf("filter column %q is not a column of %q", f.Column, table.Name),
				Code:    ErrInvalidFilter,
			})
		}
		if strings.TrimSpace(f.Parameter) == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".filter.parameter",
				Message: "filter parameter is required",
				Code:    ErrInvalidFilter,
			})
		}
	}

	return errs
}
