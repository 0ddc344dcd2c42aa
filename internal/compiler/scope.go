// Package compiler turns scope definitions authored in CUE (or YAML) into
// model.ScopeDefinition values.
//
// A scope file declares one or more scopes under the top-level "scope" field:
//
//	scope: sales: {
//		version: "1"
//		tables: customer: {
//			columns: [
//				{name: "id", type: "INTEGER", primary_key: true},
//				{name: "name", type: "TEXT"},
//			]
//		}
//		tables: orders: {
//			references: ["customer"]
//			filter: {column: "customer_id", parameter: "customer"}
//			columns: [...]
//		}
//	}
//
// Tables are emitted parents first according to their references.
package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/rowsync/internal/model"
)

// tableSpec is a table as authored, before ordering.
type tableSpec struct {
	table      model.Table
	references []string
	pos        token.Pos
}

// CompileScope parses a CUE value into a ScopeDefinition.
//
// The value should be the scope struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`scope: sales: { ... }`)
//	def, err := CompileScope(v.LookupPath(cue.ParsePath("scope.sales")))
func CompileScope(v cue.Value) (*model.ScopeDefinition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &model.ScopeDefinition{}

	// Scope name comes from the struct label
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		def.Name = labels[len(labels)-1].String()
	}

	if versionVal := v.LookupPath(cue.ParsePath("version")); versionVal.Exists() {
		version, err := versionVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		def.Version = version
	}

	tablesVal := v.LookupPath(cue.ParsePath("tables"))
	if !tablesVal.Exists() {
		return nil, &CompileError{
			Field:   "tables",
			Message: "at least one table is required",
			Pos:     v.Pos(),
		}
	}

	specs, err := parseTables(tablesVal)
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, &CompileError{
			Field:   "tables",
			Message: "at least one table is required",
			Pos:     tablesVal.Pos(),
		}
	}

	def.Tables, err = orderTables(specs)
	if err != nil {
		return nil, err
	}

	if errs := Validate(def); len(errs) > 0 {
		return nil, &CompileError{
			Field:   errs[0].Field,
			Message: errs[0].Message,
			Pos:     v.Pos(),
			Code:    errs[0].Code,
		}
	}
	return def, nil
}

func parseTables(v cue.Value) ([]tableSpec, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var specs []tableSpec
	for iter.Next() {
		spec, err := parseTable(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseTable(name string, v cue.Value) (tableSpec, error) {
	spec := tableSpec{
		table: model.Table{Name: name},
		pos:   v.Pos(),
	}

	columnsVal := v.LookupPath(cue.ParsePath("columns"))
	if !columnsVal.Exists() {
		return spec, &CompileError{
			Field:   "columns",
			Message: fmt.Sprintf("table %q has no columns", name),
			Pos:     v.Pos(),
		}
	}
	colIter, err := columnsVal.List()
	if err != nil {
		return spec, formatCUEError(err)
	}
	for colIter.Next() {
		col, err := parseColumn(colIter.Value())
		if err != nil {
			return spec, err
		}
		spec.table.Columns = append(spec.table.Columns, col)
	}

	if dirVal := v.LookupPath(cue.ParsePath("direction")); dirVal.Exists() {
		s, err := dirVal.String()
		if err != nil {
			return spec, formatCUEError(err)
		}
		dir, err := model.ParseSyncDirection(s)
		if err != nil {
			return spec, &CompileError{Field: "direction", Message: err.Error(), Pos: dirVal.Pos()}
		}
		spec.table.Direction = dir
	}

	if filterVal := v.LookupPath(cue.ParsePath("filter")); filterVal.Exists() {
		filter := &model.Filter{}
		if filter.Column, err = stringField(filterVal, "column"); err != nil {
			return spec, err
		}
		if filter.Parameter, err = stringField(filterVal, "parameter"); err != nil {
			return spec, err
		}
		spec.table.Filter = filter
	}

	if refsVal := v.LookupPath(cue.ParsePath("references")); refsVal.Exists() {
		refIter, err := refsVal.List()
		if err != nil {
			return spec, formatCUEError(err)
		}
		for refIter.Next() {
			ref, err := refIter.Value().String()
			if err != nil {
				return spec, formatCUEError(err)
			}
			spec.references = append(spec.references, ref)
		}
	}

	return spec, nil
}

func parseColumn(v cue.Value) (model.Column, error) {
	var col model.Column
	var err error

	if col.Name, err = stringField(v, "name"); err != nil {
		return col, err
	}

	// Type is optional; SQLite accepts untyped columns.
	if typeVal := v.LookupPath(cue.ParsePath("type")); typeVal.Exists() {
		if col.Type, err = typeVal.String(); err != nil {
			return col, formatCUEError(err)
		}
	}

	if pkVal := v.LookupPath(cue.ParsePath("primary_key")); pkVal.Exists() {
		if col.PrimaryKey, err = pkVal.Bool(); err != nil {
			return col, formatCUEError(err)
		}
	}
	return col, nil
}

// stringField reads a required concrete string field of v.
func stringField(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{
			Field:   field,
			Message: field + " is required",
			Pos:     v.Pos(),
		}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos

	// Code is the validation code (E1xx) when the error came from Validate.
	Code string
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// First error with position info wins
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
