package compiler

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rowsync/internal/model"
)

type yamlFile struct {
	Scopes []YAMLScope `yaml:"scopes"`
}

// YAMLScope is a scope definition as written in YAML. Tables may list the
// tables they reference, as in the CUE form.
type YAMLScope struct {
	Name    string      `yaml:"name"`
	Version string      `yaml:"version,omitempty"`
	Tables  []yamlTable `yaml:"tables"`
}

type yamlTable struct {
	model.Table `yaml:",inline"`
	References  []string `yaml:"references,omitempty"`
}

// DecodeYAML reads scope definitions from a YAML stream. Every document
// holds a "scopes" list; tables take the same fields as the CUE form.
func DecodeYAML(r io.Reader) ([]model.ScopeDefinition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var defs []model.ScopeDefinition
	for {
		var file yamlFile
		err := dec.Decode(&file)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode scope yaml: %w", err)
		}
		for _, s := range file.Scopes {
			def, err := s.Compile()
			if err != nil {
				return nil, err
			}
			defs = append(defs, *def)
		}
	}
	return defs, nil
}

// ParseYAML is DecodeYAML over a byte slice.
func ParseYAML(data []byte) ([]model.ScopeDefinition, error) {
	return DecodeYAML(bytes.NewReader(data))
}

// Compile orders and validates the scope.
func (s YAMLScope) Compile() (*model.ScopeDefinition, error) {
	specs := make([]tableSpec, len(s.Tables))
	for i, t := range s.Tables {
		specs[i] = tableSpec{table: t.Table, references: t.References}
	}
	tables, err := orderTables(specs)
	if err != nil {
		return nil, err
	}

	def := &model.ScopeDefinition{Name: s.Name, Version: s.Version, Tables: tables}
	if errs := Validate(def); len(errs) > 0 {
		return nil, &CompileError{
			Field:   fmt.Sprintf("scope %q: %s", s.Name, errs[0].Field),
			Message: errs[0].Message,
			Code:    errs[0].Code,
		}
	}
	return def, nil
}
