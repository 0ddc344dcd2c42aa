package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/model"
)

func TestParseYAML(t *testing.T) {
	defs, err := ParseYAML([]byte(`
scopes:
  - name: sales
    version: "1"
    tables:
      - name: orders
        references: [customer]
        direction: upload_only
        filter: {column: customer_id, parameter: customer}
        columns:
          - {name: id, type: INTEGER, primary_key: true}
          - {name: customer_id, type: INTEGER}
      - name: customer
        columns:
          - {name: id, type: INTEGER, primary_key: true}
---
scopes:
  - name: audit
    tables:
      - name: log
        columns: [{name: id, primary_key: true}]
`))
	require.NoError(t, err)
	require.Len(t, defs, 2)

	sales := defs[0]
	assert.Equal(t, "sales", sales.Name)
	require.Len(t, sales.Tables, 2)
	assert.Equal(t, "customer", sales.Tables[0].Name)
	assert.Equal(t, "orders", sales.Tables[1].Name)
	assert.Equal(t, model.DirectionUploadOnly, sales.Tables[1].Direction)
	assert.Equal(t, &model.Filter{Column: "customer_id", Parameter: "customer"}, sales.Tables[1].Filter)

	assert.Equal(t, "audit", defs[1].Name)
}

func TestParseYAMLMatchesCUE(t *testing.T) {
	fromYAML, err := ParseYAML([]byte(`
scopes:
  - name: sales
    tables:
      - name: customer
        columns: [{name: id, type: INTEGER, primary_key: true}, {name: name, type: TEXT}]
`))
	require.NoError(t, err)

	fromCUE, err := compileScopeString(t, `
		scope: sales: tables: customer: columns: [
			{name: "id", type: "INTEGER", primary_key: true},
			{name: "name", type: "TEXT"},
		]
	`, "sales")
	require.NoError(t, err)

	yamlHash, err := model.ScopeHash(fromYAML[0])
	require.NoError(t, err)
	cueHash, err := model.ScopeHash(*fromCUE)
	require.NoError(t, err)
	assert.Equal(t, cueHash, yamlHash)
}

func TestParseYAMLRejectsUnknownFields(t *testing.T) {
	_, err := ParseYAML([]byte(`
scopes:
  - name: sales
    tabels: []
`))
	require.Error(t, err)
}

func TestParseYAMLValidates(t *testing.T) {
	_, err := ParseYAML([]byte(`
scopes:
  - name: sales
    tables:
      - name: customer
        columns: [{name: id}]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `scope "sales"`)
}
