package compiler

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadDirCUEAndYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sales.cue", `package scopes

scope: sales: tables: customer: columns: [
	{name: "id", type: "INTEGER", primary_key: true},
	{name: "name", type: "TEXT"},
]
`)
	writeFile(t, dir, "orders.cue", `package scopes

scope: sales: tables: orders: {
	references: ["customer"]
	columns: [{name: "id", type: "INTEGER", primary_key: true}]
}
`)
	writeFile(t, dir, "audit.yaml", `
scopes:
  - name: audit
    tables:
      - name: log
        columns: [{name: id, primary_key: true}]
`)
	writeFile(t, dir, "README.md", "ignored")

	result, errs := LoadDir(dir)
	require.Empty(t, errs)
	assert.Equal(t, 2, result.CUEFiles)
	assert.Equal(t, 1, result.YAMLFiles)
	require.Len(t, result.Scopes, 2)

	sales, ok := result.Scope("sales")
	require.True(t, ok)
	require.Len(t, sales.Tables, 2)
	assert.Equal(t, "customer", sales.Tables[0].Name)
	assert.Equal(t, "orders", sales.Tables[1].Name)

	_, ok = result.Scope("audit")
	assert.True(t, ok)
	_, ok = result.Scope("missing")
	assert.False(t, ok)
}

func TestLoadDirCollectsScopeErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "scopes.cue", `package scopes

scope: good: tables: t: columns: [{name: "id", primary_key: true}]
scope: nokey: tables: t: columns: [{name: "id"}]
scope: notables: version: "1"
`)

	result, errs := LoadDir(dir)
	require.NotNil(t, result)
	require.Len(t, result.Scopes, 1)
	assert.Equal(t, "good", result.Scopes[0].Name)
	assert.Len(t, errs, 2)
}

func TestLoadDirDuplicateScope(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "scopes:\n  - name: s\n    tables: [{name: t, columns: [{name: id, primary_key: true}]}]\n")
	writeFile(t, dir, "b.yaml", "scopes:\n  - name: s\n    tables: [{name: t, columns: [{name: id, primary_key: true}]}]\n")

	_, errs := LoadDir(dir)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "declared twice")
}

func TestLoadDirEmpty(t *testing.T) {
	result, errs := LoadDir(t.TempDir())
	assert.Nil(t, result)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrNoScopeFiles))
}

func TestLoadDirMissing(t *testing.T) {
	result, errs := LoadDir(filepath.Join(t.TempDir(), "nope"))
	assert.Nil(t, result)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], os.ErrNotExist))
}
