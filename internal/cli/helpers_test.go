package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/config"
)

const salesScopeYAML = `scopes:
  - name: sales
    version: "1"
    tables:
      - name: orders
        references: [customer]
        columns:
          - {name: id, type: INTEGER, primary_key: true}
          - {name: customer_id, type: INTEGER}
      - name: customer
        columns:
          - {name: id, type: INTEGER, primary_key: true}
          - {name: name, type: TEXT}
`

// writeFile writes content under dir and returns its path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// writeScopeDir creates a scope directory declaring the sales scope.
func writeScopeDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "sales.yaml", salesScopeYAML)
	return dir
}

// execute runs the root command with args and returns its stdout. Logs
// are discarded.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := newRootCommand(&RootOptions{Viper: config.New()})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
