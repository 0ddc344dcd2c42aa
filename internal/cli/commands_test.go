package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/adapter/sqlite"
	"github.com/roach88/rowsync/internal/config"
	"github.com/roach88/rowsync/internal/model"
)

// decodeData unmarshals the data field of a JSON CLI response into out.
func decodeData(t *testing.T, output string, out any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp), output)
	require.Equal(t, "ok", resp.Status, output)
	require.NoError(t, json.Unmarshal(resp.Data, out))
}

func execSQL(t *testing.T, path string, statements ...string) {
	t.Helper()
	db, err := sqlite.Open(path)
	require.NoError(t, err)
	defer db.Close()
	for _, stmt := range statements {
		_, err := db.DB().Exec(stmt)
		require.NoError(t, err, stmt)
	}
}

func countRows(t *testing.T, path, table string) int {
	t.Helper()
	db, err := sqlite.Open(path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.DB().QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

// provisionServer provisions the sales scope into a new server database.
func provisionServer(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "server.db")
	_, err := execute(t, "provision", "--db", db, writeScopeDir(t))
	require.NoError(t, err)
	return db
}

func TestProvision(t *testing.T) {
	dir := writeScopeDir(t)
	db := filepath.Join(t.TempDir(), "server.db")

	output, err := execute(t, "provision", "--db", db, dir)
	require.NoError(t, err)
	assert.Contains(t, output, "✓ sales (version 1): 2 table(s)")
	assert.Contains(t, output, "Provisioned 1 scope(s) in "+db)

	// Provisioning an unchanged scope again is a no-op.
	output, err = execute(t, "--format", "json", "provision", "--db", db, dir)
	require.NoError(t, err)
	var result ProvisionResult
	decodeData(t, output, &result)
	require.Len(t, result.Scopes, 1)
	assert.Equal(t, "sales", result.Scopes[0].Name)
	assert.NotEmpty(t, result.Scopes[0].Hash)
	assert.ElementsMatch(t, []string{"customer", "orders"}, result.Scopes[0].Tables)
}

func TestProvisionChangedScopeNeedsOverwrite(t *testing.T) {
	dir := writeScopeDir(t)
	db := filepath.Join(t.TempDir(), "server.db")
	_, err := execute(t, "provision", "--db", db, dir)
	require.NoError(t, err)

	writeFile(t, dir, "sales.yaml", `scopes:
  - name: sales
    version: "2"
    tables:
      - name: customer
        columns:
          - {name: id, type: INTEGER, primary_key: true}
          - {name: name, type: TEXT}
`)
	output, err := execute(t, "provision", "--db", db, dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, "failed to provision scope sales")

	output, err = execute(t, "provision", "--db", db, "--overwrite", dir)
	require.NoError(t, err)
	assert.Contains(t, output, "✓ sales (version 2): 1 table(s)")
}

func TestProvisionUnknownScope(t *testing.T) {
	db := filepath.Join(t.TempDir(), "server.db")
	output, err := execute(t, "provision", "--db", db, "--scope", "inventory", writeScopeDir(t))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, output, `scope "inventory" not found`)
}

func TestProvisionInvalidScopeDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "scopes.cue", invalidScopesCUE)
	db := filepath.Join(t.TempDir(), "server.db")

	_, err := execute(t, "provision", "--db", db, dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = execute(t, "provision", "--db", db, filepath.Join(dir, "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStatusOfServer(t *testing.T) {
	db := provisionServer(t)

	output, err := execute(t, "status", "--db", db, "--scope", "sales")
	require.NoError(t, err)
	assert.Contains(t, output, "Scope sales (version 1)")
	assert.Contains(t, output, "no sync state recorded")

	output, err = execute(t, "--format", "json", "status", "--db", db, "--scope", "sales")
	require.NoError(t, err)
	var status StatusResult
	decodeData(t, output, &status)
	assert.Equal(t, "sales", status.Scope)
	assert.NotEmpty(t, status.OwnerID)
	assert.ElementsMatch(t, []string{"customer", "orders"}, status.Tables)
	assert.Empty(t, status.Clients)
}

func TestStatusRequiresScope(t *testing.T) {
	_, err := execute(t, "status", "--db", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"scope" not set`)
}

func TestDeprovision(t *testing.T) {
	db := provisionServer(t)

	output, err := execute(t, "deprovision", "--db", db, "--scope", "sales")
	require.NoError(t, err)
	assert.Contains(t, output, "Deprovisioned scope sales from "+db)

	output, err = execute(t, "--format", "json", "status", "--db", db, "--scope", "sales")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, string(model.ErrCodeSchema))
}

func TestCleanup(t *testing.T) {
	db := provisionServer(t)

	output, err := execute(t, "--format", "json", "cleanup", "--db", db, "--scope", "sales")
	require.NoError(t, err)
	var result CleanupResult
	decodeData(t, output, &result)
	assert.Equal(t, "sales", result.Scope)

	_, err = execute(t, "cleanup", "--db", db, "--scope", "inventory")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestSnapshot(t *testing.T) {
	db := provisionServer(t)
	execSQL(t, db,
		`INSERT INTO customer (id, name) VALUES (1, 'ann')`,
		`INSERT INTO customer (id, name) VALUES (2, 'bea')`,
	)

	output, err := execute(t, "--format", "json", "snapshot", "--db", db, "--scope", "sales")
	require.NoError(t, err)
	var result SnapshotResult
	decodeData(t, output, &result)
	assert.Equal(t, "sales", result.Scope)
	assert.NotEmpty(t, result.ID)
	assert.Equal(t, 2, result.Rows)
	assert.GreaterOrEqual(t, result.Parts, 1)
	assert.Positive(t, result.Timestamp)

	output, err = execute(t, "snapshot", "--db", db, "--scope", "sales")
	require.NoError(t, err)
	assert.Contains(t, output, "2 row(s)")
}

func TestSnapshotInvalidParam(t *testing.T) {
	db := provisionServer(t)
	_, err := execute(t, "snapshot", "--db", db, "--scope", "sales", "--param", "region")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// startServer runs the serve command until the test ends and returns the
// server URL.
func startServer(t *testing.T, db string) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)

	cmd := newServeCommand(&ServeOptions{
		RootOptions: &RootOptions{Format: "text", Viper: config.New()},
		Ready:       func(addr net.Addr) { ready <- addr },
	})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--db", db, "--addr", "127.0.0.1:0"})
	go func() { done <- cmd.ExecuteContext(ctx) }()

	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-done:
		cancel()
		t.Fatalf("server exited early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("server did not start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("server did not stop")
		}
	})
	return "http://" + addr.String()
}

func TestServeAndSync(t *testing.T) {
	serverDB := provisionServer(t)
	execSQL(t, serverDB, `INSERT INTO customer (id, name) VALUES (1, 'ann')`)
	url := startServer(t, serverDB)
	clientDB := filepath.Join(t.TempDir(), "client.db")

	output, err := execute(t, "--format", "json", "sync", "--db", clientDB, "--server", url, "--scope", "sales")
	require.NoError(t, err, output)
	var first SyncSummary
	decodeData(t, output, &first)
	assert.Equal(t, "sales", first.Scope)
	assert.NotEmpty(t, first.ScopeID)
	assert.Equal(t, string(model.SyncNormal), first.SyncType)
	assert.Equal(t, 1, first.Downloaded)
	assert.Equal(t, 1, countRows(t, clientDB, "customer"))

	execSQL(t, clientDB, `INSERT INTO customer (id, name) VALUES (2, 'bea')`)
	output, err = execute(t, "sync", "--db", clientDB, "--server", url, "--scope", "sales")
	require.NoError(t, err, output)
	assert.Contains(t, output, "✓ sales synchronized (normal)")
	assert.Contains(t, output, "uploaded 1, applied on server 1, failed on server 0")
	assert.Equal(t, 2, countRows(t, serverDB, "customer"))

	output, err = execute(t, "--format", "json", "status", "--db", clientDB, "--scope", "sales")
	require.NoError(t, err)
	var status StatusResult
	decodeData(t, output, &status)
	require.Len(t, status.Clients, 1)
	assert.Equal(t, first.ScopeID, status.Clients[0].ScopeID)
	assert.False(t, status.Clients[0].IsNewScope)

	output, err = execute(t, "--format", "json", "status", "--db", serverDB, "--scope", "sales")
	require.NoError(t, err)
	decodeData(t, output, &status)
	require.Len(t, status.Clients, 1)
	assert.Equal(t, first.ScopeID, status.Clients[0].ScopeID)
}

func TestSyncReinitialize(t *testing.T) {
	serverDB := provisionServer(t)
	execSQL(t, serverDB, `INSERT INTO customer (id, name) VALUES (1, 'ann')`)
	url := startServer(t, serverDB)
	clientDB := filepath.Join(t.TempDir(), "client.db")

	_, err := execute(t, "sync", "--db", clientDB, "--server", url, "--scope", "sales")
	require.NoError(t, err)
	execSQL(t, clientDB, `DELETE FROM customer`)

	output, err := execute(t, "--format", "json", "sync", "--db", clientDB, "--server", url, "--scope", "sales", "--reinitialize")
	require.NoError(t, err, output)
	var summary SyncSummary
	decodeData(t, output, &summary)
	assert.Equal(t, string(model.SyncReinitialize), summary.SyncType)
	assert.Zero(t, summary.Uploaded)
	assert.Equal(t, 1, countRows(t, clientDB, "customer"))
}

func TestSyncFlagsAreExclusive(t *testing.T) {
	_, err := execute(t, "sync", "--scope", "sales", "--reinitialize", "--reinitialize-with-upload")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none of the others can be")
}

func TestSyncUnknownScope(t *testing.T) {
	url := startServer(t, provisionServer(t))
	clientDB := filepath.Join(t.TempDir(), "client.db")

	output, err := execute(t, "--format", "json", "sync", "--db", clientDB, "--server", url, "--scope", "inventory")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, string(model.ErrCodeSchema))
}

func TestSyncUnreachableServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	url := "http://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	v := config.New()
	v.Set("retry.max_attempts", 1)
	out := &bytes.Buffer{}
	cmd := newRootCommand(&RootOptions{Viper: v})
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--format", "json", "sync", "--db", filepath.Join(t.TempDir(), "client.db"), "--server", url, "--scope", "sales"})

	err = cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out.String(), string(model.ErrCodeConnection))
}

func TestParseParams(t *testing.T) {
	params, err := parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, params)

	params, err = parseParams([]string{"customer_id=42", "region=eu", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"customer_id": int64(42),
		"region":      "eu",
		"note":        "a=b",
	}, params)

	for _, bad := range []string{"region", "=eu"} {
		_, err := parseParams([]string{bad})
		assert.Error(t, err, bad)
	}
}
