package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/adapter/sqlite"
	"github.com/roach88/rowsync/internal/interceptor"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/retry"
	"github.com/roach88/rowsync/internal/transport"
	"github.com/roach88/rowsync/internal/transport/inproc"
)

var customerTable = model.Table{
	Name: "customer",
	Columns: []model.Column{
		{Name: "id", Type: "INTEGER", PrimaryKey: true},
		{Name: "name", Type: "TEXT"},
	},
}

func salesScope() model.ScopeDefinition {
	return model.ScopeDefinition{
		Name:    "sales",
		Version: "1",
		Tables: []model.Table{
			customerTable,
			{Name: "orders", Columns: []model.Column{
				{Name: "id", Type: "INTEGER", PrimaryKey: true},
				{Name: "customer_id", Type: "INTEGER"},
			}},
		},
	}
}

func testOptions(t *testing.T, opts ...Option) []Option {
	return append([]Option{
		WithBatchDir(t.TempDir()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetryer(retry.Fixed{Delay: time.Millisecond, MaxRetries: 3}),
	}, opts...)
}

func openDB(t *testing.T) *sqlite.Adapter {
	t.Helper()
	a, err := sqlite.Open(filepath.Join(t.TempDir(), "peer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func createTestServer(t *testing.T, def model.ScopeDefinition, opts ...Option) (*RemoteOrchestrator, *sqlite.Adapter) {
	t.Helper()
	return createTestServerOn(t, openDB(t), def, opts...)
}

func createTestServerOn(t *testing.T, a *sqlite.Adapter, def model.ScopeDefinition, opts ...Option) (*RemoteOrchestrator, *sqlite.Adapter) {
	t.Helper()
	r := NewRemoteOrchestrator(a, testOptions(t, opts...)...)
	_, err := r.Provision(context.Background(), def, false)
	require.NoError(t, err)
	return r, a
}

func createTestClient(t *testing.T, server transport.Server, opts ...Option) (*Agent, *sqlite.Adapter) {
	t.Helper()
	a := openDB(t)
	return NewAgent(a, server, testOptions(t, opts...)...), a
}

func mustExec(t *testing.T, a *sqlite.Adapter, query string, args ...any) {
	t.Helper()
	_, err := a.DB().Exec(query, args...)
	require.NoError(t, err)
}

func names(t *testing.T, a *sqlite.Adapter) map[int64]string {
	t.Helper()
	rows, err := a.DB().Query(`SELECT id, name FROM customer ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	out := map[int64]string{}
	for rows.Next() {
		var id int64
		var name string
		require.NoError(t, rows.Scan(&id, &name))
		out[id] = name
	}
	require.NoError(t, rows.Err())
	return out
}

func countRows(t *testing.T, a *sqlite.Adapter, table string) int {
	t.Helper()
	var n int
	require.NoError(t, a.DB().QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func syncNormal(t *testing.T, ag *Agent) *SyncResult {
	t.Helper()
	res, err := ag.Synchronize(context.Background(), "sales", model.SyncNormal, nil)
	require.NoError(t, err)
	return res
}

func TestInitialSyncDownloadsServerRows(t *testing.T) {
	server, serverDB := createTestServer(t, salesScope())
	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (1, 'ann'), (2, 'bob')`)
	client, clientDB := createTestClient(t, server)

	res := syncNormal(t, client)
	assert.Equal(t, 2, res.TotalChangesDownloaded)
	assert.Equal(t, 2, res.TotalChangesAppliedOnClient)
	assert.Equal(t, 0, res.TotalChangesUploaded)
	assert.Equal(t, map[int64]string{1: "ann", 2: "bob"}, names(t, clientDB))

	serverInfo, err := server.Scopes().Info(context.Background(), serverDB.DB(), "sales")
	require.NoError(t, err)
	tr, err := adapter.ReadMetadata(context.Background(), clientDB, clientDB.DB(), customerTable, model.Row{"id": int64(1)})
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, serverInfo.OwnerID, tr.UpdateScopeID, "downloaded rows are attributed to the server")
	assert.NotEqual(t, serverInfo.OwnerID, res.ScopeID)
}

func TestChangesPropagateWithoutEcho(t *testing.T) {
	server, serverDB := createTestServer(t, salesScope())
	c1, db1 := createTestClient(t, server)
	c2, db2 := createTestClient(t, server)
	syncNormal(t, c1)
	syncNormal(t, c2)

	mustExec(t, db1, `INSERT INTO customer (id, name) VALUES (1, 'ann')`)
	res := syncNormal(t, c1)
	assert.Equal(t, 1, res.TotalChangesUploaded)
	assert.Equal(t, 1, res.TotalChangesAppliedOnServer)
	assert.Equal(t, 0, res.TotalChangesDownloaded, "own upload is not sent back")
	assert.Equal(t, map[int64]string{1: "ann"}, names(t, serverDB))

	res = syncNormal(t, c2)
	assert.Equal(t, 1, res.TotalChangesDownloaded)
	assert.Equal(t, map[int64]string{1: "ann"}, names(t, db2))

	res = syncNormal(t, c2)
	assert.Equal(t, 0, res.TotalChangesUploaded, "downloaded rows are not uploaded again")
	assert.Equal(t, 0, res.TotalChangesDownloaded)
}

func TestUpdatesOfSyncedRowsPropagate(t *testing.T) {
	server, serverDB := createTestServer(t, salesScope())
	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (1, 'ann'), (2, 'bob')`)
	client, clientDB := createTestClient(t, server)
	syncNormal(t, client)

	mustExec(t, serverDB, `UPDATE customer SET name = 'ann2' WHERE id = 1`)
	res := syncNormal(t, client)
	assert.Equal(t, 1, res.TotalChangesDownloaded)
	assert.Equal(t, 1, res.TotalChangesAppliedOnClient)
	assert.Equal(t, map[int64]string{1: "ann2", 2: "bob"}, names(t, clientDB))

	mustExec(t, clientDB, `UPDATE customer SET name = 'bob2' WHERE id = 2`)
	res = syncNormal(t, client)
	assert.Equal(t, 1, res.TotalChangesAppliedOnServer)
	assert.Equal(t, 0, res.TotalChangesDownloaded)
	assert.Equal(t, map[int64]string{1: "ann2", 2: "bob2"}, names(t, serverDB))

	res = syncNormal(t, client)
	assert.Zero(t, res.TotalChangesUploaded)
	assert.Zero(t, res.TotalChangesDownloaded)
}

func TestRepeatedSessionIsNoop(t *testing.T) {
	server, serverDB := createTestServer(t, salesScope())
	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (1, 'ann')`)
	client, clientDB := createTestClient(t, server)
	syncNormal(t, client)

	res := syncNormal(t, client)
	assert.Equal(t, 0, res.TotalChangesUploaded)
	assert.Equal(t, 0, res.TotalChangesDownloaded)
	assert.Equal(t, 0, res.TotalResolvedConflicts)
	assert.Equal(t, map[int64]string{1: "ann"}, names(t, clientDB))
}

func TestConflictResolution(t *testing.T) {
	tests := []struct {
		name   string
		policy model.ConflictPolicy
		want   string
	}{
		{"server wins", model.PolicyServerWins, "server"},
		{"client wins", model.PolicyClientWins, "client"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, serverDB := createTestServer(t, salesScope(), WithConflictPolicy(tt.policy))
			mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (1, 'ann')`)
			client, clientDB := createTestClient(t, server)
			syncNormal(t, client)

			mustExec(t, serverDB, `UPDATE customer SET name = 'server' WHERE id = 1`)
			mustExec(t, clientDB, `UPDATE customer SET name = 'client' WHERE id = 1`)

			res := syncNormal(t, client)
			assert.Equal(t, 1, res.TotalResolvedConflicts)
			assert.Equal(t, tt.want, names(t, serverDB)[1])
			assert.Equal(t, tt.want, names(t, clientDB)[1])

			res = syncNormal(t, client)
			assert.Equal(t, 0, res.TotalChangesUploaded)
			assert.Equal(t, 0, res.TotalChangesDownloaded)
		})
	}
}

func TestServerDeleteWinsOverClientUpdate(t *testing.T) {
	server, serverDB := createTestServer(t, salesScope())
	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (1, 'ann'), (2, 'bob')`)
	client, clientDB := createTestClient(t, server)
	syncNormal(t, client)

	mustExec(t, serverDB, `DELETE FROM customer WHERE id = 1`)
	mustExec(t, clientDB, `UPDATE customer SET name = 'client' WHERE id = 1`)

	res := syncNormal(t, client)
	assert.Equal(t, 1, res.TotalResolvedConflicts)
	assert.Equal(t, map[int64]string{2: "bob"}, names(t, serverDB))
	assert.Equal(t, map[int64]string{2: "bob"}, names(t, clientDB))
}

func TestClientDeletePropagates(t *testing.T) {
	server, serverDB := createTestServer(t, salesScope())
	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (1, 'ann')`)
	mustExec(t, serverDB, `INSERT INTO orders (id, customer_id) VALUES (10, 1)`)
	c1, db1 := createTestClient(t, server)
	c2, db2 := createTestClient(t, server)
	syncNormal(t, c1)
	syncNormal(t, c2)

	mustExec(t, db1, `DELETE FROM orders WHERE id = 10`)
	mustExec(t, db1, `DELETE FROM customer WHERE id = 1`)
	res := syncNormal(t, c1)
	assert.Equal(t, 2, res.TotalChangesUploaded)
	assert.Equal(t, 0, countRows(t, serverDB, "customer"))
	assert.Equal(t, 0, countRows(t, serverDB, "orders"))

	syncNormal(t, c2)
	assert.Equal(t, 0, countRows(t, db2, "customer"))
	assert.Equal(t, 0, countRows(t, db2, "orders"))
}

func TestRetryOnNextSync(t *testing.T) {
	serverDB := openDB(t)
	mustExec(t, serverDB, `CREATE TABLE customer (id INTEGER PRIMARY KEY, name TEXT)`)
	mustExec(t, serverDB, `CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER REFERENCES customer(id))`)
	server, _ := createTestServerOn(t, serverDB, salesScope(), WithErrorPolicy(model.ErrorRetryOnNextSync))
	client, clientDB := createTestClient(t, server)
	ctx := context.Background()
	syncNormal(t, client)

	mustExec(t, clientDB, `INSERT INTO orders (id, customer_id) VALUES (10, 9)`)
	res := syncNormal(t, client)
	assert.Equal(t, 1, res.TotalFailedOnServer)
	assert.Equal(t, 0, countRows(t, serverDB, "orders"))

	st, err := server.Status(ctx, "sales")
	require.NoError(t, err)
	require.Len(t, st.Clients, 1)
	assert.Equal(t, res.ScopeID, st.Clients[0].State.ScopeID)
	assert.Equal(t, 1, st.Clients[0].PendingRetry)

	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (9, 'ida')`)
	res = syncNormal(t, client)
	assert.Equal(t, 0, res.TotalFailedOnServer)
	assert.Equal(t, 1, res.TotalChangesAppliedOnServer)
	assert.Equal(t, 1, countRows(t, serverDB, "orders"))
	assert.Equal(t, map[int64]string{9: "ida"}, names(t, clientDB))

	st, err = server.Status(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Clients[0].PendingRetry)
	errs, err := server.Batches().LoadErrors("sales", res.ScopeID)
	require.NoError(t, err)
	assert.Nil(t, errs, "error batch is removed once its rows applied")
}

func TestOutdatedClient(t *testing.T) {
	server, serverDB := createTestServer(t, salesScope())
	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (1, 'ann')`)
	reg := interceptor.New()
	client, clientDB := createTestClient(t, server, WithInterceptors(reg))
	ctx := context.Background()
	syncNormal(t, client)

	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (2, 'bob')`)
	info, err := server.Scopes().Info(ctx, serverDB.DB(), "sales")
	require.NoError(t, err)
	info.LastCleanupTimestamp, err = serverDB.Timestamp(ctx, serverDB.DB())
	require.NoError(t, err)
	require.NoError(t, server.Scopes().SaveInfo(ctx, serverDB.DB(), info))

	mustExec(t, clientDB, `INSERT INTO customer (id, name) VALUES (7, 'local')`)

	_, err = client.Synchronize(ctx, "sales", model.SyncNormal, nil)
	require.Error(t, err)
	assert.True(t, model.IsOutOfDate(err))

	var fired *interceptor.Outdated
	interceptor.On(reg, func(ctx context.Context, args *interceptor.Outdated) error {
		fired = args
		args.Action = interceptor.OutdatedReinitializeWithUpload
		return nil
	})
	res, err := client.Synchronize(ctx, "sales", model.SyncNormal, nil)
	require.NoError(t, err)
	require.NotNil(t, fired)
	assert.Equal(t, info.LastCleanupTimestamp, fired.ServerCleanupTimestamp)
	assert.Equal(t, model.SyncReinitializeWithUpload, res.SyncType)
	assert.Equal(t, 1, res.TotalChangesUploaded)
	assert.Equal(t, map[int64]string{1: "ann", 2: "bob", 7: "local"}, names(t, serverDB))
	assert.Equal(t, map[int64]string{1: "ann", 2: "bob", 7: "local"}, names(t, clientDB))

	res = syncNormal(t, client)
	assert.Equal(t, model.SyncNormal, res.SyncType)
}

func TestReinitializeDiscardsLocalChanges(t *testing.T) {
	server, serverDB := createTestServer(t, salesScope())
	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (1, 'ann')`)
	client, clientDB := createTestClient(t, server)
	syncNormal(t, client)

	mustExec(t, clientDB, `INSERT INTO customer (id, name) VALUES (5, 'local')`)
	mustExec(t, clientDB, `UPDATE customer SET name = 'changed' WHERE id = 1`)

	res, err := client.Synchronize(context.Background(), "sales", model.SyncReinitialize, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.TotalChangesUploaded)
	assert.Equal(t, 1, res.TotalChangesDownloaded)
	assert.Equal(t, map[int64]string{1: "ann"}, names(t, clientDB))
	assert.Equal(t, map[int64]string{1: "ann"}, names(t, serverDB))

	res = syncNormal(t, client)
	assert.Equal(t, 0, res.TotalChangesUploaded)
}

func TestInitializationFromSnapshot(t *testing.T) {
	server, serverDB := createTestServer(t, salesScope(), WithSnapshotDir(t.TempDir()))
	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (1, 'ann'), (2, 'bob')`)
	snap, err := server.CreateSnapshot(context.Background(), "sales", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Info.RowCount)

	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (3, 'cat')`)
	mustExec(t, serverDB, `UPDATE customer SET name = 'ann2' WHERE id = 1`)

	client, clientDB := createTestClient(t, server)
	res := syncNormal(t, client)
	assert.True(t, res.SnapshotApplied)
	assert.Equal(t, 4, res.TotalChangesDownloaded)
	assert.Equal(t, map[int64]string{1: "ann2", 2: "bob", 3: "cat"}, names(t, clientDB))

	_, err = server.Batches().Open(snap.Info.ID)
	assert.NoError(t, err, "snapshots survive the clients they served")

	res = syncNormal(t, client)
	assert.False(t, res.SnapshotApplied)
	assert.Equal(t, 0, res.TotalChangesDownloaded)
}

func TestSnapshotOlderThanCleanupIsNotServed(t *testing.T) {
	server, serverDB := createTestServer(t, salesScope(), WithSnapshotDir(t.TempDir()))
	ctx := context.Background()
	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (1, 'ann'), (2, 'bob')`)
	_, err := server.CreateSnapshot(ctx, "sales", nil)
	require.NoError(t, err)

	mustExec(t, serverDB, `DELETE FROM customer WHERE id = 2`)
	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (3, 'cat')`)
	first, _ := createTestClient(t, server)
	syncNormal(t, first)
	syncNormal(t, first)
	syncNormal(t, first)

	_, err = server.Cleanup(ctx, "sales")
	require.NoError(t, err)
	tr, err := adapter.ReadMetadata(ctx, serverDB, serverDB.DB(), customerTable, model.Row{"id": int64(2)})
	require.NoError(t, err)
	require.Nil(t, tr)

	late, lateDB := createTestClient(t, server)
	res := syncNormal(t, late)
	assert.False(t, res.SnapshotApplied)
	assert.Equal(t, 2, res.TotalChangesDownloaded)
	assert.Equal(t, map[int64]string{1: "ann", 3: "cat"}, names(t, lateDB))
}

func TestFilteredDownload(t *testing.T) {
	def := salesScope()
	def.Tables[1].Filter = &model.Filter{Column: "customer_id", Parameter: "customer_id"}
	server, serverDB := createTestServer(t, def)
	mustExec(t, serverDB, `INSERT INTO orders (id, customer_id) VALUES (10, 1), (11, 2)`)
	client, clientDB := createTestClient(t, server)
	ctx := context.Background()

	res, err := client.Synchronize(ctx, "sales", model.SyncNormal, map[string]any{"customer_id": int64(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalChangesDownloaded)
	assert.Equal(t, 1, countRows(t, clientDB, "orders"))

	mustExec(t, clientDB, `INSERT INTO orders (id, customer_id) VALUES (12, 2)`)
	mustExec(t, serverDB, `INSERT INTO orders (id, customer_id) VALUES (13, 2), (14, 1)`)
	res = syncNormal(t, client)
	assert.Equal(t, 1, res.TotalChangesUploaded, "uploads are not filtered")
	assert.Equal(t, 1, res.TotalChangesDownloaded, "parameters are kept between sessions")
	assert.Equal(t, 5, countRows(t, serverDB, "orders"))
}

func TestTableDirections(t *testing.T) {
	def := salesScope()
	def.Tables[0].Direction = model.DirectionDownloadOnly
	def.Tables[1].Direction = model.DirectionUploadOnly
	server, serverDB := createTestServer(t, def)
	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (1, 'ann')`)
	mustExec(t, serverDB, `INSERT INTO orders (id, customer_id) VALUES (10, 1)`)
	client, clientDB := createTestClient(t, server)

	res := syncNormal(t, client)
	assert.Equal(t, 1, res.TotalChangesDownloaded)
	assert.Equal(t, 0, countRows(t, clientDB, "orders"))

	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (3, 'cat')`)
	mustExec(t, serverDB, `INSERT INTO orders (id, customer_id) VALUES (11, 3)`)
	mustExec(t, clientDB, `INSERT INTO customer (id, name) VALUES (2, 'bob')`)
	mustExec(t, clientDB, `INSERT INTO orders (id, customer_id) VALUES (20, 2)`)

	res = syncNormal(t, client)
	assert.Equal(t, 1, res.TotalChangesUploaded)
	assert.Equal(t, 1, res.TotalChangesDownloaded)
	assert.Equal(t, map[int64]string{1: "ann", 3: "cat"}, names(t, serverDB))
	assert.Equal(t, 3, countRows(t, serverDB, "orders"))
	assert.Equal(t, map[int64]string{1: "ann", 2: "bob", 3: "cat"}, names(t, clientDB))
	assert.Equal(t, 1, countRows(t, clientDB, "orders"))
}

func TestTransientTransportErrorsAreRetried(t *testing.T) {
	server, serverDB := createTestServer(t, salesScope())
	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (1, 'ann')`)
	tr := inproc.New(server)
	client, clientDB := createTestClient(t, tr)

	tr.FailNext(inproc.OpEnsureScope, model.NewConnectionError(true, errors.New("connection reset")))
	tr.FailNext(inproc.OpRequestChanges, model.NewConnectionError(true, errors.New("connection reset")))
	tr.FailNext(inproc.OpDownloadPart, model.NewConnectionError(true, errors.New("connection reset")))

	syncNormal(t, client)
	assert.Equal(t, 2, tr.Calls(inproc.OpEnsureScope))
	assert.Equal(t, 2, tr.Calls(inproc.OpRequestChanges))
	assert.Equal(t, 2, tr.Calls(inproc.OpDownloadPart))
	assert.Equal(t, map[int64]string{1: "ann"}, names(t, clientDB))
}

func TestFailedSessionKeepsWatermarks(t *testing.T) {
	server, serverDB := createTestServer(t, salesScope())
	tr := inproc.New(server)
	client, clientDB := createTestClient(t, tr)
	ctx := context.Background()
	syncNormal(t, client)

	mustExec(t, clientDB, `INSERT INTO customer (id, name) VALUES (1, 'ann')`)
	before := tr.Calls(inproc.OpApplyChanges)
	tr.FailNext(inproc.OpApplyChanges, model.NewConnectionError(true, errors.New("connection reset")))
	_, err := client.Synchronize(ctx, "sales", model.SyncNormal, nil)
	require.Error(t, err)
	assert.Equal(t, before+1, tr.Calls(inproc.OpApplyChanges), "apply is never retried")
	assert.Empty(t, names(t, serverDB))

	res := syncNormal(t, client)
	assert.Equal(t, 1, res.TotalChangesUploaded)
	assert.Equal(t, map[int64]string{1: "ann"}, names(t, serverDB))
}

func TestSessionInterceptors(t *testing.T) {
	server, _ := createTestServer(t, salesScope())
	reg := interceptor.New()
	client, _ := createTestClient(t, server, WithInterceptors(reg))
	ctx := context.Background()

	var begins []string
	var ends []*interceptor.SessionEnd
	interceptor.On(reg, func(ctx context.Context, args *interceptor.SessionBegin) error {
		begins = append(begins, args.Scope)
		return nil
	})
	interceptor.On(reg, func(ctx context.Context, args *interceptor.SessionEnd) error {
		ends = append(ends, args)
		return nil
	})

	res := syncNormal(t, client)
	_, err := client.Synchronize(ctx, "missing", model.SyncNormal, nil)
	require.Error(t, err)
	assert.True(t, model.IsSchemaError(err))

	assert.Equal(t, []string{"sales", "missing"}, begins)
	require.Len(t, ends, 2)
	assert.NoError(t, ends[0].Err)
	assert.Equal(t, res.ScopeID, ends[0].ScopeID)
	assert.Error(t, ends[1].Err)
}

func TestRowsWrittenDuringSessionSyncNextTime(t *testing.T) {
	server, serverDB := createTestServer(t, salesScope())
	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (1, 'ann')`)
	reg := interceptor.New()
	client, _ := createTestClient(t, server, WithInterceptors(reg))

	done := false
	interceptor.On(reg, func(ctx context.Context, args *interceptor.BatchApplying) error {
		if done {
			return nil
		}
		done = true
		_, err := args.Querier.ExecContext(ctx, `INSERT INTO customer (id, name) VALUES (50, 'late')`)
		return err
	})

	res := syncNormal(t, client)
	assert.Equal(t, 0, res.TotalChangesUploaded)
	assert.NotContains(t, names(t, serverDB), int64(50))

	res = syncNormal(t, client)
	assert.Equal(t, 1, res.TotalChangesUploaded)
	assert.Equal(t, "late", names(t, serverDB)[50])
}

func TestServerCleanup(t *testing.T) {
	server, serverDB := createTestServer(t, salesScope())
	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (1, 'ann'), (2, 'bob')`)
	client, clientDB := createTestClient(t, server)
	ctx := context.Background()
	syncNormal(t, client)

	mustExec(t, serverDB, `DELETE FROM customer WHERE id = 2`)
	mustExec(t, serverDB, `INSERT INTO customer (id, name) VALUES (3, 'cat')`)
	syncNormal(t, client)
	syncNormal(t, client)

	watermark, err := server.Cleanup(ctx, "sales")
	require.NoError(t, err)
	assert.Positive(t, watermark)

	tr, err := adapter.ReadMetadata(ctx, serverDB, serverDB.DB(), customerTable, model.Row{"id": int64(2)})
	require.NoError(t, err)
	assert.Nil(t, tr, "tombstone below the confirmed watermark is gone")

	res := syncNormal(t, client)
	assert.Equal(t, 0, res.TotalChangesDownloaded)
	assert.Equal(t, map[int64]string{1: "ann", 3: "cat"}, names(t, clientDB))

	late, lateDB := createTestClient(t, server)
	syncNormal(t, late)
	assert.Equal(t, map[int64]string{1: "ann", 3: "cat"}, names(t, lateDB))
}

func TestClientStatus(t *testing.T) {
	server, _ := createTestServer(t, salesScope())
	client, _ := createTestClient(t, server)
	res := syncNormal(t, client)

	st, err := client.Status(context.Background(), "sales")
	require.NoError(t, err)
	assert.Equal(t, "sales", st.Info.Definition.Name)
	require.Len(t, st.Clients, 1)
	assert.Equal(t, res.ScopeID, st.Clients[0].State.ScopeID)
	assert.False(t, st.Clients[0].State.IsNewScope)
	assert.Zero(t, st.Clients[0].PendingRetry)
}

func TestStatusOfUnknownScope(t *testing.T) {
	server, _ := createTestServer(t, salesScope())
	_, err := server.Status(context.Background(), "inventory")
	require.Error(t, err)
	assert.True(t, model.IsSchemaError(err))
}
