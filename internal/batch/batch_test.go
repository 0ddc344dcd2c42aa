package batch

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/model"
)

func rowsOf(rows ...model.SyncRow) iter.Seq2[model.SyncRow, error] {
	return func(yield func(model.SyncRow, error) bool) {
		for _, r := range rows {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func customer(id int64, name string) model.SyncRow {
	return model.SyncRow{Table: "customer", Values: model.Row{"id": id, "name": name}, State: model.RowStateModified}
}

func order(id int64) model.SyncRow {
	return model.SyncRow{Table: "orders", Values: model.Row{"id": id}, State: model.RowStateDeleted}
}

func TestWriteSplitsByTableAndSize(t *testing.T) {
	m := NewManager(t.TempDir(), "", 2, nil)

	b, err := m.Write(context.Background(), "b1", 42, rowsOf(
		customer(1, "a"), customer(2, "b"), customer(3, "c"),
		order(10),
	))
	require.NoError(t, err)

	assert.Equal(t, "b1", b.Info.ID)
	assert.Equal(t, int64(42), b.Info.Timestamp)
	assert.Equal(t, 4, b.Info.RowCount)
	require.Len(t, b.Info.Parts, 3)
	assert.Equal(t, PartInfo{Ordinal: 0, Table: "customer", File: "customer_0.batch", Rows: 2}, b.Info.Parts[0])
	assert.Equal(t, PartInfo{Ordinal: 1, Table: "customer", File: "customer_1.batch", Rows: 1}, b.Info.Parts[1])
	assert.Equal(t, PartInfo{Ordinal: 2, Table: "orders", File: "orders_2.batch", Rows: 1}, b.Info.Parts[2])
	assert.Equal(t, []string{"customer", "orders"}, b.Info.Tables())

	reopened, err := m.Open("b1")
	require.NoError(t, err)
	assert.Equal(t, b.Info, reopened.Info)

	rows, err := reopened.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, int64(3), rows[2].Values["id"], "integers decode as int64")
	assert.Equal(t, "c", rows[2].Values["name"])
	assert.Equal(t, model.RowStateDeleted, rows[3].State)
	assert.Equal(t, "orders", rows[3].Table)
}

func TestPartsOfOrdersByTableList(t *testing.T) {
	m := NewManager(t.TempDir(), "", 10, nil)
	b, err := m.Write(context.Background(), "b1", 1, rowsOf(customer(1, "a"), order(10)))
	require.NoError(t, err)

	var tables []string
	for part, err := range b.PartsOf([]string{"orders", "customer"}) {
		require.NoError(t, err)
		tables = append(tables, part.Table)
	}
	assert.Equal(t, []string{"orders", "customer"}, tables)
}

func TestWriteAbortsOnSelectionError(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "", 1, nil)
	boom := errors.New("selection failed")

	_, err := m.Write(context.Background(), "b1", 1, func(yield func(model.SyncRow, error) bool) {
		if !yield(customer(1, "a"), nil) {
			return
		}
		yield(model.SyncRow{}, boom)
	})
	assert.ErrorIs(t, err, boom)

	_, statErr := os.Stat(filepath.Join(root, "b1"))
	assert.True(t, os.IsNotExist(statErr), "partial batch must not stay visible")
}

func TestCodecPreservesValueKinds(t *testing.T) {
	when := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)
	p := Part{Table: "t", Ordinal: 3, Rows: []PartRow{{
		State: model.RowStateRetryModifiedOnNextSync,
		Values: map[string]any{
			"i":    int64(-5),
			"u":    int64(7),
			"f":    1.25,
			"s":    "text",
			"b":    []byte{1, 2},
			"null": nil,
			"ok":   true,
			"when": when,
		},
	}}}

	data, err := EncodePart(p)
	require.NoError(t, err)
	got, err := DecodePart(data)
	require.NoError(t, err)

	v := got.Rows[0].Values
	assert.Equal(t, int64(-5), v["i"])
	assert.Equal(t, int64(7), v["u"])
	assert.Equal(t, 1.25, v["f"])
	assert.Equal(t, "text", v["s"])
	assert.Equal(t, []byte{1, 2}, v["b"])
	assert.Nil(t, v["null"])
	assert.Equal(t, true, v["ok"])
	assert.True(t, when.Equal(v["when"].(time.Time)))
	assert.Equal(t, model.RowStateRetryModifiedOnNextSync, got.Rows[0].State)
}

func TestReceiveAndSeal(t *testing.T) {
	server := NewManager(t.TempDir(), "", 1, nil)
	client := NewManager(t.TempDir(), "", 1, nil)

	b, err := client.Write(context.Background(), "up", 9, rowsOf(customer(1, "a"), customer(2, "b")))
	require.NoError(t, err)

	// Sealing before every part arrived fails.
	first, err := b.PartByOrdinal(0)
	require.NoError(t, err)
	_, err = server.Receive("up", first)
	require.NoError(t, err)
	_, err = server.Seal(b.Info)
	require.Error(t, err)

	second, err := b.PartByOrdinal(1)
	require.NoError(t, err)
	_, err = server.Receive("up", second)
	require.NoError(t, err)

	received, err := server.Seal(b.Info)
	require.NoError(t, err)
	rows, err := received.Rows()
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.NoError(t, server.Release("up"))
	_, err = server.Open("up")
	assert.Error(t, err)

	_, err = b.PartByOrdinal(7)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestInvalidBatchID(t *testing.T) {
	m := NewManager(t.TempDir(), "", 1, nil)
	_, err := m.Open("../escape")
	assert.Error(t, err)
	_, err = m.Receive("a/b", Part{})
	assert.Error(t, err)
}

func TestErrorBatchLifecycle(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "", 10, nil)

	none, err := m.LoadErrors("sales", "client-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	failed := customer(1, "a")
	failed.State = model.RowStateRetryModifiedOnNextSync
	require.NoError(t, m.SaveErrors("sales", "client-1", []model.SyncRow{failed}))

	assert.FileExists(t, filepath.Join(root, "sales_client-1_ERRORS", "customer_0_ERROR.batch"))

	b, err := m.LoadErrors("sales", "client-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	rows, err := b.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.RowStateRetryModifiedOnNextSync, rows[0].State)

	require.NoError(t, m.ClearErrors("sales", "client-1"))
	_, statErr := os.Stat(filepath.Join(root, "sales_client-1_ERRORS"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSnapshotLifecycle(t *testing.T) {
	m := NewManager(t.TempDir(), t.TempDir(), 10, nil)
	ctx := context.Background()

	none, err := m.LoadSnapshot("sales", "h1")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = m.WriteSnapshot(ctx, "sales", "h1", 5, rowsOf(customer(1, "a")))
	require.NoError(t, err)
	snap, err := m.WriteSnapshot(ctx, "sales", "h1", 8, rowsOf(customer(1, "a"), customer(2, "b")))
	require.NoError(t, err)
	assert.Equal(t, SnapshotID("sales", "h1"), snap.Info.ID)

	loaded, err := m.LoadSnapshot("sales", "h1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(8), loaded.Info.Timestamp)
	assert.Equal(t, 2, loaded.Info.RowCount)

	byID, err := m.Open(snap.Info.ID)
	require.NoError(t, err)
	assert.Equal(t, loaded.Info, byID.Info)

	require.NoError(t, m.Release(snap.Info.ID), "snapshots are shared")
	_, err = m.Open(snap.Info.ID)
	require.NoError(t, err)

	require.NoError(t, m.DeleteSnapshot("sales", "h1"))
	gone, err := m.LoadSnapshot("sales", "h1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestRowSetGroupsConsecutiveRows(t *testing.T) {
	set := RowSet{customer(1, "a"), customer(2, "b"), order(10), customer(3, "c")}

	var got []string
	for part, err := range set.PartsOf([]string{"orders", "customer"}) {
		require.NoError(t, err)
		got = append(got, part.Table)
		if part.Table == "customer" && part.Ordinal == 0 {
			assert.Len(t, part.Rows, 2)
		}
	}
	assert.Equal(t, []string{"orders", "customer", "customer"}, got)

	all := 0
	for _, err := range set.PartsOf(nil) {
		require.NoError(t, err)
		all++
	}
	assert.Equal(t, 3, all)
}
