package harness

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/rowsync/internal/engine"
)

// evaluateAssertions checks every assertion against the peers' databases
// and returns one message per failure.
func (h *Harness) evaluateAssertions(ctx context.Context, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertRows:
			err = h.assertRows(ctx, a)
		case AssertRowCount:
			err = h.assertRowCount(ctx, a)
		case AssertConverged:
			err = h.assertConverged(ctx, a)
		case AssertPendingErrors:
			err = h.assertPendingErrors(ctx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

func (h *Harness) assertRows(ctx context.Context, a Assertion) error {
	got, err := queryRows(ctx, h.peers[a.Peer], a.Query)
	if err != nil {
		return err
	}
	want := normalizeRows(a.Rows)
	if !reflect.DeepEqual(normalizeRows(got), want) {
		return fmt.Errorf("%s: expected %v, got %v", a.Peer, want, got)
	}
	return nil
}

func (h *Harness) assertRowCount(ctx context.Context, a Assertion) error {
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(a.Table))
	if err := h.peers[a.Peer].db.DB().QueryRowContext(ctx, query).Scan(&n); err != nil {
		return fmt.Errorf("count %s on %s: %w", a.Table, a.Peer, err)
	}
	if n != a.Count {
		return fmt.Errorf("%s.%s: expected %d rows, got %d", a.Peer, a.Table, a.Count, n)
	}
	return nil
}

func (h *Harness) assertConverged(ctx context.Context, a Assertion) error {
	t, ok := h.def.Table(a.Table)
	if !ok {
		return fmt.Errorf("table %q is not in scope %s", a.Table, h.def.Name)
	}

	reference, err := h.tableRows(ctx, h.peers[ServerPeer], t)
	if err != nil {
		return err
	}
	var diverged []string
	for _, name := range h.order[1:] {
		rows, err := h.tableRows(ctx, h.peers[name], t)
		if err != nil {
			return err
		}
		if !reflect.DeepEqual(normalizeRows(rows), normalizeRows(reference)) {
			diverged = append(diverged, name)
		}
	}
	if len(diverged) > 0 {
		return fmt.Errorf("%s differs from the server on %s", a.Table, strings.Join(diverged, ", "))
	}
	return nil
}

func (h *Harness) assertPendingErrors(ctx context.Context, a Assertion) error {
	agent := h.peers[a.Peer].agent
	local, err := agent.Status(ctx, h.def.Name)
	if err != nil {
		return fmt.Errorf("status of %s: %w", a.Peer, err)
	}
	remote, err := h.server.Status(ctx, h.def.Name)
	if err != nil {
		return fmt.Errorf("status of server: %w", err)
	}

	n := 0
	for _, c := range local.Clients {
		n += c.PendingRetry + c.Failed
		n += pendingFor(remote, c.State.ScopeID)
	}
	if n != a.Count {
		return fmt.Errorf("%s: expected %d pending error rows, got %d", a.Peer, a.Count, n)
	}
	return nil
}

func pendingFor(st *engine.Status, scopeID string) int {
	for _, c := range st.Clients {
		if c.State.ScopeID == scopeID {
			return c.PendingRetry + c.Failed
		}
	}
	return 0
}

// normalizeRows maps every integer type to int64 so that YAML literals
// compare equal to SQLite values.
func normalizeRows(rows [][]any) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		out[i] = make([]any, len(row))
		for j, v := range row {
			out[i][j] = normalizeValue(v)
		}
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint64:
		return int64(x)
	case []byte:
		return string(x)
	default:
		return v
	}
}
