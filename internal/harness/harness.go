package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/rowsync/internal/adapter/sqlite"
	"github.com/roach88/rowsync/internal/engine"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/retry"
	"github.com/roach88/rowsync/internal/testutil"
	"github.com/roach88/rowsync/internal/transport/inproc"
)

// peer is one database taking part in a scenario.
type peer struct {
	name  string
	db    *sqlite.Adapter
	agent *engine.Agent // nil for the server
}

// Harness is the scenario execution engine. It runs every peer against its
// own SQLite file with a deterministic wall clock and sequential ids, and
// connects clients to the server through the in-process transport.
type Harness struct {
	dir    string
	def    model.ScopeDefinition
	clock  *testutil.DeterministicClock
	logger *slog.Logger

	server    *engine.RemoteOrchestrator
	transport *inproc.Transport
	peers     map[string]*peer
	order     []string // server first, then clients as declared
}

// Option configures a run.
type Option func(*Harness)

// WithLogger routes engine logs to logger. Runs are silent by default.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) { h.logger = logger }
}

// Run executes a scenario and returns the result.
//
// Each run uses fresh databases in a temporary directory that is removed
// afterwards. A returned error means the scenario could not be executed;
// failed expectations are reported in Result.Errors.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	return RunContext(context.Background(), scenario, opts...)
}

// RunContext is Run with a caller supplied context.
func RunContext(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	def, err := scenario.ScopeDefinition()
	if err != nil {
		return nil, fmt.Errorf("compile scope: %w", err)
	}

	dir, err := os.MkdirTemp("", "rowsync-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	h := &Harness{
		dir:    dir,
		def:    def,
		clock:  testutil.NewDeterministicClock(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		peers:  make(map[string]*peer),
	}
	for _, opt := range opts {
		opt(h)
	}
	defer h.close()

	if err := h.setup(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to set up peers: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	for _, errMsg := range h.evaluateAssertions(ctx, scenario.Assertions) {
		result.AddError(errMsg)
	}

	if err := h.captureState(ctx, result); err != nil {
		return nil, fmt.Errorf("capture final state: %w", err)
	}
	return result, nil
}

func (h *Harness) setup(ctx context.Context, scenario *Scenario) error {
	serverDB, err := h.openPeer(ctx, ServerPeer, scenario.Server)
	if err != nil {
		return err
	}
	opts, err := h.peerOptions(ServerPeer, scenario.Server)
	if err != nil {
		return err
	}
	h.server = engine.NewRemoteOrchestrator(serverDB, opts...)
	if _, err := h.server.Provision(ctx, h.def, false); err != nil {
		return fmt.Errorf("provision server: %w", err)
	}
	h.transport = inproc.New(h.server)

	for _, c := range scenario.Clients {
		db, err := h.openPeer(ctx, c.Name, c.PeerConfig)
		if err != nil {
			return err
		}
		opts, err := h.peerOptions(c.Name, c.PeerConfig)
		if err != nil {
			return err
		}
		h.peers[c.Name].agent = engine.NewAgent(db, h.transport, opts...)
	}
	return nil
}

func (h *Harness) openPeer(ctx context.Context, name string, cfg PeerConfig) (*sqlite.Adapter, error) {
	db, err := sqlite.Open(filepath.Join(h.dir, name+".db"))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	h.peers[name] = &peer{name: name, db: db}
	h.order = append(h.order, name)

	for i, stmt := range cfg.Setup {
		if _, err := db.DB().ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s setup[%d]: %w", name, i, err)
		}
	}
	return db, nil
}

func (h *Harness) peerOptions(name string, cfg PeerConfig) ([]engine.Option, error) {
	opts := []engine.Option{
		engine.WithBatchDir(filepath.Join(h.dir, name, "batches")),
		engine.WithSnapshotDir(filepath.Join(h.dir, name, "snapshots")),
		engine.WithLogger(h.logger),
		engine.WithRetryer(retry.Never),
		engine.WithNow(h.clock.Now),
		engine.WithIDGenerator(testutil.NewSequentialIDs(name)),
		engine.WithCleanupEvery(cfg.CleanupEvery),
	}
	if cfg.ConflictPolicy != "" {
		p, err := model.ParseConflictPolicy(cfg.ConflictPolicy)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		opts = append(opts, engine.WithConflictPolicy(p))
	}
	if cfg.ErrorPolicy != "" {
		a, err := model.ParseErrorAction(cfg.ErrorPolicy)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		opts = append(opts, engine.WithErrorPolicy(a))
	}
	return opts, nil
}

func (h *Harness) close() {
	for _, name := range h.order {
		if err := h.peers[name].db.Close(); err != nil {
			h.logger.Error("error closing peer database", "peer", name, "error", err)
		}
	}
}

// executeStep runs one step. Only infrastructure failures are returned;
// unexpected outcomes are recorded on result.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) error {
	p := h.peers[step.Peer]
	event := StepEvent{Step: index, Peer: step.Peer, Action: step.Action()}

	var stepErr error
	switch step.Action() {
	case ActionExec:
		if _, err := p.db.DB().ExecContext(ctx, step.Exec); err != nil {
			result.AddError(fmt.Sprintf("step %d: exec on %s: %v", index, step.Peer, err))
		}
		return nil

	case ActionSync:
		syncType, err := model.ParseSyncType(step.Sync)
		if err != nil {
			return err
		}
		event.SyncType = string(syncType)
		res, err := p.agent.Synchronize(ctx, h.def.Name, syncType, step.Params)
		if res != nil {
			event.Uploaded = res.TotalChangesUploaded
			event.Downloaded = res.TotalChangesDownloaded
			event.AppliedOnServer = res.TotalChangesAppliedOnServer
			event.AppliedOnClient = res.TotalChangesAppliedOnClient
			event.Conflicts = res.TotalResolvedConflicts
			event.FailedOnServer = res.TotalFailedOnServer
			event.FailedOnClient = res.TotalFailedOnClient
			event.Snapshot = res.SnapshotApplied
		}
		stepErr = err

	case ActionCleanup:
		_, stepErr = h.server.Cleanup(ctx, h.def.Name)

	case ActionSnapshot:
		_, stepErr = h.server.CreateSnapshot(ctx, h.def.Name, step.Params)
	}

	if stepErr != nil {
		code := model.CodeOf(stepErr)
		if code == "" {
			code = model.ErrCodeInternal
		}
		event.Error = string(code)
	}
	result.AddEvent(event)

	for _, msg := range checkExpect(index, step, event, stepErr) {
		result.AddError(msg)
	}
	return nil
}

// checkExpect compares a step outcome with its expect clause.
func checkExpect(index int, step Step, event StepEvent, stepErr error) []string {
	var errs []string
	want := step.Expect
	if want == nil {
		want = &Expect{}
	}

	if want.Error == "" && stepErr != nil {
		return []string{fmt.Sprintf("step %d (%s on %s): unexpected error: %v", index, event.Action, event.Peer, stepErr)}
	}
	if want.Error != "" && event.Error != want.Error {
		got := event.Error
		if got == "" {
			got = "success"
		}
		errs = append(errs, fmt.Sprintf("step %d: expected error %s, got %s", index, want.Error, got))
	}

	counters := []struct {
		name string
		want *int
		got  int
	}{
		{"uploaded", want.Uploaded, event.Uploaded},
		{"downloaded", want.Downloaded, event.Downloaded},
		{"applied_on_server", want.AppliedOnServer, event.AppliedOnServer},
		{"applied_on_client", want.AppliedOnClient, event.AppliedOnClient},
		{"conflicts", want.Conflicts, event.Conflicts},
		{"failed_on_server", want.FailedOnServer, event.FailedOnServer},
		{"failed_on_client", want.FailedOnClient, event.FailedOnClient},
	}
	for _, c := range counters {
		if c.want != nil && *c.want != c.got {
			errs = append(errs, fmt.Sprintf("step %d: %s: expected %d, got %d", index, c.name, *c.want, c.got))
		}
	}
	if want.Snapshot != nil && *want.Snapshot != event.Snapshot {
		errs = append(errs, fmt.Sprintf("step %d: snapshot: expected %t, got %t", index, *want.Snapshot, event.Snapshot))
	}
	return errs
}

// captureState reads every scope table of every peer.
func (h *Harness) captureState(ctx context.Context, result *Result) error {
	for _, name := range h.order {
		tables := make(map[string]TableRows, len(h.def.Tables))
		for _, t := range h.def.Tables {
			rows, err := h.tableRows(ctx, h.peers[name], t)
			if err != nil {
				return err
			}
			tables[t.Name] = rows
		}
		result.State[name] = tables
	}
	return nil
}

func (h *Harness) tableRows(ctx context.Context, p *peer, t model.Table) (TableRows, error) {
	var keys []string
	for _, pk := range t.PrimaryKeys() {
		keys = append(keys, quoteIdent(pk.Name))
	}
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = quoteIdent(c.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(cols, ", "), quoteIdent(t.Name), strings.Join(keys, ", "))
	return queryRows(ctx, p, query)
}

func queryRows(ctx context.Context, p *peer, query string) (TableRows, error) {
	rows, err := p.db.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", p.name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := TableRows{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", p.name, err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out = append(out, values)
	}
	return out, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
