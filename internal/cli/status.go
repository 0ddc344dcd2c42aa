package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/engine"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Database string
	Scope    string
}

// ClientState is one sync-state record of the status output.
type ClientState struct {
	ScopeID                 string         `json:"scope_id"`
	IsNewScope              bool           `json:"is_new_scope"`
	LastSync                time.Time      `json:"last_sync"`
	LastSyncTimestamp       int64          `json:"last_sync_timestamp"`
	LastServerSyncTimestamp int64          `json:"last_server_sync_timestamp"`
	Parameters              map[string]any `json:"parameters,omitempty"`
	PendingRetry            int            `json:"pending_retry"`
	Failed                  int            `json:"failed"`
}

// StatusResult is the output of the status command.
type StatusResult struct {
	Scope                string        `json:"scope"`
	Version              string        `json:"version"`
	OwnerID              string        `json:"owner_id"`
	Tables               []string      `json:"tables"`
	LastCleanupTimestamp int64         `json:"last_cleanup_timestamp"`
	Clients              []ClientState `json:"clients"`
}

// RenderText prints the scope followed by one block per sync state.
func (r StatusResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Scope %s (version %s), owner %s\n", r.Scope, r.Version, r.OwnerID)
	fmt.Fprintf(w, "  tables: %v\n", r.Tables)
	fmt.Fprintf(w, "  last cleanup timestamp: %d\n", r.LastCleanupTimestamp)
	if len(r.Clients) == 0 {
		fmt.Fprintln(w, "  no sync state recorded")
		return
	}
	for _, c := range r.Clients {
		fmt.Fprintf(w, "  %s\n", c.ScopeID)
		if c.IsNewScope {
			fmt.Fprintln(w, "    never synchronized")
		} else {
			fmt.Fprintf(w, "    last sync: %s\n", c.LastSync.Format(time.RFC3339))
		}
		fmt.Fprintf(w, "    watermarks: local %d, server %d\n", c.LastSyncTimestamp, c.LastServerSyncTimestamp)
		if len(c.Parameters) > 0 {
			fmt.Fprintf(w, "    parameters: %v\n", c.Parameters)
		}
		if c.PendingRetry > 0 || c.Failed > 0 {
			fmt.Fprintf(w, "    error batch: %d to retry, %d failed\n", c.PendingRetry, c.Failed)
		}
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scope watermarks and pending errors",
		Long: `Report the state of a scope in a database. On a server it lists every
client that synchronized; on a client its own state. Rows kept in error
batches are counted per state.

Example:
  rowsync status --db client.db --scope sales --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), opts, cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.Database)
	addScopeFlag(cmd, &opts.Scope)

	return cmd
}

func runStatus(ctx context.Context, opts *StatusOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	p, err := openPeer(opts.RootOptions, opts.Database, cmd)
	if err != nil {
		return err
	}
	defer p.Close()

	st, err := engine.NewRemoteOrchestrator(p.db, p.options...).Status(ctx, opts.Scope)
	if err != nil {
		return reportSyncError(formatter, "status failed", err)
	}
	return formatter.Success(newStatusResult(st))
}

func newStatusResult(st *engine.Status) StatusResult {
	def := st.Info.Definition
	r := StatusResult{
		Scope:                def.Name,
		Version:              def.Version,
		OwnerID:              st.Info.OwnerID,
		LastCleanupTimestamp: st.Info.LastCleanupTimestamp,
		Clients:              []ClientState{},
	}
	if r.Version == "" {
		r.Version = st.Info.Hash
	}
	for _, t := range def.Tables {
		r.Tables = append(r.Tables, t.Name)
	}
	for _, c := range st.Clients {
		r.Clients = append(r.Clients, ClientState{
			ScopeID:                 c.State.ScopeID,
			IsNewScope:              c.State.IsNewScope,
			LastSync:                c.State.LastSync,
			LastSyncTimestamp:       c.State.LastSyncTimestamp,
			LastServerSyncTimestamp: c.State.LastServerSyncTimestamp,
			Parameters:              c.State.Parameters,
			PendingRetry:            c.PendingRetry,
			Failed:                  c.Failed,
		})
	}
	return r
}
