package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/engine"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/transport/httptransport"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Database               string
	Server                 string
	Scope                  string
	Reinitialize           bool
	ReinitializeWithUpload bool
	Params                 []string
}

// SyncSummary is the output of the sync command.
type SyncSummary struct {
	Scope           string        `json:"scope"`
	ScopeID         string        `json:"scope_id"`
	SyncType        string        `json:"sync_type"`
	Duration        time.Duration `json:"duration_ns"`
	Uploaded        int           `json:"uploaded"`
	Downloaded      int           `json:"downloaded"`
	AppliedOnServer int           `json:"applied_on_server"`
	AppliedOnClient int           `json:"applied_on_client"`
	Conflicts       int           `json:"conflicts"`
	FailedOnServer  int           `json:"failed_on_server"`
	FailedOnClient  int           `json:"failed_on_client"`
	SnapshotApplied bool          `json:"snapshot_applied"`
}

func newSyncSummary(r *engine.SyncResult) SyncSummary {
	return SyncSummary{
		Scope:           r.Scope,
		ScopeID:         r.ScopeID,
		SyncType:        string(r.SyncType),
		Duration:        r.Duration(),
		Uploaded:        r.TotalChangesUploaded,
		Downloaded:      r.TotalChangesDownloaded,
		AppliedOnServer: r.TotalChangesAppliedOnServer,
		AppliedOnClient: r.TotalChangesAppliedOnClient,
		Conflicts:       r.TotalResolvedConflicts,
		FailedOnServer:  r.TotalFailedOnServer,
		FailedOnClient:  r.TotalFailedOnClient,
		SnapshotApplied: r.SnapshotApplied,
	}
}

// RenderText prints the session counters.
func (s SyncSummary) RenderText(w io.Writer) {
	fmt.Fprintf(w, "✓ %s synchronized (%s) in %s\n", s.Scope, s.SyncType, s.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  uploaded %d, applied on server %d, failed on server %d\n", s.Uploaded, s.AppliedOnServer, s.FailedOnServer)
	fmt.Fprintf(w, "  downloaded %d, applied locally %d, failed locally %d\n", s.Downloaded, s.AppliedOnClient, s.FailedOnClient)
	if s.Conflicts > 0 {
		fmt.Fprintf(w, "  resolved %d conflict(s)\n", s.Conflicts)
	}
	if s.SnapshotApplied {
		fmt.Fprintln(w, "  initialized from a server snapshot")
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync session against a server",
		Long: `Synchronize a client database with a server: upload local changes, apply
them on the server, then download and apply the server's changes.

On first contact the client provisions the scope from the server's
definition. Filter parameters are remembered between sessions; pass
--param again to change them.

Examples:
  rowsync sync --db client.db --server http://127.0.0.1:7420 --scope sales
  rowsync sync --db client.db --scope sales --param customer_id=42
  rowsync sync --db client.db --scope sales --reinitialize`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), opts, cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.Database)
	addScopeFlag(cmd, &opts.Scope)
	cmd.Flags().StringVar(&opts.Server, "server", "", "server base URL (default: the server.url config key)")
	cmd.Flags().BoolVar(&opts.Reinitialize, "reinitialize", false, "discard local changes and reload the server rows")
	cmd.Flags().BoolVar(&opts.ReinitializeWithUpload, "reinitialize-with-upload", false, "upload local changes, then reload the server rows")
	cmd.Flags().StringArrayVar(&opts.Params, "param", nil, "filter parameter as key=value (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("reinitialize", "reinitialize-with-upload")

	return cmd
}

func (o *SyncOptions) syncType() model.SyncType {
	switch {
	case o.Reinitialize:
		return model.SyncReinitialize
	case o.ReinitializeWithUpload:
		return model.SyncReinitializeWithUpload
	default:
		return model.SyncNormal
	}
}

func runSync(ctx context.Context, opts *SyncOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	params, err := parseParams(opts.Params)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --param", err)
	}

	cfg, _, err := opts.Settings(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	serverURL := opts.Server
	if serverURL == "" {
		serverURL = cfg.Server.URL
	}

	p, err := openPeer(opts.RootOptions, opts.Database, cmd)
	if err != nil {
		return err
	}
	defer p.Close()

	formatter.VerboseLog("Synchronizing %s with %s", opts.Scope, serverURL)
	agent := engine.NewAgent(p.db, httptransport.NewClient(serverURL), p.options...)
	result, err := agent.Synchronize(ctx, opts.Scope, opts.syncType(), params)
	if err != nil {
		return reportSyncError(formatter, "sync failed", err)
	}
	return formatter.Success(newSyncSummary(result))
}
