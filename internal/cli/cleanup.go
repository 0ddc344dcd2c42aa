package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/engine"
)

// CleanupOptions holds flags for the cleanup command.
type CleanupOptions struct {
	*RootOptions
	Database string
	Scope    string
}

// CleanupResult is the output of the cleanup command.
type CleanupResult struct {
	Scope     string `json:"scope"`
	Watermark int64  `json:"watermark"`
}

func (r CleanupResult) String() string {
	if r.Watermark == 0 {
		return fmt.Sprintf("Nothing to clean in %s: no client has confirmed a sync yet", r.Scope)
	}
	return fmt.Sprintf("Cleaned %s metadata below timestamp %d", r.Scope, r.Watermark)
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CleanupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete tombstones every client has seen",
		Long: `Delete tracking history of a server scope below the lowest watermark
confirmed by its clients. Sessions also run cleanup every
cleanup.every_sessions sessions; this command forces one.

Example:
  rowsync cleanup --db server.db --scope sales`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd.Context(), opts, cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.Database)
	addScopeFlag(cmd, &opts.Scope)

	return cmd
}

func runCleanup(ctx context.Context, opts *CleanupOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	p, err := openPeer(opts.RootOptions, opts.Database, cmd)
	if err != nil {
		return err
	}
	defer p.Close()

	remote := engine.NewRemoteOrchestrator(p.db, p.options...)
	watermark, err := remote.Cleanup(ctx, opts.Scope)
	if err != nil {
		return reportSyncError(formatter, "cleanup failed", err)
	}
	return formatter.Success(CleanupResult{Scope: opts.Scope, Watermark: watermark})
}
