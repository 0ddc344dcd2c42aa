package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/rowsync/internal/engine"
	"github.com/roach88/rowsync/internal/transport/httptransport"
)

// shutdownTimeout bounds how long in-flight sessions may finish after a
// stop signal.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Database string
	Addr     string

	// Ready is called with the bound address once the server accepts
	// connections (for testing).
	Ready func(addr net.Addr)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}
	return newServeCommand(opts)
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve sync sessions over HTTP",
		Long: `Expose the server database to clients over HTTP. Scopes must have been
provisioned first.

The server stops gracefully on SIGINT or SIGTERM: it refuses new
connections and waits for running requests to finish.

Examples:
  rowsync serve --db server.db
  rowsync serve --db server.db --addr 0.0.0.0:7420 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.Database)
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default: the server.addr config key)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, logger, err := opts.Settings(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	addr := opts.Addr
	if addr == "" {
		addr = cfg.Server.Addr
	}

	p, err := openPeer(opts.RootOptions, opts.Database, cmd)
	if err != nil {
		return err
	}
	defer p.Close()

	remote := engine.NewRemoteOrchestrator(p.db, p.options...)
	srv := &http.Server{
		Handler:           httptransport.NewHandler(remote, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "addr", ln.Addr().String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("server starting", "db", p.path, "addr", ln.Addr().String())
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://%s\n", p.path, ln.Addr())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.Ready != nil {
		opts.Ready(ln.Addr())
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
