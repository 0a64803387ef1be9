package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/feedsync/internal/api"
	"github.com/roach88/feedsync/internal/archive"
	"github.com/roach88/feedsync/internal/config"
	"github.com/roach88/feedsync/internal/feedsync"
	"github.com/roach88/feedsync/internal/retention"
	"github.com/roach88/feedsync/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen    string
	Authority bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a feedsync node",
		Long: `Run a feedsync node until interrupted.

The node serves the HTTP API and the /sync websocket endpoint, applies
retention policies, and, when sync.authority_url is configured, keeps its
partitions in sync with the authority.

Example:
  feedsync serve --config feedsync.yaml
  feedsync serve --authority --db ./authority.db --listen :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides server.listen)")
	cmd.Flags().BoolVar(&opts.Authority, "authority", false, "assign positions (overrides node.authority)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.Authority {
		cfg.Node.Authority = true
	}
	setupLogging(cfg.Logging, opts.Verbose, cmd.ErrOrStderr())

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx, cancel := signalContext(cmd)
	defer cancel()

	sink, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up archive", err)
	}
	janitor, err := retention.NewJanitor(st, sink, retentionPolicies(cfg))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid retention policy", err)
	}

	apiServer := api.NewServer(st, janitor, cfg.Node.PeerID)
	httpServer := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      apiServer.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 3)
	go func() {
		slog.Info("http server listening", "addr", cfg.Server.Listen, "authority", st.AssignsPositions())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := janitor.Run(ctx, cfg.Retention.Interval); err != nil {
			errCh <- err
		}
	}()
	if cfg.SyncEnabled() {
		go func() {
			if err := runReplica(ctx, cfg, st); err != nil {
				errCh <- err
			}
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Node %s serving on %s. Press Ctrl-C to stop.\n", cfg.Node.PeerID, cfg.Server.Listen)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	apiServer.CloseConnections()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}

	if runErr != nil {
		return WrapExitError(ExitFailure, "node stopped", runErr)
	}
	slog.Info("node stopped gracefully")
	return nil
}

func retentionPolicies(cfg *config.Config) []retention.Policy {
	policies := make([]retention.Policy, len(cfg.Retention.Policies))
	for i, p := range cfg.Retention.Policies {
		policies[i] = retention.Policy{
			SpaceID:       p.SpaceID,
			FeedNamespace: p.FeedNamespace,
			MaxBlocks:     p.MaxBlocks,
		}
	}
	return policies
}

// runReplica keeps one connection to the authority open and runs the sync
// loop over it, redialling with backoff when it drops. Returns nil when ctx
// is done.
func runReplica(ctx context.Context, cfg *config.Config, st *store.Store) error {
	const maxBackoff = time.Minute
	backoff := time.Second

	for {
		sess, err := dialAuthority(ctx, cfg, st)
		if err == nil {
			backoff = time.Second
			runSession(ctx, sess, cfg)
			sess.Close()
		} else {
			slog.Warn("authority unreachable", "url", cfg.Sync.AuthorityURL, "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// runSession runs the sync loop until ctx is done or the connection drops.
func runSession(ctx context.Context, sess *remoteSession, cfg *config.Config) {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case err := <-sess.Done():
			if err != nil {
				slog.Warn("authority connection lost", "error", err)
			} else if ctx.Err() == nil {
				slog.Warn("authority closed the connection")
			}
			cancel()
		case <-loopCtx.Done():
		}
	}()

	err := sess.client.Run(loopCtx, feedsync.RunOptions{
		Partitions: configPartitions(cfg),
		Interval:   cfg.Sync.Interval,
		BatchSize:  cfg.Sync.BatchSize,
	})
	if err != nil {
		slog.Error("sync loop stopped", "error", err)
	}
}
