package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/feedsync/internal/config"
	"github.com/roach88/feedsync/internal/feedsync"
	"github.com/roach88/feedsync/internal/protocol"
	"github.com/roach88/feedsync/internal/store"
	"github.com/roach88/feedsync/internal/transport"
)

// loadConfig reads the config file, or defaults when none is given, and
// applies flag overrides.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.ConfigPath != "" {
		cfg, err = config.Load(o.ConfigPath)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
	} else {
		cfg = config.Default()
	}

	if o.Driver != "" {
		cfg.Storage.Driver = o.Driver
	}
	if o.Database != "" {
		cfg.Storage.DSN = o.Database
	}
	if o.Driver != "" || o.Database != "" {
		if err := cfg.Validate(); err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
		}
	}
	return cfg, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// setupLogging installs the process-wide slog handler. --verbose forces
// debug level.
func setupLogging(cfg config.LoggingConfig, verbose bool, w io.Writer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}

// openStore opens the configured database. Authority nodes assign
// positions.
func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Connect(cfg.Storage.Driver, cfg.Storage.DSN,
		store.WithActorID(cfg.Node.ActorID),
		store.WithPositionAssignment(cfg.Node.Authority),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	slog.Debug("database ready",
		"driver", st.Driver(),
		"authority", st.AssignsPositions(),
		"token", st.Token(),
	)
	return st, nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM, or when
// the command's own context ends.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// remoteSession is a client connected to the authority.
type remoteSession struct {
	client *feedsync.Client
	conn   *transport.Conn
	cancel context.CancelFunc
	done   chan error
}

// dialAuthority connects st to the authority at cfg.Sync.AuthorityURL. The
// session's Done channel yields when the connection drops.
func dialAuthority(ctx context.Context, cfg *config.Config, st feedsync.LocalStore) (*remoteSession, error) {
	if cfg.Sync.AuthorityURL == "" {
		return nil, NewExitError(ExitCommandError, "sync.authority_url is not configured")
	}
	conn, err := transport.Dial(ctx, cfg.Sync.AuthorityURL, nil)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to connect to authority", err)
	}

	client := feedsync.NewClient(st, conn.Send, feedsync.ClientConfig{
		PeerID:          cfg.Node.PeerID,
		AuthorityPeerID: cfg.Sync.AuthorityPeerID,
		RequestTimeout:  cfg.Sync.RequestTimeout,
	})

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- conn.ReadLoop(loopCtx, func(_ context.Context, env protocol.Envelope) error {
			return client.HandleMessage(env)
		})
	}()

	slog.Debug("connected to authority", "url", cfg.Sync.AuthorityURL)
	return &remoteSession{client: client, conn: conn, cancel: cancel, done: done}, nil
}

// Done yields the read loop's result once the connection ends.
func (r *remoteSession) Done() <-chan error {
	return r.done
}

func (r *remoteSession) Close() {
	r.cancel()
	r.conn.Close()
}

// parsePartition parses "space/namespace".
func parsePartition(s string) (feedsync.Partition, error) {
	space, ns, ok := strings.Cut(s, "/")
	if !ok || space == "" || ns == "" {
		return feedsync.Partition{}, fmt.Errorf("partition %q: want <space>/<namespace>", s)
	}
	return feedsync.Partition{SpaceID: space, FeedNamespace: ns}, nil
}

// configPartitions converts the configured sync partitions.
func configPartitions(cfg *config.Config) []feedsync.Partition {
	parts := make([]feedsync.Partition, len(cfg.Sync.Partitions))
	for i, p := range cfg.Sync.Partitions {
		parts[i] = feedsync.Partition{SpaceID: p.SpaceID, FeedNamespace: p.FeedNamespace}
	}
	return parts
}
