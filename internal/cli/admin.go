package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/feedsync/internal/archive"
	"github.com/roach88/feedsync/internal/config"
	"github.com/roach88/feedsync/internal/retention"
	"github.com/roach88/feedsync/internal/store"
)

// withStore loads config, sets up logging, opens the store and runs fn
// under a signal-aware context.
func withStore(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, st *store.Store) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging, opts.Verbose, cmd.ErrOrStderr())

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx, cancel := signalContext(cmd)
	defer cancel()

	return fn(ctx, cfg, st)
}

// NewCountCommand creates the count command.
func NewCountCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "count <space> <namespace> <feed>",
		Short:         "Count the blocks a feed holds",
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := store.FeedRef{SpaceID: args[0], FeedNamespace: args[1], FeedID: args[2]}
			return withStore(rootOpts, cmd, func(ctx context.Context, _ *config.Config, st *store.Store) error {
				n, err := st.CountBlocks(ctx, ref)
				if err != nil {
					return rootOpts.formatter(cmd).Fail("count failed", err, CodeStore, nil)
				}
				return rootOpts.formatter(cmd).Success(countResult{Feed: ref.String(), Count: n})
			})
		},
	}
}

type countResult struct {
	Feed  string `json:"feed"`
	Count int64  `json:"count"`
}

func (r countResult) String() string {
	return fmt.Sprintf("%s: %d blocks", r.Feed, r.Count)
}

// TrimOptions holds flags for the trim command.
type TrimOptions struct {
	*RootOptions
	Keep int64
}

// NewTrimCommand creates the trim command.
func NewTrimCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TrimOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trim <space> <namespace> <feed>",
		Short: "Delete the oldest blocks of a feed",
		Long: `Keep the newest --keep blocks of a feed and delete the rest, writing
them to the configured archive first. Positions and insertion ids of the
remaining blocks are unchanged.

Example:
  feedsync trim team docs notes --keep 1000`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrim(opts, args, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Keep, "keep", 0, "blocks to keep (required, at least 1)")
	_ = cmd.MarkFlagRequired("keep")

	return cmd
}

type trimResult struct {
	Feed    string `json:"feed"`
	Deleted int64  `json:"deleted"`
}

func (r trimResult) String() string {
	return fmt.Sprintf("%s: deleted %d blocks", r.Feed, r.Deleted)
}

func runTrim(opts *TrimOptions, args []string, cmd *cobra.Command) error {
	if opts.Keep < 1 {
		return NewExitError(ExitCommandError, "--keep must be at least 1")
	}
	ref := store.FeedRef{SpaceID: args[0], FeedNamespace: args[1], FeedID: args[2]}

	return withStore(opts.RootOptions, cmd, func(ctx context.Context, cfg *config.Config, st *store.Store) error {
		sink, err := archive.New(ctx, cfg.Archive)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to set up archive", err)
		}
		janitor, err := retention.NewJanitor(st, sink, nil)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to set up retention", err)
		}
		deleted, err := janitor.TrimFeed(ctx, ref, opts.Keep)
		if err != nil {
			return opts.formatter(cmd).Fail("trim failed", err, CodeStore, nil)
		}
		return opts.formatter(cmd).Success(trimResult{Feed: ref.String(), Deleted: deleted})
	})
}

// stateResult is a partition's sync bookkeeping.
type stateResult struct {
	Partition      string `json:"partition"`
	PulledPosition *int64 `json:"pulledPosition"`
	store.SyncState
}

func (r stateResult) WriteText(w io.Writer) {
	fmt.Fprintf(w, "partition:         %s\n", r.Partition)
	fmt.Fprintf(w, "blocks:            %d\n", r.Blocks)
	fmt.Fprintf(w, "unpositioned:      %d\n", r.Unpositioned)
	fmt.Fprintf(w, "max position:      %s\n", formatOptional(r.MaxPosition))
	fmt.Fprintf(w, "pulled position:   %s\n", formatOptional(r.PulledPosition))
	fmt.Fprintf(w, "last insertion id: %d\n", r.LastInsertionID)
}

func formatOptional(v *int64) string {
	if v == nil {
		return "none"
	}
	return fmt.Sprint(*v)
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "state <space> <namespace>",
		Short:         "Show sync state of a partition",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			space, ns := args[0], args[1]
			return withStore(rootOpts, cmd, func(ctx context.Context, _ *config.Config, st *store.Store) error {
				out := rootOpts.formatter(cmd)
				state, err := st.GetSyncState(ctx, space, ns)
				if err != nil {
					return out.Fail("state failed", err, CodeStore, nil)
				}
				pulled, err := st.GetPullWatermark(ctx, space, ns)
				if err != nil {
					return out.Fail("state failed", err, CodeStore, nil)
				}
				return out.Success(stateResult{
					Partition:      space + "/" + ns,
					PulledPosition: pulled,
					SyncState:      state,
				})
			})
		},
	}
}

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	ResetEpoch bool
}

type migrateResult struct {
	Driver string `json:"driver"`
	Token  string `json:"token"`
	Reset  bool   `json:"reset"`
}

func (r migrateResult) String() string {
	if r.Reset {
		return fmt.Sprintf("%s schema current; new epoch token %s (old cursors are now invalid)", r.Driver, r.Token)
	}
	return fmt.Sprintf("%s schema current; epoch token %s", r.Driver, r.Token)
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Bring the database schema up to date",
		Long: `Create or upgrade the database schema. Opening a store always migrates;
this command does only that and reports the epoch token.

--reset-epoch mints a new epoch token so every cursor issued so far is
rejected. Use it after restoring the database from a backup.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(rootOpts, cmd, func(ctx context.Context, _ *config.Config, st *store.Store) error {
				if err := st.Migrate(ctx); err != nil {
					return WrapExitError(ExitFailure, "migration failed", err)
				}
				res := migrateResult{Driver: st.Driver(), Token: st.Token()}
				if opts.ResetEpoch {
					token, err := st.ResetEpoch(ctx)
					if err != nil {
						return WrapExitError(ExitFailure, "epoch reset failed", err)
					}
					res.Token, res.Reset = token, true
				}
				return opts.formatter(cmd).Success(res)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.ResetEpoch, "reset-epoch", false, "mint a new epoch token, invalidating all cursors")

	return cmd
}
