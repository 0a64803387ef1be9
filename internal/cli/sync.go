package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	AuthorityURL string
	Partitions   []string
	BatchSize    int
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push and pull once against the authority",
		Long: `Push every unpositioned local block to the authority, then pull every
positioned block above the local pull watermark, for each partition.

Partitions default to sync.partitions from the config.

Example:
  feedsync sync --config replica.yaml
  feedsync sync --db ./replica.db --authority ws://localhost:8080/sync --partition team/docs`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.AuthorityURL, "authority", "", "authority websocket URL (overrides sync.authority_url)")
	cmd.Flags().StringArrayVarP(&opts.Partitions, "partition", "p", nil, "partition to sync as <space>/<namespace> (repeatable)")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "blocks per request (overrides sync.batch_size)")

	return cmd
}

// syncReport is the result of one sync command.
type syncReport struct {
	Partitions []partitionReport `json:"partitions"`
}

type partitionReport struct {
	Partition string `json:"partition"`
	Pushed    int    `json:"pushed"`
	Pulled    int    `json:"pulled"`
}

func (r syncReport) WriteText(w io.Writer) {
	for _, p := range r.Partitions {
		fmt.Fprintf(w, "%s: pushed %d, pulled %d\n", p.Partition, p.Pushed, p.Pulled)
	}
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging, opts.Verbose, cmd.ErrOrStderr())

	if opts.AuthorityURL != "" {
		cfg.Sync.AuthorityURL = opts.AuthorityURL
	}
	if opts.BatchSize > 0 {
		cfg.Sync.BatchSize = opts.BatchSize
	}
	partitions := configPartitions(cfg)
	if len(opts.Partitions) > 0 {
		partitions = partitions[:0]
		for _, s := range opts.Partitions {
			p, err := parsePartition(s)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --partition", err)
			}
			partitions = append(partitions, p)
		}
	}
	if len(partitions) == 0 {
		return NewExitError(ExitCommandError, "no partitions to sync: pass --partition or configure sync.partitions")
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx, cancel := signalContext(cmd)
	defer cancel()

	sess, err := dialAuthority(ctx, cfg, st)
	if err != nil {
		return err
	}
	defer sess.Close()

	out := opts.formatter(cmd)
	report := syncReport{Partitions: make([]partitionReport, 0, len(partitions))}
	for _, p := range partitions {
		res, err := sess.client.Sync(ctx, p, cfg.Sync.BatchSize)
		if err != nil {
			return out.Fail("sync failed", err, CodeRemote, map[string]string{"partition": p.String()})
		}
		out.Progress("synced %s", p)
		report.Partitions = append(report.Partitions, partitionReport{
			Partition: p.String(),
			Pushed:    res.Pushed,
			Pulled:    res.Pulled,
		})
	}
	return out.Success(report)
}
