package feedsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// maxRounds bounds one Sync call so a peer that never reports Done cannot
// pin the loop.
const maxRounds = 10000

// SyncResult totals one Sync call.
type SyncResult struct {
	Pushed int
	Pulled int
}

// Sync pushes until Done, then pulls until Done, for one partition.
func (c *Client) Sync(ctx context.Context, p Partition, batchSize int) (SyncResult, error) {
	var res SyncResult

	for round := 0; ; round++ {
		if round == maxRounds {
			return res, fmt.Errorf("sync %s: push did not finish after %d rounds", p, maxRounds)
		}
		step, err := c.Push(ctx, p, batchSize)
		if err != nil {
			return res, err
		}
		res.Pushed += step.Blocks
		if step.Done {
			break
		}
	}

	for round := 0; ; round++ {
		if round == maxRounds {
			return res, fmt.Errorf("sync %s: pull did not finish after %d rounds", p, maxRounds)
		}
		step, err := c.Pull(ctx, p, batchSize)
		if err != nil {
			return res, err
		}
		res.Pulled += step.Blocks
		if step.Done {
			break
		}
	}

	return res, nil
}

// RunOptions configures Run.
type RunOptions struct {
	Partitions []Partition
	Interval   time.Duration
	BatchSize  int
}

// Run syncs every partition immediately and then once per interval until ctx
// is done. A failed partition is logged and retried on the next tick; the
// pending request it abandoned has already been discarded.
//
// Returns nil when ctx is cancelled.
func (c *Client) Run(ctx context.Context, opts RunOptions) error {
	if opts.Interval <= 0 {
		return fmt.Errorf("run: interval must be positive, got %s", opts.Interval)
	}

	slog.Info("sync loop starting",
		"partitions", len(opts.Partitions),
		"interval", opts.Interval,
	)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		for _, p := range opts.Partitions {
			res, err := c.Sync(ctx, p, opts.BatchSize)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				slog.Warn("sync failed, retrying next interval",
					"partition", p.String(),
					"error", err,
					"remote", IsRemoteError(err),
				)
				continue
			}
			if res.Pushed > 0 || res.Pulled > 0 {
				slog.Info("partition synced",
					"partition", p.String(),
					"pushed", res.Pushed,
					"pulled", res.Pulled,
				)
			}
		}

		select {
		case <-ctx.Done():
			slog.Info("sync loop stopping: context cancelled")
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
