// Package retention trims feeds down to a configured number of blocks,
// archiving what it removes.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/feedsync/internal/archive"
	"github.com/roach88/feedsync/internal/protocol"
	"github.com/roach88/feedsync/internal/store"
)

// Store is the part of *store.Store the janitor needs.
type Store interface {
	ListFeeds(ctx context.Context, spaceID, feedNamespace string) ([]store.FeedInfo, error)
	CountBlocks(ctx context.Context, ref store.FeedRef) (int64, error)
	ReadOldestBlocks(ctx context.Context, ref store.FeedRef, count int) ([]protocol.Block, error)
	DeleteBlocksThrough(ctx context.Context, ref store.FeedRef, through, keep int64) (int64, error)
}

// Policy keeps at most MaxBlocks blocks in each feed of one partition.
type Policy struct {
	SpaceID       string
	FeedNamespace string
	MaxBlocks     int64
}

// Report totals one sweep.
type Report struct {
	Feeds   int
	Trimmed int
	Deleted int64
}

// Janitor applies retention policies.
type Janitor struct {
	store    Store
	sink     archive.Sink
	policies []Policy
}

// NewJanitor validates policies. A nil sink discards trimmed blocks.
func NewJanitor(st Store, sink archive.Sink, policies []Policy) (*Janitor, error) {
	for _, p := range policies {
		if p.SpaceID == "" || p.FeedNamespace == "" {
			return nil, fmt.Errorf("retention policy %s/%s: space and namespace are required", p.SpaceID, p.FeedNamespace)
		}
		if p.MaxBlocks < 1 {
			return nil, fmt.Errorf("retention policy %s/%s: max blocks must be at least 1, got %d",
				p.SpaceID, p.FeedNamespace, p.MaxBlocks)
		}
	}
	if sink == nil {
		sink = archive.Nop{}
	}
	return &Janitor{store: st, sink: sink, policies: policies}, nil
}

// Sweep applies every policy once. A feed that fails is logged and skipped;
// the joined errors are returned with the partial report.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	var (
		report Report
		errs   []error
	)
	for _, p := range j.policies {
		feeds, err := j.store.ListFeeds(ctx, p.SpaceID, p.FeedNamespace)
		if err != nil {
			errs = append(errs, fmt.Errorf("list feeds %s/%s: %w", p.SpaceID, p.FeedNamespace, err))
			continue
		}
		for _, f := range feeds {
			report.Feeds++
			if f.Blocks <= p.MaxBlocks {
				continue
			}
			ref := store.FeedRef{SpaceID: p.SpaceID, FeedNamespace: p.FeedNamespace, FeedID: f.FeedID}
			n, err := j.TrimFeed(ctx, ref, p.MaxBlocks)
			if err != nil {
				slog.Warn("retention trim failed", "feed", ref.String(), "error", err)
				errs = append(errs, err)
				continue
			}
			if n > 0 {
				report.Trimmed++
				report.Deleted += n
			}
		}
	}
	return report, errors.Join(errs...)
}

// TrimFeed archives and deletes the oldest blocks of ref until at most keep
// remain. Blocks are deleted only after the sink accepted them, and the
// delete re-counts the feed, so a concurrent trim of the same feed can at
// worst archive a batch twice but never leaves fewer than keep blocks.
func (j *Janitor) TrimFeed(ctx context.Context, ref store.FeedRef, keep int64) (int64, error) {
	total, err := j.store.CountBlocks(ctx, ref)
	if err != nil {
		return 0, err
	}
	excess := total - keep
	if excess <= 0 {
		return 0, nil
	}

	blocks, err := j.store.ReadOldestBlocks(ctx, ref, int(excess))
	if err != nil {
		return 0, err
	}
	if err := j.sink.Archive(ctx, ref, blocks); err != nil {
		return 0, fmt.Errorf("trim %s: %w", ref, err)
	}

	if len(blocks) == 0 {
		return 0, nil
	}
	through := blocks[len(blocks)-1].InsertionID
	deleted, err := j.store.DeleteBlocksThrough(ctx, ref, through, keep)
	if err != nil {
		return 0, err
	}

	slog.Info("trimmed feed",
		"feed", ref.String(),
		"deleted", deleted,
		"kept", total-deleted,
	)
	return deleted, nil
}

// Run sweeps once per interval until ctx is done. Returns nil when ctx is
// cancelled.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("retention: interval must be positive, got %s", interval)
	}
	if len(j.policies) == 0 {
		slog.Debug("retention has no policies")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := j.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Warn("retention sweep incomplete", "error", err)
		}
		if report.Trimmed > 0 {
			slog.Info("retention sweep", "feeds", report.Feeds, "trimmed", report.Trimmed, "deleted", report.Deleted)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
