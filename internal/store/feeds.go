package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// FeedRef names one feed.
type FeedRef struct {
	SpaceID       string `json:"spaceId"`
	FeedNamespace string `json:"feedNamespace"`
	FeedID        string `json:"feedId"`
}

func (r FeedRef) String() string {
	return r.SpaceID + "/" + r.FeedNamespace + "/" + r.FeedID
}

// FeedInfo summarizes one feed of a partition.
type FeedInfo struct {
	FeedID string `json:"feedId"`
	Blocks int64  `json:"blocks"`
}

// resolveFeed returns the private handle for a feed, creating the feed row on
// first use.
func (s *Store) resolveFeed(ctx context.Context, q querier, ref FeedRef) (int64, error) {
	_, err := q.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO feeds (space_id, feed_namespace, feed_id) VALUES (?, ?, ?)
		ON CONFLICT (space_id, feed_namespace, feed_id) DO NOTHING
	`), ref.SpaceID, ref.FeedNamespace, ref.FeedID)
	if err != nil {
		return 0, fmt.Errorf("resolve feed %s: insert: %w", ref, err)
	}

	id, found, err := s.lookupFeed(ctx, q, ref)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("resolve feed %s: row missing after insert", ref)
	}
	return id, nil
}

// lookupFeed returns the private handle for a feed without creating it.
func (s *Store) lookupFeed(ctx context.Context, q querier, ref FeedRef) (int64, bool, error) {
	var id int64
	err := q.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT feed_private_id FROM feeds
		WHERE space_id = ? AND feed_namespace = ? AND feed_id = ?
	`), ref.SpaceID, ref.FeedNamespace, ref.FeedID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup feed %s: %w", ref, err)
	}
	return id, true, nil
}

// ListFeeds returns every feed of a partition with its current block count,
// ordered by feed id. Feeds trimmed to zero blocks are included.
func (s *Store) ListFeeds(ctx context.Context, spaceID, feedNamespace string) ([]FeedInfo, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT f.feed_id, COUNT(b.insertion_id)
		FROM feeds f
		LEFT JOIN blocks b ON b.feed_private_id = f.feed_private_id
		WHERE f.space_id = ? AND f.feed_namespace = ?
		GROUP BY f.feed_id
		ORDER BY f.feed_id
	`), spaceID, feedNamespace)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	defer rows.Close()

	feeds := []FeedInfo{}
	for rows.Next() {
		var info FeedInfo
		if err := rows.Scan(&info.FeedID, &info.Blocks); err != nil {
			return nil, fmt.Errorf("list feeds: scan: %w", err)
		}
		feeds = append(feeds, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	return feeds, nil
}
