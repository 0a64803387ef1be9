package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/feedsync/internal/protocol"
)

// CountBlocks returns how many blocks one feed currently holds.
func (s *Store) CountBlocks(ctx context.Context, ref FeedRef) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT COUNT(*)
		FROM blocks b
		JOIN feeds f ON f.feed_private_id = b.feed_private_id
		WHERE f.space_id = ? AND f.feed_namespace = ? AND f.feed_id = ?
	`), ref.SpaceID, ref.FeedNamespace, ref.FeedID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count blocks %s: %w", ref, err)
	}
	return n, nil
}

// ReadOldestBlocks returns the count oldest blocks of one feed, oldest first.
// These are exactly the rows DeleteOldestBlocks(ref, count) would remove.
func (s *Store) ReadOldestBlocks(ctx context.Context, ref FeedRef, count int) ([]protocol.Block, error) {
	if count <= 0 {
		return []protocol.Block{}, nil
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT `+blockColumns+`
		FROM blocks b
		JOIN feeds f ON f.feed_private_id = b.feed_private_id
		WHERE f.space_id = ? AND f.feed_namespace = ? AND f.feed_id = ?
		ORDER BY b.insertion_id ASC
		LIMIT ?
	`), ref.SpaceID, ref.FeedNamespace, ref.FeedID, count)
	if err != nil {
		return nil, fmt.Errorf("read oldest blocks %s: %w", ref, err)
	}
	blocks, err := scanBlocks(rows)
	if err != nil {
		return nil, fmt.Errorf("read oldest blocks %s: %w", ref, err)
	}
	return blocks, nil
}

// DeleteOldestBlocks removes up to count of the oldest blocks of one feed and
// returns how many were removed. A non-positive count removes nothing; a
// count above the feed's size removes every block. The feed row itself is
// kept, and insertion ids are never reused.
func (s *Store) DeleteOldestBlocks(ctx context.Context, ref FeedRef, count int) (int64, error) {
	if count <= 0 {
		return 0, nil
	}

	handle, found, err := s.lookupFeed(ctx, s.db, ref)
	if err != nil {
		return 0, fmt.Errorf("delete oldest blocks: %w", err)
	}
	if !found {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		DELETE FROM blocks
		WHERE insertion_id IN (
			SELECT insertion_id FROM blocks
			WHERE feed_private_id = ?
			ORDER BY insertion_id ASC
			LIMIT ?
		)
	`), handle, count)
	if err != nil {
		return 0, fmt.Errorf("delete oldest blocks %s: %w", ref, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete oldest blocks %s: rows affected: %w", ref, err)
	}
	return n, nil
}

// DeleteBlocksThrough removes the oldest blocks of one feed whose insertion id
// is at most through, stopping early so that at least keep blocks remain.
// The count is taken under the write lock, so concurrent trims of the same
// feed never take it below keep. Returns how many blocks were removed.
func (s *Store) DeleteBlocksThrough(ctx context.Context, ref FeedRef, through, keep int64) (int64, error) {
	var deleted int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.dialect.lockWrites(ctx, tx); err != nil {
			return err
		}
		handle, found, err := s.lookupFeed(ctx, tx, ref)
		if err != nil || !found {
			return err
		}

		var total int64
		err = tx.QueryRowContext(ctx, s.dialect.rebind(`
			SELECT COUNT(*) FROM blocks WHERE feed_private_id = ?
		`), handle).Scan(&total)
		if err != nil {
			return fmt.Errorf("count: %w", err)
		}
		excess := total - max(keep, 0)
		if excess <= 0 {
			return nil
		}

		res, err := tx.ExecContext(ctx, s.dialect.rebind(`
			DELETE FROM blocks
			WHERE insertion_id IN (
				SELECT insertion_id FROM blocks
				WHERE feed_private_id = ? AND insertion_id <= ?
				ORDER BY insertion_id ASC
				LIMIT ?
			)
		`), handle, through, excess)
		if err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete: rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete blocks through %d %s: %w", through, ref, err)
	}
	return deleted, nil
}
