package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetPullWatermark returns the highest authority position a replica has
// pulled for a partition, or nil before the first pull.
//
// Unlike GetMaxPosition it ignores positions backfilled by SetPosition, so a
// block another replica pushed in between is never skipped.
func (s *Store) GetPullWatermark(ctx context.Context, spaceID, feedNamespace string) (*int64, error) {
	var pulled sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT pulled_position FROM partitions
		WHERE space_id = ? AND feed_namespace = ?
	`), spaceID, feedNamespace).Scan(&pulled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pull watermark %s/%s: %w", spaceID, feedNamespace, err)
	}
	return nullInt64(pulled), nil
}

// SetPullWatermark raises the pull watermark of a partition. A lower value
// than the stored one is ignored.
func (s *Store) SetPullWatermark(ctx context.Context, spaceID, feedNamespace string, position int64) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO partitions (space_id, feed_namespace, pulled_position) VALUES (?, ?, ?)
		ON CONFLICT (space_id, feed_namespace)
		DO UPDATE SET pulled_position = excluded.pulled_position
		WHERE partitions.pulled_position IS NULL
		   OR partitions.pulled_position < excluded.pulled_position
	`), spaceID, feedNamespace, position)
	if err != nil {
		return fmt.Errorf("set pull watermark %s/%s: %w", spaceID, feedNamespace, err)
	}
	return nil
}
