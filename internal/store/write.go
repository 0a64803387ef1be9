package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/feedsync/internal/protocol"
)

// LocalMessage is one mutation recorded by this peer through AppendLocal.
type LocalMessage struct {
	SpaceID       string `json:"spaceId"`
	FeedNamespace string `json:"feedNamespace"`
	FeedID        string `json:"feedId"`
	Data          []byte `json:"data"`
}

// PositionUpdate pairs a local block with the position an authority assigned
// to it.
type PositionUpdate struct {
	FeedNamespace string `json:"feedNamespace"`
	FeedID        string `json:"feedId"`
	ActorID       string `json:"actorId"`
	Sequence      int64  `json:"sequence"`
	Position      int64  `json:"position"`
}

// Append stores blocks into req.SpaceID. Blocks with an empty FeedNamespace
// or FeedID inherit the request's.
//
// Uses ON CONFLICT(feed_private_id, sequence, actor_id) DO NOTHING: a
// redelivered block keeps its original data, timestamp and position, and its
// existing position is reported. An authority store ignores incoming
// positions and assigns max + 1 across the partition.
//
// All blocks are written in one transaction.
func (s *Store) Append(ctx context.Context, req protocol.AppendRequest) (protocol.AppendResponse, error) {
	if req.SpaceID == "" {
		return protocol.AppendResponse{}, fmt.Errorf("append: %w: spaceId is required", ErrInvalidRequest)
	}

	blocks := make([]protocol.Block, len(req.Blocks))
	for i, b := range req.Blocks {
		if b.FeedNamespace == "" {
			b.FeedNamespace = req.FeedNamespace
		}
		if b.FeedID == "" {
			b.FeedID = req.FeedID
		}
		if err := validateBlock(b); err != nil {
			return protocol.AppendResponse{}, fmt.Errorf("append: block %d: %w", i, err)
		}
		blocks[i] = b
	}

	positions := make([]*int64, len(blocks))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.dialect.lockWrites(ctx, tx); err != nil {
			return err
		}
		for i, b := range blocks {
			handle, err := s.resolveFeed(ctx, tx, FeedRef{req.SpaceID, b.FeedNamespace, b.FeedID})
			if err != nil {
				return err
			}
			stored, err := s.appendBlock(ctx, tx, req.SpaceID, handle, b)
			if err != nil {
				return err
			}
			positions[i] = stored.Position
		}
		return nil
	})
	if err != nil {
		return protocol.AppendResponse{}, fmt.Errorf("append: %w", err)
	}

	return protocol.AppendResponse{RequestID: req.RequestID, Positions: positions}, nil
}

// AppendLocal records this peer's own mutations. Each message becomes the
// next block of its feed: sequence is one past the highest sequence the feed
// has ever stored and prevActorId/prevSequence point at that block. The head
// is kept on the feed row, so trimming never makes a sequence reusable. Blocks are stamped with the
// store's actor id and the current time, and are returned as stored.
func (s *Store) AppendLocal(ctx context.Context, msgs []LocalMessage) ([]protocol.Block, error) {
	if s.actorID == "" {
		return nil, fmt.Errorf("append local: %w: store has no actor id", ErrInvalidRequest)
	}
	for i, m := range msgs {
		if m.SpaceID == "" || m.FeedID == "" {
			return nil, fmt.Errorf("append local: message %d: %w: spaceId and feedId are required", i, ErrInvalidRequest)
		}
	}

	out := make([]protocol.Block, 0, len(msgs))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.dialect.lockWrites(ctx, tx); err != nil {
			return err
		}
		for _, m := range msgs {
			handle, err := s.resolveFeed(ctx, tx, FeedRef{m.SpaceID, m.FeedNamespace, m.FeedID})
			if err != nil {
				return err
			}

			b := protocol.Block{
				FeedID:        m.FeedID,
				FeedNamespace: m.FeedNamespace,
				ActorID:       s.actorID,
				Timestamp:     s.now().UnixMilli(),
				Data:          m.Data,
			}

			var (
				lastSequence sql.NullInt64
				lastActorID  sql.NullString
			)
			err = tx.QueryRowContext(ctx, s.dialect.rebind(`
				SELECT last_sequence, last_actor_id FROM feeds
				WHERE feed_private_id = ?
			`), handle).Scan(&lastSequence, &lastActorID)
			if err != nil {
				return fmt.Errorf("head of %s: %w", m.FeedID, err)
			}
			if lastSequence.Valid {
				b.Sequence = lastSequence.Int64 + 1
				b.PrevSequence = protocol.Int64(lastSequence.Int64)
				b.PrevActorID = nullString(lastActorID)
			}

			stored, err := s.appendBlock(ctx, tx, m.SpaceID, handle, b)
			if err != nil {
				return err
			}
			out = append(out, stored)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append local: %w", err)
	}
	return out, nil
}

// appendBlock inserts one block and returns it with the stored insertion id
// and position. Must run inside a transaction that holds the write lock.
func (s *Store) appendBlock(ctx context.Context, tx *sql.Tx, spaceID string, handle int64, b protocol.Block) (protocol.Block, error) {
	position := b.Position
	if s.assignPositions {
		next, err := s.nextPosition(ctx, tx, spaceID, b.FeedNamespace)
		if err != nil {
			return protocol.Block{}, err
		}
		position = protocol.Int64(next)
	}

	data := b.Data
	if data == nil {
		data = []byte{}
	}

	res, err := tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO blocks
		(feed_private_id, position, sequence, actor_id, prev_sequence, prev_actor_id, timestamp, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (feed_private_id, sequence, actor_id) DO NOTHING
	`),
		handle,
		toNullInt64(position),
		b.Sequence,
		b.ActorID,
		toNullInt64(b.PrevSequence),
		toNullString(b.PrevActorID),
		b.Timestamp,
		data,
	)
	if err != nil {
		return protocol.Block{}, fmt.Errorf("insert block %s/%d: %w", b.ActorID, b.Sequence, err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return protocol.Block{}, fmt.Errorf("insert block: rows affected: %w", err)
	}
	if inserted > 0 {
		if err := s.advanceFeedHead(ctx, tx, handle, b.Sequence, b.ActorID); err != nil {
			return protocol.Block{}, err
		}
		if s.assignPositions {
			if err := s.raisePositionFloor(ctx, tx, spaceID, b.FeedNamespace, *position+1); err != nil {
				return protocol.Block{}, err
			}
		}
	}

	return s.storedBlock(ctx, tx, handle, b.Sequence, b.ActorID)
}

// storedBlock reads a block back by its identifying triple. For a duplicate
// append this is the original row, not the redelivered copy.
func (s *Store) storedBlock(ctx context.Context, q querier, handle, sequence int64, actorID string) (protocol.Block, error) {
	row := q.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+blockColumns+`
		FROM blocks b
		JOIN feeds f ON f.feed_private_id = b.feed_private_id
		WHERE b.feed_private_id = ? AND b.sequence = ? AND b.actor_id = ?
	`), handle, sequence, actorID)
	b, err := scanBlock(row)
	if err != nil {
		return protocol.Block{}, fmt.Errorf("select stored block %s/%d: %w", actorID, sequence, err)
	}
	return b, nil
}

// nextPosition returns max(position) + 1 across every feed of the partition,
// or the partition's recorded floor if that is higher.
func (s *Store) nextPosition(ctx context.Context, tx *sql.Tx, spaceID, feedNamespace string) (int64, error) {
	var next int64
	err := tx.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT COALESCE(MAX(b.position), -1) + 1
		FROM blocks b
		JOIN feeds f ON f.feed_private_id = b.feed_private_id
		WHERE f.space_id = ? AND f.feed_namespace = ?
	`), spaceID, feedNamespace).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next position %s/%s: %w", spaceID, feedNamespace, err)
	}

	var floor int64
	err = tx.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT next_position FROM partitions
		WHERE space_id = ? AND feed_namespace = ?
	`), spaceID, feedNamespace).Scan(&floor)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("next position %s/%s: floor: %w", spaceID, feedNamespace, err)
	}

	if floor > next {
		return floor, nil
	}
	return next, nil
}

func (s *Store) raisePositionFloor(ctx context.Context, tx *sql.Tx, spaceID, feedNamespace string, next int64) error {
	_, err := tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO partitions (space_id, feed_namespace, next_position) VALUES (?, ?, ?)
		ON CONFLICT (space_id, feed_namespace)
		DO UPDATE SET next_position = excluded.next_position
		WHERE partitions.next_position < excluded.next_position
	`), spaceID, feedNamespace, next)
	if err != nil {
		return fmt.Errorf("raise position floor %s/%s: %w", spaceID, feedNamespace, err)
	}
	return nil
}

// advanceFeedHead records the highest sequence a feed has stored. Ties go
// to the latest insert.
func (s *Store) advanceFeedHead(ctx context.Context, tx *sql.Tx, handle, sequence int64, actorID string) error {
	_, err := tx.ExecContext(ctx, s.dialect.rebind(`
		UPDATE feeds SET last_sequence = ?, last_actor_id = ?
		WHERE feed_private_id = ?
		  AND (last_sequence IS NULL OR last_sequence <= ?)
	`), sequence, actorID, handle, sequence)
	if err != nil {
		return fmt.Errorf("advance feed head %d: %w", handle, err)
	}
	return nil
}

// SetPosition backfills positions assigned by an authority onto local blocks
// of spaceID. Blocks that already have a position are left alone. Returns the
// number of blocks updated.
func (s *Store) SetPosition(ctx context.Context, spaceID string, updates []PositionUpdate) (int64, error) {
	var updated int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, u := range updates {
			res, err := tx.ExecContext(ctx, s.dialect.rebind(`
				UPDATE blocks SET position = ?
				WHERE position IS NULL
				  AND sequence = ?
				  AND actor_id = ?
				  AND feed_private_id = (
					SELECT feed_private_id FROM feeds
					WHERE space_id = ? AND feed_namespace = ? AND feed_id = ?
				  )
			`), u.Position, u.Sequence, u.ActorID, spaceID, u.FeedNamespace, u.FeedID)
			if err != nil {
				return fmt.Errorf("update %s/%s/%d: %w", u.FeedID, u.ActorID, u.Sequence, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("update: rows affected: %w", err)
			}
			updated += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("set position: %w", err)
	}
	return updated, nil
}

func validateBlock(b protocol.Block) error {
	switch {
	case b.FeedID == "":
		return fmt.Errorf("%w: feedId is required", ErrInvalidRequest)
	case b.ActorID == "":
		return fmt.Errorf("%w: actorId is required", ErrInvalidRequest)
	case b.Sequence < 0:
		return fmt.Errorf("%w: sequence %d is negative", ErrInvalidRequest, b.Sequence)
	}
	return nil
}
