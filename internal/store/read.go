package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/feedsync/internal/protocol"
)

// SyncState is the bookkeeping a sync loop needs for one partition.
type SyncState struct {
	MaxPosition     *int64 `json:"maxPosition"`
	Blocks          int64  `json:"blocks"`
	Unpositioned    int64  `json:"unpositioned"`
	LastInsertionID int64  `json:"lastInsertionId"`
}

// NeedsPush reports whether local blocks are still waiting for a position.
func (st SyncState) NeedsPush() bool {
	return st.Unpositioned > 0
}

// Query reads blocks.
//
// Selection is either req.Query.FeedIDs or req.Query.SubscriptionID, scoped
// to SpaceID and FeedNamespace when given. Pagination is either a Position
// threshold (blocks with position > threshold, ordered by position) or a
// Cursor (blocks inserted after it, ordered by insertion id). With neither,
// every matching block is returned in insertion order.
//
// NextCursor addresses the last returned block; with no blocks it is the
// request cursor unchanged, or the start of the log.
//
// Returns ErrCursorTokenMismatch, ErrInvalidCursor, ErrUnknownSubscription or
// ErrInvalidRequest for protocol faults.
func (s *Store) Query(ctx context.Context, req protocol.QueryRequest) (protocol.QueryResponse, error) {
	empty := protocol.QueryResponse{RequestID: req.RequestID, Blocks: []protocol.Block{}}

	namespace := req.FeedNamespace
	if ns := req.Query.FeedNamespace; ns != "" {
		if namespace != "" && namespace != ns {
			return empty, fmt.Errorf("query: %w: feedNamespace %q conflicts with query namespace %q",
				ErrInvalidRequest, namespace, ns)
		}
		namespace = ns
	}
	if len(req.Query.FeedIDs) > 0 && req.Query.SubscriptionID != "" {
		return empty, fmt.Errorf("query: %w: feedIds and subscriptionId are exclusive", ErrInvalidRequest)
	}
	if req.Position != nil && req.Cursor != "" {
		return empty, fmt.Errorf("query: %w: position and cursor are exclusive", ErrInvalidRequest)
	}

	var after int64
	if req.Cursor != "" {
		id, err := s.checkCursor(req.Cursor)
		if err != nil {
			return empty, fmt.Errorf("query: %w", err)
		}
		after = id
	}

	var handles []int64
	if req.Query.SubscriptionID != "" {
		var err error
		handles, err = s.subscriptionFeeds(ctx, req.Query.SubscriptionID)
		if err != nil {
			return empty, fmt.Errorf("query: %w", err)
		}
		if len(handles) == 0 {
			empty.NextCursor = s.nextCursor(req.Cursor, nil)
			return empty, nil
		}
	}

	var (
		where []string
		args  []any
	)
	if req.SpaceID != "" {
		where = append(where, "f.space_id = ?")
		args = append(args, req.SpaceID)
	}
	if namespace != "" {
		where = append(where, "f.feed_namespace = ?")
		args = append(args, namespace)
	}
	if len(req.Query.FeedIDs) > 0 {
		where = append(where, "f.feed_id IN ("+placeholders(len(req.Query.FeedIDs))+")")
		for _, id := range req.Query.FeedIDs {
			args = append(args, id)
		}
	}
	if handles != nil {
		where = append(where, "b.feed_private_id IN ("+placeholders(len(handles))+")")
		for _, h := range handles {
			args = append(args, h)
		}
	}
	if req.UnpositionedOnly {
		where = append(where, "b.position IS NULL")
	}

	order := "b.insertion_id ASC"
	switch {
	case req.Position != nil:
		where = append(where, "b.position > ?")
		args = append(args, *req.Position)
		order = "b.position ASC"
	case req.Cursor != "":
		where = append(where, "b.insertion_id > ?")
		args = append(args, after)
	}

	query := "SELECT " + blockColumns + `
		FROM blocks b
		JOIN feeds f ON f.feed_private_id = b.feed_private_id`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY " + order
	if req.Limit > 0 {
		query += "\n\t\tLIMIT ?"
		args = append(args, req.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return empty, fmt.Errorf("query: %w", err)
	}
	blocks, err := scanBlocks(rows)
	if err != nil {
		return empty, fmt.Errorf("query: %w", err)
	}

	return protocol.QueryResponse{
		RequestID:  req.RequestID,
		Blocks:     blocks,
		NextCursor: s.nextCursor(req.Cursor, blocks),
	}, nil
}

func (s *Store) nextCursor(prior string, blocks []protocol.Block) string {
	if len(blocks) > 0 {
		return EncodeCursor(s.Token(), blocks[len(blocks)-1].InsertionID)
	}
	if prior != "" {
		return prior
	}
	return EncodeCursor(s.Token(), 0)
}

// GetMaxPosition returns the highest position stored for a partition, or nil
// when no block of the partition is positioned yet.
func (s *Store) GetMaxPosition(ctx context.Context, spaceID, feedNamespace string) (*int64, error) {
	var maxPosition sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT MAX(b.position)
		FROM blocks b
		JOIN feeds f ON f.feed_private_id = b.feed_private_id
		WHERE f.space_id = ? AND f.feed_namespace = ?
	`), spaceID, feedNamespace).Scan(&maxPosition)
	if err != nil {
		return nil, fmt.Errorf("get max position: %w", err)
	}
	return nullInt64(maxPosition), nil
}

// GetSyncState reports position and backlog counters for a partition.
func (s *Store) GetSyncState(ctx context.Context, spaceID, feedNamespace string) (SyncState, error) {
	var (
		st          SyncState
		maxPosition sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT
			MAX(b.position),
			COUNT(b.insertion_id),
			COALESCE(SUM(CASE WHEN b.position IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(MAX(b.insertion_id), 0)
		FROM blocks b
		JOIN feeds f ON f.feed_private_id = b.feed_private_id
		WHERE f.space_id = ? AND f.feed_namespace = ?
	`), spaceID, feedNamespace).Scan(&maxPosition, &st.Blocks, &st.Unpositioned, &st.LastInsertionID)
	if err != nil {
		return SyncState{}, fmt.Errorf("get sync state: %w", err)
	}
	st.MaxPosition = nullInt64(maxPosition)
	return st, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
