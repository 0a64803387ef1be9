package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/feedsync/internal/protocol"
)

// marshalFeedHandles converts a subscription's feed handles to JSON TEXT.
func marshalFeedHandles(handles []int64) (string, error) {
	if handles == nil {
		handles = []int64{}
	}
	data, err := json.Marshal(handles)
	if err != nil {
		return "", fmt.Errorf("marshal feed handles: %w", err)
	}
	return string(data), nil
}

// unmarshalFeedHandles parses the stored JSON array of feed handles.
func unmarshalFeedHandles(data []byte) ([]int64, error) {
	var handles []int64
	if err := json.Unmarshal(data, &handles); err != nil {
		return nil, fmt.Errorf("unmarshal feed handles: %w", err)
	}
	if handles == nil {
		handles = []int64{}
	}
	return handles, nil
}

// blockColumns is the select list scanned by scanBlock. Queries alias blocks
// as b and feeds as f.
const blockColumns = `
	b.insertion_id, f.feed_id, f.feed_namespace, b.actor_id, b.sequence,
	b.prev_actor_id, b.prev_sequence, b.position, b.timestamp, b.data`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (protocol.Block, error) {
	var (
		b            protocol.Block
		prevActorID  sql.NullString
		prevSequence sql.NullInt64
		position     sql.NullInt64
	)
	err := row.Scan(
		&b.InsertionID, &b.FeedID, &b.FeedNamespace, &b.ActorID, &b.Sequence,
		&prevActorID, &prevSequence, &position, &b.Timestamp, &b.Data,
	)
	if err != nil {
		return protocol.Block{}, fmt.Errorf("scan block: %w", err)
	}
	b.PrevActorID = nullString(prevActorID)
	b.PrevSequence = nullInt64(prevSequence)
	b.Position = nullInt64(position)
	if b.Data == nil {
		b.Data = []byte{}
	}
	return b, nil
}

func scanBlocks(rows *sql.Rows) ([]protocol.Block, error) {
	defer rows.Close()
	blocks := []protocol.Block{}
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return blocks, nil
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return protocol.Int64(v.Int64)
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return protocol.String(v.String)
}

// toNullInt64 converts an optional value for binding as a query argument.
func toNullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func toNullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
