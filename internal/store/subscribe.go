package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/feedsync/internal/protocol"
)

// Subscribe groups feeds of req.SpaceID under a new subscription id that
// stays valid for the store's subscription TTL. Feeds are created if they
// do not exist yet.
func (s *Store) Subscribe(ctx context.Context, req protocol.SubscribeRequest) (protocol.SubscribeResponse, error) {
	if req.SpaceID == "" {
		return protocol.SubscribeResponse{}, fmt.Errorf("subscribe: %w: spaceId is required", ErrInvalidRequest)
	}

	id := s.ids.Generate()
	expiresAt := s.now().Add(s.subscriptionTTL).UnixMilli()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		handles := make([]int64, 0, len(req.FeedIDs))
		for _, feedID := range req.FeedIDs {
			h, err := s.resolveFeed(ctx, tx, FeedRef{req.SpaceID, req.FeedNamespace, feedID})
			if err != nil {
				return err
			}
			handles = append(handles, h)
		}

		encoded, err := marshalFeedHandles(handles)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO subscriptions (subscription_id, expires_at, feed_private_ids)
			VALUES (?, ?, ?)
		`), id, expiresAt, encoded)
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		return nil
	})
	if err != nil {
		return protocol.SubscribeResponse{}, fmt.Errorf("subscribe: %w", err)
	}

	return protocol.SubscribeResponse{
		RequestID:      req.RequestID,
		SubscriptionID: id,
		ExpiresAt:      expiresAt,
	}, nil
}

// subscriptionFeeds resolves a live subscription to its feed handles.
// Expiry is checked here; expired rows are never swept.
func (s *Store) subscriptionFeeds(ctx context.Context, subscriptionID string) ([]int64, error) {
	var (
		expiresAt int64
		raw       []byte
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT expires_at, feed_private_ids FROM subscriptions
		WHERE subscription_id = ?
	`), subscriptionID).Scan(&expiresAt, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubscription, subscriptionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription %s: %w", subscriptionID, err)
	}

	if now := s.now().UnixMilli(); now > expiresAt {
		return nil, fmt.Errorf("%w: %s expired at %s", ErrUnknownSubscription, subscriptionID,
			time.UnixMilli(expiresAt).UTC().Format(time.RFC3339))
	}

	return unmarshalFeedHandles(raw)
}
