package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/feedsync/internal/protocol"
)

// seedRetention fills space/ns/f1 with five blocks and a neighbour block in
// every other scope retention must leave alone.
func seedRetention(t *testing.T, s *Store) {
	t.Helper()
	for i := int64(0); i < 5; i++ {
		mustAppend(t, s, "space", "ns", testBlock("f1", "A", i, byte(i)))
	}
	mustAppend(t, s, "space", "ns", testBlock("f2", "A", 0, 10))
	mustAppend(t, s, "space", "other", testBlock("f1", "A", 0, 11))
	mustAppend(t, s, "elsewhere", "ns", testBlock("f1", "A", 0, 12))
}

func TestDeleteOldestBlocks(t *testing.T) {
	ref := FeedRef{"space", "ns", "f1"}

	tests := []struct {
		name        string
		count       int
		wantDeleted int64
		wantLeft    []byte
	}{
		{"partial", 2, 2, []byte{2, 3, 4}},
		{"exact", 5, 5, []byte{}},
		{"over request", 50, 5, []byte{}},
		{"zero", 0, 0, []byte{0, 1, 2, 3, 4}},
		{"negative", -3, 0, []byte{0, 1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := createTestStore(t)
			ctx := context.Background()
			seedRetention(t, s)

			n, err := s.DeleteOldestBlocks(ctx, ref, tt.count)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDeleted, n)

			resp, err := s.Query(ctx, protocol.QueryRequest{
				SpaceID:       "space",
				FeedNamespace: "ns",
				Query:         protocol.FeedQuery{FeedIDs: []string{"f1"}},
			})
			require.NoError(t, err)
			left := []byte{}
			for _, b := range resp.Blocks {
				left = append(left, b.Data[0])
			}
			assert.Equal(t, tt.wantLeft, left, "survivors keep their relative order")

			for _, other := range []FeedRef{
				{"space", "ns", "f2"},
				{"space", "other", "f1"},
				{"elsewhere", "ns", "f1"},
			} {
				count, err := s.CountBlocks(ctx, other)
				require.NoError(t, err)
				assert.Equal(t, int64(1), count, "%s must be untouched", other)
			}
		})
	}
}

func TestDeleteOldestBlocks_UnknownFeed(t *testing.T) {
	s := createTestStore(t)
	n, err := s.DeleteOldestBlocks(context.Background(), FeedRef{"space", "ns", "nope"}, 3)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadOldestBlocks_MatchesDeleted(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedRetention(t, s)
	ref := FeedRef{"space", "ns", "f1"}

	oldest, err := s.ReadOldestBlocks(ctx, ref, 3)
	require.NoError(t, err)
	require.Len(t, oldest, 3)
	assert.Equal(t, []byte{0}, oldest[0].Data)
	assert.Equal(t, []byte{2}, oldest[2].Data)

	_, err = s.DeleteOldestBlocks(ctx, ref, 3)
	require.NoError(t, err)

	remaining, err := s.ReadOldestBlocks(ctx, ref, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Greater(t, remaining[0].InsertionID, oldest[2].InsertionID)

	none, err := s.ReadOldestBlocks(ctx, ref, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteOldestBlocks_StaleCursorSkipsTrimmedRange(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ref := FeedRef{"space", "ns", "f1"}

	mustAppend(t, s, "space", "ns", testBlock("f1", "A", 0, 1))
	start, err := s.Query(ctx, protocol.QueryRequest{SpaceID: "space"})
	require.NoError(t, err)

	mustAppend(t, s, "space", "ns", testBlock("f1", "A", 1, 2), testBlock("f1", "A", 2, 3))
	_, err = s.DeleteOldestBlocks(ctx, ref, 2)
	require.NoError(t, err)

	resp, err := s.Query(ctx, protocol.QueryRequest{SpaceID: "space", Cursor: start.NextCursor})
	require.NoError(t, err)
	require.Len(t, resp.Blocks, 1)
	assert.Equal(t, []byte{3}, resp.Blocks[0].Data)
}

func TestCountBlocksAndListFeeds(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedRetention(t, s)

	n, err := s.CountBlocks(ctx, FeedRef{"space", "ns", "f1"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = s.CountBlocks(ctx, FeedRef{"space", "ns", "missing"})
	require.NoError(t, err)
	assert.Zero(t, n)

	feeds, err := s.ListFeeds(ctx, "space", "ns")
	require.NoError(t, err)
	assert.Equal(t, []FeedInfo{{FeedID: "f1", Blocks: 5}, {FeedID: "f2", Blocks: 1}}, feeds)

	feeds, err = s.ListFeeds(ctx, "nobody", "ns")
	require.NoError(t, err)
	assert.NotNil(t, feeds)
	assert.Empty(t, feeds)
}

func TestDeleteBlocksThrough_RespectsKeep(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedRetention(t, s)
	ref := FeedRef{"space", "ns", "f1"}

	oldest, err := s.ReadOldestBlocks(ctx, ref, 3)
	require.NoError(t, err)
	through := oldest[2].InsertionID

	n, err := s.DeleteBlocksThrough(ctx, ref, through, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// A second trimmer that read the same batch finds nothing left to do.
	n, err = s.DeleteBlocksThrough(ctx, ref, through, 2)
	require.NoError(t, err)
	assert.Zero(t, n)

	left, err := s.ReadOldestBlocks(ctx, ref, 10)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, []byte{3}, left[0].Data)
}

func TestDeleteBlocksThrough_StopsAtKeep(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedRetention(t, s)
	ref := FeedRef{"space", "ns", "f1"}

	all, err := s.ReadOldestBlocks(ctx, ref, 10)
	require.NoError(t, err)

	n, err := s.DeleteBlocksThrough(ctx, ref, all[len(all)-1].InsertionID, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "never below keep even when more ids are in range")

	count, err := s.CountBlocks(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	other, err := s.CountBlocks(ctx, FeedRef{"space", "ns", "f2"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)

	n, err = s.DeleteBlocksThrough(ctx, FeedRef{"space", "ns", "missing"}, 100, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}
