package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/feedsync/internal/config"
	"github.com/roach88/feedsync/internal/protocol"
	"github.com/roach88/feedsync/internal/store"
)

func testBlocks() []protocol.Block {
	return []protocol.Block{
		{FeedID: "notes", FeedNamespace: "docs", ActorID: "alice", Sequence: 0, Position: protocol.Int64(0), Timestamp: 1, Data: []byte("a"), InsertionID: 7},
		{FeedID: "notes", FeedNamespace: "docs", ActorID: "alice", Sequence: 1, PrevActorID: protocol.String("alice"), PrevSequence: protocol.Int64(0), Timestamp: 2, Data: []byte("b"), InsertionID: 9},
	}
}

func TestObjectKey(t *testing.T) {
	ref := store.FeedRef{SpaceID: "team a", FeedNamespace: "docs", FeedID: "x/y"}
	key := ObjectKey("archive", ref, testBlocks())
	assert.Equal(t, "archive/team%20a/docs/x%2Fy/00000000000000000007-00000000000000000009.jsonl", key)
}

func TestDirSink_RoundTrip(t *testing.T) {
	root := filepath.Join(t.TempDir(), "archive")
	sink, err := NewDirSink(root)
	require.NoError(t, err)

	ref := store.FeedRef{SpaceID: "team", FeedNamespace: "docs", FeedID: "notes"}
	blocks := testBlocks()
	require.NoError(t, sink.Archive(context.Background(), ref, blocks))

	path := filepath.Join(root, filepath.FromSlash(ObjectKey("", ref, blocks)))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	got, err := DecodeJSONL(data)
	require.NoError(t, err)
	assert.Equal(t, blocks, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestDirSink_EmptyBatch(t *testing.T) {
	root := t.TempDir()
	sink, err := NewDirSink(root)
	require.NoError(t, err)

	require.NoError(t, sink.Archive(context.Background(), store.FeedRef{SpaceID: "s"}, nil))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDirSink_CanceledContext(t *testing.T) {
	sink, err := NewDirSink(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = sink.Archive(ctx, store.FeedRef{SpaceID: "s", FeedNamespace: "n", FeedID: "f"}, testBlocks())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	sink, err := New(ctx, config.ArchiveConfig{Kind: "none"})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, sink)

	sink, err = New(ctx, config.ArchiveConfig{Kind: "dir", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &DirSink{}, sink)

	_, err = New(ctx, config.ArchiveConfig{Kind: "dir"})
	assert.Error(t, err)

	_, err = New(ctx, config.ArchiveConfig{Kind: "minio", Endpoint: "localhost:9000"})
	assert.ErrorContains(t, err, "bucket")

	_, err = New(ctx, config.ArchiveConfig{Kind: "tape"})
	assert.ErrorContains(t, err, "tape")
}

func TestDecodeJSONL_Invalid(t *testing.T) {
	_, err := DecodeJSONL([]byte("{\"feedId\":\"a\"}\nnot json\n"))
	assert.ErrorContains(t, err, "line 2")
}
