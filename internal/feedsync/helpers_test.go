package feedsync

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/feedsync/internal/protocol"
	"github.com/roach88/feedsync/internal/store"
	"github.com/roach88/feedsync/internal/testutil"
)

var testPartition = Partition{SpaceID: "space", FeedNamespace: "docs"}

func openStore(t *testing.T, name string, opts ...store.Option) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), name+".db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// syncPair is a replica client wired in memory to an authority server.
type syncPair struct {
	authority *store.Store
	replica   *store.Store
	server    *Server
	client    *Client
}

func newSyncPair(t *testing.T) *syncPair {
	t.Helper()
	authority := openStore(t, "authority", store.WithPositionAssignment(true), store.WithActorID("server"))
	replica := openStore(t, "replica", store.WithActorID("client"))
	return connect(t, authority, replica, "replica")
}

// connect wires a new client over replica to a server over authority.
// Replies are delivered synchronously from inside the request's send.
func connect(t *testing.T, authority, replica *store.Store, peerID string) *syncPair {
	t.Helper()
	p := &syncPair{authority: authority, replica: replica}
	p.server = NewServer(authority, func(_ context.Context, env protocol.Envelope) error {
		return p.client.HandleMessage(env)
	}, "authority")
	p.client = NewClient(replica, func(ctx context.Context, env protocol.Envelope) error {
		return p.server.HandleMessage(ctx, env)
	}, ClientConfig{
		PeerID:          peerID,
		AuthorityPeerID: "authority",
		IDs:             testutil.NewSequenceGenerator(peerID),
	})
	return p
}

func appendLocal(t *testing.T, s *store.Store, feedID string, data ...string) []protocol.Block {
	t.Helper()
	msgs := make([]store.LocalMessage, len(data))
	for i, d := range data {
		msgs[i] = store.LocalMessage{
			SpaceID:       testPartition.SpaceID,
			FeedNamespace: testPartition.FeedNamespace,
			FeedID:        feedID,
			Data:          []byte(d),
		}
	}
	blocks, err := s.AppendLocal(context.Background(), msgs)
	require.NoError(t, err)
	return blocks
}

func positionedBlocks(t *testing.T, s *store.Store) []protocol.Block {
	t.Helper()
	resp, err := s.Query(context.Background(), protocol.QueryRequest{
		SpaceID:       testPartition.SpaceID,
		FeedNamespace: testPartition.FeedNamespace,
		Position:      protocol.Int64(-1),
	})
	require.NoError(t, err)
	return resp.Blocks
}

// recordingSend captures envelopes instead of delivering them.
type recordingSend struct {
	sent []protocol.Envelope
}

func (r *recordingSend) send(_ context.Context, env protocol.Envelope) error {
	r.sent = append(r.sent, env)
	return nil
}
