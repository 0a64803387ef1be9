package feedsync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/feedsync/internal/protocol"
	"github.com/roach88/feedsync/internal/store"
)

func newTestServer(t *testing.T) (*Server, *recordingSend, *store.Store) {
	t.Helper()
	authority := openStore(t, "authority", store.WithPositionAssignment(true), store.WithActorID("server"))
	rec := &recordingSend{}
	return NewServer(authority, rec.send, "authority"), rec, authority
}

func TestServer_AppendRepliesWithPositions(t *testing.T) {
	srv, rec, _ := newTestServer(t)

	req := protocol.NewEnvelope("replica", "authority", &protocol.AppendRequest{
		RequestID:     "r1",
		SpaceID:       "space",
		FeedNamespace: "docs",
		FeedID:        "f",
		Blocks: []protocol.Block{
			{ActorID: "a", Sequence: 0, Data: []byte("x")},
			{ActorID: "a", Sequence: 1, Data: []byte("y")},
		},
	})
	require.NoError(t, srv.HandleMessage(context.Background(), req))

	require.Len(t, rec.sent, 1)
	reply := rec.sent[0]
	assert.Equal(t, "authority", reply.SenderPeerID)
	assert.Equal(t, "replica", reply.RecipientPeerID)
	require.Equal(t, protocol.TagAppendResponse, reply.Tag())

	resp := reply.Payload.(*protocol.AppendResponse)
	assert.Equal(t, "r1", resp.RequestID)
	require.Len(t, resp.Positions, 2)
	assert.Equal(t, int64(0), *resp.Positions[0])
	assert.Equal(t, int64(1), *resp.Positions[1])
}

func TestServer_QueryEchoesRequestID(t *testing.T) {
	srv, rec, authority := newTestServer(t)
	_, err := authority.AppendLocal(context.Background(), []store.LocalMessage{
		{SpaceID: "space", FeedNamespace: "docs", FeedID: "f", Data: []byte("x")},
	})
	require.NoError(t, err)

	req := protocol.NewEnvelope("replica", "authority", &protocol.QueryRequest{
		RequestID: "q7",
		SpaceID:   "space",
		Position:  protocol.Int64(-1),
	})
	require.NoError(t, srv.HandleMessage(context.Background(), req))

	require.Len(t, rec.sent, 1)
	resp, ok := rec.sent[0].Payload.(*protocol.QueryResponse)
	require.True(t, ok, "got %s", rec.sent[0].Tag())
	assert.Equal(t, "q7", resp.RequestID)
	assert.Len(t, resp.Blocks, 1)
	assert.NotEmpty(t, resp.NextCursor)
}

func TestServer_FailuresBecomeErrorEnvelopes(t *testing.T) {
	tests := []struct {
		name    string
		payload protocol.Payload
		wantID  string
		wantMsg string
	}{
		{
			name:    "cursor mismatch",
			payload: &protocol.QueryRequest{RequestID: "q1", Cursor: store.EncodeCursor("old", 1)},
			wantID:  "q1",
			wantMsg: "cursor token mismatch",
		},
		{
			name:    "unknown subscription",
			payload: &protocol.QueryRequest{RequestID: "q2", Query: protocol.FeedQuery{SubscriptionID: "gone"}},
			wantID:  "q2",
			wantMsg: "unknown subscription",
		},
		{
			name:    "invalid append",
			payload: &protocol.AppendRequest{RequestID: "a1", Blocks: []protocol.Block{{FeedID: "f", ActorID: "a"}}},
			wantID:  "a1",
			wantMsg: "invalid request",
		},
		{
			name:    "response sent to server",
			payload: &protocol.QueryResponse{RequestID: "x1"},
			wantID:  "x1",
			wantMsg: "unsupported message QueryResponse",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, rec, _ := newTestServer(t)

			err := srv.HandleMessage(context.Background(), protocol.NewEnvelope("replica", "authority", tt.payload))
			require.NoError(t, err, "failures are replied, not returned")

			require.Len(t, rec.sent, 1)
			require.Equal(t, protocol.TagError, rec.sent[0].Tag())
			resp := rec.sent[0].Payload.(*protocol.ErrorResponse)
			assert.Equal(t, tt.wantID, resp.RequestID)
			assert.Contains(t, resp.Message, tt.wantMsg)
			assert.Equal(t, "replica", rec.sent[0].RecipientPeerID)
		})
	}
}

func TestServer_SubscribeReply(t *testing.T) {
	srv, rec, _ := newTestServer(t)

	req := protocol.NewEnvelope("replica", "authority", &protocol.SubscribeRequest{
		RequestID: "s1",
		SpaceID:   "space",
		FeedIDs:   []string{"a", "b"},
	})
	require.NoError(t, srv.HandleMessage(context.Background(), req))

	require.Len(t, rec.sent, 1)
	resp, ok := rec.sent[0].Payload.(*protocol.SubscribeResponse)
	require.True(t, ok)
	assert.Equal(t, "s1", resp.RequestID)
	assert.NotEmpty(t, resp.SubscriptionID)
	assert.Positive(t, resp.ExpiresAt)
}

func TestServer_ReplySendFailureIsReturned(t *testing.T) {
	authority := openStore(t, "authority", store.WithPositionAssignment(true))
	boom := errors.New("peer gone")
	srv := NewServer(authority, func(context.Context, protocol.Envelope) error { return boom }, "authority")

	err := srv.HandleMessage(context.Background(), protocol.NewEnvelope("replica", "authority",
		&protocol.QueryRequest{RequestID: "q"}))
	assert.ErrorIs(t, err, boom)
}

func TestServer_HandleDecodeError(t *testing.T) {
	tests := []struct {
		name      string
		derr      *protocol.DecodeError
		wantReply bool
	}{
		{
			name: "bad query payload",
			derr: &protocol.DecodeError{
				Tag: protocol.TagQueryRequest, SenderPeerID: "replica", RequestID: "r1",
				Err: errors.New("position: not a number"),
			},
			wantReply: true,
		},
		{
			name: "unknown tag with request id",
			derr: &protocol.DecodeError{
				Tag: "Gossip", SenderPeerID: "replica", RequestID: "r2",
				Err: protocol.ErrUnknownTag,
			},
			wantReply: true,
		},
		{
			name: "unknown tag without request id",
			derr: &protocol.DecodeError{Tag: "Gossip", SenderPeerID: "replica", Err: protocol.ErrUnknownTag},
		},
		{
			name: "bad response",
			derr: &protocol.DecodeError{
				Tag: protocol.TagQueryResponse, SenderPeerID: "replica", RequestID: "r3",
				Err: errors.New("blocks: not an array"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, rec, _ := newTestServer(t)
			require.NoError(t, srv.HandleDecodeError(context.Background(), tt.derr))

			if !tt.wantReply {
				assert.Empty(t, rec.sent)
				return
			}
			require.Len(t, rec.sent, 1)
			reply := rec.sent[0]
			assert.Equal(t, "authority", reply.SenderPeerID)
			assert.Equal(t, "replica", reply.RecipientPeerID)
			require.Equal(t, protocol.TagError, reply.Tag())
			msg := reply.Payload.(*protocol.ErrorResponse)
			assert.Equal(t, tt.derr.RequestID, msg.RequestID)
			assert.Equal(t, tt.derr.Error(), msg.Message)
		})
	}
}
