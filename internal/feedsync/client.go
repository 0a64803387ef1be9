package feedsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/feedsync/internal/ids"
	"github.com/roach88/feedsync/internal/protocol"
	"github.com/roach88/feedsync/internal/store"
)

// SendFunc hands one envelope to the transport. It returns once the message
// has been accepted for delivery, not when it is answered.
type SendFunc func(ctx context.Context, env protocol.Envelope) error

// LocalStore is the replica store a Client reads from and writes to.
// Implemented by *store.Store.
type LocalStore interface {
	Append(ctx context.Context, req protocol.AppendRequest) (protocol.AppendResponse, error)
	Query(ctx context.Context, req protocol.QueryRequest) (protocol.QueryResponse, error)
	GetPullWatermark(ctx context.Context, spaceID, feedNamespace string) (*int64, error)
	SetPullWatermark(ctx context.Context, spaceID, feedNamespace string, position int64) error
	SetPosition(ctx context.Context, spaceID string, updates []store.PositionUpdate) (int64, error)
}

// Partition is one (space, namespace) position-ordering scope.
type Partition struct {
	SpaceID       string
	FeedNamespace string
}

func (p Partition) String() string {
	return p.SpaceID + "/" + p.FeedNamespace
}

// StepResult reports one Push or Pull round.
type StepResult struct {
	// Done is true when the round found nothing to move.
	Done bool
	// Blocks is how many blocks the round moved.
	Blocks int
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// PeerID is this replica's identity, used as envelope sender.
	PeerID string
	// AuthorityPeerID is the recipient of every request.
	AuthorityPeerID string
	// RequestTimeout bounds each request/response exchange. Zero waits until
	// ctx is done.
	RequestTimeout time.Duration
	// IDs generates request ids. Defaults to ids.Default.
	IDs ids.Generator
}

// Client is the replica side of sync.
//
// Every request carries a fresh request id and parks on a single-use channel
// in the pending table until HandleMessage delivers the matching response.
// A request abandoned through ctx removes its entry; a late response for it
// is then unmatched and dropped.
type Client struct {
	store LocalStore
	send  SendFunc
	cfg   ClientConfig

	mu      sync.Mutex
	pending map[string]chan protocol.Envelope
}

// NewClient creates a Client over a replica store.
func NewClient(st LocalStore, send SendFunc, cfg ClientConfig) *Client {
	if cfg.IDs == nil {
		cfg.IDs = ids.Default
	}
	return &Client{
		store:   st,
		send:    send,
		cfg:     cfg,
		pending: make(map[string]chan protocol.Envelope),
	}
}

// HandleMessage resolves the pending request matching env's request id.
// Returns ErrUnmatchedResponse when nothing is waiting for it.
func (c *Client) HandleMessage(env protocol.Envelope) error {
	id := env.RequestID()

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		slog.Warn("dropping unmatched response",
			"request_id", id,
			"tag", env.Tag(),
			"sender", env.SenderPeerID,
		)
		return fmt.Errorf("%w: %s %q", ErrUnmatchedResponse, env.Tag(), id)
	}

	// Buffered with capacity 1 and removed from the table above, so this
	// send never blocks.
	ch <- env
	return nil
}

// Pending returns how many requests are waiting for a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// request sends payload to the authority and waits for its response.
// An Error envelope resolves as *RemoteError and a response with any tag
// other than want as *UnexpectedResponseError.
func (c *Client) request(ctx context.Context, payload protocol.Payload, want protocol.Tag) (protocol.Payload, error) {
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	id := payload.CorrelationID()
	ch := make(chan protocol.Envelope, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	env := protocol.NewEnvelope(c.cfg.PeerID, c.cfg.AuthorityPeerID, payload)
	if err := c.send(ctx, env); err != nil {
		return nil, fmt.Errorf("send %s: %w", payload.Tag(), err)
	}

	var resp protocol.Envelope
	select {
	case resp = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("await %s %q: %w", want, id, ctx.Err())
	}

	switch tag := resp.Tag(); tag {
	case want:
		return resp.Payload, nil
	case protocol.TagError:
		re := &RemoteError{RequestID: id}
		if msg, ok := resp.Payload.(*protocol.ErrorResponse); ok {
			re.Message = msg.Message
		}
		return nil, re
	default:
		return nil, &UnexpectedResponseError{RequestID: id, Expected: want, Got: tag}
	}
}

// Pull fetches blocks positioned above the replica's pull watermark for p
// and stores them verbatim. Done is true when the authority had nothing
// newer. limit <= 0 asks for everything.
//
// The watermark only moves on pull. Positions backfilled by Push can run
// ahead of blocks other replicas pushed in between, which a threshold taken
// from the local maximum would skip. Blocks the replica already holds are
// deduplicated by Append.
func (c *Client) Pull(ctx context.Context, p Partition, limit int) (StepResult, error) {
	if p.SpaceID == "" || p.FeedNamespace == "" {
		return StepResult{}, fmt.Errorf("pull: %w: partition %q needs a space and a namespace", store.ErrInvalidRequest, p)
	}

	threshold := int64(-1)
	watermark, err := c.store.GetPullWatermark(ctx, p.SpaceID, p.FeedNamespace)
	if err != nil {
		return StepResult{}, fmt.Errorf("pull: %w", err)
	}
	if watermark != nil {
		threshold = *watermark
	}

	payload, err := c.request(ctx, &protocol.QueryRequest{
		RequestID:     c.cfg.IDs.Generate(),
		SpaceID:       p.SpaceID,
		FeedNamespace: p.FeedNamespace,
		Query:         protocol.FeedQuery{FeedNamespace: p.FeedNamespace},
		Position:      protocol.Int64(threshold),
		Limit:         limit,
	}, protocol.TagQueryResponse)
	if err != nil {
		return StepResult{}, fmt.Errorf("pull %s: %w", p, err)
	}
	resp := payload.(*protocol.QueryResponse)

	if len(resp.Blocks) == 0 {
		return StepResult{Done: true}, nil
	}

	blocks := make([]protocol.Block, len(resp.Blocks))
	for i, b := range resp.Blocks {
		// Insertion ids belong to the store that issued them.
		b.InsertionID = 0
		blocks[i] = b
	}
	if _, err := c.store.Append(ctx, protocol.AppendRequest{
		RequestID:     resp.RequestID,
		SpaceID:       p.SpaceID,
		FeedNamespace: p.FeedNamespace,
		Blocks:        blocks,
	}); err != nil {
		return StepResult{}, fmt.Errorf("pull %s: store: %w", p, err)
	}

	if last := blocks[len(blocks)-1].Position; last != nil {
		if err := c.store.SetPullWatermark(ctx, p.SpaceID, p.FeedNamespace, *last); err != nil {
			return StepResult{}, fmt.Errorf("pull %s: %w", p, err)
		}
	}

	slog.Debug("pulled blocks",
		"partition", p.String(),
		"after_position", threshold,
		"blocks", len(blocks),
	)
	return StepResult{Blocks: len(blocks)}, nil
}

// Push uploads local blocks of p that have no position yet and backfills
// the positions the authority assigns. Done is true when no unpositioned
// blocks were found. An empty p.FeedNamespace pushes every namespace of
// the space.
func (c *Client) Push(ctx context.Context, p Partition, limit int) (StepResult, error) {
	if p.SpaceID == "" {
		return StepResult{}, fmt.Errorf("push: %w: spaceId is required", store.ErrInvalidRequest)
	}

	local, err := c.store.Query(ctx, protocol.QueryRequest{
		SpaceID:          p.SpaceID,
		FeedNamespace:    p.FeedNamespace,
		UnpositionedOnly: true,
		Limit:            limit,
	})
	if err != nil {
		return StepResult{}, fmt.Errorf("push: %w", err)
	}
	if len(local.Blocks) == 0 {
		return StepResult{Done: true}, nil
	}

	blocks := make([]protocol.Block, len(local.Blocks))
	for i, b := range local.Blocks {
		b.InsertionID = 0
		blocks[i] = b
	}

	payload, err := c.request(ctx, &protocol.AppendRequest{
		RequestID:     c.cfg.IDs.Generate(),
		SpaceID:       p.SpaceID,
		FeedNamespace: p.FeedNamespace,
		Blocks:        blocks,
	}, protocol.TagAppendResponse)
	if err != nil {
		return StepResult{}, fmt.Errorf("push %s: %w", p, err)
	}
	resp := payload.(*protocol.AppendResponse)

	if len(resp.Positions) != len(blocks) {
		return StepResult{}, fmt.Errorf("push %s: %d positions for %d blocks", p, len(resp.Positions), len(blocks))
	}

	updates := make([]store.PositionUpdate, 0, len(blocks))
	for i, pos := range resp.Positions {
		if pos == nil {
			continue
		}
		b := blocks[i]
		updates = append(updates, store.PositionUpdate{
			FeedNamespace: b.FeedNamespace,
			FeedID:        b.FeedID,
			ActorID:       b.ActorID,
			Sequence:      b.Sequence,
			Position:      *pos,
		})
	}
	if len(updates) == 0 {
		return StepResult{}, fmt.Errorf("push %s: %w", p, ErrNoPositions)
	}

	if _, err := c.store.SetPosition(ctx, p.SpaceID, updates); err != nil {
		return StepResult{}, fmt.Errorf("push %s: store: %w", p, err)
	}

	slog.Debug("pushed blocks",
		"partition", p.String(),
		"blocks", len(blocks),
		"positioned", len(updates),
	)
	return StepResult{Blocks: len(blocks)}, nil
}

// Query runs req against the authority's store. RequestID is filled in when
// empty.
func (c *Client) Query(ctx context.Context, req protocol.QueryRequest) (protocol.QueryResponse, error) {
	if req.RequestID == "" {
		req.RequestID = c.cfg.IDs.Generate()
	}
	payload, err := c.request(ctx, &req, protocol.TagQueryResponse)
	if err != nil {
		return protocol.QueryResponse{}, fmt.Errorf("query: %w", err)
	}
	return *payload.(*protocol.QueryResponse), nil
}

// Subscribe creates a subscription on the authority.
func (c *Client) Subscribe(ctx context.Context, req protocol.SubscribeRequest) (protocol.SubscribeResponse, error) {
	if req.RequestID == "" {
		req.RequestID = c.cfg.IDs.Generate()
	}
	payload, err := c.request(ctx, &req, protocol.TagSubscribeResponse)
	if err != nil {
		return protocol.SubscribeResponse{}, fmt.Errorf("subscribe: %w", err)
	}
	return *payload.(*protocol.SubscribeResponse), nil
}
