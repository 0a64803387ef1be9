package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/feedsync/internal/feedsync"
	"github.com/roach88/feedsync/internal/protocol"
	"github.com/roach88/feedsync/internal/retention"
	"github.com/roach88/feedsync/internal/store"
	"github.com/roach88/feedsync/internal/testutil"
)

// scenarioEpoch is the frozen wall clock every peer sees.
var scenarioEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// node is one peer's store and, for replicas, its client.
type node struct {
	id     string
	store  *store.Store
	client *feedsync.Client
}

// Harness holds the peers of one scenario run.
type Harness struct {
	nodes     map[string]*node
	authority *node
	logger    *slog.Logger
}

// Run executes a scenario against fresh in-memory stores.
//
// Execution flow:
//  1. Open one store per peer; the authority assigns positions
//  2. Wire every replica to the authority through a client and server
//  3. Execute steps, tracing each outcome
//  4. Evaluate assertions
//
// Run returns an error only when the harness itself cannot proceed; failed
// expectations and assertions are reported in the result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	for i, step := range scenario.Steps {
		n := i + 1
		detail, err := h.execute(ctx, step)
		switch {
		case step.ExpectError != "" && err == nil:
			result.AddError(fmt.Sprintf("step %d: expected error containing %q, got success", n, step.ExpectError))
			result.addTrace(n, step.Peer, step.Op, detail)
		case step.ExpectError != "":
			if !strings.Contains(err.Error(), step.ExpectError) {
				result.AddError(fmt.Sprintf("step %d: expected error containing %q, got %q", n, step.ExpectError, err))
			}
			result.addTrace(n, step.Peer, step.Op, "failed: "+step.ExpectError)
		case err != nil:
			result.AddError(fmt.Sprintf("step %d: %v", n, err))
			result.addTrace(n, step.Peer, step.Op, "failed")
		default:
			result.addTrace(n, step.Peer, step.Op, detail)
		}
	}

	for i, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a); err != nil {
			result.AddError(fmt.Sprintf("assertion %d: %v", i+1, err))
		}
	}

	h.logger.Debug("scenario finished", "name", scenario.Name, "pass", result.Pass)
	return result, nil
}

func newHarness(scenario *Scenario) (*Harness, error) {
	h := &Harness{
		nodes:  make(map[string]*node, len(scenario.Peers)),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	clock := testutil.NewManualClock(scenarioEpoch)

	for _, p := range scenario.Peers {
		st, err := store.Open(":memory:",
			store.WithActorID(p.ID),
			store.WithPositionAssignment(p.Authority),
			store.WithClock(clock.Now),
			store.WithIDGenerator(testutil.NewSequenceGenerator(p.ID+"-sub")),
		)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("open store for %s: %w", p.ID, err)
		}
		n := &node{id: p.ID, store: st}
		h.nodes[p.ID] = n
		if p.Authority {
			h.authority = n
		}
	}

	for _, n := range h.nodes {
		if n != h.authority {
			h.connect(n)
		}
	}
	return h, nil
}

// connect wires a replica to the authority. Replies are delivered
// synchronously from inside the request's send.
func (h *Harness) connect(replica *node) {
	var client *feedsync.Client
	server := feedsync.NewServer(h.authority.store, func(_ context.Context, env protocol.Envelope) error {
		return client.HandleMessage(env)
	}, h.authority.id)
	client = feedsync.NewClient(replica.store, func(ctx context.Context, env protocol.Envelope) error {
		return server.HandleMessage(ctx, env)
	}, feedsync.ClientConfig{
		PeerID:          replica.id,
		AuthorityPeerID: h.authority.id,
		IDs:             testutil.NewSequenceGenerator(replica.id),
	})
	replica.client = client
}

func (h *Harness) close() {
	for _, n := range h.nodes {
		n.store.Close()
	}
}

// execute runs one step and describes its outcome.
func (h *Harness) execute(ctx context.Context, step Step) (string, error) {
	n := h.nodes[step.Peer]
	switch step.Op {
	case OpAppend:
		return h.appendStep(ctx, n, step)
	case OpSync:
		res, err := n.client.Sync(ctx, feedsync.Partition{SpaceID: step.Space, FeedNamespace: step.Namespace}, step.Batch)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s/%s pushed %d pulled %d", step.Space, step.Namespace, res.Pushed, res.Pulled), nil
	case OpTrim:
		janitor, err := retention.NewJanitor(n.store, nil, nil)
		if err != nil {
			return "", err
		}
		ref := store.FeedRef{SpaceID: step.Space, FeedNamespace: step.Namespace, FeedID: step.Feed}
		deleted, err := janitor.TrimFeed(ctx, ref, step.Keep)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s deleted %d", ref, deleted), nil
	default:
		return "", fmt.Errorf("unknown op %q", step.Op)
	}
}

func (h *Harness) appendStep(ctx context.Context, n *node, step Step) (string, error) {
	msgs := make([]store.LocalMessage, len(step.Data))
	for i, d := range step.Data {
		msgs[i] = store.LocalMessage{
			SpaceID:       step.Space,
			FeedNamespace: step.Namespace,
			FeedID:        step.Feed,
			Data:          []byte(d),
		}
	}
	blocks, err := n.store.AppendLocal(ctx, msgs)
	if err != nil {
		return "", err
	}

	first, last := blocks[0], blocks[len(blocks)-1]
	ref := store.FeedRef{SpaceID: step.Space, FeedNamespace: step.Namespace, FeedID: step.Feed}
	detail := fmt.Sprintf("%s seq %s", ref, span(first.Sequence, last.Sequence))
	if first.Position == nil || last.Position == nil {
		return detail + " unpositioned", nil
	}
	noun := "position"
	if len(blocks) > 1 {
		noun = "positions"
	}
	return fmt.Sprintf("%s %s %s", detail, noun, span(*first.Position, *last.Position)), nil
}

func span(first, last int64) string {
	if first == last {
		return fmt.Sprint(first)
	}
	return fmt.Sprintf("%d-%d", first, last)
}
