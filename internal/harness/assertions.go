package harness

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/feedsync/internal/protocol"
	"github.com/roach88/feedsync/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Peer     string
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s", e.Type)
	if e.Peer != "" {
		fmt.Fprintf(&buf, " on %s", e.Peer)
	}
	fmt.Fprintf(&buf, ": expected %s, got %s", e.Expected, e.Actual)
	return buf.String()
}

func (h *Harness) evaluate(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertBlockCount:
		return h.assertBlockCount(ctx, a)
	case AssertOrder:
		return h.assertOrder(ctx, a)
	case AssertUnpositioned:
		return h.assertUnpositioned(ctx, a)
	case AssertConverged:
		return h.assertConverged(ctx, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func (h *Harness) assertBlockCount(ctx context.Context, a Assertion) error {
	ref := store.FeedRef{SpaceID: a.Space, FeedNamespace: a.Namespace, FeedID: a.Feed}
	n, err := h.nodes[a.Peer].store.CountBlocks(ctx, ref)
	if err != nil {
		return err
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertBlockCount,
			Peer:     a.Peer,
			Expected: fmt.Sprintf("%d blocks in %s", a.Count, ref),
			Actual:   fmt.Sprint(n),
		}
	}
	return nil
}

func (h *Harness) assertOrder(ctx context.Context, a Assertion) error {
	blocks, err := positioned(ctx, h.nodes[a.Peer].store, a.Space, a.Namespace)
	if err != nil {
		return err
	}
	got := make([]string, len(blocks))
	for i, b := range blocks {
		got[i] = blockKey(b)
	}
	if !slices.Equal(got, a.Blocks) {
		return &AssertionError{
			Type:     AssertOrder,
			Peer:     a.Peer,
			Expected: fmt.Sprintf("%v", a.Blocks),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}

func (h *Harness) assertUnpositioned(ctx context.Context, a Assertion) error {
	st, err := h.nodes[a.Peer].store.GetSyncState(ctx, a.Space, a.Namespace)
	if err != nil {
		return err
	}
	if st.Unpositioned != a.Count {
		return &AssertionError{
			Type:     AssertUnpositioned,
			Peer:     a.Peer,
			Expected: fmt.Sprintf("%d unpositioned in %s/%s", a.Count, a.Space, a.Namespace),
			Actual:   fmt.Sprint(st.Unpositioned),
		}
	}
	return nil
}

// assertConverged compares every peer's positioned blocks with the
// authority's: same blocks, same positions, same payloads.
func (h *Harness) assertConverged(ctx context.Context, a Assertion) error {
	peers := a.Peers
	if len(peers) == 0 {
		for id := range h.nodes {
			peers = append(peers, id)
		}
		sort.Strings(peers)
	}

	want, err := snapshot(ctx, h.authority.store, a.Space, a.Namespace)
	if err != nil {
		return err
	}
	for _, id := range peers {
		got, err := snapshot(ctx, h.nodes[id].store, a.Space, a.Namespace)
		if err != nil {
			return err
		}
		if !slices.Equal(got, want) {
			return &AssertionError{
				Type:     AssertConverged,
				Peer:     id,
				Expected: fmt.Sprintf("%v (from %s)", want, h.authority.id),
				Actual:   fmt.Sprintf("%v", got),
			}
		}
	}
	return nil
}

func positioned(ctx context.Context, st *store.Store, space, namespace string) ([]protocol.Block, error) {
	resp, err := st.Query(ctx, protocol.QueryRequest{
		SpaceID:       space,
		FeedNamespace: namespace,
		Position:      protocol.Int64(-1),
	})
	if err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

// snapshot renders positioned blocks as "position feed/actor/seq data".
func snapshot(ctx context.Context, st *store.Store, space, namespace string) ([]string, error) {
	blocks, err := positioned(ctx, st, space, namespace)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = fmt.Sprintf("%d %s %q", *b.Position, blockKey(b), b.Data)
	}
	return out, nil
}

func blockKey(b protocol.Block) string {
	return fmt.Sprintf("%s/%s/%d", b.FeedID, b.ActorID, b.Sequence)
}
