package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/roach88/feedsync/internal/protocol"
	"github.com/roach88/feedsync/internal/testutil"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestStore creates a new SQLite store under t.TempDir().
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createAuthorityStore creates a store that assigns positions, with a manual
// clock and predictable subscription ids.
func createAuthorityStore(t *testing.T) (*Store, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock(testEpoch)
	s := createTestStore(t,
		WithPositionAssignment(true),
		WithActorID("authority"),
		WithClock(clock.Now),
		WithIDGenerator(testutil.NewSequenceGenerator("sub")),
	)
	return s, clock
}

// testBlock builds an unpositioned block with a single data byte.
func testBlock(feedID, actorID string, seq int64, data byte) protocol.Block {
	return protocol.Block{
		FeedID:    feedID,
		ActorID:   actorID,
		Sequence:  seq,
		Timestamp: 1000 + seq,
		Data:      []byte{data},
	}
}

func appendReq(spaceID, ns string, blocks ...protocol.Block) protocol.AppendRequest {
	return protocol.AppendRequest{
		RequestID:     "req",
		SpaceID:       spaceID,
		FeedNamespace: ns,
		Blocks:        blocks,
	}
}

func mustAppend(t *testing.T, s *Store, spaceID, ns string, blocks ...protocol.Block) []*int64 {
	t.Helper()
	resp, err := s.Append(context.Background(), appendReq(spaceID, ns, blocks...))
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	return resp.Positions
}

func derefPositions(positions []*int64) []int64 {
	out := make([]int64, 0, len(positions))
	for _, p := range positions {
		if p == nil {
			out = append(out, -1)
			continue
		}
		out = append(out, *p)
	}
	return out
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("failed to get table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("failed to scan column info: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func contains(slice []string, item string) bool {
	return slices.Contains(slice, item)
}
