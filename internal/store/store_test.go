package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/roach88/feedsync/internal/protocol"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if s.Driver() != "sqlite3" {
		t.Errorf("Driver() = %q, want sqlite3", s.Driver())
	}
}

func TestOpen_ReopenKeepsEpochToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	token := s1.Token()
	s1.Close()

	if len(token) != 26 {
		t.Errorf("epoch token %q is not a ULID", token)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	if s2.Token() != token {
		t.Errorf("Token() after reopen = %q, want %q", s2.Token(), token)
	}
}

func TestOpen_DistinctStoresHaveDistinctEpochs(t *testing.T) {
	a := createTestStore(t)
	b := createTestStore(t)
	if a.Token() == b.Token() {
		t.Errorf("two fresh stores share epoch token %q", a.Token())
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"feed_meta", "feeds", "blocks", "partitions", "subscriptions"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestMigrate_Repeatable(t *testing.T) {
	s := createTestStore(t)
	token := s.Token()

	for i := 0; i < 2; i++ {
		if err := s.Migrate(context.Background()); err != nil {
			t.Fatalf("Migrate() iteration %d failed: %v", i, err)
		}
	}
	if s.Token() != token {
		t.Errorf("Migrate() changed epoch token: %q -> %q", token, s.Token())
	}

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestMigrate_V2BackfillsFeedHeads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1.db")
	s, err := Open(path, WithActorID("me"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	mustAppend(t, s, "space", "ns", testBlock("f1", "A", 0, 1), testBlock("f1", "B", 7, 2), testBlock("f1", "A", 3, 3))

	// Roll the file back to a version 1 store that has never tracked heads.
	for _, stmt := range []string{
		"UPDATE feeds SET last_sequence = NULL, last_actor_id = NULL",
		"PRAGMA user_version = 1",
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
	s.Close()

	s, err = Open(path, WithActorID("me"))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	blocks, err := s.AppendLocal(context.Background(), []LocalMessage{
		{SpaceID: "space", FeedNamespace: "ns", FeedID: "f1", Data: []byte("x")},
	})
	if err != nil {
		t.Fatalf("AppendLocal() failed: %v", err)
	}
	if got := blocks[0].Sequence; got != 8 {
		t.Errorf("sequence = %d, want 8", got)
	}
	if got := *blocks[0].PrevActorID; got != "B" {
		t.Errorf("prevActorId = %q, want B", got)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestConnect_UnknownDriver(t *testing.T) {
	_, err := Connect("oracle", "dsn")
	if err == nil {
		t.Error("expected error for unknown driver, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestDB_ReturnsUnderlyingConnection(t *testing.T) {
	s := createTestStore(t)

	db := s.DB()
	if db == nil {
		t.Fatal("DB() returned nil")
	}
	if err := db.Ping(); err != nil {
		t.Errorf("DB() connection not usable: %v", err)
	}
}

func TestResetEpoch_InvalidatesCursors(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	old := s.Token()
	token, err := s.ResetEpoch(ctx)
	if err != nil {
		t.Fatalf("ResetEpoch() failed: %v", err)
	}
	if token == old || s.Token() != token {
		t.Fatalf("ResetEpoch() token = %q, old %q, current %q", token, old, s.Token())
	}

	if _, err := s.checkCursor(EncodeCursor(old, 3)); !errors.Is(err, ErrCursorTokenMismatch) {
		t.Errorf("old cursor error = %v, want ErrCursorTokenMismatch", err)
	}
}

// Pragma tests

func TestPragma_JournalMode(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
}

func TestPragma_Synchronous(t *testing.T) {
	s := createTestStore(t)
	// NORMAL = 1
	if err := s.verifyPragma("synchronous", "1"); err != nil {
		t.Error(err)
	}
}

func TestPragma_BusyTimeout(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("busy_timeout", "5000"); err != nil {
		t.Error(err)
	}
}

func TestPragma_ForeignKeys(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("foreign_keys", "1"); err != nil {
		t.Error(err)
	}
}

// Schema tests

func TestSchema_BlocksTable(t *testing.T) {
	s := createTestStore(t)

	columns := getTableColumns(t, s.db, "blocks")
	expected := []string{
		"insertion_id", "feed_private_id", "position", "sequence", "actor_id",
		"prev_sequence", "prev_actor_id", "timestamp", "data",
	}
	for _, col := range expected {
		if !contains(columns, col) {
			t.Errorf("blocks table missing column %q", col)
		}
	}
}

func TestSchema_FeedsAndSubscriptionsTables(t *testing.T) {
	s := createTestStore(t)

	for table, expected := range map[string][]string{
		"feeds":         {"feed_private_id", "space_id", "feed_namespace", "feed_id", "last_sequence", "last_actor_id"},
		"subscriptions": {"subscription_id", "expires_at", "feed_private_ids"},
	} {
		columns := getTableColumns(t, s.db, table)
		for _, col := range expected {
			if !contains(columns, col) {
				t.Errorf("%s table missing column %q", table, col)
			}
		}
	}
}

func TestConstraint_PositionUniquePerFeed(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a := testBlock("f1", "A", 0, 1)
	a.Position = protocol.Int64(4)
	mustAppend(t, s, "space", "ns", a)

	b := testBlock("f1", "B", 0, 2)
	b.Position = protocol.Int64(4)
	_, err := s.Append(ctx, appendReq("space", "ns", b))
	if err == nil {
		t.Error("expected unique violation for a second block at the same position")
	}
}

func TestDialect_PostgresRebind(t *testing.T) {
	got := postgresDialect{}.rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)")
	want := "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)"
	if got != want {
		t.Errorf("rebind() = %q, want %q", got, want)
	}
}

// countingDialect records how often writers take the write lock.
type countingDialect struct {
	dialect
	locks int
}

func (d *countingDialect) lockWrites(ctx context.Context, tx *sql.Tx) error {
	d.locks++
	return d.dialect.lockWrites(ctx, tx)
}

func TestWriters_TakeWriteLockWithoutPositionAssignment(t *testing.T) {
	s := createTestStore(t, WithActorID("me"))
	d := &countingDialect{dialect: s.dialect}
	s.dialect = d
	ctx := context.Background()

	mustAppend(t, s, "space", "ns", testBlock("f1", "A", 0, 1))
	if _, err := s.AppendLocal(ctx, []LocalMessage{{SpaceID: "space", FeedNamespace: "other", FeedID: "f2"}}); err != nil {
		t.Fatalf("AppendLocal() failed: %v", err)
	}
	if _, err := s.DeleteBlocksThrough(ctx, FeedRef{"space", "ns", "f1"}, 100, 0); err != nil {
		t.Fatalf("DeleteBlocksThrough() failed: %v", err)
	}

	if d.locks != 3 {
		t.Errorf("write lock taken %d times, want 3", d.locks)
	}
}
