package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/roach88/feedsync/internal/ids"
)

// Schema version tracking:
// 0 - tables only
// 1 - epoch token minted in feed_meta
// 2 - feed head (last_sequence, last_actor_id) on feeds
const currentSchemaVersion = 2

const (
	metaEpochToken    = "epoch_token"
	metaSchemaVersion = "schema_version"
)

// DefaultSubscriptionTTL is how long a subscription stays queryable.
const DefaultSubscriptionTTL = time.Hour

// Store is the feed log of one peer.
//
// An authority store (WithPositionAssignment(true)) assigns positions on
// append; any other store keeps whatever position the incoming block carries.
type Store struct {
	db      *sql.DB
	dialect dialect

	assignPositions bool
	actorID         string
	now             func() time.Time
	ids             ids.Generator
	subscriptionTTL time.Duration

	mu    sync.RWMutex
	token string
}

// Option configures a Store.
type Option func(*Store)

// WithPositionAssignment makes the store the ordering authority for every
// partition it holds.
func WithPositionAssignment(enabled bool) Option {
	return func(s *Store) { s.assignPositions = enabled }
}

// WithActorID sets the identity stamped on blocks created by AppendLocal.
func WithActorID(actorID string) Option {
	return func(s *Store) { s.actorID = actorID }
}

// WithClock overrides the wall clock used for block timestamps and
// subscription expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides the subscription id generator.
func WithIDGenerator(gen ids.Generator) Option {
	return func(s *Store) { s.ids = gen }
}

// WithSubscriptionTTL overrides DefaultSubscriptionTTL.
func WithSubscriptionTTL(ttl time.Duration) Option {
	return func(s *Store) { s.subscriptionTTL = ttl }
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//   - IMMEDIATE transactions, so position assignment never races
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	return newStore(db, sqliteDialect{}, opts)
}

// OpenPostgres connects to a Postgres database and applies migrations.
func OpenPostgres(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newStore(db, postgresDialect{}, opts)
}

// Connect opens a store for the named driver ("sqlite3" or "postgres").
func Connect(driver, dsn string, opts ...Option) (*Store, error) {
	switch driver {
	case "", "sqlite3", "sqlite":
		return Open(dsn, opts...)
	case "postgres", "postgresql":
		return OpenPostgres(dsn, opts...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func newStore(db *sql.DB, d dialect, opts []Option) (*Store, error) {
	s := &Store{
		db:              db,
		dialect:         d,
		now:             time.Now,
		ids:             ids.Default,
		subscriptionTTL: DefaultSubscriptionTTL,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return s, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path + "&_txlock=immediate"
	}
	return path + "?_txlock=immediate"
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string {
	return s.dialect.name()
}

// AssignsPositions reports whether this store is an ordering authority.
func (s *Store) AssignsPositions() bool {
	return s.assignPositions
}

// ActorID returns the identity stamped on locally created blocks.
func (s *Store) ActorID() string {
	return s.actorID
}

// Token returns the current epoch token embedded in cursors.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// ResetEpoch mints a new epoch token. Every cursor issued before the reset
// fails with ErrCursorTokenMismatch afterwards.
func (s *Store) ResetEpoch(ctx context.Context) (string, error) {
	token := ulid.Make().String()
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO feed_meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`), metaEpochToken, token)
	if err != nil {
		return "", fmt.Errorf("reset epoch: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return token, nil
}

// Migrate creates tables if they don't exist, runs migrations and loads the
// epoch token. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema()); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := s.runMigrations(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return s.loadToken(ctx)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// runMigrations applies incremental migrations based on the stored version.
func (s *Store) runMigrations(ctx context.Context) error {
	version, err := s.dialect.schemaVersion(ctx, s.db)
	if err != nil {
		return err
	}
	if version >= currentSchemaVersion {
		return nil
	}

	if version < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := s.migrateToV2(ctx); err != nil {
			return err
		}
	}

	return s.dialect.setSchemaVersion(ctx, s.db, currentSchemaVersion)
}

// migrateToV1 mints the epoch token. A concurrent opener that wins the race
// keeps its token.
func (s *Store) migrateToV1(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO feed_meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO NOTHING
	`), metaEpochToken, ulid.Make().String())
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// migrateToV2 adds the feed head columns and fills them from the blocks each
// feed still holds.
func (s *Store) migrateToV2(ctx context.Context) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.dialect.addColumn(ctx, tx, "feeds", "last_sequence", s.dialect.integerType()); err != nil {
			return err
		}
		if err := s.dialect.addColumn(ctx, tx, "feeds", "last_actor_id", "TEXT"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE feeds SET
				last_sequence = (
					SELECT MAX(b.sequence) FROM blocks b
					WHERE b.feed_private_id = feeds.feed_private_id
				),
				last_actor_id = (
					SELECT b.actor_id FROM blocks b
					WHERE b.feed_private_id = feeds.feed_private_id
					ORDER BY b.sequence DESC, b.insertion_id DESC
					LIMIT 1
				)
			WHERE last_sequence IS NULL
		`)
		if err != nil {
			return fmt.Errorf("backfill feed heads: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

func (s *Store) loadToken(ctx context.Context) error {
	var token string
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind("SELECT value FROM feed_meta WHERE key = ?"), metaEpochToken).Scan(&token)
	if err != nil {
		return fmt.Errorf("load epoch token: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// inTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
