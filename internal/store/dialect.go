package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

// dialect isolates the statements that differ between SQLite and Postgres.
// Every query in this package is written with "?" placeholders and passed
// through rebind.
type dialect interface {
	name() string
	schema() string
	rebind(query string) string

	// lockWrites serializes block writers for the rest of the transaction.
	// Insertion ids then become visible in the order they were assigned, and
	// position assignment cannot race.
	lockWrites(ctx context.Context, tx *sql.Tx) error

	// addColumn adds a column unless the table already has it.
	addColumn(ctx context.Context, q querier, table, column, decl string) error
	integerType() string

	schemaVersion(ctx context.Context, db *sql.DB) (int, error)
	setSchemaVersion(ctx context.Context, db *sql.DB, version int) error
}

type sqliteDialect struct{}

func (sqliteDialect) name() string   { return "sqlite3" }
func (sqliteDialect) schema() string { return sqliteSchema }

func (sqliteDialect) rebind(query string) string { return query }

// SQLite transactions are opened with _txlock=immediate over a single
// connection, so the write lock is already held.
func (sqliteDialect) lockWrites(context.Context, *sql.Tx) error {
	return nil
}

func (sqliteDialect) addColumn(ctx context.Context, q querier, table, column, decl string) error {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect %s.%s: %w", table, column, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

func (sqliteDialect) integerType() string { return "INTEGER" }

func (sqliteDialect) schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}

func (sqliteDialect) setSchemaVersion(ctx context.Context, db *sql.DB, version int) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

type postgresDialect struct{}

func (postgresDialect) name() string   { return "postgres" }
func (postgresDialect) schema() string { return postgresSchema }

// rebind rewrites "?" placeholders to "$1", "$2", ...
func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// writeLockKey is the advisory lock every block writer takes. BIGSERIAL
// hands out ids at insert time, so without it two writers could commit out
// of id order and a cursor could step over the slower one.
const writeLockKey int64 = 0x6665656473796e63

func (postgresDialect) lockWrites(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", writeLockKey); err != nil {
		return fmt.Errorf("lock writes: %w", err)
	}
	return nil
}

func (postgresDialect) addColumn(ctx context.Context, q querier, table, column, decl string) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", table, column, decl))
	if err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

func (postgresDialect) integerType() string { return "BIGINT" }

func (postgresDialect) schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var raw string
	err := db.QueryRowContext(ctx, "SELECT value FROM feed_meta WHERE key = $1", metaSchemaVersion).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("get schema version: %q: %w", raw, err)
	}
	return version, nil
}

func (postgresDialect) setSchemaVersion(ctx context.Context, db *sql.DB, version int) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO feed_meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, metaSchemaVersion, strconv.Itoa(version))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
