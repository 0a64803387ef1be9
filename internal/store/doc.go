// Package store provides durable storage for replicated feed logs.
//
// A feed is identified by (space, namespace, feed id) and resolved lazily to
// a private integer handle. Blocks are appended to feeds with:
//   - Idempotency: UNIQUE(feed_private_id, sequence, actor_id); a redelivered
//     block is a no-op and the first stored version wins
//   - Partition ordering: an authority store assigns position = max + 1 across
//     every feed sharing (space, namespace), inside one write transaction
//   - Insertion ids: a store-wide AUTOINCREMENT key used for cursors, present
//     even before a block is positioned
//
// # Cursors
//
// Query returns an opaque "<epoch>|<insertionId>" cursor. The epoch is a ULID
// minted on first migration and kept in feed_meta. A cursor issued under a
// different epoch fails with ErrCursorTokenMismatch.
//
// # Database Configuration
//
// SQLite (default):
//   - WAL mode, synchronous=NORMAL, busy_timeout=5000, foreign_keys=ON
//   - _txlock=immediate so a write transaction holds the write lock from BEGIN
//   - one open connection
//
// Postgres: position assignment takes pg_advisory_xact_lock per partition.
package store
