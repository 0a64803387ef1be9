// Package harness runs replication scenarios against real stores.
//
// A scenario names a set of peers, one of which is the authority, and a list
// of steps (append, sync, trim) executed in order. Every replica is wired to
// the authority in memory through a feedsync client and server, so a
// scenario exercises the same code paths as a networked deployment without
// sockets.
//
// Each step adds one line to the trace. Traces are deterministic for a given
// scenario, which lets tests pin them in golden files:
//
//	go test ./internal/harness -update
//
// Assertions check the stores after the last step:
//
//   - block_count: number of blocks a peer holds for one feed
//   - order: a peer's positioned blocks of a partition, in position order
//   - unpositioned: number of blocks a peer has not had positioned yet
//   - converged: every peer holds the same positioned blocks of a partition
package harness
