// Package ids generates the random identifiers used on the wire: sync
// request ids and subscription ids.
package ids

import (
	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
// Implemented by UUIDv7Generator (production) and testutil.SequenceGenerator (tests).
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// UUIDv7 embeds a timestamp in the most significant bits, so request ids
// sort by creation time in logs.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Default is the generator used when none is configured.
var Default Generator = UUIDv7Generator{}
