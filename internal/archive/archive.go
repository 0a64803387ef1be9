// Package archive stores blocks removed by retention outside the feed
// database.
//
// Each batch becomes one JSON Lines object named after the feed and the
// insertion-id range it covers:
//
//	<prefix>/<space>/<namespace>/<feed>/<first>-<last>.jsonl
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"

	"github.com/roach88/feedsync/internal/config"
	"github.com/roach88/feedsync/internal/protocol"
	"github.com/roach88/feedsync/internal/store"
)

// Sink receives blocks before they are deleted. A failed Archive must leave
// the blocks in place, so callers delete only after it returns nil.
type Sink interface {
	Archive(ctx context.Context, ref store.FeedRef, blocks []protocol.Block) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Archive(context.Context, store.FeedRef, []protocol.Block) error { return nil }

// New builds the sink selected by cfg.Kind.
func New(ctx context.Context, cfg config.ArchiveConfig) (Sink, error) {
	switch cfg.Kind {
	case "", "none":
		return Nop{}, nil
	case "dir":
		return NewDirSink(cfg.Dir)
	case "minio":
		return NewMinioSink(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown archive kind %q", cfg.Kind)
	}
}

// ObjectKey names the archive object for a batch.
func ObjectKey(prefix string, ref store.FeedRef, blocks []protocol.Block) string {
	first, last := blocks[0].InsertionID, blocks[len(blocks)-1].InsertionID
	return path.Join(
		prefix,
		url.PathEscape(ref.SpaceID),
		url.PathEscape(ref.FeedNamespace),
		url.PathEscape(ref.FeedID),
		fmt.Sprintf("%020d-%020d.jsonl", first, last),
	)
}

// encodeJSONL writes one block per line.
func encodeJSONL(blocks []protocol.Block) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range blocks {
		if err := enc.Encode(&blocks[i]); err != nil {
			return nil, fmt.Errorf("encode block %d: %w", blocks[i].InsertionID, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeJSONL reads an archive object back.
func DecodeJSONL(data []byte) ([]protocol.Block, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var blocks []protocol.Block
	for dec.More() {
		var b protocol.Block
		if err := dec.Decode(&b); err != nil {
			return nil, fmt.Errorf("decode archive line %d: %w", len(blocks)+1, err)
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}
