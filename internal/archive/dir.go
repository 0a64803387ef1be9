package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/feedsync/internal/protocol"
	"github.com/roach88/feedsync/internal/store"
)

// DirSink writes archive objects under a local directory.
type DirSink struct {
	root string
}

// NewDirSink creates root if needed.
func NewDirSink(root string) (*DirSink, error) {
	if root == "" {
		return nil, errors.New("archive directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &DirSink{root: root}, nil
}

// Archive writes blocks to a temp file and renames it into place, so a
// partially written object is never visible.
func (d *DirSink) Archive(ctx context.Context, ref store.FeedRef, blocks []protocol.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeJSONL(blocks)
	if err != nil {
		return fmt.Errorf("archive %s: %w", ref, err)
	}

	target := filepath.Join(d.root, filepath.FromSlash(ObjectKey("", ref, blocks)))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("archive %s: %w", ref, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".archive-*")
	if err != nil {
		return fmt.Errorf("archive %s: %w", ref, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("archive %s: write: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("archive %s: close: %w", ref, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("archive %s: rename: %w", ref, err)
	}
	return nil
}
